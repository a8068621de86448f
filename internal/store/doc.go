// Package store is the durable layer for conversations, audio chunks,
// transcript versions, annotations and memories, backed by a single SQLite
// database. Writes that workers may repeat after a crash are idempotent
// upserts. The job queue shares the same database handle.
package store
