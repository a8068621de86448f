// Package diff reconciles candidate facts extracted from a conversation
// against a user's existing memories: near-duplicates are ignored, close
// matches are updated in place, everything else becomes a new memory, and an
// optional contradiction pass soft-deletes memories the new fact invalidates.
package diff
