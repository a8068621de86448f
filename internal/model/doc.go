// Package model defines the domain types shared across the pipeline:
// conversations and their audio chunks, versioned transcripts, queued jobs
// with their audit events, and extracted memories.
package model
