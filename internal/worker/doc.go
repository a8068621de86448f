// Package worker runs the pipeline stages. A pool of workers leases jobs
// from the queue and dispatches them to stage handlers: transcode builds the
// WAV artifact, transcribe and diarize append transcript versions,
// extract-memory reconciles facts into the memory set. Results are persisted
// idempotently so a crashed worker's reclaimed job can safely run again.
package worker
