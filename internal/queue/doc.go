// Package queue is the durable, leased job queue that drives the processing
// pipeline. Jobs belong to one stage and one conversation, are claimed with
// expiring leases so a crashed worker's work is reclaimed, retry with capped
// exponential backoff, and leave an append-only audit trail in job_events.
package queue
