// Package engine holds the HTTP clients for the external processing engines:
// transcription, diarization, LLM extraction and embedding. The service never
// runs models in-process; every engine is a narrow request/response
// collaborator. Call failures carry a transient/permanent classification that
// the job queue's retry policy consumes.
package engine
