package model

import (
	"time"

	"github.com/google/uuid"
)

// ConversationID identifies a single bounded conversation.
type ConversationID string

// NewConversationID generates a new unique ConversationID.
func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

// VersionID identifies one immutable transcript version.
type VersionID string

// NewVersionID generates a new unique VersionID.
func NewVersionID() VersionID {
	return VersionID(uuid.New().String())
}

// DeterministicVersionID derives a stable VersionID from a seed. A worker
// retrying the same job after a crash produces the same id, which makes the
// version insert idempotent.
func DeterministicVersionID(seed string) VersionID {
	return VersionID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String())
}

// JobID identifies one unit of queued pipeline work.
type JobID string

// NewJobID generates a new unique JobID.
func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// MemoryID identifies one atomic long-term memory.
type MemoryID string

// NewMemoryID generates a new unique MemoryID.
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

// DeterministicMemoryID derives a stable MemoryID from a seed, so a replayed
// reconciliation upserts the same row instead of duplicating it.
func DeterministicMemoryID(seed string) MemoryID {
	return MemoryID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String())
}

// ConversationState represents the lifecycle state of a conversation.
type ConversationState string

const (
	ConversationOpen       ConversationState = "open"
	ConversationClosed     ConversationState = "closed"
	ConversationProcessing ConversationState = "processing"
	ConversationComplete   ConversationState = "complete"
	ConversationError      ConversationState = "error"
)

// CloseCause records why the segmenter closed a conversation.
type CloseCause string

const (
	CloseSilence     CloseCause = "silence"
	CloseMaxDuration CloseCause = "max_duration"
	CloseStopSignal  CloseCause = "stop"
	CloseShutdown    CloseCause = "shutdown"
)

// Conversation is a bounded span of audio from one device, treated as one
// semantic unit. A device has at most one open conversation at a time and a
// conversation never reopens once complete.
type Conversation struct {
	ID         ConversationID `json:"id"`
	DeviceID   string         `json:"device_id"`
	UserID     string         `json:"user_id"`
	State      ConversationState `json:"state"`
	CloseCause CloseCause     `json:"close_cause,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	ChunkCount int            `json:"chunk_count"`
	// VoicedChunks counts chunks in which the voice detector found speech.
	// Zero means the conversation is completed directly with an empty
	// transcript and no pipeline job.
	VoicedChunks int        `json:"voiced_chunks"`
	LastError    string     `json:"last_error,omitempty"`
	FailedStage  Stage      `json:"failed_stage,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// AudioChunk is one ordered PCM frame captured from a device. Immutable once
// persisted into a conversation.
type AudioChunk struct {
	ConversationID ConversationID `json:"conversation_id"`
	Sequence       uint32         `json:"sequence"`
	CapturedAt     time.Time      `json:"captured_at"`
	DeviceID       string         `json:"device_id"`
	PCM            []byte         `json:"-"`
	Voiced         bool           `json:"voiced"`
}

// AnomalyState is the tri-state anomaly flag on a transcript version.
type AnomalyState string

const (
	AnomalyUnknown  AnomalyState = "unknown"
	AnomalyFlagged  AnomalyState = "flagged"
	AnomalyVerified AnomalyState = "verified"
)

// SpeakerSegment is one labeled span of a transcript.
type SpeakerSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
}

// TranscriptVersion is one immutable transcription result for a conversation.
// Reprocessing appends a new version; exactly one version per conversation is
// active at a time.
type TranscriptVersion struct {
	ID             VersionID        `json:"id"`
	ConversationID ConversationID   `json:"conversation_id"`
	Text           string           `json:"text"`
	Segments       []SpeakerSegment `json:"segments,omitempty"`
	Active         bool             `json:"active"`
	Anomaly        AnomalyState     `json:"anomaly"`
	CreatedAt      time.Time        `json:"created_at"`
}

// AnnotationDecision is the binary review decision recorded against a
// transcript version.
type AnnotationDecision string

const (
	DecisionVerified AnnotationDecision = "verified"
	DecisionStashed  AnnotationDecision = "stashed"
)

// Annotation is one append-only review record for a transcript version.
type Annotation struct {
	VersionID   VersionID          `json:"version_id"`
	Decision    AnnotationDecision `json:"decision"`
	AnnotatedAt time.Time          `json:"annotated_at"`
}

// Stage is one step of the fixed processing pipeline.
type Stage string

const (
	StageTranscode     Stage = "transcode"
	StageTranscribe    Stage = "transcribe"
	StageDiarize       Stage = "diarize"
	StageExtractMemory Stage = "extract-memory"
)

// Valid reports whether the stage is one of the pipeline stages.
func (s Stage) Valid() bool {
	switch s {
	case StageTranscode, StageTranscribe, StageDiarize, StageExtractMemory:
		return true
	}
	return false
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobRetrying  JobStatus = "retrying"
	JobFailed    JobStatus = "failed"
	JobDone      JobStatus = "done"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is immutable.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobCancelled
}

// Job is one unit of queued, retryable pipeline work bound to one stage and
// one conversation.
type Job struct {
	ID             JobID          `json:"id"`
	Stage          Stage          `json:"stage"`
	ConversationID ConversationID `json:"conversation_id"`
	Payload        map[string]string `json:"payload,omitempty"`
	Status         JobStatus      `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	LastError      string         `json:"last_error,omitempty"`
	OwnerWorkerID  string         `json:"owner_worker_id,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	NotBefore      time.Time      `json:"not_before"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// JobEvent is one append-only audit record of a job state transition,
// independent of the job's own mutable fields.
type JobEvent struct {
	ID         int64     `json:"id"`
	JobID      JobID     `json:"job_id"`
	Stage      Stage     `json:"stage"`
	FromStatus JobStatus `json:"from_status"`
	ToStatus   JobStatus `json:"to_status"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MemoryStatus is the lifecycle state of a memory. Deletes are always soft.
type MemoryStatus string

const (
	MemoryActive  MemoryStatus = "active"
	MemoryDeleted MemoryStatus = "deleted"
)

// Memory is an atomic, independently retrievable fact extracted from a
// conversation. It keeps a weak back-reference to the conversation it was
// learned from and survives that conversation's deletion.
type Memory struct {
	ID                   MemoryID       `json:"id"`
	UserID               string         `json:"user_id"`
	Text                 string         `json:"text"`
	Embedding            []float32      `json:"-"`
	SourceConversationID ConversationID `json:"source_conversation_id"`
	Status               MemoryStatus   `json:"status"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}
