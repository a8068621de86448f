package segment

import (
	"sync"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/audio"
	"github.com/skypro1111/convo-memory-service/internal/model"
)

// Session tracks one device's open conversation: its frame buffer, voice
// detection counters and activity timestamps.
type Session struct {
	DeviceID       string
	UserID         string
	ConversationID model.ConversationID
	StartedAt      time.Time

	buffer *audio.Buffer

	mu           sync.RWMutex
	lastActivity time.Time
}

// Info is a monitoring snapshot of one live session.
type Info struct {
	DeviceID       string               `json:"device_id"`
	UserID         string               `json:"user_id"`
	ConversationID model.ConversationID `json:"conversation_id"`
	StartedAt      time.Time            `json:"started_at"`
	LastActivity   time.Time            `json:"last_activity"`
	Frames         int                  `json:"frames"`
	VoicedFrames   uint32               `json:"voiced_frames"`
	DroppedFrames  uint32               `json:"dropped_frames"`
	DurationSec    float64              `json:"duration_seconds"`
}

func newSession(deviceID, userID string, sampleRate int, now time.Time) *Session {
	return &Session{
		DeviceID:       deviceID,
		UserID:         userID,
		ConversationID: model.NewConversationID(),
		StartedAt:      now,
		buffer:         audio.NewBuffer(deviceID, sampleRate),
		lastActivity:   now,
	}
}

// append adds one frame to the session buffer. Returns false when the frame
// was dropped as duplicate or out of order.
func (s *Session) append(frame audio.Frame) bool {
	ok := s.buffer.Append(frame)
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return ok
}

// lastActive returns the time of the last accepted or rejected frame.
func (s *Session) lastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// chunks converts the buffered frames into persistable audio chunks.
func (s *Session) chunks() []model.AudioChunk {
	frames := s.buffer.Frames()
	out := make([]model.AudioChunk, 0, len(frames))
	for _, f := range frames {
		out = append(out, model.AudioChunk{
			ConversationID: s.ConversationID,
			Sequence:       f.Sequence,
			CapturedAt:     f.CapturedAt,
			DeviceID:       s.DeviceID,
			PCM:            f.PCM,
			Voiced:         f.Voiced,
		})
	}
	return out
}

// info returns a monitoring snapshot.
func (s *Session) info() Info {
	stats := s.buffer.Stats()
	return Info{
		DeviceID:       s.DeviceID,
		UserID:         s.UserID,
		ConversationID: s.ConversationID,
		StartedAt:      s.StartedAt,
		LastActivity:   s.lastActive(),
		Frames:         stats.TotalFrames,
		VoicedFrames:   stats.VoicedFrames,
		DroppedFrames:  stats.Dropped,
		DurationSec:    stats.Duration,
	}
}
