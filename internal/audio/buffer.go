package audio

import (
	"sync"
	"time"
)

// Frame is one sequenced PCM frame accepted into a buffer.
type Frame struct {
	Sequence   uint32
	CapturedAt time.Time
	PCM        []byte
	Voiced     bool
}

// Buffer accumulates ordered PCM frames for one open conversation. Frames
// must arrive in strictly increasing sequence order; out-of-order and
// duplicate frames are rejected, counted, and left to the caller to log.
// Rejections never fail the stream.
type Buffer struct {
	deviceID   string
	sampleRate int

	frames  []Frame
	lastSeq uint32
	started bool

	voicedFrames uint32
	dropped      uint32
	lastUpdate   time.Time

	mu sync.RWMutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	DeviceID     string  `json:"device_id"`
	TotalFrames  int     `json:"total_frames"`
	VoicedFrames uint32  `json:"voiced_frames"`
	Dropped      uint32  `json:"dropped_frames"`
	LastSequence uint32  `json:"last_sequence"`
	Duration     float64 `json:"duration_seconds"`
}

// NewBuffer creates a new frame buffer for one conversation.
func NewBuffer(deviceID string, sampleRate int) *Buffer {
	return &Buffer{
		deviceID:   deviceID,
		sampleRate: sampleRate,
		lastUpdate: time.Now(),
	}
}

// Append adds a frame to the buffer. It returns false when the frame is a
// duplicate or arrives out of order and was dropped.
func (b *Buffer) Append(frame Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started && frame.Sequence <= b.lastSeq {
		b.dropped++
		return false
	}

	b.frames = append(b.frames, frame)
	b.lastSeq = frame.Sequence
	b.started = true
	b.lastUpdate = time.Now()
	if frame.Voiced {
		b.voicedFrames++
	}

	return true
}

// Frames returns a snapshot of all accepted frames in arrival order.
func (b *Buffer) Frames() []Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Frame, len(b.frames))
	copy(out, b.frames)
	return out
}

// PCM concatenates the raw audio of all accepted frames.
func (b *Buffer) PCM() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, f := range b.frames {
		total += len(f.PCM)
	}

	out := make([]byte, 0, total)
	for _, f := range b.frames {
		out = append(out, f.PCM...)
	}
	return out
}

// Samples decodes the accumulated PCM bytes into int16 samples
// (little-endian PCM-16).
func (b *Buffer) Samples() []int16 {
	pcm := b.PCM()
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}

// FrameCount returns the number of accepted frames.
func (b *Buffer) FrameCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.frames)
}

// VoicedFrames returns the number of accepted frames with detected speech.
func (b *Buffer) VoicedFrames() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.voicedFrames
}

// DroppedFrames returns the number of rejected duplicate/out-of-order frames.
func (b *Buffer) DroppedFrames() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// LastSequence returns the highest accepted sequence number.
func (b *Buffer) LastSequence() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeq
}

// LastUpdate returns the time the buffer last accepted a frame.
func (b *Buffer) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

// Duration returns the audio duration represented by the accepted frames.
func (b *Buffer) Duration() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bytes := 0
	for _, f := range b.frames {
		bytes += len(f.PCM)
	}
	if b.sampleRate == 0 {
		return 0
	}

	samples := bytes / 2
	return time.Duration(samples) * time.Second / time.Duration(b.sampleRate)
}

// Stats returns current buffer statistics.
func (b *Buffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bytes := 0
	for _, f := range b.frames {
		bytes += len(f.PCM)
	}

	duration := float64(0)
	if b.sampleRate > 0 {
		duration = float64(bytes/2) / float64(b.sampleRate)
	}

	return BufferStats{
		DeviceID:     b.deviceID,
		TotalFrames:  len(b.frames),
		VoicedFrames: b.voicedFrames,
		Dropped:      b.dropped,
		LastSequence: b.lastSeq,
		Duration:     duration,
	}
}
