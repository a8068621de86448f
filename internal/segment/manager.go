package segment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/convo-memory-service/internal/audio"
	"github.com/skypro1111/convo-memory-service/internal/metrics"
	"github.com/skypro1111/convo-memory-service/internal/model"
)

// Config contains segmenter behavior configuration.
type Config struct {
	SampleRate      int
	SilenceTimeout  time.Duration
	MaxDuration     time.Duration
	TickInterval    time.Duration
	MaxDevices      int
	DefaultLanguage string
	// Metrics receives session and conversation counters when set.
	Metrics *metrics.Metrics
}

// CloseHandler consumes a closed conversation: persistence and pipeline
// admission happen behind this interface.
type CloseHandler interface {
	HandleOpen(ctx context.Context, conv *model.Conversation) error
	HandleClose(ctx context.Context, conv *model.Conversation, chunks []model.AudioChunk) error
}

// Manager owns one session per device and applies the close rules: silence
// timeout, max duration, explicit stop signal, and shutdown.
type Manager struct {
	config   Config
	detector audio.VoiceDetector
	closer   CloseHandler
	logger   *slog.Logger

	sessions map[string]*Session
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

// NewManager creates a segmenter manager and starts its close-rule sweep.
func NewManager(config Config, detector audio.VoiceDetector, closer CloseHandler, logger *slog.Logger) *Manager {
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:   config,
		detector: detector,
		closer:   closer,
		logger:   logger,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		now:      time.Now,
	}

	go m.sweepLoop()
	return m
}

// HandleStreamStart opens a session for the device. An existing session just
// has its activity refreshed so duplicate start signals do not split a
// conversation.
func (m *Manager) HandleStreamStart(deviceID, userID string) {
	m.mu.Lock()

	if existing, ok := m.sessions[deviceID]; ok {
		existing.mu.Lock()
		existing.lastActivity = m.now()
		existing.mu.Unlock()
		m.mu.Unlock()

		m.logger.Debug("duplicate stream start",
			slog.String("device_id", deviceID),
			slog.String("conversation_id", string(existing.ConversationID)))
		return
	}

	if m.config.MaxDevices > 0 && len(m.sessions) >= m.config.MaxDevices {
		m.mu.Unlock()
		m.logger.Warn("device limit reached, refusing session",
			slog.String("device_id", deviceID),
			slog.Int("limit", m.config.MaxDevices))
		return
	}

	session := newSession(deviceID, userID, m.config.SampleRate, m.now())
	m.sessions[deviceID] = session
	live := len(m.sessions)
	m.mu.Unlock()

	if m.config.Metrics != nil {
		m.config.Metrics.RecordConversationOpened()
		m.config.Metrics.SetActiveSessions(live)
	}

	if err := m.closer.HandleOpen(m.ctx, &model.Conversation{
		ID:        session.ConversationID,
		DeviceID:  deviceID,
		UserID:    userID,
		State:     model.ConversationOpen,
		StartedAt: session.StartedAt,
	}); err != nil {
		m.logger.Error("failed to persist conversation open",
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()))
	}

	m.logger.Info("conversation opened",
		slog.String("device_id", deviceID),
		slog.String("user_id", userID),
		slog.String("conversation_id", string(session.ConversationID)))
}

// HandleStreamStop closes the device's session with the stop-signal cause.
// Unknown devices are ignored.
func (m *Manager) HandleStreamStop(deviceID string) {
	m.closeSession(deviceID, model.CloseStopSignal)
}

// HandleAudio routes one PCM frame to the device's session, running voice
// detection on it. Audio for a device without a session opens one, so a lost
// start signal does not lose the conversation.
func (m *Manager) HandleAudio(deviceID, userID string, sequence uint32, capturedAt time.Time, pcm []byte) {
	m.mu.RLock()
	session, ok := m.sessions[deviceID]
	m.mu.RUnlock()

	if !ok {
		m.logger.Debug("audio for unknown device, opening session",
			slog.String("device_id", deviceID))
		m.HandleStreamStart(deviceID, userID)

		m.mu.RLock()
		session, ok = m.sessions[deviceID]
		m.mu.RUnlock()
		if !ok {
			// refused by the device limit
			return
		}
	}

	voiced := m.detector.Detect(audio.DecodeSamples(pcm))
	if !session.append(audio.Frame{
		Sequence:   sequence,
		CapturedAt: capturedAt,
		PCM:        pcm,
		Voiced:     voiced,
	}) {
		if m.config.Metrics != nil {
			m.config.Metrics.RecordFrameDropped()
		}
		m.logger.Warn("dropped out-of-order frame",
			slog.String("device_id", deviceID),
			slog.String("conversation_id", string(session.ConversationID)),
			slog.Uint64("sequence", uint64(sequence)),
			slog.Uint64("last_sequence", uint64(session.buffer.LastSequence())))
	}
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns monitoring snapshots of all live sessions.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session.info())
	}
	return out
}

// CleanupOldSessions force-closes sessions that have been idle longer than
// maxAge. This is the supervisor's safety net behind the regular sweep; it
// touches session bookkeeping only, closed conversations keep their rows.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) int {
	now := m.now()

	m.mu.RLock()
	var stale []string
	for deviceID, session := range m.sessions {
		if now.Sub(session.lastActive()) >= maxAge {
			stale = append(stale, deviceID)
		}
	}
	m.mu.RUnlock()

	for _, deviceID := range stale {
		m.closeSession(deviceID, model.CloseSilence)
	}
	return len(stale)
}

// Shutdown closes every live session with the shutdown cause and stops the
// sweep loop. Buffered audio is handed to the close handler, not dropped.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	devices := make([]string, 0, len(m.sessions))
	for deviceID := range m.sessions {
		devices = append(devices, deviceID)
	}
	m.mu.RUnlock()

	for _, deviceID := range devices {
		m.closeSession(deviceID, model.CloseShutdown)
	}

	m.cancel()
	<-m.done

	m.logger.Info("segmenter stopped", slog.Int("closed_sessions", len(devices)))
}

// sweepLoop periodically applies the silence-timeout and max-duration close
// rules to every session.
func (m *Manager) sweepLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := m.now()

	type closure struct {
		deviceID string
		cause    model.CloseCause
	}
	var due []closure

	m.mu.RLock()
	for deviceID, session := range m.sessions {
		switch {
		case m.config.MaxDuration > 0 && now.Sub(session.StartedAt) >= m.config.MaxDuration:
			due = append(due, closure{deviceID, model.CloseMaxDuration})
		case m.config.SilenceTimeout > 0 && now.Sub(session.lastActive()) >= m.config.SilenceTimeout:
			due = append(due, closure{deviceID, model.CloseSilence})
		}
	}
	m.mu.RUnlock()

	for _, c := range due {
		m.closeSession(c.deviceID, c.cause)
	}
}

// closeSession removes the session and hands the bounded conversation to the
// close handler. Handler failures are logged; the session is gone either
// way, the conversation row stays for the operator.
func (m *Manager) closeSession(deviceID string, cause model.CloseCause) {
	m.mu.Lock()
	session, ok := m.sessions[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, deviceID)
	live := len(m.sessions)
	m.mu.Unlock()

	stats := session.buffer.Stats()
	endedAt := m.now()

	if m.config.Metrics != nil {
		m.config.Metrics.SetActiveSessions(live)
		m.config.Metrics.RecordConversationClosed(string(cause), endedAt.Sub(session.StartedAt).Seconds())
	}
	conv := &model.Conversation{
		ID:           session.ConversationID,
		DeviceID:     session.DeviceID,
		UserID:       session.UserID,
		State:        model.ConversationClosed,
		CloseCause:   cause,
		StartedAt:    session.StartedAt,
		EndedAt:      &endedAt,
		ChunkCount:   stats.TotalFrames,
		VoicedChunks: int(stats.VoicedFrames),
	}

	m.logger.Info("conversation closed",
		slog.String("device_id", deviceID),
		slog.String("conversation_id", string(session.ConversationID)),
		slog.String("cause", string(cause)),
		slog.Int("frames", stats.TotalFrames),
		slog.Uint64("voiced_frames", uint64(stats.VoicedFrames)),
		slog.Uint64("dropped_frames", uint64(stats.Dropped)))

	if err := m.closer.HandleClose(m.ctx, conv, session.chunks()); err != nil {
		m.logger.Error("close handler failed",
			slog.String("conversation_id", string(session.ConversationID)),
			slog.String("error", err.Error()))
	}
}
