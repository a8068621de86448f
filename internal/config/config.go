package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	HTTP      HTTPConfig      `yaml:"http"`
	Storage   StorageConfig   `yaml:"storage"`
	Segmenter SegmenterConfig `yaml:"segmenter"`
	Voice     VoiceConfig     `yaml:"voice"`
	Queue     QueueConfig     `yaml:"queue"`
	Workers   WorkerConfig    `yaml:"workers"`
	Engines   EnginesConfig   `yaml:"engines"`
	Vector    VectorConfig    `yaml:"vector"`
	Diff      DiffConfig      `yaml:"diff"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains UDP ingress server configuration
type ServerConfig struct {
	UDPPort              int    `yaml:"udp_port"`
	BindAddress          string `yaml:"bind_address"`
	BufferSize           int    `yaml:"buffer_size"`
	MaxConcurrentDevices int    `yaml:"max_concurrent_devices"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// StorageConfig contains the SQLite database configuration
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SegmenterConfig contains conversation segmentation parameters
type SegmenterConfig struct {
	SampleRate      int     `yaml:"sample_rate"`
	SilenceTimeout  float64 `yaml:"silence_timeout"` // seconds
	MaxDuration     float64 `yaml:"max_duration"`    // seconds
	TickInterval    float64 `yaml:"tick_interval"`   // seconds
	DefaultLanguage string  `yaml:"default_language"`
}

// VoiceConfig contains voice activity detection parameters
type VoiceConfig struct {
	EnergyThreshold float64 `yaml:"energy_threshold"`
}

// QueueConfig contains job queue behavior configuration
type QueueConfig struct {
	MaxAttempts      int            `yaml:"max_attempts"`
	BackoffBase      float64        `yaml:"backoff_base"`      // seconds
	BackoffCap       float64        `yaml:"backoff_cap"`       // seconds
	LeaseTimeout     float64        `yaml:"lease_timeout"`     // seconds
	BacklogThreshold int            `yaml:"backlog_threshold"` // queued jobs per stage
	StageConcurrency map[string]int `yaml:"stage_concurrency"` // running jobs per stage
	RetentionDays    int            `yaml:"retention_days"`    // done/cancelled job retention
}

// WorkerConfig contains worker pool configuration
type WorkerConfig struct {
	Count             int     `yaml:"count"`
	PollInterval      float64 `yaml:"poll_interval"`      // seconds
	HeartbeatInterval float64 `yaml:"heartbeat_interval"` // seconds
	HeartbeatTimeout  float64 `yaml:"heartbeat_timeout"`  // seconds
	SessionMaxAge     float64 `yaml:"session_max_age"`    // seconds, supervisor session cleanup
	DiarizationOn     bool    `yaml:"diarization_enabled"`
	AnomalyThreshold  float64 `yaml:"anomaly_threshold"` // 0 disables the anomaly gate
}

// EngineConfig contains the connection settings for one external engine
type EngineConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// EnginesConfig groups all external engine endpoints
type EnginesConfig struct {
	Transcription EngineConfig `yaml:"transcription"`
	Diarization   EngineConfig `yaml:"diarization"`
	Extraction    EngineConfig `yaml:"extraction"`
	Embedding     EngineConfig `yaml:"embedding"`
}

// VectorConfig contains the external vector store configuration
type VectorConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Timeout  int    `yaml:"timeout"` // seconds
}

// DiffConfig contains memory diff thresholds
type DiffConfig struct {
	TopK                 int     `yaml:"top_k"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold"`
	UpdateThreshold      float64 `yaml:"update_threshold"`
	NearDuplicate        float64 `yaml:"near_duplicate_threshold"`
	ContradictionEnabled bool    `yaml:"contradiction_enabled"`
	ContradictionMin     float64 `yaml:"contradiction_confidence"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Segmenter.Validate(); err != nil {
		return fmt.Errorf("segmenter config: %w", err)
	}

	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue config: %w", err)
	}

	if err := c.Workers.Validate(); err != nil {
		return fmt.Errorf("workers config: %w", err)
	}

	if err := c.Engines.Validate(c.Workers.DiarizationOn); err != nil {
		return fmt.Errorf("engines config: %w", err)
	}

	if err := c.Vector.Validate(); err != nil {
		return fmt.Errorf("vector config: %w", err)
	}

	if err := c.Diff.Validate(); err != nil {
		return fmt.Errorf("diff config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.MaxConcurrentDevices < 1 {
		return fmt.Errorf("max_concurrent_devices must be at least 1, got %d", s.MaxConcurrentDevices)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	return nil
}

// Validate validates segmenter configuration
func (s *SegmenterConfig) Validate() error {
	if s.SampleRate != 8000 && s.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 8000 or 16000 Hz, got %d", s.SampleRate)
	}

	if s.SilenceTimeout <= 0 {
		return fmt.Errorf("silence_timeout must be positive, got %f", s.SilenceTimeout)
	}

	if s.MaxDuration <= s.SilenceTimeout {
		return fmt.Errorf("max_duration (%f) must be greater than silence_timeout (%f)",
			s.MaxDuration, s.SilenceTimeout)
	}

	if s.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %f", s.TickInterval)
	}

	return nil
}

// Validate validates queue configuration
func (q *QueueConfig) Validate() error {
	if q.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", q.MaxAttempts)
	}

	if q.BackoffBase <= 0 {
		return fmt.Errorf("backoff_base must be positive, got %f", q.BackoffBase)
	}

	if q.BackoffCap < q.BackoffBase {
		return fmt.Errorf("backoff_cap (%f) must not be less than backoff_base (%f)",
			q.BackoffCap, q.BackoffBase)
	}

	if q.LeaseTimeout <= 0 {
		return fmt.Errorf("lease_timeout must be positive, got %f", q.LeaseTimeout)
	}

	if q.BacklogThreshold < 1 {
		return fmt.Errorf("backlog_threshold must be at least 1, got %d", q.BacklogThreshold)
	}

	for stage, limit := range q.StageConcurrency {
		if limit < 1 {
			return fmt.Errorf("stage_concurrency[%s] must be at least 1, got %d", stage, limit)
		}
	}

	if q.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1, got %d", q.RetentionDays)
	}

	return nil
}

// Validate validates worker pool configuration
func (w *WorkerConfig) Validate() error {
	if w.Count < 1 {
		return fmt.Errorf("count must be at least 1, got %d", w.Count)
	}

	if w.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %f", w.PollInterval)
	}

	if w.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %f", w.HeartbeatInterval)
	}

	if w.HeartbeatTimeout <= w.HeartbeatInterval {
		return fmt.Errorf("heartbeat_timeout (%f) must be greater than heartbeat_interval (%f)",
			w.HeartbeatTimeout, w.HeartbeatInterval)
	}

	if w.SessionMaxAge <= 0 {
		return fmt.Errorf("session_max_age must be positive, got %f", w.SessionMaxAge)
	}

	if w.AnomalyThreshold < 0 || w.AnomalyThreshold > 1 {
		return fmt.Errorf("anomaly_threshold must be between 0 and 1, got %f", w.AnomalyThreshold)
	}

	return nil
}

// Validate validates one engine configuration
func (e *EngineConfig) Validate(name string) error {
	if e.Endpoint == "" {
		return fmt.Errorf("%s endpoint cannot be empty", name)
	}

	if e.Timeout < 1 {
		return fmt.Errorf("%s timeout must be at least 1 second, got %d", name, e.Timeout)
	}

	if e.MaxConcurrent < 1 {
		return fmt.Errorf("%s max_concurrent must be at least 1, got %d", name, e.MaxConcurrent)
	}

	return nil
}

// Validate validates all engine configurations. The diarization engine is
// only required when the diarize stage is enabled.
func (e *EnginesConfig) Validate(diarizationOn bool) error {
	if err := e.Transcription.Validate("transcription"); err != nil {
		return err
	}

	if diarizationOn {
		if err := e.Diarization.Validate("diarization"); err != nil {
			return err
		}
	}

	if err := e.Extraction.Validate("extraction"); err != nil {
		return err
	}

	if err := e.Embedding.Validate("embedding"); err != nil {
		return err
	}

	return nil
}

// Validate validates vector store configuration
func (v *VectorConfig) Validate() error {
	if v.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if v.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", v.Timeout)
	}

	return nil
}

// Validate validates diff engine configuration
func (d *DiffConfig) Validate() error {
	if d.TopK < 1 {
		return fmt.Errorf("top_k must be at least 1, got %d", d.TopK)
	}

	for name, v := range map[string]float64{
		"similarity_threshold":     d.SimilarityThreshold,
		"update_threshold":         d.UpdateThreshold,
		"near_duplicate_threshold": d.NearDuplicate,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, v)
		}
	}

	if d.UpdateThreshold < d.SimilarityThreshold {
		return fmt.Errorf("update_threshold (%f) must not be less than similarity_threshold (%f)",
			d.UpdateThreshold, d.SimilarityThreshold)
	}

	if d.NearDuplicate < d.UpdateThreshold {
		return fmt.Errorf("near_duplicate_threshold (%f) must not be less than update_threshold (%f)",
			d.NearDuplicate, d.UpdateThreshold)
	}

	if d.ContradictionEnabled && (d.ContradictionMin < 0 || d.ContradictionMin > 1) {
		return fmt.Errorf("contradiction_confidence must be between 0 and 1, got %f", d.ContradictionMin)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetSilenceTimeout returns the silence timeout as a time.Duration
func (s *SegmenterConfig) GetSilenceTimeout() time.Duration {
	return time.Duration(s.SilenceTimeout * float64(time.Second))
}

// GetMaxDuration returns the maximum conversation duration as a time.Duration
func (s *SegmenterConfig) GetMaxDuration() time.Duration {
	return time.Duration(s.MaxDuration * float64(time.Second))
}

// GetTickInterval returns the session tick interval as a time.Duration
func (s *SegmenterConfig) GetTickInterval() time.Duration {
	return time.Duration(s.TickInterval * float64(time.Second))
}

// GetBackoffBase returns the retry backoff base delay as a time.Duration
func (q *QueueConfig) GetBackoffBase() time.Duration {
	return time.Duration(q.BackoffBase * float64(time.Second))
}

// GetBackoffCap returns the retry backoff cap as a time.Duration
func (q *QueueConfig) GetBackoffCap() time.Duration {
	return time.Duration(q.BackoffCap * float64(time.Second))
}

// GetLeaseTimeout returns the job lease timeout as a time.Duration
func (q *QueueConfig) GetLeaseTimeout() time.Duration {
	return time.Duration(q.LeaseTimeout * float64(time.Second))
}

// GetRetention returns the finished-job retention window as a time.Duration
func (q *QueueConfig) GetRetention() time.Duration {
	return time.Duration(q.RetentionDays) * 24 * time.Hour
}

// GetPollInterval returns the worker poll interval as a time.Duration
func (w *WorkerConfig) GetPollInterval() time.Duration {
	return time.Duration(w.PollInterval * float64(time.Second))
}

// GetHeartbeatInterval returns the worker heartbeat interval as a time.Duration
func (w *WorkerConfig) GetHeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatInterval * float64(time.Second))
}

// GetHeartbeatTimeout returns the worker heartbeat timeout as a time.Duration
func (w *WorkerConfig) GetHeartbeatTimeout() time.Duration {
	return time.Duration(w.HeartbeatTimeout * float64(time.Second))
}

// GetSessionMaxAge returns the completed session retention as a time.Duration
func (w *WorkerConfig) GetSessionMaxAge() time.Duration {
	return time.Duration(w.SessionMaxAge * float64(time.Second))
}

// GetTimeoutDuration returns the engine call timeout as a time.Duration
func (e *EngineConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// GetTimeoutDuration returns the vector store call timeout as a time.Duration
func (v *VectorConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(v.Timeout) * time.Second
}
