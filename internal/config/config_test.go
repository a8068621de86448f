package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			UDPPort:              9999,
			BindAddress:          "0.0.0.0",
			BufferSize:           65536,
			MaxConcurrentDevices: 100,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Storage: StorageConfig{
			Path: "data/service.sqlite",
		},
		Segmenter: SegmenterConfig{
			SampleRate:      16000,
			SilenceTimeout:  60,
			MaxDuration:     1800,
			TickInterval:    1,
			DefaultLanguage: "en",
		},
		Voice: VoiceConfig{
			EnergyThreshold: 500,
		},
		Queue: QueueConfig{
			MaxAttempts:      3,
			BackoffBase:      2,
			BackoffCap:       120,
			LeaseTimeout:     300,
			BacklogThreshold: 1000,
			StageConcurrency: map[string]int{"transcribe": 4},
			RetentionDays:    7,
		},
		Workers: WorkerConfig{
			Count:             4,
			PollInterval:      0.5,
			HeartbeatInterval: 5,
			HeartbeatTimeout:  30,
			SessionMaxAge:     3600,
			AnomalyThreshold:  0.7,
		},
		Engines: EnginesConfig{
			Transcription: EngineConfig{Endpoint: "http://localhost:9000/transcribe", Timeout: 30, MaxConcurrent: 4},
			Extraction:    EngineConfig{Endpoint: "http://localhost:9000/extract", Timeout: 60, MaxConcurrent: 2},
			Embedding:     EngineConfig{Endpoint: "http://localhost:9000/embed", Timeout: 15, MaxConcurrent: 8},
		},
		Vector: VectorConfig{
			Endpoint: "http://localhost:6333",
			Timeout:  10,
		},
		Diff: DiffConfig{
			TopK:                5,
			SimilarityThreshold: 0.70,
			UpdateThreshold:     0.85,
			NearDuplicate:       0.95,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestValidateValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config failed validation: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero udp port", func(c *Config) { c.Server.UDPPort = 0 }},
		{"empty bind address", func(c *Config) { c.Server.BindAddress = "" }},
		{"tiny buffer", func(c *Config) { c.Server.BufferSize = 16 }},
		{"empty storage path", func(c *Config) { c.Storage.Path = "" }},
		{"odd sample rate", func(c *Config) { c.Segmenter.SampleRate = 44100 }},
		{"zero silence timeout", func(c *Config) { c.Segmenter.SilenceTimeout = 0 }},
		{"max duration below silence", func(c *Config) { c.Segmenter.MaxDuration = 10 }},
		{"zero max attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"backoff cap below base", func(c *Config) { c.Queue.BackoffCap = 0.5 }},
		{"zero lease timeout", func(c *Config) { c.Queue.LeaseTimeout = 0 }},
		{"zero stage concurrency", func(c *Config) { c.Queue.StageConcurrency = map[string]int{"transcribe": 0} }},
		{"zero workers", func(c *Config) { c.Workers.Count = 0 }},
		{"heartbeat timeout below interval", func(c *Config) { c.Workers.HeartbeatTimeout = 1 }},
		{"anomaly threshold above one", func(c *Config) { c.Workers.AnomalyThreshold = 1.5 }},
		{"empty transcription endpoint", func(c *Config) { c.Engines.Transcription.Endpoint = "" }},
		{"empty vector endpoint", func(c *Config) { c.Vector.Endpoint = "" }},
		{"update below similarity", func(c *Config) { c.Diff.UpdateThreshold = 0.5 }},
		{"near duplicate below update", func(c *Config) { c.Diff.NearDuplicate = 0.8 }},
		{"similarity above one", func(c *Config) { c.Diff.SimilarityThreshold = 1.5 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestDiarizationEngineOptional(t *testing.T) {
	cfg := validConfig()
	cfg.Workers.DiarizationOn = false
	cfg.Engines.Diarization = EngineConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("diarization engine should be optional when stage disabled: %v", err)
	}

	cfg.Workers.DiarizationOn = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing diarization engine")
	}
}

func TestLoadFromFile(t *testing.T) {
	yaml := `
server:
  udp_port: 9999
  bind_address: "0.0.0.0"
  buffer_size: 65536
  max_concurrent_devices: 50
http:
  port: 8080
  address: "0.0.0.0"
  enabled: true
storage:
  path: "data/service.sqlite"
segmenter:
  sample_rate: 16000
  silence_timeout: 90.0
  max_duration: 1800.0
  tick_interval: 1.0
  default_language: "en"
voice:
  energy_threshold: 500
queue:
  max_attempts: 3
  backoff_base: 2.0
  backoff_cap: 120.0
  lease_timeout: 300.0
  backlog_threshold: 1000
  stage_concurrency:
    transcribe: 4
    extract-memory: 2
  retention_days: 7
workers:
  count: 4
  poll_interval: 0.5
  heartbeat_interval: 5.0
  heartbeat_timeout: 30.0
  session_max_age: 3600.0
  diarization_enabled: false
  anomaly_threshold: 0.7
engines:
  transcription:
    endpoint: "http://localhost:9000/transcribe"
    api_key: "secret"
    timeout: 30
    max_concurrent: 4
  extraction:
    endpoint: "http://localhost:9000/extract"
    timeout: 60
    max_concurrent: 2
  embedding:
    endpoint: "http://localhost:9000/embed"
    timeout: 15
    max_concurrent: 8
vector:
  endpoint: "http://localhost:6333"
  timeout: 10
diff:
  top_k: 5
  similarity_threshold: 0.70
  update_threshold: 0.85
  near_duplicate_threshold: 0.95
  contradiction_enabled: true
  contradiction_confidence: 0.8
logging:
  level: "info"
  format: "json"
  output: "stdout"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Segmenter.GetSilenceTimeout() != 90*time.Second {
		t.Errorf("expected 90s silence timeout, got %v", cfg.Segmenter.GetSilenceTimeout())
	}
	if cfg.Queue.GetLeaseTimeout() != 5*time.Minute {
		t.Errorf("expected 5m lease timeout, got %v", cfg.Queue.GetLeaseTimeout())
	}
	if cfg.Queue.StageConcurrency["transcribe"] != 4 {
		t.Errorf("expected transcribe concurrency 4, got %d", cfg.Queue.StageConcurrency["transcribe"])
	}
	if !cfg.Diff.ContradictionEnabled {
		t.Error("expected contradiction pass enabled")
	}
	if cfg.Engines.Transcription.APIKey != "secret" {
		t.Errorf("unexpected transcription api key %q", cfg.Engines.Transcription.APIKey)
	}
	if cfg.Workers.AnomalyThreshold != 0.7 {
		t.Errorf("expected anomaly threshold 0.7, got %f", cfg.Workers.AnomalyThreshold)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}
