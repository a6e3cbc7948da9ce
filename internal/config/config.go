// Package config provides the configuration schema, loader, credential
// resolution, and file watcher for voxnote.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxnote/pkg/live"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for voxnote.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server ServerConfig `yaml:"server"`
	Live   LiveConfig   `yaml:"live"`
	Audio  AudioConfig  `yaml:"audio"`
}

// ServerConfig holds logging and status endpoint settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// StatusAddr is the listen address for /healthz, /readyz and /metrics.
	// Empty disables the status server.
	StatusAddr string `yaml:"status_addr"`
}

// LiveConfig describes the remote session.
type LiveConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIVersion string `yaml:"api_version"`
	Model      string `yaml:"model"`

	// APIKey, when set, takes precedence over the environment.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env"`

	// EnvFile is an optional dotenv file loaded before reading APIKeyEnv.
	// Variables already present in the environment are not overridden.
	EnvFile string `yaml:"env_file"`

	Voice              string       `yaml:"voice"`
	ResponseModalities []string     `yaml:"response_modalities"`
	SystemInstruction  string       `yaml:"system_instruction"`
	Transcribe         bool         `yaml:"transcribe"`
	Tools              []ToolConfig `yaml:"tools"`
}

// ToolConfig declares one function the model may call.
type ToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// AudioConfig tunes capture, transport pacing, and playback.
type AudioConfig struct {
	CaptureSampleRate   int           `yaml:"capture_sample_rate"`
	PlaybackSampleRate  int           `yaml:"playback_sample_rate"`
	CaptureFrameSamples int           `yaml:"capture_frame_samples"`
	DeviceBufferFrames  int           `yaml:"device_buffer_frames"`
	ChunkBytes          int           `yaml:"chunk_bytes"`
	SendInterval        time.Duration `yaml:"send_interval"`
	PendingFrameLimit   int           `yaml:"pending_frame_limit"`
	LeadTime            time.Duration `yaml:"lead_time"`
	LookAhead           time.Duration `yaml:"look_ahead"`
	PollInterval        time.Duration `yaml:"poll_interval"`

	// FlushCaptureOnStop sends the trailing partial capture frame on stop.
	// A pointer so an explicit false survives ApplyDefaults.
	FlushCaptureOnStop *bool `yaml:"flush_capture_on_stop"`

	// HardStopOnInterrupt also cancels audio already handed to the device.
	HardStopOnInterrupt bool `yaml:"hard_stop_on_interrupt"`

	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// FlushOnStop reports the effective FlushCaptureOnStop setting.
func (a AudioConfig) FlushOnStop() bool {
	return a.FlushCaptureOnStop == nil || *a.FlushCaptureOnStop
}

// SessionConfig converts the live section into the handshake configuration.
func (l LiveConfig) SessionConfig() live.SessionConfig {
	sc := live.SessionConfig{
		Model:              l.Model,
		ResponseModalities: l.ResponseModalities,
		Voice:              l.Voice,
		SystemInstruction:  l.SystemInstruction,
		Transcribe:         l.Transcribe,
	}
	for _, t := range l.Tools {
		sc.Tools = append(sc.Tools, live.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return sc
}
