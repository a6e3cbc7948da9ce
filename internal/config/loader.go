package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxnote/pkg/audio"
	"github.com/MrWong99/voxnote/pkg/audio/playback"
	"github.com/MrWong99/voxnote/pkg/live"
)

const (
	DefaultModel        = "gemini-2.0-flash-exp"
	DefaultAPIKeyEnv    = "GEMINI_API_KEY"
	DefaultVoice        = "Puck"
	DefaultDrainTimeout = 2 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	l := &cfg.Live
	if l.BaseURL == "" {
		l.BaseURL = live.DefaultBaseURL
	}
	if l.APIVersion == "" {
		l.APIVersion = live.DefaultAPIVersion
	}
	if l.Model == "" {
		l.Model = DefaultModel
	}
	if l.APIKeyEnv == "" {
		l.APIKeyEnv = DefaultAPIKeyEnv
	}
	if l.Voice == "" {
		l.Voice = DefaultVoice
	}
	if len(l.ResponseModalities) == 0 {
		l.ResponseModalities = []string{"audio"}
	}

	a := &cfg.Audio
	setInt(&a.CaptureSampleRate, audio.DefaultCaptureRate)
	setInt(&a.PlaybackSampleRate, audio.DefaultPlaybackRate)
	setInt(&a.CaptureFrameSamples, audio.DefaultFrameSamples)
	setInt(&a.DeviceBufferFrames, 512)
	setInt(&a.ChunkBytes, live.DefaultChunkBytes)
	setInt(&a.PendingFrameLimit, live.DefaultPendingLimit)
	if a.SendInterval == 0 {
		a.SendInterval = live.DefaultSendInterval
	}
	if a.LeadTime == 0 {
		a.LeadTime = playback.DefaultLeadTime
	}
	if a.LookAhead == 0 {
		a.LookAhead = playback.DefaultLookAhead
	}
	if a.PollInterval == 0 {
		a.PollInterval = playback.DefaultPollInterval
	}
	if a.DrainTimeout == 0 {
		a.DrainTimeout = DefaultDrainTimeout
	}
	if a.FlushCaptureOnStop == nil {
		t := true
		a.FlushCaptureOnStop = &t
	}
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Live
	if cfg.Live.BaseURL != "" {
		u, err := url.Parse(cfg.Live.BaseURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("live.base_url %q must be a ws:// or wss:// URL", cfg.Live.BaseURL))
		}
	}
	if cfg.Live.APIKey != "" && cfg.Live.EnvFile != "" {
		slog.Warn("live.api_key is set; live.env_file will be ignored")
	}
	toolNames := make(map[string]int, len(cfg.Live.Tools))
	for i, t := range cfg.Live.Tools {
		prefix := fmt.Sprintf("live.tools[%d]", i)
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := toolNames[t.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of live.tools[%d]", prefix, t.Name, prev))
		}
		toolNames[t.Name] = i
	}

	// Audio
	a := cfg.Audio
	positive := []struct {
		name string
		v    int
	}{
		{"audio.capture_sample_rate", a.CaptureSampleRate},
		{"audio.playback_sample_rate", a.PlaybackSampleRate},
		{"audio.capture_frame_samples", a.CaptureFrameSamples},
		{"audio.device_buffer_frames", a.DeviceBufferFrames},
		{"audio.chunk_bytes", a.ChunkBytes},
		{"audio.pending_frame_limit", a.PendingFrameLimit},
	}
	for _, p := range positive {
		if p.v < 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.v))
		}
	}
	if a.ChunkBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_bytes %d must be even", a.ChunkBytes))
	}
	if a.SendInterval < 0 || a.LeadTime < 0 || a.LookAhead < 0 || a.PollInterval < 0 || a.DrainTimeout < 0 {
		errs = append(errs, errors.New("audio durations must not be negative"))
	}

	return errors.Join(errs...)
}
