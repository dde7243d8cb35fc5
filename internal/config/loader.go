package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livecore/pkg/audio"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultTransport      = "gemini-live"
	DefaultCaptureDevice  = "ffmpeg"
	DefaultPlaybackDevice = "ffplay"
	DefaultCaptureRate    = 16000
	DefaultBlockSize      = 4096
	DefaultQueueDepth     = 32
	DefaultPlaybackRate   = 24000
	DefaultPlaybackTick   = 20 * time.Millisecond
	maxBlockSize          = 4096
	defaultLogLevel       = LogInfo
	defaultLogFormat      = LogFormatText
)

// ValidTransportNames lists the transports the CLI registers.
// Used by [Validate] to warn about unrecognised names.
var ValidTransportNames = []string{"gemini-live", "genai-live", "openai-realtime"}

// APIKeyEnv maps transport names to the environment variable consulted when
// transport.api_key is empty.
var APIKeyEnv = map[string]string{
	"gemini-live":     "GEMINI_API_KEY",
	"genai-live":      "GEMINI_API_KEY",
	"openai-realtime": "OPENAI_API_KEY",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, fills in defaults and the
// API key environment fallback, and validates the result. An empty document
// yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if cfg.Transport.APIKey == "" {
		if env, ok := APIKeyEnv[cfg.Transport.Name]; ok {
			cfg.Transport.APIKey = os.Getenv(env)
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued setting that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = defaultLogLevel
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = defaultLogFormat
	}
	if cfg.Transport.Name == "" {
		cfg.Transport.Name = DefaultTransport
	}
	if cfg.Capture.Device == "" {
		cfg.Capture.Device = DefaultCaptureDevice
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = DefaultCaptureRate
	}
	if cfg.Capture.BlockSize == 0 {
		cfg.Capture.BlockSize = DefaultBlockSize
	}
	if cfg.Capture.QueueDepth == 0 {
		cfg.Capture.QueueDepth = DefaultQueueDepth
	}
	if cfg.Playback.Device == "" {
		cfg.Playback.Device = DefaultPlaybackDevice
	}
	if cfg.Playback.SampleRate == 0 {
		cfg.Playback.SampleRate = DefaultPlaybackRate
	}
	if cfg.Playback.Tick == 0 {
		cfg.Playback.Tick = DefaultPlaybackTick
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: json, text", cfg.Server.LogFormat))
	}

	if cfg.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	} else if !slices.Contains(ValidTransportNames, cfg.Transport.Name) {
		slog.Warn("unknown transport name; it must be registered at runtime",
			"name", cfg.Transport.Name,
			"known", ValidTransportNames,
		)
	}

	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if cfg.Capture.BlockSize < 0 || cfg.Capture.BlockSize > maxBlockSize {
		errs = append(errs, fmt.Errorf("capture.block_size %d must be in [1, %d]", cfg.Capture.BlockSize, maxBlockSize))
	}
	if rate, block := cfg.Capture.SampleRate, cfg.Capture.BlockSize; rate > 0 && block > 0 {
		// Blocks are resampled to the wire rate before encoding.
		if wire := int64(block) * audio.InputSampleRate / int64(rate); wire > audio.MaxFrameSamples {
			errs = append(errs, fmt.Errorf(
				"capture.block_size %d at capture.sample_rate %d becomes %d samples at %d Hz; the limit is %d",
				block, rate, wire, audio.InputSampleRate, audio.MaxFrameSamples))
		}
	}
	if cfg.Capture.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("capture.queue_depth %d must be positive", cfg.Capture.QueueDepth))
	}
	if cfg.Playback.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d must be positive", cfg.Playback.SampleRate))
	}
	if cfg.Playback.Tick < 0 {
		errs = append(errs, fmt.Errorf("playback.tick %s must be positive", cfg.Playback.Tick))
	}

	return errors.Join(errs...)
}
