package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/livecore/internal/app"
	"github.com/MrWong99/livecore/internal/config"
	"github.com/MrWong99/livecore/pkg/audio"
	"github.com/MrWong99/livecore/pkg/audio/ffmpeg"
	"github.com/MrWong99/livecore/pkg/transport"
	"github.com/MrWong99/livecore/pkg/transport/gemini"
	"github.com/MrWong99/livecore/pkg/transport/genai"
	"github.com/MrWong99/livecore/pkg/transport/openai"
)

var errMissingAPIKey = errors.New("api key is required")

// registerBuiltins wires the transports and devices that ship with livecore.
func registerBuiltins(reg *config.Registry) {
	// ── Transports ────────────────────────────────────────────────────────────

	reg.RegisterTransport("gemini-live", func(c config.TransportConfig) (transport.Transport, error) {
		if c.APIKey == "" {
			return nil, errMissingAPIKey
		}
		var opts []gemini.Option
		if c.Model != "" {
			opts = append(opts, gemini.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(c.BaseURL))
		}
		return gemini.New(c.APIKey, opts...), nil
	})

	reg.RegisterTransport("genai-live", func(c config.TransportConfig) (transport.Transport, error) {
		if c.APIKey == "" {
			return nil, errMissingAPIKey
		}
		var opts []genai.Option
		if c.Model != "" {
			opts = append(opts, genai.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(c.BaseURL))
		}
		return genai.New(c.APIKey, opts...), nil
	})

	reg.RegisterTransport("openai-realtime", func(c config.TransportConfig) (transport.Transport, error) {
		if c.APIKey == "" {
			return nil, errMissingAPIKey
		}
		var opts []openai.Option
		if c.Model != "" {
			opts = append(opts, openai.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		return openai.New(c.APIKey, opts...), nil
	})

	// ── Devices ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("ffmpeg", func(c config.CaptureConfig) (audio.CaptureDevice, error) {
		var opts []ffmpeg.CaptureOption
		if c.FFmpegPath != "" {
			opts = append(opts, ffmpeg.WithFFmpegPath(c.FFmpegPath))
		}
		if c.Input != "" {
			opts = append(opts, ffmpeg.WithInput(c.Input))
		}
		return ffmpeg.NewCaptureDevice(opts...), nil
	})

	reg.RegisterPlayback("ffplay", func(c config.PlaybackConfig) (audio.PlaybackDevice, error) {
		return ffmpeg.NewFFplayPlayer(c.FFplayPath,
			ffmpeg.WithFormat(audio.Format{SampleRate: c.SampleRate, Channels: 1}),
			ffmpeg.WithTick(c.Tick),
		)
	})
}

// buildDevices instantiates the transport and devices named in cfg.
func buildDevices(cfg *config.Config, reg *config.Registry) (app.Devices, error) {
	tr, err := reg.CreateTransport(cfg.Transport)
	if err != nil {
		return app.Devices{}, fmt.Errorf("create transport %q: %w", cfg.Transport.Name, err)
	}
	mic, err := reg.CreateCapture(cfg.Capture)
	if err != nil {
		return app.Devices{}, fmt.Errorf("create capture device %q: %w", cfg.Capture.Device, err)
	}
	speaker, err := reg.CreatePlayback(cfg.Playback)
	if err != nil {
		return app.Devices{}, fmt.Errorf("create playback device %q: %w", cfg.Playback.Device, err)
	}
	slog.Info("devices ready",
		"transport", cfg.Transport.Name,
		"capture", cfg.Capture.Device,
		"playback", cfg.Playback.Device,
	)
	return app.Devices{Transport: tr, Capture: mic, Playback: speaker}, nil
}
