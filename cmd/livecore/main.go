// Command livecore runs one live audio session: it records the microphone,
// streams it to a realtime speech model, and plays the spoken reply.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/livecore/internal/app"
	"github.com/MrWong99/livecore/internal/config"
	"github.com/MrWong99/livecore/internal/observe"
)

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 10 * time.Second

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "livecore.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the log level when the config file changes")
	var hq historyQuery
	flag.StringVar(&hq.SessionID, "history", "", "print the stored transcript of a session and exit")
	flag.StringVar(&hq.Search, "search", "", "full-text search stored transcripts and exit")
	flag.DurationVar(&hq.Since, "since", 0, "with -search, only match entries newer than this")
	flag.IntVar(&hq.Limit, "limit", 50, "with -search, the maximum number of matches")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livecore: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livecore: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(cfg.Server.LogFormat, level))

	// ── Transcript history ────────────────────────────────────────────────────
	if !hq.empty() {
		if err := runHistory(context.Background(), os.Stdout, cfg.Transcript.PostgresDSN, hq); err != nil {
			fmt.Fprintf(os.Stderr, "livecore: %v\n", err)
			return 1
		}
		return 0
	}

	slog.Info("livecore starting",
		"version", version,
		"config", *configPath,
		"transport", cfg.Transport.Name,
		"listen_addr", cfg.Server.ListenAddr,
	)

	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(level, config.Diff(old, new))
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Devices ───────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)
	devices, err := buildDevices(cfg, reg)
	if err != nil {
		slog.Error("failed to build devices", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, devices, app.WithMetricsHandler(tel.MetricsHandler()))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	out := newStatusPrinter(os.Stdout)
	application.Session().OnStateChange(out.state)
	entries, unsubscribe := application.Transcript().Subscribe(64)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for e := range entries {
			out.entry(e)
		}
	}()

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("session ended with error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	unsubscribe()
	<-printed

	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReload applies a hot-reloaded config.
func applyReload(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect on restart", "settings", d.RestartRequired)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
