package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/aatumaykin/sinap/internal/config"
	"github.com/aatumaykin/sinap/internal/control"
	"github.com/aatumaykin/sinap/internal/health"
	"github.com/aatumaykin/sinap/internal/launcher"
	"github.com/aatumaykin/sinap/internal/logger"
	"github.com/aatumaykin/sinap/internal/loop"
	"github.com/aatumaykin/sinap/internal/metrics"
	"github.com/aatumaykin/sinap/internal/process"
	"github.com/aatumaykin/sinap/internal/state"
	"github.com/aatumaykin/sinap/internal/stats"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bot (same as running sinap without a subcommand)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

var signalNames = map[string]os.Signal{
	"SIGHUP":  syscall.SIGHUP,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
}

// parseSignals maps restart signal names from the configuration.
func parseSignals(names []string) ([]os.Signal, error) {
	sigs := make([]os.Signal, 0, len(names))
	for _, name := range names {
		sig, ok := signalNames[strings.ToUpper(name)]
		if !ok {
			return nil, fmt.Errorf("unsupported restart signal %q", name)
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// restoreState reads the hand-off from a predecessor. The token is decoded
// first, so a malformed token is always reported as corrupt. A valid token
// must come with the readiness channel: a token without one was not issued
// for this process and is rejected.
func restoreState(token string, maxSize int) (*state.Snapshot, *launcher.Notifier, error) {
	var restored *state.Snapshot
	if token != "" {
		snap, err := state.NewCodec(maxSize).Decode(state.Token(token))
		if err != nil {
			return nil, nil, err
		}
		restored = &snap
	}

	notifier, err := launcher.NotifierFromEnv()
	if err != nil {
		return nil, nil, err
	}

	switch {
	case restored == nil && notifier != nil:
		notifier.Close()
		return nil, nil, fmt.Errorf("hand-off channel present without a state token")
	case restored != nil && notifier == nil:
		return nil, nil, launcher.ErrNoHandoffChannel
	}
	return restored, notifier, nil
}

func runServe(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := config.LoadEnvOptional(opts.envFile); err != nil {
		return withCode(exitConfig, fmt.Errorf("failed to load %s: %w", opts.envFile, err))
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return withCode(exitConfig, err)
	}
	restartSignals, err := parseSignals(cfg.Lifecycle.RestartSignals)
	if err != nil {
		return withCode(exitConfig, err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return withCode(exitConfig, fmt.Errorf("failed to initialize logger: %w", err))
	}
	logger.SetDefault(log)

	restored, notifier, err := restoreState(opts.stateToken, cfg.Runtime.MaxTokenBytes)
	if err != nil {
		log.Error("Failed to restore state from predecessor", err)
		return withCode(exitHandoff, err)
	}

	log.Info("🚀 Starting sinap",
		logger.Field{Key: "version", Value: Version},
		logger.Field{Key: "git_commit", Value: GitCommit},
		logger.Field{Key: "config", Value: cfg.Source},
		logger.Field{Key: "data_dir", Value: cfg.Bot.DataDir},
		logger.Field{Key: "restored", Value: restored != nil})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pm := metrics.InitPrometheusMetrics(cfg.Metrics.Namespace, reg)

	l, err := loop.New(loop.Config{
		Workers:      cfg.Runtime.OffloadWorkers,
		DrainTimeout: cfg.Lifecycle.DrainTimeout(),
	}, log, pm)
	if err != nil {
		return withCode(exitRuntime, err)
	}

	var handlers []process.Handler
	if cfg.Control.Enabled {
		handlers = append(handlers, control.NewServer(cfg, log))
	}
	if cfg.Metrics.Enabled {
		handlers = append(handlers, health.NewServer(cfg.Metrics.Listen, reg, log))
	}
	if cfg.Stats.Enabled {
		handlers = append(handlers, stats.New(cfg.Stats.Heartbeat, pm))
	}

	procOpts := process.Options{
		Config:   cfg,
		Logger:   log,
		Loop:     l,
		Launcher: launcher.New(log),
		Codec:    state.NewCodec(cfg.Runtime.MaxTokenBytes),
		Restored: restored,
		Handlers: handlers,
		Metrics:  pm,
	}
	if notifier != nil {
		procOpts.Notifier = notifier
	}
	p, err := process.New(procOpts)
	if err != nil {
		return withCode(exitRuntime, err)
	}

	sigChan := make(chan os.Signal, 4)
	signal.Notify(sigChan, append([]os.Signal{syscall.SIGINT, syscall.SIGTERM}, restartSignals...)...)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-sigChan:
				if sig == syscall.SIGINT || sig == syscall.SIGTERM {
					log.Info("⏳ Received shutdown signal", logger.Field{Key: "signal", Value: sig.String()})
					p.Shutdown()
					continue
				}
				log.Info("🔄 Received restart signal", logger.Field{Key: "signal", Value: sig.String()})
				p.RequestRestart("signal " + sig.String())
			case <-done:
				return
			}
		}
	}()

	if err := p.Run(ctx); err != nil {
		log.Error("sinap stopped with error", err)
		return withCode(exitRuntime, err)
	}

	if succ := p.Successor(); succ != nil {
		log.Info("👋 Handed over to successor", logger.Field{Key: "successor_pid", Value: succ.PID})
	} else {
		log.Info("👋 sinap stopped gracefully")
	}
	return nil
}
