package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/botlink/internal/api"
	"github.com/energizer-project/botlink/internal/cli"
	"github.com/energizer-project/botlink/internal/config"
	"github.com/energizer-project/botlink/internal/db"
	"github.com/energizer-project/botlink/internal/metrics"
	"github.com/energizer-project/botlink/internal/session"
	"github.com/energizer-project/botlink/internal/telemetry"
	"github.com/energizer-project/botlink/internal/util"
)

type runOptions struct {
	noConsole bool
}

func runCmd(configDir *string) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start all configured sessions and services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(*configDir, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.noConsole, "no-console", false, "disable the interactive console")

	return cmd
}

func run(configDir string, opts runOptions) error {
	printBanner()

	// Defaults first, reconfigured after config load
	if _, err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting botlink")

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if _, err := util.InitLogger(util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if cfg.IsFirstRun() && !opts.noConsole {
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			return fmt.Errorf("setup wizard failed: %w", err)
		}
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, please fix the errors above")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := util.DescribeHost(ctx)
	log.Info().
		Str("hostname", h.Hostname).
		Str("distro", h.Distro).
		Str("cpu", h.CPUModel).
		Int("pid", h.PID).
		Uint64("memory_mb", h.MemoryMB).
		Msg("host information")

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace})
	}

	hub := session.NewHub()
	defer hub.Close()

	var journal *db.Journal
	if cfg.Journal.Enabled {
		journal, err = db.NewJournal(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer journal.Close()
		defer journal.Attach(hub.Lifecycle())()
	}

	hub.Lifecycle().Subscribe("log", logLifecycle)

	var autoConnect []string
	for _, sc := range cfg.GetSessions() {
		sess, err := session.FromConfig(cfg, sc, session.WithMetrics(collector))
		if err != nil {
			return fmt.Errorf("session %s: %w", sc.Name, err)
		}
		if err := hub.Add(sess); err != nil {
			sess.Close()
			return err
		}
		if sc.AutoConnect {
			autoConnect = append(autoConnect, sc.Name)
		}
	}
	log.Info().Int("sessions", hub.Len()).Strs("auto_connect", autoConnect).Msg("sessions configured")

	var wg sync.WaitGroup

	// Initial connects; failures are logged, sessions stay manageable
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hub.ConnectAll(ctx, autoConnect...); err != nil {
			log.Warn().Err(err).Msg("some sessions failed to connect")
		}
	}()

	if cfg.API.Enabled {
		if !config.IsPortAvailable(cfg.API.Port) {
			log.Warn().Int("port", cfg.API.Port).Msg("API port is in use, will keep retrying")
		}
		apiServer := api.NewServer(cfg.API, hub,
			api.WithJournal(journal),
			api.WithMetrics(collector),
			api.WithVersion(version),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.API.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if cfg.MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(cfg.MQTT, version)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			mqttHandler.Attach(hub.Lifecycle())
			wg.Add(1)
			go func() {
				defer wg.Done()
				log.Info().Msg("starting MQTT telemetry")
				if err := mqttHandler.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
			}()
		}
	}

	quitCh := make(chan struct{})
	if !opts.noConsole {
		var quitOnce sync.Once
		console := cli.NewCLI(hub, journal, os.Stdin, os.Stdout, func() {
			quitOnce.Do(func() { close(quitCh) })
		})
		go console.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested from console")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	if err := hub.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing sessions")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}
	return nil
}

func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
