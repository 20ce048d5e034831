package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/statlink-project/statlink/internal/api"
	"github.com/statlink-project/statlink/internal/cli"
	"github.com/statlink-project/statlink/internal/config"
	"github.com/statlink-project/statlink/internal/connector"
	"github.com/statlink-project/statlink/internal/db"
	"github.com/statlink-project/statlink/internal/events"
	"github.com/statlink-project/statlink/internal/scheduler"
	"github.com/statlink-project/statlink/internal/stats"
	"github.com/statlink-project/statlink/internal/telemetry"
	"github.com/statlink-project/statlink/internal/util"
)

func runCmd(flags *globalFlags) *cobra.Command {
	var (
		setup     bool
		noConsole bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the uplink agent",
		Long: `Run the uplink agent: the websocket client, the local control API,
metrics, delivery history, MQTT mirror, periodic tasks and the console.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf(banner, version)
			fmt.Println()

			cfg, validation, err := loadConfig(flags, true)
			if err != nil {
				return err
			}
			if setup || (!validation.IsValid() && cfg.NeedsCredentials()) {
				log.Info().Msg("launching setup wizard")
				if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
					return fmt.Errorf("setup wizard failed: %w", err)
				}
				validation = config.Validate(cfg)
			}
			if !validation.IsValid() {
				return errors.New("configuration validation failed, please fix the errors above")
			}
			return runAgent(cfg, !noConsole)
		},
	}

	cmd.Flags().BoolVar(&setup, "setup", false, "run the interactive setup wizard first")
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "disable the interactive console")

	return cmd
}

func runAgent(cfg *config.Config, console bool) error {
	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("version", version).
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("arch", runtime.GOARCH).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("starting statlink")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	opts := connector.OptionsFromConfig(cfg)
	client := connector.NewClient(opts, eventBus)
	reporter := stats.NewReporter(client, stats.NewAggregator(), opts.MaxPayloadBytes)

	metrics := telemetry.NewMetrics()
	metrics.SetSource(client.Stats)
	metrics.Attach(eventBus)

	var history *db.HistoryStore
	if cfg.Storage.Enabled {
		var err error
		history, err = db.OpenHistoryStore(cfg.Storage.Path, time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open history database, history disabled")
		} else {
			history.Attach(eventBus)
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.MQTT.Enabled {
		var err error
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			mqttHandler.SetStatusSource(func() interface{} { return client.Stats() })
		}
	}

	sched := scheduler.NewScheduler()
	sched.Add(scheduler.Task{
		Name:     "stats_flush",
		Interval: scheduler.Seconds(cfg.Timers.StatsFlushInterval),
		Run: func(ctx context.Context) error {
			r := reporter.SendStats("")
			if !r.Success {
				return fmt.Errorf("stats flush: %d %s", r.StatusCode, r.Message)
			}
			return nil
		},
	})
	sched.Add(scheduler.Task{
		Name:     "ping",
		Interval: scheduler.Seconds(cfg.Timers.PingInterval),
		Run: func(ctx context.Context) error {
			if !client.Connected() {
				return nil
			}
			return reporter.Ping()
		},
	})
	if mqttHandler != nil {
		sched.Add(scheduler.Task{
			Name:     "heartbeat",
			Interval: scheduler.Seconds(cfg.Timers.HeartbeatInterval),
			Run: func(ctx context.Context) error {
				mqttHandler.PublishHeartbeat()
				return nil
			},
		})
	}
	if history != nil {
		retention := time.Duration(cfg.Storage.RetentionHours) * time.Hour
		sched.Add(scheduler.Task{
			Name:     "history_cleanup",
			Interval: scheduler.Seconds(cfg.Timers.HistoryCleanup),
			Run: func(ctx context.Context) error {
				_, err := history.Cleanup(retention)
				return err
			},
		})
	}

	var wg sync.WaitGroup
	quitCh := make(chan struct{})
	var quitOnce sync.Once
	quit := func() { quitOnce.Do(func() { close(quitCh) }) }

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg, client, reporter)
		var h api.History
		if history != nil {
			h = history
		}
		apiServer.SetDependencies(h, metrics.Handler())

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "control API", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("control API failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if console {
		con := cli.NewCLI(cfg, client, reporter, os.Stdin, os.Stdout)
		if history != nil {
			con.SetHistory(history)
		}
		con.OnQuit(quit)
		go con.Start(ctx)
	}

	if creds := client.Credentials(); creds.HasAccessKey() {
		if err := reporter.JoinRoom("", ""); err != nil {
			log.Warn().Err(err).Msg("failed to queue initial joinRoom")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("quit requested from console")
	}

	log.Info().Msg("initiating graceful shutdown...")

	client.Close()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out after 15 seconds, forcing exit")
	}

	eventBus.Stop()
	if history != nil {
		history.Close()
	}

	log.Info().Msg("statlink stopped")
	return nil
}

// startWithRetry retries a listener start while the address is busy.
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
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
