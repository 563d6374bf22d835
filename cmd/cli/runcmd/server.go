package runcmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"suiterunner/internal/api"
	"suiterunner/internal/configfiles"
	"suiterunner/internal/executor"
	"suiterunner/internal/logmux"
	"suiterunner/internal/metrics"
	"suiterunner/internal/orchestrator"
	"suiterunner/internal/queue"
	"suiterunner/internal/registry"
	"suiterunner/internal/suite"
	"suiterunner/internal/uistate"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the orchestrator and its HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running server process")
		conf := mustConfig(cmd)

		runStore := mustStore(cmd, conf)
		var events queue.Client = queue.NopClient{}
		if conf.Queue.Enabled {
			events = mustQueue(conf)
		}

		if err := os.MkdirAll(conf.Paths.LogDir, 0o755); err != nil {
			log.Fatal().Err(err).Str("path", conf.Paths.LogDir).Msg("Could not create log directory")
		}

		var runs *orchestrator.Service
		m := metrics.New(func() (int, int, int) {
			stats := runs.Stats()
			return stats.MaxConcurrency, stats.Running, stats.Queued
		})

		reg := registry.New(runStore, registry.Options{
			LogDir: conf.Paths.LogDir,
			Mux: logmux.Options{
				BufferSize:   conf.Scheduler.SubscriberBuffer,
				MaxLineBytes: conf.Scheduler.MaxLineBytes,
				Retries:      conf.Scheduler.IORetries,
				RetryDelay:   conf.IORetryDelay(),
				OnDrop:       m.SubscriberDropped,
				OnLine:       m.LogLine,
			},
			Retries:    conf.Scheduler.IORetries,
			RetryDelay: conf.IORetryDelay(),
			Observer:   m.Transition,
		})

		resolver := &suite.Resolver{
			Root:        conf.Paths.SuiteRoot,
			Interpreter: conf.Suites.Interpreter,
			Env:         conf.Suites.Env,
		}

		runs, err := orchestrator.New(orchestrator.Deps{
			Registry: reg,
			Resolver: resolver,
			Starter:  executor.NewProcessStarter(conf.KillGrace()),
			Events:   events,
			Metrics:  m,
		}, orchestrator.Options{
			MaxConcurrency:   conf.Scheduler.MaxConcurrency,
			SuccessExitCodes: conf.Scheduler.SuccessExitCodes,
			DrainOnShutdown:  conf.Scheduler.DrainOnShutdown,
			GCSchedule:       conf.Registry.GCSchedule,
			Retention:        conf.Retention(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Could not create orchestrator")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			if err := runStore.Close(); err != nil {
				log.Printf("Could not close run store cleanly on shutdown: %v\n", err)
			}

			if err := events.Close(); err != nil {
				log.Printf("Could not close event queue cleanly on shutdown: %v\n", err)
			}

			cancel()
		}()

		if err := runs.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start orchestrator")
		}

		handler := api.New(ctx, api.Deps{
			Runs:          runs,
			Suites:        resolver,
			SuitePatterns: conf.Suites.Patterns,
			Configs:       configfiles.New(conf.Paths.ConfigDir),
			UI:            uistate.New(),
			Metrics:       m,
		}, &api.Config{
			AllowedOrigins: conf.Server.AllowedOrigins,
			UseSSE:         conf.Server.UseSSE,
			PingInterval:   conf.PingInterval(),
		})
		server := &http.Server{Addr: conf.ServerAddr(), Handler: handler}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
			errCh <- server.ListenAndServe()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("HTTP server stopped")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
		}

		shutdownCtx, stop := context.WithTimeout(context.Background(), conf.ShutdownTimeout())
		defer stop()

		// streams only end once their runs do, so the orchestrator goes first
		if err := runs.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Runs were killed at the shutdown deadline")
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Could not shut down HTTP server cleanly")
		}
	},
}
