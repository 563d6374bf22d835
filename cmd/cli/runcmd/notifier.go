package runcmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"suiterunner/internal/models"
	"suiterunner/internal/queue"
)

var notifierCmd = &cobra.Command{
	Use:   "notifier",
	Short: "Consumes terminal run events from the queue and logs them",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running notifier process")
		conf := mustConfig(cmd)

		events := mustQueue(conf)
		ctx, cancel := context.WithCancel(context.Background())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			errCh <- events.Subscribe(ctx, notify)
		}()

		defer func() {
			cancel()
			if err := events.Close(); err != nil {
				log.Printf("Could not close redis queue cleanly on shutdown: %v\n", err)
			}
		}()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Fatal().Err(err).Msg("Ran into problems")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
		}
	},
}

func notify(event queue.RunEvent) {
	entry := log.Info()
	if event.Status != models.RunStatusSucceeded {
		entry = log.Warn()
	}
	entry.
		Str("run_id", event.RunID).
		Str("suite", event.SuitePath).
		Str("status", string(event.Status)).
		Interface("exit_code", event.ExitCode).
		Str("reason", event.Reason.String).
		Str("log_path", event.LogPath).
		Msg("Run finished")
}
