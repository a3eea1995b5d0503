package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/datamirror/datamirror/internal/initialization"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewScheduleCommand(container *initialization.Container) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run crawls on the configured cron schedules",
		Long: `Schedule stays in the foreground and fires each dataset's crawl on its
cron expression. A firing is skipped when the dataset's previous run is
still going.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedule(cmd.Context(), container)
		},
	}

	return cmd
}

func runSchedule(parent context.Context, container *initialization.Container) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := container.BuildScheduler(ctx)
	if err != nil {
		return err
	}

	s.Start()
	log.Info().Msg("Scheduler started")

	<-ctx.Done()

	log.Info().Msg("Shutting down, waiting for in-flight crawls")
	<-s.Stop().Done()

	log.Info().Msg("Scheduler stopped")

	return nil
}
