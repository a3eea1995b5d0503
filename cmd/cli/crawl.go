package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/datamirror/datamirror/internal/initialization"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewCrawlCommand(container *initialization.Container) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [dataset...]",
		Short: "Run the configured pipeline for one or more datasets",
		Long: `Crawl runs each dataset's pipeline once: fetch changed content onto the
incoming branch, post-process, merge to master and tag detected versions.
Without arguments every dataset from the configuration file is crawled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), container, args)
		},
	}

	return cmd
}

func runCrawl(parent context.Context, container *initialization.Container, paths []string) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(paths) == 0 {
		for _, ds := range container.GetConfig().Datasets {
			paths = append(paths, ds.Path)
		}
	}

	if len(paths) == 0 {
		return fmt.Errorf("no datasets given and none configured")
	}

	if len(paths) == 1 {
		result, err := container.GetCrawler().Crawl(ctx, paths[0])
		if err != nil {
			return err
		}

		if failed := len(result.Errors()); failed > 0 {
			return fmt.Errorf("%d item(s) failed", failed)
		}

		return nil
	}

	errs := container.GetCrawler().CrawlAll(ctx, paths)
	for _, jobErr := range errs {
		log.Error().Err(jobErr.Err).Str("dataset", jobErr.Job.Name).Msg("Dataset crawl failed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d of %d dataset crawls failed", len(errs), len(paths))
	}

	return nil
}
