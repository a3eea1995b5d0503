// Package initialization wires the service container: configuration, the
// crawler and the scheduler, shared by every CLI command.
package initialization

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/datamirror/datamirror/internal/crawler"
	"github.com/datamirror/datamirror/internal/scheduler"
)

// Container holds the long-lived service collaborators.
type Container struct {
	config  *Config
	fs      afero.Fs
	crawler *crawler.Crawler
}

// NewContainer loads configuration and builds the shared collaborators.
func NewContainer() (*Container, error) {
	config, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	fs := afero.NewOsFs()

	return &Container{
		config: config,
		fs:     fs,
		crawler: crawler.NewCrawler(crawler.CrawlerDependencies{
			Fs:      fs,
			Workers: config.Workers,
		}),
	}, nil
}

func (c *Container) GetConfig() *Config {
	return c.config
}

func (c *Container) GetCrawler() *crawler.Crawler {
	return c.crawler
}

// BuildScheduler registers every dataset carrying a cron expression.
func (c *Container) BuildScheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	s := scheduler.NewScheduler(scheduler.SchedulerDependencies{Ctx: ctx})

	scheduled := 0

	for _, ds := range c.config.Datasets {
		if ds.Cron == "" {
			continue
		}

		path := ds.Path

		err := s.Add(path, ds.Cron, func(ctx context.Context) error {
			_, err := c.crawler.Crawl(ctx, path)
			return err
		})
		if err != nil {
			return nil, err
		}

		scheduled++
	}

	if scheduled == 0 {
		return nil, fmt.Errorf("no datasets with a cron expression configured")
	}

	return s, nil
}
