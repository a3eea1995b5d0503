// Package crawler ties a dataset's pipeline artifact to the execution
// engine: it builds the per-dataset collaborators, loads crawl.yaml through
// the template registry and runs the result.
package crawler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/datamirror/datamirror/internal/workers"
	"github.com/datamirror/datamirror/pkg/domain"
	"github.com/datamirror/datamirror/pkg/pipeline"
)

// Crawler runs dataset crawls.
type Crawler struct {
	fs      afero.Fs
	engine  *pipeline.Engine
	workers int
}

// CrawlerDependencies carries what a Crawler needs.
type CrawlerDependencies struct {
	Fs afero.Fs
	// Workers bounds concurrent dataset crawls in CrawlAll.
	Workers int
}

func NewCrawler(deps CrawlerDependencies) *Crawler {
	fs := deps.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	nworkers := deps.Workers
	if nworkers <= 0 {
		nworkers = 4
	}

	return &Crawler{
		fs:      fs,
		engine:  pipeline.NewEngine(),
		workers: nworkers,
	}
}

// Crawl runs one dataset's configured pipeline to completion and returns
// the run result. The dataset must already be initialized (see Init) and
// carry a pipeline artifact.
func (c *Crawler) Crawl(ctx context.Context, datasetPath string) (pipeline.RunResult, error) {
	datasetPath = filepath.Clean(datasetPath)

	if ok, err := afero.DirExists(c.fs, filepath.Join(datasetPath, ".git")); err != nil || !ok {
		return pipeline.RunResult{}, fmt.Errorf("%s is not an initialized dataset", datasetPath)
	}

	registry := pipeline.NewRegistry()
	registerTemplates(registry, c.fs, datasetPath)

	p, err := registry.Load(c.fs, datasetPath)
	if err != nil {
		return pipeline.RunResult{}, err
	}

	log.Info().Str("dataset", datasetPath).Msg("Starting crawl")

	stats := &domain.ActivityStats{}

	// DatasetPath is repo-relative; the root dataset stages at the top.
	result, err := c.engine.Run(ctx, p, domain.Item{Stats: stats})
	if err != nil {
		return result, fmt.Errorf("crawling %s: %w", datasetPath, err)
	}

	for _, errItem := range result.Errors() {
		log.Warn().
			Str("dataset", datasetPath).
			Str("url", errItem.URL).
			Str("error", errItem.GetString(domain.ExtraKeyStatus)).
			Msg("Item failed during crawl")
	}

	log.Info().
		Str("dataset", datasetPath).
		Str("report", result.Stats.AsReport()).
		Msg("Crawl finished")

	return result, nil
}

// CrawlAll crawls several datasets on a bounded worker pool. A dataset
// nested under another in the list is held back until its ancestor
// completed, so a superdataset is never mutated concurrently with the run
// that creates its content.
func (c *Crawler) CrawlAll(ctx context.Context, datasetPaths []string) []workers.JobError {
	safe := func(job workers.Job, pending []workers.Job) bool {
		for _, other := range pending {
			if isAncestorPath(other.Name, job.Name) {
				return false
			}
		}

		return true
	}

	pool := workers.NewPool(workers.PoolDependencies{
		Workers: c.workers,
		Safe:    safe,
	})

	go func() {
		defer pool.Close()

		for _, path := range datasetPaths {
			path := filepath.Clean(path)

			pool.Submit(ctx, workers.NewJob(path, func(ctx context.Context) error {
				_, err := c.Crawl(ctx, path)
				return err
			}))
		}
	}()

	return pool.Run(ctx)
}

func isAncestorPath(ancestor, descendant string) bool {
	if ancestor == descendant {
		return false
	}

	return strings.HasPrefix(descendant, ancestor+string(filepath.Separator))
}
