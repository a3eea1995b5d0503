// Package scheduler triggers recurring crawls. Each dataset carries a
// standard five-field cron expression; firing a schedule runs the dataset's
// crawl function. When a dataset's previous run is still going, the new
// firing is skipped rather than stacked.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// CrawlFunc runs one full crawl of a dataset.
type CrawlFunc func(ctx context.Context) error

// Scheduler owns the cron runner and the per-dataset overlap guards.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context

	mu      sync.Mutex
	running map[string]bool
	entries map[string]cron.EntryID
}

// SchedulerDependencies carries what a Scheduler needs.
type SchedulerDependencies struct {
	Ctx context.Context
}

func NewScheduler(deps SchedulerDependencies) *Scheduler {
	ctx := deps.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	return &Scheduler{
		cron:    cron.New(),
		ctx:     ctx,
		running: map[string]bool{},
		entries: map[string]cron.EntryID{},
	}
}

// Add registers a dataset's crawl under a cron expression. Registering the
// same dataset twice replaces its previous schedule.
func (s *Scheduler) Add(dataset, cronExpr string, crawl CrawlFunc) error {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return fmt.Errorf("failed to parse cron expression %q for %s: %w", cronExpr, dataset, err)
	}

	s.mu.Lock()
	if prev, ok := s.entries[dataset]; ok {
		s.cron.Remove(prev)
	}
	s.mu.Unlock()

	id, err := s.cron.AddFunc(cronExpr, func() {
		s.fire(dataset, crawl)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", dataset, err)
	}

	s.mu.Lock()
	s.entries[dataset] = id
	s.mu.Unlock()

	log.Info().
		Str("dataset", dataset).
		Str("cron", cronExpr).
		Msg("Scheduled dataset crawl")

	return nil
}

func (s *Scheduler) fire(dataset string, crawl CrawlFunc) {
	s.mu.Lock()
	if s.running[dataset] {
		s.mu.Unlock()

		log.Warn().
			Str("dataset", dataset).
			Msg("Previous crawl still running, skipping this firing")

		return
	}
	s.running[dataset] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[dataset] = false
		s.mu.Unlock()
	}()

	log.Info().Str("dataset", dataset).Msg("Starting scheduled crawl")

	if err := crawl(s.ctx); err != nil {
		log.Error().Err(err).Str("dataset", dataset).Msg("Scheduled crawl failed")
		return
	}

	log.Info().Str("dataset", dataset).Msg("Scheduled crawl finished")
}

// Start launches the cron runner in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing new runs and returns a context that is done once
// in-flight runs complete.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
