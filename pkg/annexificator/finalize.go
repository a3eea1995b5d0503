package annexificator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/datamirror/datamirror/pkg/domain"
	"github.com/datamirror/datamirror/pkg/gitannex"
	"github.com/datamirror/datamirror/pkg/versions"
)

// commitPrefix marks commits produced by the ingestion machinery.
const commitPrefix = "[DATAMIRROR]"

// Finalize implements domain.Finalizer: flush batched adds, commit the
// staged tree onto incoming, merge through incoming-processed into master,
// and tag new versions. When nothing changed since the previous run no
// commit is made anywhere and the returned stats are all zero: the
// idempotent-rerun guarantee.
func (a *Annexificator) Finalize(ctx context.Context, item domain.Item) ([]domain.Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := item.Stats
	if stats == nil {
		stats = &domain.ActivityStats{}
		item.Stats = stats
	}

	if a.batch != nil {
		if err := a.batch.Close(); err != nil {
			return nil, fmt.Errorf("closing batch session: %w", err)
		}
		a.batch = nil
	}

	if err := a.ensureIncoming(ctx); err != nil {
		return nil, err
	}

	if err := a.removeObsolete(ctx, stats); err != nil {
		return nil, err
	}

	versionMap, err := a.extractVersions(stats)
	if err != nil {
		// Version misconfiguration is systemic: fatal, not a result item.
		return nil, err
	}

	// Record before persisting so the committed version DB carries this
	// run's high-water mark; tagging compares against the prior one.
	lastVersion := ""
	if a.versionDB != nil {
		lastVersion = a.versionDB.LastVersion()

		// An empty map means nothing was staged; recording it would
		// dirty the saved state on an otherwise idempotent rerun.
		if len(versionMap) > 0 {
			a.versionDB.Record(versionMap)
		}
	}

	if err := a.persistState(ctx); err != nil {
		return nil, err
	}

	incomingSHA, committed, err := a.repo.Commit(ctx, fmt.Sprintf("%s %s", commitPrefix, stats.AsReport()))
	if err != nil {
		return nil, err
	}

	if !committed && !stats.HasChanges() {
		log.Info().Str("repo", a.repo.Path()).Msg("nothing changed since previous run")

		a.processed = nil
		out := item.Clone()
		out.Set(domain.ExtraKeyAction, string(domain.ResultAction_Commit))
		out.Stats = &domain.ActivityStats{}

		return []domain.Item{out}, nil
	}

	log.Info().Str("repo", a.repo.Path()).Str("sha", incomingSHA).Msg("committed incoming")

	if err := a.mergeIncomingProcessed(ctx, stats); err != nil {
		return a.repoErrorResult(item, "merge incoming-processed", err)
	}

	if err := a.mergeMaster(ctx, stats); err != nil {
		return a.repoErrorResult(item, "merge master", err)
	}

	if a.opts.Tag {
		if err := a.tagVersions(ctx, versionMap, lastVersion, stats); err != nil {
			return nil, err
		}
	}

	a.processed = nil
	a.onIncoming = false

	out := item.Clone()
	out.Set(domain.ExtraKeyAction, string(domain.ResultAction_Commit))
	committedStats := *stats
	out.Stats = &committedStats

	// The run's stats are consumed by the commit.
	stats.Reset()

	return []domain.Item{out}, nil
}

// removeObsolete drops paths the remote stopped publishing.
func (a *Annexificator) removeObsolete(ctx context.Context, stats *domain.ActivityStats) error {
	obsolete, err := a.statusDB.Obsolete(ctx)
	if err != nil {
		return err
	}

	for _, path := range obsolete {
		rel := path
		if filepath.IsAbs(path) {
			if r, err := filepath.Rel(a.repo.Path(), path); err == nil {
				rel = r
			}
		}

		// Status-DB internals are never remote content.
		if strings.HasPrefix(rel, ".datalad") {
			continue
		}

		if err := a.repo.Remove(ctx, rel); err != nil {
			return err
		}

		if remover, ok := a.statusDB.(interface {
			Remove(ctx context.Context, path string) error
		}); ok {
			if err := remover.Remove(ctx, path); err != nil {
				return err
			}
		}

		stats.Removed++
		log.Info().Str("path", rel).Msg("removed path no longer present at source")
	}

	return nil
}

// extractVersions maps this run's staged files to version groups.
func (a *Annexificator) extractVersions(stats *domain.ActivityStats) (versions.VersionMap, error) {
	if a.extractor == nil || len(a.processed) == 0 {
		return nil, nil
	}

	m, err := a.extractor.Extract(a.processed)
	if err != nil {
		return nil, err
	}

	for _, entry := range m {
		if entry.Version != "" && !slices.Contains(stats.Versions, entry.Version) {
			stats.Versions = append(stats.Versions, entry.Version)
		}
	}

	return m, nil
}

// persistState writes the status and version DBs so the commit carries
// them; they live inside the worktree under .datalad/crawl/.
func (a *Annexificator) persistState(ctx context.Context) error {
	if err := a.statusDB.Save(ctx); err != nil {
		return err
	}

	if a.versionDB != nil {
		if err := a.versionDB.Save(ctx); err != nil {
			return err
		}
	}

	return nil
}

// mergeIncomingProcessed merges incoming into incoming-processed and runs
// the registered post-processors, re-committing when they changed the tree.
func (a *Annexificator) mergeIncomingProcessed(ctx context.Context, stats *domain.ActivityStats) error {
	if err := a.repo.Checkout(ctx, gitannex.BranchIncomingProcessed, false); err != nil {
		return err
	}

	err := a.repo.Merge(ctx, gitannex.BranchIncoming, gitannex.MergeOptions{
		Message: fmt.Sprintf("%s merge %s", commitPrefix, gitannex.BranchIncoming),
	})
	if err != nil {
		return err
	}

	stats.Merges = append(stats.Merges, [2]string{gitannex.BranchIncoming, gitannex.BranchIncomingProcessed})

	for _, post := range a.postProcessors {
		if err := post(ctx, stats); err != nil {
			return fmt.Errorf("post-processor: %w", err)
		}
	}

	if len(a.postProcessors) > 0 {
		// Post-processors update the status DB; carry it in their commit.
		if err := a.statusDB.Save(ctx); err != nil {
			return err
		}

		sha, committed, err := a.repo.Commit(ctx, fmt.Sprintf("%s processed content", commitPrefix))
		if err != nil {
			return err
		}

		if committed {
			log.Info().Str("sha", sha).Msg("committed processed content")
		}
	}

	return nil
}

// mergeMaster merges incoming-processed into master, preserving manual
// edits made directly on master. Conflicts leave the repository pre-merge.
func (a *Annexificator) mergeMaster(ctx context.Context, stats *domain.ActivityStats) error {
	if err := a.repo.Checkout(ctx, gitannex.BranchMaster, false); err != nil {
		return err
	}

	err := a.repo.Merge(ctx, gitannex.BranchIncomingProcessed, gitannex.MergeOptions{
		Message: fmt.Sprintf("%s merge %s", commitPrefix, gitannex.BranchIncomingProcessed),
	})
	if err != nil {
		return err
	}

	stats.Merges = append(stats.Merges, [2]string{gitannex.BranchIncomingProcessed, gitannex.BranchMaster})

	return nil
}

// tagVersions tags master once per version newer than the last recorded
// one. A name collision is disambiguated with a +N suffix and logged, never
// raised: re-processing may legitimately produce an equivalent-but-distinct
// commit for an already-tagged version, and a tag must never be re-pointed.
func (a *Annexificator) tagVersions(ctx context.Context, m versions.VersionMap, last string, stats *domain.ActivityStats) error {
	if a.versionDB == nil || len(m) == 0 {
		return nil
	}

	existing, err := a.repo.Tags(ctx)
	if err != nil {
		return err
	}

	for _, entry := range m {
		if entry.Version == "" || versions.Compare(entry.Version, last) <= 0 {
			continue
		}

		name := a.opts.TagPrefix + entry.Version

		final := name
		for n := 1; slices.Contains(existing, final); n++ {
			final = fmt.Sprintf("%s+%d", name, n)
		}

		if final != name {
			log.Warn().Str("tag", name).Str("using", final).Msg("tag already exists, disambiguating")
		}

		if err := a.repo.Tag(ctx, final, fmt.Sprintf("%s version %s: %s", commitPrefix, entry.Version, stats.AsReport())); err != nil {
			return err
		}

		existing = append(existing, final)
		log.Info().Str("tag", final).Msg("tagged version")
	}

	return nil
}

// repoErrorResult converts a repository-scoped failure into an error result
// for this dataset; merge conflicts block this dataset's run, not the whole
// process.
func (a *Annexificator) repoErrorResult(item domain.Item, op string, err error) ([]domain.Item, error) {
	if !errors.Is(err, gitannex.ErrMergeConflict) {
		return nil, err
	}

	stateErr := &domain.RepoStateError{Repo: a.repo.Path(), Op: op, Err: err}
	log.Error().Err(stateErr).Msg("repository needs manual resolution")

	return []domain.Item{domain.ErrorResult(item, stateErr)}, nil
}
