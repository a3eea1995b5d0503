// Package annexificator materializes pipeline items into a git/git-annex
// repository. It is the terminal node of ingestion pipelines: it decides
// git-vs-annex placement, skips content the status DB proves unchanged,
// drives the downloader, and runs the three-branch commit/merge/tag state
// machine on finalize.
package annexificator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/datamirror/datamirror/pkg/archive"
	"github.com/datamirror/datamirror/pkg/domain"
	"github.com/datamirror/datamirror/pkg/gitannex"
	"github.com/datamirror/datamirror/pkg/statusdb"
	"github.com/datamirror/datamirror/pkg/versions"
)

// Mode forces content placement, or leaves it to the repository's
// configured largefile policy.
type Mode string

const (
	ModeAuto  Mode = "auto"
	ModeGit   Mode = "git"
	ModeAnnex Mode = "annex"
)

// Options tune one Annexificator.
type Options struct {
	// Mode selects git-vs-annex placement; ModeAuto queries the policy.
	Mode Mode
	// YieldNonUpdated passes unchanged items downstream instead of
	// suppressing them.
	YieldNonUpdated bool
	// BatchAdd keeps a long-lived annex subprocess open across adds.
	BatchAdd bool
	// Tag enables version tagging on master after a successful merge.
	Tag bool
	// TagPrefix is prepended to version tag names.
	TagPrefix string
}

// Dependencies carries the collaborators of one Annexificator.
type Dependencies struct {
	Repo       *gitannex.Repo
	StatusDB   statusdb.DB
	VersionDB  *versions.DB
	Extractor  *versions.Extractor
	Downloader domain.Downloader
	Cache      *archive.Cache
	Fs         afero.Fs
	Options    Options
}

// PostProcessor runs on the incoming-processed branch during finalize,
// after the incoming merge; archive extraction is the canonical one.
type PostProcessor func(ctx context.Context, stats *domain.ActivityStats) error

// Annexificator is a stateful sink node. One instance owns one repository;
// its Process/Finalize calls are serialized by an internal mutex so branch
// commits for the repository are strictly ordered.
type Annexificator struct {
	mu sync.Mutex

	repo       *gitannex.Repo
	statusDB   statusdb.DB
	versionDB  *versions.DB
	extractor  *versions.Extractor
	downloader domain.Downloader
	cache      *archive.Cache
	fs         afero.Fs
	opts       Options

	batch          *gitannex.BatchSession
	onIncoming     bool
	processed      []versions.StagedFile
	postProcessors []PostProcessor
}

// New builds an Annexificator.
func New(deps Dependencies) *Annexificator {
	fs := deps.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	opts := deps.Options
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.TagPrefix == "" {
		opts.TagPrefix = "v"
	}

	return &Annexificator{
		repo:       deps.Repo,
		statusDB:   deps.StatusDB,
		versionDB:  deps.VersionDB,
		extractor:  deps.Extractor,
		downloader: deps.Downloader,
		cache:      deps.Cache,
		fs:         fs,
		opts:       opts,
	}
}

// RegisterPostProcessor appends a merge-time hook.
func (a *Annexificator) RegisterPostProcessor(p PostProcessor) {
	a.postProcessors = append(a.postProcessors, p)
}

// Process implements domain.Node: fetch one item's content into the
// incoming branch unless the status DB proves it unchanged. Fetch failures
// become per-item error results so the rest of the batch still commits.
func (a *Annexificator) Process(ctx context.Context, item domain.Item) ([]domain.Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := item.Stats
	if stats == nil {
		stats = &domain.ActivityStats{}
		item.Stats = stats
	}

	filename := item.Filename
	if filename == "" && item.URL != "" {
		filename = filepath.Base(strings.TrimRight(item.URL, "/"))
	}

	if filename == "" {
		return nil, fmt.Errorf("item has neither filename nor url")
	}

	if err := a.ensureIncoming(ctx); err != nil {
		return nil, err
	}

	rel := filepath.Join(item.DatasetPath, filename)
	full := filepath.Join(a.repo.Path(), rel)

	if item.URL == "" {
		// Pre-staged content: only placement and bookkeeping.
		if err := a.stage(ctx, rel, full); err != nil {
			return nil, err
		}

		stats.Files++
		out := item.Clone()
		out.Filename = rel

		a.recordProcessed(rel, full)

		return []domain.Item{out}, nil
	}

	stats.URLs++

	remote, err := a.downloader.Status(ctx, item.URL)
	if err != nil {
		log.Warn().Err(err).Str("url", item.URL).Msg("status probe failed, fetching unconditionally")
		remote = domain.FileStatus{}
	}

	different, err := a.statusDB.IsDifferent(ctx, full, remote)
	if err != nil {
		return nil, err
	}

	if !different {
		stats.Skipped++
		log.Debug().Str("path", rel).Msg("content unchanged, skipping")

		if a.opts.YieldNonUpdated {
			out := item.Clone()
			out.Filename = rel

			return []domain.Item{out}, nil
		}

		return nil, nil
	}

	unlock, err := a.lockStaged(rel)
	if err != nil {
		return []domain.Item{domain.ErrorResult(item, err)}, nil
	}
	defer unlock()

	existedBefore, _ := afero.Exists(a.fs, full)

	written, elapsed, err := a.fetchTo(ctx, item.URL, full)
	if err != nil {
		fetchErr := &domain.FetchError{URL: item.URL, Err: err}
		log.Error().Err(fetchErr).Str("path", rel).Msg("fetch failed")

		return []domain.Item{domain.ErrorResult(item, fetchErr)}, nil
	}

	stats.Downloaded++
	stats.DownloadedSize += written
	stats.DownloadedTime += elapsed.Seconds()

	toAnnex, err := a.placement(ctx, rel)
	if err != nil {
		return nil, err
	}

	if err := a.addPath(ctx, rel, toAnnex); err != nil {
		return nil, err
	}

	if toAnnex && !a.opts.BatchAdd {
		// Register the source so the annex can later verify the URL still
		// resolves the content before dropping a local copy.
		if err := a.repo.AnnexAddURL(ctx, item.URL, rel); err != nil {
			log.Warn().Err(err).Str("path", rel).Msg("failed to record source url")
		}
	}

	if existedBefore {
		stats.Overwritten++
	} else if toAnnex {
		stats.AddAnnex++
	} else {
		stats.AddGit++
	}
	stats.Files++

	status := remote
	if status.Size == nil {
		status.Size = domain.Int64Ptr(written)
	}
	if status.Filename == nil {
		status.Filename = domain.StringPtr(filepath.Base(rel))
	}

	if err := a.statusDB.Set(ctx, full, status); err != nil {
		return nil, err
	}

	a.recordProcessed(rel, full)

	out := item.Clone()
	out.Filename = rel

	return []domain.Item{out}, nil
}

// ensureIncoming checks out the incoming branch once per run.
func (a *Annexificator) ensureIncoming(ctx context.Context) error {
	if a.onIncoming {
		return nil
	}

	current, err := a.repo.CurrentBranch(ctx)
	if err != nil {
		return err
	}

	if current != gitannex.BranchIncoming {
		if err := a.repo.Checkout(ctx, gitannex.BranchIncoming, false); err != nil {
			return err
		}
	}

	a.onIncoming = true

	return nil
}

// fetchTo streams a URL into a path. The downloader owns retry policy for
// transient failures; an error here is already final.
func (a *Annexificator) fetchTo(ctx context.Context, url, full string) (int64, time.Duration, error) {
	started := time.Now()

	rc, _, err := a.downloader.Fetch(ctx, url)
	if err != nil {
		return 0, 0, err
	}
	defer rc.Close()

	if err := a.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, 0, err
	}

	out, err := a.fs.Create(full)
	if err != nil {
		return 0, 0, err
	}

	written, err := io.Copy(out, rc)
	if err != nil {
		out.Close()
		return 0, 0, err
	}

	if err := out.Close(); err != nil {
		return 0, 0, err
	}

	return written, time.Since(started), nil
}

// placement asks where the content goes: forced by Mode, otherwise the
// repository's externally configured largefile policy.
func (a *Annexificator) placement(ctx context.Context, rel string) (toAnnex bool, err error) {
	switch a.opts.Mode {
	case ModeGit:
		return false, nil
	case ModeAnnex:
		return true, nil
	default:
		return a.repo.IsLargeFile(ctx, rel)
	}
}

// addPath stages one path, through the batch session when one is open.
func (a *Annexificator) addPath(ctx context.Context, rel string, toAnnex bool) error {
	if !toAnnex {
		return a.repo.Add(ctx, rel)
	}

	if a.opts.BatchAdd {
		if a.batch == nil {
			batch, err := a.repo.StartBatch(ctx, "add")
			if err != nil {
				log.Warn().Err(err).Msg("batch add unavailable, falling back to per-file adds")
				a.opts.BatchAdd = false

				return a.repo.AnnexAdd(ctx, rel)
			}

			a.batch = batch
		}

		if _, err := a.batch.Query(rel); err != nil {
			return fmt.Errorf("batch annex add %s: %w", rel, err)
		}

		return nil
	}

	return a.repo.AnnexAdd(ctx, rel)
}

// stage handles pre-staged (already on disk) content.
func (a *Annexificator) stage(ctx context.Context, rel, full string) error {
	toAnnex, err := a.placement(ctx, rel)
	if err != nil {
		return err
	}

	return a.addPath(ctx, rel, toAnnex)
}

func (a *Annexificator) recordProcessed(rel, full string) {
	staged := versions.StagedFile{Path: rel}

	if info, err := a.fs.Stat(full); err == nil {
		staged.Mtime = info.ModTime()
	}

	a.processed = append(a.processed, staged)
}

// lockStaged takes the cross-process advisory lock for one staged path:
// verify absence, then create the lock file exclusively, then act.
func (a *Annexificator) lockStaged(rel string) (func(), error) {
	lockDir := filepath.Join(a.repo.Path(), ".git", "datamirror", "locks")
	if err := a.fs.MkdirAll(lockDir, 0o755); err != nil {
		return nil, err
	}

	lockFile := filepath.Join(lockDir, strings.ReplaceAll(rel, string(filepath.Separator), "_")+".lock")

	f, err := a.fs.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &domain.RepoStateError{
			Repo: a.repo.Path(),
			Op:   "lock " + rel,
			Err:  fmt.Errorf("already being fetched by another process: %w", err),
		}
	}
	f.Close()

	return func() {
		if err := a.fs.Remove(lockFile); err != nil {
			log.Warn().Err(err).Str("lock", lockFile).Msg("failed to release staged-content lock")
		}
	}, nil
}
