package statusdb

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/datamirror/datamirror/pkg/domain"
	"github.com/datamirror/datamirror/pkg/gitannex"
)

// Physical derives FileStatus on demand from the live worktree and annex
// metadata. Nothing is persisted: size and mtime come from stat, digests
// from the annex content key when the path is annexed.
type Physical struct {
	mu sync.Mutex

	repo *gitannex.Repo
	seen map[string]struct{}
}

// PhysicalDependencies carries what a Physical DB needs.
type PhysicalDependencies struct {
	Repo *gitannex.Repo
}

// NewPhysical builds a stat-based status DB over a repository.
func NewPhysical(deps PhysicalDependencies) *Physical {
	return &Physical{
		repo: deps.Repo,
		seen: map[string]struct{}{},
	}
}

func (p *Physical) rel(path string) string {
	if filepath.IsAbs(path) {
		if r, err := filepath.Rel(p.repo.Path(), path); err == nil {
			return r
		}
	}

	return filepath.Clean(path)
}

// Get implements DB.
func (p *Physical) Get(ctx context.Context, path string) (domain.FileStatus, error) {
	rel := p.rel(path)

	p.mu.Lock()
	p.seen[rel] = struct{}{}
	p.mu.Unlock()

	status := domain.FileStatus{}

	full := filepath.Join(p.repo.Path(), rel)
	if info, err := os.Stat(full); err == nil {
		status.Size = domain.Int64Ptr(info.Size())
		mtime := float64(info.ModTime().UnixNano()) / 1e9
		status.Mtime = &mtime
		status.Filename = domain.StringPtr(filepath.Base(rel))
	}

	rawKey, err := p.repo.AnnexKey(ctx, rel)
	if err != nil {
		return status, err
	}

	if rawKey != "" {
		key := gitannex.ParseKey(rawKey)
		if key.Size != nil {
			status.Size = key.Size
		}
		if algo := key.DigestAlgo(); algo != "" && key.Hash != "" {
			status.Digests = map[string]string{algo: key.Hash}
		}
	}

	return status, nil
}

// Set implements DB. Physical status is derived, so there is nothing to
// record; the path is only marked seen.
func (p *Physical) Set(ctx context.Context, path string, status domain.FileStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seen[p.rel(path)] = struct{}{}

	return nil
}

// IsDifferent implements DB.
func (p *Physical) IsDifferent(ctx context.Context, path string, status domain.FileStatus) (bool, error) {
	stored, err := p.Get(ctx, path)
	if err != nil {
		return false, err
	}

	return isDifferent(stored, status), nil
}

// Obsolete implements DB: annexed paths never queried since construction.
// Plain git files (readmes, scripts) are not remote-mirrored content and
// stay untouched.
func (p *Physical) Obsolete(ctx context.Context) ([]string, error) {
	tracked, err := p.repo.LsFiles(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	seen := make(map[string]struct{}, len(p.seen))
	for path := range p.seen {
		seen[path] = struct{}{}
	}
	p.mu.Unlock()

	var obsolete []string
	for _, path := range tracked {
		if _, ok := seen[path]; ok {
			continue
		}

		annexed, err := p.repo.IsUnderAnnex(ctx, path)
		if err != nil {
			return nil, err
		}

		if annexed {
			obsolete = append(obsolete, path)
		}
	}

	sort.Strings(obsolete)

	return obsolete, nil
}

// Save implements DB as a no-op; there is no persisted state.
func (p *Physical) Save(ctx context.Context) error {
	return nil
}
