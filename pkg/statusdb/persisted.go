package statusdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/datamirror/datamirror/pkg/domain"
)

// Persisted is a FileStatus database backed by a JSON document at
// <dataset>/.datalad/crawl/statuses/<name>.json. Queries mark paths as seen
// for the current session; Save batches all writes into one serialization.
type Persisted struct {
	mu sync.Mutex

	fs   afero.Fs
	file string
	root string

	statuses map[string]domain.FileStatus
	seen     map[string]struct{}
}

// PersistedDependencies carries what a Persisted DB needs.
type PersistedDependencies struct {
	Fs afero.Fs
	// Root is the dataset worktree; relative paths canonicalize against it.
	Root string
	// Name selects the document under .datalad/crawl/statuses/.
	Name string
}

// StatusesDir is where persisted status documents live inside a dataset.
const StatusesDir = ".datalad/crawl/statuses"

// NewPersisted loads (or starts empty) the named status document.
func NewPersisted(deps PersistedDependencies) (*Persisted, error) {
	fs := deps.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	db := &Persisted{
		fs:       fs,
		file:     filepath.Join(deps.Root, StatusesDir, deps.Name+".json"),
		root:     deps.Root,
		statuses: map[string]domain.FileStatus{},
		seen:     map[string]struct{}{},
	}

	data, err := afero.ReadFile(fs, db.file)
	if err != nil {
		if os.IsNotExist(err) {
			return db, nil
		}

		return nil, fmt.Errorf("reading status db %s: %w", db.file, err)
	}

	if err := json.Unmarshal(data, &db.statuses); err != nil {
		return nil, fmt.Errorf("decoding status db %s: %w", db.file, err)
	}

	return db, nil
}

// canonical collapses the many spellings of one file (bare name,
// ./-prefixed, repo-relative, absolute, behind a symlink) into a single
// map key. Correctness of dedup depends on this.
func (p *Persisted) canonical(path string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.root, path)
	}

	path = filepath.Clean(path)

	// Symlink resolution only means something on a real filesystem.
	if _, ok := p.fs.(*afero.OsFs); ok {
		if resolved, err := filepath.EvalSymlinks(path); err == nil {
			return resolved
		}
	}

	return path
}

// Get implements DB. The queried path is marked seen for this session.
func (p *Persisted) Get(ctx context.Context, path string) (domain.FileStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := p.canonical(path)
	p.seen[key] = struct{}{}

	return p.statuses[key], nil
}

// Set implements DB.
func (p *Persisted) Set(ctx context.Context, path string, status domain.FileStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := p.canonical(path)
	p.seen[key] = struct{}{}
	p.statuses[key] = status

	return nil
}

// IsDifferent implements DB.
func (p *Persisted) IsDifferent(ctx context.Context, path string, status domain.FileStatus) (bool, error) {
	stored, err := p.Get(ctx, path)
	if err != nil {
		return false, err
	}

	return isDifferent(stored, status), nil
}

// Obsolete implements DB: persisted paths not queried this session.
func (p *Persisted) Obsolete(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var obsolete []string
	for path := range p.statuses {
		if _, ok := p.seen[path]; !ok {
			obsolete = append(obsolete, path)
		}
	}

	sort.Strings(obsolete)

	return obsolete, nil
}

// Paths lists every persisted path.
func (p *Persisted) Paths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	paths := make([]string, 0, len(p.statuses))
	for path := range p.statuses {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	return paths
}

// Remove forgets a path entirely.
func (p *Persisted) Remove(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := p.canonical(path)
	delete(p.statuses, key)
	delete(p.seen, key)

	return nil
}

// Save implements DB: serialize to disk, then start a fresh session so the
// next Obsolete call reflects queries made after this point.
func (p *Persisted) Save(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.fs.MkdirAll(filepath.Dir(p.file), 0o755); err != nil {
		return fmt.Errorf("creating status db dir: %w", err)
	}

	data, err := json.MarshalIndent(p.statuses, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding status db: %w", err)
	}

	if err := afero.WriteFile(p.fs, p.file, data, 0o644); err != nil {
		return fmt.Errorf("writing status db %s: %w", p.file, err)
	}

	log.Debug().Str("file", p.file).Int("entries", len(p.statuses)).Msg("saved status db")

	p.seen = map[string]struct{}{}

	return nil
}
