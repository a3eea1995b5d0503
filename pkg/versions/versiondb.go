package versions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// VersionsDir is where the last-seen version map lives inside a dataset.
const VersionsDir = ".datalad/crawl/versions"

// DB persists the last-seen VersionMap per dataset, the memory behind
// version-bump detection across runs.
type DB struct {
	mu sync.Mutex

	fs   afero.Fs
	file string

	state dbState
}

type dbState struct {
	LastVersion string     `json:"last_version"`
	Map         VersionMap `json:"map,omitempty"`
}

// DBDependencies carries what a version DB needs.
type DBDependencies struct {
	Fs   afero.Fs
	Root string
	Name string
}

// NewDB loads (or starts empty) the named version document.
func NewDB(deps DBDependencies) (*DB, error) {
	fs := deps.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	db := &DB{
		fs:   fs,
		file: filepath.Join(deps.Root, VersionsDir, deps.Name+".json"),
	}

	data, err := afero.ReadFile(fs, db.file)
	if err != nil {
		if os.IsNotExist(err) {
			return db, nil
		}

		return nil, fmt.Errorf("reading version db %s: %w", db.file, err)
	}

	if err := json.Unmarshal(data, &db.state); err != nil {
		return nil, fmt.Errorf("decoding version db %s: %w", db.file, err)
	}

	return db, nil
}

// LastVersion returns the highest version recorded so far, or "".
func (d *DB) LastVersion() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state.LastVersion
}

// Record notes a processed version map, advancing LastVersion when the map
// contains something newer.
func (d *DB) Record(m VersionMap) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state.Map = m

	if latest := m.Latest(); Compare(latest, d.state.LastVersion) > 0 {
		d.state.LastVersion = latest
	}
}

// Save serializes the DB.
func (d *DB) Save(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fs.MkdirAll(filepath.Dir(d.file), 0o755); err != nil {
		return fmt.Errorf("creating version db dir: %w", err)
	}

	data, err := json.MarshalIndent(d.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding version db: %w", err)
	}

	if err := afero.WriteFile(d.fs, d.file, data, 0o644); err != nil {
		return fmt.Errorf("writing version db %s: %w", d.file, err)
	}

	return nil
}
