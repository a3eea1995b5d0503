// Package archive extracts archives into content-addressed cache
// directories so that byte-identical archives are never unpacked twice,
// regardless of what the archive file happens to be called.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// Cache manages extraction directories named by annex content key. The
// persistent area survives across pipeline runs; the temporary area is
// scoped to this process and cleaned on Clean().
type Cache struct {
	fs afero.Fs

	persistentRoot string
	tempRoot       string
}

// CacheDependencies carries what a Cache needs.
type CacheDependencies struct {
	Fs afero.Fs
	// Root is the persistent cache directory.
	Root string
	// TempRoot holds non-persistent extractions; defaults to <Root>/tmp.
	TempRoot string
}

// NewCache builds an archive cache rooted at deps.Root.
func NewCache(deps CacheDependencies) *Cache {
	fs := deps.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	tempRoot := deps.TempRoot
	if tempRoot == "" {
		tempRoot = filepath.Join(deps.Root, "tmp")
	}

	return &Cache{
		fs:             fs,
		persistentRoot: deps.Root,
		tempRoot:       tempRoot,
	}
}

func (c *Cache) root(persistent bool) string {
	if persistent {
		return c.persistentRoot
	}

	return c.tempRoot
}

func (c *Cache) keyDir(key string, persistent bool) string {
	return filepath.Join(c.root(persistent), key)
}

// IsCached reports whether the archive with this content key was already
// extracted into either area.
func (c *Cache) IsCached(key string) bool {
	for _, persistent := range []bool{true, false} {
		if ok, _ := afero.DirExists(c.fs, c.keyDir(key, persistent)); ok {
			return true
		}
	}

	return false
}

// ExtractedCount returns the number of cache entries in one area.
func (c *Cache) ExtractedCount(persistent bool) int {
	entries, err := afero.ReadDir(c.fs, c.root(persistent))
	if err != nil {
		return 0
	}

	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		// The temp area nests under the persistent root by default; do not
		// count it as an entry.
		if persistent && filepath.Join(c.persistentRoot, e.Name()) == c.tempRoot {
			continue
		}

		count++
	}

	return count
}

// Clean removes the temporary area, and the persistent one when asked.
// Eviction is caller-driven only.
func (c *Cache) Clean(persistentToo bool) error {
	if err := c.fs.RemoveAll(c.tempRoot); err != nil {
		return fmt.Errorf("cleaning archive temp cache: %w", err)
	}

	if persistentToo {
		if err := c.fs.RemoveAll(c.persistentRoot); err != nil {
			return fmt.Errorf("cleaning archive cache: %w", err)
		}
	}

	return nil
}

// ExtractParams describe one archive materialization.
type ExtractParams struct {
	// ArchivePath is the archive file to unpack.
	ArchivePath string
	// Key is the archive's annex content key; it names the cache entry.
	Key string
	// DestDir receives the (rule-transformed) extracted files.
	DestDir string
	// Persistent selects the cache area.
	Persistent bool

	// ExcludePatterns drop entries by regexp. Applied against the raw
	// in-archive path, BEFORE prefix stripping: collapsing leading dirs
	// must not hide an entry from the exclusion check.
	ExcludePatterns []string
	// StripLeadingDirs collapses shared leading path components.
	StripLeadingDirs bool
	// LeadingDirsDepth bounds how many components may be stripped
	// (0 = no bound).
	LeadingDirsDepth int
	// LeadingDirsConsider restricts stripping to components matching one
	// of these regexps; empty means any shared component qualifies.
	LeadingDirsConsider []string
	// RenameRules are sed-style [pattern, replacement] pairs applied to
	// extracted relative paths after extraction, used to resolve filename
	// collisions deterministically.
	RenameRules [][2]string
}

// Extract unpacks the archive into its cache entry (a no-op when the key is
// already cached), applies exclude/strip/rename rules and materializes the
// result under DestDir. It returns the destination-relative paths written.
func (c *Cache) Extract(ctx context.Context, p ExtractParams) ([]string, error) {
	if p.Key == "" {
		return nil, fmt.Errorf("archive %s has no content key", p.ArchivePath)
	}

	cacheDir := c.keyDir(p.Key, p.Persistent)

	cached, err := afero.DirExists(c.fs, cacheDir)
	if err != nil {
		return nil, err
	}

	// The same key may already sit in the other area; reuse that entry
	// rather than unpacking a second copy.
	if !cached {
		otherDir := c.keyDir(p.Key, !p.Persistent)

		inOther, err := afero.DirExists(c.fs, otherDir)
		if err != nil {
			return nil, err
		}

		if inOther {
			cacheDir, cached = otherDir, true
		}
	}

	if cached {
		log.Debug().Str("key", p.Key).Msg("archive cache hit")
	} else {
		if err := c.unpack(ctx, p.ArchivePath, cacheDir); err != nil {
			// A half-written entry must not count as cached.
			_ = c.fs.RemoveAll(cacheDir)

			return nil, err
		}
	}

	raw, err := c.listEntry(cacheDir)
	if err != nil {
		return nil, err
	}

	mapped, err := applyRules(raw, p)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, m := range mapped {
		src := filepath.Join(cacheDir, m.from)
		dst := filepath.Join(p.DestDir, m.to)

		if err := c.copyFile(src, dst); err != nil {
			return nil, err
		}

		out = append(out, m.to)
	}

	sort.Strings(out)

	return out, nil
}

// listEntry walks one cache entry and returns its file paths relative to
// the entry root.
func (c *Cache) listEntry(dir string) ([]string, error) {
	var paths []string

	err := afero.Walk(c.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		paths = append(paths, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing cache entry %s: %w", dir, err)
	}

	sort.Strings(paths)

	return paths, nil
}

type mapping struct {
	from string
	to   string
}

// applyRules computes the destination path for each raw in-archive path.
// Order matters: exclusion first, then prefix stripping, then renames.
func applyRules(raw []string, p ExtractParams) ([]mapping, error) {
	excludes, err := compileAll(p.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("exclude patterns: %w", err)
	}

	var kept []string
	for _, path := range raw {
		if matchesAny(excludes, path) {
			continue
		}

		kept = append(kept, path)
	}

	stripped := kept
	if p.StripLeadingDirs {
		stripped, err = stripLeading(kept, p.LeadingDirsDepth, p.LeadingDirsConsider)
		if err != nil {
			return nil, err
		}
	}

	renames := make([]*regexp.Regexp, 0, len(p.RenameRules))
	for _, rule := range p.RenameRules {
		re, err := regexp.Compile(rule[0])
		if err != nil {
			return nil, fmt.Errorf("rename rule %q: %w", rule[0], err)
		}

		renames = append(renames, re)
	}

	out := make([]mapping, 0, len(kept))
	for i, path := range kept {
		to := stripped[i]
		for j, re := range renames {
			to = re.ReplaceAllString(to, p.RenameRules[j][1])
		}

		out = append(out, mapping{from: path, to: to})
	}

	return out, nil
}

// stripLeading drops leading path components shared by every path, bounded
// by depth, each component optionally vetted against the consider list.
func stripLeading(paths []string, depth int, consider []string) ([]string, error) {
	considerRes, err := compileAll(consider)
	if err != nil {
		return nil, fmt.Errorf("leading-dirs-consider patterns: %w", err)
	}

	stripped := make([]string, len(paths))
	copy(stripped, paths)

	for level := 0; depth == 0 || level < depth; level++ {
		prefix := ""
		common := true

		for _, path := range stripped {
			dir, _, ok := strings.Cut(path, "/")
			if !ok {
				common = false
				break
			}

			if prefix == "" {
				prefix = dir
			} else if dir != prefix {
				common = false
				break
			}
		}

		if !common || prefix == "" {
			break
		}

		if len(considerRes) > 0 && !matchesAny(considerRes, prefix) {
			break
		}

		for i, path := range stripped {
			stripped[i] = path[len(prefix)+1:]
		}
	}

	return stripped, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}

		res = append(res, re)
	}

	return res, nil
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}

	return false
}

func (c *Cache) copyFile(src, dst string) error {
	if err := c.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	data, err := afero.ReadFile(c.fs, src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}

	if err := afero.WriteFile(c.fs, dst, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}

	return nil
}
