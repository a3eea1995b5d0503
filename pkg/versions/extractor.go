// Package versions maps batches of staged paths to version-keyed groups of
// canonical (version-agnostic) names, and remembers the last version seen
// per dataset so the ingestion machinery can detect version bumps.
package versions

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/datamirror/datamirror/pkg/domain"
)

// UnversionedPolicy decides what happens to paths the pattern did not match.
type UnversionedPolicy string

const (
	// UnversionedKeep leaves unmatched paths under the empty version key.
	UnversionedKeep UnversionedPolicy = ""
	// UnversionedDefault assigns the configured default version, derived
	// from the path's mtime when the default is a strftime template.
	UnversionedDefault UnversionedPolicy = "default"
)

// StagedFile is one staged path plus whatever the caller wants carried
// through unchanged.
type StagedFile struct {
	Path   string
	Mtime  time.Time
	Status any
}

// VersionEntry groups files of one version: canonical name -> staged path.
type VersionEntry struct {
	Version string            `json:"version"`
	Files   map[string]string `json:"files"`
}

// VersionMap is ordered by ascending version, empty (unversioned) first.
type VersionMap []VersionEntry

// Latest returns the highest version key in the map, or "".
func (m VersionMap) Latest() string {
	if len(m) == 0 {
		return ""
	}

	return m[len(m)-1].Version
}

// ExtractorOptions configure version extraction.
type ExtractorOptions struct {
	// Pattern must contain a named capturing group "version".
	Pattern string
	// AlwaysVersioned paths must never be treated as unversioned; matching
	// one without extracting a version is a configuration error.
	AlwaysVersioned string
	// Unversioned selects the policy for unmatched paths.
	Unversioned UnversionedPolicy
	// Default is the fallback version: a literal, or a strftime template
	// (detected by '%') applied to the file's mtime.
	Default string
}

// Extractor is a pure mapping from staged paths to a VersionMap.
type Extractor struct {
	pattern         *regexp.Regexp
	versionGroup    int
	alwaysVersioned *regexp.Regexp
	unversioned     UnversionedPolicy
	defaultVersion  string
}

// NewExtractor validates the pattern up front: a pattern without a named
// "version" group is a systemic mis-specification, fatal immediately.
func NewExtractor(opts ExtractorOptions) (*Extractor, error) {
	pattern, err := regexp.Compile(opts.Pattern)
	if err != nil {
		return nil, domain.NewConfigError("version pattern %q: %v", opts.Pattern, err)
	}

	versionGroup := -1
	for i, name := range pattern.SubexpNames() {
		if name == "version" {
			versionGroup = i
		}
	}

	if versionGroup < 0 {
		return nil, domain.NewConfigError("version pattern %q has no named group \"version\"", opts.Pattern)
	}

	e := &Extractor{
		pattern:        pattern,
		versionGroup:   versionGroup,
		unversioned:    opts.Unversioned,
		defaultVersion: opts.Default,
	}

	if opts.AlwaysVersioned != "" {
		e.alwaysVersioned, err = regexp.Compile(opts.AlwaysVersioned)
		if err != nil {
			return nil, domain.NewConfigError("always-versioned pattern %q: %v", opts.AlwaysVersioned, err)
		}
	}

	return e, nil
}

// Extract groups a batch of staged paths by extracted version. Canonical
// names are the paths with the version token removed; a collision between a
// versioned and an unversioned canonical name is ambiguous ("the one true
// copy" versus "one dated snapshot") and is never silently resolved.
func (e *Extractor) Extract(files []StagedFile) (VersionMap, error) {
	byVersion := map[string]map[string]string{}
	versionedCanonical := map[string]bool{}

	put := func(version, canonical, path string) {
		group, ok := byVersion[version]
		if !ok {
			group = map[string]string{}
			byVersion[version] = group
		}

		group[canonical] = path
	}

	for _, f := range files {
		version, canonical, matched := e.extractOne(f.Path)

		if !matched {
			if e.alwaysVersioned != nil && e.alwaysVersioned.MatchString(f.Path) {
				return nil, domain.NewConfigError("path %q must carry a version but none matched", f.Path)
			}

			if e.unversioned == UnversionedDefault {
				version = e.renderDefault(f.Mtime)
				matched = version != ""
			}
		}

		if matched {
			versionedCanonical[canonical] = true
		}

		put(version, canonical, f.Path)
	}

	// Cross-boundary collision check: the same canonical name both with
	// and without a version.
	if unversioned, ok := byVersion[""]; ok {
		for canonical := range unversioned {
			if versionedCanonical[canonical] {
				return nil, domain.NewConfigError(
					"canonical name %q appears both versioned and unversioned", canonical)
			}
		}
	}

	out := make(VersionMap, 0, len(byVersion))
	for version, files := range byVersion {
		out = append(out, VersionEntry{Version: version, Files: files})
	}

	sort.Slice(out, func(i, j int) bool {
		return Compare(out[i].Version, out[j].Version) < 0
	})

	return out, nil
}

// extractOne pulls the version token out of one path. The canonical name is
// the path with the whole pattern match (and one adjoining separator, if
// any) removed, so markers around the token vanish too.
func (e *Extractor) extractOne(path string) (version, canonical string, matched bool) {
	groups := e.pattern.FindStringSubmatchIndex(path)
	if groups == nil {
		return "", path, false
	}

	start, end := groups[2*e.versionGroup], groups[2*e.versionGroup+1]
	if start < 0 {
		return "", path, false
	}

	version = path[start:end]
	if version == "" {
		return "", path, false
	}

	before, after := path[:groups[0]], path[groups[1]:]

	// "ds_R1.0.0_raw" and "ds_R1.0.1_raw" must canonicalize identically:
	// drop one separator left of the token so the seam closes cleanly.
	if strings.HasSuffix(before, "_") || strings.HasSuffix(before, "-") || strings.HasSuffix(before, ".") {
		before = before[:len(before)-1]
	}

	return version, before + after, true
}

func (e *Extractor) renderDefault(mtime time.Time) string {
	if !strings.Contains(e.defaultVersion, "%") {
		return e.defaultVersion
	}

	if mtime.IsZero() {
		mtime = time.Now()
	}

	return strftime.Format(e.defaultVersion, mtime)
}
