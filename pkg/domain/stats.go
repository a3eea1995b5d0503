package domain

import (
	"fmt"
	"strings"
)

// ActivityStats counts what a pipeline run did to the repository. One value
// is created per top-level run, threaded through every node call, merged by
// the caller, and reset once its contents are committed.
type ActivityStats struct {
	Files          int     `json:"files"`
	URLs           int     `json:"urls"`
	Downloaded     int     `json:"downloaded"`
	DownloadedSize int64   `json:"downloaded_size"`
	DownloadedTime float64 `json:"downloaded_time"`
	Skipped        int     `json:"skipped"`
	Renamed        int     `json:"renamed"`
	Overwritten    int     `json:"overwritten"`
	Removed        int     `json:"removed"`
	AddAnnex       int     `json:"add_annex"`
	AddGit         int     `json:"add_git"`

	Versions []string    `json:"versions,omitempty"`
	Merges   [][2]string `json:"merges,omitempty"`
}

// Add merges other into s. Counters add, lists concatenate; the operation
// is associative with the zero value as identity.
func (s *ActivityStats) Add(other ActivityStats) {
	s.Files += other.Files
	s.URLs += other.URLs
	s.Downloaded += other.Downloaded
	s.DownloadedSize += other.DownloadedSize
	s.DownloadedTime += other.DownloadedTime
	s.Skipped += other.Skipped
	s.Renamed += other.Renamed
	s.Overwritten += other.Overwritten
	s.Removed += other.Removed
	s.AddAnnex += other.AddAnnex
	s.AddGit += other.AddGit

	s.Versions = append(s.Versions, other.Versions...)
	s.Merges = append(s.Merges, other.Merges...)
}

// Reset zeroes the stats after a successful commit consumed them.
func (s *ActivityStats) Reset() {
	*s = ActivityStats{}
}

// IsZero reports whether nothing was counted.
func (s ActivityStats) IsZero() bool {
	return s.Files == 0 && s.URLs == 0 && s.Downloaded == 0 &&
		s.DownloadedSize == 0 && s.DownloadedTime == 0 &&
		s.Skipped == 0 && s.Renamed == 0 && s.Overwritten == 0 &&
		s.Removed == 0 && s.AddAnnex == 0 && s.AddGit == 0 &&
		len(s.Versions) == 0 && len(s.Merges) == 0
}

// HasChanges reports whether the run touched the tree in a way that is
// worth committing. Skipped-only runs have nothing to commit.
func (s ActivityStats) HasChanges() bool {
	return s.Files > 0 || s.Downloaded > 0 || s.Renamed > 0 ||
		s.Overwritten > 0 || s.Removed > 0 || s.AddAnnex > 0 || s.AddGit > 0
}

// AsReport renders a one-line human summary used in commit messages.
func (s ActivityStats) AsReport() string {
	parts := []string{}

	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", label, n))
		}
	}

	add(s.URLs, "URLs")
	add(s.Files, "files")
	add(s.Downloaded, "downloaded")
	if s.DownloadedSize > 0 {
		parts = append(parts, fmt.Sprintf("size=%d", s.DownloadedSize))
	}
	add(s.Skipped, "skipped")
	add(s.Renamed, "renamed")
	add(s.Overwritten, "overwritten")
	add(s.Removed, "removed")
	add(s.AddAnnex, "annexed")
	add(s.AddGit, "to git")
	if len(s.Versions) > 0 {
		parts = append(parts, fmt.Sprintf("versions=%s", strings.Join(s.Versions, ",")))
	}

	if len(parts) == 0 {
		return "nothing was done"
	}

	return strings.Join(parts, ", ")
}
