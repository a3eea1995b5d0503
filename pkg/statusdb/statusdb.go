// Package statusdb answers one question for the ingestion machinery: is
// this path's content different from what we last saw? Two interchangeable
// implementations exist: one derived from the live worktree and annex
// metadata, one persisted as a JSON document between runs.
package statusdb

import (
	"context"

	"github.com/datamirror/datamirror/pkg/domain"
)

// DB is the change-detection contract.
type DB interface {
	// Get returns the known status for a path, or an empty status when the
	// path was never seen. Missing paths are not an error.
	Get(ctx context.Context, path string) (domain.FileStatus, error)

	// Set records the status observed for a path.
	Set(ctx context.Context, path string, status domain.FileStatus) error

	// IsDifferent reports whether the candidate status differs from the
	// recorded one. An unknown path is different (forces a fetch) unless
	// the candidate is also empty: no information on either side is
	// ambiguity, and ambiguity must not trigger a redundant fetch.
	IsDifferent(ctx context.Context, path string, status domain.FileStatus) (bool, error)

	// Obsolete lists paths known previously but not queried since the last
	// Save. These are the deletions the remote side made.
	Obsolete(ctx context.Context) ([]string, error)

	// Save persists the DB state (a no-op for derived implementations).
	Save(ctx context.Context) error
}

// isDifferent is the shared decision both implementations delegate to.
func isDifferent(stored, candidate domain.FileStatus) bool {
	if stored.IsEmpty() && candidate.IsEmpty() {
		return false
	}

	if stored.IsEmpty() || candidate.IsEmpty() {
		return true
	}

	return !stored.Equals(candidate)
}
