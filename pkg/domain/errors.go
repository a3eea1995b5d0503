package domain

import (
	"errors"
	"fmt"
)

// ErrFinishPipeline is the early-termination signal. A node returns it to
// tell the engine to stop feeding further items into the remainder of the
// pipeline. It is not a failure: the engine swallows it and still runs
// registered finalizers.
var ErrFinishPipeline = errors.New("finish pipeline")

// FetchError is a transient or permanent failure retrieving one URL. It is
// recorded as a per-item error result, never aborts the whole run.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// RepoStateError is a repository-scoped failure such as a merge conflict or
// lock contention. It is surfaced as an error result for that repository
// and never silently retried.
type RepoStateError struct {
	Repo string
	Op   string
	Err  error
}

func (e *RepoStateError) Error() string {
	return fmt.Sprintf("repository %s: %s: %v", e.Repo, e.Op, e.Err)
}

func (e *RepoStateError) Unwrap() error { return e.Err }

// ConfigError is a systemic mis-specification (malformed version pattern,
// canonical-name collision). It is fatal to the whole pipeline run and
// propagates uncaught out of construction or extraction.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// NewConfigError builds a ConfigError with a formatted reason.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}
