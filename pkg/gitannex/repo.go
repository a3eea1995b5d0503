package gitannex

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gosimple/slug"
	"github.com/rs/zerolog/log"
)

// Branch names of the ingestion state machine. git-annex is owned by the
// annex backend; we only require that it exists.
const (
	BranchIncoming          = "incoming"
	BranchIncomingProcessed = "incoming-processed"
	BranchMaster            = "master"
	BranchGitAnnex          = "git-annex"
)

// ErrMergeConflict marks a merge the caller must resolve by hand. Retrying
// a conflicted merge without human input is unsafe, so it is never retried.
var ErrMergeConflict = errors.New("merge conflict")

// Repo drives one git/git-annex repository through a Runner. All branch
// mutations for one repository are serialized by the caller; Repo itself
// adds no locking.
type Repo struct {
	path   string
	runner Runner
}

// RepoDependencies carries what a Repo needs.
type RepoDependencies struct {
	Path   string
	Runner Runner
}

// NewRepo wraps an existing or to-be-initialized repository.
func NewRepo(deps RepoDependencies) *Repo {
	return &Repo{
		path:   deps.Path,
		runner: deps.Runner,
	}
}

// Path returns the worktree path.
func (r *Repo) Path() string { return r.path }

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	return r.runner.Run(ctx, r.path, "git", args...)
}

func (r *Repo) annex(ctx context.Context, args ...string) (string, error) {
	return r.runner.Run(ctx, r.path, "git", append([]string{"annex"}, args...)...)
}

// Init creates the repository if needed, initializes the annex backend and
// ensures the three state-machine branches exist.
func (r *Repo) Init(ctx context.Context, description string) error {
	if _, err := r.git(ctx, "rev-parse", "--git-dir"); err != nil {
		if _, err := r.git(ctx, "init", "--initial-branch", BranchMaster); err != nil {
			return fmt.Errorf("git init: %w", err)
		}
	}

	if _, err := r.annex(ctx, "init", description); err != nil {
		return fmt.Errorf("git annex init: %w", err)
	}

	// An empty repository has no commits yet; branches need a root.
	if _, err := r.git(ctx, "rev-parse", "HEAD"); err != nil {
		if _, err := r.git(ctx, "commit", "--allow-empty", "-m", "[DATAMIRROR] new dataset"); err != nil {
			return fmt.Errorf("root commit: %w", err)
		}
	}

	for _, branch := range []string{BranchIncoming, BranchIncomingProcessed} {
		exists, err := r.BranchExists(ctx, branch)
		if err != nil {
			return err
		}

		if !exists {
			if _, err := r.git(ctx, "branch", branch); err != nil {
				return fmt.Errorf("creating branch %s: %w", branch, err)
			}
		}
	}

	return nil
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := r.git(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// Checkout switches branches, creating the branch first when asked.
func (r *Repo) Checkout(ctx context.Context, branch string, create bool) error {
	args := []string{"checkout"}
	if create {
		args = append(args, "-b")
	}
	args = append(args, branch)

	if _, err := r.git(ctx, args...); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}

	return nil
}

// Add stages paths into git proper.
func (r *Repo) Add(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}

	if _, err := r.git(ctx, append([]string{"add", "--"}, paths...)...); err != nil {
		return fmt.Errorf("git add: %w", err)
	}

	return nil
}

// AnnexAdd stages paths into the annex backend.
func (r *Repo) AnnexAdd(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}

	if _, err := r.annex(ctx, append([]string{"add", "--"}, paths...)...); err != nil {
		return fmt.Errorf("git annex add: %w", err)
	}

	return nil
}

// Remove drops paths from the tree (content stays in the annex history).
func (r *Repo) Remove(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}

	if _, err := r.git(ctx, append([]string{"rm", "-r", "--ignore-unmatch", "--"}, paths...)...); err != nil {
		return fmt.Errorf("git rm: %w", err)
	}

	return nil
}

// IsDirty reports whether the worktree or index has uncommitted changes.
func (r *Repo) IsDirty(ctx context.Context) (bool, error) {
	out, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}

	return strings.TrimSpace(out) != "", nil
}

// Commit commits whatever is staged. A clean index produces no commit and
// returns the current HEAD, mirroring the idempotent-rerun guarantee.
func (r *Repo) Commit(ctx context.Context, message string) (sha string, committed bool, err error) {
	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return "", false, fmt.Errorf("staging: %w", err)
	}

	dirty, err := r.IsDirty(ctx)
	if err != nil {
		return "", false, err
	}

	if !dirty {
		sha, err := r.HeadSHA(ctx)
		return sha, false, err
	}

	if _, err := r.git(ctx, "commit", "-m", message); err != nil {
		return "", false, fmt.Errorf("git commit: %w", err)
	}

	sha, err = r.HeadSHA(ctx)
	return sha, true, err
}

// HeadSHA returns the current HEAD commit.
func (r *Repo) HeadSHA(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// RevParse resolves any revision expression.
func (r *Repo) RevParse(ctx context.Context, rev string) (string, error) {
	out, err := r.git(ctx, "rev-parse", rev)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// MergeOptions tune a merge of one state-machine branch into another.
type MergeOptions struct {
	// AllowUnrelated permits merging histories without a common root, which
	// happens on the very first incoming -> incoming-processed merge.
	AllowUnrelated bool
	// Strategy is passed to git -s (e.g. "ours", "recursive").
	Strategy string
	// StrategyOption is passed to git -X (e.g. "theirs").
	StrategyOption string
	// Message overrides the default merge commit message.
	Message string
}

// Merge merges branch into the current branch. A conflicted merge is
// aborted (the repository is returned to its pre-merge state) and reported
// as ErrMergeConflict for the caller to resolve.
func (r *Repo) Merge(ctx context.Context, branch string, opts MergeOptions) error {
	args := []string{"merge"}
	if opts.AllowUnrelated {
		args = append(args, "--allow-unrelated-histories")
	}
	if opts.Strategy != "" {
		args = append(args, "-s", opts.Strategy)
	}
	if opts.StrategyOption != "" {
		args = append(args, "-X", opts.StrategyOption)
	}
	if opts.Message != "" {
		args = append(args, "-m", opts.Message)
	}
	args = append(args, branch)

	if _, err := r.git(ctx, args...); err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && isConflict(cmdErr) {
			if _, abortErr := r.git(ctx, "merge", "--abort"); abortErr != nil {
				log.Error().Err(abortErr).Str("repo", r.path).Msg("failed to abort conflicted merge")
			}

			return fmt.Errorf("merging %s: %w", branch, ErrMergeConflict)
		}

		return fmt.Errorf("merging %s: %w", branch, err)
	}

	return nil
}

func isConflict(err *CommandError) bool {
	return strings.Contains(err.Stderr, "CONFLICT") ||
		strings.Contains(err.Stderr, "Automatic merge failed")
}

// Tag creates an annotated tag.
func (r *Repo) Tag(ctx context.Context, name, message string) error {
	if _, err := r.git(ctx, "tag", "-a", "-m", message, name); err != nil {
		return fmt.Errorf("git tag %s: %w", name, err)
	}

	return nil
}

// Tags lists existing tag names.
func (r *Repo) Tags(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "tag", "--list")
	if err != nil {
		return nil, err
	}

	return splitLines(out), nil
}

// LsFiles lists tracked paths on the current branch.
func (r *Repo) LsFiles(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "ls-files")
	if err != nil {
		return nil, err
	}

	return splitLines(out), nil
}

// AnnexKey returns the content key for an annexed path, or "" when the
// path is not under the annex.
func (r *Repo) AnnexKey(ctx context.Context, path string) (string, error) {
	out, err := r.annex(ctx, "lookupkey", "--", path)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return "", nil
		}

		return "", err
	}

	return strings.TrimSpace(out), nil
}

// IsUnderAnnex reports whether the path's content is annexed.
func (r *Repo) IsUnderAnnex(ctx context.Context, path string) (bool, error) {
	key, err := r.AnnexKey(ctx, path)
	if err != nil {
		return false, err
	}

	return key != "", nil
}

// AnnexAddURL registers a URL as a source for a path's content.
func (r *Repo) AnnexAddURL(ctx context.Context, url, path string) error {
	if _, err := r.annex(ctx, "addurl", "--file", path, "--relaxed", url); err != nil {
		return fmt.Errorf("git annex addurl: %w", err)
	}

	return nil
}

// AnnexDrop drops local annex content for a path. With force false the
// backend verifies another copy (e.g. the source URL) still resolves it.
func (r *Repo) AnnexDrop(ctx context.Context, path string, force bool) error {
	args := []string{"drop"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, "--", path)

	if _, err := r.annex(ctx, args...); err != nil {
		return fmt.Errorf("git annex drop: %w", err)
	}

	return nil
}

// AnnexWhereis reports how many copies of the path's content are known.
func (r *Repo) AnnexWhereis(ctx context.Context, path string) (int, error) {
	out, err := r.annex(ctx, "whereis", "--", path)
	if err != nil {
		return 0, err
	}

	// First line reads "whereis <path> (N copies)".
	for _, line := range splitLines(out) {
		open := strings.Index(line, "(")
		end := strings.Index(line, " cop")
		if open >= 0 && end > open {
			n, err := strconv.Atoi(line[open+1 : end])
			if err == nil {
				return n, nil
			}
		}
	}

	return 0, nil
}

// IsLargeFile queries the repository's configured largefile policy for a
// path. The policy itself is external configuration; this only asks. With
// no expression configured everything goes to the annex.
func (r *Repo) IsLargeFile(ctx context.Context, path string) (bool, error) {
	expr, err := r.git(ctx, "config", "annex.largefiles")
	if err != nil {
		return true, nil
	}

	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	out, err := r.annex(ctx, "matchexpression", expr, "--file", path)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return false, nil
		}

		return false, err
	}

	return strings.TrimSpace(out) != "", nil
}

// SanitizeName slugs a dataset name for use in tag metadata and status-DB
// file names.
func SanitizeName(name string) string {
	return slug.Make(filepath.Base(name))
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}

	return lines
}
