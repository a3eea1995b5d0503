package annexificator

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamirror/datamirror/pkg/domain"
	"github.com/datamirror/datamirror/pkg/gitannex"
	"github.com/datamirror/datamirror/pkg/statusdb"
	"github.com/datamirror/datamirror/pkg/versions"
)

const testRepoPath = "/ds"

// fakeGit scripts a repository for Runner calls: it tracks the checked-out
// branch, a dirty flag driven by add/rm, commits, tags and the full call log.
type fakeGit struct {
	mu         sync.Mutex
	branch     string
	dirty      bool
	commits    []string
	tags       []string
	calls      []string
	conflictOn string
	annexKeys  map[string]string
}

func (g *fakeGit) Run(_ context.Context, _ string, _ string, args ...string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, strings.Join(args, " "))

	switch args[0] {
	case "rev-parse":
		if args[1] == "--abbrev-ref" {
			return g.branch + "\n", nil
		}
		return "sha-" + strconv.Itoa(len(g.commits)) + "\n", nil
	case "checkout":
		g.branch = args[len(args)-1]
	case "add":
		if len(args) > 1 && args[1] == "--" {
			g.dirty = true
		}
	case "rm":
		g.dirty = true
	case "status":
		if g.dirty {
			return " M staged\n", nil
		}
		return "", nil
	case "commit":
		g.commits = append(g.commits, args[len(args)-1])
		g.dirty = false
	case "merge":
		target := args[len(args)-1]
		if target == "--abort" {
			return "", nil
		}
		if target == g.conflictOn {
			return "", &gitannex.CommandError{
				Cmd:    "git merge " + target,
				Stderr: "CONFLICT (content): Merge conflict in data.csv",
				Err:    errors.New("exit status 1"),
			}
		}
	case "tag":
		if args[1] == "--list" {
			return strings.Join(g.tags, "\n") + "\n", nil
		}
		g.tags = append(g.tags, args[len(args)-1])
	case "config":
		return "", &gitannex.CommandError{Cmd: "git config", Err: errors.New("exit status 1")}
	case "annex":
		switch args[1] {
		case "add":
			g.dirty = true
		case "lookupkey":
			if key, ok := g.annexKeys[args[len(args)-1]]; ok {
				return key + "\n", nil
			}
			return "", &gitannex.CommandError{Cmd: "git annex lookupkey", Err: errors.New("exit status 1")}
		case "whereis":
			return "whereis " + args[len(args)-1] + " (2 copies)\n", nil
		}
	}

	return "", nil
}

func (g *fakeGit) mergeCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var merges []string
	for _, call := range g.calls {
		if strings.HasPrefix(call, "merge") {
			merges = append(merges, call)
		}
	}

	return merges
}

// fakeFetcher serves one fixed payload and status for every URL.
type fakeFetcher struct {
	mu        sync.Mutex
	content   string
	status    domain.FileStatus
	statusErr error
	fetchErr  error
	fetches   int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (io.ReadCloser, domain.FileStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++
	if f.fetchErr != nil {
		return nil, domain.FileStatus{}, f.fetchErr
	}

	return io.NopCloser(strings.NewReader(f.content)), f.status, nil
}

func (f *fakeFetcher) Status(_ context.Context, _ string) (domain.FileStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fetches
}

func newTestAnnexificator(t *testing.T, fs afero.Fs, git *fakeGit, dl domain.Downloader, opts Options) *Annexificator {
	t.Helper()

	repo := gitannex.NewRepo(gitannex.RepoDependencies{Path: testRepoPath, Runner: git})

	sdb, err := statusdb.NewPersisted(statusdb.PersistedDependencies{Fs: fs, Root: testRepoPath, Name: "incoming"})
	require.NoError(t, err)

	vdb, err := versions.NewDB(versions.DBDependencies{Fs: fs, Root: testRepoPath, Name: "incoming"})
	require.NoError(t, err)

	ext, err := versions.NewExtractor(versions.ExtractorOptions{Pattern: `R(?P<version>\d+(\.\d+)*)`})
	require.NoError(t, err)

	return New(Dependencies{
		Repo:       repo,
		StatusDB:   sdb,
		VersionDB:  vdb,
		Extractor:  ext,
		Downloader: dl,
		Fs:         fs,
		Options:    opts,
	})
}

func TestProcessDownloadsAndStages(t *testing.T) {
	fs := afero.NewMemMapFs()
	git := &fakeGit{branch: "master"}
	dl := &fakeFetcher{content: "payload", status: domain.FileStatus{Size: domain.Int64Ptr(7)}}
	a := newTestAnnexificator(t, fs, git, dl, Options{Mode: ModeGit})

	stats := &domain.ActivityStats{}
	out, err := a.Process(context.Background(), domain.Item{
		URL:   "http://example.com/ds_R1.0.csv",
		Stats: stats,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, "ds_R1.0.csv", out[0].Filename)
	assert.Equal(t, 1, stats.Downloaded)
	assert.Equal(t, 1, stats.AddGit)
	assert.Equal(t, 0, stats.AddAnnex)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 1, stats.URLs)
	assert.Equal(t, int64(7), stats.DownloadedSize)

	// Work happens on the incoming branch.
	assert.Equal(t, gitannex.BranchIncoming, git.branch)

	content, err := afero.ReadFile(fs, "/ds/ds_R1.0.csv")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
}

func TestProcessAnnexPlacement(t *testing.T) {
	fs := afero.NewMemMapFs()
	git := &fakeGit{branch: "incoming"}
	dl := &fakeFetcher{content: "big", status: domain.FileStatus{Size: domain.Int64Ptr(3)}}
	a := newTestAnnexificator(t, fs, git, dl, Options{Mode: ModeAnnex})

	stats := &domain.ActivityStats{}
	_, err := a.Process(context.Background(), domain.Item{URL: "http://example.com/blob.bin", Stats: stats})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.AddAnnex)
	assert.Equal(t, 0, stats.AddGit)
	assert.Contains(t, git.calls, "annex add -- blob.bin")
}

func TestProcessOverwriteCountsSeparately(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ds/data.csv", []byte("old"), 0o644))

	git := &fakeGit{branch: "incoming"}
	dl := &fakeFetcher{content: "new", status: domain.FileStatus{Size: domain.Int64Ptr(3)}}
	a := newTestAnnexificator(t, fs, git, dl, Options{Mode: ModeGit})

	stats := &domain.ActivityStats{}
	_, err := a.Process(context.Background(), domain.Item{URL: "http://example.com/data.csv", Stats: stats})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Overwritten)
	assert.Equal(t, 0, stats.AddGit)
	assert.Equal(t, 1, stats.Files)
}

func TestProcessSkipsUnchangedContent(t *testing.T) {
	fs := afero.NewMemMapFs()
	status := domain.FileStatus{Size: domain.Int64Ptr(7), Mtime: domain.Float64Ptr(100)}

	seed, err := statusdb.NewPersisted(statusdb.PersistedDependencies{Fs: fs, Root: testRepoPath, Name: "incoming"})
	require.NoError(t, err)
	require.NoError(t, seed.Set(context.Background(), "/ds/data.csv", status))
	require.NoError(t, seed.Save(context.Background()))

	t.Run("suppressed by default", func(t *testing.T) {
		git := &fakeGit{branch: "incoming"}
		dl := &fakeFetcher{content: "payload", status: status}
		a := newTestAnnexificator(t, fs, git, dl, Options{Mode: ModeGit})

		stats := &domain.ActivityStats{}
		out, err := a.Process(context.Background(), domain.Item{URL: "http://example.com/data.csv", Stats: stats})
		require.NoError(t, err)

		assert.Nil(t, out)
		assert.Equal(t, 1, stats.Skipped)
		assert.Equal(t, 0, dl.fetchCount())
	})

	t.Run("yielded when configured", func(t *testing.T) {
		git := &fakeGit{branch: "incoming"}
		dl := &fakeFetcher{content: "payload", status: status}
		a := newTestAnnexificator(t, fs, git, dl, Options{Mode: ModeGit, YieldNonUpdated: true})

		stats := &domain.ActivityStats{}
		out, err := a.Process(context.Background(), domain.Item{URL: "http://example.com/data.csv", Stats: stats})
		require.NoError(t, err)

		require.Len(t, out, 1)
		assert.Equal(t, "data.csv", out[0].Filename)
		assert.Equal(t, 1, stats.Skipped)
		assert.Equal(t, 0, dl.fetchCount())
	})
}

func TestProcessFetchFailureYieldsErrorResult(t *testing.T) {
	fs := afero.NewMemMapFs()
	git := &fakeGit{branch: "incoming"}
	dl := &fakeFetcher{fetchErr: errors.New("connection reset"), status: domain.FileStatus{Size: domain.Int64Ptr(7)}}
	a := newTestAnnexificator(t, fs, git, dl, Options{Mode: ModeGit})

	stats := &domain.ActivityStats{}
	out, err := a.Process(context.Background(), domain.Item{URL: "http://example.com/data.csv", Stats: stats})
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.True(t, domain.IsErrorResult(out[0]))
	assert.Contains(t, out[0].GetString(domain.ExtraKeyStatus), "connection reset")
	assert.Equal(t, 0, stats.Downloaded)

	// Retry policy lives in the downloader; a returned error is final and
	// must not trigger another fetch here.
	assert.Equal(t, 1, dl.fetchCount())

	// The staged-content lock is released on failure.
	locked, err := afero.Exists(fs, "/ds/.git/datamirror/locks/data.csv.lock")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestProcessLockCollision(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ds/.git/datamirror/locks/data.csv.lock", nil, 0o644))

	git := &fakeGit{branch: "incoming"}
	dl := &fakeFetcher{content: "payload", status: domain.FileStatus{Size: domain.Int64Ptr(7)}}
	a := newTestAnnexificator(t, fs, git, dl, Options{Mode: ModeGit})

	out, err := a.Process(context.Background(), domain.Item{URL: "http://example.com/data.csv"})
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.True(t, domain.IsErrorResult(out[0]))
	assert.Contains(t, out[0].GetString(domain.ExtraKeyStatus), "already being fetched")
	assert.Equal(t, 0, dl.fetchCount())
}

func TestProcessPreStagedContent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ds/README.txt", []byte("hello"), 0o644))

	git := &fakeGit{branch: "incoming"}
	a := newTestAnnexificator(t, fs, git, &fakeFetcher{}, Options{Mode: ModeGit})

	stats := &domain.ActivityStats{}
	out, err := a.Process(context.Background(), domain.Item{Filename: "README.txt", Stats: stats})
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, "README.txt", out[0].Filename)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 0, stats.Downloaded)
	assert.Contains(t, git.calls, "add -- README.txt")
}

func TestFinalizeCommitsMergesAndTags(t *testing.T) {
	fs := afero.NewMemMapFs()
	git := &fakeGit{branch: "master"}
	dl := &fakeFetcher{content: "payload", status: domain.FileStatus{Size: domain.Int64Ptr(7)}}
	a := newTestAnnexificator(t, fs, git, dl, Options{Mode: ModeGit, Tag: true})

	stats := &domain.ActivityStats{}
	_, err := a.Process(context.Background(), domain.Item{URL: "http://example.com/ds_R1.0.csv", Stats: stats})
	require.NoError(t, err)

	out, err := a.Finalize(context.Background(), domain.Item{Stats: stats})
	require.NoError(t, err)
	require.Len(t, out, 1)

	result := out[0]
	assert.Equal(t, string(domain.ResultAction_Commit), result.GetString(domain.ExtraKeyAction))
	assert.Equal(t, 1, result.Stats.Downloaded)
	assert.Equal(t, [][2]string{
		{gitannex.BranchIncoming, gitannex.BranchIncomingProcessed},
		{gitannex.BranchIncomingProcessed, gitannex.BranchMaster},
	}, result.Stats.Merges)
	assert.Contains(t, result.Stats.Versions, "1.0")

	// The run's live stats are consumed by the commit.
	assert.True(t, stats.IsZero())

	require.Len(t, git.commits, 1)
	assert.Contains(t, git.commits[0], "[DATAMIRROR]")
	assert.Equal(t, []string{"v1.0"}, git.tags)
	assert.Equal(t, gitannex.BranchMaster, git.branch)

	// Status and version DBs are committed with the content.
	for _, file := range []string{
		"/ds/.datalad/crawl/statuses/incoming.json",
		"/ds/.datalad/crawl/versions/incoming.json",
	} {
		exists, err := afero.Exists(fs, file)
		require.NoError(t, err)
		assert.True(t, exists, file)
	}
}

func TestFinalizeIdempotentRerun(t *testing.T) {
	fs := afero.NewMemMapFs()
	dl := &fakeFetcher{content: "payload", status: domain.FileStatus{Size: domain.Int64Ptr(7), Mtime: domain.Float64Ptr(100)}}

	first := &fakeGit{branch: "master"}
	a := newTestAnnexificator(t, fs, first, dl, Options{Mode: ModeGit, Tag: true})

	stats := &domain.ActivityStats{}
	_, err := a.Process(context.Background(), domain.Item{URL: "http://example.com/ds_R1.0.csv", Stats: stats})
	require.NoError(t, err)
	_, err = a.Finalize(context.Background(), domain.Item{Stats: stats})
	require.NoError(t, err)
	require.Equal(t, []string{"v1.0"}, first.tags)

	// A fresh session over the same dataset state sees nothing to do.
	second := &fakeGit{branch: "master", tags: first.tags}
	b := newTestAnnexificator(t, fs, second, dl, Options{Mode: ModeGit, Tag: true})

	stats2 := &domain.ActivityStats{}
	out, err := b.Process(context.Background(), domain.Item{URL: "http://example.com/ds_R1.0.csv", Stats: stats2})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 1, stats2.Skipped)

	res, err := b.Finalize(context.Background(), domain.Item{Stats: stats2})
	require.NoError(t, err)
	require.Len(t, res, 1)

	assert.Equal(t, string(domain.ResultAction_Commit), res[0].GetString(domain.ExtraKeyAction))
	assert.True(t, res[0].Stats.IsZero())
	assert.Empty(t, second.commits)
	assert.Empty(t, second.mergeCalls())
	assert.Equal(t, []string{"v1.0"}, second.tags)
}

func TestFinalizeMergeConflictYieldsErrorResult(t *testing.T) {
	fs := afero.NewMemMapFs()
	git := &fakeGit{branch: "incoming", conflictOn: gitannex.BranchIncomingProcessed}
	dl := &fakeFetcher{content: "payload", status: domain.FileStatus{Size: domain.Int64Ptr(7)}}
	a := newTestAnnexificator(t, fs, git, dl, Options{Mode: ModeGit})

	stats := &domain.ActivityStats{}
	_, err := a.Process(context.Background(), domain.Item{URL: "http://example.com/data.csv", Stats: stats})
	require.NoError(t, err)

	out, err := a.Finalize(context.Background(), domain.Item{Stats: stats})
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.True(t, domain.IsErrorResult(out[0]))
	assert.Contains(t, out[0].GetString(domain.ExtraKeyStatus), "merge master")

	// The conflicted merge is aborted so the worktree stays usable.
	assert.Contains(t, git.calls, "merge --abort")
}

func TestFinalizeTagCollisionDisambiguates(t *testing.T) {
	fs := afero.NewMemMapFs()
	git := &fakeGit{branch: "incoming", tags: []string{"v1.0"}}
	dl := &fakeFetcher{content: "payload", status: domain.FileStatus{Size: domain.Int64Ptr(7)}}
	a := newTestAnnexificator(t, fs, git, dl, Options{Mode: ModeGit, Tag: true})

	stats := &domain.ActivityStats{}
	_, err := a.Process(context.Background(), domain.Item{URL: "http://example.com/ds_R1.0.csv", Stats: stats})
	require.NoError(t, err)

	_, err = a.Finalize(context.Background(), domain.Item{Stats: stats})
	require.NoError(t, err)

	assert.Equal(t, []string{"v1.0", "v1.0+1"}, git.tags)
}

func TestFinalizeSkipsTagsNotNewerThanLastVersion(t *testing.T) {
	fs := afero.NewMemMapFs()
	dl := &fakeFetcher{content: "payload", status: domain.FileStatus{Size: domain.Int64Ptr(7)}}

	// First run records version 2.0.
	first := &fakeGit{branch: "master"}
	a := newTestAnnexificator(t, fs, first, dl, Options{Mode: ModeGit, Tag: true})

	stats := &domain.ActivityStats{}
	_, err := a.Process(context.Background(), domain.Item{URL: "http://example.com/ds_R2.0.csv", Stats: stats})
	require.NoError(t, err)
	_, err = a.Finalize(context.Background(), domain.Item{Stats: stats})
	require.NoError(t, err)
	require.Equal(t, []string{"v2.0"}, first.tags)

	// A later run staging an older version must not tag it.
	second := &fakeGit{branch: "master", tags: first.tags}
	b := newTestAnnexificator(t, fs, second, dl, Options{Mode: ModeGit, Tag: true})

	stats2 := &domain.ActivityStats{}
	_, err = b.Process(context.Background(), domain.Item{URL: "http://example.com/ds_R1.0.csv", Stats: stats2})
	require.NoError(t, err)
	_, err = b.Finalize(context.Background(), domain.Item{Stats: stats2})
	require.NoError(t, err)

	assert.Equal(t, []string{"v2.0"}, second.tags)
}

func TestFinalizeRemovesObsoletePaths(t *testing.T) {
	fs := afero.NewMemMapFs()
	stored := domain.FileStatus{Size: domain.Int64Ptr(3)}

	seed, err := statusdb.NewPersisted(statusdb.PersistedDependencies{Fs: fs, Root: testRepoPath, Name: "incoming"})
	require.NoError(t, err)
	require.NoError(t, seed.Set(context.Background(), "/ds/old.csv", stored))
	require.NoError(t, seed.Set(context.Background(), "/ds/.datalad/crawl/archives/x.tar", stored))
	require.NoError(t, seed.Save(context.Background()))

	git := &fakeGit{branch: "incoming"}
	dl := &fakeFetcher{content: "payload", status: domain.FileStatus{Size: domain.Int64Ptr(7)}}
	a := newTestAnnexificator(t, fs, git, dl, Options{Mode: ModeGit})

	stats := &domain.ActivityStats{}
	_, err = a.Process(context.Background(), domain.Item{URL: "http://example.com/data.csv", Stats: stats})
	require.NoError(t, err)

	out, err := a.Finalize(context.Background(), domain.Item{Stats: stats})
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, 1, out[0].Stats.Removed)
	assert.Contains(t, git.calls, "rm -r --ignore-unmatch -- old.csv")

	// Crawler-internal state under .datalad is never removed as content.
	for _, call := range git.calls {
		assert.NotContains(t, call, ".datalad/crawl/archives")
	}
}
