package statusdb

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamirror/datamirror/pkg/domain"
)

func newPersisted(t *testing.T, fs afero.Fs) *Persisted {
	t.Helper()

	db, err := NewPersisted(PersistedDependencies{Fs: fs, Root: "/ds", Name: "incoming"})
	require.NoError(t, err)

	return db
}

func TestPersisted_SetGet(t *testing.T) {
	db := newPersisted(t, afero.NewMemMapFs())
	ctx := context.Background()

	status := domain.FileStatus{Size: domain.Int64Ptr(42)}
	require.NoError(t, db.Set(ctx, "data/file.csv", status))

	got, err := db.Get(ctx, "data/file.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(42), *got.Size)
}

func TestPersisted_PathCanonicalization(t *testing.T) {
	db := newPersisted(t, afero.NewMemMapFs())
	ctx := context.Background()

	require.NoError(t, db.Set(ctx, "data/file.csv", domain.FileStatus{Size: domain.Int64Ptr(1)}))

	// Relative, dot-relative and absolute spellings address the same entry.
	for _, spelling := range []string{"data/file.csv", "./data/file.csv", "/ds/data/file.csv", "data/../data/file.csv"} {
		got, err := db.Get(ctx, spelling)
		require.NoError(t, err)
		require.NotNil(t, got.Size, "spelling %q missed the entry", spelling)
		assert.Equal(t, int64(1), *got.Size)
	}

	assert.Len(t, db.Paths(), 1)
}

func TestPersisted_IsDifferent(t *testing.T) {
	db := newPersisted(t, afero.NewMemMapFs())
	ctx := context.Background()

	status := domain.FileStatus{Size: domain.Int64Ptr(10), Mtime: domain.Float64Ptr(100)}

	// Unknown path: different, unless the candidate is empty too.
	diff, err := db.IsDifferent(ctx, "new.csv", status)
	require.NoError(t, err)
	assert.True(t, diff)

	diff, err = db.IsDifferent(ctx, "new.csv", domain.FileStatus{})
	require.NoError(t, err)
	assert.False(t, diff)

	require.NoError(t, db.Set(ctx, "new.csv", status))

	diff, err = db.IsDifferent(ctx, "new.csv", status)
	require.NoError(t, err)
	assert.False(t, diff)

	changed := domain.FileStatus{Size: domain.Int64Ptr(11)}
	diff, err = db.IsDifferent(ctx, "new.csv", changed)
	require.NoError(t, err)
	assert.True(t, diff)
}

func TestPersisted_Obsolete(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	db := newPersisted(t, fs)
	require.NoError(t, db.Set(ctx, "a.csv", domain.FileStatus{Size: domain.Int64Ptr(1)}))
	require.NoError(t, db.Set(ctx, "b.csv", domain.FileStatus{Size: domain.Int64Ptr(2)}))
	require.NoError(t, db.Save(ctx))

	// New session: only a.csv is queried, so b.csv falls obsolete.
	db = newPersisted(t, fs)
	_, err := db.Get(ctx, "a.csv")
	require.NoError(t, err)

	obsolete, err := db.Obsolete(ctx)
	require.NoError(t, err)
	require.Len(t, obsolete, 1)
	assert.Contains(t, obsolete[0], "b.csv")

	require.NoError(t, db.Remove(ctx, obsolete[0]))
	assert.Len(t, db.Paths(), 1)
}

func TestPersisted_SaveAndReload(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	db := newPersisted(t, fs)
	require.NoError(t, db.Set(ctx, "a.csv", domain.FileStatus{
		Size:    domain.Int64Ptr(7),
		Digests: map[string]string{"sha256": "abc"},
	}))
	require.NoError(t, db.Save(ctx))

	reloaded := newPersisted(t, fs)

	got, err := reloaded.Get(ctx, "a.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(7), *got.Size)
	assert.Equal(t, "abc", got.Digests["sha256"])
}

func TestIsDifferentHelper(t *testing.T) {
	full := domain.FileStatus{Size: domain.Int64Ptr(1)}

	assert.False(t, isDifferent(domain.FileStatus{}, domain.FileStatus{}))
	assert.True(t, isDifferent(domain.FileStatus{}, full))
	assert.True(t, isDifferent(full, domain.FileStatus{}))
	assert.False(t, isDifferent(full, full))
}
