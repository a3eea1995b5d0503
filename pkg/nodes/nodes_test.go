package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamirror/datamirror/pkg/domain"
)

func TestSub_RewritesFields(t *testing.T) {
	sub, err := NewSub(map[string]map[string]string{
		"url":      {`^http://`: "https://"},
		"filename": {`\.TXT$`: ".txt"},
	})
	require.NoError(t, err)

	out, err := sub.Process(context.Background(), domain.Item{
		URL:      "http://example.com/a",
		Filename: "README.TXT",
	})
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Equal(t, "https://example.com/a", out[0].URL)
	assert.Equal(t, "README.txt", out[0].Filename)
}

func TestSub_OverlappingRulesApplyInPatternOrder(t *testing.T) {
	// The second rule rewrites the first rule's output; flipping the order
	// would leave "middle" untouched. Pattern sort order decides, not map
	// iteration order.
	sub, err := NewSub(map[string]map[string]string{
		"filename": {
			`^draft`:  "middle",
			`^middle`: "final",
		},
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		out, err := sub.Process(context.Background(), domain.Item{Filename: "draft.txt"})
		require.NoError(t, err)
		assert.Equal(t, "final.txt", out[0].Filename)
	}
}

func TestSub_ExtraFieldAndBadPattern(t *testing.T) {
	sub, err := NewSub(map[string]map[string]string{
		"label": {`v(\d+)`: "version-$1"},
	})
	require.NoError(t, err)

	item := domain.Item{}
	item.Set("label", "v3")

	out, err := sub.Process(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, "version-3", out[0].GetString("label"))

	_, err = NewSub(map[string]map[string]string{"url": {`[`: ""}})
	assert.Error(t, err)
}

func TestSkipIf(t *testing.T) {
	cond, err := FilenameMatches(`\.log$`)
	require.NoError(t, err)

	node := SkipIf{Cond: cond}

	out, err := node.Process(context.Background(), domain.Item{Filename: "debug.log"})
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = node.Process(context.Background(), domain.Item{Filename: "data.csv"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestInterruptIf(t *testing.T) {
	cond, err := FilenameMatches(`^STOP$`)
	require.NoError(t, err)

	node := InterruptIf{Cond: cond}

	_, err = node.Process(context.Background(), domain.Item{Filename: "STOP"})
	assert.ErrorIs(t, err, domain.ErrFinishPipeline)

	out, err := node.Process(context.Background(), domain.Item{Filename: "go-on"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestAssign(t *testing.T) {
	node := Assign{Version: "1.2", Extra: map[string]any{"source": "mirror"}}

	out, err := node.Process(context.Background(), domain.Item{Filename: "a"})
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Equal(t, "1.2", out[0].Version)
	assert.Equal(t, "mirror", out[0].GetString("source"))
}

func TestURLList(t *testing.T) {
	node, err := NewURLList([]Source{
		{URL: "https://example.com/data/file.csv"},
		{URL: "https://example.com/x", Filename: "renamed.bin", Version: "2.0"},
	})
	require.NoError(t, err)

	stats := &domain.ActivityStats{}

	out, err := node.Process(context.Background(), domain.Item{Stats: stats})
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, "file.csv", out[0].Filename)
	assert.Equal(t, "renamed.bin", out[1].Filename)
	assert.Equal(t, "2.0", out[1].Version)
	assert.Same(t, stats, out[0].Stats)
}

func TestURLList_Validation(t *testing.T) {
	_, err := NewURLList(nil)
	assert.Error(t, err)

	_, err = NewURLList([]Source{{Filename: "no-url"}})
	assert.Error(t, err)
}

func TestCollect(t *testing.T) {
	cond, err := FilenameMatches(`\.tar\.gz$`)
	require.NoError(t, err)

	node := &Collect{Cond: cond}

	for _, name := range []string{"a.tar.gz", "b.csv", "c.tar.gz"} {
		out, err := node.Process(context.Background(), domain.Item{Filename: name})
		require.NoError(t, err)
		assert.Len(t, out, 1, "collect must pass items through")
	}

	assert.Equal(t, []string{"a.tar.gz", "c.tar.gz"}, node.Paths())
}
