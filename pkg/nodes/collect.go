package nodes

import (
	"context"
	"sync"

	"github.com/datamirror/datamirror/pkg/domain"
)

// Collect passes items through unchanged while remembering the filenames of
// those matching its condition. Finalize-time hooks read the collected set,
// e.g. archive extraction picking up every tarball a run staged.
type Collect struct {
	Cond Condition

	mu    sync.Mutex
	paths []string
}

// Process implements domain.Node.
func (c *Collect) Process(ctx context.Context, item domain.Item) ([]domain.Item, error) {
	if c.Cond == nil || c.Cond(item) {
		c.mu.Lock()
		c.paths = append(c.paths, item.Filename)
		c.mu.Unlock()
	}

	return []domain.Item{item.Clone()}, nil
}

// Paths returns the filenames collected so far.
func (c *Collect) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.paths))
	copy(out, c.paths)

	return out
}
