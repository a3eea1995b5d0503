package domain

import "context"

// Node is the single capability a pipeline element needs: given one item,
// produce zero or more items for the next element. Output sequences are
// finite; a node may be re-invoked from scratch with the same input but is
// never resumed mid-sequence.
//
// Returning ErrFinishPipeline (possibly wrapped) stops the current pipeline
// level cleanly; any other error aborts the run.
type Node interface {
	Process(ctx context.Context, item Item) ([]Item, error)
}

// Finalizer is implemented by sink-like nodes that buffer work during the
// main pass. Finalize is invoked exactly once after the pass completes,
// even when the pass was cut short by ErrFinishPipeline.
type Finalizer interface {
	Finalize(ctx context.Context, item Item) ([]Item, error)
}

// NodeFunc adapts a plain function to the Node contract.
type NodeFunc func(ctx context.Context, item Item) ([]Item, error)

// Process implements Node.
func (f NodeFunc) Process(ctx context.Context, item Item) ([]Item, error) {
	return f(ctx, item)
}
