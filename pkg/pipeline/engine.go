// Package pipeline composes and drives trees of nodes. A pipeline is an
// ordered sequence whose elements are either nodes or nested sub-pipelines;
// the engine threads each node's outputs into the next element, recursing
// into sub-pipelines depth-first and merging their outputs back in document
// order.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/datamirror/datamirror/pkg/domain"
)

// Element is the tagged union Node | Pipeline. Exactly one field is set.
type Element struct {
	node domain.Node
	sub  Pipeline
}

// Leaf wraps a node as a pipeline element.
func Leaf(n domain.Node) Element {
	return Element{node: n}
}

// Branch wraps a self-contained sub-pipeline as an element: items fan
// through it and its outputs continue down the outer sequence.
func Branch(p Pipeline) Element {
	return Element{sub: p}
}

// Pipeline is an ordered sequence of elements.
type Pipeline []Element

// RunResult is what one top-level pipeline run produced.
type RunResult struct {
	RunID  string
	Output []domain.Item
	Stats  domain.ActivityStats
}

// Errors returns the per-item error results the run recorded.
func (r RunResult) Errors() []domain.Item {
	var out []domain.Item
	for _, item := range r.Output {
		if domain.IsErrorResult(item) {
			out = append(out, item)
		}
	}

	return out
}

// Engine drives pipelines.
type Engine struct{}

// NewEngine returns a pipeline engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Run feeds the seed item into the pipeline, then invokes finalizers once
// in structural order, threading their closing outputs through the rest of
// the pipeline. The early-termination signal is swallowed here; any other
// node error aborts the run.
func (e *Engine) Run(ctx context.Context, p Pipeline, seed domain.Item) (RunResult, error) {
	runID := uuid.NewString()

	if seed.Stats == nil {
		seed.Stats = &domain.ActivityStats{}
	}

	log.Info().Str("run_id", runID).Int("elements", len(p)).Msg("starting pipeline run")

	output, stopped, err := e.runFrom(ctx, p, seed)
	if err != nil {
		return RunResult{}, fmt.Errorf("pipeline run %s: %w", runID, err)
	}

	if stopped {
		log.Info().Str("run_id", runID).Msg("pipeline terminated early")
	}

	closing, err := e.finalizeFrom(ctx, p, seed)
	if err != nil {
		return RunResult{}, fmt.Errorf("pipeline run %s: finalize: %w", runID, err)
	}

	output = append(output, closing...)

	// A committing finalizer rolls the shared accumulator into a private
	// copy on its closing item and resets the accumulator, so the run total
	// is whatever is left in the accumulator plus those copies.
	stats := *seed.Stats
	for _, item := range closing {
		if item.Stats != nil && item.Stats != seed.Stats {
			stats.Add(*item.Stats)
		}
	}

	result := RunResult{
		RunID:  runID,
		Output: output,
		Stats:  stats,
	}

	log.Info().Str("run_id", runID).Int("items", len(output)).
		Str("stats", result.Stats.AsReport()).Msg("pipeline run finished")

	return result, nil
}

// runFrom threads one item through elems. The returned flag reports that a
// node asked to finish the pipeline: the caller stops iterating its own
// level and propagates the stop upward.
func (e *Engine) runFrom(ctx context.Context, elems Pipeline, item domain.Item) ([]domain.Item, bool, error) {
	if len(elems) == 0 {
		return []domain.Item{item}, false, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	head := elems[0]

	var produced []domain.Item
	var stopped bool
	var err error

	if head.node != nil {
		produced, err = head.node.Process(ctx, item.Clone())
		if errors.Is(err, domain.ErrFinishPipeline) {
			stopped = true
			err = nil
		}
	} else {
		produced, stopped, err = e.runFrom(ctx, head.sub, item)
	}

	if err != nil {
		return nil, false, err
	}

	var out []domain.Item
	for _, produced := range produced {
		downstream, downStopped, err := e.runFrom(ctx, elems[1:], produced)
		if err != nil {
			return nil, false, err
		}

		out = append(out, downstream...)

		if downStopped {
			stopped = true
			break
		}
	}

	return out, stopped, nil
}

// finalizeFrom invokes Finalize once per finalizer node in structural
// order, feeding each node's closing outputs through the elements after it.
func (e *Engine) finalizeFrom(ctx context.Context, elems Pipeline, item domain.Item) ([]domain.Item, error) {
	var out []domain.Item

	for i, elem := range elems {
		var closing []domain.Item

		switch {
		case elem.node != nil:
			finalizer, ok := elem.node.(domain.Finalizer)
			if !ok {
				continue
			}

			produced, err := finalizer.Finalize(ctx, item.Clone())
			if err != nil && !errors.Is(err, domain.ErrFinishPipeline) {
				return nil, err
			}

			closing = produced
		default:
			produced, err := e.finalizeFrom(ctx, elem.sub, item)
			if err != nil {
				return nil, err
			}

			closing = produced
		}

		for _, c := range closing {
			downstream, _, err := e.runFrom(ctx, elems[i+1:], c)
			if err != nil {
				return nil, err
			}

			out = append(out, downstream...)
		}
	}

	return out, nil
}
