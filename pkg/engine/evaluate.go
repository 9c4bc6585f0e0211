package engine

import (
	"context"
	"fmt"

	"k8s.io/examples/AI/tensorgraph/pkg/graph"
	"k8s.io/klog/v2"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Options struct {
	// DisableOptimize skips the peephole rewrites.
	DisableOptimize bool
}

// Prepare makes g executable: it sorts the operators, infers every shape, optionally
// optimizes, and binds each tensor to the graph's arena.
func Prepare(ctx context.Context, g *graph.Graph, opts Options) (*Plan, error) {
	log := klog.FromContext(ctx)

	if !g.TopoSort() {
		return nil, fmt.Errorf("sorting graph: %w", graph.ErrCycle)
	}
	if err := g.ShapeInfer(); err != nil {
		return nil, fmt.Errorf("inferring shapes: %w", err)
	}
	log.V(2).Info("graph sorted", "operators", len(g.Operators()), "tensors", len(g.Tensors()))

	var result graph.OptimizeResult
	if !opts.DisableOptimize {
		r, err := g.Optimize()
		if err != nil {
			return nil, fmt.Errorf("optimizing graph: %w", err)
		}
		result = r
		log.Info("optimized graph", "eliminatedTransposes", result.EliminatedTransposes, "fusedTransposes", result.FusedTransposes)
	}

	if err := g.DataMalloc(); err != nil {
		return nil, fmt.Errorf("allocating graph: %w", err)
	}
	plan := NewPlan(g, result)
	log.Info("prepared graph", "operators", len(plan.Operators), "arena", plan.Arena.String())
	return plan, nil
}

// Evaluate runs the operators needed to produce wantTensors (all of them when none
// are named) on e. g must have been prepared.
func Evaluate(ctx context.Context, g *graph.Graph, e Engine, wantTensors ...graph.TensorID) error {
	log := klog.FromContext(ctx)

	if !g.Sorted() {
		return status.Errorf(codes.FailedPrecondition, "graph is not sorted")
	}
	for _, t := range g.Tensors() {
		if t.Blob() == nil {
			return status.Errorf(codes.FailedPrecondition, "tensor %d has no memory bound", t.ID())
		}
	}

	ops, err := Schedule(g, wantTensors)
	if err != nil {
		return err
	}

	log.V(2).Info("evaluating graph", "engine", e.Name(), "operators", len(ops))
	if err := e.Execute(ctx, g, ops); err != nil {
		return fmt.Errorf("executing graph on %s engine: %w", e.Name(), err)
	}
	return nil
}
