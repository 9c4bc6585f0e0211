package engine

import (
	"context"

	"k8s.io/examples/AI/tensorgraph/pkg/graph"
)

// Engine runs operators of a prepared graph. Inputs and outputs are read from and
// written to the blobs bound by DataMalloc.
type Engine interface {
	Name() string

	// Execute runs ops, which are in execution order and all belong to g.
	Execute(ctx context.Context, g *graph.Graph, ops []*graph.Operator) error
}
