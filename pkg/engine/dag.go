package engine

import (
	"k8s.io/examples/AI/tensorgraph/pkg/graph"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Schedule returns the operators needed to compute wantTensors, in the graph's
// current order. With no tensors requested every operator is scheduled.
func Schedule(g *graph.Graph, wantTensors []graph.TensorID) ([]*graph.Operator, error) {
	ops := g.Operators()
	if len(wantTensors) == 0 {
		return ops, nil
	}

	needed := make(map[graph.OperatorID]bool)
	pending := make([]graph.TensorID, 0, len(wantTensors))
	for _, id := range wantTensors {
		if _, found := g.Tensor(id); !found {
			return nil, status.Errorf(codes.InvalidArgument, "tensor %d not found", id)
		}
		pending = append(pending, id)
	}

	for len(pending) > 0 {
		id := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		tensor, _ := g.Tensor(id)
		src, ok := tensor.Source()
		if !ok || needed[src] {
			continue
		}
		needed[src] = true
		op, _ := g.Operator(src)
		pending = append(pending, op.Inputs()...)
	}

	scheduled := make([]*graph.Operator, 0, len(needed))
	for _, op := range ops {
		if needed[op.ID()] {
			scheduled = append(scheduled, op)
		}
	}
	return scheduled, nil
}
