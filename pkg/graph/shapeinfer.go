package graph

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"k8s.io/examples/AI/tensorgraph/pkg/shapes"
)

// ShapeInfer runs every operator's shape rule in execution order and rewrites the
// shape of each output whose inferred shape changed. Outputs are looked up by FUID.
func (g *Graph) ShapeInfer() error {
	if !g.TopoSort() {
		return fmt.Errorf("shape inference: %w", ErrCycle)
	}

	for _, id := range g.ops {
		op := g.operators[id]

		inputs := make([]shapes.Shape, len(op.inputs))
		for i, in := range op.inputs {
			inputs[i] = g.mustTensor(in).shape
		}
		inferred, err := op.attrs.inferShape(inputs)
		if err != nil {
			return fmt.Errorf("inferring shape of operator %d (%v): %w", id, op.attrs.OpType(), err)
		}
		if len(inferred) != len(op.outputs) {
			exceptions.Panicf("operator %d inferred %d shapes for %d outputs", id, len(inferred), len(op.outputs))
		}

		for i, shape := range inferred {
			if err := shape.Validate(); err != nil {
				return fmt.Errorf("inferring shape of operator %d (%v): %w", id, op.attrs.OpType(), err)
			}
			old := g.mustTensor(op.outputs[i])
			if shape.Equal(old.shape) {
				continue
			}
			t := g.TensorByFUID(old.fuid)
			if t == nil {
				exceptions.Panicf("no tensor with fuid %d for output %d of operator %d", old.fuid, i, id)
			}
			g.log.V(4).Info("shape changed", "tensor", t.id, "from", t.shape, "to", shape)
			t.shape = shape.Clone()
		}
	}
	return nil
}
