package engine

import (
	"k8s.io/examples/AI/tensorgraph/pkg/allocator"
	"k8s.io/examples/AI/tensorgraph/pkg/dtypes"
	"k8s.io/examples/AI/tensorgraph/pkg/graph"
	"k8s.io/examples/AI/tensorgraph/pkg/shapes"
)

// Plan is the serializable outcome of Prepare.
type Plan struct {
	Optimization graph.OptimizeResult `json:"optimization"`
	Operators    []PlannedOperator    `json:"operators"`
	Tensors      []PlannedTensor      `json:"tensors"`
	Arena        allocator.Stats      `json:"arena"`
}

type PlannedOperator struct {
	ID         graph.OperatorID `json:"id"`
	Kind       string           `json:"kind"`
	Attributes string           `json:"attributes"`
	Inputs     []graph.TensorID `json:"inputs"`
	Outputs    []graph.TensorID `json:"outputs"`
}

type PlannedTensor struct {
	ID     graph.TensorID  `json:"id"`
	FUID   graph.FUID      `json:"fuid"`
	Name   string          `json:"name,omitempty"`
	Shape  shapes.Shape    `json:"shape"`
	DType  dtypes.DataType `json:"dtype"`
	Offset int             `json:"offset"`
	Bytes  int             `json:"bytes"`
}

// NewPlan describes g in its current order. Offsets are -1 for tensors without memory.
func NewPlan(g *graph.Graph, result graph.OptimizeResult) *Plan {
	plan := &Plan{
		Optimization: result,
		Arena:        g.AllocatorInfo(),
	}
	for _, op := range g.Operators() {
		plan.Operators = append(plan.Operators, PlannedOperator{
			ID:         op.ID(),
			Kind:       op.Type().String(),
			Attributes: op.Attributes().String(),
			Inputs:     op.Inputs(),
			Outputs:    op.Outputs(),
		})
	}
	for _, t := range g.Tensors() {
		planned := PlannedTensor{
			ID:     t.ID(),
			FUID:   t.FUID(),
			Shape:  t.Shape(),
			DType:  t.DType(),
			Offset: -1,
			Bytes:  t.Bytes(),
		}
		if blob := t.Blob(); blob != nil {
			planned.Offset = blob.Offset()
		}
		plan.Tensors = append(plan.Tensors, planned)
	}
	return plan
}

// LabelTensors attaches caller-facing names to planned tensors.
func (p *Plan) LabelTensors(names map[graph.TensorID]string) {
	for i := range p.Tensors {
		if name, ok := names[p.Tensors[i].ID]; ok {
			p.Tensors[i].Name = name
		}
	}
}
