package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"k8s.io/examples/AI/tensorgraph/pkg/shapes"
)

type OpType int

const (
	OpTypeInvalid OpType = iota
	OpTypeTranspose
	OpTypeMatMul
)

func (t OpType) String() string {
	switch t {
	case OpTypeTranspose:
		return "Transpose"
	case OpTypeMatMul:
		return "MatMul"
	default:
		return fmt.Sprintf("OpType(%d)", int(t))
	}
}

// Attributes is the kind-specific half of an operator. The set of kinds is closed:
// only types in this package implement it (*Transpose, *MatMul).
type Attributes interface {
	fmt.Stringer

	OpType() OpType

	// inferShape returns one shape per output for the given input shapes.
	inferShape(inputs []shapes.Shape) ([]shapes.Shape, error)

	numInputs() int
	numOutputs() int
}

type Operator struct {
	id    OperatorID
	attrs Attributes

	inputs  []TensorID
	outputs []TensorID

	predecessors []OperatorID
	successors   []OperatorID
}

// NewOperator creates an unconnected operator. Edges only come into existence via
// Graph.AddOperatorAndConnect.
func NewOperator(attrs Attributes, inputs []*Tensor, outputs []*Tensor) *Operator {
	if len(inputs) != attrs.numInputs() {
		exceptions.Panicf("%v takes %d inputs, got %d", attrs.OpType(), attrs.numInputs(), len(inputs))
	}
	if len(outputs) != attrs.numOutputs() {
		exceptions.Panicf("%v produces %d outputs, got %d", attrs.OpType(), attrs.numOutputs(), len(outputs))
	}
	op := &Operator{
		id:    OperatorID(nextGUID()),
		attrs: attrs,
	}
	for _, t := range inputs {
		op.inputs = append(op.inputs, t.id)
	}
	for _, t := range outputs {
		op.outputs = append(op.outputs, t.id)
	}
	return op
}

func (o *Operator) ID() OperatorID {
	return o.id
}

func (o *Operator) Type() OpType {
	return o.attrs.OpType()
}

func (o *Operator) Attributes() Attributes {
	return o.attrs
}

func (o *Operator) Inputs() []TensorID {
	return slices.Clone(o.inputs)
}

func (o *Operator) Outputs() []TensorID {
	return slices.Clone(o.outputs)
}

// Output is the single output of one-output operators.
func (o *Operator) Output() TensorID {
	if len(o.outputs) != 1 {
		exceptions.Panicf("operator %d has %d outputs", o.id, len(o.outputs))
	}
	return o.outputs[0]
}

func (o *Operator) Predecessors() []OperatorID {
	return slices.Clone(o.predecessors)
}

func (o *Operator) Successors() []OperatorID {
	return slices.Clone(o.successors)
}

func (o *Operator) String() string {
	return fmt.Sprintf("%v, inputs %v, outputs %v", o.attrs, o.inputs, o.outputs)
}
