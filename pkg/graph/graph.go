// Package graph is the mutable dataflow IR: tensors and operators owned by a Graph,
// cross-referenced by id, together with the passes that make a graph executable
// (topological sort, shape inference, peephole optimization, memory binding).
//
// Structural invariants are asserted with exceptions.Panicf: a violation is a bug in
// the caller or in this package, not a condition to recover from. Cycles, shape
// errors and runtime mismatches are ordinary errors.
package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"k8s.io/examples/AI/tensorgraph/pkg/allocator"
	"k8s.io/examples/AI/tensorgraph/pkg/dtypes"
	"k8s.io/examples/AI/tensorgraph/pkg/runtime"
	"k8s.io/examples/AI/tensorgraph/pkg/shapes"
	"k8s.io/klog/v2"
)

var (
	ErrCycle           = errors.New("graph contains a cycle")
	ErrRuntimeMismatch = errors.New("tensor runtime mismatch")
)

type Graph struct {
	log     klog.Logger
	runtime runtime.Runtime

	tensors     map[TensorID]*Tensor
	tensorOrder []TensorID

	operators map[OperatorID]*Operator
	ops       []OperatorID

	sorted bool

	allocator *allocator.Allocator
}

type Option func(*options)

type options struct {
	allocatorOptions []allocator.Option
}

// WithAlignment sets the alignment of the graph's tensor arena.
func WithAlignment(n int) Option {
	return func(o *options) {
		o.allocatorOptions = append(o.allocatorOptions, allocator.WithAlignment(n))
	}
}

// WithMaxArenaBytes makes DataMalloc fail with allocator.ErrLimitExceeded instead of
// materializing an arena larger than n bytes. 0 means no limit.
func WithMaxArenaBytes(n int) Option {
	return func(o *options) {
		o.allocatorOptions = append(o.allocatorOptions, allocator.WithLimit(n))
	}
}

// New creates an empty graph whose tensors live in rt. The logger is taken from ctx.
func New(ctx context.Context, rt runtime.Runtime, opts ...Option) *Graph {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Graph{
		log:       klog.FromContext(ctx),
		runtime:   rt,
		tensors:   make(map[TensorID]*Tensor),
		operators: make(map[OperatorID]*Operator),
		allocator: allocator.New(rt, o.allocatorOptions...),
	}
}

func (g *Graph) Runtime() runtime.Runtime {
	return g.runtime
}

// AddTensor registers a fresh tensor in the graph's runtime.
func (g *Graph) AddTensor(shape shapes.Shape, dtype dtypes.DataType) *Tensor {
	if err := shape.Validate(); err != nil {
		exceptions.Panicf("AddTensor: %v", err)
	}
	t := NewTensor(shape, dtype, g.runtime)
	g.register(t)
	return t
}

// AdoptTensor takes ownership of a tensor built with NewTensor. The tensor must live
// in the graph's runtime and must not belong to any graph yet.
func (g *Graph) AdoptTensor(t *Tensor) (*Tensor, error) {
	if err := g.checkAdoptable(t); err != nil {
		return nil, err
	}
	g.register(t)
	return t, nil
}

// AdoptTensors adopts all of tensors or, if any of them is rejected, none.
func (g *Graph) AdoptTensors(tensors ...*Tensor) ([]*Tensor, error) {
	seen := make(map[TensorID]bool, len(tensors))
	for _, t := range tensors {
		if seen[t.id] {
			return nil, fmt.Errorf("tensor %d is listed twice", t.id)
		}
		seen[t.id] = true
		if err := g.checkAdoptable(t); err != nil {
			return nil, err
		}
	}
	for _, t := range tensors {
		g.register(t)
	}
	return tensors, nil
}

func (g *Graph) checkAdoptable(t *Tensor) error {
	if t.runtime != g.runtime {
		return fmt.Errorf("%w: cannot add a tensor in %v to %v", ErrRuntimeMismatch, t.runtime, g.runtime)
	}
	switch t.owner {
	case nil:
	case g:
		return fmt.Errorf("tensor %d already belongs to the graph", t.id)
	default:
		return fmt.Errorf("tensor %d already belongs to another graph", t.id)
	}
	if t.source != 0 || len(t.targets) != 0 {
		return fmt.Errorf("tensor %d is already connected to operators", t.id)
	}
	if err := t.shape.Validate(); err != nil {
		return fmt.Errorf("tensor %d: %w", t.id, err)
	}
	return nil
}

func (g *Graph) register(t *Tensor) {
	t.owner = g
	g.tensors[t.id] = t
	g.tensorOrder = append(g.tensorOrder, t.id)
}

// AddOperatorAndConnect registers op and derives every edge from the tensors it
// touches: input targets, output sources, and predecessor/successor links on both
// ends. It is the only way edges are created.
func (g *Graph) AddOperatorAndConnect(op *Operator) {
	if _, exists := g.operators[op.id]; exists {
		exceptions.Panicf("operator %d already in graph", op.id)
	}
	for _, id := range slices.Concat(op.inputs, op.outputs) {
		g.mustTensor(id)
	}
	for _, id := range op.outputs {
		if src := g.tensors[id].source; src != 0 {
			exceptions.Panicf("tensor %d is already produced by operator %d", id, src)
		}
	}

	g.sorted = false
	g.operators[op.id] = op
	g.ops = append(g.ops, op.id)

	for _, id := range op.inputs {
		t := g.tensors[id]
		t.targets = addUnique(t.targets, op.id)
		if t.source != 0 {
			g.link(t.source, op.id)
		}
	}
	for _, id := range op.outputs {
		t := g.tensors[id]
		t.source = op.id
		for _, succ := range t.targets {
			g.link(op.id, succ)
		}
	}
}

// AddTranspose adds a Transpose of in. A nil out is created from the inferred shape.
func (g *Graph) AddTranspose(in, out *Tensor, perm []int) (*Operator, error) {
	return g.addOperator(&Transpose{Perm: slices.Clone(perm)}, []*Tensor{in}, []*Tensor{out})
}

// AddMatMul adds c = op(a) x op(b). A nil c is created from the inferred shape.
func (g *Graph) AddMatMul(a, b, c *Tensor, transA, transB bool) (*Operator, error) {
	if a.dtype != b.dtype {
		return nil, fmt.Errorf("matmul inputs have different data types %v and %v", a.dtype, b.dtype)
	}
	return g.addOperator(&MatMul{TransA: transA, TransB: transB}, []*Tensor{a, b}, []*Tensor{c})
}

func (g *Graph) addOperator(attrs Attributes, inputs []*Tensor, outputs []*Tensor) (*Operator, error) {
	inShapes := make([]shapes.Shape, len(inputs))
	for i, t := range inputs {
		inShapes[i] = t.shape
	}
	outShapes, err := attrs.inferShape(inShapes)
	if err != nil {
		return nil, fmt.Errorf("adding %v: %w", attrs.OpType(), err)
	}
	for _, shape := range outShapes {
		if err := shape.Validate(); err != nil {
			return nil, fmt.Errorf("adding %v: %w", attrs.OpType(), err)
		}
	}
	for i, out := range outputs {
		if out == nil {
			outputs[i] = g.AddTensor(outShapes[i], inputs[0].dtype)
			continue
		}
		if !out.shape.Equal(outShapes[i]) {
			return nil, fmt.Errorf("adding %v: output %d has shape %v, expected %v", attrs.OpType(), out.id, out.shape, outShapes[i])
		}
	}
	op := NewOperator(attrs, inputs, outputs)
	g.AddOperatorAndConnect(op)
	return op, nil
}

// RemoveOperator drops a disconnected operator from the graph. Removing an operator
// that any tensor or operator still points at is an invariant violation.
func (g *Graph) RemoveOperator(op *Operator) {
	if _, ok := g.operators[op.id]; !ok {
		exceptions.Panicf("RemoveOperator: operator %d not in graph", op.id)
	}
	if len(op.predecessors) != 0 || len(op.successors) != 0 {
		exceptions.Panicf("RemoveOperator: operator %d still linked (pred %v, succ %v)", op.id, op.predecessors, op.successors)
	}
	for _, id := range slices.Concat(op.inputs, op.outputs) {
		t, ok := g.tensors[id]
		if !ok {
			continue
		}
		if t.source == op.id || slices.Contains(t.targets, op.id) {
			exceptions.Panicf("RemoveOperator: tensor %d still references operator %d", id, op.id)
		}
	}
	delete(g.operators, op.id)
	g.ops = removeValue(g.ops, op.id)
	g.sorted = false
}

// RemoveTensor drops a tensor that no operator produces, consumes or lists.
func (g *Graph) RemoveTensor(t *Tensor) {
	if _, ok := g.tensors[t.id]; !ok {
		exceptions.Panicf("RemoveTensor: tensor %d not in graph", t.id)
	}
	if t.source != 0 || len(t.targets) != 0 {
		exceptions.Panicf("RemoveTensor: tensor %d still connected (source %d, targets %v)", t.id, t.source, t.targets)
	}
	for _, id := range g.ops {
		op := g.operators[id]
		if slices.Contains(op.inputs, t.id) || slices.Contains(op.outputs, t.id) {
			exceptions.Panicf("RemoveTensor: tensor %d still listed by operator %d", t.id, id)
		}
	}
	delete(g.tensors, t.id)
	g.tensorOrder = removeValue(g.tensorOrder, t.id)
	t.owner = nil
	g.sorted = false
}

func (g *Graph) Tensor(id TensorID) (*Tensor, bool) {
	t, ok := g.tensors[id]
	return t, ok
}

func (g *Graph) Operator(id OperatorID) (*Operator, bool) {
	op, ok := g.operators[id]
	return op, ok
}

// TensorByFUID finds the tensor with the given functional id, or nil.
func (g *Graph) TensorByFUID(fuid FUID) *Tensor {
	for _, id := range g.tensorOrder {
		if t := g.tensors[id]; t.fuid == fuid {
			return t
		}
	}
	return nil
}

// Tensors returns the graph's tensors in insertion order.
func (g *Graph) Tensors() []*Tensor {
	out := make([]*Tensor, len(g.tensorOrder))
	for i, id := range g.tensorOrder {
		out[i] = g.tensors[id]
	}
	return out
}

// Operators returns the operators in the current order, which is execution order
// when Sorted is true.
func (g *Graph) Operators() []*Operator {
	out := make([]*Operator, len(g.ops))
	for i, id := range g.ops {
		out[i] = g.operators[id]
	}
	return out
}

func (g *Graph) InputTensors(op *Operator) []*Tensor {
	out := make([]*Tensor, len(op.inputs))
	for i, id := range op.inputs {
		out[i] = g.mustTensor(id)
	}
	return out
}

func (g *Graph) OutputTensors(op *Operator) []*Tensor {
	out := make([]*Tensor, len(op.outputs))
	for i, id := range op.outputs {
		out[i] = g.mustTensor(id)
	}
	return out
}

// Inputs are tensors no operator produces.
func (g *Graph) Inputs() []*Tensor {
	var out []*Tensor
	for _, t := range g.Tensors() {
		if t.source == 0 {
			out = append(out, t)
		}
	}
	return out
}

// Outputs are tensors no operator consumes.
func (g *Graph) Outputs() []*Tensor {
	var out []*Tensor
	for _, t := range g.Tensors() {
		if len(t.targets) == 0 {
			out = append(out, t)
		}
	}
	return out
}

func (g *Graph) mustTensor(id TensorID) *Tensor {
	t, ok := g.tensors[id]
	if !ok {
		exceptions.Panicf("tensor %d is not in the graph", id)
	}
	return t
}

func (g *Graph) mustOperator(id OperatorID) *Operator {
	op, ok := g.operators[id]
	if !ok {
		exceptions.Panicf("operator %d is not in the graph", id)
	}
	return op
}

// CheckValid asserts the structural invariants:
//   - every tensor has a source or a target, and both point at operators in the graph
//     that list the tensor back;
//   - every operator's tensors are in the graph and its predecessors/successors are in
//     the graph and are exactly the producers of its inputs / consumers of its outputs;
//   - no two tensors share a FUID.
func (g *Graph) CheckValid() bool {
	for _, id := range g.tensorOrder {
		t := g.tensors[id]
		if t.owner != g {
			exceptions.Panicf("tensor %d is registered in the graph but owned by another", id)
		}
		if t.source == 0 && len(t.targets) == 0 {
			exceptions.Panicf("tensor %d has neither source nor targets", id)
		}
		if t.source != 0 {
			src, ok := g.operators[t.source]
			if !ok {
				exceptions.Panicf("tensor %d has source %d which is not in the graph", id, t.source)
			}
			if !slices.Contains(src.outputs, id) {
				exceptions.Panicf("tensor %d has source %d which does not list it as output", id, t.source)
			}
		}
		for _, target := range t.targets {
			op, ok := g.operators[target]
			if !ok {
				exceptions.Panicf("tensor %d has target %d which is not in the graph", id, target)
			}
			if !slices.Contains(op.inputs, id) {
				exceptions.Panicf("tensor %d has target %d which does not list it as input", id, target)
			}
		}
	}

	for _, id := range g.ops {
		op := g.operators[id]
		wantPreds := make(map[OperatorID]bool)
		wantSuccs := make(map[OperatorID]bool)
		for _, in := range op.inputs {
			t, ok := g.tensors[in]
			if !ok {
				exceptions.Panicf("operator %d input %d is not in the graph", id, in)
			}
			if t.source != 0 {
				wantPreds[t.source] = true
			}
		}
		for _, out := range op.outputs {
			t, ok := g.tensors[out]
			if !ok {
				exceptions.Panicf("operator %d output %d is not in the graph", id, out)
			}
			for _, target := range t.targets {
				wantSuccs[target] = true
			}
		}
		for _, pred := range op.predecessors {
			if _, ok := g.operators[pred]; !ok {
				exceptions.Panicf("operator %d has predecessor %d which is not in the graph", id, pred)
			}
		}
		for _, succ := range op.successors {
			if _, ok := g.operators[succ]; !ok {
				exceptions.Panicf("operator %d has successor %d which is not in the graph", id, succ)
			}
		}
		if !sameSet(op.predecessors, wantPreds) {
			exceptions.Panicf("operator %d predecessors %v do not match its input producers", id, op.predecessors)
		}
		if !sameSet(op.successors, wantSuccs) {
			exceptions.Panicf("operator %d successors %v do not match its output consumers", id, op.successors)
		}
	}

	seen := make(map[FUID]TensorID, len(g.tensorOrder))
	for _, id := range g.tensorOrder {
		fuid := g.tensors[id].fuid
		if other, dup := seen[fuid]; dup {
			exceptions.Panicf("tensors %d and %d share fuid %d", other, id, fuid)
		}
		seen[fuid] = id
	}
	return true
}

func sameSet(ids []OperatorID, want map[OperatorID]bool) bool {
	if len(ids) != len(want) {
		return false
	}
	for _, id := range ids {
		if !want[id] {
			return false
		}
	}
	return true
}

func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintln(&sb, "Graph Tensors:")
	for _, t := range g.Tensors() {
		fmt.Fprintln(&sb, t)
	}
	fmt.Fprintln(&sb, "Graph operators:")
	for _, op := range g.Operators() {
		fmt.Fprintf(&sb, "OP %d, pred %v, succ %v, %v\n", op.id, op.predecessors, op.successors, op)
	}
	return sb.String()
}
