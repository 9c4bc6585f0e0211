package graph

import (
	"fmt"
	"slices"
)

// OptimizeResult counts the rewrites applied by Optimize.
type OptimizeResult struct {
	// EliminatedTransposes is the number of Transpose operators removed in
	// inverse pairs.
	EliminatedTransposes int `json:"eliminatedTransposes"`
	// FusedTransposes is the number of Transposes folded into MatMul flags.
	FusedTransposes int `json:"fusedTransposes"`
}

// Optimize applies two peephole rewrites, one pass each:
//
//  1. A Transpose whose only consumer is another Transpose with the inverse
//     permutation is removed together with it; consumers of the second output read
//     the first input directly. The pair is kept if the second output has no
//     consumers, since it is then a graph output.
//  2. A Transpose that swaps only the last two axes and feeds exactly one MatMul
//     input is folded into that MatMul's transA/transB flag.
//
// The graph is sorted first (ErrCycle if that fails). Edges are rewired during the
// scan; operators and tensors are removed after both passes. The result is sorted
// and shape-inferred again, so it is ready for DataMalloc.
func (g *Graph) Optimize() (OptimizeResult, error) {
	var result OptimizeResult
	if !g.TopoSort() {
		return result, fmt.Errorf("optimize: %w", ErrCycle)
	}

	snapshot := g.Operators()
	removedOps := make(map[OperatorID]bool)
	var deadOps []*Operator
	var deadTensors []*Tensor

	remove := func(op *Operator, out *Tensor) {
		g.Disconnect(op)
		removedOps[op.id] = true
		deadOps = append(deadOps, op)
		deadTensors = append(deadTensors, out)
	}

	for _, op := range snapshot {
		if removedOps[op.id] {
			continue
		}
		first, ok := op.attrs.(*Transpose)
		if !ok {
			continue
		}
		in := g.mustTensor(op.inputs[0])
		mid := g.mustTensor(op.outputs[0])
		if len(mid.targets) != 1 {
			continue
		}
		next := g.mustOperator(mid.targets[0])
		if removedOps[next.id] {
			continue
		}
		second, ok := next.attrs.(*Transpose)
		if !ok {
			continue
		}
		out := g.mustTensor(next.outputs[0])
		if len(out.targets) == 0 {
			continue
		}
		if !IsInverse(first.Perm, second.Perm) || !out.shape.Equal(in.shape) {
			continue
		}

		for _, consumer := range slices.Clone(out.targets) {
			g.replaceInput(g.mustOperator(consumer), out, in)
		}
		remove(next, out)
		remove(op, mid)
		result.EliminatedTransposes += 2
		g.log.V(2).Info("eliminated inverse transposes", "first", op.id, "second", next.id, "input", in.id)
	}

	for _, op := range snapshot {
		if removedOps[op.id] {
			continue
		}
		mm, ok := op.attrs.(*MatMul)
		if !ok {
			continue
		}
		for i := range op.inputs {
			input := g.mustTensor(op.inputs[i])
			if input.source == 0 || removedOps[input.source] {
				continue
			}
			producer := g.mustOperator(input.source)
			tr, ok := producer.attrs.(*Transpose)
			if !ok || !SwapsLastTwoAxes(tr.Perm) {
				continue
			}
			if len(input.targets) != 1 || countOf(op.inputs, input.id) != 1 {
				continue
			}

			if i == 0 {
				mm.TransA = !mm.TransA
			} else {
				mm.TransB = !mm.TransB
			}
			g.replaceInput(op, input, g.mustTensor(producer.inputs[0]))
			remove(producer, input)
			result.FusedTransposes++
			g.log.V(2).Info("fused transpose into matmul", "transpose", producer.id, "matmul", op.id, "input", i)
		}
	}

	for _, op := range deadOps {
		g.RemoveOperator(op)
	}
	for _, t := range deadTensors {
		g.RemoveTensor(t)
	}

	if !g.TopoSort() {
		return result, fmt.Errorf("optimize: re-sorting rewritten graph: %w", ErrCycle)
	}
	if err := g.ShapeInfer(); err != nil {
		return result, fmt.Errorf("optimize: %w", err)
	}
	g.CheckValid()
	return result, nil
}

func countOf[T comparable](s []T, v T) int {
	n := 0
	for _, x := range s {
		if x == v {
			n++
		}
	}
	return n
}
