package graph

import "slices"

func (g *Graph) link(from, to OperatorID) {
	src := g.mustOperator(from)
	dst := g.mustOperator(to)
	src.successors = addUnique(src.successors, to)
	dst.predecessors = addUnique(dst.predecessors, from)
}

// Disconnect removes every edge that touches op, on both ends, leaving op and its
// tensors in the graph. After Disconnect the operator can be passed to RemoveOperator.
func (g *Graph) Disconnect(op *Operator) {
	for _, id := range op.inputs {
		if t, ok := g.tensors[id]; ok {
			t.targets = removeValue(t.targets, op.id)
		}
	}
	for _, id := range op.outputs {
		if t, ok := g.tensors[id]; ok && t.source == op.id {
			t.source = 0
		}
	}
	for _, pred := range op.predecessors {
		if p, ok := g.operators[pred]; ok {
			p.successors = removeValue(p.successors, op.id)
		}
	}
	for _, succ := range op.successors {
		if s, ok := g.operators[succ]; ok {
			s.predecessors = removeValue(s.predecessors, op.id)
		}
	}
	op.predecessors = nil
	op.successors = nil
	g.sorted = false
}

// replaceInput makes op consume to wherever it consumed from.
func (g *Graph) replaceInput(op *Operator, from, to *Tensor) {
	for i, id := range op.inputs {
		if id == from.id {
			op.inputs[i] = to.id
		}
	}
	from.targets = removeValue(from.targets, op.id)
	to.targets = addUnique(to.targets, op.id)
	g.relinkPredecessors(op)
	g.sorted = false
}

// relinkPredecessors recomputes op's predecessors from the producers of its current
// inputs and updates the reverse successor edges to match.
func (g *Graph) relinkPredecessors(op *Operator) {
	var preds []OperatorID
	for _, id := range op.inputs {
		if src := g.mustTensor(id).source; src != 0 {
			preds = addUnique(preds, src)
		}
	}
	for _, old := range op.predecessors {
		if !slices.Contains(preds, old) {
			p := g.mustOperator(old)
			p.successors = removeValue(p.successors, op.id)
		}
	}
	for _, pred := range preds {
		p := g.mustOperator(pred)
		p.successors = addUnique(p.successors, op.id)
	}
	op.predecessors = preds
}
