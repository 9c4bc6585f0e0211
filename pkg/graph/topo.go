package graph

// TopoSort reorders the operators so that each one follows the producers of all of
// its inputs. It returns false, leaving the order untouched, if the graph has a cycle.
// A sorted graph stays sorted until the next structural mutation.
func (g *Graph) TopoSort() bool {
	if g.sorted {
		return true
	}
	order := make([]OperatorID, 0, len(g.ops))
	done := make(map[OperatorID]bool, len(g.ops))

	for len(order) < len(g.ops) {
		progress := false
		for _, id := range g.ops {
			if done[id] {
				continue
			}

			ready := true
			for _, in := range g.operators[id].inputs {
				if src := g.tensors[in].source; src != 0 && !done[src] {
					ready = false
					break
				}
			}
			if ready {
				done[id] = true
				order = append(order, id)
				progress = true
			}
		}
		if !progress {
			g.log.V(2).Info("topological sort failed", "placed", len(order), "operators", len(g.ops))
			return false
		}
	}

	g.ops = order
	g.sorted = true
	g.log.V(4).Info("sorted operators", "operators", len(order))
	return true
}

// Sorted reports whether the operator order is a valid execution order.
func (g *Graph) Sorted() bool {
	return g.sorted
}
