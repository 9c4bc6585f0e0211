package graph

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"k8s.io/examples/AI/tensorgraph/pkg/allocator"
	"k8s.io/examples/AI/tensorgraph/pkg/runtime"
)

// DataMalloc gives every tensor its own region of the graph's arena and binds the
// tensor's blob to it. Regions are handed out in execution order: graph inputs first,
// then the outputs of each operator in sorted order. It may be called once per graph;
// if it fails no tensor is bound.
func (g *Graph) DataMalloc() error {
	if !g.TopoSort() {
		return fmt.Errorf("allocating tensor memory: %w", ErrCycle)
	}

	tensors := g.executionOrder()
	offsets := make([]int, len(tensors))
	for i, t := range tensors {
		if t.blob != nil {
			exceptions.Panicf("tensor %d is already bound to %v", t.id, t.blob)
		}
		offsets[i] = g.allocator.Alloc(t.Bytes())
	}

	base, err := g.allocator.Ptr()
	if err != nil {
		return fmt.Errorf("allocating tensor memory: %w", err)
	}
	for i, t := range tensors {
		blob, err := runtime.NewBlob(g.runtime, base, offsets[i], t.Bytes())
		if err != nil {
			exceptions.Panicf("binding tensor %d: %v", t.id, err)
		}
		t.blob = blob
	}

	g.log.V(2).Info("allocated tensor memory", "info", g.allocator.Info().String())
	return nil
}

// AllocatorInfo reports the state of the graph's arena.
func (g *Graph) AllocatorInfo() allocator.Stats {
	return g.allocator.Info()
}

// executionOrder lists the tensors in the order a sorted graph first touches them.
func (g *Graph) executionOrder() []*Tensor {
	order := make([]*Tensor, 0, len(g.tensorOrder))
	for _, id := range g.tensorOrder {
		if t := g.tensors[id]; t.source == 0 {
			order = append(order, t)
		}
	}
	for _, id := range g.ops {
		for _, out := range g.operators[id].outputs {
			order = append(order, g.mustTensor(out))
		}
	}
	if len(order) != len(g.tensorOrder) {
		exceptions.Panicf("execution order covers %d of %d tensors", len(order), len(g.tensorOrder))
	}
	return order
}
