package graph

import (
	"fmt"

	"k8s.io/examples/AI/tensorgraph/pkg/shapes"
)

// MatMul multiplies the trailing two axes of A and B, broadcasting all leading axes.
// M, N and K are filled in by shape inference.
type MatMul struct {
	TransA bool
	TransB bool

	M, N, K int
}

var _ Attributes = &MatMul{}

func (m *MatMul) OpType() OpType {
	return OpTypeMatMul
}

func (m *MatMul) numInputs() int  { return 2 }
func (m *MatMul) numOutputs() int { return 1 }

func (m *MatMul) String() string {
	a, b := "A", "B"
	if m.TransA {
		a = "A^T"
	}
	if m.TransB {
		b = "B^T"
	}
	return fmt.Sprintf("MatMul([%s,%s],mnk=[%d,%d,%d])", a, b, m.M, m.N, m.K)
}

func (m *MatMul) inferShape(inputs []shapes.Shape) ([]shapes.Shape, error) {
	a, b := inputs[0].Clone(), inputs[1].Clone()
	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, fmt.Errorf("matmul needs inputs of rank >= 2, got %v and %v", inputs[0], inputs[1])
	}
	ra, rb := a.Rank(), b.Rank()
	if m.TransA {
		a[ra-1], a[ra-2] = a[ra-2], a[ra-1]
	}
	if m.TransB {
		b[rb-1], b[rb-2] = b[rb-2], b[rb-1]
	}

	rows, k := a[ra-2], a[ra-1]
	kb, cols := b[rb-2], b[rb-1]
	if k != kb {
		return nil, fmt.Errorf("matmul contraction mismatch: %v x %v (transA=%v, transB=%v)", inputs[0], inputs[1], m.TransA, m.TransB)
	}

	batch, err := shapes.Broadcast(a[:ra-2], b[:rb-2])
	if err != nil {
		return nil, fmt.Errorf("matmul batch axes: %w", err)
	}

	m.M, m.N, m.K = rows, cols, k
	out := append(batch, rows, cols)
	return []shapes.Shape{out}, nil
}
