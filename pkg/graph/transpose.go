package graph

import (
	"fmt"

	"k8s.io/examples/AI/tensorgraph/pkg/shapes"
)

// Transpose permutes axes: output axis i is input axis Perm[i].
type Transpose struct {
	Perm []int
}

var _ Attributes = &Transpose{}

func (t *Transpose) OpType() OpType {
	return OpTypeTranspose
}

func (t *Transpose) numInputs() int  { return 1 }
func (t *Transpose) numOutputs() int { return 1 }

func (t *Transpose) String() string {
	return fmt.Sprintf("Transpose(perm=%v)", t.Perm)
}

func (t *Transpose) inferShape(inputs []shapes.Shape) ([]shapes.Shape, error) {
	in := inputs[0]
	if err := validatePermutation(t.Perm, in.Rank()); err != nil {
		return nil, err
	}
	out := make(shapes.Shape, len(t.Perm))
	for i, axis := range t.Perm {
		out[i] = in[axis]
	}
	return []shapes.Shape{out}, nil
}

func validatePermutation(perm []int, rank int) error {
	if len(perm) != rank {
		return fmt.Errorf("permutation %v has %d axes, input has rank %d", perm, len(perm), rank)
	}
	seen := make([]bool, rank)
	for _, axis := range perm {
		if axis < 0 || axis >= rank {
			return fmt.Errorf("permutation %v references axis %d outside [0, %d)", perm, axis, rank)
		}
		if seen[axis] {
			return fmt.Errorf("permutation %v repeats axis %d", perm, axis)
		}
		seen[axis] = true
	}
	return nil
}

// IsInverse reports whether applying a then b (or b then a) is the identity
// permutation: a[b[i]] == i for every axis.
func IsInverse(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range b {
		if b[i] < 0 || b[i] >= len(a) || a[b[i]] != i {
			return false
		}
	}
	return true
}

// SwapsLastTwoAxes reports whether perm exchanges the two innermost axes and leaves
// every other axis in place.
func SwapsLastTwoAxes(perm []int) bool {
	rank := len(perm)
	if rank < 2 {
		return false
	}
	if perm[rank-2] != rank-1 || perm[rank-1] != rank-2 {
		return false
	}
	for i := 0; i < rank-2; i++ {
		if perm[i] != i {
			return false
		}
	}
	return true
}
