// Package shapes holds tensor dimensions and the numpy-style broadcasting rule
// shared by the shape inference of every operator kind.
package shapes

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// MaxSize bounds the element count of a valid shape, so that byte sizes and arena
// offsets derived from it fit in an int.
const MaxSize = 1 << 40

// Shape is an ordered list of non-negative dimension sizes, outermost axis first.
type Shape []int

// Make is shorthand for building a shape inline.
func Make(dims ...int) Shape {
	return Shape(dims)
}

func (s Shape) Rank() int {
	return len(s)
}

// Size returns the number of elements; a rank-0 shape holds one element. It is only
// meaningful for shapes that pass Validate.
func (s Shape) Size() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Equal(other Shape) bool {
	return slices.Equal(s, other)
}

func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	return slices.Clone(s)
}

// Validate rejects negative dimensions and shapes holding more than MaxSize elements.
func (s Shape) Validate() error {
	for axis, d := range s {
		if d < 0 {
			return fmt.Errorf("shape %v has negative dimension %d on axis %d", s, d, axis)
		}
	}
	if slices.Contains(s, 0) {
		return nil
	}
	n := 1
	for _, d := range s {
		if n > MaxSize/d {
			return fmt.Errorf("shape %v has more than %d elements", s, MaxSize)
		}
		n *= d
	}
	return nil
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Broadcast combines two shapes with numpy broadcasting: shapes are right-aligned,
// the shorter one is padded with 1s, and on each axis the sizes must match or one of
// them must be 1.
func Broadcast(a, b Shape) (Shape, error) {
	rank := max(len(a), len(b))
	out := make(Shape, rank)
	for i := 1; i <= rank; i++ {
		da, db := 1, 1
		if i <= len(a) {
			da = a[len(a)-i]
		}
		if i <= len(b) {
			db = b[len(b)-i]
		}
		switch {
		case da == db:
			out[rank-i] = da
		case da == 1:
			out[rank-i] = db
		case db == 1:
			out[rank-i] = da
		default:
			return nil, fmt.Errorf("shapes %v and %v cannot be broadcast (axis -%d: %d vs %d)", a, b, i, da, db)
		}
	}
	return out, nil
}
