package graph

import (
	"fmt"
	"slices"
	"sync/atomic"

	"k8s.io/examples/AI/tensorgraph/pkg/dtypes"
	"k8s.io/examples/AI/tensorgraph/pkg/runtime"
	"k8s.io/examples/AI/tensorgraph/pkg/shapes"
)

// TensorID and OperatorID are GUIDs drawn from one counter, so no tensor ever shares
// an id with an operator. The zero value means "none".
type TensorID int64
type OperatorID int64

// FUID is the functional identity of a tensor; it survives shape rewrites.
type FUID int64

var (
	guidCounter atomic.Int64
	fuidCounter atomic.Int64
)

func nextGUID() int64 {
	return guidCounter.Add(1)
}

type Tensor struct {
	id      TensorID
	fuid    FUID
	shape   shapes.Shape
	dtype   dtypes.DataType
	runtime runtime.Runtime
	blob    *runtime.Blob

	// owner is the graph the tensor is registered in, nil before adoption.
	owner *Graph

	source  OperatorID
	targets []OperatorID
}

// NewTensor builds a tensor that belongs to no graph yet; see Graph.AdoptTensor.
func NewTensor(shape shapes.Shape, dtype dtypes.DataType, rt runtime.Runtime) *Tensor {
	return &Tensor{
		id:      TensorID(nextGUID()),
		fuid:    FUID(fuidCounter.Add(1)),
		shape:   shape.Clone(),
		dtype:   dtype,
		runtime: rt,
	}
}

func (t *Tensor) ID() TensorID {
	return t.id
}

func (t *Tensor) FUID() FUID {
	return t.fuid
}

func (t *Tensor) Shape() shapes.Shape {
	return t.shape.Clone()
}

func (t *Tensor) DType() dtypes.DataType {
	return t.dtype
}

func (t *Tensor) Runtime() runtime.Runtime {
	return t.runtime
}

// Blob is nil until the owning graph has run DataMalloc.
func (t *Tensor) Blob() *runtime.Blob {
	return t.blob
}

// Bytes is the storage the tensor needs, unpadded.
func (t *Tensor) Bytes() int {
	return t.shape.Size() * t.dtype.Size()
}

// Source returns the producing operator, if any.
func (t *Tensor) Source() (OperatorID, bool) {
	return t.source, t.source != 0
}

func (t *Tensor) Targets() []OperatorID {
	return slices.Clone(t.targets)
}

func (t *Tensor) String() string {
	source := "none"
	if t.source != 0 {
		source = fmt.Sprint(t.source)
	}
	s := fmt.Sprintf("Tensor %d, Fuid %d, shape %v, dtype %v, source %s, targets %v", t.id, t.fuid, t.shape, t.dtype, source, t.targets)
	if t.blob != nil {
		s += fmt.Sprintf(", offset %d", t.blob.Offset())
	}
	return s
}

func addUnique[T comparable](s []T, v T) []T {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}

func removeValue[T comparable](s []T, v T) []T {
	return slices.DeleteFunc(s, func(x T) bool { return x == v })
}
