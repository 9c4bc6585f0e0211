package fallback

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
	"k8s.io/examples/AI/tensorgraph/pkg/dtypes"
	"k8s.io/examples/AI/tensorgraph/pkg/graph"
)

// Values decodes the contents of a bound tensor. Float16 elements are widened.
func Values(t *graph.Tensor) ([]float32, error) {
	data, err := boundData(t)
	if err != nil {
		return nil, err
	}
	n := t.Shape().Size()
	values := make([]float32, n)
	switch t.DType() {
	case dtypes.Float32:
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
	case dtypes.Float16:
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
		}
	default:
		return nil, fmt.Errorf("tensor %d has unsupported data type %v", t.ID(), t.DType())
	}
	return values, nil
}

// SetValues encodes values into a bound tensor. Float16 elements are rounded to
// nearest even.
func SetValues(t *graph.Tensor, values []float32) error {
	data, err := boundData(t)
	if err != nil {
		return err
	}
	if n := t.Shape().Size(); len(values) != n {
		return fmt.Errorf("tensor %d has %d elements, got %d values", t.ID(), n, len(values))
	}
	switch t.DType() {
	case dtypes.Float32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
		}
	case dtypes.Float16:
		for i, v := range values {
			binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(v).Bits())
		}
	default:
		return fmt.Errorf("tensor %d has unsupported data type %v", t.ID(), t.DType())
	}
	return nil
}

func boundData(t *graph.Tensor) ([]byte, error) {
	blob := t.Blob()
	if blob == nil {
		return nil, fmt.Errorf("tensor %d has no memory bound", t.ID())
	}
	if blob.Size() != t.Bytes() {
		return nil, fmt.Errorf("tensor %d needs %d bytes, blob has %d", t.ID(), t.Bytes(), blob.Size())
	}
	return blob.Data(), nil
}

// strides returns the row-major element strides of dims.
func strides(dims []int) []int {
	s := make([]int, len(dims))
	stride := 1
	for i := len(dims) - 1; i >= 0; i-- {
		s[i] = stride
		stride *= dims[i]
	}
	return s
}
