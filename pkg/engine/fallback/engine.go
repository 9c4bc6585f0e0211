// Package fallback is a straightforward CPU engine. It favours clarity over speed and
// is the reference the optimizer's rewrites are checked against.
package fallback

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"k8s.io/examples/AI/tensorgraph/pkg/engine"
	"k8s.io/examples/AI/tensorgraph/pkg/graph"
	"k8s.io/examples/AI/tensorgraph/pkg/shapes"
	"k8s.io/klog/v2"
)

type Engine struct{}

var _ engine.Engine = &Engine{}

func New() *Engine {
	return &Engine{}
}

func (e *Engine) Name() string {
	return "fallback"
}

func (e *Engine) Execute(ctx context.Context, g *graph.Graph, ops []*graph.Operator) error {
	log := klog.FromContext(ctx)
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.V(4).Info("evaluating operator", "id", op.ID(), "op", op.Attributes().String())
		if err := e.evaluateOperator(g, op); err != nil {
			return fmt.Errorf("operator %d (%v): %w", op.ID(), op.Type(), err)
		}
	}
	return nil
}

func (e *Engine) evaluateOperator(g *graph.Graph, op *graph.Operator) error {
	inputs := g.InputTensors(op)
	output := g.OutputTensors(op)[0]

	sources := make([][]float32, len(inputs))
	for i, in := range inputs {
		values, err := Values(in)
		if err != nil {
			return err
		}
		sources[i] = values
	}

	var result []float32
	switch attrs := op.Attributes().(type) {
	case *graph.Transpose:
		result = transpose(sources[0], inputs[0].Shape(), attrs.Perm)

	case *graph.MatMul:
		r, err := matmul(sources[0], inputs[0].Shape(), sources[1], inputs[1].Shape(), output.Shape(), attrs)
		if err != nil {
			return err
		}
		result = r

	default:
		return fmt.Errorf("unsupported operation: %v", attrs)
	}

	return SetValues(output, result)
}

func transpose(values []float32, in shapes.Shape, perm []int) []float32 {
	inStrides := strides(in)
	out := make(shapes.Shape, len(perm))
	for i, axis := range perm {
		out[i] = in[axis]
	}

	result := make([]float32, len(values))
	index := make([]int, len(out))
	for i := range result {
		src := 0
		for axis := range index {
			src += index[axis] * inStrides[perm[axis]]
		}
		result[i] = values[src]

		for axis := len(index) - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < out[axis] {
				break
			}
			index[axis] = 0
		}
	}
	return result
}

func matmul(a []float32, aShape shapes.Shape, b []float32, bShape shapes.Shape, outShape shapes.Shape, attrs *graph.MatMul) ([]float32, error) {
	m, n, k := attrs.M, attrs.N, attrs.K
	batch := outShape[:outShape.Rank()-2]
	aBatch := aShape[:aShape.Rank()-2]
	bBatch := bShape[:bShape.Rank()-2]
	if aShape.Size() != aBatch.Size()*m*k || bShape.Size() != bBatch.Size()*k*n {
		return nil, fmt.Errorf("inputs %v and %v do not match mnk=[%d,%d,%d]; was shape inference run?", aShape, bShape, m, n, k)
	}

	result := make([]float32, outShape.Size())
	if m == 0 || n == 0 || k == 0 {
		// gonum rejects empty matrices; the product is empty or all zeros.
		return result, nil
	}

	index := make([]int, len(batch))
	product := mat.NewDense(m, n, nil)
	for bi := 0; bi < batch.Size(); bi++ {
		aBase := broadcastOffset(index, aBatch) * m * k
		bBase := broadcastOffset(index, bBatch) * k * n

		var left, right mat.Matrix
		if attrs.TransA {
			left = mat.NewDense(k, m, widen(a[aBase:aBase+m*k])).T()
		} else {
			left = mat.NewDense(m, k, widen(a[aBase:aBase+m*k]))
		}
		if attrs.TransB {
			right = mat.NewDense(n, k, widen(b[bBase:bBase+k*n])).T()
		} else {
			right = mat.NewDense(k, n, widen(b[bBase:bBase+k*n]))
		}
		product.Mul(left, right)

		out := result[bi*m*n : (bi+1)*m*n]
		for i, v := range product.RawMatrix().Data {
			out[i] = float32(v)
		}

		for axis := len(index) - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < batch[axis] {
				break
			}
			index[axis] = 0
		}
	}
	return result, nil
}

func widen(values []float32) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}

// broadcastOffset maps an index into the broadcast batch shape to the linear batch
// index of an operand whose batch axes are right-aligned and may have size 1.
func broadcastOffset(index []int, dims shapes.Shape) int {
	s := strides(dims)
	skip := len(index) - len(dims)
	offset := 0
	for axis, d := range dims {
		if d == 1 {
			continue
		}
		offset += index[skip+axis] * s[axis]
	}
	return offset
}
