package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/examples/AI/tensorgraph/pkg/dtypes"
)

func TestIsInverse(t *testing.T) {
	require.True(t, IsInverse([]int{1, 0}, []int{1, 0}))
	require.True(t, IsInverse([]int{1, 0, 2}, []int{1, 0, 2}))
	require.True(t, IsInverse([]int{1, 2, 0}, []int{2, 0, 1}))
	require.False(t, IsInverse([]int{1, 2, 0}, []int{1, 2, 0}))
	require.False(t, IsInverse([]int{1, 0}, []int{1, 0, 2}))
}

func TestSwapsLastTwoAxes(t *testing.T) {
	require.True(t, SwapsLastTwoAxes([]int{1, 0}))
	require.True(t, SwapsLastTwoAxes([]int{0, 2, 1}))
	require.True(t, SwapsLastTwoAxes([]int{0, 1, 3, 2}))
	require.False(t, SwapsLastTwoAxes([]int{1, 0, 3, 2}))
	require.False(t, SwapsLastTwoAxes([]int{1, 0, 2}))
	require.False(t, SwapsLastTwoAxes([]int{0}))
}

func TestOptimizeEliminatesInverseTransposes(t *testing.T) {
	for _, tc := range []struct {
		name  string
		shape []int
		perm  []int
		w     []int
	}{
		{name: "rank 3", shape: []int{2, 3, 4}, perm: []int{1, 0, 2}, w: []int{4, 5}},
		{name: "rank 2", shape: []int{2, 3}, perm: []int{1, 0}, w: []int{3, 5}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGraph(t)
			x := g.AddTensor(tc.shape, dtypes.Float32)
			w := g.AddTensor(tc.w, dtypes.Float32)
			first := must(g.AddTranspose(x, nil, tc.perm))
			a := g.mustTensor(first.Output())
			second := must(g.AddTranspose(a, nil, tc.perm))
			b := g.mustTensor(second.Output())
			mm := must(g.AddMatMul(b, w, nil, false, false))
			z := g.mustTensor(mm.Output())
			wantShape := z.Shape()
			require.True(t, g.CheckValid())

			result, err := g.Optimize()
			require.NoError(t, err)
			require.Equal(t, OptimizeResult{EliminatedTransposes: 2}, result)

			require.Equal(t, []OperatorID{mm.ID()}, operatorIDs(g.Operators()))
			require.Equal(t, []TensorID{x.ID(), w.ID()}, mm.Inputs())
			require.Equal(t, []OperatorID{mm.ID()}, x.Targets())
			require.Empty(t, mm.Predecessors())
			require.Equal(t, x.Shape(), g.InputTensors(mm)[0].Shape())
			require.Equal(t, wantShape, z.Shape())

			_, ok := g.Tensor(a.ID())
			require.False(t, ok)
			_, ok = g.Tensor(b.ID())
			require.False(t, ok)
			require.True(t, g.Sorted())
			require.True(t, g.CheckValid())
		})
	}
}

func TestOptimizeRewiresAllConsumers(t *testing.T) {
	g := newTestGraph(t)
	src := g.AddTensor(S(3, 2), dtypes.Float32)
	w := g.AddTensor(S(2, 3), dtypes.Float32)
	// x has a producer, so the rewired consumers gain a predecessor.
	producer := must(g.AddMatMul(src, w, nil, false, false))
	x := g.mustTensor(producer.Output())

	first := must(g.AddTranspose(x, nil, []int{1, 0}))
	second := must(g.AddTranspose(g.mustTensor(first.Output()), nil, []int{1, 0}))
	out := g.mustTensor(second.Output())
	c1 := must(g.AddTranspose(out, nil, []int{0, 1}))
	c2 := must(g.AddMatMul(out, g.AddTensor(S(3, 1), dtypes.Float32), nil, false, false))

	result, err := g.Optimize()
	require.NoError(t, err)
	require.Equal(t, 2, result.EliminatedTransposes)

	require.ElementsMatch(t, []OperatorID{c1.ID(), c2.ID()}, x.Targets())
	require.ElementsMatch(t, []OperatorID{c1.ID(), c2.ID()}, producer.Successors())
	require.Equal(t, []OperatorID{producer.ID()}, c1.Predecessors())
	require.Equal(t, []OperatorID{producer.ID()}, c2.Predecessors())
	require.Len(t, g.Operators(), 3)
	requireTopological(t, g)
}

func TestOptimizeKeepsNonInversePair(t *testing.T) {
	g := newTestGraph(t)
	x := g.AddTensor(S(2, 2, 2), dtypes.Float32)
	first := must(g.AddTranspose(x, nil, []int{1, 2, 0}))
	second := must(g.AddTranspose(g.mustTensor(first.Output()), nil, []int{1, 2, 0}))
	must(g.AddTranspose(g.mustTensor(second.Output()), nil, []int{0, 1, 2}))

	result, err := g.Optimize()
	require.NoError(t, err)
	require.Equal(t, OptimizeResult{}, result)
	require.Len(t, g.Operators(), 3)
}

func TestOptimizeRequiresSingleConsumer(t *testing.T) {
	g := newTestGraph(t)
	x := g.AddTensor(S(2, 3), dtypes.Float32)
	first := must(g.AddTranspose(x, nil, []int{1, 0}))
	mid := g.mustTensor(first.Output())
	second := must(g.AddTranspose(mid, nil, []int{1, 0}))
	must(g.AddTranspose(g.mustTensor(second.Output()), nil, []int{0, 1}))
	// A second reader of mid needs the transposed value.
	must(g.AddTranspose(mid, nil, []int{0, 1}))

	result, err := g.Optimize()
	require.NoError(t, err)
	require.Zero(t, result.EliminatedTransposes)
	require.Len(t, g.Operators(), 4)
}

func TestOptimizeKeepsPairProducingGraphOutput(t *testing.T) {
	g := newTestGraph(t)
	x := g.AddTensor(S(2, 3), dtypes.Float32)
	first := must(g.AddTranspose(x, nil, []int{1, 0}))
	must(g.AddTranspose(g.mustTensor(first.Output()), nil, []int{1, 0}))

	result, err := g.Optimize()
	require.NoError(t, err)
	require.Zero(t, result.EliminatedTransposes)
	require.Len(t, g.Operators(), 2)
}

func TestOptimizeFusesTransposeIntoMatMul(t *testing.T) {
	g := newTestGraph(t)
	x := g.AddTensor(S(3, 2), dtypes.Float32)
	w := g.AddTensor(S(3, 4), dtypes.Float32)
	tr := must(g.AddTranspose(x, nil, []int{1, 0}))
	xt := g.mustTensor(tr.Output())
	mm := must(g.AddMatMul(xt, w, nil, false, false))
	z := g.mustTensor(mm.Output())

	result, err := g.Optimize()
	require.NoError(t, err)
	require.Equal(t, OptimizeResult{FusedTransposes: 1}, result)

	attrs := mm.Attributes().(*MatMul)
	require.True(t, attrs.TransA)
	require.False(t, attrs.TransB)
	require.Equal(t, []TensorID{x.ID(), w.ID()}, mm.Inputs())
	require.Equal(t, []OperatorID{mm.ID()}, operatorIDs(g.Operators()))
	require.Equal(t, S(2, 4), z.Shape())
	_, ok := g.Tensor(xt.ID())
	require.False(t, ok)
	require.True(t, g.CheckValid())
}

func TestOptimizeFusesTransB(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(S(5, 2, 3), dtypes.Float32)
	w := g.AddTensor(S(5, 4, 3), dtypes.Float32)
	tr := must(g.AddTranspose(w, nil, []int{0, 2, 1}))
	mm := must(g.AddMatMul(a, g.mustTensor(tr.Output()), nil, false, false))

	result, err := g.Optimize()
	require.NoError(t, err)
	require.Equal(t, 1, result.FusedTransposes)

	attrs := mm.Attributes().(*MatMul)
	require.False(t, attrs.TransA)
	require.True(t, attrs.TransB)
	require.Equal(t, []TensorID{a.ID(), w.ID()}, mm.Inputs())
	require.Equal(t, S(5, 2, 4), g.mustTensor(mm.Output()).Shape())
	require.True(t, g.CheckValid())
}

func TestOptimizeTogglesExistingFlag(t *testing.T) {
	g := newTestGraph(t)
	x := g.AddTensor(S(2, 3), dtypes.Float32)
	w := g.AddTensor(S(3, 4), dtypes.Float32)
	tr := must(g.AddTranspose(x, nil, []int{1, 0}))
	// (x^T)^T x w
	mm := must(g.AddMatMul(g.mustTensor(tr.Output()), w, nil, true, false))

	_, err := g.Optimize()
	require.NoError(t, err)
	require.False(t, mm.Attributes().(*MatMul).TransA)
	require.Equal(t, S(2, 4), g.mustTensor(mm.Output()).Shape())
}

func TestOptimizeSkipsUnfusableTransposes(t *testing.T) {
	t.Run("not the last two axes", func(t *testing.T) {
		g := newTestGraph(t)
		x := g.AddTensor(S(3, 5, 4), dtypes.Float32)
		tr := must(g.AddTranspose(x, nil, []int{1, 0, 2}))
		must(g.AddMatMul(g.mustTensor(tr.Output()), g.AddTensor(S(4, 2), dtypes.Float32), nil, false, false))

		result, err := g.Optimize()
		require.NoError(t, err)
		require.Zero(t, result.FusedTransposes)
		require.Len(t, g.Operators(), 2)
	})

	t.Run("shared transpose output", func(t *testing.T) {
		g := newTestGraph(t)
		x := g.AddTensor(S(3, 2), dtypes.Float32)
		tr := must(g.AddTranspose(x, nil, []int{1, 0}))
		xt := g.mustTensor(tr.Output())
		must(g.AddMatMul(xt, g.AddTensor(S(3, 4), dtypes.Float32), nil, false, false))
		must(g.AddTranspose(xt, nil, []int{0, 1}))

		result, err := g.Optimize()
		require.NoError(t, err)
		require.Zero(t, result.FusedTransposes)
		require.Len(t, g.Operators(), 3)
	})

	t.Run("same tensor on both inputs", func(t *testing.T) {
		g := newTestGraph(t)
		x := g.AddTensor(S(3, 3), dtypes.Float32)
		tr := must(g.AddTranspose(x, nil, []int{1, 0}))
		xt := g.mustTensor(tr.Output())
		mm := must(g.AddMatMul(xt, xt, nil, false, false))

		result, err := g.Optimize()
		require.NoError(t, err)
		require.Zero(t, result.FusedTransposes)
		require.Equal(t, []TensorID{xt.ID(), xt.ID()}, mm.Inputs())
		require.True(t, g.CheckValid())
	})
}

func TestOptimizeBothPasses(t *testing.T) {
	g := newTestGraph(t)
	x := g.AddTensor(S(3, 2), dtypes.Float32)
	w := g.AddTensor(S(3, 4), dtypes.Float32)
	t0 := must(g.AddTranspose(x, nil, []int{1, 0}))
	t1 := must(g.AddTranspose(g.mustTensor(t0.Output()), nil, []int{1, 0}))
	t2 := must(g.AddTranspose(g.mustTensor(t1.Output()), nil, []int{1, 0}))
	mm := must(g.AddMatMul(g.mustTensor(t2.Output()), w, nil, false, false))

	result, err := g.Optimize()
	require.NoError(t, err)
	require.Equal(t, OptimizeResult{EliminatedTransposes: 2, FusedTransposes: 1}, result)
	require.Equal(t, []OperatorID{mm.ID()}, operatorIDs(g.Operators()))
	require.Equal(t, []TensorID{x.ID(), w.ID()}, mm.Inputs())
	require.True(t, mm.Attributes().(*MatMul).TransA)
	require.Equal(t, S(2, 4), g.mustTensor(mm.Output()).Shape())
	require.Len(t, g.Tensors(), 3)
	require.True(t, g.CheckValid())
}

func TestOptimizeCycle(t *testing.T) {
	g := newTestGraph(t)
	x := g.AddTensor(S(2, 2), dtypes.Float32)
	y := g.AddTensor(S(2, 2), dtypes.Float32)
	must(g.AddTranspose(x, y, []int{1, 0}))
	must(g.AddTranspose(y, x, []int{1, 0}))

	_, err := g.Optimize()
	require.ErrorIs(t, err, ErrCycle)
	require.Len(t, g.Operators(), 2)
}
