package graphdef

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/examples/AI/tensorgraph/pkg/engine"
	"k8s.io/examples/AI/tensorgraph/pkg/engine/fallback"
	"k8s.io/examples/AI/tensorgraph/pkg/runtime"
	"k8s.io/examples/AI/tensorgraph/pkg/shapes"
	"k8s.io/klog/v2/ktesting"
)

const transposedMatMul = `{
  "name": "transposed-matmul",
  "tensors": [
    {"name": "x", "shape": [3, 2], "values": [1, 2, 3, 4, 5, 6]},
    {"name": "w", "shape": [3, 2], "values": [7, 8, 9, 10, 11, 12]}
  ],
  "operators": [
    {"kind": "transpose", "inputs": ["x"], "outputs": ["xt"], "perm": [1, 0]},
    {"kind": "matmul", "inputs": ["xt", "w"], "outputs": ["z"]}
  ],
  "outputs": ["z"]
}`

const transposedMatMulYAML = `
tensors:
  - name: x
    shape: [3, 2]
    dtype: float16
    values: [1, 2, 3, 4, 5, 6]
  - name: w
    shape: [3, 2]
    dtype: float16
    values: [7, 8, 9, 10, 11, 12]
operators:
  - kind: transpose
    inputs: [x]
    outputs: [xt]
    perm: [1, 0]
  - kind: matmul
    inputs: [xt, w]
    outputs: [z]
`

func TestParseAndRun(t *testing.T) {
	for _, tc := range []struct {
		name string
		data string
	}{
		{name: "graph.json", data: transposedMatMul},
		{name: "graph.yaml", data: transposedMatMulYAML},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, ctx := ktesting.NewTestContext(t)

			def, err := ParseBytes(tc.name, []byte(tc.data))
			require.NoError(t, err)
			require.NotEmpty(t, def.Name)

			built, err := def.Build(ctx, runtime.NewCPURuntime("test"))
			require.NoError(t, err)
			require.True(t, built.HasValues())
			require.Len(t, built.Outputs, 1)
			require.Equal(t, shapes.Make(2, 2), built.Outputs[0].Shape())

			plan, err := engine.Prepare(ctx, built.Graph, engine.Options{})
			require.NoError(t, err)
			require.Equal(t, 1, plan.Optimization.FusedTransposes)
			_, live := built.Lookup("xt")
			require.False(t, live)

			require.NoError(t, built.LoadValues())
			require.NoError(t, engine.Evaluate(ctx, built.Graph, fallback.New()))

			z, ok := built.Lookup("z")
			require.True(t, ok)
			values, err := fallback.Values(z)
			require.NoError(t, err)
			// x^T = [[1,3,5],[2,4,6]], w = [[7,8],[9,10],[11,12]]
			require.Equal(t, []float32{89, 98, 116, 128}, values)
		})
	}
}

func TestParseRejects(t *testing.T) {
	for _, tc := range []struct {
		name   string
		data   string
		errMsg string
	}{
		{
			name:   "unknown field",
			data:   `{"tensors": [], "operators": [], "extra": 1}`,
			errMsg: "unknown field",
		},
		{
			name:   "unknown kind",
			data:   `{"tensors": [{"name": "x", "shape": [2]}], "operators": [{"kind": "add", "inputs": ["x"], "outputs": ["y"]}]}`,
			errMsg: `unknown kind "add"`,
		},
		{
			name:   "undeclared input",
			data:   `{"tensors": [{"name": "x", "shape": [2, 2]}], "operators": [{"kind": "transpose", "inputs": ["y"], "outputs": ["z"], "perm": [1, 0]}]}`,
			errMsg: `reads "y"`,
		},
		{
			name: "two producers",
			data: `{"tensors": [{"name": "x", "shape": [2, 2]}], "operators": [
				{"kind": "transpose", "inputs": ["x"], "outputs": ["y"], "perm": [1, 0]},
				{"kind": "transpose", "inputs": ["x"], "outputs": ["y"], "perm": [0, 1]}]}`,
			errMsg: "produced by operators 0 and 1",
		},
		{
			name:   "too many elements",
			data:   `{"tensors": [{"name": "x", "shape": [4294967296, 4294967296]}], "operators": [{"kind": "transpose", "inputs": ["x"], "outputs": ["y"], "perm": [1, 0]}]}`,
			errMsg: `tensor "x": shape [4294967296,4294967296] has more than`,
		},
		{
			name:   "duplicate tensor",
			data:   `{"tensors": [{"name": "x", "shape": [2]}, {"name": "x", "shape": [2]}], "operators": []}`,
			errMsg: "declared twice",
		},
		{
			name:   "missing perm",
			data:   `{"tensors": [{"name": "x", "shape": [2, 2]}], "operators": [{"kind": "transpose", "inputs": ["x"], "outputs": ["y"]}]}`,
			errMsg: "no perm",
		},
		{
			name:   "arity",
			data:   `{"tensors": [{"name": "x", "shape": [2, 2]}], "operators": [{"kind": "matmul", "inputs": ["x"], "outputs": ["y"]}]}`,
			errMsg: "takes 2 inputs",
		},
		{
			name:   "value count",
			data:   `{"tensors": [{"name": "x", "shape": [2, 2], "values": [1]}], "operators": [{"kind": "transpose", "inputs": ["x"], "outputs": ["y"], "perm": [1, 0]}]}`,
			errMsg: "got 1 values",
		},
		{
			name:   "dtype",
			data:   `{"tensors": [{"name": "x", "shape": [2], "dtype": "complex64"}], "operators": [{"kind": "transpose", "inputs": ["x"], "outputs": ["y"], "perm": [0]}]}`,
			errMsg: "unknown data type",
		},
		{
			name:   "unused tensor",
			data:   `{"tensors": [{"name": "x", "shape": [2]}], "operators": []}`,
			errMsg: "not used by any operator",
		},
		{
			name:   "unknown output",
			data:   `{"tensors": [{"name": "x", "shape": [2]}], "operators": [{"kind": "transpose", "inputs": ["x"], "outputs": ["y"], "perm": [0]}], "outputs": ["q"]}`,
			errMsg: `output "q"`,
		},
		{
			name:   "negative dimension",
			data:   `{"tensors": [{"name": "x", "shape": [-1]}], "operators": [{"kind": "transpose", "inputs": ["x"], "outputs": ["y"], "perm": [0]}]}`,
			errMsg: "negative dimension",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.data), FormatJSON)
			require.ErrorContains(t, err, tc.errMsg)
		})
	}
}

func TestBuildReportsShapeErrors(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	def, err := Parse(strings.NewReader(`{
		"tensors": [{"name": "a", "shape": [2, 3]}, {"name": "b", "shape": [2, 3]}],
		"operators": [{"kind": "matmul", "inputs": ["a", "b"], "outputs": ["c"]}]
	}`), FormatJSON)
	require.NoError(t, err)

	_, err = def.Build(ctx, runtime.NewCPURuntime("test"))
	require.ErrorContains(t, err, "operator 0 (matmul)")
	require.ErrorContains(t, err, "contraction mismatch")
}

func TestBuildDeclaredOutputBeforeProducer(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	def, err := Parse(strings.NewReader(`{
		"tensors": [{"name": "x", "shape": [2, 3]}, {"name": "mid", "shape": [3, 2]}],
		"operators": [
			{"kind": "transpose", "inputs": ["mid"], "outputs": ["y"], "perm": [1, 0]},
			{"kind": "transpose", "inputs": ["x"], "outputs": ["mid"], "perm": [1, 0]}
		]
	}`), FormatJSON)
	require.NoError(t, err)

	built, err := def.Build(ctx, runtime.NewCPURuntime("test"))
	require.NoError(t, err)
	require.True(t, built.Graph.CheckValid())
	require.True(t, built.Graph.TopoSort())
	require.Len(t, built.Outputs, 1)
	require.Equal(t, "y", built.Names()[built.Outputs[0].ID()])
	require.False(t, built.HasValues())
}

func TestFormatFromName(t *testing.T) {
	require.Equal(t, FormatYAML, FormatFromName("graphs/a.yaml"))
	require.Equal(t, FormatYAML, FormatFromName("A.YML"))
	require.Equal(t, FormatJSON, FormatFromName("a.json"))
	require.Equal(t, FormatJSON, FormatFromName("a"))
}
