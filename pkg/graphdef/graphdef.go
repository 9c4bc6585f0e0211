// Package graphdef reads graph descriptions: named tensors and the operators between
// them, written as JSON or YAML. A description is validated in full before any graph
// is built, so malformed input is reported as an error.
package graphdef

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/examples/AI/tensorgraph/pkg/dtypes"
	"k8s.io/examples/AI/tensorgraph/pkg/engine/fallback"
	"k8s.io/examples/AI/tensorgraph/pkg/graph"
	"k8s.io/examples/AI/tensorgraph/pkg/runtime"
	"k8s.io/examples/AI/tensorgraph/pkg/shapes"
	"k8s.io/klog/v2"
)

const (
	KindTranspose = "transpose"
	KindMatMul    = "matmul"
)

type Definition struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Tensors declares graph inputs and any operator output whose shape should be
	// checked rather than inferred.
	Tensors []TensorDef `json:"tensors" yaml:"tensors"`

	Operators []OperatorDef `json:"operators" yaml:"operators"`

	// Outputs names the tensors callers want back. Empty means every graph output.
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

type TensorDef struct {
	Name  string `json:"name" yaml:"name"`
	Shape []int  `json:"shape" yaml:"shape"`
	DType string `json:"dtype,omitempty" yaml:"dtype,omitempty"`

	// Values, if set, are loaded into the tensor once memory is bound.
	Values []float32 `json:"values,omitempty" yaml:"values,omitempty"`
}

type OperatorDef struct {
	Kind    string   `json:"kind" yaml:"kind"`
	Inputs  []string `json:"inputs" yaml:"inputs"`
	Outputs []string `json:"outputs" yaml:"outputs"`

	Perm   []int `json:"perm,omitempty" yaml:"perm,omitempty"`
	TransA bool  `json:"transA,omitempty" yaml:"transA,omitempty"`
	TransB bool  `json:"transB,omitempty" yaml:"transB,omitempty"`
}

type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatFromName picks the format from a file name or object key.
func FormatFromName(name string) Format {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse decodes and validates a description.
func Parse(r io.Reader, format Format) (*Definition, error) {
	def := &Definition{}
	switch format {
	case FormatYAML:
		decoder := yaml.NewDecoder(r)
		decoder.KnownFields(true)
		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("parsing yaml graph description: %w", err)
		}
	default:
		decoder := json.NewDecoder(r)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("parsing json graph description: %w", err)
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// ParseBytes is Parse for an in-memory description named name.
func ParseBytes(name string, data []byte) (*Definition, error) {
	def, err := Parse(bytes.NewReader(data), FormatFromName(name))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(path.Base(name), path.Ext(name))
	}
	return def, nil
}

// Validate checks names, arities, data types and producers without building anything.
func (d *Definition) Validate() error {
	declared := make(map[string]*TensorDef, len(d.Tensors))
	for i := range d.Tensors {
		t := &d.Tensors[i]
		if t.Name == "" {
			return fmt.Errorf("tensor %d has no name", i)
		}
		if _, dup := declared[t.Name]; dup {
			return fmt.Errorf("tensor %q declared twice", t.Name)
		}
		if err := shapes.Shape(t.Shape).Validate(); err != nil {
			return fmt.Errorf("tensor %q: %w", t.Name, err)
		}
		dtype, err := t.dataType()
		if err != nil {
			return fmt.Errorf("tensor %q: %w", t.Name, err)
		}
		if t.Values != nil {
			if n := shapes.Shape(t.Shape).Size(); len(t.Values) != n {
				return fmt.Errorf("tensor %q has %d elements, got %d values", t.Name, n, len(t.Values))
			}
			if dtype != dtypes.Float32 && dtype != dtypes.Float16 {
				return fmt.Errorf("tensor %q: inline values are not supported for %v", t.Name, dtype)
			}
		}
		declared[t.Name] = t
	}

	producer := make(map[string]int)
	available := make(map[string]bool, len(declared))
	for name := range declared {
		available[name] = true
	}
	for i, op := range d.Operators {
		wantInputs, wantOutputs := 0, 1
		switch op.Kind {
		case KindTranspose:
			wantInputs = 1
			if op.Perm == nil {
				return fmt.Errorf("operator %d (%s) has no perm", i, op.Kind)
			}
		case KindMatMul:
			wantInputs = 2
		default:
			return fmt.Errorf("operator %d has unknown kind %q", i, op.Kind)
		}
		if len(op.Inputs) != wantInputs || len(op.Outputs) != wantOutputs {
			return fmt.Errorf("operator %d (%s) takes %d inputs and %d outputs, got %d and %d",
				i, op.Kind, wantInputs, wantOutputs, len(op.Inputs), len(op.Outputs))
		}
		for _, in := range op.Inputs {
			if !available[in] {
				return fmt.Errorf("operator %d (%s) reads %q, which is neither declared nor produced by an earlier operator", i, op.Kind, in)
			}
		}
		for _, out := range op.Outputs {
			if prev, dup := producer[out]; dup {
				return fmt.Errorf("tensor %q is produced by operators %d and %d", out, prev, i)
			}
			if t, ok := declared[out]; ok && t.Values != nil {
				return fmt.Errorf("operator %d (%s) writes %q, which has inline values", i, op.Kind, out)
			}
			producer[out] = i
			available[out] = true
		}
	}

	used := make(map[string]bool, len(declared))
	for _, op := range d.Operators {
		for _, name := range op.Inputs {
			used[name] = true
		}
		for _, name := range op.Outputs {
			used[name] = true
		}
	}
	for _, t := range d.Tensors {
		if !used[t.Name] {
			return fmt.Errorf("tensor %q is not used by any operator", t.Name)
		}
	}

	for _, name := range d.Outputs {
		if !available[name] {
			return fmt.Errorf("output %q is not a tensor of the graph", name)
		}
	}
	return nil
}

func (t *TensorDef) dataType() (dtypes.DataType, error) {
	if t.DType == "" {
		return dtypes.Float32, nil
	}
	return dtypes.Parse(t.DType)
}

// Built is a graph together with the names it was described with.
type Built struct {
	Graph   *graph.Graph
	Tensors map[string]*graph.Tensor
	Outputs []*graph.Tensor

	values map[string][]float32
}

// Build creates a graph in rt from the description. Validate has already been run by
// Parse; descriptions built by hand are validated here too.
func (d *Definition) Build(ctx context.Context, rt runtime.Runtime, opts ...graph.Option) (*Built, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	log := klog.FromContext(ctx)

	g := graph.New(ctx, rt, opts...)
	b := &Built{
		Graph:   g,
		Tensors: make(map[string]*graph.Tensor),
		values:  make(map[string][]float32),
	}
	for _, t := range d.Tensors {
		dtype, _ := t.dataType()
		b.Tensors[t.Name] = g.AddTensor(t.Shape, dtype)
		if t.Values != nil {
			b.values[t.Name] = t.Values
		}
	}

	for i, def := range d.Operators {
		inputs := make([]*graph.Tensor, len(def.Inputs))
		for j, name := range def.Inputs {
			inputs[j] = b.Tensors[name]
		}
		out := b.Tensors[def.Outputs[0]]

		var op *graph.Operator
		var err error
		switch def.Kind {
		case KindTranspose:
			op, err = g.AddTranspose(inputs[0], out, def.Perm)
		case KindMatMul:
			op, err = g.AddMatMul(inputs[0], inputs[1], out, def.TransA, def.TransB)
		}
		if err != nil {
			return nil, fmt.Errorf("operator %d (%s): %w", i, def.Kind, err)
		}
		if out == nil {
			b.Tensors[def.Outputs[0]], _ = g.Tensor(op.Output())
		}
	}

	if len(d.Outputs) == 0 {
		b.Outputs = g.Outputs()
	}
	for _, name := range d.Outputs {
		b.Outputs = append(b.Outputs, b.Tensors[name])
	}

	log.V(2).Info("built graph", "name", d.Name, "tensors", len(b.Tensors), "operators", len(d.Operators))
	return b, nil
}

// Lookup returns the named tensor if it is still part of the graph; optimization may
// have removed intermediate tensors.
func (b *Built) Lookup(name string) (*graph.Tensor, bool) {
	t, ok := b.Tensors[name]
	if !ok {
		return nil, false
	}
	if _, live := b.Graph.Tensor(t.ID()); !live {
		return nil, false
	}
	return t, true
}

// Names maps tensor ids back to description names.
func (b *Built) Names() map[graph.TensorID]string {
	names := make(map[graph.TensorID]string, len(b.Tensors))
	for name, t := range b.Tensors {
		names[t.ID()] = name
	}
	return names
}

// HasValues reports whether every graph input was given inline values.
func (b *Built) HasValues() bool {
	names := b.Names()
	for _, t := range b.Graph.Inputs() {
		if _, ok := b.values[names[t.ID()]]; !ok {
			return false
		}
	}
	return true
}

// LoadValues writes inline values into their tensors. It needs the graph's memory
// to be bound.
func (b *Built) LoadValues() error {
	for name, values := range b.values {
		if err := fallback.SetValues(b.Tensors[name], values); err != nil {
			return fmt.Errorf("loading values of %q: %w", name, err)
		}
	}
	return nil
}
