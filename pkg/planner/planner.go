// Package planner turns graph descriptions into execution plans. It is the shared
// core of the graphopt CLI and the plan server.
package planner

import (
	"context"
	"fmt"

	"github.com/gomlx/exceptions"
	"k8s.io/examples/AI/tensorgraph/pkg/allocator"
	"k8s.io/examples/AI/tensorgraph/pkg/engine"
	"k8s.io/examples/AI/tensorgraph/pkg/engine/fallback"
	"k8s.io/examples/AI/tensorgraph/pkg/graph"
	"k8s.io/examples/AI/tensorgraph/pkg/graphdef"
	"k8s.io/examples/AI/tensorgraph/pkg/runtime"
	"k8s.io/klog/v2"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultMaxArenaBytes is the arena limit the commands apply unless configured.
const DefaultMaxArenaBytes = 1 << 30

type Options struct {
	// Alignment of tensor regions in the arena; 0 means allocator.DefaultAlignment.
	Alignment int

	DisableOptimize bool

	// MaxArenaBytes rejects graphs whose tensors need a larger arena; 0 means no limit.
	MaxArenaBytes int

	// Execute runs the plan on the fallback engine when every input has inline values.
	Execute bool
}

type Report struct {
	Name    string               `json:"name"`
	Plan    *engine.Plan         `json:"plan"`
	Outputs map[string][]float32 `json:"outputs,omitempty"`

	// Dump is the textual form of the prepared graph.
	Dump string `json:"-"`
}

type Planner struct {
	opts Options
}

func New(opts Options) (*Planner, error) {
	if opts.Alignment == 0 {
		opts.Alignment = allocator.DefaultAlignment
	}
	if opts.Alignment < 0 || opts.Alignment&(opts.Alignment-1) != 0 {
		return nil, fmt.Errorf("alignment must be a power of two, got %d", opts.Alignment)
	}
	if opts.MaxArenaBytes < 0 {
		return nil, fmt.Errorf("arena limit must not be negative, got %d", opts.MaxArenaBytes)
	}
	return &Planner{opts: opts}, nil
}

// PlanBytes parses a description named name (the extension selects JSON or YAML)
// and plans it.
func (p *Planner) PlanBytes(ctx context.Context, name string, data []byte) (*Report, error) {
	def, err := graphdef.ParseBytes(name, data)
	if err != nil {
		return nil, invalidArgument{err}
	}
	return p.Plan(ctx, def)
}

// Plan builds, prepares and optionally executes def in a runtime of its own.
// Errors carry a grpc status code: InvalidArgument for bad descriptions,
// FailedPrecondition for executions without input values and Internal for
// violated graph invariants.
func (p *Planner) Plan(ctx context.Context, def *graphdef.Definition) (report *Report, err error) {
	exception := exceptions.TryCatch[error](func() {
		report, err = p.plan(ctx, def)
	})
	if exception != nil {
		return nil, status.Errorf(codes.Internal, "planning %q: %v", def.Name, exception)
	}
	return report, err
}

func (p *Planner) plan(ctx context.Context, def *graphdef.Definition) (*Report, error) {
	log := klog.FromContext(ctx).WithValues("graph", def.Name)
	ctx = klog.NewContext(ctx, log)

	rt := runtime.NewCPURuntime(def.Name)
	built, err := def.Build(ctx, rt, graph.WithAlignment(p.opts.Alignment), graph.WithMaxArenaBytes(p.opts.MaxArenaBytes))
	if err != nil {
		return nil, invalidArgument{err}
	}

	plan, err := engine.Prepare(ctx, built.Graph, engine.Options{DisableOptimize: p.opts.DisableOptimize})
	if err != nil {
		return nil, invalidArgument{err}
	}
	plan.LabelTensors(built.Names())

	report := &Report{
		Name: def.Name,
		Plan: plan,
		Dump: built.Graph.String(),
	}
	if !p.opts.Execute {
		return report, nil
	}

	if !built.HasValues() {
		return nil, status.Errorf(codes.FailedPrecondition, "graph %q has inputs without values", def.Name)
	}
	if err := built.LoadValues(); err != nil {
		return nil, err
	}

	outputs := make(map[string]*graph.Tensor)
	var want []graph.TensorID
	names := built.Names()
	for _, t := range built.Outputs {
		name := names[t.ID()]
		live, ok := built.Lookup(name)
		if !ok {
			log.Info("output was removed by optimization", "tensor", name)
			continue
		}
		outputs[name] = live
		want = append(want, live.ID())
	}
	if len(want) == 0 {
		return report, nil
	}

	if err := engine.Evaluate(ctx, built.Graph, fallback.New(), want...); err != nil {
		return nil, err
	}
	report.Outputs = make(map[string][]float32, len(outputs))
	for name, t := range outputs {
		values, err := fallback.Values(t)
		if err != nil {
			return nil, fmt.Errorf("reading output %q: %w", name, err)
		}
		report.Outputs[name] = values
	}
	return report, nil
}

// invalidArgument marks an error as caused by the description while keeping the
// original error reachable with errors.Is.
type invalidArgument struct {
	err error
}

func (e invalidArgument) Error() string {
	return e.err.Error()
}

func (e invalidArgument) Unwrap() error {
	return e.err
}

func (e invalidArgument) GRPCStatus() *status.Status {
	return status.New(codes.InvalidArgument, e.err.Error())
}
