// Package toolset turns the flattened capability list into agent-invocable
// tools. Every tool goes through one generic path: name + argument map,
// looked up in a (module, tool) table and sent with route=agent.
package toolset

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/flexigpt/hostrelay-go/spec"
)

// Invoker sends one agent-routed command and waits for its result.
type Invoker func(ctx context.Context, mod spec.ModuleID, command string, args map[string]any) (spec.Result, error)

// Args is the argument map an agent passes to a tool.
type Args map[string]any

// Stub is one invocable tool bound to its owning module.
type Stub struct {
	ModuleID   spec.ModuleID
	ModuleName string
	Spec       spec.ToolSpec
}

type Toolset struct {
	stubs   []Stub
	byName  map[string]int
	dropped []spec.AvailableTool
	invoke  Invoker
	logger  *slog.Logger
}

type Option func(*Toolset) error

func WithLogger(l *slog.Logger) Option {
	return func(ts *Toolset) error {
		ts.logger = l
		return nil
	}
}

// Build creates stubs in the order of tools. A tool name already taken by an
// earlier module is dropped with a warning; it is never an error.
func Build(tools []spec.AvailableTool, invoke Invoker, opts ...Option) (*Toolset, error) {
	if invoke == nil {
		return nil, fmt.Errorf("%w: nil invoker", spec.ErrInvalidArgument)
	}
	ts := &Toolset{byName: map[string]int{}, invoke: invoke}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(ts); err != nil {
			return nil, err
		}
	}
	if ts.logger == nil {
		ts.logger = slog.Default()
	}
	ts.logger = ts.logger.With("component", "toolset")

	for _, t := range tools {
		if i, dup := ts.byName[t.Name]; dup {
			kept := ts.stubs[i]
			ts.logger.Warn("duplicate tool name; keeping first registered",
				"tool", t.Name, "kept_module", kept.ModuleID, "dropped_module", t.ModuleID)
			ts.dropped = append(ts.dropped, t)
			continue
		}
		ts.byName[t.Name] = len(ts.stubs)
		ts.stubs = append(ts.stubs, Stub{ModuleID: t.ModuleID, ModuleName: t.ModuleName, Spec: t.ToolSpec})
	}
	return ts, nil
}

func (ts *Toolset) Len() int { return len(ts.stubs) }

// Names returns tool names in build order.
func (ts *Toolset) Names() []string {
	out := make([]string, 0, len(ts.stubs))
	for _, s := range ts.stubs {
		out = append(out, s.Spec.Name)
	}
	return out
}

func (ts *Toolset) Stubs() []Stub { return slices.Clone(ts.stubs) }

func (ts *Toolset) Lookup(name string) (Stub, bool) {
	i, ok := ts.byName[name]
	if !ok {
		return Stub{}, false
	}
	return ts.stubs[i], true
}

// Dropped returns the tools that lost a name collision.
func (ts *Toolset) Dropped() []spec.AvailableTool { return slices.Clone(ts.dropped) }

// Invoke calls a tool by name. Arguments explicitly set to nil are treated
// as unset and stripped before sending.
func (ts *Toolset) Invoke(ctx context.Context, name string, args Args) (spec.Result, error) {
	s, ok := ts.Lookup(name)
	if !ok {
		return spec.Result{}, fmt.Errorf("%w: tool %q", spec.ErrNotFound, name)
	}
	clean := maps.Clone(map[string]any(args))
	if clean == nil {
		clean = map[string]any{}
	}
	maps.DeleteFunc(clean, func(_ string, v any) bool { return v == nil })
	return ts.invoke(ctx, s.ModuleID, s.Spec.Name, clean)
}
