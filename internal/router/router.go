// Package router resolves commands to module handlers and executes them,
// converting every outcome into a canonical spec.Result.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"

	"github.com/flexigpt/hostrelay-go/internal/params"
	"github.com/flexigpt/hostrelay-go/spec"
)

// Registry is the read side of the capability registry the router needs.
type Registry interface {
	ModuleIDs() []spec.ModuleID
	FindTool(id spec.ModuleID, name string) (spec.ToolSpec, bool)
	Handlers(id spec.ModuleID) (spec.HandlerMap, bool)
}

type Router struct {
	reg    Registry
	logger *slog.Logger
}

type Option func(*Router) error

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) error {
		r.logger = l
		return nil
	}
}

func New(reg Registry, opts ...Option) (*Router, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: nil registry", spec.ErrInvalidArgument)
	}
	r := &Router{reg: reg}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(r); err != nil {
			return nil, err
		}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "router")
	return r, nil
}

// FindTarget returns the module owning a tool named command. The preferred
// module is checked first; otherwise modules are scanned in registration
// order and the first match wins.
func (r *Router) FindTarget(command string, preferred spec.ModuleID) (spec.ModuleID, spec.ToolSpec, error) {
	if preferred != "" {
		if t, ok := r.reg.FindTool(preferred, command); ok {
			return preferred, t, nil
		}
	}
	for _, id := range r.reg.ModuleIDs() {
		if t, ok := r.reg.FindTool(id, command); ok {
			return id, t, nil
		}
	}
	return "", spec.ToolSpec{}, fmt.Errorf("%w: no module exposes command %q", spec.ErrNotFound, command)
}

// Dispatch routes one command envelope. When the envelope names a module the
// tool spec is looked up there; otherwise FindTarget picks the module.
func (r *Router) Dispatch(ctx context.Context, env spec.CommandEnvelope) spec.Result {
	mod := env.ModuleID
	var tool *spec.ToolSpec

	if mod == "" {
		id, t, err := r.FindTarget(env.Command, "")
		if err != nil {
			return spec.FailureFromError(err)
		}
		mod, tool = id, &t
	} else if t, ok := r.reg.FindTool(mod, env.Command); ok {
		tool = &t
	}
	return r.Execute(ctx, mod, env.Command, env.Params, tool)
}

// Execute runs one handler. It never panics and never returns an error: every
// failure is reported as an error Result. Parameter validation is skipped
// when tool is nil.
func (r *Router) Execute(
	ctx context.Context,
	mod spec.ModuleID,
	command string,
	args map[string]any,
	tool *spec.ToolSpec,
) (res spec.Result) {
	handlers, ok := r.reg.Handlers(mod)
	if !ok {
		return spec.Failure(spec.CodeNotFound, fmt.Sprintf("module %q is not registered", mod), nil)
	}
	if len(handlers) == 0 {
		return spec.Failure(spec.CodeNoHandlers, fmt.Sprintf("module %q has no loaded handlers", mod), nil)
	}
	h, ok := handlers[command]
	if !ok || h == nil {
		available := handlers.Names()
		slices.Sort(available)
		return spec.Failure(
			spec.CodeCommandNotFound,
			fmt.Sprintf("command %q not found in module %q", command, mod),
			map[string]any{"available_commands": available},
		)
	}

	if tool != nil {
		validated, err := params.Validate(tool.Parameters, args, r.logger)
		if err != nil {
			return spec.Failure(spec.CodeValidation, err.Error(), nil)
		}
		args = validated
	} else if args == nil {
		args = map[string]any{}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked",
				"module", mod, "command", command, "panic", p, "stack", string(debug.Stack()))
			res = spec.Failure(spec.CodeExecutionFailed, fmt.Sprintf("handler %q panicked: %v", command, p), nil)
		}
	}()

	out, err := h(ctx, args)
	if err != nil {
		return spec.Failure(spec.CodeOf(err), err.Error(), nil)
	}
	return Normalize(out)
}

// Normalize converts any handler return value into a Result. Results pass
// through; maps carrying a "status" key are read as result-shaped; anything
// else becomes the data of a success.
func Normalize(v any) spec.Result {
	switch x := v.(type) {
	case nil:
		return spec.Success("", nil)
	case spec.Result:
		if x.Status == "" {
			x.Status = spec.StatusSuccess
		}
		if x.Status == spec.StatusError && x.Code == "" {
			x.Code = spec.CodeExecutionFailed
		}
		return x
	case *spec.Result:
		if x == nil {
			return spec.Success("", nil)
		}
		return Normalize(*x)
	case map[string]any:
		st, ok := x["status"].(string)
		if !ok {
			return spec.Success("", x)
		}
		msg, _ := x["message"].(string)
		code, _ := x["code"].(string)
		res := spec.Result{Status: spec.Status(st), Message: msg, Code: spec.ErrorCode(code), Data: x["data"]}
		if res.Status != spec.StatusSuccess {
			res.Status = spec.StatusError
		}
		return Normalize(res)
	default:
		return spec.Success("", v)
	}
}
