package hostrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flexigpt/hostrelay-go/internal/catalog"
	"github.com/flexigpt/hostrelay-go/internal/clock"
	"github.com/flexigpt/hostrelay-go/internal/router"
	"github.com/flexigpt/hostrelay-go/internal/transport"
	"github.com/flexigpt/hostrelay-go/spec"
)

const (
	defaultRedialAttempts = 5
	defaultRedialBase     = 500 * time.Millisecond
	maxRedialBackoff      = 10 * time.Second
)

type workerOptions struct {
	logger      *slog.Logger
	clock       clock.Clock
	roots       []string
	handlers    catalog.MapResolver
	workloadRef string

	redialAttempts int
	redialBase     time.Duration
}

type WorkerOption func(*workerOptions) error

func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(o *workerOptions) error {
		o.logger = l
		return nil
	}
}

func WithWorkerClock(c clock.Clock) WorkerOption {
	return func(o *workerOptions) error {
		o.clock = c
		return nil
	}
}

// WithManifestDirs adds directories scanned for module manifests.
func WithManifestDirs(dirs ...string) WorkerOption {
	return func(o *workerOptions) error {
		o.roots = append(o.roots, dirs...)
		return nil
	}
}

// WithModuleHandlers provides the handler map of one module. Modules without
// handlers still register but cannot execute commands.
func WithModuleHandlers(id spec.ModuleID, h spec.HandlerMap) WorkerOption {
	return func(o *workerOptions) error {
		if id == "" {
			return fmt.Errorf("%w: module id is required", spec.ErrInvalidArgument)
		}
		if o.handlers == nil {
			o.handlers = catalog.MapResolver{}
		}
		o.handlers[id] = h
		return nil
	}
}

func WithWorkerWorkloadRef(ref string) WorkerOption {
	return func(o *workerOptions) error {
		o.workloadRef = ref
		return nil
	}
}

// WithRedialPolicy bounds Run: after attempts consecutive failed connections
// it gives up. The wait between them doubles from base.
func WithRedialPolicy(attempts int, base time.Duration) WorkerOption {
	return func(o *workerOptions) error {
		if attempts <= 0 || base <= 0 {
			return fmt.Errorf("%w: redial policy needs attempts > 0 and base > 0", spec.ErrInvalidArgument)
		}
		o.redialAttempts = attempts
		o.redialBase = base
		return nil
	}
}

// Worker serves one user's capability catalog over a channel to the control
// plane. Commands are executed one at a time.
type Worker struct {
	user        spec.UserID
	workloadRef string
	catalog     *catalog.Catalog
	router      *router.Router
	clock       clock.Clock
	logger      *slog.Logger

	redialAttempts int
	redialBase     time.Duration

	// exec serializes handler invocations.
	exec sync.Mutex
}

func NewWorker(user spec.UserID, opts ...WorkerOption) (*Worker, error) {
	user = spec.NormalizeUser(user)
	if user == "" {
		return nil, fmt.Errorf("%w: worker user is required", spec.ErrInvalidArgument)
	}
	o := workerOptions{redialAttempts: defaultRedialAttempts, redialBase: defaultRedialBase}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}

	cat, err := catalog.New(o.handlers, catalog.WithLogger(o.logger), catalog.WithRoots(o.roots...))
	if err != nil {
		return nil, err
	}
	rt, err := router.New(cat, router.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	return &Worker{
		user:           user,
		workloadRef:    o.workloadRef,
		catalog:        cat,
		router:         rt,
		clock:          o.clock,
		logger:         o.logger.With("component", "worker", "user", user),
		redialAttempts: o.redialAttempts,
		redialBase:     o.redialBase,
	}, nil
}

func (w *Worker) User() spec.UserID { return w.user }

// Load scans the manifest directories and returns the number of modules
// registered.
func (w *Worker) Load(ctx context.Context) (int, error) {
	return w.catalog.Scan(ctx)
}

// Register adds an in-memory manifest. A later refresh_registry re-scans the
// manifest directories only and drops it.
func (w *Worker) Register(ctx context.Context, m spec.CapabilityManifest) error {
	return w.catalog.Register(ctx, m)
}

func (w *Worker) AvailableTools() []spec.AvailableTool { return w.catalog.AvailableTools() }

func (w *Worker) RegistryUpdate() spec.RegistryUpdate {
	return spec.RegistryUpdate{
		Type:           spec.TypeRegistryUpdated,
		TotalModules:   w.catalog.Len(),
		AvailableTools: w.catalog.AvailableTools(),
	}
}

// Handle executes one command and builds its response. changed reports a
// registry refresh, after which the control plane must get a new
// RegistryUpdate.
func (w *Worker) Handle(ctx context.Context, env spec.CommandEnvelope) (resp spec.ResponseEnvelope, changed bool) {
	w.exec.Lock()
	defer w.exec.Unlock()

	var res spec.Result
	switch {
	case env.ModuleID == "" && env.Command == CommandListCapabilities:
		upd := w.RegistryUpdate()
		res = spec.Success(fmt.Sprintf("%d modules", upd.TotalModules), map[string]any{
			"total_modules":   upd.TotalModules,
			"available_tools": upd.AvailableTools,
		})
	case env.ModuleID == "" && env.Command == CommandRefreshRegistry:
		n, err := w.catalog.Refresh(ctx)
		if err != nil && ctx.Err() != nil {
			res = spec.FailureFromError(err)
			break
		}
		changed = true
		data := map[string]any{"total_modules": n, "rejected": len(w.catalog.Rejected())}
		if err != nil {
			w.logger.Warn("registry refresh incomplete", "error", err)
			res = spec.Failure(spec.CodeOf(err), err.Error(), data)
		} else {
			res = spec.Success(fmt.Sprintf("registry refreshed: %d modules", n), data)
		}
	default:
		res = w.router.Dispatch(ctx, env)
	}

	if !res.OK() {
		w.logger.Debug("command failed", "message_id", env.MessageID, "command", env.Command,
			"code", res.Code, "message", res.Message)
	}
	return spec.NewResponse(env, res, w.clock.Now()), changed
}

// ErrRegistrationRefused is returned by Serve when the control plane refuses
// the worker.
var ErrRegistrationRefused = errors.New("worker registration refused")

// Serve registers with the control plane over ep, reports the registry and
// answers commands until the channel closes or ctx is done. A close by the
// control plane returns nil.
func (w *Worker) Serve(ctx context.Context, ep transport.Endpoint) error {
	defer ep.Close()

	reg := spec.WorkerRegister{Type: spec.TypeWorkerRegister, UserID: w.user, WorkloadRef: w.workloadRef}
	if err := ep.Send(ctx, reg); err != nil {
		return fmt.Errorf("%w: register: %w", spec.ErrNotConnected, err)
	}
	// A refused registration closes the channel; the error frame read below
	// explains why.
	if err := ep.Send(ctx, w.RegistryUpdate()); err != nil && !errors.Is(err, transport.ErrClosed) {
		return fmt.Errorf("%w: registry update: %w", spec.ErrNotConnected, err)
	}
	w.logger.Info("worker serving", "modules", w.catalog.Len())

	for {
		f, err := ep.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch f.Type {
		case spec.TypeCommand:
			var env spec.CommandEnvelope
			if err := f.Decode(&env); err != nil {
				w.logger.Warn("dropping malformed command", "error", err)
				continue
			}
			resp, changed := w.Handle(ctx, env)
			if err := ep.Send(ctx, resp); err != nil {
				return fmt.Errorf("%w: send response %s: %w", spec.ErrRoutingFailed, env.MessageID, err)
			}
			if changed {
				if err := ep.Send(ctx, w.RegistryUpdate()); err != nil {
					return fmt.Errorf("%w: registry update: %w", spec.ErrRoutingFailed, err)
				}
			}
		case spec.TypeError:
			var ef spec.ErrorFrame
			if err := f.Decode(&ef); err != nil {
				return err
			}
			if ef.MessageID == "" {
				return fmt.Errorf("%w: %s: %s", ErrRegistrationRefused, ef.Payload.Code, ef.Payload.Message)
			}
			w.logger.Warn("control plane reported an error", "message_id", ef.MessageID, "message", ef.Payload.Message)
		default:
			w.logger.Warn("unexpected frame from control plane", "type", f.Type)
		}
	}
}

// Run dials and serves until the control plane closes the channel or ctx is
// done. Failed connections are retried with exponential backoff; after the
// configured number of consecutive failures the last error is returned.
func (w *Worker) Run(ctx context.Context, dial func(context.Context) (transport.Endpoint, error)) error {
	failures := 0
	delay := w.redialBase
	for {
		ep, err := dial(ctx)
		if err == nil {
			err = w.Serve(ctx, ep)
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrRegistrationRefused) {
				// The connection was up; start counting afresh.
				failures, delay = 0, w.redialBase
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		failures++
		if failures >= w.redialAttempts {
			return fmt.Errorf("worker gave up after %d attempts: %w", failures, err)
		}
		w.logger.Warn("control plane connection failed; redialing", "attempt", failures, "delay", delay, "error", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay = min(2*delay, maxRedialBackoff)
	}
}
