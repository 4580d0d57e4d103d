package hostrelay

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/flexigpt/hostrelay-go/internal/broker"
	"github.com/flexigpt/hostrelay-go/internal/session"
	"github.com/flexigpt/hostrelay-go/internal/toolset"
	"github.com/flexigpt/hostrelay-go/internal/transport"
	"github.com/flexigpt/hostrelay-go/spec"
)

var (
	_ transport.Handler   = (*ControlPlane)(nil)
	_ transport.Inspector = (*ControlPlane)(nil)
)

// capabilitySnapshot is the last registry update of one user's worker.
type capabilitySnapshot struct {
	totalModules int
	tools        []spec.AvailableTool
	toolset      *toolset.Toolset
}

// ControlPlane links each user's browser to their worker. It owns the
// session registry and the correlation broker and keeps the capability
// snapshot reported by every worker.
type ControlPlane struct {
	logger *slog.Logger
	store  *session.Store
	broker *broker.Broker
	agent  bool

	mu        sync.RWMutex
	snapshots map[spec.UserID]*capabilitySnapshot
}

func NewControlPlane(opts ...Option) (*ControlPlane, error) {
	o := controlPlaneOptions{agent: true, queueable: broker.DefaultQueueableCommands}
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

	cp := &ControlPlane{
		logger:    o.logger.With("component", "control_plane"),
		agent:     o.agent,
		snapshots: map[spec.UserID]*capabilitySnapshot{},
	}
	cp.store = session.NewStore(session.StoreConfig{
		WorkerConnectTimeout: o.connectTimeout,
		GracePeriod:          o.gracePeriod,
		MaxReconnectAttempts: o.maxReconnects,
		ReconnectBaseBackoff: o.baseBackoff,
		ReconnectMaxBackoff:  o.maxBackoff,
		WorkloadRef:          o.workloadRef,
		Launcher:             o.launcher,
		Clock:                o.clock,
		Logger:               o.logger,
		OnTeardown:           cp.onTeardown,
	})

	bopts := []broker.Option{broker.WithLogger(o.logger), broker.WithQueueableCommands(o.queueable...)}
	if o.clock != nil {
		bopts = append(bopts, broker.WithClock(o.clock))
	}
	b, err := broker.New(cp.store, bopts...)
	if err != nil {
		cp.store.Close()
		return nil, err
	}
	cp.broker = b
	return cp, nil
}

// Close tears down every session.
func (cp *ControlPlane) Close() {
	cp.store.Close()
}

func (cp *ControlPlane) BrowserConnected(_ context.Context, user spec.UserID, ch spec.Channel) error {
	_, err := cp.store.BrowserConnected(user, ch)
	return err
}

func (cp *ControlPlane) BrowserReady(ctx context.Context, user spec.UserID) error {
	_, err := cp.store.BrowserReady(ctx, user)
	return err
}

// BrowserCommand forwards a UI-issued command; its response goes back to
// the browser.
func (cp *ControlPlane) BrowserCommand(ctx context.Context, user spec.UserID, env spec.CommandEnvelope) error {
	env.Metadata.Source = spec.SourceBrowser
	_, err := cp.broker.Send(ctx, user, spec.RouteDirect, env)
	return err
}

func (cp *ControlPlane) BrowserDisconnected(user spec.UserID, ch spec.Channel) {
	cp.store.BrowserDisconnected(user, ch)
}

func (cp *ControlPlane) WorkerRegistered(ctx context.Context, reg spec.WorkerRegister, ch spec.Channel) error {
	return cp.store.WorkerRegistered(ctx, reg.UserID, ch)
}

func (cp *ControlPlane) WorkerResponse(ctx context.Context, user spec.UserID, resp spec.ResponseEnvelope) {
	cp.broker.Resolve(ctx, user, resp)
}

// RegistryUpdated replaces the user's capability snapshot and, with the
// agent enabled, rebuilds the user's toolset from it.
func (cp *ControlPlane) RegistryUpdated(_ context.Context, user spec.UserID, upd spec.RegistryUpdate) {
	user = spec.NormalizeUser(user)
	snap := &capabilitySnapshot{
		totalModules: upd.TotalModules,
		tools:        slices.Clone(upd.AvailableTools),
	}
	if cp.agent {
		ts, err := cp.buildToolset(user, snap.tools)
		if err != nil {
			cp.logger.Error("toolset rebuild failed", "user", user, "error", err)
		} else {
			snap.toolset = ts
		}
	}

	cp.mu.Lock()
	cp.snapshots[user] = snap
	cp.mu.Unlock()

	cp.logger.Info("capabilities updated", "user", user,
		"modules", upd.TotalModules, "tools", len(upd.AvailableTools))
}

func (cp *ControlPlane) WorkerDisconnected(user spec.UserID, ch spec.Channel) {
	cp.store.WorkerDisconnected(user, ch)
}

// ExecuteAgentCommand sends an agent-routed command and waits for the
// worker's result. Only ctx bounds the wait.
func (cp *ControlPlane) ExecuteAgentCommand(
	ctx context.Context,
	user spec.UserID,
	module spec.ModuleID,
	command string,
	params map[string]any,
) (spec.Result, error) {
	return cp.broker.Call(ctx, user, spec.CommandEnvelope{
		ModuleID: module,
		Command:  command,
		Params:   params,
		Metadata: spec.Metadata{Source: spec.SourceAgent},
	})
}

// Teardown closes the session of user, terminating its worker.
func (cp *ControlPlane) Teardown(user spec.UserID) bool {
	return cp.store.Teardown(user, nil)
}

// Sessions lists every session with its in-flight request count.
func (cp *ControlPlane) Sessions() []spec.SessionInfo {
	infos := cp.store.List()
	for i := range infos {
		infos[i].PendingRequests = cp.broker.Pending(infos[i].UserID)
	}
	return infos
}

func (cp *ControlPlane) Session(user spec.UserID) (spec.SessionInfo, bool) {
	info, ok := cp.store.Info(user)
	if ok {
		info.PendingRequests = cp.broker.Pending(info.UserID)
	}
	return info, ok
}

// AvailableTools returns the last tool list reported by the user's worker.
func (cp *ControlPlane) AvailableTools(user spec.UserID) ([]spec.AvailableTool, bool) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	snap, ok := cp.snapshots[spec.NormalizeUser(user)]
	if !ok {
		return nil, false
	}
	return slices.Clone(snap.tools), true
}

// Agent returns the agent view of user. It always reflects the most recent
// registry update.
func (cp *ControlPlane) Agent(user spec.UserID) (*AgentSession, error) {
	user = spec.NormalizeUser(user)
	if user == "" {
		return nil, fmt.Errorf("%w: user is required", spec.ErrInvalidArgument)
	}
	if !cp.agent {
		return nil, fmt.Errorf("%w: agent integration is disabled", spec.ErrInvalidArgument)
	}
	return &AgentSession{cp: cp, user: user}, nil
}

func (cp *ControlPlane) toolset(user spec.UserID) (*toolset.Toolset, error) {
	cp.mu.RLock()
	snap, ok := cp.snapshots[user]
	cp.mu.RUnlock()
	if ok && snap.toolset != nil {
		return snap.toolset, nil
	}
	return cp.buildToolset(user, nil)
}

func (cp *ControlPlane) buildToolset(user spec.UserID, tools []spec.AvailableTool) (*toolset.Toolset, error) {
	invoke := func(ctx context.Context, mod spec.ModuleID, command string, args map[string]any) (spec.Result, error) {
		return cp.ExecuteAgentCommand(ctx, user, mod, command, args)
	}
	return toolset.Build(tools, invoke, toolset.WithLogger(cp.logger.With("user", user)))
}

func (cp *ControlPlane) onTeardown(user spec.UserID, reason error) {
	cp.broker.Abandon(user, reason)
	cp.mu.Lock()
	delete(cp.snapshots, user)
	cp.mu.Unlock()
}
