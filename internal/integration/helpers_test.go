package integration

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/flexigpt/hostrelay-go"
	"github.com/flexigpt/hostrelay-go/internal/transport"
	"github.com/flexigpt/hostrelay-go/spec"
)

const waitFor = 5 * time.Second

func boolPtr(b bool) *bool        { return &b }
func floatPtr(f float64) *float64 { return &f }

func module(id string, tools ...spec.ToolSpec) spec.CapabilityManifest {
	return spec.CapabilityManifest{
		ModuleInfo: spec.ModuleInfo{
			ID: spec.ModuleID(id), Name: id, Version: "1.0.0", Author: "studio", Category: "scene",
		},
		Capabilities: spec.Capabilities{Description: id + " tools", Tools: tools},
	}
}

func tool(name string, ps ...spec.ParameterSpec) spec.ToolSpec {
	return spec.ToolSpec{Name: name, Description: "Runs " + name + ".", Usage: name + "()", Parameters: ps}
}

var strengthParam = spec.ParameterSpec{
	Name: "strength", Type: spec.ParamFloat, Description: "Light power.",
	Required: boolPtr(false), Default: 1.0, Min: floatPtr(0), Max: floatPtr(10),
}

var cameraNameParam = spec.ParameterSpec{
	Name: "camera_name", Type: spec.ParamString, Description: "Camera to move.", Required: boolPtr(true),
}

// recordingLauncher notes the session state observed at every launch.
type recordingLauncher struct {
	cp *hostrelay.ControlPlane

	mu       sync.Mutex
	observed []spec.SessionState
}

func (l *recordingLauncher) Launch(_ context.Context, user spec.UserID, _ string) error {
	info, _ := l.cp.Session(user)
	l.mu.Lock()
	l.observed = append(l.observed, info.State)
	l.mu.Unlock()
	return nil
}

func (l *recordingLauncher) Terminate(context.Context, spec.UserID) error { return nil }

func (l *recordingLauncher) Running(context.Context, spec.UserID) bool { return false }

func (l *recordingLauncher) states() []spec.SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.observed)
}

func mustNewControlPlane(t *testing.T, opts ...hostrelay.Option) *hostrelay.ControlPlane {
	t.Helper()
	cp, err := hostrelay.NewControlPlane(opts...)
	if err != nil {
		t.Fatalf("NewControlPlane: %v", err)
	}
	t.Cleanup(cp.Close)
	return cp
}

func mustNewWorker(
	t *testing.T,
	user spec.UserID,
	handlers map[spec.ModuleID]spec.HandlerMap,
	mods ...spec.CapabilityManifest,
) *hostrelay.Worker {
	t.Helper()
	var opts []hostrelay.WorkerOption
	for id, h := range handlers {
		opts = append(opts, hostrelay.WithModuleHandlers(id, h))
	}
	w, err := hostrelay.NewWorker(user, opts...)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	for _, m := range mods {
		if err := w.Register(t.Context(), m); err != nil {
			t.Fatalf("Register %s: %v", m.ID(), err)
		}
	}
	return w
}

// browser is the client side of an in-memory browser channel.
type browser struct {
	t  *testing.T
	ep transport.Endpoint
}

func connectBrowser(ctx context.Context, t *testing.T, cp *hostrelay.ControlPlane, user spec.UserID) *browser {
	t.Helper()
	client, server := transport.Pipe(transport.JSON)
	go func() { _ = transport.ServeBrowser(ctx, cp, user, server, nil) }()
	t.Cleanup(func() { _ = client.Close() })
	return &browser{t: t, ep: client}
}

func (b *browser) send(msg any) {
	b.t.Helper()
	if err := b.ep.Send(b.t.Context(), msg); err != nil {
		b.t.Fatalf("browser send: %v", err)
	}
}

func (b *browser) ready() { b.send(spec.BrowserReady{Type: spec.TypeBrowserReady}) }

func (b *browser) command(id spec.MessageID, command string, params map[string]any) {
	b.send(spec.CommandEnvelope{MessageID: id, Type: spec.TypeCommand, Command: command, Params: params})
}

func (b *browser) next(types ...spec.MessageType) transport.Frame {
	b.t.Helper()
	ctx, cancel := context.WithTimeout(b.t.Context(), waitFor)
	defer cancel()
	for {
		f, err := b.ep.Receive(ctx)
		if err != nil {
			b.t.Fatalf("waiting for %v: %v", types, err)
		}
		if slices.Contains(types, f.Type) {
			return f
		}
	}
}

func (b *browser) response() spec.ResponseEnvelope {
	b.t.Helper()
	var resp spec.ResponseEnvelope
	if err := b.next(spec.TypeCommandCompleted, spec.TypeCommandFailed).Decode(&resp); err != nil {
		b.t.Fatal(err)
	}
	return resp
}

func (b *browser) waitStatus(want spec.SessionState) {
	b.t.Helper()
	for {
		var st spec.SessionStatus
		if err := b.next(spec.TypeSessionStatus).Decode(&st); err != nil {
			b.t.Fatal(err)
		}
		if st.State == want {
			return
		}
	}
}

func attachWorker(ctx context.Context, cp *hostrelay.ControlPlane, w *hostrelay.Worker) <-chan error {
	client, server := transport.Pipe(transport.JSON)
	go func() { _ = transport.ServeWorker(ctx, cp, server, nil) }()
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx, client) }()
	return done
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, cp *hostrelay.ControlPlane, user spec.UserID, want spec.SessionState) {
	t.Helper()
	eventually(t, string(user)+" in "+string(want), func() bool {
		info, ok := cp.Session(user)
		return ok && info.State == want
	})
}
