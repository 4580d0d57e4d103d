package hostrelay

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/flexigpt/hostrelay-go/internal/transport"
	"github.com/flexigpt/hostrelay-go/spec"
)

const waitFor = 5 * time.Second

func boolPtr(b bool) *bool        { return &b }
func floatPtr(f float64) *float64 { return &f }

func module(id string, tools ...spec.ToolSpec) spec.CapabilityManifest {
	return spec.CapabilityManifest{
		ModuleInfo: spec.ModuleInfo{
			ID: spec.ModuleID(id), Name: id + " module", Version: "1.0.0", Author: "tests", Category: "scene",
		},
		Capabilities: spec.Capabilities{Description: id + " tools", Tools: tools},
	}
}

func tool(name string, ps ...spec.ParameterSpec) spec.ToolSpec {
	return spec.ToolSpec{Name: name, Description: "does " + name, Usage: name + "()", Parameters: ps}
}

var fovParam = spec.ParameterSpec{
	Name: "fov", Type: spec.ParamFloat, Description: "field of view",
	Required: boolPtr(false), Default: 60.0, Min: floatPtr(10), Max: floatPtr(120),
}

// fakeLauncher records lifecycle calls. With start set, every launch starts
// a worker for the user in the background.
type fakeLauncher struct {
	mu         sync.Mutex
	launches   []spec.UserID
	terminated []spec.UserID
	running    map[spec.UserID]bool
	launchErr  error
	start      func(user spec.UserID)
}

func (l *fakeLauncher) Launch(_ context.Context, user spec.UserID, _ string) error {
	l.mu.Lock()
	l.launches = append(l.launches, user)
	if l.launchErr != nil {
		l.mu.Unlock()
		return l.launchErr
	}
	if l.running == nil {
		l.running = map[spec.UserID]bool{}
	}
	l.running[user] = true
	start := l.start
	l.mu.Unlock()

	if start != nil {
		go start(user)
	}
	return nil
}

func (l *fakeLauncher) Terminate(_ context.Context, user spec.UserID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminated = append(l.terminated, user)
	delete(l.running, user)
	return nil
}

func (l *fakeLauncher) Running(_ context.Context, user spec.UserID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[user]
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

func (l *fakeLauncher) wasTerminated(user spec.UserID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Contains(l.terminated, user)
}

func newControlPlane(t *testing.T, opts ...Option) *ControlPlane {
	t.Helper()
	cp, err := NewControlPlane(opts...)
	if err != nil {
		t.Fatalf("NewControlPlane: %v", err)
	}
	t.Cleanup(cp.Close)
	return cp
}

func newWorker(t *testing.T, user spec.UserID, handlers map[spec.ModuleID]spec.HandlerMap,
	mods ...spec.CapabilityManifest,
) *Worker {
	t.Helper()
	var opts []WorkerOption
	for id, h := range handlers {
		opts = append(opts, WithModuleHandlers(id, h))
	}
	w, err := NewWorker(user, opts...)
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

// browserClient is the browser end of an in-memory channel served by the
// control plane.
type browserClient struct {
	ep   *transport.PipeEnd
	done chan error
}

func connectBrowser(ctx context.Context, t *testing.T, cp *ControlPlane, user spec.UserID) *browserClient {
	t.Helper()
	client, server := transport.Pipe(transport.JSON)
	b := &browserClient{ep: client, done: make(chan error, 1)}
	go func() { b.done <- transport.ServeBrowser(ctx, cp, user, server, nil) }()
	t.Cleanup(func() { _ = client.Close() })
	return b
}

func (b *browserClient) send(t *testing.T, msg any) {
	t.Helper()
	if err := b.ep.Send(t.Context(), msg); err != nil {
		t.Fatalf("browser send: %v", err)
	}
}

func (b *browserClient) ready(t *testing.T) {
	t.Helper()
	b.send(t, spec.BrowserReady{Type: spec.TypeBrowserReady})
}

// expect reads frames until one of the given types arrives.
func (b *browserClient) expect(t *testing.T, types ...spec.MessageType) transport.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), waitFor)
	defer cancel()
	for {
		f, err := b.ep.Receive(ctx)
		if err != nil {
			t.Fatalf("waiting for %v: %v", types, err)
		}
		if slices.Contains(types, f.Type) {
			return f
		}
	}
}

func (b *browserClient) status(t *testing.T, want spec.SessionState) {
	t.Helper()
	for {
		var st spec.SessionStatus
		if err := b.expect(t, spec.TypeSessionStatus).Decode(&st); err != nil {
			t.Fatal(err)
		}
		if st.State == want {
			return
		}
	}
}

func (b *browserClient) response(t *testing.T) spec.ResponseEnvelope {
	t.Helper()
	var resp spec.ResponseEnvelope
	if err := b.expect(t, spec.TypeCommandCompleted, spec.TypeCommandFailed).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

// attachWorker connects w to cp over an in-memory channel and returns the
// worker's Serve result channel.
func attachWorker(ctx context.Context, cp *ControlPlane, w *Worker) (*transport.PipeEnd, <-chan error) {
	client, server := transport.Pipe(transport.JSON)
	go func() { _ = transport.ServeWorker(ctx, cp, server, nil) }()
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx, client) }()
	return client, done
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

func waitState(t *testing.T, cp *ControlPlane, user spec.UserID, want spec.SessionState) {
	t.Helper()
	eventually(t, "state "+string(want), func() bool {
		info, ok := cp.Session(user)
		return ok && info.State == want
	})
}
