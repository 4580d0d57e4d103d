package hostrelay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flexigpt/hostrelay-go/internal/transport"
	"github.com/flexigpt/hostrelay-go/spec"
)

const lightingManifest = `module_info:
  id: lighting
  name: Lighting Tools
  version: "1.2.0"
  author: studio
  category: scene
capabilities:
  description: Create and adjust lights.
  tools:
    - name: update_light
      description: Update a light.
      usage: update_light(strength=2.0)
      parameters:
        - name: strength
          type: float
          description: Light power.
          required: false
          default: 1.0
          min: 0
          max: 10
`

func writeModule(t *testing.T, root, dir, body string) {
	t.Helper()
	p := filepath.Join(root, dir)
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(p, "manifest.yaml"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestNewWorkerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewWorker("  "); !errors.Is(err, spec.ErrInvalidArgument) {
		t.Fatalf("blank user err = %v", err)
	}
	if _, err := NewWorker("alice", WithModuleHandlers("", nil)); !errors.Is(err, spec.ErrInvalidArgument) {
		t.Fatalf("blank module err = %v", err)
	}
	if _, err := NewWorker("alice", WithRedialPolicy(0, time.Second)); !errors.Is(err, spec.ErrInvalidArgument) {
		t.Fatalf("redial err = %v", err)
	}
	w, err := NewWorker(" alice ", nil)
	if err != nil {
		t.Fatal(err)
	}
	if w.User() != "alice" {
		t.Fatalf("user = %q", w.User())
	}
}

func TestWorkerHandle(t *testing.T) {
	t.Parallel()

	handlers := map[spec.ModuleID]spec.HandlerMap{
		"lighting": {"update_light": func(_ context.Context, p map[string]any) (any, error) {
			return map[string]any{"strength": p["strength"]}, nil
		}},
	}
	w := newWorker(t, "alice", handlers,
		module("lighting", tool("update_light", spec.ParameterSpec{
			Name: "strength", Type: spec.ParamFloat, Description: "power",
			Required: boolPtr(false), Default: 1.0, Min: floatPtr(0), Max: floatPtr(10),
		})),
		module("scene", tool("list_objects")),
	)

	tests := []struct {
		name     string
		env      spec.CommandEnvelope
		wantType spec.MessageType
		wantCode spec.ErrorCode
		check    func(t *testing.T, res spec.Result)
	}{
		{
			name:     "list capabilities",
			env:      spec.CommandEnvelope{MessageID: "1", Command: CommandListCapabilities},
			wantType: spec.TypeCommandCompleted,
			check: func(t *testing.T, res spec.Result) {
				t.Helper()
				data := res.Data.(map[string]any)
				if data["total_modules"] != 2 {
					t.Fatalf("total_modules = %v", data["total_modules"])
				}
				if tools := data["available_tools"].([]spec.AvailableTool); len(tools) != 2 {
					t.Fatalf("tools = %v", tools)
				}
			},
		},
		{
			name:     "default applied",
			env:      spec.CommandEnvelope{MessageID: "2", Command: "update_light"},
			wantType: spec.TypeCommandCompleted,
			check: func(t *testing.T, res spec.Result) {
				t.Helper()
				if got := res.Data.(map[string]any)["strength"]; got != 1.0 {
					t.Fatalf("strength = %v", got)
				}
			},
		},
		{
			name:     "out of range",
			env:      spec.CommandEnvelope{MessageID: "3", Command: "update_light", Params: map[string]any{"strength": 11.0}},
			wantType: spec.TypeCommandFailed,
			wantCode: spec.CodeValidation,
		},
		{
			name:     "module without handlers",
			env:      spec.CommandEnvelope{MessageID: "4", ModuleID: "scene", Command: "list_objects"},
			wantType: spec.TypeCommandFailed,
			wantCode: spec.CodeNoHandlers,
		},
		{
			name:     "unknown command",
			env:      spec.CommandEnvelope{MessageID: "5", Command: "explode"},
			wantType: spec.TypeCommandFailed,
			wantCode: spec.CodeNotFound,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tc.env.Metadata.Route = spec.RouteAgent
			resp, changed := w.Handle(t.Context(), tc.env)
			if changed {
				t.Fatal("registry reported changed")
			}
			if resp.MessageID != tc.env.MessageID || resp.Type != tc.wantType {
				t.Fatalf("resp = %+v", resp)
			}
			if resp.Metadata.Route != spec.RouteAgent || resp.Metadata.Source != spec.SourceWorker {
				t.Fatalf("metadata = %+v", resp.Metadata)
			}
			if tc.wantCode != "" && resp.Payload.Code != tc.wantCode {
				t.Fatalf("code = %q, want %q (%s)", resp.Payload.Code, tc.wantCode, resp.Payload.Message)
			}
			if tc.check != nil {
				tc.check(t, resp.Payload)
			}
		})
	}
}

func TestWorkerRefreshRegistry(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeModule(t, root, "lighting", lightingManifest)
	writeModule(t, root, "broken", "module_info:\n  id: broken\n")

	w, err := NewWorker("alice", WithManifestDirs(root))
	if err != nil {
		t.Fatal(err)
	}
	n, err := w.Load(t.Context())
	if err != nil || n != 1 {
		t.Fatalf("Load = %d, %v", n, err)
	}

	writeModule(t, root, "camera", `module_info: {id: camera, name: Camera, version: "1", author: a, category: view}
capabilities:
  description: Camera control.
  tools:
    - {name: update_camera, description: Move the camera., usage: update_camera()}
`)
	resp, changed := w.Handle(t.Context(), spec.CommandEnvelope{MessageID: "r", Command: CommandRefreshRegistry})
	if !changed || !resp.Payload.OK() {
		t.Fatalf("refresh = %+v changed=%v", resp, changed)
	}
	data := resp.Payload.Data.(map[string]any)
	if data["total_modules"] != 2 || data["rejected"] != 1 {
		t.Fatalf("data = %v", data)
	}
	upd := w.RegistryUpdate()
	if upd.Type != spec.TypeRegistryUpdated || upd.TotalModules != 2 || len(upd.AvailableTools) != 2 {
		t.Fatalf("update = %+v", upd)
	}
}

func TestWorkerServe(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	w := newWorker(t, "alice", nil, module("scene", tool("list_objects")))
	w.workloadRef = "scene.blend"
	control, worker := transport.Pipe(transport.CBOR)
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx, worker) }()

	recv := func() transport.Frame {
		t.Helper()
		rctx, cancel := context.WithTimeout(ctx, waitFor)
		defer cancel()
		f, err := control.Receive(rctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		return f
	}

	var reg spec.WorkerRegister
	if f := recv(); f.Type != spec.TypeWorkerRegister || f.Decode(&reg) != nil {
		t.Fatalf("first frame = %v", f.Type)
	}
	if reg.UserID != "alice" || reg.WorkloadRef != "scene.blend" {
		t.Fatalf("register = %+v", reg)
	}
	var upd spec.RegistryUpdate
	if f := recv(); f.Type != spec.TypeRegistryUpdated || f.Decode(&upd) != nil || upd.TotalModules != 1 {
		t.Fatalf("second frame = %v %+v", f.Type, upd)
	}

	if err := control.Send(ctx, spec.CommandEnvelope{
		MessageID: "x", Type: spec.TypeCommand, Command: CommandRefreshRegistry,
	}); err != nil {
		t.Fatal(err)
	}
	var resp spec.ResponseEnvelope
	if f := recv(); f.Decode(&resp) != nil || resp.MessageID != "x" {
		t.Fatalf("response = %+v", resp)
	}
	// The in-memory module is gone after a refresh without manifest dirs.
	if f := recv(); f.Type != spec.TypeRegistryUpdated || f.Decode(&upd) != nil || upd.TotalModules != 0 {
		t.Fatalf("post-refresh update = %v %+v", f.Type, upd)
	}

	_ = control.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve = %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
	}
}

func TestWorkerServeRefused(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	cp := newControlPlane(t)
	connectBrowser(ctx, t, cp, "alice")
	waitState(t, cp, "alice", spec.StateWaitingForBrowserReady)

	w := newWorker(t, "alice", nil)
	_, done := attachWorker(ctx, cp, w)
	select {
	case err := <-done:
		if !errors.Is(err, ErrRegistrationRefused) {
			t.Fatalf("Serve = %v, want ErrRegistrationRefused", err)
		}
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
	}
}

func TestWorkerRunRedials(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	w, err := NewWorker("alice", WithRedialPolicy(3, time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	var dials atomic.Int32
	dialErr := errors.New("connection refused")
	err = w.Run(ctx, func(context.Context) (transport.Endpoint, error) {
		dials.Add(1)
		return nil, dialErr
	})
	if !errors.Is(err, dialErr) || dials.Load() != 3 {
		t.Fatalf("Run = %v after %d dials", err, dials.Load())
	}

	// A dial that succeeds and is closed by the control plane ends Run.
	dials.Store(0)
	err = w.Run(ctx, func(context.Context) (transport.Endpoint, error) {
		n := dials.Add(1)
		if n == 1 {
			return nil, dialErr
		}
		control, worker := transport.Pipe(transport.JSON)
		go func() {
			for range 2 {
				if _, err := control.Receive(ctx); err != nil {
					return
				}
			}
			_ = control.Close()
		}()
		return worker, nil
	})
	if err != nil || dials.Load() != 2 {
		t.Fatalf("Run = %v after %d dials", err, dials.Load())
	}
}
