package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/flexigpt/hostrelay-go/spec"
)

func boolPtr(b bool) *bool { return &b }

func okHandler(context.Context, map[string]any) (any, error) { return "ok", nil }

func testManifest(id, name string, tools ...string) spec.CapabilityManifest {
	m := spec.CapabilityManifest{
		ModuleInfo: spec.ModuleInfo{
			ID:       spec.ModuleID(id),
			Name:     name,
			Version:  "1.0.0",
			Author:   "tests",
			Category: "scene",
		},
		Capabilities: spec.Capabilities{Description: "Module " + name + "."},
	}
	for _, t := range tools {
		m.Capabilities.Tools = append(m.Capabilities.Tools, spec.ToolSpec{
			Name:        t,
			Description: "Tool " + t + ".",
			Usage:       t + "()",
			Parameters: []spec.ParameterSpec{
				{Name: "target", Type: spec.ParamNameRef, Description: "Target.", Required: boolPtr(false)},
			},
		})
	}
	return m
}

// switchResolver lets tests activate and deactivate modules between scans.
type switchResolver struct {
	mu sync.RWMutex
	m  map[spec.ModuleID]spec.HandlerMap
}

func newSwitchResolver() *switchResolver {
	return &switchResolver{m: map[spec.ModuleID]spec.HandlerMap{}}
}

func (r *switchResolver) Handlers(id spec.ModuleID) (spec.HandlerMap, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.m[id]
	return h, ok
}

func (r *switchResolver) Set(id spec.ModuleID, h spec.HandlerMap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.m, id)
		return
	}
	r.m[id] = h
}

func writeModule(t *testing.T, root, dir, body string) string {
	t.Helper()
	d := filepath.Join(root, dir)
	if err := os.MkdirAll(d, 0o755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(d, "manifest.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func yamlModule(id, tool string) string {
	return `module_info:
  id: ` + id + `
  name: ` + id + ` module
  version: "1.0"
  author: tests
  category: scene
capabilities:
  description: Module ` + id + `.
  tools:
    - name: ` + tool + `
      description: Tool ` + tool + `.
      usage: ` + tool + `()
      parameters:
        - name: target
          type: name_ref
          description: Target.
          required: true
`
}
