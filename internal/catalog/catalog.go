package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/flexigpt/hostrelay-go/internal/manifest"
	"github.com/flexigpt/hostrelay-go/spec"
)

// HandlerResolver loads the exported name -> callable map of a module.
// ok=false means the module is currently inactive.
type HandlerResolver interface {
	Handlers(id spec.ModuleID) (spec.HandlerMap, bool)
}

// MapResolver is a static HandlerResolver.
type MapResolver map[spec.ModuleID]spec.HandlerMap

func (r MapResolver) Handlers(id spec.ModuleID) (spec.HandlerMap, bool) {
	h, ok := r[id]
	return h, ok
}

type entry struct {
	m        spec.CapabilityManifest
	handlers spec.HandlerMap
}

// Catalog is the capability registry: validated manifests keyed by module id,
// in registration order, together with their loaded handlers.
type Catalog struct {
	mu sync.RWMutex

	resolver HandlerResolver
	roots    []string
	logger   *slog.Logger

	byID     map[spec.ModuleID]*entry
	order    []spec.ModuleID
	rejected []manifest.Report
}

type Option func(*Catalog) error

func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) error {
		c.logger = l
		return nil
	}
}

// WithRoots sets the directories Scan and Refresh look in.
func WithRoots(roots ...string) Option {
	return func(c *Catalog) error {
		c.roots = append(c.roots, roots...)
		return nil
	}
}

func New(resolver HandlerResolver, opts ...Option) (*Catalog, error) {
	c := &Catalog{
		resolver: resolver,
		byID:     map[spec.ModuleID]*entry{},
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(c); err != nil {
			return nil, err
		}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "catalog")
	if c.resolver == nil {
		c.resolver = MapResolver(nil)
	}
	return c, nil
}

// Scan discovers manifests under the configured roots and registers every
// valid one. Invalid or unreadable manifests are skipped and kept for
// inspection via Rejected. It returns the number of modules registered by
// this scan; the error reports unreadable roots only.
func (c *Catalog) Scan(ctx context.Context) (int, error) {
	entries, rejected, discoverErr := c.scan(ctx)
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.putLocked(e)
	}
	c.rejected = append(c.rejected, rejected...)
	return len(entries), discoverErr
}

// Refresh clears the registry and re-scans. The swap is atomic: readers see
// either the old or the new set, never a partial one. It returns the new
// module count.
func (c *Catalog) Refresh(ctx context.Context) (int, error) {
	entries, rejected, discoverErr := c.scan(ctx)
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.byID
	c.byID = map[spec.ModuleID]*entry{}
	c.order = nil
	c.rejected = rejected
	for _, e := range entries {
		if prev, ok := old[e.m.ID()]; ok && prev.m.Digest != e.m.Digest {
			c.logger.Info("manifest changed", "module", e.m.ID(), "digest", e.m.Digest)
		}
		c.putLocked(e)
	}
	return len(c.order), discoverErr
}

func (c *Catalog) scan(ctx context.Context) ([]*entry, []manifest.Report, error) {
	paths, discoverErr := manifest.Discover(ctx, c.roots)
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if discoverErr != nil {
		c.logger.Warn("manifest discovery incomplete", "error", discoverErr)
	}

	var (
		entries  []*entry
		rejected []manifest.Report
	)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		m, err := manifest.LoadFile(ctx, p)
		if err != nil {
			c.logger.Warn("skipping unreadable manifest", "path", p, "error", err)
			rejected = append(rejected, manifest.Report{
				Source:   p,
				Problems: []manifest.Problem{{Path: "", Message: err.Error()}},
			})
			continue
		}
		r := manifest.Validate(m)
		if !r.Valid() {
			c.logger.Warn("skipping invalid manifest", "path", p, "error", r.Err())
			rejected = append(rejected, r)
			continue
		}
		entries = append(entries, c.resolve(m))
	}
	return entries, rejected, discoverErr
}

// Register validates m and, if valid, registers it, replacing any manifest
// with the same module id. An invalid manifest is refused with ErrValidation.
func (c *Catalog) Register(ctx context.Context, m spec.CapabilityManifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r := manifest.Validate(m); !r.Valid() {
		return r.Err()
	}
	e := c.resolve(m)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(e)
	return nil
}

func (c *Catalog) resolve(m spec.CapabilityManifest) *entry {
	e := &entry{m: m}
	if h, ok := c.resolver.Handlers(m.ID()); ok && len(h) > 0 {
		e.handlers = maps.Clone(h)
	} else {
		c.logger.Warn("module registered without handlers", "module", m.ID())
	}
	return e
}

func (c *Catalog) putLocked(e *entry) {
	id := e.m.ID()
	if _, exists := c.byID[id]; !exists {
		c.order = append(c.order, id)
	}
	c.byID[id] = e
}

// Unregister removes a module's manifest and handlers together.
func (c *Catalog) Unregister(id spec.ModuleID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byID[id]; !ok {
		return false
	}
	delete(c.byID, id)
	c.order = slices.DeleteFunc(c.order, func(x spec.ModuleID) bool { return x == id })
	return true
}

func (c *Catalog) Get(id spec.ModuleID) (spec.CapabilityManifest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	if !ok {
		return spec.CapabilityManifest{}, false
	}
	return e.m, true
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// ModuleIDs returns module ids in registration order.
func (c *Catalog) ModuleIDs() []spec.ModuleID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.order)
}

// Modules returns the registered manifests in registration order.
func (c *Catalog) Modules() []spec.CapabilityManifest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]spec.CapabilityManifest, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id].m)
	}
	return out
}

// Tools returns a copy of the declared tools of one module.
func (c *Catalog) Tools(id spec.ModuleID) ([]spec.ToolSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return e.m.Tools(), true
}

// FindTool looks up one tool by name inside a module.
func (c *Catalog) FindTool(id spec.ModuleID, name string) (spec.ToolSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	if !ok {
		return spec.ToolSpec{}, false
	}
	for _, t := range e.m.Capabilities.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return spec.ToolSpec{}, false
}

// Handlers returns a copy of the loaded handler map. ok is false for unknown
// modules; a registered module with no handlers yields an empty map and true.
func (c *Catalog) Handlers(id spec.ModuleID) (spec.HandlerMap, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	if e.handlers == nil {
		return spec.HandlerMap{}, true
	}
	return maps.Clone(e.handlers), true
}

// AvailableTools flattens every module's tools in registration order, each
// stamped with the owning module id and display name. Duplicate tool names
// across modules are kept; consumers decide how to resolve them.
func (c *Catalog) AvailableTools() []spec.AvailableTool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []spec.AvailableTool
	for _, id := range c.order {
		e := c.byID[id]
		for _, t := range e.m.Capabilities.Tools {
			out = append(out, spec.AvailableTool{
				ToolSpec:   t,
				ModuleID:   id,
				ModuleName: e.m.ModuleInfo.Name,
			})
		}
	}
	return out
}

// Rejected returns the reports of manifests skipped by the last Scan or Refresh.
func (c *Catalog) Rejected() []manifest.Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.rejected)
}

// LoadFiles loads and registers explicit manifest files, joining all failures.
func (c *Catalog) LoadFiles(ctx context.Context, paths ...string) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, p := range paths {
		m, err := manifest.LoadFile(ctx, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.Register(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
