package manifest

import (
	"fmt"
	"strings"

	"github.com/flexigpt/hostrelay-go/spec"
)

// Problem is one reason a manifest is invalid.
type Problem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (p Problem) String() string { return p.Path + ": " + p.Message }

// Report is the outcome of Validate. The manifest itself is never modified.
type Report struct {
	ModuleID spec.ModuleID `json:"module_id,omitempty"`
	Source   string        `json:"source,omitempty"`
	Problems []Problem     `json:"problems,omitempty"`
}

func (r Report) Valid() bool { return len(r.Problems) == 0 }

// Err returns nil for a valid report, otherwise an ErrValidation listing every problem.
func (r Report) Err() error {
	if r.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(r.Problems))
	for _, p := range r.Problems {
		msgs = append(msgs, p.String())
	}
	id := string(r.ModuleID)
	if id == "" {
		id = r.Source
	}
	return fmt.Errorf("%w: manifest %q: %s", spec.ErrValidation, id, strings.Join(msgs, "; "))
}

func (r *Report) add(path, format string, args ...any) {
	r.Problems = append(r.Problems, Problem{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Validate checks identity fields, the capability description, every tool and
// every parameter. It has no side effects. Missing optional sections (no tools,
// no requirements) are not problems.
func Validate(m spec.CapabilityManifest) Report {
	r := Report{ModuleID: m.ModuleInfo.ID, Source: m.Source}

	info := m.ModuleInfo
	requireField(&r, "module_info.id", string(info.ID))
	requireField(&r, "module_info.name", info.Name)
	requireField(&r, "module_info.version", info.Version)
	requireField(&r, "module_info.author", info.Author)
	requireField(&r, "module_info.category", info.Category)
	requireField(&r, "capabilities.description", m.Capabilities.Description)

	for ti, tool := range m.Capabilities.Tools {
		validateTool(&r, fmt.Sprintf("capabilities.tools[%d]", ti), tool)
	}
	return r
}

func validateTool(r *Report, path string, tool spec.ToolSpec) {
	requireField(r, path+".name", tool.Name)
	requireField(r, path+".description", tool.Description)
	requireField(r, path+".usage", tool.Usage)

	seen := map[string]struct{}{}
	for pi, p := range tool.Parameters {
		pp := fmt.Sprintf("%s.parameters[%d]", path, pi)
		validateParameter(r, pp, p)

		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			r.add(pp+".name", "duplicate parameter name %q", name)
		}
		seen[name] = struct{}{}
	}
}

func validateParameter(r *Report, path string, p spec.ParameterSpec) {
	requireField(r, path+".name", p.Name)
	requireField(r, path+".description", p.Description)
	if p.Required == nil {
		r.add(path+".required", "is required")
	}

	switch {
	case strings.TrimSpace(string(p.Type)) == "":
		r.add(path+".type", "is required")
	case !p.Type.Supported():
		r.add(path+".type", "unsupported type %q (supported: %s)", p.Type, supportedList())
	}

	if p.Type == spec.ParamEnum && len(p.Options) == 0 {
		r.add(path+".options", "enum parameter must declare options")
	}
	if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		r.add(path, "min (%v) is greater than max (%v)", *p.Min, *p.Max)
	}
}

func requireField(r *Report, path, v string) {
	if strings.TrimSpace(v) == "" {
		r.add(path, "is required")
	}
}

func supportedList() string {
	types := spec.SupportedParamTypes()
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return strings.Join(out, ", ")
}
