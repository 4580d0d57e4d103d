package toolset

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/flexigpt/llmtools-go"
	llmtoolsgoSpec "github.com/flexigpt/llmtools-go/spec"
	"github.com/google/uuid"

	"github.com/flexigpt/hostrelay-go/spec"
)

const funcIDPrefix = "github.com/flexigpt/hostrelay-go/toolset."

// toolNamespace seeds the name-based UUIDs of generated tools, so a tool
// keeps its ID across rebuilds as long as module and name are unchanged.
var toolNamespace = uuid.MustParse("0199c3a4-5f10-7a2e-9b51-6d3f0c1e8a70")

// Tools returns the llmtools-go descriptions of every stub.
func (ts *Toolset) Tools() []llmtoolsgoSpec.Tool {
	out := make([]llmtoolsgoSpec.Tool, 0, len(ts.stubs))
	for _, s := range ts.stubs {
		out = append(out, s.Tool())
	}
	return out
}

// Register registers every stub into an existing llmtools-go Registry.
func (ts *Toolset) Register(r *llmtools.Registry) error {
	if r == nil {
		return errors.New("nil registry")
	}
	for _, s := range ts.stubs {
		name := s.Spec.Name
		if err := llmtools.RegisterTypedAsTextTool[Args, spec.Result](
			r,
			s.Tool(),
			func(ctx context.Context, args Args) (spec.Result, error) {
				return ts.Invoke(ctx, name, args)
			},
		); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry creates an llmtools-go Registry holding only this toolset.
func (ts *Toolset) NewRegistry(opts ...llmtools.RegistryOption) (*llmtools.Registry, error) {
	r, err := llmtools.NewRegistry(opts...)
	if err != nil {
		return nil, err
	}
	if err := ts.Register(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s Stub) FuncID() llmtoolsgoSpec.FuncID {
	return llmtoolsgoSpec.FuncID(funcIDPrefix + string(s.ModuleID) + "." + s.Spec.Name)
}

func (s Stub) Tool() llmtoolsgoSpec.Tool {
	return llmtoolsgoSpec.Tool{
		SchemaVersion: llmtoolsgoSpec.SchemaVersion,
		ID:            uuid.NewSHA1(toolNamespace, []byte(string(s.ModuleID)+"/"+s.Spec.Name)).String(),
		Slug:          s.Spec.Name,
		Version:       "v1.0.0",
		DisplayName:   s.Spec.Name,
		Description:   s.Spec.Description,
		Tags:          []string{"hostrelay", string(s.ModuleID)},
		ArgSchema:     llmtoolsgoSpec.JSONSchema(ArgSchema(s.Spec.Parameters)),
		GoImpl:        llmtoolsgoSpec.GoToolImpl{FuncID: s.FuncID()},
		CreatedAt:     llmtoolsgoSpec.SchemaStartTime,
		ModifiedAt:    llmtoolsgoSpec.SchemaStartTime,
	}
}

// ArgSchema renders a draft-07 JSON schema object for the parameters.
func ArgSchema(ps []spec.ParameterSpec) []byte {
	props := make(map[string]any, len(ps))
	required := []string{}
	for _, p := range ps {
		props[p.Name] = paramSchema(p)
		if p.IsRequired() {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	// Only JSON-native values reach here, so Marshal cannot fail.
	b, _ := json.Marshal(schema)
	return b
}

func paramSchema(p spec.ParameterSpec) map[string]any {
	s := map[string]any{}
	if p.Description != "" {
		s["description"] = p.Description
	}
	switch p.Type {
	case spec.ParamInteger:
		s["type"] = "integer"
	case spec.ParamFloat:
		s["type"] = "number"
	case spec.ParamBoolean:
		s["type"] = "boolean"
	case spec.ParamEnum:
		s["type"] = "string"
		s["enum"] = p.Options
	case spec.ParamVector3:
		s["type"] = "array"
		s["items"] = map[string]any{"type": "number"}
		s["minItems"] = 3
		s["maxItems"] = 3
	case spec.ParamColor:
		s["type"] = "string"
		s["pattern"] = "^#[0-9A-Fa-f]{6}$"
	default:
		s["type"] = "string"
	}
	if p.Type == spec.ParamInteger || p.Type == spec.ParamFloat {
		if p.Min != nil {
			s["minimum"] = *p.Min
		}
		if p.Max != nil {
			s["maximum"] = *p.Max
		}
	}
	if p.HasDefault() {
		s["default"] = p.Default
	}
	return s
}
