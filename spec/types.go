package spec

import (
	"context"
	"strings"
)

// UserID identifies the owner of a session. One session exists per user.
type UserID string

// MessageID correlates a command with its response (UUIDv7 string).
type MessageID string

// ModuleID is the identity of a worker-side capability module.
type ModuleID string

// Route tells the broker where the response to a command must be delivered.
type Route string

const (
	// RouteDirect commands are issued by the UI; the response is re-emitted to the browser channel.
	RouteDirect Route = "direct"
	// RouteAgent commands are issued by the agent orchestrator; the response satisfies the suspended caller.
	RouteAgent Route = "agent"
)

func (r Route) Valid() bool { return r == RouteDirect || r == RouteAgent }

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	ParamString   ParamType = "string"
	ParamInteger  ParamType = "integer"
	ParamFloat    ParamType = "float"
	ParamBoolean  ParamType = "boolean"
	ParamEnum     ParamType = "enum"
	ParamVector3  ParamType = "vector3"
	ParamColor    ParamType = "color"
	ParamNameRef  ParamType = "name_ref"
	ParamFilePath ParamType = "file_path"
)

var supportedParamTypes = []ParamType{
	ParamString, ParamInteger, ParamFloat, ParamBoolean, ParamEnum,
	ParamVector3, ParamColor, ParamNameRef, ParamFilePath,
}

// SupportedParamTypes returns the parameter type enumeration in declaration order.
func SupportedParamTypes() []ParamType {
	return append([]ParamType(nil), supportedParamTypes...)
}

func (t ParamType) Supported() bool {
	for _, s := range supportedParamTypes {
		if t == s {
			return true
		}
	}
	return false
}

// ParameterSpec declares one argument of a tool.
type ParameterSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description"`

	// Required is a pointer so that validation can tell an absent flag from false.
	Required *bool `json:"required"`

	Default any      `json:"default,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Options []string `json:"options,omitempty"`
}

func (p ParameterSpec) IsRequired() bool { return p.Required != nil && *p.Required }

// HasDefault reports whether a default value was declared.
func (p ParameterSpec) HasDefault() bool { return p.Default != nil }

// ToolSpec is one command a module exposes.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Usage       string          `json:"usage"`
	Parameters  []ParameterSpec `json:"parameters,omitempty"`
}

// ModuleInfo is the identity section of a manifest ("module_info").
type ModuleInfo struct {
	ID       ModuleID `json:"id"`
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Author   string   `json:"author"`
	Category string   `json:"category"`
}

// Requirements lists optional host constraints of a module.
type Requirements struct {
	MinHostVersion string `json:"min_host_version,omitempty"`
}

// Capabilities is the agent-facing section of a manifest ("capabilities").
type Capabilities struct {
	Description  string       `json:"description"`
	Tools        []ToolSpec   `json:"tools,omitempty"`
	Requirements Requirements `json:"requirements,omitzero"`
}

// CapabilityManifest is a module's self-description. Immutable once validated;
// a refresh replaces it wholesale.
type CapabilityManifest struct {
	ModuleInfo   ModuleInfo   `json:"module_info"`
	Capabilities Capabilities `json:"capabilities"`

	// Source is the manifest file path (empty for in-memory manifests).
	Source string `json:"source,omitempty"`
	// Digest is "blake3:<hex>" over the manifest file bytes.
	Digest string `json:"digest,omitempty"`
}

func (m CapabilityManifest) ID() ModuleID { return m.ModuleInfo.ID }

// Tools returns a copy of the declared tool specs.
func (m CapabilityManifest) Tools() []ToolSpec {
	return append([]ToolSpec(nil), m.Capabilities.Tools...)
}

// AvailableTool is a flattened registry entry stamped with its owning module.
type AvailableTool struct {
	ToolSpec

	ModuleID   ModuleID `json:"module_id"`
	ModuleName string   `json:"module_name"`
}

// Status of a canonical result.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is the canonical {status, message, data} shape every command resolves to.
type Result struct {
	Status  Status    `json:"status"`
	Message string    `json:"message,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
	Data    any       `json:"data,omitempty"`
}

func (r Result) OK() bool { return r.Status == StatusSuccess }

func Success(message string, data any) Result {
	return Result{Status: StatusSuccess, Message: message, Data: data}
}

func Failure(code ErrorCode, message string, data any) Result {
	return Result{Status: StatusError, Code: code, Message: message, Data: data}
}

// FailureFromError converts err into a canonical error result.
func FailureFromError(err error) Result {
	if err == nil {
		return Success("", nil)
	}
	return Failure(CodeOf(err), err.Error(), nil)
}

// Handler executes one command inside the worker. Any return value is
// normalized by the router into a Result.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// HandlerMap is the exported name -> callable map of one module.
type HandlerMap map[string]Handler

// Names returns the command names in the map (unordered).
func (h HandlerMap) Names() []string {
	out := make([]string, 0, len(h))
	for n := range h {
		out = append(out, n)
	}
	return out
}

// Channel is one side of an ordered, bidirectional connection (browser or worker).
type Channel interface {
	ID() string
	Send(ctx context.Context, msg any) error
	Close() error
}

// WorkerLauncher is the worker-lifecycle collaborator. Implementations start and
// stop the per-user host process; the control plane treats it as a black box.
type WorkerLauncher interface {
	Launch(ctx context.Context, user UserID, workloadRef string) error
	Terminate(ctx context.Context, user UserID) error
	Running(ctx context.Context, user UserID) bool
}

func NormalizeUser(u UserID) UserID { return UserID(strings.TrimSpace(string(u))) }
