// Package hostrelay mediates between browser clients and per-user worker
// processes running inside a host application. A ControlPlane owns the
// session lifecycle and correlates command responses; a Worker serves a
// capability catalog over one channel; an AgentSession exposes a user's
// live capability set as llmtools-go tools.
//
// All services are plain values constructed once and passed by reference.

package hostrelay

// Commands every Worker answers without a module handler. Both may be sent
// before the worker connects; they are queued and replayed in order.
const (
	CommandListCapabilities = "list_capabilities"
	CommandRefreshRegistry  = "refresh_registry"
)
