package spec

import "time"

// MessageType discriminates frames on a channel.
type MessageType string

const (
	// Browser -> control plane.
	TypeBrowserReady MessageType = "browser_ready"
	TypeCommand      MessageType = "command"

	// Worker -> control plane.
	TypeWorkerRegister   MessageType = "worker_register"
	TypeCommandCompleted MessageType = "command_completed"
	TypeCommandFailed    MessageType = "command_failed"
	TypeRegistryUpdated  MessageType = "registry_updated"

	// Control plane -> browser.
	TypeSessionStatus MessageType = "session_status"
	TypeError         MessageType = "error"
)

// Source names the actor that produced a frame.
type Source string

const (
	SourceBrowser      Source = "browser"
	SourceAgent        Source = "agent"
	SourceControlPlane Source = "control_plane"
	SourceWorker       Source = "worker"
)

// Metadata travels with every command and response.
type Metadata struct {
	Route     Route     `json:"route,omitempty"`
	Source    Source    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// CommandEnvelope is a command on its way to a worker.
type CommandEnvelope struct {
	MessageID MessageID      `json:"message_id"`
	Type      MessageType    `json:"type"`
	ModuleID  ModuleID       `json:"module_id,omitempty"`
	Command   string         `json:"command"`
	Params    map[string]any `json:"params,omitempty"`
	Metadata  Metadata       `json:"metadata"`
}

// ResponseEnvelope is the worker's answer to one CommandEnvelope.
type ResponseEnvelope struct {
	MessageID MessageID   `json:"message_id"`
	Type      MessageType `json:"type"`
	Payload   Result      `json:"payload"`
	Metadata  Metadata    `json:"metadata"`
}

// NewResponse builds the response envelope for env carrying res.
func NewResponse(env CommandEnvelope, res Result, now time.Time) ResponseEnvelope {
	typ := TypeCommandCompleted
	if !res.OK() {
		typ = TypeCommandFailed
	}
	return ResponseEnvelope{
		MessageID: env.MessageID,
		Type:      typ,
		Payload:   res,
		Metadata: Metadata{
			Route:     env.Metadata.Route,
			Source:    SourceWorker,
			Timestamp: now,
		},
	}
}

// RegistryUpdate is pushed by the worker whenever its capability set changes.
type RegistryUpdate struct {
	Type           MessageType     `json:"type"`
	TotalModules   int             `json:"total_modules"`
	AvailableTools []AvailableTool `json:"available_tools"`
}

// WorkerRegister is the first frame a worker sends after connecting.
type WorkerRegister struct {
	Type        MessageType `json:"type"`
	UserID      UserID      `json:"user_id"`
	WorkloadRef string      `json:"workload_ref,omitempty"`
}

// BrowserReady is sent by the browser once its UI is able to receive frames.
type BrowserReady struct {
	Type MessageType `json:"type"`
}

// SessionStatus notifies the browser of a lifecycle change.
type SessionStatus struct {
	Type   MessageType  `json:"type"`
	State  SessionState `json:"state"`
	Reason string       `json:"reason,omitempty"`
}

// ErrorFrame reports a request the control plane refused before it reached a worker.
type ErrorFrame struct {
	Type      MessageType `json:"type"`
	MessageID MessageID   `json:"message_id,omitempty"`
	Payload   Result      `json:"payload"`
}

// SessionState is a node of the per-user session state machine.
type SessionState string

const (
	StateWaitingForBrowserReady SessionState = "WAITING_FOR_BROWSER_READY"
	StateLaunchingWorker        SessionState = "LAUNCHING_WORKER"
	StateWaitingForWorker       SessionState = "WAITING_FOR_WORKER"
	StateConnected              SessionState = "CONNECTED"
	StateDisconnected           SessionState = "DISCONNECTED"
)

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	UserID           UserID       `json:"user_id"`
	State            SessionState `json:"state"`
	BrowserConnected bool         `json:"browser_connected"`
	WorkerConnected  bool         `json:"worker_connected"`
	RetryCount       int          `json:"retry_count"`
	Queued           int          `json:"queued"`
	PendingRequests  int          `json:"pending_requests"`
}
