package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/flexigpt/hostrelay-go/spec"
)

// recordingHandler records every event. WorkerRegistered refuses users
// listed in refuse.
type recordingHandler struct {
	mu       sync.Mutex
	events   []string
	commands []spec.CommandEnvelope
	resps    []spec.ResponseEnvelope
	updates  []spec.RegistryUpdate
	refuse   map[spec.UserID]bool

	workers map[spec.UserID]spec.Channel
	gotResp chan spec.ResponseEnvelope
	closed  chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		refuse:  map[spec.UserID]bool{},
		workers: map[spec.UserID]spec.Channel{},
		gotResp: make(chan spec.ResponseEnvelope, 16),
		closed:  make(chan string, 16),
	}
}

func (h *recordingHandler) add(ev string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *recordingHandler) BrowserConnected(_ context.Context, user spec.UserID, _ spec.Channel) error {
	h.add("browser_connected:" + string(user))
	return nil
}

func (h *recordingHandler) BrowserReady(_ context.Context, user spec.UserID) error {
	h.add("browser_ready:" + string(user))
	return nil
}

func (h *recordingHandler) BrowserCommand(_ context.Context, _ spec.UserID, env spec.CommandEnvelope) error {
	h.mu.Lock()
	h.commands = append(h.commands, env)
	h.mu.Unlock()
	if env.Command == "offline" {
		return errors.Join(spec.ErrNotConnected, errors.New("no worker"))
	}
	return nil
}

func (h *recordingHandler) BrowserDisconnected(user spec.UserID, _ spec.Channel) {
	h.add("browser_disconnected:" + string(user))
	h.closed <- "browser:" + string(user)
}

func (h *recordingHandler) WorkerRegistered(_ context.Context, reg spec.WorkerRegister, ch spec.Channel) error {
	if h.refuse[reg.UserID] {
		return spec.ErrInvalidTransition
	}
	h.mu.Lock()
	h.workers[reg.UserID] = ch
	h.mu.Unlock()
	h.add("worker_registered:" + string(reg.UserID))
	return nil
}

func (h *recordingHandler) WorkerResponse(_ context.Context, _ spec.UserID, resp spec.ResponseEnvelope) {
	h.mu.Lock()
	h.resps = append(h.resps, resp)
	h.mu.Unlock()
	h.gotResp <- resp
}

func (h *recordingHandler) RegistryUpdated(_ context.Context, user spec.UserID, upd spec.RegistryUpdate) {
	h.mu.Lock()
	h.updates = append(h.updates, upd)
	h.mu.Unlock()
	h.add("registry_updated:" + string(user))
}

func (h *recordingHandler) WorkerDisconnected(user spec.UserID, _ spec.Channel) {
	h.add("worker_disconnected:" + string(user))
	h.closed <- "worker:" + string(user)
}

func (h *recordingHandler) worker(user spec.UserID) spec.Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.workers[user]
}

type staticInspector struct{}

func (staticInspector) Sessions() []spec.SessionInfo {
	return []spec.SessionInfo{{UserID: "alice", State: spec.StateConnected, WorkerConnected: true}}
}

func (staticInspector) AvailableTools(user spec.UserID) ([]spec.AvailableTool, bool) {
	if user != "alice" {
		return nil, false
	}
	return []spec.AvailableTool{{ToolSpec: spec.ToolSpec{Name: "list_objects"}, ModuleID: "scene"}}, true
}
