package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/flexigpt/hostrelay-go/spec"
)

// UserHeader carries the browser's user identity when the query parameter
// "user" is absent. Authentication happens in front of the hub.
const UserHeader = "X-Hostrelay-User"

// Inspector serves the read-only HTTP API.
type Inspector interface {
	Sessions() []spec.SessionInfo
	AvailableTools(user spec.UserID) ([]spec.AvailableTool, bool)
}

// Hub exposes the control plane over HTTP: websocket endpoints for browsers
// and workers plus a small JSON API.
type Hub struct {
	h         Handler
	inspect   Inspector
	codec     Codec
	upgrader  websocket.Upgrader
	readLimit int64
	ping      time.Duration
	logger    *slog.Logger
}

type HubOption func(*Hub) error

func WithHubLogger(l *slog.Logger) HubOption {
	return func(hub *Hub) error {
		hub.logger = l
		return nil
	}
}

func WithCodec(c Codec) HubOption {
	return func(hub *Hub) error {
		if c == nil {
			return fmt.Errorf("%w: nil codec", spec.ErrInvalidArgument)
		}
		hub.codec = c
		return nil
	}
}

// WithAllowedOrigins restricts browser origins. An empty list or "*" allows
// all; requests without an Origin header (non-browser clients) are always
// allowed.
func WithAllowedOrigins(origins ...string) HubOption {
	return func(hub *Hub) error {
		hub.upgrader.CheckOrigin = originChecker(origins)
		return nil
	}
}

func WithReadLimit(n int64) HubOption {
	return func(hub *Hub) error {
		hub.readLimit = n
		return nil
	}
}

func WithPingInterval(d time.Duration) HubOption {
	return func(hub *Hub) error {
		hub.ping = d
		return nil
	}
}

func NewHub(h Handler, inspect Inspector, opts ...HubOption) (*Hub, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", spec.ErrInvalidArgument)
	}
	hub := &Hub{
		h:       h,
		inspect: inspect,
		codec:   JSON,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(nil),
		},
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(hub); err != nil {
			return nil, err
		}
	}
	if hub.logger == nil {
		hub.logger = slog.Default()
	}
	hub.logger = hub.logger.With("component", "hub")
	return hub, nil
}

func (hub *Hub) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Get("/ws/browser", hub.serveBrowser)
	r.Get("/ws/worker", hub.serveWorker)

	if hub.inspect != nil {
		r.Route("/api/sessions", func(r chi.Router) {
			r.Get("/", hub.listSessions)
			r.Get("/{user}/tools", hub.listTools)
		})
	}
	return r
}

func (hub *Hub) serveBrowser(w http.ResponseWriter, r *http.Request) {
	user := spec.NormalizeUser(spec.UserID(r.URL.Query().Get("user")))
	if user == "" {
		user = spec.NormalizeUser(spec.UserID(r.Header.Get(UserHeader)))
	}
	if user == "" {
		writeJSON(w, http.StatusBadRequest, spec.Failure(spec.CodeValidation, "user is required", nil))
		return
	}
	ws, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("browser websocket upgrade failed", "user", user, "error", err)
		return
	}
	conn := newConn(ws, hub.codec, hub.readLimit, hub.ping, hub.logger)
	if err := ServeBrowser(r.Context(), hub.h, user, conn, hub.logger); err != nil {
		hub.logger.Debug("browser connection ended", "user", user, "error", err)
	}
}

func (hub *Hub) serveWorker(w http.ResponseWriter, r *http.Request) {
	ws, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("worker websocket upgrade failed", "error", err)
		return
	}
	conn := newConn(ws, hub.codec, hub.readLimit, hub.ping, hub.logger)
	if err := ServeWorker(r.Context(), hub.h, conn, hub.logger); err != nil {
		hub.logger.Debug("worker connection ended", "error", err)
	}
}

func (hub *Hub) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, hub.inspect.Sessions())
}

func (hub *Hub) listTools(w http.ResponseWriter, r *http.Request) {
	user := spec.NormalizeUser(spec.UserID(chi.URLParam(r, "user")))
	tools, ok := hub.inspect.AvailableTools(user)
	if !ok {
		writeJSON(w, http.StatusNotFound, spec.Failure(spec.CodeNotFound, "no session for user "+string(user), nil))
		return
	}
	writeJSON(w, http.StatusOK, tools)
}

func originChecker(origins []string) func(*http.Request) bool {
	allowAll := len(origins) == 0
	set := make(map[string]bool, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return set[origin]
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
