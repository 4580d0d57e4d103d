// Package broker correlates commands with their responses and delivers each
// response along the route recorded when the command was sent.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexigpt/hostrelay-go/internal/clock"
	"github.com/flexigpt/hostrelay-go/spec"
)

// DefaultQueueableCommands may wait for a worker instead of failing with
// NOT_CONNECTED.
var DefaultQueueableCommands = []string{"list_capabilities", "refresh_registry"}

// Sessions is the part of the session registry the broker forwards through.
type Sessions interface {
	Forward(ctx context.Context, user spec.UserID, env spec.CommandEnvelope, queueable bool) (bool, error)
	Browser(user spec.UserID) (spec.Channel, bool)
}

type outcome struct {
	resp spec.ResponseEnvelope
	err  error
}

type pendingRequest struct {
	id      spec.MessageID
	user    spec.UserID
	route   spec.Route
	command string
	sentAt  time.Time
	// waiter is set for agent-routed requests only. Buffered, written once.
	waiter chan outcome
}

type Broker struct {
	mu      sync.Mutex
	pending map[spec.MessageID]*pendingRequest

	sessions  Sessions
	clock     clock.Clock
	logger    *slog.Logger
	queueable map[string]struct{}
}

type Option func(*Broker) error

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) error {
		b.logger = l
		return nil
	}
}

func WithClock(c clock.Clock) Option {
	return func(b *Broker) error {
		b.clock = c
		return nil
	}
}

// WithQueueableCommands replaces the allow-list of commands that are queued
// while no worker is attached.
func WithQueueableCommands(names ...string) Option {
	return func(b *Broker) error {
		b.queueable = map[string]struct{}{}
		for _, n := range names {
			if n = strings.TrimSpace(n); n != "" {
				b.queueable[n] = struct{}{}
			}
		}
		return nil
	}
}

func New(sessions Sessions, opts ...Option) (*Broker, error) {
	if sessions == nil {
		return nil, fmt.Errorf("%w: nil session registry", spec.ErrInvalidArgument)
	}
	b := &Broker{
		pending:  map[spec.MessageID]*pendingRequest{},
		sessions: sessions,
	}
	if err := WithQueueableCommands(DefaultQueueableCommands...)(b); err != nil {
		return nil, err
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(b); err != nil {
			return nil, err
		}
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("component", "broker")
	return b, nil
}

// Send forwards a command on the given route and records it as pending. It
// returns the message id, assigning a fresh UUIDv7 when env carries none.
// The response is delivered later by Resolve.
func (b *Broker) Send(
	ctx context.Context,
	user spec.UserID,
	route spec.Route,
	env spec.CommandEnvelope,
) (spec.MessageID, error) {
	p, err := b.send(ctx, user, route, env, false)
	if err != nil {
		return "", err
	}
	return p.id, nil
}

// Call sends an agent-routed command and blocks until its response arrives,
// the session is torn down, or ctx is done. The broker itself imposes no
// deadline.
func (b *Broker) Call(ctx context.Context, user spec.UserID, env spec.CommandEnvelope) (spec.Result, error) {
	p, err := b.send(ctx, user, spec.RouteAgent, env, true)
	if err != nil {
		return spec.Result{}, err
	}

	select {
	case out := <-p.waiter:
		if out.err != nil {
			return spec.Result{}, out.err
		}
		return out.resp.Payload, nil
	case <-ctx.Done():
		b.forget(p.id)
		return spec.Result{}, ctx.Err()
	}
}

func (b *Broker) send(
	ctx context.Context,
	user spec.UserID,
	route spec.Route,
	env spec.CommandEnvelope,
	wait bool,
) (*pendingRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	user = spec.NormalizeUser(user)
	if user == "" {
		return nil, fmt.Errorf("%w: user is required", spec.ErrInvalidArgument)
	}
	if !route.Valid() {
		return nil, fmt.Errorf("%w: unknown route %q", spec.ErrInvalidArgument, route)
	}
	env.Command = strings.TrimSpace(env.Command)
	if env.Command == "" {
		return nil, fmt.Errorf("%w: command is required", spec.ErrInvalidArgument)
	}
	if env.MessageID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("message id: %w", err)
		}
		env.MessageID = spec.MessageID(id.String())
	}

	now := b.clock.Now()
	env.Type = spec.TypeCommand
	env.Metadata.Route = route
	if env.Metadata.Source == "" {
		env.Metadata.Source = sourceFor(route)
	}
	env.Metadata.Timestamp = now

	p := &pendingRequest{id: env.MessageID, user: user, route: route, command: env.Command, sentAt: now}
	if wait {
		p.waiter = make(chan outcome, 1)
	}

	// Registered before forwarding so that a fast response always finds it.
	b.mu.Lock()
	if _, dup := b.pending[p.id]; dup {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: message id %q is already in flight", spec.ErrInvalidArgument, p.id)
	}
	b.pending[p.id] = p
	b.mu.Unlock()

	_, queueable := b.queueable[env.Command]
	queued, err := b.sessions.Forward(ctx, user, env, queueable)
	if err != nil {
		b.forget(p.id)
		return nil, err
	}
	if queued {
		b.logger.Debug("command queued until a worker connects",
			"user", user, "message_id", p.id, "command", env.Command)
	}
	return p, nil
}

// Resolve delivers a worker response to whoever waits for it: the suspended
// agent caller for agent routes, the user's browser for direct routes. It
// reports false for unmatched, duplicate or foreign responses, which are
// logged and dropped.
func (b *Broker) Resolve(ctx context.Context, user spec.UserID, resp spec.ResponseEnvelope) bool {
	user = spec.NormalizeUser(user)

	b.mu.Lock()
	p, ok := b.pending[resp.MessageID]
	if ok && p.user != user {
		b.mu.Unlock()
		b.logger.Warn("dropping response from another user's worker",
			"message_id", resp.MessageID, "user", user, "owner", p.user)
		return false
	}
	if ok {
		delete(b.pending, resp.MessageID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Warn("dropping unmatched response", "message_id", resp.MessageID, "user", user, "type", resp.Type)
		return false
	}

	// The stored route wins over whatever the worker echoed back.
	resp.Metadata.Route = p.route

	switch p.route {
	case spec.RouteAgent:
		p.waiter <- outcome{resp: resp}
	case spec.RouteDirect:
		browser, ok := b.sessions.Browser(p.user)
		if !ok {
			b.logger.Warn("no browser for direct response; dropping",
				"message_id", p.id, "user", p.user, "command", p.command)
			return true
		}
		if err := browser.Send(ctx, resp); err != nil {
			b.logger.Warn("direct response not delivered",
				"message_id", p.id, "user", p.user, "error", err)
		}
	}
	b.logger.Debug("resolved", "message_id", p.id, "user", p.user, "route", p.route,
		"command", p.command, "elapsed", b.clock.Now().Sub(p.sentAt))
	return true
}

// Abandon drops every pending request of a user. Suspended agent callers
// fail with ErrSessionClosed. It returns the number of requests dropped.
func (b *Broker) Abandon(user spec.UserID, reason error) int {
	user = spec.NormalizeUser(user)

	b.mu.Lock()
	var dropped []*pendingRequest
	for id, p := range b.pending {
		if p.user == user {
			dropped = append(dropped, p)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	err := fmt.Errorf("%w: user %q", spec.ErrSessionClosed, user)
	if reason != nil {
		err = fmt.Errorf("%w: user %q: %w", spec.ErrSessionClosed, user, reason)
	}
	for _, p := range dropped {
		if p.waiter != nil {
			p.waiter <- outcome{err: err}
		}
	}
	if len(dropped) > 0 {
		b.logger.Info("abandoned pending requests", "user", user, "count", len(dropped), "reason", reason)
	}
	return len(dropped)
}

// Pending returns the number of in-flight requests of a user.
func (b *Broker) Pending(user spec.UserID) int {
	user = spec.NormalizeUser(user)
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.pending {
		if p.user == user {
			n++
		}
	}
	return n
}

func (b *Broker) forget(id spec.MessageID) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func sourceFor(r spec.Route) spec.Source {
	if r == spec.RouteAgent {
		return spec.SourceAgent
	}
	return spec.SourceBrowser
}
