package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flexigpt/hostrelay-go/internal/clock"
	"github.com/flexigpt/hostrelay-go/spec"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type memChannel struct {
	id string

	mu      sync.Mutex
	sent    []any
	closed  bool
	sendErr error
}

func newChan(id string) *memChannel { return &memChannel{id: id} }

func (c *memChannel) ID() string { return c.id }

func (c *memChannel) Send(_ context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *memChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *memChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *memChannel) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.sent...)
}

func (c *memChannel) commands() []spec.CommandEnvelope {
	var out []spec.CommandEnvelope
	for _, m := range c.messages() {
		if env, ok := m.(spec.CommandEnvelope); ok {
			out = append(out, env)
		}
	}
	return out
}

func (c *memChannel) statuses() []spec.SessionStatus {
	var out []spec.SessionStatus
	for _, m := range c.messages() {
		if st, ok := m.(spec.SessionStatus); ok {
			out = append(out, st)
		}
	}
	return out
}

func (c *memChannel) lastStatus(t *testing.T) spec.SessionStatus {
	t.Helper()
	s := c.statuses()
	if len(s) == 0 {
		t.Fatalf("channel %s got no session_status frames", c.id)
	}
	return s[len(s)-1]
}

type fakeLauncher struct {
	mu         sync.Mutex
	launches   []spec.UserID
	terminated []spec.UserID
	running    map[spec.UserID]bool
	launchErr  error
	onLaunch   func(spec.UserID)
}

func (l *fakeLauncher) Launch(_ context.Context, user spec.UserID, _ string) error {
	l.mu.Lock()
	l.launches = append(l.launches, user)
	err := l.launchErr
	hook := l.onLaunch
	l.mu.Unlock()
	if hook != nil {
		hook(user)
	}
	return err
}

func (l *fakeLauncher) Terminate(_ context.Context, user spec.UserID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminated = append(l.terminated, user)
	delete(l.running, user)
	return nil
}

func (l *fakeLauncher) Running(_ context.Context, user spec.UserID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[user]
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

type teardownLog struct {
	mu      sync.Mutex
	reasons map[spec.UserID][]error
}

func (l *teardownLog) hook(user spec.UserID, reason error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reasons == nil {
		l.reasons = map[spec.UserID][]error{}
	}
	l.reasons[user] = append(l.reasons[user], reason)
}

func (l *teardownLog) get(user spec.UserID) []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.reasons[user]...)
}

type fixture struct {
	st       *Store
	clk      *clock.FakeClock
	launcher *fakeLauncher
	down     *teardownLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clk:      clock.Fake(epoch),
		launcher: &fakeLauncher{running: map[spec.UserID]bool{}},
		down:     &teardownLog{},
	}
	f.st = NewStore(StoreConfig{
		WorkerConnectTimeout: 10 * time.Second,
		GracePeriod:          5 * time.Second,
		MaxReconnectAttempts: 2,
		ReconnectBaseBackoff: time.Second,
		ReconnectMaxBackoff:  4 * time.Second,
		WorkloadRef:          "scene.blend",
		Launcher:             f.launcher,
		Clock:                f.clk,
		OnTeardown:           f.down.hook,
	})
	t.Cleanup(f.st.Close)
	return f
}

func (f *fixture) state(t *testing.T, user spec.UserID) spec.SessionState {
	t.Helper()
	info, ok := f.st.Info(user)
	if !ok {
		t.Fatalf("no session for %q", user)
	}
	return info.State
}

// connect drives a user to CONNECTED and returns the browser and worker channels.
func (f *fixture) connect(t *testing.T, user spec.UserID) (*memChannel, *memChannel) {
	t.Helper()
	b := newChan("browser-" + string(user))
	if _, err := f.st.BrowserConnected(user, b); err != nil {
		t.Fatalf("BrowserConnected: %v", err)
	}
	if _, err := f.st.BrowserReady(t.Context(), user); err != nil {
		t.Fatalf("BrowserReady: %v", err)
	}
	w := newChan("worker-" + string(user))
	if err := f.st.WorkerRegistered(t.Context(), user, w); err != nil {
		t.Fatalf("WorkerRegistered: %v", err)
	}
	return b, w
}
