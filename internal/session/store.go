// Package session implements the per-user session registry and its
// lifecycle state machine:
//
//	WAITING_FOR_BROWSER_READY -> LAUNCHING_WORKER -> WAITING_FOR_WORKER -> CONNECTED
//
// with DISCONNECTED reachable from any state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/flexigpt/hostrelay-go/internal/clock"
	"github.com/flexigpt/hostrelay-go/spec"
)

const (
	DefaultWorkerConnectTimeout = 30 * time.Second
	DefaultGracePeriod          = 15 * time.Second
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectBaseBackoff = time.Second
	DefaultReconnectMaxBackoff  = 30 * time.Second

	maxQueued = 64
)

type StoreConfig struct {
	WorkerConnectTimeout time.Duration
	GracePeriod          time.Duration
	MaxReconnectAttempts int
	ReconnectBaseBackoff time.Duration
	ReconnectMaxBackoff  time.Duration

	// WorkloadRef is passed to the launcher for every user.
	WorkloadRef string
	// Launcher may be nil when workers are started externally.
	Launcher spec.WorkerLauncher

	Clock  clock.Clock
	Logger *slog.Logger

	// OnTeardown runs after a session lost its worker for good (connect
	// timeout, exhausted reconnects, grace expiry, explicit teardown).
	OnTeardown func(user spec.UserID, reason error)
}

type Store struct {
	mu sync.Mutex

	cfg      StoreConfig
	clock    clock.Clock
	logger   *slog.Logger
	sessions map[spec.UserID]*Session

	// ctx bounds launcher calls and notifications started from timers.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.WorkerConnectTimeout <= 0 {
		cfg.WorkerConnectTimeout = DefaultWorkerConnectTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.ReconnectBaseBackoff <= 0 {
		cfg.ReconnectBaseBackoff = DefaultReconnectBaseBackoff
	}
	if cfg.ReconnectMaxBackoff < cfg.ReconnectBaseBackoff {
		cfg.ReconnectMaxBackoff = max(DefaultReconnectMaxBackoff, cfg.ReconnectBaseBackoff)
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		cfg:      cfg,
		clock:    c,
		logger:   logger.With("component", "session"),
		sessions: map[spec.UserID]*Session{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// BrowserConnected creates the user's session or reattaches a browser to an
// existing one, cancelling a pending grace-period teardown. A previous
// browser channel is closed as superseded.
func (st *Store) BrowserConnected(user spec.UserID, ch spec.Channel) (spec.SessionInfo, error) {
	user = spec.NormalizeUser(user)
	if user == "" || ch == nil {
		return spec.SessionInfo{}, fmt.Errorf("%w: user and channel are required", spec.ErrInvalidArgument)
	}

	st.mu.Lock()
	s, ok := st.sessions[user]
	var superseded spec.Channel
	if !ok {
		s = newSession(user)
		st.sessions[user] = s
		st.logger.Info("session created", "user", user)
	} else {
		s.graceTok++
		s.graceTimer.Stop()
		s.graceTimer = nil
		if s.browser != nil && s.browser != ch {
			superseded = s.browser
		}
		// A launch or reconnect in progress keeps its state; the new browser
		// only needs to signal ready again when the worker side is settled.
		if s.state == spec.StateConnected {
			st.setStateLocked(s, spec.StateWaitingForBrowserReady, "browser reconnected")
		}
	}
	s.browser = ch
	info := s.infoLocked()
	st.mu.Unlock()

	if superseded != nil {
		_ = superseded.Close()
	}
	return info, nil
}

// BrowserReady handles the browser's ready signal. With a worker already
// attached the session goes straight to CONNECTED; otherwise a worker is
// launched and the connect timeout starts. Repeated signals while a launch
// is in progress are no-ops.
func (st *Store) BrowserReady(ctx context.Context, user spec.UserID) (spec.SessionState, error) {
	user = spec.NormalizeUser(user)

	st.mu.Lock()
	s, ok := st.sessions[user]
	if !ok {
		st.mu.Unlock()
		return "", fmt.Errorf("%w: no session for user %q", spec.ErrNotFound, user)
	}
	if s.browser == nil {
		st.mu.Unlock()
		return "", fmt.Errorf("%w: no browser attached for user %q", spec.ErrInvalidTransition, user)
	}

	if s.worker != nil {
		st.setStateLocked(s, spec.StateConnected, "worker already active")
		b := s.browser
		st.mu.Unlock()
		st.notify(b, spec.StateConnected, "worker already active")
		return spec.StateConnected, nil
	}

	switch {
	case s.state == spec.StateLaunchingWorker, s.state == spec.StateWaitingForWorker:
		state := s.state
		st.mu.Unlock()
		return state, nil
	case s.state == spec.StateDisconnected && s.reconnectPendingLocked():
		st.mu.Unlock()
		return spec.StateDisconnected, nil
	}

	s.retryCount = 0
	g := st.beginLaunchLocked(s, "browser ready")
	st.mu.Unlock()

	return st.launch(ctx, s, g)
}

// WorkerRegistered attaches a worker channel. It fails while the session
// still waits for the browser's ready signal. Requests queued while no
// worker was attached are flushed to the new worker in FIFO order.
func (st *Store) WorkerRegistered(ctx context.Context, user spec.UserID, ch spec.Channel) error {
	user = spec.NormalizeUser(user)
	if ch == nil {
		return fmt.Errorf("%w: nil worker channel", spec.ErrInvalidArgument)
	}

	st.mu.Lock()
	s, ok := st.sessions[user]
	st.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no session for user %q", spec.ErrNotFound, user)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	st.mu.Lock()
	if s.closed {
		st.mu.Unlock()
		return fmt.Errorf("%w: session for user %q is closed", spec.ErrSessionClosed, user)
	}
	if s.state == spec.StateWaitingForBrowserReady {
		st.mu.Unlock()
		return fmt.Errorf("%w: worker registration for %q before browser ready",
			spec.ErrInvalidTransition, user)
	}

	old := s.worker
	s.worker = ch
	s.gen++
	s.retryCount = 0
	s.connectTimer.Stop()
	s.retryTimer.Stop()
	s.connectTimer, s.retryTimer = nil, nil
	st.setStateLocked(s, spec.StateConnected, "worker registered")
	queue := s.queue
	s.queue = nil
	b := s.browser
	st.mu.Unlock()

	if old != nil && old != ch {
		_ = old.Close()
	}
	for _, env := range queue {
		if err := ch.Send(ctx, env); err != nil {
			st.logger.Warn("flushing queued request failed",
				"user", user, "message_id", env.MessageID, "command", env.Command, "error", err)
		}
	}
	if len(queue) > 0 {
		st.logger.Info("flushed queued requests", "user", user, "count", len(queue))
	}
	st.notify(b, spec.StateConnected, "worker connected")
	return nil
}

// Forward sends env to the user's worker. Without a worker, queueable
// requests are held for replay on registration as long as the session can
// still get one; everything else fails with ErrNotConnected.
func (st *Store) Forward(
	ctx context.Context,
	user spec.UserID,
	env spec.CommandEnvelope,
	queueable bool,
) (queued bool, err error) {
	user = spec.NormalizeUser(user)

	st.mu.Lock()
	s, ok := st.sessions[user]
	st.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: no session for user %q", spec.ErrNotConnected, user)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	st.mu.Lock()
	if s.closed {
		st.mu.Unlock()
		return false, fmt.Errorf("%w: session for user %q is closed", spec.ErrNotConnected, user)
	}
	w := s.worker
	if w == nil {
		canWait := s.state != spec.StateDisconnected || s.reconnectPendingLocked()
		if !queueable || !canWait {
			st.mu.Unlock()
			return false, fmt.Errorf("%w: no worker for user %q", spec.ErrNotConnected, user)
		}
		if len(s.queue) >= maxQueued {
			st.mu.Unlock()
			return false, fmt.Errorf("%w: request queue for user %q is full", spec.ErrNotConnected, user)
		}
		s.queue = append(s.queue, env)
		st.mu.Unlock()
		return true, nil
	}
	st.mu.Unlock()

	if err := w.Send(ctx, env); err != nil {
		return false, fmt.Errorf("%w: send to worker: %w", spec.ErrRoutingFailed, err)
	}
	return false, nil
}

// BrowserDisconnected starts the grace period. A stale channel (already
// superseded by a reconnect) is ignored.
func (st *Store) BrowserDisconnected(user spec.UserID, ch spec.Channel) {
	user = spec.NormalizeUser(user)

	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[user]
	if !ok || s.browser != ch {
		return
	}
	s.browser = nil
	s.graceTok++
	tok := s.graceTok
	s.graceTimer.Stop()
	s.graceTimer = st.clock.AfterFunc(st.cfg.GracePeriod, func() { st.onGraceExpired(s, tok) })
	st.logger.Info("browser disconnected; grace period started", "user", user, "grace", st.cfg.GracePeriod)
}

// WorkerDisconnected detaches the worker, notifies the browser and schedules
// a relaunch with exponential backoff. Past the attempt ceiling the session
// is torn down. A stale channel is ignored.
func (st *Store) WorkerDisconnected(user spec.UserID, ch spec.Channel) {
	user = spec.NormalizeUser(user)

	st.mu.Lock()
	s, ok := st.sessions[user]
	if !ok || s.worker == nil || s.worker != ch {
		st.mu.Unlock()
		return
	}
	s.worker = nil
	s.gen++
	eff := st.failAttemptLocked(s, fmt.Errorf("%w: worker disconnected", spec.ErrNotConnected))
	st.mu.Unlock()
	eff.run()
}

// Teardown removes the user's session immediately.
func (st *Store) Teardown(user spec.UserID, reason error) bool {
	user = spec.NormalizeUser(user)
	if reason == nil {
		reason = spec.ErrSessionClosed
	}

	st.mu.Lock()
	s, ok := st.sessions[user]
	if !ok {
		st.mu.Unlock()
		return false
	}
	eff := st.teardownLocked(s, reason, true)
	st.mu.Unlock()
	eff.run()
	return true
}

// Close tears down every session and stops background work.
func (st *Store) Close() {
	st.mu.Lock()
	var eff effects
	for _, s := range st.sessions {
		eff = append(eff, st.teardownLocked(s, fmt.Errorf("%w: control plane shutting down", spec.ErrSessionClosed), true)...)
	}
	st.mu.Unlock()
	eff.run()
	st.cancel()
}

func (st *Store) Worker(user spec.UserID) (spec.Channel, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[spec.NormalizeUser(user)]
	if !ok || s.worker == nil {
		return nil, false
	}
	return s.worker, true
}

func (st *Store) Browser(user spec.UserID) (spec.Channel, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[spec.NormalizeUser(user)]
	if !ok || s.browser == nil {
		return nil, false
	}
	return s.browser, true
}

func (st *Store) Info(user spec.UserID) (spec.SessionInfo, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[spec.NormalizeUser(user)]
	if !ok {
		return spec.SessionInfo{}, false
	}
	return s.infoLocked(), true
}

// List returns a snapshot of every session, sorted by user.
func (st *Store) List() []spec.SessionInfo {
	st.mu.Lock()
	out := make([]spec.SessionInfo, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s.infoLocked())
	}
	st.mu.Unlock()

	slices.SortFunc(out, func(a, b spec.SessionInfo) int { return strings.Compare(string(a.UserID), string(b.UserID)) })
	return out
}

func (st *Store) beginLaunchLocked(s *Session, why string) uint64 {
	s.gen++
	st.setStateLocked(s, spec.StateLaunchingWorker, why)
	return s.gen
}

// launch runs the launcher outside the lock, then moves the session to
// WAITING_FOR_WORKER unless something newer (a registration, a teardown)
// happened meanwhile.
func (st *Store) launch(ctx context.Context, s *Session, g uint64) (spec.SessionState, error) {
	var launchErr error
	if l := st.cfg.Launcher; l != nil {
		if l.Running(ctx, s.user) {
			st.logger.Debug("worker process already running; skipping launch", "user", s.user)
		} else {
			launchErr = l.Launch(ctx, s.user, st.cfg.WorkloadRef)
		}
	}

	st.mu.Lock()
	if s.closed || s.gen != g {
		state := s.state
		st.mu.Unlock()
		return state, nil
	}

	if launchErr != nil {
		err := fmt.Errorf("%w: launch worker for %q: %w", spec.ErrExecutionFailed, s.user, launchErr)
		s.gen++
		var eff effects
		if s.retryCount > 0 {
			eff = st.failAttemptLocked(s, err)
		} else {
			eff = st.teardownLocked(s, err, false)
		}
		state := s.state
		st.mu.Unlock()
		eff.run()
		return state, err
	}

	st.setStateLocked(s, spec.StateWaitingForWorker, "worker launch requested")
	s.connectTimer.Stop()
	s.connectTimer = st.clock.AfterFunc(st.cfg.WorkerConnectTimeout, func() { st.onConnectTimeout(s, g) })
	st.mu.Unlock()
	return spec.StateWaitingForWorker, nil
}

func (st *Store) onConnectTimeout(s *Session, g uint64) {
	st.mu.Lock()
	if s.closed || s.gen != g || s.state != spec.StateWaitingForWorker {
		st.mu.Unlock()
		return
	}
	s.connectTimer = nil
	s.gen++
	err := fmt.Errorf("%w: no worker registered within %s", spec.ErrTimeout, st.cfg.WorkerConnectTimeout)

	var eff effects
	if s.retryCount > 0 {
		eff = st.failAttemptLocked(s, err)
	} else {
		eff = st.teardownLocked(s, err, false)
	}
	st.mu.Unlock()
	eff.run()
}

func (st *Store) onRetry(s *Session, g uint64) {
	st.mu.Lock()
	if s.closed || s.gen != g || s.worker != nil {
		st.mu.Unlock()
		return
	}
	s.retryTimer = nil
	g = st.beginLaunchLocked(s, fmt.Sprintf("reconnect attempt %d", s.retryCount))
	st.mu.Unlock()

	if _, err := st.launch(st.ctx, s, g); err != nil {
		st.logger.Warn("worker relaunch failed", "user", s.user, "error", err)
	}
}

func (st *Store) onGraceExpired(s *Session, tok uint64) {
	st.mu.Lock()
	if s.closed || s.graceTok != tok || s.browser != nil {
		st.mu.Unlock()
		return
	}
	eff := st.teardownLocked(s,
		fmt.Errorf("%w: browser did not reconnect within %s", spec.ErrSessionClosed, st.cfg.GracePeriod), true)
	st.mu.Unlock()
	eff.run()
}

// failAttemptLocked counts one failed worker attempt and either schedules
// the next relaunch or, past the ceiling, tears the session down.
func (st *Store) failAttemptLocked(s *Session, cause error) effects {
	s.retryCount++
	if s.retryCount > st.cfg.MaxReconnectAttempts {
		return st.teardownLocked(s, fmt.Errorf("%w: worker reconnect attempts exhausted (%d): %w",
			spec.ErrNotConnected, st.cfg.MaxReconnectAttempts, cause), false)
	}

	delay := st.backoff(s.retryCount)
	g := s.gen
	s.connectTimer.Stop()
	s.connectTimer = nil
	s.retryTimer.Stop()
	s.retryTimer = st.clock.AfterFunc(delay, func() { st.onRetry(s, g) })
	st.setStateLocked(s, spec.StateDisconnected, cause.Error())

	b := s.browser
	reason := fmt.Sprintf("%v; reconnecting in %s (attempt %d/%d)",
		cause, delay, s.retryCount, st.cfg.MaxReconnectAttempts)
	return effects{func() { st.notify(b, spec.StateDisconnected, reason) }}
}

// teardownLocked drops the worker, the queue and all timers. With remove the
// session is deleted from the registry; otherwise it stays DISCONNECTED so
// an attached browser can signal ready again.
func (st *Store) teardownLocked(s *Session, reason error, remove bool) effects {
	s.gen++
	s.graceTok++
	s.stopTimersLocked()

	w := s.worker
	b := s.browser
	s.worker = nil
	s.queue = nil
	s.retryCount = 0
	st.setStateLocked(s, spec.StateDisconnected, reason.Error())
	if remove {
		s.closed = true
		s.browser = nil
		delete(st.sessions, s.user)
		st.logger.Info("session removed", "user", s.user)
	}

	user := s.user
	launcher := st.cfg.Launcher
	hook := st.cfg.OnTeardown
	ctx := st.ctx
	return effects{
		func() {
			if w != nil {
				_ = w.Close()
			}
		},
		func() {
			if launcher == nil {
				return
			}
			if err := launcher.Terminate(ctx, user); err != nil && !errors.Is(err, spec.ErrNotFound) {
				st.logger.Debug("terminate worker", "user", user, "error", err)
			}
		},
		func() {
			if b != nil {
				st.notify(b, spec.StateDisconnected, reason.Error())
			}
			if remove && b != nil {
				_ = b.Close()
			}
		},
		func() {
			if hook != nil {
				hook(user, reason)
			}
		},
	}
}

func (st *Store) setStateLocked(s *Session, to spec.SessionState, why string) {
	if s.state == to {
		return
	}
	st.logger.Info("session state", "user", s.user, "from", s.state, "to", to, "reason", why)
	s.state = to
}

func (st *Store) backoff(attempt int) time.Duration {
	d := st.cfg.ReconnectBaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= st.cfg.ReconnectMaxBackoff {
			return st.cfg.ReconnectMaxBackoff
		}
	}
	return min(d, st.cfg.ReconnectMaxBackoff)
}

func (st *Store) notify(ch spec.Channel, state spec.SessionState, reason string) {
	if ch == nil {
		return
	}
	msg := spec.SessionStatus{Type: spec.TypeSessionStatus, State: state, Reason: reason}
	if err := ch.Send(st.ctx, msg); err != nil {
		st.logger.Debug("session status not delivered", "state", state, "error", err)
	}
}
