package session

import (
	"sync"

	"github.com/flexigpt/hostrelay-go/internal/clock"
	"github.com/flexigpt/hostrelay-go/spec"
)

// Session links one user's browser channel with at most one worker channel.
// All fields except sendMu are guarded by the owning Store's mutex.
type Session struct {
	user spec.UserID

	// sendMu serializes forwarding to the worker, including the queue flush
	// on registration, so queued requests cannot be overtaken.
	sendMu sync.Mutex

	state   spec.SessionState
	browser spec.Channel
	worker  spec.Channel

	retryCount int
	queue      []spec.CommandEnvelope

	// gen invalidates lifecycle timers and in-flight launches. Any step that
	// changes who owns the worker slot bumps it.
	gen uint64
	// graceTok invalidates grace timers; bumped by browser connect and disconnect.
	graceTok uint64

	connectTimer *clock.Timer
	retryTimer   *clock.Timer
	graceTimer   *clock.Timer

	closed bool
}

func newSession(user spec.UserID) *Session {
	return &Session{user: user, state: spec.StateWaitingForBrowserReady}
}

func (s *Session) User() spec.UserID { return s.user }

func (s *Session) infoLocked() spec.SessionInfo {
	return spec.SessionInfo{
		UserID:           s.user,
		State:            s.state,
		BrowserConnected: s.browser != nil,
		WorkerConnected:  s.worker != nil,
		RetryCount:       s.retryCount,
		Queued:           len(s.queue),
	}
}

func (s *Session) stopTimersLocked() {
	s.connectTimer.Stop()
	s.retryTimer.Stop()
	s.graceTimer.Stop()
	s.connectTimer, s.retryTimer, s.graceTimer = nil, nil, nil
}

// reconnectPendingLocked reports whether a worker relaunch is scheduled.
func (s *Session) reconnectPendingLocked() bool { return s.retryTimer != nil }

// effects are side effects computed under the store lock and run after it
// is released: channel sends and closes, launcher calls, hooks.
type effects []func()

func (e effects) run() {
	for _, f := range e {
		f()
	}
}
