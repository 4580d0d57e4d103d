package hostrelay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/flexigpt/hostrelay-go/internal/clock"
	"github.com/flexigpt/hostrelay-go/spec"
)

type controlPlaneOptions struct {
	logger *slog.Logger
	clock  clock.Clock

	launcher    spec.WorkerLauncher
	workloadRef string

	connectTimeout time.Duration
	gracePeriod    time.Duration
	maxReconnects  int
	baseBackoff    time.Duration
	maxBackoff     time.Duration

	queueable []string
	agent     bool
}

type Option func(*controlPlaneOptions) error

func WithLogger(l *slog.Logger) Option {
	return func(o *controlPlaneOptions) error {
		o.logger = l
		return nil
	}
}

// WithClock replaces the wall clock driving session timers.
func WithClock(c clock.Clock) Option {
	return func(o *controlPlaneOptions) error {
		o.clock = c
		return nil
	}
}

// WithLauncher sets the worker-lifecycle collaborator. Without one, workers
// are expected to be started externally and only register.
func WithLauncher(l spec.WorkerLauncher) Option {
	return func(o *controlPlaneOptions) error {
		o.launcher = l
		return nil
	}
}

func WithWorkloadRef(ref string) Option {
	return func(o *controlPlaneOptions) error {
		o.workloadRef = ref
		return nil
	}
}

func WithWorkerConnectTimeout(d time.Duration) Option {
	return func(o *controlPlaneOptions) error {
		if d <= 0 {
			return fmt.Errorf("%w: worker connect timeout must be positive", spec.ErrInvalidArgument)
		}
		o.connectTimeout = d
		return nil
	}
}

func WithGracePeriod(d time.Duration) Option {
	return func(o *controlPlaneOptions) error {
		if d <= 0 {
			return fmt.Errorf("%w: grace period must be positive", spec.ErrInvalidArgument)
		}
		o.gracePeriod = d
		return nil
	}
}

// WithReconnectPolicy bounds worker reconnection: at most attempts retries,
// waiting base, 2*base, ... up to maxBackoff between them.
func WithReconnectPolicy(attempts int, base, maxBackoff time.Duration) Option {
	return func(o *controlPlaneOptions) error {
		if attempts <= 0 || base <= 0 || maxBackoff < base {
			return fmt.Errorf("%w: reconnect policy needs attempts > 0 and 0 < base <= max", spec.ErrInvalidArgument)
		}
		o.maxReconnects = attempts
		o.baseBackoff = base
		o.maxBackoff = maxBackoff
		return nil
	}
}

// WithQueueableCommands replaces the commands that wait for a worker
// instead of failing with NOT_CONNECTED.
func WithQueueableCommands(names ...string) Option {
	return func(o *controlPlaneOptions) error {
		o.queueable = append([]string{}, names...)
		return nil
	}
}

// WithAgent toggles toolset rebuilds on registry updates. Enabled by default.
func WithAgent(enabled bool) Option {
	return func(o *controlPlaneOptions) error {
		o.agent = enabled
		return nil
	}
}
