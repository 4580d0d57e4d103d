// Package launcher starts and stops per-user worker processes.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/flexigpt/hostrelay-go/spec"
)

const defaultStopGrace = 5 * time.Second

// Environment of every launched worker. The names match the worker.* keys
// of the configuration, so a hostrelay worker needs no flags.
const (
	EnvUser      = "HOSTRELAY_WORKER_USER"
	EnvWorkload  = "HOSTRELAY_WORKER_WORKLOAD_REF"
	EnvServerURL = "HOSTRELAY_WORKER_SERVER_URL"
)

// Process launches the configured command once per user. Arguments may use
// the placeholders {user}, {workload} and {server}.
type Process struct {
	command   string
	args      []string
	serverURL string
	env       []string
	stopGrace time.Duration
	output    io.Writer
	logger    *slog.Logger

	mu    sync.Mutex
	procs map[spec.UserID]*proc
}

type proc struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

type Option func(*Process) error

func WithLogger(l *slog.Logger) Option {
	return func(p *Process) error {
		p.logger = l
		return nil
	}
}

// WithServerURL sets the value of the {server} placeholder.
func WithServerURL(u string) Option {
	return func(p *Process) error {
		p.serverURL = strings.TrimSpace(u)
		return nil
	}
}

// WithEnv appends KEY=VALUE entries to the inherited environment.
func WithEnv(kv ...string) Option {
	return func(p *Process) error {
		for _, e := range kv {
			if !strings.Contains(e, "=") {
				return fmt.Errorf("%w: env entry %q is not KEY=VALUE", spec.ErrInvalidArgument, e)
			}
		}
		p.env = append(p.env, kv...)
		return nil
	}
}

// WithStopGrace is how long Terminate waits after an interrupt before killing.
func WithStopGrace(d time.Duration) Option {
	return func(p *Process) error {
		if d < 0 {
			return fmt.Errorf("%w: negative stop grace", spec.ErrInvalidArgument)
		}
		p.stopGrace = d
		return nil
	}
}

// WithOutput receives the stdout and stderr of every worker.
func WithOutput(w io.Writer) Option {
	return func(p *Process) error {
		p.output = w
		return nil
	}
}

func New(command string, args []string, opts ...Option) (*Process, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("%w: worker command is required", spec.ErrInvalidArgument)
	}
	p := &Process{
		command:   command,
		args:      append([]string(nil), args...),
		stopGrace: defaultStopGrace,
		procs:     map[spec.UserID]*proc{},
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(p); err != nil {
			return nil, err
		}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "launcher")
	return p, nil
}

// Launch starts the worker of user unless one is already running. The
// process outlives ctx; only Terminate stops it.
func (p *Process) Launch(ctx context.Context, user spec.UserID, workloadRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	user = spec.NormalizeUser(user)
	if user == "" {
		return fmt.Errorf("%w: user is required", spec.ErrInvalidArgument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.procs[user]; ok && !pr.exited() {
		return nil
	}

	args := Expand(p.args, user, workloadRef, p.serverURL)
	//nolint:gosec // The command comes from operator configuration.
	cmd := exec.Command(p.command, args...)
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Env = append(cmd.Env,
		EnvUser+"="+string(user),
		EnvWorkload+"="+workloadRef,
		EnvServerURL+"="+p.serverURL,
	)
	if p.output != nil {
		cmd.Stdout = p.output
		cmd.Stderr = p.output
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker for %q: %w", user, err)
	}

	pr := &proc{cmd: cmd, done: make(chan struct{})}
	p.procs[user] = pr
	p.logger.Info("worker launched", "user", user, "pid", cmd.Process.Pid, "workload", workloadRef)

	go func() {
		pr.err = cmd.Wait()
		close(pr.done)
		p.mu.Lock()
		if p.procs[user] == pr {
			delete(p.procs, user)
		}
		p.mu.Unlock()
		p.logger.Info("worker exited", "user", user, "pid", cmd.Process.Pid, "error", pr.err)
	}()
	return nil
}

// Terminate interrupts the worker of user, killing it if it is still alive
// after the stop grace or when ctx ends. A user without a worker is a no-op.
func (p *Process) Terminate(ctx context.Context, user spec.UserID) error {
	user = spec.NormalizeUser(user)
	p.mu.Lock()
	pr, ok := p.procs[user]
	p.mu.Unlock()
	if !ok || pr.exited() {
		return nil
	}

	if err := pr.cmd.Process.Signal(os.Interrupt); err != nil {
		// Interrupt is unsupported on some platforms.
		return p.kill(user, pr)
	}
	t := time.NewTimer(p.stopGrace)
	defer t.Stop()
	select {
	case <-pr.done:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	return p.kill(user, pr)
}

func (p *Process) kill(user spec.UserID, pr *proc) error {
	if err := pr.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker for %q: %w", user, err)
	}
	<-pr.done
	p.logger.Warn("worker killed", "user", user)
	return nil
}

func (p *Process) Running(_ context.Context, user spec.UserID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.procs[spec.NormalizeUser(user)]
	return ok && !pr.exited()
}

// Close terminates every worker.
func (p *Process) Close(ctx context.Context) error {
	p.mu.Lock()
	users := make([]spec.UserID, 0, len(p.procs))
	for u := range p.procs {
		users = append(users, u)
	}
	p.mu.Unlock()

	var errs []error
	for _, u := range users {
		if err := p.Terminate(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (pr *proc) exited() bool {
	select {
	case <-pr.done:
		return true
	default:
		return false
	}
}

// Expand substitutes {user}, {workload} and {server} in args.
func Expand(args []string, user spec.UserID, workloadRef, serverURL string) []string {
	r := strings.NewReplacer("{user}", string(user), "{workload}", workloadRef, "{server}", serverURL)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}
