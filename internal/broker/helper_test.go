package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/flexigpt/hostrelay-go/spec"
)

type memChannel struct {
	mu   sync.Mutex
	sent []any
}

func (c *memChannel) ID() string { return "browser" }

func (c *memChannel) Send(_ context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *memChannel) Close() error { return nil }

func (c *memChannel) responses() []spec.ResponseEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []spec.ResponseEnvelope
	for _, m := range c.sent {
		if r, ok := m.(spec.ResponseEnvelope); ok {
			out = append(out, r)
		}
	}
	return out
}

// fakeSessions stands in for the session registry. Forwarded envelopes are
// published on out when a worker is attached.
type fakeSessions struct {
	mu       sync.Mutex
	worker   bool
	browsers map[spec.UserID]*memChannel
	queued   []spec.CommandEnvelope
	out      chan spec.CommandEnvelope
}

func newFakeSessions(worker bool) *fakeSessions {
	return &fakeSessions{
		worker:   worker,
		browsers: map[spec.UserID]*memChannel{},
		out:      make(chan spec.CommandEnvelope, 256),
	}
}

func (f *fakeSessions) browser(user spec.UserID) *memChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.browsers[user]
	if !ok {
		b = &memChannel{}
		f.browsers[user] = b
	}
	return b
}

func (f *fakeSessions) Forward(_ context.Context, user spec.UserID, env spec.CommandEnvelope, queueable bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.worker {
		if queueable {
			f.queued = append(f.queued, env)
			return true, nil
		}
		return false, fmt.Errorf("%w: no worker for %q", spec.ErrNotConnected, user)
	}
	f.out <- env
	return false, nil
}

func (f *fakeSessions) Browser(user spec.UserID) (spec.Channel, bool) {
	return f.browser(user), true
}

// echoWorker answers every forwarded command with its message id as data.
func echoWorker(ctx context.Context, b *Broker, user spec.UserID, in <-chan spec.CommandEnvelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-in:
			res := spec.Success(env.Command, string(env.MessageID))
			b.Resolve(ctx, user, spec.NewResponse(env, res, env.Metadata.Timestamp))
		}
	}
}
