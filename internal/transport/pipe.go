package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const pipeBuffer = 256

type pipeState struct {
	once sync.Once
	done chan struct{}
}

func (p *pipeState) close() { p.once.Do(func() { close(p.done) }) }

// PipeEnd is one side of an in-memory connection created by Pipe.
type PipeEnd struct {
	id    string
	codec Codec
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

// Pipe returns two connected endpoints. Frames are encoded with c exactly
// as on a websocket, so both sides see the same shapes. Closing either end
// closes both.
func Pipe(c Codec) (*PipeEnd, *PipeEnd) {
	if c == nil {
		c = JSON
	}
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	st := &pipeState{done: make(chan struct{})}
	a := &PipeEnd{id: uuid.NewString(), codec: c, in: ba, out: ab, state: st}
	b := &PipeEnd{id: uuid.NewString(), codec: c, in: ab, out: ba, state: st}
	return a, b
}

func (p *PipeEnd) ID() string { return p.id }

func (p *PipeEnd) Send(ctx context.Context, msg any) error {
	data, err := p.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns frames already buffered before reporting a close.
func (p *PipeEnd) Receive(ctx context.Context) (Frame, error) {
	select {
	case data := <-p.in:
		return parseFrame(p.codec, data)
	default:
	}
	select {
	case data := <-p.in:
		return parseFrame(p.codec, data)
	case <-p.state.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (p *PipeEnd) Close() error {
	p.state.close()
	return nil
}

// Closed reports whether the pipe has been closed from either side.
func (p *PipeEnd) Closed() bool {
	select {
	case <-p.state.done:
		return true
	default:
		return false
	}
}
