package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flexigpt/hostrelay-go/spec"
)

const (
	defaultReadLimit    = 4 << 20
	defaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
)

var ErrClosed = errors.New("channel closed")

// Endpoint is a channel that can also be read from. Only one goroutine may
// call Receive at a time.
type Endpoint interface {
	spec.Channel
	Receive(ctx context.Context) (Frame, error)
}

// Conn is an Endpoint over a websocket connection. Writes are serialized;
// a ping is sent every ping interval until the connection closes.
type Conn struct {
	id     string
	ws     *websocket.Conn
	codec  Codec
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, codec Codec, readLimit int64, ping time.Duration, logger *slog.Logger) *Conn {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	if ping <= 0 {
		ping = defaultPingInterval
	}
	c := &Conn{
		id:     uuid.NewString(),
		ws:     ws,
		codec:  codec,
		logger: logger,
		done:   make(chan struct{}),
	}
	c.logger = logger.With("conn_id", c.id)

	// A peer that misses two pings is considered gone.
	pongWait := 2 * ping
	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.keepalive(ping)
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Codec() Codec { return c.codec }

func (c *Conn) Send(ctx context.Context, msg any) error {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(c.codec.MessageType(), data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive blocks for the next data frame. A canceled ctx unblocks the read
// and leaves the connection unusable; callers close it afterwards.
func (c *Conn) Receive(ctx context.Context) (Frame, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.ws.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Frame{}, ctx.Err()
			}
			select {
			case <-c.done:
				return Frame{}, ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Frame{}, ErrClosed
			}
			return Frame{}, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return parseFrame(c.codec, data)
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) keepalive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// DialOptions configure Dial.
type DialOptions struct {
	Codec        Codec
	ReadLimit    int64
	PingInterval time.Duration
	Logger       *slog.Logger
}

// Dial connects to a control plane websocket endpoint, e.g.
// "ws://127.0.0.1:8740/ws/worker".
func Dial(ctx context.Context, url string, o DialOptions) (*Conn, error) {
	if o.Codec == nil {
		o.Codec = JSON
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", spec.ErrNotConnected, url, err)
	}
	return newConn(ws, o.Codec, o.ReadLimit, o.PingInterval, o.Logger.With("component", "transport")), nil
}
