package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flexigpt/hostrelay-go/spec"
)

// Handler receives decoded channel events. The control plane implements it.
type Handler interface {
	BrowserConnected(ctx context.Context, user spec.UserID, ch spec.Channel) error
	BrowserReady(ctx context.Context, user spec.UserID) error
	BrowserCommand(ctx context.Context, user spec.UserID, env spec.CommandEnvelope) error
	BrowserDisconnected(user spec.UserID, ch spec.Channel)

	WorkerRegistered(ctx context.Context, reg spec.WorkerRegister, ch spec.Channel) error
	WorkerResponse(ctx context.Context, user spec.UserID, resp spec.ResponseEnvelope)
	RegistryUpdated(ctx context.Context, user spec.UserID, upd spec.RegistryUpdate)
	WorkerDisconnected(user spec.UserID, ch spec.Channel)
}

// ServeBrowser runs the read loop of one browser connection until the
// connection closes or ctx is done. Refused commands are answered with an
// error frame; the connection stays open.
func ServeBrowser(ctx context.Context, h Handler, user spec.UserID, ep Endpoint, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user", user, "channel", "browser", "conn_id", ep.ID())

	if err := h.BrowserConnected(ctx, user, ep); err != nil {
		_ = ep.Send(ctx, errorFrame("", err))
		_ = ep.Close()
		return err
	}
	defer h.BrowserDisconnected(user, ep)
	defer ep.Close()

	for {
		f, err := ep.Receive(ctx)
		if err != nil {
			return readErr(err)
		}
		switch f.Type {
		case spec.TypeBrowserReady:
			if err := h.BrowserReady(ctx, user); err != nil {
				logger.Warn("browser ready refused", "error", err)
				_ = ep.Send(ctx, errorFrame("", err))
			}
		case spec.TypeCommand:
			var env spec.CommandEnvelope
			if err := f.Decode(&env); err != nil {
				_ = ep.Send(ctx, errorFrame("", err))
				continue
			}
			if err := h.BrowserCommand(ctx, user, env); err != nil {
				logger.Debug("command refused", "message_id", env.MessageID, "command", env.Command, "error", err)
				_ = ep.Send(ctx, errorFrame(env.MessageID, err))
			}
		default:
			logger.Warn("unexpected frame from browser", "type", f.Type)
			_ = ep.Send(ctx, errorFrame("", fmt.Errorf("%w: unexpected frame type %q", spec.ErrInvalidArgument, f.Type)))
		}
	}
}

// ServeWorker runs the read loop of one worker connection. The first frame
// must be a worker_register naming the user; the connection is refused
// otherwise.
func ServeWorker(ctx context.Context, h Handler, ep Endpoint, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("channel", "worker", "conn_id", ep.ID())

	f, err := ep.Receive(ctx)
	if err != nil {
		_ = ep.Close()
		return readErr(err)
	}
	var reg spec.WorkerRegister
	if f.Type != spec.TypeWorkerRegister {
		err = fmt.Errorf("%w: first worker frame must be %s, got %q",
			spec.ErrInvalidArgument, spec.TypeWorkerRegister, f.Type)
	} else if err = f.Decode(&reg); err == nil {
		reg.UserID = spec.NormalizeUser(reg.UserID)
		if reg.UserID == "" {
			err = fmt.Errorf("%w: worker_register without user_id", spec.ErrInvalidArgument)
		}
	}
	if err == nil {
		err = h.WorkerRegistered(ctx, reg, ep)
	}
	if err != nil {
		logger.Warn("worker registration refused", "user", reg.UserID, "error", err)
		_ = ep.Send(ctx, errorFrame("", err))
		_ = ep.Close()
		return err
	}

	user := reg.UserID
	logger = logger.With("user", user)
	defer h.WorkerDisconnected(user, ep)
	defer ep.Close()

	for {
		f, err := ep.Receive(ctx)
		if err != nil {
			return readErr(err)
		}
		switch f.Type {
		case spec.TypeCommandCompleted, spec.TypeCommandFailed:
			var resp spec.ResponseEnvelope
			if err := f.Decode(&resp); err != nil {
				logger.Warn("dropping malformed response", "error", err)
				continue
			}
			h.WorkerResponse(ctx, user, resp)
		case spec.TypeRegistryUpdated:
			var upd spec.RegistryUpdate
			if err := f.Decode(&upd); err != nil {
				logger.Warn("dropping malformed registry update", "error", err)
				continue
			}
			h.RegistryUpdated(ctx, user, upd)
		default:
			logger.Warn("unexpected frame from worker", "type", f.Type)
		}
	}
}

func errorFrame(id spec.MessageID, err error) spec.ErrorFrame {
	return spec.ErrorFrame{Type: spec.TypeError, MessageID: id, Payload: spec.FailureFromError(err)}
}

// readErr maps the normal ends of a read loop to nil.
func readErr(err error) error {
	if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
