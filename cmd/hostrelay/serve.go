package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flexigpt/hostrelay-go"
	"github.com/flexigpt/hostrelay-go/internal/config"
	"github.com/flexigpt/hostrelay-go/internal/launcher"
	"github.com/flexigpt/hostrelay-go/internal/transport"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 15 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger, nil)
		},
	}

	fs := cmd.Flags()
	fs.String("addr", "", "listen address (default 127.0.0.1:8740)")
	fs.StringSlice("allowed-origins", nil, "origins allowed to open browser channels")
	fs.String("codec", "", "wire codec: json or cbor")
	fs.String("worker-command", "", "command started per user to run a worker")
	fs.String("workload", "", "workload reference handed to launched workers")
	fs.String("server", "", "control plane URL handed to launched workers")
	fs.Bool("agent", true, "build agent toolsets from registry updates")
	return cmd
}

// runServe serves the hub until ctx is done, then shuts down: sessions
// first so that hijacked websocket connections are closed, then the HTTP
// server, then any launched worker processes. ready, when set, receives the
// bound address.
func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, ready func(net.Addr)) error {
	codec, err := transport.CodecByName(cfg.Server.Codec)
	if err != nil {
		return err
	}

	opts := []hostrelay.Option{
		hostrelay.WithLogger(logger),
		hostrelay.WithWorkloadRef(cfg.Worker.WorkloadRef),
		hostrelay.WithWorkerConnectTimeout(cfg.Session.WorkerConnectTimeout),
		hostrelay.WithAgent(cfg.Agent.Enabled),
	}
	if cfg.Session.GracePeriod > 0 {
		opts = append(opts, hostrelay.WithGracePeriod(cfg.Session.GracePeriod))
	}
	if cfg.Session.MaxReconnectAttempts > 0 {
		opts = append(opts, hostrelay.WithReconnectPolicy(
			cfg.Session.MaxReconnectAttempts,
			cfg.Session.ReconnectBaseBackoff,
			cfg.Session.ReconnectMaxBackoff,
		))
	}

	var procs *launcher.Process
	if cfg.Worker.Command != "" {
		procs, err = launcher.New(cfg.Worker.Command, cfg.Worker.Args,
			launcher.WithLogger(logger),
			launcher.WithServerURL(cfg.Worker.ServerURL),
			launcher.WithOutput(os.Stderr),
		)
		if err != nil {
			return err
		}
		opts = append(opts, hostrelay.WithLauncher(procs))
	} else {
		logger.Warn("no worker command configured; workers must be started externally")
	}

	cp, err := hostrelay.NewControlPlane(opts...)
	if err != nil {
		return err
	}
	defer cp.Close()

	hub, err := transport.NewHub(cp, cp,
		transport.WithHubLogger(logger),
		transport.WithCodec(codec),
		transport.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
	)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	srv := &http.Server{
		Handler:           hub.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	logger.Info("control plane listening", "addr", ln.Addr().String(), "codec", codec.Name(),
		"agent", cfg.Agent.Enabled)
	if ready != nil {
		ready(ln.Addr())
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down", "timeout", shutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	cp.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete; closing", "error", err)
		_ = srv.Close()
	}
	if procs != nil {
		if err := procs.Close(shutdownCtx); err != nil {
			logger.Warn("stopping workers", "error", err)
		}
	}
	return <-errCh
}
