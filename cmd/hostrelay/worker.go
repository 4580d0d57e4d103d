package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flexigpt/hostrelay-go"
	"github.com/flexigpt/hostrelay-go/internal/transport"
	"github.com/flexigpt/hostrelay-go/spec"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve one user's capability manifests to the control plane",
		Long: "worker loads the manifests under --manifest-dir, dials the control plane and answers " +
			"commands until the control plane closes the channel. Modules run without handlers here; " +
			"embed hostrelay.Worker to provide them.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Worker.User == "" {
				return errors.New("worker user is required (--user or HOSTRELAY_WORKER_USER)")
			}
			codec, err := transport.CodecByName(cfg.Server.Codec)
			if err != nil {
				return err
			}

			w, err := hostrelay.NewWorker(spec.UserID(cfg.Worker.User),
				hostrelay.WithWorkerLogger(logger),
				hostrelay.WithManifestDirs(cfg.Worker.ManifestDirs...),
				hostrelay.WithWorkerWorkloadRef(cfg.Worker.WorkloadRef),
			)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := w.Load(ctx)
			if err != nil {
				logger.Warn("manifest scan incomplete", "error", err)
			}
			logger.Info("manifests loaded", "modules", n, "dirs", cfg.Worker.ManifestDirs)

			return w.Run(ctx, func(ctx context.Context) (transport.Endpoint, error) {
				c, err := transport.Dial(ctx, cfg.Worker.ServerURL, transport.DialOptions{Codec: codec, Logger: logger})
				if err != nil {
					return nil, err
				}
				return c, nil
			})
		},
	}

	fs := cmd.Flags()
	fs.String("user", "", "user this worker serves")
	fs.String("server", "", "control plane worker endpoint (default ws://127.0.0.1:8740/ws/worker)")
	fs.StringSlice("manifest-dir", nil, "directory holding module manifests (repeatable)")
	fs.String("workload", "", "workload reference reported at registration")
	fs.String("codec", "", "wire codec: json or cbor")
	return cmd
}
