package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flexigpt/hostrelay-go/internal/config"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hostrelay",
		Short: "Relay commands between browsers, agents and per-user host workers",
		Long: "hostrelay links each user's browser to a worker process running inside a host application. " +
			"The control plane owns session lifecycle and routes commands; workers serve capability manifests.",
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "path to a hostrelay.toml file")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("log-format", "", "log format: text or json")

	rootCmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newValidateCmd(),
		newToolsCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig resolves the configuration of cmd from its config file, the
// environment and its flags, and builds the logger it describes.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	v := viper.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return config.Config{}, nil, err
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, nil, err
	}
	cfg, err := config.Load(v, path)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Log.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Log.Format)
	}
}
