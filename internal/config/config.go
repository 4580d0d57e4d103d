// Package config loads hostrelay settings from a TOML file, HOSTRELAY_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/flexigpt/hostrelay-go/spec"
)

const (
	configName = "hostrelay"
	configType = "toml"
	envPrefix  = "HOSTRELAY"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	Codec          string   `mapstructure:"codec"`
}

type SessionConfig struct {
	WorkerConnectTimeout time.Duration `mapstructure:"worker_connect_timeout"`
	GracePeriod          time.Duration `mapstructure:"grace_period"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBaseBackoff time.Duration `mapstructure:"reconnect_base_backoff"`
	ReconnectMaxBackoff  time.Duration `mapstructure:"reconnect_max_backoff"`
}

// WorkerConfig is read by both sides: the control plane uses Command, Args
// and WorkloadRef to launch workers; a worker process uses the rest.
type WorkerConfig struct {
	Command      string   `mapstructure:"command"`
	Args         []string `mapstructure:"args"`
	WorkloadRef  string   `mapstructure:"workload_ref"`
	ManifestDirs []string `mapstructure:"manifest_dirs"`
	ServerURL    string   `mapstructure:"server_url"`
	User         string   `mapstructure:"user"`
}

type AgentConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:8740")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.codec", "json")

	v.SetDefault("session.worker_connect_timeout", 30*time.Second)
	v.SetDefault("session.grace_period", 15*time.Second)
	v.SetDefault("session.max_reconnect_attempts", 3)
	v.SetDefault("session.reconnect_base_backoff", time.Second)
	v.SetDefault("session.reconnect_max_backoff", 30*time.Second)

	v.SetDefault("worker.command", "")
	v.SetDefault("worker.args", []string{})
	v.SetDefault("worker.workload_ref", "")
	v.SetDefault("worker.manifest_dirs", []string{"modules"})
	v.SetDefault("worker.server_url", "ws://127.0.0.1:8740/ws/worker")
	v.SetDefault("worker.user", "")

	v.SetDefault("agent.enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"addr":            "server.addr",
	"allowed-origins": "server.allowed_origins",
	"codec":           "server.codec",
	"worker-command":  "worker.command",
	"workload":        "worker.workload_ref",
	"manifest-dir":    "worker.manifest_dirs",
	"server":          "worker.server_url",
	"user":            "worker.user",
	"agent":           "agent.enabled",
	"log-level":       "log.level",
	"log-format":      "log.format",
}

// BindFlags binds the known flags present in fs into v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the configuration. With an empty path, hostrelay.toml is looked
// up in the working directory and the user config directory, and a missing
// file is not an error.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)
	v.SetConfigType(configType)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, configName))
		}
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) normalize() {
	c.Server.Codec = strings.ToLower(strings.TrimSpace(c.Server.Codec))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Worker.User = strings.TrimSpace(c.Worker.User)
	c.Server.AllowedOrigins = splitList(c.Server.AllowedOrigins)
	c.Worker.ManifestDirs = splitList(c.Worker.ManifestDirs)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	switch c.Server.Codec {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("server.codec must be json or cbor, got %q", c.Server.Codec))
	}
	s := c.Session
	if s.WorkerConnectTimeout <= 0 {
		errs = append(errs, errors.New("session.worker_connect_timeout must be positive"))
	}
	if s.GracePeriod < 0 {
		errs = append(errs, errors.New("session.grace_period must not be negative"))
	}
	if s.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("session.max_reconnect_attempts must not be negative"))
	}
	if s.ReconnectBaseBackoff <= 0 || s.ReconnectMaxBackoff < s.ReconnectBaseBackoff {
		errs = append(errs, errors.New("session.reconnect backoffs must satisfy 0 < base <= max"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", spec.ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}

func (c Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// splitList accepts both list values and comma-separated strings coming
// from the environment.
func splitList(in []string) []string {
	out := []string{}
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
