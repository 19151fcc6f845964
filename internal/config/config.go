// Package config loads the daemon configuration from warden.yaml with
// environment variable overrides (WARDEN_ prefix).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/akarpov/warden/internal/model"
	"github.com/akarpov/warden/internal/policy"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Server  ServerConfig  `mapstructure:"server"`
	Planner PlannerConfig `mapstructure:"planner"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Logger  LoggerConfig  `mapstructure:"logger"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Policy  policy.Config `mapstructure:"policy"`
}

type DaemonConfig struct {
	// HomeDir holds the socket, lock file, audit log and plan archives
	// (default ~/.warden).
	HomeDir         string        `mapstructure:"home_dir"`
	SocketPath      string        `mapstructure:"socket_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type PlannerConfig struct {
	ConfirmTimeout    time.Duration `mapstructure:"confirm_timeout"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	ArchiveDir        string        `mapstructure:"archive_dir"`
}

type AuditConfig struct {
	LogPath    string `mapstructure:"log_path"`
	MaxLogSize int64  `mapstructure:"max_log_size"`
}

type LoggerConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

type NotifyConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DefaultHomeDir returns ~/.warden, falling back to ./.warden when the home
// directory cannot be determined.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// Load reads the config file at path. A missing file is not an error; the
// defaults apply. Every key can be overridden via WARDEN_SECTION_KEY
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, fmt.Errorf("read config file: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Daemon.SocketPath == "" {
		cfg.Daemon.SocketPath = filepath.Join(cfg.Daemon.HomeDir, "warden.sock")
	}
	if cfg.Audit.LogPath == "" {
		cfg.Audit.LogPath = filepath.Join(cfg.Daemon.HomeDir, "audit.jsonl")
	}
	if cfg.Planner.ArchiveDir == "" {
		cfg.Planner.ArchiveDir = filepath.Join(cfg.Daemon.HomeDir, "archive")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home := DefaultHomeDir()

	v.SetDefault("daemon.home_dir", home)
	v.SetDefault("daemon.shutdown_timeout", 10*time.Second)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7711)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("planner.confirm_timeout", 60*time.Second)
	v.SetDefault("planner.max_parallel", 1)
	v.SetDefault("planner.default_max_retries", 3)

	v.SetDefault("audit.max_log_size", int64(100*1024*1024))

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stderr"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})

	v.SetDefault("notify.enabled", true)

	def := policy.Default()
	v.SetDefault("policy.blocked_patterns", def.BlockedPatterns)
	v.SetDefault("policy.critical_actions", def.CriticalActions)
	v.SetDefault("policy.approval_categories", categoryStrings(def.ApprovalCategories))
	v.SetDefault("policy.protected_files", def.ProtectedFiles)
}

func categoryStrings(cats []model.ActionCategory) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}
