// Package config loads the controller configuration from defaults, an
// optional YAML file and environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every nested key, e.g. RUNPLANE_DISPATCHER_CONCURRENCY.
const EnvPrefix = "RUNPLANE"

// Config holds all configuration values for the application.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	API        APIConfig        `mapstructure:"api"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	OTel       OTelConfig       `mapstructure:"otel"`
	Log        LogConfig        `mapstructure:"log"`
}

type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	// DSN is a file path for sqlite and a connection URL for postgres.
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

type DispatcherConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
}

type RunnerConfig struct {
	// Runtime is "exec" or "docker".
	Runtime        string        `mapstructure:"runtime"`
	WorkDir        string        `mapstructure:"work_dir"`
	DockerImage    string        `mapstructure:"docker_image"`
	InputRoot      string        `mapstructure:"input_root"`
	OutputRoot     string        `mapstructure:"output_root"`
	ArtifactName   string        `mapstructure:"artifact_name"`
	ErrorMarkerDir string        `mapstructure:"error_marker_dir"`
	ScriptFlavor   string        `mapstructure:"script_flavor"`
	KillWait       time.Duration `mapstructure:"kill_wait"`
}

// EngineConfig holds the command templates the launch script runs per scenario.
type EngineConfig struct {
	CompileCommand string `mapstructure:"compile_command"`
	RunCommand     string `mapstructure:"run_command"`
}

type ReconcileConfig struct {
	// Schedule is a cron expression for the background sweep; empty disables it.
	Schedule       string `mapstructure:"schedule"`
	ExitCodePolicy string `mapstructure:"exit_code_policy"`
}

type RecoveryConfig struct {
	OrphanedRunning string `mapstructure:"orphaned_running"`
}

type APIConfig struct {
	Port        int     `mapstructure:"port"`
	OwnerHeader string  `mapstructure:"owner_header"`
	SubmitRate  float64 `mapstructure:"submit_rate"`
	SubmitBurst int     `mapstructure:"submit_burst"`
}

type NotifyConfig struct {
	SMTP            SMTPConfig    `mapstructure:"smtp"`
	RecipientDomain string        `mapstructure:"recipient_domain"`
	CC              []string      `mapstructure:"cc"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// SMTPConfig is unset when Host is empty; events are then only logged.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type OTelConfig struct {
	// Endpoint is the OTLP/gRPC collector address; empty disables tracing.
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Short environment names kept for container deployments.
var envAliases = map[string]string{
	"store.dsn":     "DATABASE_URL",
	"api.port":      "PORT",
	"otel.endpoint": "OTEL_EXPORTER_OTLP_ENDPOINT",
	"log.level":     "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "runplane.db")
	v.SetDefault("store.migrate", true)

	v.SetDefault("dispatcher.concurrency", 1)
	v.SetDefault("dispatcher.poll_interval", 2*time.Second)
	v.SetDefault("dispatcher.max_backoff", 30*time.Second)

	v.SetDefault("runner.runtime", "exec")
	v.SetDefault("runner.work_dir", "")
	v.SetDefault("runner.docker_image", "")
	v.SetDefault("runner.input_root", "input")
	v.SetDefault("runner.output_root", "output")
	v.SetDefault("runner.artifact_name", "")
	v.SetDefault("runner.error_marker_dir", "")
	v.SetDefault("runner.script_flavor", "")
	v.SetDefault("runner.kill_wait", 5*time.Second)

	v.SetDefault("engine.compile_command", "")
	v.SetDefault("engine.run_command", "")

	v.SetDefault("reconcile.schedule", "")
	v.SetDefault("reconcile.exit_code_policy", "ignore")

	v.SetDefault("recovery.orphaned_running", "leave")

	v.SetDefault("api.port", 6161)
	v.SetDefault("api.owner_header", "X-Remote-User")
	v.SetDefault("api.submit_rate", 0.0)
	v.SetDefault("api.submit_burst", 0)

	v.SetDefault("notify.smtp.host", "")
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("notify.smtp.username", "")
	v.SetDefault("notify.smtp.password", "")
	v.SetDefault("notify.smtp.from", "")
	v.SetDefault("notify.recipient_domain", "")
	v.SetDefault("notify.cc", []string{})
	v.SetDefault("notify.timeout", 10*time.Second)

	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.service_name", "runplane-controller")
	v.SetDefault("otel.sample_ratio", 1.0)

	v.SetDefault("log.level", "info")
}

// Load reads configuration. When path is empty, runplane.yaml in the working
// directory is used if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("runplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		// The prefixed name wins over the alias when both are set.
		if err := v.BindEnv(key, envName(key), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func invalid(key, format string, args ...any) error {
	return fmt.Errorf("invalid %s (env: %s): %s", key, envName(key), fmt.Sprintf(format, args...))
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return invalid("store.driver", "%q is not sqlite or postgres", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required (env: %s or DATABASE_URL)", envName("store.dsn"))
	}

	if c.Dispatcher.Concurrency < 1 {
		return invalid("dispatcher.concurrency", "must be at least 1, got %d", c.Dispatcher.Concurrency)
	}
	if c.Dispatcher.PollInterval <= 0 {
		return invalid("dispatcher.poll_interval", "must be positive")
	}

	switch c.Runner.Runtime {
	case "exec":
	case "docker":
		if c.Runner.DockerImage == "" {
			return fmt.Errorf("runner.docker_image is required for the docker runtime (env: %s)", envName("runner.docker_image"))
		}
	default:
		return invalid("runner.runtime", "%q is not exec or docker", c.Runner.Runtime)
	}
	switch c.Runner.ScriptFlavor {
	case "", "sh", "bat":
	default:
		return invalid("runner.script_flavor", "%q is not sh or bat", c.Runner.ScriptFlavor)
	}
	if c.Runner.OutputRoot == "" {
		return fmt.Errorf("runner.output_root is required (env: %s)", envName("runner.output_root"))
	}

	switch c.Reconcile.ExitCodePolicy {
	case "ignore", "corroborate":
	default:
		return invalid("reconcile.exit_code_policy", "%q is not ignore or corroborate", c.Reconcile.ExitCodePolicy)
	}
	switch c.Recovery.OrphanedRunning {
	case "leave", "error":
	default:
		return invalid("recovery.orphaned_running", "%q is not leave or error", c.Recovery.OrphanedRunning)
	}

	if c.API.SubmitRate < 0 {
		return invalid("api.submit_rate", "must not be negative")
	}
	if c.OTel.SampleRatio < 0 || c.OTel.SampleRatio > 1 {
		return invalid("otel.sample_ratio", "%v is outside [0, 1]", c.OTel.SampleRatio)
	}
	if c.Notify.SMTP.Host != "" && c.Notify.SMTP.From == "" {
		return fmt.Errorf("notify.smtp.from is required when notify.smtp.host is set (env: %s)", envName("notify.smtp.from"))
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.API.Port)
}
