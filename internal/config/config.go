package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr       = ":8080"
	defaultSupervisorAddr   = "127.0.0.1:0"
	defaultDataDir          = "data"
	defaultLogFormat        = "json"
	defaultSandbox          = "process"
	defaultDockerImage      = "anvil-sandbox:latest"
	defaultSandboxCPUs      = 0.2
	defaultSandboxMemory    = "200MB"
	defaultRequestTimeout   = 60 * time.Second
	defaultPoolMax          = 10
	defaultPoolMin          = 0
	defaultPoolMinIdle      = 1
	defaultAcquireRetries   = 5
	defaultAcquireRetryWait = 100 * time.Millisecond
	defaultWorkerIdleTTL    = 5 * time.Minute
	defaultShutdownGrace    = 5 * time.Second

	envConfigFile       = "ANVIL_CONFIG"
	envListenAddr       = "ANVIL_LISTEN_ADDR"
	envSupervisorAddr   = "ANVIL_SUPERVISOR_ADDR"
	envDataDir          = "ANVIL_DATA_DIR"
	envLogLevel         = "ANVIL_LOG_LEVEL"
	envLogFormat        = "ANVIL_LOG_FORMAT"
	envSandbox          = "ANVIL_SANDBOX"
	envSandboxBin       = "ANVIL_SANDBOX_BIN"
	envDockerImage      = "ANVIL_DOCKER_IMAGE"
	envSandboxCPUs      = "ANVIL_SANDBOX_CPUS"
	envSandboxMemory    = "ANVIL_SANDBOX_MEMORY"
	envRequestTimeout   = "ANVIL_REQUEST_TIMEOUT"
	envPoolMax          = "ANVIL_POOL_MAX"
	envPoolMin          = "ANVIL_POOL_MIN"
	envPoolMinIdle      = "ANVIL_POOL_MIN_IDLE"
	envAcquireRetries   = "ANVIL_ACQUIRE_RETRIES"
	envAcquireRetryWait = "ANVIL_ACQUIRE_RETRY_WAIT"
	envWorkerIdleTTL    = "ANVIL_WORKER_IDLE_TTL"
	envShutdownGrace    = "ANVIL_SHUTDOWN_GRACE"
	envAllowReplace     = "ANVIL_ALLOW_REPLACE"
)

// Config holds application configuration loaded from environment variables
// and an optional YAML file.
type Config struct {
	ListenAddr     string     `yaml:"listen_addr"`
	SupervisorAddr string     `yaml:"supervisor_addr"`
	DataDir        string     `yaml:"data_dir"`
	LogLevel       slog.Level `yaml:"-"`
	LogFormat      string     `yaml:"log_format"`

	// Sandbox selects the spawner: "process" or "docker".
	Sandbox       string  `yaml:"sandbox"`
	SandboxBin    string  `yaml:"sandbox_bin"`
	DockerImage   string  `yaml:"docker_image"`
	SandboxCPUs   float64 `yaml:"sandbox_cpus"`
	SandboxMemory uint64  `yaml:"-"`
	AllowReplace  bool    `yaml:"allow_replace"`

	RequestTimeout   time.Duration `yaml:"request_timeout"`
	PoolMax          int           `yaml:"pool_max"`
	PoolMin          int           `yaml:"pool_min"`
	PoolMinIdle      int           `yaml:"pool_min_idle"`
	AcquireRetries   int           `yaml:"acquire_retries"`
	AcquireRetryWait time.Duration `yaml:"acquire_retry_wait"`
	WorkerIdleTTL    time.Duration `yaml:"worker_idle_ttl"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
}

// fileConfig carries the fields whose YAML form differs from the in-memory one.
type fileConfig struct {
	Config        `yaml:",inline"`
	LogLevel      string `yaml:"log_level"`
	SandboxMemory string `yaml:"sandbox_memory"`
}

// Default returns the built-in configuration.
func Default() Config {
	mem, _ := humanize.ParseBytes(defaultSandboxMemory)
	return Config{
		ListenAddr:       defaultListenAddr,
		SupervisorAddr:   defaultSupervisorAddr,
		DataDir:          defaultDataDir,
		LogLevel:         slog.LevelInfo,
		LogFormat:        defaultLogFormat,
		Sandbox:          defaultSandbox,
		DockerImage:      defaultDockerImage,
		SandboxCPUs:      defaultSandboxCPUs,
		SandboxMemory:    mem,
		AllowReplace:     true,
		RequestTimeout:   defaultRequestTimeout,
		PoolMax:          defaultPoolMax,
		PoolMin:          defaultPoolMin,
		PoolMinIdle:      defaultPoolMinIdle,
		AcquireRetries:   defaultAcquireRetries,
		AcquireRetryWait: defaultAcquireRetryWait,
		WorkerIdleTTL:    defaultWorkerIdleTTL,
		ShutdownGrace:    defaultShutdownGrace,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// ANVIL_CONFIG (if any), then environment variables.
func Load() (Config, error) {
	return LoadPath(os.Getenv(envConfigFile))
}

// LoadPath is Load with an explicit YAML file; an empty path skips the file.
func LoadPath(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	fc := fileConfig{Config: *cfg}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if fc.LogLevel != "" {
		fc.Config.LogLevel = ParseLogLevel(fc.LogLevel)
	}
	if fc.SandboxMemory != "" {
		mem, err := humanize.ParseBytes(fc.SandboxMemory)
		if err != nil {
			return fmt.Errorf("parse sandbox_memory: %w", err)
		}
		fc.Config.SandboxMemory = mem
	}

	*cfg = fc.Config
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envSupervisorAddr); v != "" {
		cfg.SupervisorAddr = v
	}
	if v := os.Getenv(envDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(envLogFormat); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv(envSandbox); v != "" {
		cfg.Sandbox = strings.ToLower(v)
	}
	if v := os.Getenv(envSandboxBin); v != "" {
		cfg.SandboxBin = v
	}
	if v := os.Getenv(envDockerImage); v != "" {
		cfg.DockerImage = v
	}
	if v := os.Getenv(envSandboxCPUs); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envSandboxCPUs, err)
		}
		cfg.SandboxCPUs = f
	}
	if v := os.Getenv(envSandboxMemory); v != "" {
		mem, err := humanize.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envSandboxMemory, err)
		}
		cfg.SandboxMemory = mem
	}
	if v := os.Getenv(envAllowReplace); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envAllowReplace, err)
		}
		cfg.AllowReplace = b
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{envRequestTimeout, &cfg.RequestTimeout},
		{envAcquireRetryWait, &cfg.AcquireRetryWait},
		{envWorkerIdleTTL, &cfg.WorkerIdleTTL},
		{envShutdownGrace, &cfg.ShutdownGrace},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", d.env, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		env string
		dst *int
	}{
		{envPoolMax, &cfg.PoolMax},
		{envPoolMin, &cfg.PoolMin},
		{envPoolMinIdle, &cfg.PoolMinIdle},
		{envAcquireRetries, &cfg.AcquireRetries},
	}
	for _, i := range ints {
		if v := os.Getenv(i.env); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", i.env, err)
			}
			*i.dst = parsed
		}
	}

	return nil
}

// Validate reports configuration values that cannot produce a working platform.
func (c Config) Validate() error {
	if c.PoolMax < 1 {
		return fmt.Errorf("pool max must be at least 1, got %d", c.PoolMax)
	}
	if c.PoolMin < 0 || c.PoolMin > c.PoolMax {
		return fmt.Errorf("pool min must be between 0 and %d, got %d", c.PoolMax, c.PoolMin)
	}
	if c.PoolMinIdle < 0 || c.PoolMinIdle > c.PoolMax {
		return fmt.Errorf("pool min idle must be between 0 and %d, got %d", c.PoolMax, c.PoolMinIdle)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	switch c.Sandbox {
	case "process", "docker":
	default:
		return fmt.Errorf("unknown sandbox %q", c.Sandbox)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the configured level.
// format is "json" or "text"; anything else falls back to JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
