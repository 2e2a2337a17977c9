package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		envConfigFile, envListenAddr, envSupervisorAddr, envDataDir, envLogLevel,
		envLogFormat, envSandbox, envSandboxBin, envDockerImage, envSandboxCPUs,
		envSandboxMemory, envRequestTimeout, envPoolMax, envPoolMin, envPoolMinIdle,
		envAcquireRetries, envAcquireRetryWait, envWorkerIdleTTL, envShutdownGrace,
		envAllowReplace,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.SupervisorAddr != defaultSupervisorAddr {
		t.Errorf("SupervisorAddr = %q, want %q", cfg.SupervisorAddr, defaultSupervisorAddr)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.SandboxMemory != 200_000_000 {
		t.Errorf("SandboxMemory = %d, want 200000000", cfg.SandboxMemory)
	}
	if cfg.SandboxCPUs != 0.2 {
		t.Errorf("SandboxCPUs = %v, want 0.2", cfg.SandboxCPUs)
	}
	if cfg.RequestTimeout != 60*time.Second {
		t.Errorf("RequestTimeout = %v, want 60s", cfg.RequestTimeout)
	}
	if !cfg.AllowReplace {
		t.Error("AllowReplace = false, want true")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDataDir, "/tmp/anvil")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envSandboxMemory, "512MiB")
	t.Setenv(envPoolMax, "3")
	t.Setenv(envRequestTimeout, "2s")
	t.Setenv(envAllowReplace, "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DataDir != "/tmp/anvil" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "/tmp/anvil")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.SandboxMemory != 512*1024*1024 {
		t.Errorf("SandboxMemory = %d, want %d", cfg.SandboxMemory, 512*1024*1024)
	}
	if cfg.PoolMax != 3 {
		t.Errorf("PoolMax = %d, want 3", cfg.PoolMax)
	}
	if cfg.RequestTimeout != 2*time.Second {
		t.Errorf("RequestTimeout = %v, want 2s", cfg.RequestTimeout)
	}
	if cfg.AllowReplace {
		t.Error("AllowReplace = true, want false")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "anvil.yaml")
	body := `
listen_addr: ":7070"
log_level: warn
sandbox: docker
sandbox_memory: 1GB
pool_max: 4
worker_idle_ttl: 30s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(envConfigFile, path)
	t.Setenv(envPoolMax, "6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":7070")
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelWarn)
	}
	if cfg.Sandbox != "docker" {
		t.Errorf("Sandbox = %q, want docker", cfg.Sandbox)
	}
	if cfg.SandboxMemory != 1_000_000_000 {
		t.Errorf("SandboxMemory = %d, want 1000000000", cfg.SandboxMemory)
	}
	if cfg.WorkerIdleTTL != 30*time.Second {
		t.Errorf("WorkerIdleTTL = %v, want 30s", cfg.WorkerIdleTTL)
	}
	// Environment wins over the file.
	if cfg.PoolMax != 6 {
		t.Errorf("PoolMax = %d, want 6", cfg.PoolMax)
	}
	// Keys absent from the file keep their defaults.
	if cfg.ShutdownGrace != defaultShutdownGrace {
		t.Errorf("ShutdownGrace = %v, want %v", cfg.ShutdownGrace, defaultShutdownGrace)
	}
}

func TestLoadPathIgnoresEnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	envFile := filepath.Join(dir, "env.yaml")
	if err := os.WriteFile(envFile, []byte("pool_max: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	flagFile := filepath.Join(dir, "flag.yaml")
	if err := os.WriteFile(flagFile, []byte("pool_max: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(envConfigFile, envFile)

	cfg, err := LoadPath(flagFile)
	if err != nil {
		t.Fatalf("LoadPath: %v", err)
	}
	if cfg.PoolMax != 3 {
		t.Errorf("PoolMax = %d, want 3", cfg.PoolMax)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
		want string
	}{
		{"bad int", envPoolMax, "many", envPoolMax},
		{"bad duration", envRequestTimeout, "soon", envRequestTimeout},
		{"bad memory", envSandboxMemory, "lots", envSandboxMemory},
		{"zero max", envPoolMax, "0", "pool max"},
		{"unknown sandbox", envSandbox, "vm", "unknown sandbox"},
		{"unknown format", envLogFormat, "xml", "unknown log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.env, tt.val)

			_, err := Load()
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := ParseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "json")
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "text")

	logger.Info("hello", "key", "value")

	out := buf.String()
	if !strings.Contains(out, "msg=hello") || !strings.Contains(out, "key=value") {
		t.Errorf("text output = %q, want logfmt-style pairs", out)
	}
}
