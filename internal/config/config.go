// Package config resolves orchestrator settings from limbic.yaml, LIMBIC_*
// environment variables, and CLI flags, in that precedence order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"limbic/internal/ports"
)

// ConflictPolicy selects backend behavior when its port is taken.
type ConflictPolicy string

const (
	// PolicyFail aborts the run and names the occupied port.
	PolicyFail ConflictPolicy = "fail"
	// PolicyFallback walks upward through the fallback window.
	PolicyFallback ConflictPolicy = "fallback"
	// PolicyKill terminates whatever holds the port, then binds it.
	PolicyKill ConflictPolicy = "kill"
)

func ParsePolicy(value string) (ConflictPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "fail", "strict", "":
		return PolicyFail, value != ""
	case "fallback", "scan":
		return PolicyFallback, true
	case "kill":
		return PolicyKill, true
	default:
		return PolicyFail, false
	}
}

type ServiceConfig struct {
	// Dir is the service working directory, relative to the checkout root.
	Dir string
	// Command is the start argv; "{port}" is substituted at spawn time.
	Command []string
	// Signature identifies the service in process-table scans.
	Signature string
}

type Config struct {
	Backend  ServiceConfig
	Frontend ServiceConfig

	BackendPort     int
	OnConflict      ConflictPolicy
	FallbackWindow  int
	FrontendPort    int
	FrontendWindow  int
	RunDir          string
	Installer       string
	SettleDelay     time.Duration
	Grace           time.Duration
	MonitorInterval time.Duration
	HealthAttempts  int
	HealthInterval  time.Duration
	SkipHealth      bool
	StatusPort      int
	Detach          bool
	LogLevel        string
}

// Default returns the limbic checkout conventions: a uvicorn backend on 8000
// and a vite frontend scanning from 5173.
func Default() Config {
	return Config{
		Backend: ServiceConfig{
			Dir:       "backend",
			Command:   []string{"uv", "run", "uvicorn", "backend.main:app", "--host", "127.0.0.1", "--port", "{port}"},
			Signature: "uvicorn backend.main:app",
		},
		Frontend: ServiceConfig{
			Dir:       "frontend",
			Command:   []string{"npm", "run", "dev", "--", "--port", "{port}", "--strictPort"},
			Signature: "vite",
		},
		BackendPort:     8000,
		OnConflict:      PolicyFail,
		FallbackWindow:  10,
		FrontendPort:    5173,
		FrontendWindow:  20,
		RunDir:          ".limbic/run",
		Installer:       "scripts/install.sh",
		SettleDelay:     1500 * time.Millisecond,
		Grace:           5 * time.Second,
		MonitorInterval: 2 * time.Second,
		HealthAttempts:  20,
		HealthInterval:  500 * time.Millisecond,
		LogLevel:        "info",
	}
}

type yamlService struct {
	Dir       string   `yaml:"dir"`
	Command   []string `yaml:"command"`
	Signature string   `yaml:"signature"`
}

type yamlFile struct {
	Backend struct {
		yamlService    `yaml:",inline"`
		Port           int    `yaml:"port"`
		OnConflict     string `yaml:"on_conflict"`
		FallbackWindow int    `yaml:"fallback_window"`
	} `yaml:"backend"`
	Frontend struct {
		yamlService `yaml:",inline"`
		Port        int `yaml:"port"`
		ScanWindow  int `yaml:"scan_window"`
	} `yaml:"frontend"`
	RunDir          string `yaml:"run_dir"`
	Installer       string `yaml:"installer"`
	SettleDelay     string `yaml:"settle_delay"`
	Grace           string `yaml:"grace"`
	MonitorInterval string `yaml:"monitor_interval"`
	Health          struct {
		Attempts int    `yaml:"attempts"`
		Interval string `yaml:"interval"`
		Skip     bool   `yaml:"skip"`
	} `yaml:"health"`
	StatusPort int    `yaml:"status_port"`
	LogLevel   string `yaml:"log_level"`
}

// Load reads the yaml file over the defaults. A missing file is not an
// error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var file yamlFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyService(&cfg.Backend, file.Backend.yamlService)
	applyService(&cfg.Frontend, file.Frontend.yamlService)
	if file.Backend.Port > 0 {
		cfg.BackendPort = file.Backend.Port
	}
	if file.Backend.OnConflict != "" {
		policy, ok := ParsePolicy(file.Backend.OnConflict)
		if !ok {
			return cfg, fmt.Errorf("config %s: unknown on_conflict %q", path, file.Backend.OnConflict)
		}
		cfg.OnConflict = policy
	}
	if file.Backend.FallbackWindow > 0 {
		cfg.FallbackWindow = file.Backend.FallbackWindow
	}
	if file.Frontend.Port > 0 {
		cfg.FrontendPort = file.Frontend.Port
	}
	if file.Frontend.ScanWindow > 0 {
		cfg.FrontendWindow = file.Frontend.ScanWindow
	}
	if file.RunDir != "" {
		cfg.RunDir = file.RunDir
	}
	if file.Installer != "" {
		cfg.Installer = file.Installer
	}
	if err := applyDuration(&cfg.SettleDelay, file.SettleDelay, "settle_delay"); err != nil {
		return cfg, err
	}
	if err := applyDuration(&cfg.Grace, file.Grace, "grace"); err != nil {
		return cfg, err
	}
	if err := applyDuration(&cfg.MonitorInterval, file.MonitorInterval, "monitor_interval"); err != nil {
		return cfg, err
	}
	if file.Health.Attempts > 0 {
		cfg.HealthAttempts = file.Health.Attempts
	}
	if err := applyDuration(&cfg.HealthInterval, file.Health.Interval, "health.interval"); err != nil {
		return cfg, err
	}
	if file.Health.Skip {
		cfg.SkipHealth = true
	}
	if file.StatusPort > 0 {
		cfg.StatusPort = file.StatusPort
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	return cfg, nil
}

func applyService(target *ServiceConfig, source yamlService) {
	if source.Dir != "" {
		target.Dir = source.Dir
	}
	if len(source.Command) > 0 {
		target.Command = source.Command
	}
	if source.Signature != "" {
		target.Signature = source.Signature
	}
}

func applyDuration(target *time.Duration, raw, field string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fmt.Errorf("config: invalid %s %q", field, raw)
	}
	*target = parsed
	return nil
}

// ApplyEnv layers LIMBIC_* variables over the loaded configuration.
func (c *Config) ApplyEnv() {
	if c == nil {
		return
	}
	c.BackendPort = ports.EnvPort("LIMBIC_BACKEND_PORT", c.BackendPort)
	if raw := os.Getenv("LIMBIC_ON_CONFLICT"); raw != "" {
		if policy, ok := ParsePolicy(raw); ok {
			c.OnConflict = policy
		}
	}
	if raw := os.Getenv("LIMBIC_SKIP_HEALTH"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			c.SkipHealth = parsed
		}
	}
	if raw := os.Getenv("LIMBIC_DETACH"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			c.Detach = parsed
		}
	}
	c.StatusPort = ports.EnvPort("LIMBIC_STATUS_PORT", c.StatusPort)
	if raw := os.Getenv("LIMBIC_LOG_LEVEL"); raw != "" {
		c.LogLevel = raw
	}
}
