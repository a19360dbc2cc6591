// Package config loads kernel configuration: a JSON file with environment
// variable overrides layered on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/broomva/aiOS/internal/model"
)

// Thresholds are the homeostasis controller set points.
type Thresholds struct {
	Uncertainty     float64 `json:"uncertainty"`       // θ_u
	ContextPressure float64 `json:"context_pressure"`  // θ_c
	SideEffect      float64 `json:"side_effect"`       // θ_s
	ErrorStreak     int     `json:"error_streak"`      // k_err
	BudgetLowWater  float64 `json:"budget_low_water"`  // warn fraction
	SleepProgress   float64 `json:"sleep_progress"`    // progress that selects Sleep
}

// SandboxConfig selects and tunes the sandbox driver.
type SandboxConfig struct {
	// Driver is "local" or "docker".
	Driver          string   `json:"driver"`
	Image           string   `json:"image"`
	AllowedCommands []string `json:"allowed_commands"`
	TimeoutMS       int64    `json:"timeout_ms"`
	MaxOutputBytes  int      `json:"max_output_bytes"`
}

// DispatchConfig paces tool executions per session.
type DispatchConfig struct {
	RatePerSecond float64 `json:"rate_per_second"`
	RateBurst     int     `json:"rate_burst"`
}

// Config is the daemon + kernel configuration.
type Config struct {
	Home            string            `json:"home"`
	LogJSON         bool              `json:"log_json"`
	MetricsAddr     string            `json:"metrics_addr"`
	Thresholds      Thresholds        `json:"thresholds"`
	DefaultBudget   model.BudgetState `json:"default_budget"`
	Sandbox         SandboxConfig     `json:"sandbox"`
	Dispatch        DispatchConfig    `json:"dispatch"`
	ApprovalTTLMins int               `json:"approval_ttl_mins"`
	// IdleHeartbeatCron drives heartbeats for otherwise quiet sessions.
	IdleHeartbeatCron string `json:"idle_heartbeat_cron"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Home:        defaultHome(),
		MetricsAddr: "127.0.0.1:9464",
		Thresholds: Thresholds{
			Uncertainty:     0.6,
			ContextPressure: 0.8,
			SideEffect:      0.6,
			ErrorStreak:     3,
			BudgetLowWater:  0.1,
			SleepProgress:   0.98,
		},
		DefaultBudget: model.DefaultBudget,
		Sandbox: SandboxConfig{
			Driver:          "local",
			Image:           "alpine:3.20",
			AllowedCommands: []string{"echo", "git", "go", "sh"},
			TimeoutMS:       30_000,
			MaxOutputBytes:  64 * 1024,
		},
		Dispatch: DispatchConfig{
			RatePerSecond: 10,
			RateBurst:     20,
		},
		ApprovalTTLMins:   15,
		IdleHeartbeatCron: "* * * * *",
	}
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aios"
	}
	return filepath.Join(home, ".aios")
}

// Load reads the config file at path (optional) and applies environment
// overrides. Precedence: env > file > defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if home := os.Getenv("AIOS_HOME"); home != "" {
		cfg.Home = home
	}
	if v := os.Getenv("AIOS_LOG_JSON"); v != "" {
		cfg.LogJSON = v == "1" || v == "true"
	}
	if addr := os.Getenv("AIOS_METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}
	if driver := os.Getenv("AIOS_SANDBOX_DRIVER"); driver != "" {
		cfg.Sandbox.Driver = driver
	}
	if image := os.Getenv("AIOS_SANDBOX_IMAGE"); image != "" {
		cfg.Sandbox.Image = image
	}
	if v := os.Getenv("AIOS_APPROVAL_TTL_MINS"); v != "" {
		if mins, err := strconv.Atoi(v); err == nil && mins > 0 {
			cfg.ApprovalTTLMins = mins
		}
	}
}
