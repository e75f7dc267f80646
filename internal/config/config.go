// Package config loads swarmd's runtime configuration from environment
// variables and an optional swarm.yaml override file. It mirrors the
// teacher's approach of a small struct with sensible defaults rather than
// a full flag-parsing CLI surface: swarmd itself does no argument parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cbriice/agentswarm/internal/log"
	"github.com/cbriice/agentswarm/internal/orchestrator"
)

// Config holds every environment-tunable setting swarmd needs to wire its
// dependencies: storage location, repo root, orchestration timeouts,
// auto-cleanup, and worktree branch/role-config settings.
type Config struct {
	SwarmRoot         string
	RepoRoot          string
	DatabasePath      string
	MonitorInterval   time.Duration
	AgentTimeout      time.Duration
	AgentReadyTimeout time.Duration
	WorkflowTimeout   time.Duration
	AutoCleanup       bool
	BranchPrefix      string
	RolesDir          string
}

// Defaults returns a Config seeded from orchestrator.DefaultConfig, the
// single source of truth for every orchestration timeout.
func Defaults() Config {
	oc := orchestrator.DefaultConfig()
	return Config{
		SwarmRoot:         oc.SwarmRoot,
		RepoRoot:          oc.RepoRoot,
		DatabasePath:      filepath.Join(oc.SwarmRoot, "memory.db"),
		MonitorInterval:   oc.MonitorInterval,
		AgentTimeout:      oc.AgentTimeout,
		AgentReadyTimeout: oc.AgentReadyTimeout,
		WorkflowTimeout:   oc.WorkflowTimeout,
		AutoCleanup:       oc.AutoCleanup,
		BranchPrefix:      oc.BranchPrefix,
		RolesDir:          oc.RolesDir,
	}
}

// fileOverride mirrors Config but with string-encoded durations, since
// yaml.v3 has no scalar decoding for time.Duration on its own.
type fileOverride struct {
	SwarmRoot         string `yaml:"swarmRoot"`
	RepoRoot          string `yaml:"repoRoot"`
	DatabasePath      string `yaml:"databasePath"`
	MonitorInterval   string `yaml:"monitorInterval"`
	AgentTimeout      string `yaml:"agentTimeout"`
	AgentReadyTimeout string `yaml:"agentReadyTimeout"`
	WorkflowTimeout   string `yaml:"workflowTimeout"`
	AutoCleanup       *bool  `yaml:"autoCleanup"`
	BranchPrefix      string `yaml:"branchPrefix"`
	RolesDir          string `yaml:"rolesDir"`
}

// overridePath is the override file swarmd looks for in the current
// working directory. It is optional; its absence is not an error.
const overridePath = "swarm.yaml"

// Load builds the runtime configuration: Defaults(), overlaid by
// swarm.yaml if one is present in the working directory, overlaid in turn
// by recognized SWARM_* environment variables, which always win.
func Load() (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(overridePath)
	switch {
	case err == nil:
		var o fileOverride
		if err := yaml.Unmarshal(data, &o); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", overridePath, err)
		}
		if err := applyFileOverride(&cfg, o); err != nil {
			return Config{}, fmt.Errorf("config: applying %s: %w", overridePath, err)
		}
		log.Debug(log.CatConfig, "loaded override file", "path", overridePath)
	case os.IsNotExist(err):
		// no override file; defaults plus environment apply.
	default:
		return Config{}, fmt.Errorf("config: reading %s: %w", overridePath, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyFileOverride(cfg *Config, o fileOverride) error {
	if o.SwarmRoot != "" {
		cfg.SwarmRoot = o.SwarmRoot
		cfg.DatabasePath = filepath.Join(o.SwarmRoot, "memory.db")
	}
	if o.RepoRoot != "" {
		cfg.RepoRoot = o.RepoRoot
	}
	if o.DatabasePath != "" {
		cfg.DatabasePath = o.DatabasePath
	}
	if o.BranchPrefix != "" {
		cfg.BranchPrefix = o.BranchPrefix
	}
	if o.RolesDir != "" {
		cfg.RolesDir = o.RolesDir
	}
	if o.AutoCleanup != nil {
		cfg.AutoCleanup = *o.AutoCleanup
	}

	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{o.MonitorInterval, &cfg.MonitorInterval},
		{o.AgentTimeout, &cfg.AgentTimeout},
		{o.AgentReadyTimeout, &cfg.AgentReadyTimeout},
		{o.WorkflowTimeout, &cfg.WorkflowTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	return nil
}

// envDuration applies a SWARM_* environment variable to dst if set,
// returning an error if it does not parse as a duration.
func envDuration(name string, dst *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}
	*dst = parsed
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("SWARM_ROOT"); v != "" {
		cfg.SwarmRoot = v
		cfg.DatabasePath = filepath.Join(v, "memory.db")
	}
	if v := os.Getenv("SWARM_REPO_ROOT"); v != "" {
		cfg.RepoRoot = v
	}
	if v := os.Getenv("SWARM_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("SWARM_BRANCH_PREFIX"); v != "" {
		cfg.BranchPrefix = v
	}
	if v := os.Getenv("SWARM_ROLES_DIR"); v != "" {
		cfg.RolesDir = v
	}
	if v := os.Getenv("SWARM_AUTO_CLEANUP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: SWARM_AUTO_CLEANUP: %w", err)
		}
		cfg.AutoCleanup = b
	}

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"SWARM_MONITOR_INTERVAL", &cfg.MonitorInterval},
		{"SWARM_AGENT_TIMEOUT", &cfg.AgentTimeout},
		{"SWARM_AGENT_READY_TIMEOUT", &cfg.AgentReadyTimeout},
		{"SWARM_WORKFLOW_TIMEOUT", &cfg.WorkflowTimeout},
	} {
		if err := envDuration(d.name, d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects a Config with nonsensical resource locations or
// timeouts before it reaches the orchestrator.
func Validate(cfg Config) error {
	if cfg.SwarmRoot == "" {
		return fmt.Errorf("config: swarmRoot must not be empty")
	}
	if cfg.RepoRoot == "" {
		return fmt.Errorf("config: repoRoot must not be empty")
	}
	if cfg.RolesDir == "" {
		return fmt.Errorf("config: rolesDir must not be empty")
	}
	if cfg.BranchPrefix == "" {
		return fmt.Errorf("config: branchPrefix must not be empty")
	}
	for name, d := range map[string]time.Duration{
		"monitorInterval":   cfg.MonitorInterval,
		"agentTimeout":      cfg.AgentTimeout,
		"agentReadyTimeout": cfg.AgentReadyTimeout,
		"workflowTimeout":   cfg.WorkflowTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", name, d)
		}
	}
	return nil
}

// OrchestratorConfig projects Config into the subset orchestrator.New
// needs, leaving storage/logging concerns out of the orchestrator's view.
func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		SwarmRoot:         c.SwarmRoot,
		RepoRoot:          c.RepoRoot,
		MonitorInterval:   c.MonitorInterval,
		AgentTimeout:      c.AgentTimeout,
		AgentReadyTimeout: c.AgentReadyTimeout,
		WorkflowTimeout:   c.WorkflowTimeout,
		AutoCleanup:       c.AutoCleanup,
		BranchPrefix:      c.BranchPrefix,
		RolesDir:          c.RolesDir,
	}
}

// MessagesDir is the mailbox root beneath SwarmRoot.
func (c Config) MessagesDir() string {
	return filepath.Join(c.SwarmRoot, "messages")
}
