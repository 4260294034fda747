// Package config loads relay's project configuration from
// .relay/config.yaml, with RELAY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix marks environment variables that override config keys.
// RELAY_RETRY_MAX overrides retry.max.
const EnvPrefix = "RELAY_"

// Config is the root configuration for a relay project.
type Config struct {
	Version   int       `yaml:"version" koanf:"version"`
	Lock      Lock      `yaml:"lock" koanf:"lock"`
	Retry     Retry     `yaml:"retry" koanf:"retry"`
	Verify    Command   `yaml:"verify" koanf:"verify"`
	Review    Review    `yaml:"review" koanf:"review"`
	Generator Generator `yaml:"generator" koanf:"generator"`
	Isolation Isolation `yaml:"isolation" koanf:"isolation"`
	Log       Log       `yaml:"log" koanf:"log"`
	Metrics   Metrics   `yaml:"metrics" koanf:"metrics"`
}

// Lock bounds waits on the task store and audit log locks.
type Lock struct {
	TimeoutSec int `yaml:"timeout_sec" koanf:"timeout_sec"`
}

// Timeout returns the lock timeout, 10s by default.
func (l Lock) Timeout() time.Duration {
	if l.TimeoutSec > 0 {
		return time.Duration(l.TimeoutSec) * time.Second
	}
	return 10 * time.Second
}

// Retry controls how often a failing task is retried and how deep
// failure sub-tasks may nest.
type Retry struct {
	Max          int `yaml:"max" koanf:"max"`
	SubtaskDepth int `yaml:"subtask_depth" koanf:"subtask_depth"`
}

// Command is an external process relay runs: the verification suite,
// a review command or a generator.
type Command struct {
	Cmd        string   `yaml:"cmd,omitempty" koanf:"cmd"`
	Args       []string `yaml:"args,omitempty" koanf:"args"`
	TimeoutSec int      `yaml:"timeout_sec,omitempty" koanf:"timeout_sec"` // 0 = default 300
}

// DefaultTimeout returns the effective timeout for the command.
func (c Command) DefaultTimeout() time.Duration {
	if c.TimeoutSec > 0 {
		return time.Duration(c.TimeoutSec) * time.Second
	}
	return 300 * time.Second
}

// Review selects the review gate strategy.
type Review struct {
	Strategy   string   `yaml:"strategy" koanf:"strategy"` // rules, command, approve
	Cmd        string   `yaml:"cmd,omitempty" koanf:"cmd"`
	Args       []string `yaml:"args,omitempty" koanf:"args"`
	TimeoutSec int      `yaml:"timeout_sec,omitempty" koanf:"timeout_sec"`
	MaxLines   int      `yaml:"max_lines,omitempty" koanf:"max_lines"`
	Rules      []Rule   `yaml:"rules,omitempty" koanf:"rules"`
}

// Command returns the external reviewer command.
func (r Review) Command() Command {
	return Command{Cmd: r.Cmd, Args: r.Args, TimeoutSec: r.TimeoutSec}
}

// Rule is an extra check for the rules reviewer.
type Rule struct {
	Type    string `yaml:"type" koanf:"type"` // forbid, require
	Pattern string `yaml:"pattern" koanf:"pattern"`
	Message string `yaml:"message,omitempty" koanf:"message"`
}

// Generator selects how revised change sets and sub-tasks are produced.
type Generator struct {
	Strategy   string   `yaml:"strategy" koanf:"strategy"` // none, command
	Cmd        string   `yaml:"cmd,omitempty" koanf:"cmd"`
	Args       []string `yaml:"args,omitempty" koanf:"args"`
	TimeoutSec int      `yaml:"timeout_sec,omitempty" koanf:"timeout_sec"`
}

// Command returns the external generator command.
func (g Generator) Command() Command {
	return Command{Cmd: g.Cmd, Args: g.Args, TimeoutSec: g.TimeoutSec}
}

// Isolation controls task branches.
type Isolation struct {
	BranchPrefix    string `yaml:"branch_prefix" koanf:"branch_prefix"`
	Merge           bool   `yaml:"merge" koanf:"merge"`
	PropagateHashes bool   `yaml:"propagate_hashes" koanf:"propagate_hashes"`
}

// Log configures the diagnostic logger.
type Log struct {
	Level  string `yaml:"level" koanf:"level"`   // debug, info, warn, error
	Format string `yaml:"format" koanf:"format"` // console, json
}

// Metrics configures the Prometheus textfile output.
type Metrics struct {
	Textfile string `yaml:"textfile,omitempty" koanf:"textfile"`
}

// DefaultConfig returns the starter config written by relay init.
func DefaultConfig() *Config {
	return &Config{
		Version:   1,
		Lock:      Lock{TimeoutSec: 10},
		Retry:     Retry{Max: 3, SubtaskDepth: 2},
		Verify:    Command{Cmd: "go", Args: []string{"test", "./..."}, TimeoutSec: 300},
		Review:    Review{Strategy: "rules", MaxLines: 5000},
		Generator: Generator{Strategy: "none"},
		Isolation: Isolation{BranchPrefix: "relay/task-"},
		Log:       Log{Level: "info", Format: "console"},
	}
}

// Load reads the config file at path over the defaults, then applies
// RELAY_* environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps RELAY_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// Save writes the config to the given path.
func Save(path string, cfg *Config) error {
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) validate() error {
	if c.Retry.Max < 1 {
		return fmt.Errorf("retry.max must be at least 1, got %d", c.Retry.Max)
	}
	if c.Retry.SubtaskDepth < 0 {
		return fmt.Errorf("retry.subtask_depth must not be negative, got %d", c.Retry.SubtaskDepth)
	}
	if c.Verify.Cmd == "" {
		return fmt.Errorf("verify.cmd is required")
	}

	switch c.Review.Strategy {
	case "rules", "approve":
	case "command":
		if c.Review.Cmd == "" {
			return fmt.Errorf("review.cmd is required for the command strategy")
		}
	default:
		return fmt.Errorf("review.strategy must be 'rules', 'command' or 'approve', got %q", c.Review.Strategy)
	}
	for i, r := range c.Review.Rules {
		if r.Type != "forbid" && r.Type != "require" {
			return fmt.Errorf("review.rules[%d]: type must be 'forbid' or 'require', got %q", i, r.Type)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("review.rules[%d]: %w", i, err)
		}
	}

	switch c.Generator.Strategy {
	case "none":
	case "command":
		if c.Generator.Cmd == "" {
			return fmt.Errorf("generator.cmd is required for the command strategy")
		}
	default:
		return fmt.Errorf("generator.strategy must be 'none' or 'command', got %q", c.Generator.Strategy)
	}

	if c.Isolation.BranchPrefix == "" {
		return fmt.Errorf("isolation.branch_prefix is required")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be 'console' or 'json', got %q", c.Log.Format)
	}
	return nil
}
