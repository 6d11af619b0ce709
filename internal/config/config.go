// Package config reads and writes the YAML state files: the daemon's
// protected/config.yaml, per-agent state.yaml, per-team repos.yaml, and the
// protected/team_map.json mirror of the teams table.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/leonletto/delegate/internal/paths"
)

// Config is the daemon configuration at protected/config.yaml.
type Config struct {
	// DefaultHuman is the human member whose messages anchor batching.
	DefaultHuman string `yaml:"default_human"`
	// HTTPAddr is the web API listen address.
	HTTPAddr string `yaml:"http_addr"`
	// PollIntervalSeconds is the daemon tick interval.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// MaxConcurrentTurns bounds in-flight agent turns.
	MaxConcurrentTurns int `yaml:"max_concurrent_turns"`
	// DefaultModel is used for agents without an explicit model.
	DefaultModel string `yaml:"default_model"`
	// Sandbox enables OS-level sandboxing of agent subprocesses.
	Sandbox bool `yaml:"sandbox"`
	// AllowedDomains is the network allowlist for sandboxed agents.
	AllowedDomains []string `yaml:"allowed_domains,omitempty"`
}

// Defaults returns the configuration used when config.yaml is absent.
func Defaults() Config {
	return Config{
		DefaultHuman:        "user",
		HTTPAddr:            "127.0.0.1:8787",
		PollIntervalSeconds: 1,
		MaxConcurrentTurns:  256,
		DefaultModel:        "sonnet",
	}
}

// Load reads protected/config.yaml, falling back to defaults when missing.
func Load(home string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(paths.ConfigFile(home)) //nolint:gosec // G304 - path from internal layout
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 1
	}
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = 256
	}
	return cfg, nil
}

// Save writes the configuration atomically.
func Save(home string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(paths.ConfigFile(home), data)
}

// AgentState is the per-agent state.yaml.
type AgentState struct {
	Role string `yaml:"role"`
	// Model is opus, sonnet, etc. When empty, Seniority decides.
	Model string `yaml:"model,omitempty"`
	// Seniority is the legacy field: senior maps to opus, junior to sonnet.
	Seniority   string `yaml:"seniority,omitempty"`
	TokenBudget int    `yaml:"token_budget,omitempty"`
	PID         int    `yaml:"pid,omitempty"`
}

// ResolveModel returns the model to run the agent with. An explicit model
// wins over the legacy seniority mapping; fallback is the given default.
func (s AgentState) ResolveModel(def string) string {
	if s.Model != "" {
		return s.Model
	}
	switch s.Seniority {
	case "senior":
		return "opus"
	case "junior":
		return "sonnet"
	}
	return def
}

// LoadAgentState reads an agent's state.yaml.
func LoadAgentState(home, teamUUID, agent string) (AgentState, error) {
	var st AgentState
	data, err := os.ReadFile(paths.AgentStateFile(home, teamUUID, agent)) //nolint:gosec // G304 - path from internal layout
	if err != nil {
		return st, fmt.Errorf("read agent state: %w", err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse agent state: %w", err)
	}
	return st, nil
}

// SaveAgentState writes an agent's state.yaml atomically.
func SaveAgentState(home, teamUUID, agent string, st AgentState) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal agent state: %w", err)
	}
	return writeAtomic(paths.AgentStateFile(home, teamUUID, agent), data)
}

// Approval modes for a registered repo.
const (
	ApprovalAuto   = "auto"
	ApprovalManual = "manual"
)

// RepoEntry is one registered repo in repos.yaml.
type RepoEntry struct {
	Path     string `yaml:"path"`
	Approval string `yaml:"approval,omitempty"` // defaults to manual
}

// ReposConfig is a team's repos.yaml.
type ReposConfig struct {
	Repos map[string]RepoEntry `yaml:"repos"`
}

// ApprovalMode returns the approval mode for a repo, defaulting to manual.
func (r ReposConfig) ApprovalMode(repo string) string {
	if e, ok := r.Repos[repo]; ok && e.Approval == ApprovalAuto {
		return ApprovalAuto
	}
	return ApprovalManual
}

// LoadRepos reads a team's repos.yaml; a missing file yields an empty set.
func LoadRepos(home, teamName string) (ReposConfig, error) {
	cfg := ReposConfig{Repos: map[string]RepoEntry{}}
	data, err := os.ReadFile(paths.ReposYAML(home, teamName)) //nolint:gosec // G304 - path from internal layout
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read repos.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse repos.yaml: %w", err)
	}
	if cfg.Repos == nil {
		cfg.Repos = map[string]RepoEntry{}
	}
	return cfg, nil
}

// SaveRepos writes a team's repos.yaml atomically.
func SaveRepos(home, teamName string, cfg ReposConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal repos.yaml: %w", err)
	}
	return writeAtomic(paths.ReposYAML(home, teamName), data)
}

// LoadTeamMap reads protected/team_map.json (name → uuid); a missing file
// yields an empty map.
func LoadTeamMap(home string) (map[string]string, error) {
	m := map[string]string{}
	data, err := os.ReadFile(paths.TeamMapFile(home)) //nolint:gosec // G304 - path from internal layout
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return m, fmt.Errorf("read team map: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse team map: %w", err)
	}
	return m, nil
}

// SaveTeamMap writes protected/team_map.json atomically.
func SaveTeamMap(home string, m map[string]string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal team map: %w", err)
	}
	return writeAtomic(paths.TeamMapFile(home), data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create dir for %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
