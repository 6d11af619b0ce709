package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/leonletto/delegate/internal/paths"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:8787" || cfg.PollIntervalSeconds != 1 || cfg.MaxConcurrentTurns != 256 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	home := t.TempDir()
	want := Config{
		DefaultHuman:        "leon",
		HTTPAddr:            "127.0.0.1:9000",
		PollIntervalSeconds: 2,
		MaxConcurrentTurns:  16,
		DefaultModel:        "opus",
		Sandbox:             true,
		AllowedDomains:      []string{"github.com"},
	}
	if err := Save(home, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := Load(home)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.DefaultHuman != "leon" || got.HTTPAddr != "127.0.0.1:9000" || !got.Sandbox {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.AllowedDomains) != 1 || got.AllowedDomains[0] != "github.com" {
		t.Fatalf("allowed domains lost: %v", got.AllowedDomains)
	}
}

func TestLoadClampsInvalidValues(t *testing.T) {
	home := t.TempDir()
	path := paths.ConfigFile(home)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("poll_interval_seconds: 0\nmax_concurrent_turns: -5\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PollIntervalSeconds != 1 || cfg.MaxConcurrentTurns != 256 {
		t.Fatalf("invalid values should clamp to defaults: %+v", cfg)
	}
}

func TestResolveModel(t *testing.T) {
	cases := []struct {
		state AgentState
		want  string
	}{
		{AgentState{Model: "opus", Seniority: "junior"}, "opus"},
		{AgentState{Seniority: "senior"}, "opus"},
		{AgentState{Seniority: "junior"}, "sonnet"},
		{AgentState{}, "sonnet"},
	}
	for _, c := range cases {
		if got := c.state.ResolveModel("sonnet"); got != c.want {
			t.Fatalf("ResolveModel(%+v) = %q, want %q", c.state, got, c.want)
		}
	}
}

func TestAgentStateRoundTrip(t *testing.T) {
	home := t.TempDir()
	st := AgentState{Role: "manager", Model: "opus", TokenBudget: 120000}
	if err := SaveAgentState(home, "uuid-1", "morgan", st); err != nil {
		t.Fatalf("SaveAgentState failed: %v", err)
	}
	got, err := LoadAgentState(home, "uuid-1", "morgan")
	if err != nil {
		t.Fatalf("LoadAgentState failed: %v", err)
	}
	if got.Role != "manager" || got.Model != "opus" || got.TokenBudget != 120000 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestApprovalMode(t *testing.T) {
	cfg := ReposConfig{Repos: map[string]RepoEntry{
		"api":  {Path: "/repos/api", Approval: ApprovalAuto},
		"web":  {Path: "/repos/web"},
		"docs": {Path: "/repos/docs", Approval: "bogus"},
	}}
	if cfg.ApprovalMode("api") != ApprovalAuto {
		t.Fatal("api should be auto")
	}
	if cfg.ApprovalMode("web") != ApprovalManual {
		t.Fatal("web should default to manual")
	}
	if cfg.ApprovalMode("docs") != ApprovalManual {
		t.Fatal("unknown modes fall back to manual")
	}
	if cfg.ApprovalMode("missing") != ApprovalManual {
		t.Fatal("unregistered repos are manual")
	}
}

func TestReposRoundTripAndMissing(t *testing.T) {
	home := t.TempDir()

	cfg, err := LoadRepos(home, "core")
	if err != nil {
		t.Fatalf("LoadRepos on missing file failed: %v", err)
	}
	if len(cfg.Repos) != 0 {
		t.Fatal("missing repos.yaml should yield an empty set")
	}

	cfg.Repos["api"] = RepoEntry{Path: "/repos/api", Approval: ApprovalAuto}
	if err := SaveRepos(home, "core", cfg); err != nil {
		t.Fatalf("SaveRepos failed: %v", err)
	}
	got, err := LoadRepos(home, "core")
	if err != nil {
		t.Fatalf("LoadRepos failed: %v", err)
	}
	if got.Repos["api"].Path != "/repos/api" || got.ApprovalMode("api") != ApprovalAuto {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestTeamMapRoundTrip(t *testing.T) {
	home := t.TempDir()

	m, err := LoadTeamMap(home)
	if err != nil || len(m) != 0 {
		t.Fatalf("missing team map should be empty, got %v (%v)", m, err)
	}

	m["core"] = "abc123"
	if err := SaveTeamMap(home, m); err != nil {
		t.Fatalf("SaveTeamMap failed: %v", err)
	}
	got, err := LoadTeamMap(home)
	if err != nil {
		t.Fatalf("LoadTeamMap failed: %v", err)
	}
	if got["core"] != "abc123" {
		t.Fatalf("round trip mismatch: %v", got)
	}
}
