package identity_test

import (
	"errors"
	"testing"

	. "github.com/leonletto/delegate/internal/identity"
	"github.com/leonletto/delegate/internal/schema"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := schema.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewRegistry(db)
}

func TestNewUUIDShape(t *testing.T) {
	a, b := NewUUID(), NewUUID()
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("UUIDs should be 32 hex chars: %q %q", a, b)
	}
	if a == b {
		t.Fatal("UUIDs should be unique")
	}
}

func TestRegisterTeamIdempotent(t *testing.T) {
	r := newRegistry(t)

	first, err := r.RegisterTeam("core", "")
	if err != nil {
		t.Fatalf("RegisterTeam failed: %v", err)
	}
	again, err := r.RegisterTeam("core", "")
	if err != nil || again != first {
		t.Fatalf("re-registering an active team should return the same UUID: %q vs %q (%v)", again, first, err)
	}

	resolved, err := r.ResolveTeam("core")
	if err != nil || resolved != first {
		t.Fatalf("ResolveTeam = %q, want %q (%v)", resolved, first, err)
	}
	name, err := r.LookupTeam(first)
	if err != nil || name != "core" {
		t.Fatalf("LookupTeam = %q (%v)", name, err)
	}
}

func TestRegisterTeamWithWantedUUID(t *testing.T) {
	r := newRegistry(t)
	want := NewUUID()
	got, err := r.RegisterTeam("restored", want)
	if err != nil || got != want {
		t.Fatalf("bootstrap restore should honor the requested UUID: %q vs %q (%v)", got, want, err)
	}
}

func TestResolveTeamUnknown(t *testing.T) {
	r := newRegistry(t)
	if _, err := r.ResolveTeam("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTeamNameReuseAfterSoftDelete(t *testing.T) {
	r := newRegistry(t)

	old, err := r.RegisterTeam("core", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterMember(KindAgent, old, "morgan"); err != nil {
		t.Fatal(err)
	}
	if err := r.SoftDeleteTeam(old); err != nil {
		t.Fatalf("SoftDeleteTeam failed: %v", err)
	}

	// The name resolves to nothing, but the UUID still names the old team.
	if _, err := r.ResolveTeam("core"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted team should not resolve by name: %v", err)
	}
	if name, err := r.LookupTeam(old); err != nil || name != "core" {
		t.Fatalf("deleted team UUID should still look up: %q (%v)", name, err)
	}
	// Members went with the team.
	if _, err := r.ResolveMember(KindAgent, old, "morgan"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("members should cascade on team delete: %v", err)
	}

	// Reusing the name mints a distinct identity.
	fresh, err := r.RegisterTeam("core", "")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == old {
		t.Fatal("reused name must get a new UUID")
	}
}

func TestHumansAreGlobal(t *testing.T) {
	r := newRegistry(t)
	teamUUID, err := r.RegisterTeam("core", "")
	if err != nil {
		t.Fatal(err)
	}

	// A human registered with a team UUID is stored globally anyway.
	id, err := r.RegisterMember(KindHuman, teamUUID, "leon")
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := r.ResolveMember(KindHuman, "whatever", "leon")
	if err != nil || resolved != id {
		t.Fatalf("human resolution should ignore the team: %q vs %q (%v)", resolved, id, err)
	}

	m, err := r.LookupMember(id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != KindHuman || m.TeamUUID != "" || m.Name != "leon" {
		t.Fatalf("unexpected member record: %+v", m)
	}
}

func TestResolveMemberFlexiblePrefersAgent(t *testing.T) {
	r := newRegistry(t)
	teamUUID, err := r.RegisterTeam("core", "")
	if err != nil {
		t.Fatal(err)
	}
	agentID, err := r.RegisterMember(KindAgent, teamUUID, "sam")
	if err != nil {
		t.Fatal(err)
	}
	humanID, err := r.RegisterMember(KindHuman, "", "sam")
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.ResolveMemberFlexible(teamUUID, "sam")
	if err != nil || got != agentID {
		t.Fatalf("same-name agent should win: %q vs %q (%v)", got, agentID, err)
	}
	got, err = r.ResolveMemberFlexible("other-team", "sam")
	if err != nil || got != humanID {
		t.Fatalf("off-team name should fall back to the human: %q vs %q (%v)", got, humanID, err)
	}
	if _, err := r.ResolveMemberFlexible(teamUUID, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAgents(t *testing.T) {
	r := newRegistry(t)
	teamUUID, err := r.RegisterTeam("core", "")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"riley", "alex", "morgan"} {
		if _, err := r.RegisterMember(KindAgent, teamUUID, name); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.RegisterMember(KindHuman, "", "leon"); err != nil {
		t.Fatal(err)
	}

	agents, err := r.ListAgents(teamUUID)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"alex", "morgan", "riley"}
	if len(agents) != len(want) {
		t.Fatalf("agents = %v, want %v", agents, want)
	}
	for i := range want {
		if agents[i] != want[i] {
			t.Fatalf("agents = %v, want %v", agents, want)
		}
	}
}

func TestSoftDeleteMember(t *testing.T) {
	r := newRegistry(t)
	teamUUID, err := r.RegisterTeam("core", "")
	if err != nil {
		t.Fatal(err)
	}
	id, err := r.RegisterMember(KindAgent, teamUUID, "sam")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SoftDeleteMember(id); err != nil {
		t.Fatalf("SoftDeleteMember failed: %v", err)
	}
	if _, err := r.ResolveMember(KindAgent, teamUUID, "sam"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted member should not resolve: %v", err)
	}
	// Historical lookups by UUID keep working.
	if m, err := r.LookupMember(id); err != nil || m.Name != "sam" {
		t.Fatalf("LookupMember after delete: %+v (%v)", m, err)
	}
	// Deleting twice reports not found.
	if err := r.SoftDeleteMember(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should be ErrNotFound, got %v", err)
	}
}
