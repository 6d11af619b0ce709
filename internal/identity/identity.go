// Package identity maintains the UUID translation tables that let teams,
// members, and their on-disk references survive name reuse and soft
// deletion. All persisted cross-entity references use UUIDs; name-based
// lookups are a convenience for admin and display.
package identity

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes member records.
type Kind string

const (
	// KindAgent is an AI member scoped to a team.
	KindAgent Kind = "agent"
	// KindHuman is a human member, global across teams.
	KindHuman Kind = "human"
)

// ErrNotFound is returned when a name or UUID does not resolve to an active
// entity.
var ErrNotFound = errors.New("identity: not found")

// Member is the resolved record for a member UUID.
type Member struct {
	UUID     string
	Kind     Kind
	TeamUUID string // empty for humans
	Name     string
}

// NewUUID mints a fresh 32-hex identifier.
func NewUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Registry resolves and registers team/member UUIDs against the global
// database. Hot resolution paths are cached in-process; any register or
// delete invalidates the caches.
type Registry struct {
	db *sql.DB

	mu           sync.RWMutex
	teamByName   map[string]string // active name → uuid
	teamByUUID   map[string]string // uuid → name (active or deleted)
	memberByKey  map[string]string // kind|team|name → uuid (active only)
	memberByUUID map[string]Member
}

// NewRegistry creates a registry over an open database handle.
func NewRegistry(db *sql.DB) *Registry {
	r := &Registry{db: db}
	r.invalidate()
	return r
}

// invalidate drops all cached resolutions. Callers hold no lock.
func (r *Registry) invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teamByName = make(map[string]string)
	r.teamByUUID = make(map[string]string)
	r.memberByKey = make(map[string]string)
	r.memberByUUID = make(map[string]Member)
}

func memberKey(kind Kind, teamUUID, name string) string {
	return string(kind) + "|" + teamUUID + "|" + name
}

// RegisterTeam registers a team name, returning its UUID. Re-registering an
// active name is idempotent and returns the existing UUID. Soft-deleted rows
// are ignored, so a reused name mints a new UUID. If wantUUID is non-empty it
// is used for a fresh registration (bootstrap restores).
func (r *Registry) RegisterTeam(name, wantUUID string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("team name cannot be empty")
	}

	var existing string
	err := r.db.QueryRow(
		"SELECT uuid FROM team_ids WHERE name = ? AND deleted = 0", name,
	).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("query team %s: %w", name, err)
	}

	id := wantUUID
	if id == "" {
		id = NewUUID()
	}
	_, err = r.db.Exec(
		"INSERT INTO team_ids (uuid, name, created_at, deleted) VALUES (?, ?, ?, 0)",
		id, name, now(),
	)
	if err != nil {
		return "", fmt.Errorf("register team %s: %w", name, err)
	}

	r.invalidate()
	return id, nil
}

// ResolveTeam returns the UUID of the active team with the given name.
func (r *Registry) ResolveTeam(name string) (string, error) {
	r.mu.RLock()
	if id, ok := r.teamByName[name]; ok {
		r.mu.RUnlock()
		return id, nil
	}
	r.mu.RUnlock()

	var id string
	err := r.db.QueryRow(
		"SELECT uuid FROM team_ids WHERE name = ? AND deleted = 0", name,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("team %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve team %s: %w", name, err)
	}

	r.mu.Lock()
	r.teamByName[name] = id
	r.mu.Unlock()
	return id, nil
}

// LookupTeam returns the name recorded for a team UUID, including
// soft-deleted teams (display of historical rows).
func (r *Registry) LookupTeam(teamUUID string) (string, error) {
	r.mu.RLock()
	if name, ok := r.teamByUUID[teamUUID]; ok {
		r.mu.RUnlock()
		return name, nil
	}
	r.mu.RUnlock()

	var name string
	err := r.db.QueryRow("SELECT name FROM team_ids WHERE uuid = ?", teamUUID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("team uuid %q: %w", teamUUID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup team %s: %w", teamUUID, err)
	}

	r.mu.Lock()
	r.teamByUUID[teamUUID] = name
	r.mu.Unlock()
	return name, nil
}

// ListTeams returns name → uuid for all active teams.
func (r *Registry) ListTeams() (map[string]string, error) {
	rows, err := r.db.Query("SELECT name, uuid FROM team_ids WHERE deleted = 0 ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	teams := make(map[string]string)
	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("scan team row: %w", err)
		}
		teams[name] = id
	}
	return teams, rows.Err()
}

// RegisterMember registers a member, returning its UUID. Idempotent for an
// active (kind, team, name) triple; soft-deleted entries are ignored so
// re-registering after removal mints a new UUID. Humans carry an empty team
// UUID.
func (r *Registry) RegisterMember(kind Kind, teamUUID, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("member name cannot be empty")
	}
	if kind == KindHuman {
		teamUUID = ""
	}

	var existing string
	err := r.db.QueryRow(
		"SELECT uuid FROM member_ids WHERE kind = ? AND team_uuid = ? AND name = ? AND deleted = 0",
		string(kind), teamUUID, name,
	).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("query member %s: %w", name, err)
	}

	id := NewUUID()
	_, err = r.db.Exec(
		"INSERT INTO member_ids (uuid, kind, team_uuid, name, created_at, deleted) VALUES (?, ?, ?, ?, ?, 0)",
		id, string(kind), teamUUID, name, now(),
	)
	if err != nil {
		return "", fmt.Errorf("register member %s: %w", name, err)
	}

	r.invalidate()
	return id, nil
}

// ResolveMember returns the UUID of the active member with the given kind,
// team, and name.
func (r *Registry) ResolveMember(kind Kind, teamUUID, name string) (string, error) {
	if kind == KindHuman {
		teamUUID = ""
	}
	key := memberKey(kind, teamUUID, name)

	r.mu.RLock()
	if id, ok := r.memberByKey[key]; ok {
		r.mu.RUnlock()
		return id, nil
	}
	r.mu.RUnlock()

	var id string
	err := r.db.QueryRow(
		"SELECT uuid FROM member_ids WHERE kind = ? AND team_uuid = ? AND name = ? AND deleted = 0",
		string(kind), teamUUID, name,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve member %s: %w", name, err)
	}

	r.mu.Lock()
	r.memberByKey[key] = id
	r.mu.Unlock()
	return id, nil
}

// ResolveMemberFlexible resolves a bare name the way message routing does:
// an agent on the team first, then a human globally.
func (r *Registry) ResolveMemberFlexible(teamUUID, name string) (string, error) {
	if id, err := r.ResolveMember(KindAgent, teamUUID, name); err == nil {
		return id, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	return r.ResolveMember(KindHuman, "", name)
}

// LookupMember returns the record for a member UUID, including soft-deleted
// members.
func (r *Registry) LookupMember(memberUUID string) (Member, error) {
	r.mu.RLock()
	if m, ok := r.memberByUUID[memberUUID]; ok {
		r.mu.RUnlock()
		return m, nil
	}
	r.mu.RUnlock()

	var m Member
	var kind string
	err := r.db.QueryRow(
		"SELECT uuid, kind, team_uuid, name FROM member_ids WHERE uuid = ?", memberUUID,
	).Scan(&m.UUID, &kind, &m.TeamUUID, &m.Name)
	if err == sql.ErrNoRows {
		return Member{}, fmt.Errorf("member uuid %q: %w", memberUUID, ErrNotFound)
	}
	if err != nil {
		return Member{}, fmt.Errorf("lookup member %s: %w", memberUUID, err)
	}
	m.Kind = Kind(kind)

	r.mu.Lock()
	r.memberByUUID[memberUUID] = m
	r.mu.Unlock()
	return m, nil
}

// ListAgents returns the names of active agents on a team, sorted.
func (r *Registry) ListAgents(teamUUID string) ([]string, error) {
	rows, err := r.db.Query(
		"SELECT name FROM member_ids WHERE kind = 'agent' AND team_uuid = ? AND deleted = 0 ORDER BY name",
		teamUUID,
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SoftDeleteTeam marks a team deleted and cascades to its members. The name
// becomes available for reuse; the UUID remains resolvable via LookupTeam.
func (r *Registry) SoftDeleteTeam(teamUUID string) error {
	res, err := r.db.Exec("UPDATE team_ids SET deleted = 1 WHERE uuid = ? AND deleted = 0", teamUUID)
	if err != nil {
		return fmt.Errorf("soft delete team %s: %w", teamUUID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("team uuid %q: %w", teamUUID, ErrNotFound)
	}

	if _, err := r.db.Exec("UPDATE member_ids SET deleted = 1 WHERE team_uuid = ? AND deleted = 0", teamUUID); err != nil {
		return fmt.Errorf("soft delete team members %s: %w", teamUUID, err)
	}

	r.invalidate()
	return nil
}

// SoftDeleteMember marks a single member deleted.
func (r *Registry) SoftDeleteMember(memberUUID string) error {
	res, err := r.db.Exec("UPDATE member_ids SET deleted = 1 WHERE uuid = ? AND deleted = 0", memberUUID)
	if err != nil {
		return fmt.Errorf("soft delete member %s: %w", memberUUID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("member uuid %q: %w", memberUUID, ErrNotFound)
	}
	r.invalidate()
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
