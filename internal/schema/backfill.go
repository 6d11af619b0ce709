package schema

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/leonletto/delegate/internal/identity"
	"github.com/leonletto/delegate/internal/paths"
)

// Backfill populates UUID translation tables and the *_uuid columns on data
// tables from the current name columns and filesystem inventory. It runs
// after every migration and is idempotent: only rows with empty UUIDs are
// touched, and names that no longer resolve keep empty UUIDs (tolerated by
// downstream queries).
func Backfill(db *sql.DB, home string) error {
	reg := identity.NewRegistry(db)

	if err := backfillTeamIDs(db, reg); err != nil {
		return err
	}
	if err := backfillMemberIDs(db, reg, home); err != nil {
		return err
	}
	if err := backfillDataColumns(db); err != nil {
		return err
	}
	return nil
}

// backfillTeamIDs registers a team_ids row for every active legacy teams row
// that lacks one.
func backfillTeamIDs(db *sql.DB, reg *identity.Registry) error {
	rows, err := db.Query("SELECT DISTINCT name FROM teams WHERE deleted = 0")
	if err != nil {
		return fmt.Errorf("query legacy teams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan team name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range names {
		if _, err := reg.RegisterTeam(name, ""); err != nil {
			return fmt.Errorf("backfill team %s: %w", name, err)
		}
	}
	return nil
}

// backfillMemberIDs registers agents found in each team's agents/ directory
// and humans found in protected/members/.
func backfillMemberIDs(db *sql.DB, reg *identity.Registry, home string) error {
	teams, err := reg.ListTeams()
	if err != nil {
		return err
	}

	for _, teamUUID := range teams {
		entries, err := os.ReadDir(paths.AgentsDir(home, teamUUID))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read agents dir for %s: %w", teamUUID, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if _, err := reg.RegisterMember(identity.KindAgent, teamUUID, e.Name()); err != nil {
				return fmt.Errorf("backfill agent %s: %w", e.Name(), err)
			}
		}
	}

	entries, err := os.ReadDir(paths.MembersDir(home))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read members dir: %w", err)
	}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".yaml")
		if e.IsDir() || name == e.Name() {
			continue
		}
		if _, err := reg.RegisterMember(identity.KindHuman, "", name); err != nil {
			return fmt.Errorf("backfill human %s: %w", name, err)
		}
	}
	return nil
}

// backfillDataColumns resolves name columns into the *_uuid columns on every
// data table. Unresolvable names stay empty.
func backfillDataColumns(db *sql.DB) error {
	teamFill := []string{"messages", "sessions", "tasks", "task_comments", "reviews", "review_comments"}
	for _, table := range teamFill {
		stmt := fmt.Sprintf(`
			UPDATE %s SET team_uuid = COALESCE(
				(SELECT t.uuid FROM team_ids t WHERE t.name = %s.team AND t.deleted = 0), '')
			WHERE team_uuid = ''`, table, table)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("backfill %s.team_uuid: %w", table, err)
		}
	}

	// Member columns: prefer an agent on the row's team, fall back to a
	// global human.
	memberFill := []struct {
		table, column, nameColumn string
	}{
		{"messages", "sender_uuid", "sender"},
		{"messages", "recipient_uuid", "recipient"},
		{"sessions", "agent_uuid", "agent"},
		{"tasks", "dri_uuid", "dri"},
		{"tasks", "assignee_uuid", "assignee"},
	}
	for _, f := range memberFill {
		stmt := fmt.Sprintf(`
			UPDATE %[1]s SET %[2]s = COALESCE(
				(SELECT m.uuid FROM member_ids m
				 WHERE m.kind = 'agent' AND m.team_uuid = %[1]s.team_uuid
				   AND m.name = %[1]s.%[3]s AND m.deleted = 0),
				(SELECT m.uuid FROM member_ids m
				 WHERE m.kind = 'human' AND m.name = %[1]s.%[3]s AND m.deleted = 0),
				'')
			WHERE %[2]s = '' AND %[3]s != ''`, f.table, f.column, f.nameColumn)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("backfill %s.%s: %w", f.table, f.column, err)
		}
	}
	return nil
}
