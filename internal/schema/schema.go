// Package schema owns the global SQLite database: opening it with the right
// pragmas, evolving it through versioned migrations, snapshotting it before
// upgrades, and backfilling UUID columns after every upgrade.
package schema

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/leonletto/delegate/internal/paths"
)

//go:embed migrations/V*.sql
var migrationFS embed.FS

// backupKeep is how many pre-migration snapshots are retained per database.
const backupKeep = 5

var migrationNameRe = regexp.MustCompile(`^V(\d+)_.+\.sql$`)

// Migration is one versioned SQL script. Released migrations are never
// reordered or modified; new ones are appended.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations returns the embedded migration scripts in ascending version
// order. Versions must be contiguous starting at 1.
func Migrations() ([]Migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var migs []Migration
	for _, e := range entries {
		m := migrationNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("malformed migration filename: %s", e.Name())
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("parse migration version %s: %w", e.Name(), err)
		}
		body, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		migs = append(migs, Migration{Version: version, Name: e.Name(), SQL: string(body)})
	}

	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })

	for i, mig := range migs {
		if mig.Version != i+1 {
			return nil, fmt.Errorf("migration versions not contiguous: expected V%03d, found %s", i+1, mig.Name)
		}
	}

	return migs, nil
}

// CurrentVersion returns the highest embedded migration version.
func CurrentVersion() int {
	migs, err := Migrations()
	if err != nil || len(migs) == 0 {
		return 0
	}
	return migs[len(migs)-1].Version
}

// OpenDB opens a SQLite database connection with WAL journaling, a 5-second
// busy timeout, and foreign keys enabled.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA wal_autocheckpoint = 1000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return db, nil
}

// GetVersion returns the current schema version, or 0 for a fresh database.
func GetVersion(db *sql.DB) (int, error) {
	if err := bootstrapMeta(db); err != nil {
		return 0, err
	}
	var version sql.NullInt64
	err := db.QueryRow("SELECT MAX(version) FROM schema_meta").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// bootstrapMeta creates the schema_meta table idempotently.
func bootstrapMeta(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_meta (
			version    INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}
	return nil
}

var (
	verifiedMu sync.Mutex
	// verified caches home → schema version so repeated Open calls skip the
	// migration check. Cleared only by ResetVerified (tests).
	verified = make(map[string]int)
)

// ResetVerified clears the process-wide schema-verified cache. Tests use it
// to simulate a fresh process after corrupting the database.
func ResetVerified() {
	verifiedMu.Lock()
	defer verifiedMu.Unlock()
	verified = make(map[string]int)
}

// Open ensures the schema for home is current, then returns a fresh
// connection to the database. Callers close the connection when done.
func Open(home string) (*sql.DB, error) {
	if err := Ensure(home); err != nil {
		return nil, err
	}
	return OpenDB(paths.DBPath(home))
}

// Ensure migrates the database under home to the current schema version.
// It is safe to call from multiple goroutines; after the first success for a
// given home it is a cheap cache hit.
func Ensure(home string) error {
	verifiedMu.Lock()
	defer verifiedMu.Unlock()

	if v, ok := verified[home]; ok && v == CurrentVersion() {
		return nil
	}

	if err := os.MkdirAll(paths.Protected(home), 0700); err != nil {
		return fmt.Errorf("create protected dir: %w", err)
	}

	db, err := OpenDB(paths.DBPath(home))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := migrate(db, home); err != nil {
		return err
	}

	if err := VerifyCoreTables(db); err != nil {
		return fmt.Errorf("health check: %w", err)
	}

	if err := Backfill(db, home); err != nil {
		return fmt.Errorf("uuid backfill: %w", err)
	}

	verified[home] = CurrentVersion()
	return nil
}

// migrate applies any pending migrations, each in its own immediate
// transaction. A failure rolls back the failing version, restores the
// pre-upgrade snapshot, and aborts.
func migrate(db *sql.DB, home string) error {
	migs, err := Migrations()
	if err != nil {
		return err
	}

	current, err := GetVersion(db)
	if err != nil {
		return err
	}
	if current >= CurrentVersion() {
		return nil
	}

	// Snapshot before touching a non-empty database.
	backupPath := ""
	if current > 0 {
		backupPath, err = snapshot(db, home, current)
		if err != nil {
			return fmt.Errorf("pre-migration backup: %w", err)
		}
	}

	for _, mig := range migs {
		if mig.Version <= current {
			continue
		}
		if err := applyOne(db, mig); err != nil {
			if backupPath != "" {
				if restoreErr := restore(db, home, backupPath); restoreErr != nil {
					return fmt.Errorf("apply %s: %w (restore also failed: %v)", mig.Name, err, restoreErr)
				}
				return fmt.Errorf("apply %s: %w (database restored from %s)", mig.Name, err, filepath.Base(backupPath))
			}
			return fmt.Errorf("apply %s: %w", mig.Name, err)
		}
	}

	return nil
}

// applyOne runs a single migration inside BEGIN IMMEDIATE ... COMMIT.
func applyOne(db *sql.DB, mig Migration) error {
	if _, err := db.Exec("BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}

	if _, err := db.Exec(mig.SQL); err != nil {
		_, _ = db.Exec("ROLLBACK")
		return fmt.Errorf("exec: %w", err)
	}

	if _, err := db.Exec("INSERT INTO schema_meta (version, applied_at) VALUES (?, ?)",
		mig.Version, time.Now().UTC().Format(time.RFC3339)); err != nil {
		_, _ = db.Exec("ROLLBACK")
		return fmt.Errorf("record version: %w", err)
	}

	if _, err := db.Exec("COMMIT"); err != nil {
		_, _ = db.Exec("ROLLBACK")
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// snapshot checkpoints the WAL and copies the database file aside.
// Returns the backup path.
func snapshot(db *sql.DB, home string, fromVersion int) (string, error) {
	// Fold WAL contents into the main file so the copy is complete.
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return "", fmt.Errorf("wal checkpoint: %w", err)
	}

	src := paths.DBPath(home)
	dst := paths.MigrationBackup(home, fromVersion, time.Now().UTC().Format("20060102T150405"))

	if err := copyFile(src, dst); err != nil {
		return "", err
	}

	rotateBackups(home)
	return dst, nil
}

// restore copies a snapshot back over the database file. The live *sql.DB
// is unusable afterwards; callers abort startup.
func restore(db *sql.DB, home string, backupPath string) error {
	_ = db.Close()
	dbPath := paths.DBPath(home)
	// Drop WAL/SHM left over from the failed upgrade.
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return copyFile(backupPath, dbPath)
}

// rotateBackups keeps only the newest backupKeep snapshots. Best-effort.
func rotateBackups(home string) {
	pattern := paths.DBPath(home) + ".bak.V*"
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) <= backupKeep {
		return
	}
	sort.Strings(matches) // timestamp suffix sorts oldest first per version
	type stamped struct {
		path string
		mod  time.Time
	}
	all := make([]stamped, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		all = append(all, stamped{m, info.ModTime()})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].mod.Before(all[j].mod) })
	for i := 0; i < len(all)-backupKeep; i++ {
		_ = os.Remove(all[i].path)
	}
}

// copyFile copies src to dst atomically (tmp + rename).
func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304 - paths from internal protected directory
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // G304
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	defer func() { _ = os.Remove(tmp) }()

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// VerifyCoreTables fails if any table the daemon cannot run without is
// missing. Used as the post-migration health check.
func VerifyCoreTables(db *sql.DB) error {
	for _, table := range []string{"messages", "sessions", "tasks"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err == sql.ErrNoRows {
			return fmt.Errorf("core table missing: %s", table)
		}
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error. Migrations use their own BEGIN IMMEDIATE path in applyOne.
func WithTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
