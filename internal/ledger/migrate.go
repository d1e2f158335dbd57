package ledger

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/sovereignty/internal/crypto"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

// ErrMigrationDrift means an applied migration no longer matches the
// embedded file with the same version.
var ErrMigrationDrift = errors.New("applied migration differs from embedded file")

type migration struct {
	version  string
	checksum string
	sql      string
}

// dialect holds the statements that differ between drivers.
type dialect struct {
	dir         string
	createTable string
	selectSum   string
	insert      string
	timestamp   func(time.Time) any
}

var dialects = map[DBDriver]dialect{
	DBSQLite: {
		dir: "migrations/sqlite",
		createTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
  version TEXT PRIMARY KEY,
  checksum TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`,
		selectSum: `SELECT checksum FROM schema_migrations WHERE version = ?`,
		insert:    `INSERT INTO schema_migrations(version, checksum, applied_at) VALUES(?, ?, ?)`,
		timestamp: func(t time.Time) any { return t.Format(time.RFC3339) },
	},
	DBPostgres: {
		dir: "migrations/postgres",
		createTable: `CREATE TABLE IF NOT EXISTS sov_schema_migrations (
  version TEXT PRIMARY KEY,
  checksum TEXT NOT NULL,
  applied_at TIMESTAMPTZ NOT NULL
)`,
		selectSum: `SELECT checksum FROM sov_schema_migrations WHERE version = $1`,
		insert:    `INSERT INTO sov_schema_migrations(version, checksum, applied_at) VALUES($1, $2, $3)`,
		timestamp: func(t time.Time) any { return t },
	},
}

// Migrate applies the embedded migrations for driver in version order. Each
// applied version is pinned to the digest of its file; a later mismatch is
// ErrMigrationDrift and nothing further is applied.
func Migrate(db *sql.DB, driver DBDriver) error {
	if db == nil {
		return fmt.Errorf("missing db")
	}
	d, ok := dialects[driver]
	if !ok {
		return fmt.Errorf("unsupported db driver: %s", driver)
	}
	if _, err := db.Exec(d.createTable); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	migrations, err := loadMigrations(d.dir)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if err := d.apply(db, m); err != nil {
			return err
		}
	}
	return nil
}

func (d dialect) apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var recorded string
	err = tx.QueryRow(d.selectSum, m.version).Scan(&recorded)
	switch {
	case err == nil:
		if recorded != m.checksum {
			return fmt.Errorf("%w: %s", ErrMigrationDrift, m.version)
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("read migration %s: %w", m.version, err)
	}

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("apply migration %s: %w", m.version, err)
	}
	if _, err := tx.Exec(d.insert, m.version, m.checksum, d.timestamp(time.Now().UTC())); err != nil {
		return fmt.Errorf("record migration %s: %w", m.version, err)
	}
	return tx.Commit()
}

func loadMigrations(dir string) ([]migration, error) {
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		contents, err := migrationsFS.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, migration{
			version:  strings.TrimSuffix(e.Name(), ".sql"),
			checksum: crypto.DigestWithPrefix(contents),
			sql:      string(contents),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
