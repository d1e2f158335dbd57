package ledger

import (
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"
)

func openMigrateDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateSQLiteIdempotent(t *testing.T) {
	db := openMigrateDB(t)

	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate second: %v", err)
	}

	for _, table := range []string{"audit_entries", "keys"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("expected %s table: %v", table, err)
		}
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE checksum LIKE 'sha256:%'`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 pinned migrations, got %d", count)
	}
}

func TestMigrateDetectsDrift(t *testing.T) {
	db := openMigrateDB(t)
	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Exec(`UPDATE schema_migrations SET checksum = 'sha256:00' WHERE version = '0001_init'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	err := Migrate(db, DBSQLite)
	if !errors.Is(err, ErrMigrationDrift) {
		t.Fatalf("expected drift error, got %v", err)
	}
}

func TestMigrateRejectsUnknownDriver(t *testing.T) {
	if err := Migrate(&sql.DB{}, DBDriver("nope")); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if err := Migrate(nil, DBSQLite); err == nil {
		t.Fatalf("expected error for nil db")
	}
}

func TestLoadMigrationsIsOrdered(t *testing.T) {
	for _, driver := range []DBDriver{DBSQLite, DBPostgres} {
		migrations, err := loadMigrations(dialects[driver].dir)
		if err != nil {
			t.Fatalf("%s: %v", driver, err)
		}
		if len(migrations) != 2 || migrations[0].version != "0001_init" || migrations[1].version != "0002_proposal_index" {
			t.Fatalf("%s: unexpected migrations %+v", driver, migrations)
		}
	}
}
