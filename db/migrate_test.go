package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping migration test")
	}
	db, err := Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func cleanDatabase(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS guild_features CASCADE`,
		`DROP TABLE IF EXISTS channel_bindings CASCADE`,
		`DROP TABLE IF EXISTS identities CASCADE`,
		`DROP TABLE IF EXISTS channels CASCADE`,
		`DROP TABLE IF EXISTS schema_migrations CASCADE`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("clean: %v", err)
		}
	}
}

func TestRunMigrations(t *testing.T) {
	db := openTestDB(t)
	cleanDatabase(t, db)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	for _, table := range []string{"channels", "identities", "channel_bindings", "guild_features"} {
		var exists bool
		err := db.QueryRow(`SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = $1
		)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s does not exist after migration", table)
		}
	}

	version, dirty, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}
	if dirty {
		t.Errorf("migration version is dirty")
	}
	if version != 2 {
		t.Errorf("migration version = %d, want 2", version)
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	db := openTestDB(t)
	cleanDatabase(t, db)

	for i := 0; i < 3; i++ {
		if err := RunMigrations(db); err != nil {
			t.Fatalf("RunMigrations() run %d error = %v", i+1, err)
		}
	}
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	cleanDatabase(t, db)

	if err := RunMigrations(db); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	if err := MigrateDown(db); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	version, _, err := GetMigrationVersion(db)
	if err != nil {
		t.Fatalf("GetMigrationVersion() error = %v", err)
	}
	if version != 1 {
		t.Errorf("version after rollback = %d, want 1", version)
	}
}

func TestConnectRejectsEmptyDSN(t *testing.T) {
	if _, err := Connect(context.Background(), ""); err == nil {
		t.Error("expected error for empty dsn")
	}
}
