package db_test

import (
	"path/filepath"
	"testing"

	"github.com/vrsandeep/updatekit/internal/assets"
	"github.com/vrsandeep/updatekit/internal/db"
	"github.com/vrsandeep/updatekit/internal/testutil"
)

func TestMigrationsCreateKVStore(t *testing.T) {
	database := testutil.SetupTestDB(t)

	var name string
	err := database.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'kv_store'").Scan(&name)
	if err != nil {
		t.Fatalf("kv_store table not found: %v", err)
	}

	if _, err := database.Exec("INSERT INTO kv_store (key, value) VALUES (?, ?)", "k", []byte("v")); err != nil {
		t.Fatalf("Failed to insert into kv_store: %v", err)
	}
	var expires *int64
	if err := database.QueryRow("SELECT expires_at FROM kv_store WHERE key = 'k'").Scan(&expires); err != nil {
		t.Fatalf("Failed to read row: %v", err)
	}
	if expires != nil {
		t.Errorf("Expected NULL expires_at by default, got %d", *expires)
	}
}

func TestInitDB_FileAndRerunMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "updater.db")
	database, err := db.InitDB(path)
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database, assets.MigrationsFS); err != nil {
		t.Fatalf("first RunMigrations failed: %v", err)
	}
	// A second run has nothing to apply and must not fail.
	if err := db.RunMigrations(database, assets.MigrationsFS); err != nil {
		t.Fatalf("second RunMigrations failed: %v", err)
	}
}
