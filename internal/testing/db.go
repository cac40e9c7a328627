// Package testing provides shared test helpers: temp-file databases with
// cleanup and schema installation.
package testing

import (
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/anthonykimani/kiota-sub002/internal/database"
)

// NewTestDB creates a temp-file database for tests. The returned cleanup
// function closes the connection and removes the file; call it with defer.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("failed to create temp database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("failed to open test database %s: %v", name, err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("warning: failed to close test database %s: %v", name, err)
		}
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			t.Logf("warning: failed to remove test database file: %v", err)
		}
		// WAL sidecar files
		_ = os.Remove(tmpPath + "-wal")
		_ = os.Remove(tmpPath + "-shm")
	}

	return db, cleanup
}

// NewTestDBWithSchema creates a temp-file database and installs the given
// schema. Repositories expose their schema via InitSchema; tests that need
// raw SQL setup pass it here instead.
func NewTestDBWithSchema(t *testing.T, name string, schema string) (*database.DB, func()) {
	t.Helper()

	db, cleanup := NewTestDB(t, name)

	if _, err := db.Exec(schema); err != nil {
		cleanup()
		t.Fatalf("failed to install schema for test database %s: %v", name, err)
	}

	return db, cleanup
}

// GetRawConnection returns the underlying sql.DB for tests that need
// direct access.
func GetRawConnection(db *database.DB) *sql.DB {
	return db.Conn()
}
