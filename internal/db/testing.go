package db

import (
	"context"
	"testing"
)

// NewTestEngineDB creates an in-memory, migrated engine database for testing.
// The database is closed when the test completes.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    t.Parallel()
//	    edb := db.NewTestEngineDB(t)
//	    // use edb...
//	}
func NewTestEngineDB(t testing.TB) *EngineDB {
	t.Helper()

	edb, err := OpenEngineInMemory(context.Background())
	if err != nil {
		t.Fatalf("create test engine db: %v", err)
	}
	t.Cleanup(func() {
		_ = edb.Close()
	})
	return edb
}
