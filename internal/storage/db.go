package storage

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// OpenDB opens (creating if needed) the badger database at path.
func OpenDB(path string) (*badger.DB, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	opts := badger.DefaultOptions(path).
		WithNumVersionsToKeep(1).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// OpenMemDB opens a database that lives only in memory.
func OpenMemDB() (*badger.DB, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithNumVersionsToKeep(1).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	return db, nil
}
