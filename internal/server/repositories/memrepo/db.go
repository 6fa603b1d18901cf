package memrepo

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenDB returns a handle that only provides transaction boundaries for
// services running on a Manager. No tables are created.
func OpenDB() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}
