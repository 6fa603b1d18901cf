package services

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/server/config"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/memrepo"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		SecretKey:                   "k",
		AccessTokenValidityDuration: time.Hour,
		KDFTime:                     1,
		KDFMemoryKiB:                1024,
		KDFThreads:                  1,
	}
}

func newMemDB(t *testing.T) (*sql.DB, *memrepo.Manager) {
	t.Helper()
	db, err := memrepo.OpenDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, memrepo.New()
}

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func newVault(t *testing.T) (*VaultService, *memrepo.Manager, *sql.DB) {
	t.Helper()
	db, m := newMemDB(t)
	return NewVaultService(db, m, testConfig(), logging.NewDiscard()), m, db
}
