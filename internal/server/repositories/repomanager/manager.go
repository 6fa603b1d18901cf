package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/mailvault/internal/dbx"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/folderstate"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/messages"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/syncjobs"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/users"
)

// RepositoryManager vends repositories bound to a *sql.DB or a *sql.Tx, so
// services decide the transaction boundary and repositories stay oblivious.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	Accounts(db dbx.DBTX) accounts.Repository
	Messages(db dbx.DBTX) messages.Repository
	FolderState(db dbx.DBTX) folderstate.Repository
	SyncJobs(db dbx.DBTX) syncjobs.Repository
}
