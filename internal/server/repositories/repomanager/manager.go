package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/estateauth/internal/dbx"
	"github.com/dmitrijs2005/estateauth/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/estateauth/internal/server/repositories/users"
)

// RepositoryManager vends repositories bound to a DBTX, so the same code
// runs against the pool or inside a transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	RefreshTokens(db dbx.DBTX) refreshtokens.Repository
}
