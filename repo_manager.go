package identity

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories plus the transaction boundary
// the engine runs its state transitions in.
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	Principals() Principals
	OneTimeTokens() OneTimeTokens
}

type mngr struct {
	db            *bun.DB
	principals    Principals
	oneTimeTokens OneTimeTokens
}

func NewRepositoryManager(db *bun.DB) RepositoryManager {
	return &mngr{
		db:            db,
		principals:    NewPrincipalsRepository(db),
		oneTimeTokens: NewOneTimeTokensRepository(db),
	}
}

func (m mngr) Validate() error {
	if m.principals == nil {
		return errors.New("repository principals should be initialized")
	}

	if m.oneTimeTokens == nil {
		return errors.New("repository oneTimeTokens should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) Principals() Principals {
	return m.principals
}

func (m mngr) OneTimeTokens() OneTimeTokens {
	return m.oneTimeTokens
}
