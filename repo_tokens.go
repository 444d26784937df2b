package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// OneTimeTokens is the persistence contract for purpose-scoped tokens. The
// consume path is split into a read and a conditional mark so the manager can
// report expiry and replay distinctly while the mark itself stays atomic.
type OneTimeTokens interface {
	GetByValue(ctx context.Context, value string) (*OneTimeToken, error)
	GetByValueTx(ctx context.Context, tx bun.IDB, value string) (*OneTimeToken, error)

	Create(ctx context.Context, record *OneTimeToken) (*OneTimeToken, error)
	CreateTx(ctx context.Context, tx bun.IDB, record *OneTimeToken) (*OneTimeToken, error)

	// Latest returns the most recently issued outstanding token for the pair,
	// regardless of expiry.
	LatestTx(ctx context.Context, tx bun.IDB, principalID uuid.UUID, purpose TokenPurpose) (*OneTimeToken, error)

	// RevokeOutstandingTx invalidates every unconsumed, unrevoked token for
	// the (principal, purpose) pair. Rows stay around for audit.
	RevokeOutstandingTx(ctx context.Context, tx bun.IDB, principalID uuid.UUID, purpose TokenPurpose) error

	// MarkConsumedTx flips the consumed flag if and only if the token is
	// still outstanding, returning the number of rows changed. Zero means a
	// concurrent consumer won.
	MarkConsumedTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (int64, error)
}

type oneTimeTokens struct {
	db *bun.DB
}

var _ OneTimeTokens = (*oneTimeTokens)(nil)

func NewOneTimeTokensRepository(db *bun.DB) OneTimeTokens {
	return &oneTimeTokens{db: db}
}

func (r *oneTimeTokens) GetByValue(ctx context.Context, value string) (*OneTimeToken, error) {
	return r.GetByValueTx(ctx, r.db, value)
}

func (r *oneTimeTokens) GetByValueTx(ctx context.Context, tx bun.IDB, value string) (*OneTimeToken, error) {
	record := &OneTimeToken{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.value = ?", value).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if isNoRows(err) {
			return nil, repository.NewRecordNotFound()
		}
		return nil, err
	}

	return record, nil
}

func (r *oneTimeTokens) Create(ctx context.Context, record *OneTimeToken) (*OneTimeToken, error) {
	return r.CreateTx(ctx, r.db, record)
}

func (r *oneTimeTokens) CreateTx(ctx context.Context, tx bun.IDB, record *OneTimeToken) (*OneTimeToken, error) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Value == "" {
		record.Value = NewTokenValue()
	}

	_, err := tx.NewInsert().Model(record).Exec(ctx)
	if err != nil {
		return nil, err
	}

	return record, nil
}

func (r *oneTimeTokens) LatestTx(ctx context.Context, tx bun.IDB, principalID uuid.UUID, purpose TokenPurpose) (*OneTimeToken, error) {
	record := &OneTimeToken{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.principal_id = ?", principalID).
		Where("?TableAlias.purpose = ?", purpose).
		Where("?TableAlias.consumed_at IS NULL").
		Where("?TableAlias.revoked_at IS NULL").
		OrderExpr("?TableAlias.created_at DESC").
		Limit(1).
		Scan(ctx)

	if err != nil {
		if isNoRows(err) {
			return nil, repository.NewRecordNotFound()
		}
		return nil, err
	}

	return record, nil
}

func (r *oneTimeTokens) RevokeOutstandingTx(ctx context.Context, tx bun.IDB, principalID uuid.UUID, purpose TokenPurpose) error {
	now := time.Now().UTC()
	_, err := tx.NewUpdate().
		Model((*OneTimeToken)(nil)).
		Set("revoked_at = ?", now).
		Where("principal_id = ?", principalID).
		Where("purpose = ?", purpose).
		Where("consumed_at IS NULL").
		Where("revoked_at IS NULL").
		Exec(ctx)

	return err
}

func (r *oneTimeTokens) MarkConsumedTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (int64, error) {
	now := time.Now().UTC()
	res, err := tx.NewUpdate().
		Model((*OneTimeToken)(nil)).
		Set("consumed_at = ?", now).
		Where("id = ?", id).
		Where("consumed_at IS NULL").
		Where("revoked_at IS NULL").
		Exec(ctx)

	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// NewTokenValue returns a cryptographically unguessable token value.
func NewTokenValue() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read only fails when the OS entropy source is broken, in
		// which case there is nothing sensible to fall back to.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
