package identity

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ResetPrincipalPasswordSQL also flips the verified flag: a consumed reset
// link proves ownership of the mailbox it was sent to.
var ResetPrincipalPasswordSQL = `UPDATE "principals" AS "prn"
SET
	"is_verified" = TRUE,
	"password_hash" = ?
WHERE
	"prn"."deleted_at" IS NULL
AND (
	"prn"."id" = ?
) RETURNING *;`

var SetPrincipalPasswordSQL = `UPDATE "principals" AS "prn"
SET
	"password_hash" = ?
WHERE
	"prn"."deleted_at" IS NULL
AND (
	"prn"."id" = ?
) RETURNING *;`

// Principals is the persistence contract for principal records. The storage
// layer owns the uniqueness constraints on email and external id; application
// logic relies on them rather than re-checking.
type Principals interface {
	repository.Repository[*Principal]

	Register(ctx context.Context, record *Principal) (*Principal, error)
	RegisterTx(ctx context.Context, tx bun.IDB, record *Principal) (*Principal, error)
	Create(ctx context.Context, record *Principal, criteria ...repository.InsertCriteria) (*Principal, error)
	CreateTx(ctx context.Context, tx bun.IDB, record *Principal, criteria ...repository.InsertCriteria) (*Principal, error)

	GetByEmail(ctx context.Context, email string) (*Principal, error)
	GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*Principal, error)
	GetByExternalID(ctx context.Context, externalID string) (*Principal, error)
	GetByExternalIDTx(ctx context.Context, tx bun.IDB, externalID string) (*Principal, error)

	// GetOrCreateByExternalIDTx implements insert-or-fetch-existing for the
	// OAuth creation path: when a concurrent request wins the insert, the
	// unique violation is swallowed and the winner's row is returned.
	GetOrCreateByExternalIDTx(ctx context.Context, tx bun.IDB, record *Principal) (*Principal, error)

	ResetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error
	SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	SetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error

	UnlinkExternal(ctx context.Context, id uuid.UUID) (*Principal, error)
	UnlinkExternalTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Principal, error)

	TrackAttemptedLogin(ctx context.Context, record *Principal) error
	TrackAttemptedLoginTx(ctx context.Context, tx bun.IDB, record *Principal) error
	TrackSuccessfulLogin(ctx context.Context, record *Principal) error
	TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, record *Principal) error
}

type principals struct {
	repository.Repository[*Principal]
	db *bun.DB
}

var (
	_ Principals                        = (*principals)(nil)
	_ repository.Repository[*Principal] = (*principals)(nil)
)

func NewPrincipalsRepository(db *bun.DB) Principals {
	repo := repository.NewRepository[*Principal](db, repository.ModelHandlers[*Principal]{
		NewRecord: func() *Principal { return &Principal{} },
		GetID: func(p *Principal) uuid.UUID {
			if p == nil {
				return uuid.Nil
			}
			return p.ID
		},
		SetID: func(p *Principal, id uuid.UUID) {
			if p != nil {
				p.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	return &principals{
		Repository: repo,
		db:         db,
	}
}

func (r *principals) Register(ctx context.Context, record *Principal) (*Principal, error) {
	return r.RegisterTx(ctx, r.db, record)
}

func (r *principals) RegisterTx(ctx context.Context, tx bun.IDB, record *Principal) (*Principal, error) {
	return r.CreateTx(ctx, tx, record)
}

func (r *principals) Create(ctx context.Context, record *Principal, criteria ...repository.InsertCriteria) (*Principal, error) {
	return r.CreateTx(ctx, r.db, record, criteria...)
}

func (r *principals) CreateTx(ctx context.Context, tx bun.IDB, record *Principal, criteria ...repository.InsertCriteria) (*Principal, error) {
	preparePrincipalDefaults(record)
	return r.Repository.CreateTx(ctx, tx, record, criteria...)
}

func (r *principals) GetByEmail(ctx context.Context, email string) (*Principal, error) {
	return r.GetByEmailTx(ctx, r.db, email)
}

func (r *principals) GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*Principal, error) {
	return r.getByColumnTx(ctx, tx, "email", NormalizeEmail(email))
}

func (r *principals) GetByExternalID(ctx context.Context, externalID string) (*Principal, error) {
	return r.GetByExternalIDTx(ctx, r.db, externalID)
}

func (r *principals) GetByExternalIDTx(ctx context.Context, tx bun.IDB, externalID string) (*Principal, error) {
	return r.getByColumnTx(ctx, tx, "external_id", externalID)
}

func (r *principals) getByColumnTx(ctx context.Context, tx bun.IDB, column, value string) (*Principal, error) {
	record := &Principal{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias."+column+" = ?", value).
		Limit(1).
		Scan(ctx)

	if err != nil {
		if isNoRows(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					column: value,
				})
		}
		return nil, err
	}

	return record, nil
}

func (r *principals) GetOrCreateByExternalIDTx(ctx context.Context, tx bun.IDB, record *Principal) (*Principal, error) {
	if record == nil || !record.HasExternalIdentity() {
		return nil, repository.NewRecordNotFound()
	}

	existing, err := r.GetByExternalIDTx(ctx, tx, *record.ExternalID)
	if err == nil {
		return existing, nil
	}
	if !repository.IsRecordNotFound(err) {
		return nil, err
	}

	created, err := r.CreateTx(ctx, tx, record)
	if err == nil {
		return created, nil
	}

	// Double-submitted provider callbacks race on the insert. The unique
	// constraint is the authority: the loser re-reads the winner's row.
	if isUniqueViolation(err) {
		return r.GetByExternalIDTx(ctx, tx, *record.ExternalID)
	}

	return nil, err
}

func (r *principals) ResetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return r.ResetPasswordTx(ctx, r.db, id, passwordHash)
}

func (r *principals) ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error {
	return r.rawPasswordUpdateTx(ctx, tx, ResetPrincipalPasswordSQL, id, passwordHash)
}

func (r *principals) SetPassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return r.SetPasswordTx(ctx, r.db, id, passwordHash)
}

func (r *principals) SetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error {
	return r.rawPasswordUpdateTx(ctx, tx, SetPrincipalPasswordSQL, id, passwordHash)
}

func (r *principals) rawPasswordUpdateTx(ctx context.Context, tx bun.IDB, query string, id uuid.UUID, passwordHash string) error {
	res, err := r.Repository.RawTx(ctx, tx, query, passwordHash, id.String())
	if err != nil {
		return err
	}

	if len(res) == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}

	return nil
}

func (r *principals) UnlinkExternal(ctx context.Context, id uuid.UUID) (*Principal, error) {
	return r.UnlinkExternalTx(ctx, r.db, id)
}

func (r *principals) UnlinkExternalTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Principal, error) {
	record := &Principal{}
	res, err := tx.NewUpdate().
		Model(record).
		Set("external_id = NULL").
		Set("credential_mode = ?", CredentialPassword).
		Where("?TableAlias.id = ?", id).
		Where("?TableAlias.deleted_at IS NULL").
		Returning("*").
		Exec(ctx)

	if err != nil {
		return nil, err
	}

	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return nil, repository.NewRecordNotFound().
			WithMetadata(map[string]any{
				"id": id.String(),
			})
	}

	return record, nil
}

func (r *principals) TrackAttemptedLogin(ctx context.Context, record *Principal) error {
	return r.TrackAttemptedLoginTx(ctx, r.db, record)
}

func (r *principals) TrackAttemptedLoginTx(ctx context.Context, tx bun.IDB, record *Principal) error {
	now := time.Now()

	update := &Principal{}
	update.ID = record.ID
	update.LoginAttempts = record.LoginAttempts + 1
	update.LoginAttempAt = &now

	_, err := r.Repository.UpdateTx(ctx, tx, update, repository.UpdateByID(record.ID.String()))
	return err
}

func (r *principals) TrackSuccessfulLogin(ctx context.Context, record *Principal) error {
	return r.TrackSuccessfulLoginTx(ctx, r.db, record)
}

func (r *principals) TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, record *Principal) error {
	loggedInAt := time.Now()
	_, err := tx.NewRaw(`
		UPDATE "principals" AS "prn"
		SET
			"loggedin_at" = ?,
			"login_attempt_at" = NULL,
			"login_attempts" = 0
		WHERE
			("prn".id = ?)
			AND "prn"."deleted_at" IS NULL;
	`, loggedInAt, record.ID).Exec(ctx)

	return err
}

func preparePrincipalDefaults(record *Principal) {
	if record == nil {
		return
	}

	record.Email = NormalizeEmail(record.Email)
	if record.Handle == "" {
		record.Handle = handleFromEmail(record.Email)
	}

	record.EnsureMode()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
}

func handleFromEmail(email string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}

// isUniqueViolation matches driver-specific unique constraint errors. The
// storage layer is the sole authority on duplicates, so this is the only
// place the race is noticed.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value violates unique constraint") // postgres
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	if repository.IsRecordNotFound(err) {
		return true
	}
	return strings.Contains(err.Error(), "no rows in result set")
}
