package identity

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/uptrace/bun"
)

// MaxLoginAttempts is the maximum number of failed attempts a principal gets
// before the cool down window applies.
var MaxLoginAttempts = 5

// CoolDownPeriod is the window in which failed attempts accumulate.
var CoolDownPeriod = "24h"

// IdentityResolver finds or creates principals from password or external
// credentials, including the account-merge decision procedure for provider
// logins.
type IdentityResolver struct {
	repo             RepositoryManager
	logger           Logger
	activity         ActivitySink
	deterministicIDs bool
}

type ResolverOption func(*IdentityResolver)

// WithDeterministicIDs derives principal ids from the registration email via
// hashid instead of random UUIDs.
func WithDeterministicIDs() ResolverOption {
	return func(r *IdentityResolver) {
		r.deterministicIDs = true
	}
}

// WithResolverActivitySink configures the audit sink.
func WithResolverActivitySink(sink ActivitySink) ResolverOption {
	return func(r *IdentityResolver) {
		r.activity = normalizeActivitySink(sink)
	}
}

// WithResolverLogger overrides the logger.
func WithResolverLogger(logger Logger) ResolverOption {
	return func(r *IdentityResolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewIdentityResolver(repo RepositoryManager, opts ...ResolverOption) *IdentityResolver {
	r := &IdentityResolver{
		repo:     repo,
		logger:   defLogger{},
		activity: noopActivitySink{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RegisterWithPassword creates an unverified principal with credential mode
// "password". Any principal already holding the email makes registration
// fail with ErrEmailTaken; the error does not reveal which credential mode
// the existing account has.
func (r *IdentityResolver) RegisterWithPassword(ctx context.Context, email, password string) (*Principal, error) {
	email = NormalizeEmail(email)

	hash, err := HashPassword(password)
	if err != nil {
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) {
			return nil, richErr
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}

	principal := &Principal{
		Email:        email,
		PasswordHash: hash,
		Mode:         CredentialPassword,
	}

	if r.deterministicIDs {
		if id, err := hashid.NewUUID(email); err == nil {
			principal.ID = id
		}
	}

	err = r.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := r.repo.Principals().GetByEmailTx(ctx, tx, email); err == nil {
			return ErrEmailTaken
		} else if !repository.IsRecordNotFound(err) {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to check for existing principal")
		}

		created, err := r.repo.Principals().RegisterTx(ctx, tx, principal)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrEmailTaken
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "could not create principal")
		}

		principal = created
		return nil
	})

	if err != nil {
		return nil, err
	}

	r.record(ctx, ActivityEventRegistered, principal, map[string]any{
		"email": email,
	})

	return principal, nil
}

// AuthenticateWithPassword resolves an email/password pair. Unknown email,
// missing password credential, and hash mismatch all surface as
// ErrInvalidCredentials so callers cannot enumerate accounts.
func (r *IdentityResolver) AuthenticateWithPassword(ctx context.Context, email, password string) (*Principal, error) {
	email = NormalizeEmail(email)

	principal, err := r.repo.Principals().GetByEmail(ctx, email)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to retrieve principal during verification")
	}

	if principal.LoginAttempAt != nil {
		expired, err := IsOutsideThresholdPeriod(*principal.LoginAttempAt, CoolDownPeriod)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to calculate login attempt cooldown")
		}

		if expired {
			principal.LoginAttempts = 0
		}
	}

	// too many attempts in the window, cool off
	if principal.LoginAttempts > MaxLoginAttempts {
		return nil, ErrTooManyLoginAttempts
	}

	if !principal.HasPassword() {
		// external-only account, same failure as a wrong password
		return nil, ErrInvalidCredentials
	}

	if err := VerifyPassword(password, principal.PasswordHash); err != nil {
		if err2 := r.repo.Principals().TrackAttemptedLogin(ctx, principal); err2 != nil {
			return nil, goerrors.Wrap(err2, goerrors.CategoryInternal, "failed to track login attempt")
		}
		return nil, ErrInvalidCredentials
	}

	if err := r.repo.Principals().TrackSuccessfulLogin(ctx, principal); err != nil {
		r.logger.Error("failed to track successful login", "error", err)
	}

	return principal, nil
}

// ResolveExternal applies the three-branch decision procedure for provider
// logins, in order:
//
//  1. login: the external id is already bound, return that principal.
//  2. link: a principal owns the email and has no external id; bind the id,
//     promote the credential mode, and mark verified. The provider proved
//     mailbox ownership, which is the documented trust boundary that lets
//     this path skip password re-auth.
//  3. create: no match, insert a new verified external-mode principal.
//
// A lost insert race falls back to re-reading the winner's record.
func (r *IdentityResolver) ResolveExternal(ctx context.Context, ext ExternalIdentity) (*Principal, error) {
	if ext.ExternalID == "" {
		return nil, goerrors.New("external identity id is required", goerrors.CategoryBadInput)
	}

	email := NormalizeEmail(ext.Email)
	var principal *Principal
	var linked, created bool

	err := r.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := r.repo.Principals().GetByExternalIDTx(ctx, tx, ext.ExternalID)
		if err == nil {
			principal = existing // branch 1: pure login
			return nil
		}
		if !repository.IsRecordNotFound(err) {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to look up external identity")
		}

		byEmail, err := r.repo.Principals().GetByEmailTx(ctx, tx, email)
		if err == nil {
			if byEmail.HasExternalIdentity() {
				// The email's owner is already bound to a different provider
				// account. Never rebind silently.
				return ErrExternalIdentityTaken
			}
			principal, err = r.linkTx(ctx, tx, byEmail, ext.ExternalID)
			if err != nil {
				return err
			}
			linked = true // branch 2
			return nil
		}
		if !repository.IsRecordNotFound(err) {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to look up principal by email")
		}

		// branch 3
		record := &Principal{
			Email:      email,
			ExternalID: &ext.ExternalID,
			Mode:       CredentialExternal,
			Verified:   true,
		}

		principal, err = r.repo.Principals().GetOrCreateByExternalIDTx(ctx, tx, record)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "could not create principal for external identity")
		}
		created = true
		return nil
	})

	if err != nil {
		return nil, err
	}

	r.record(ctx, ActivityEventExternalLogin, principal, map[string]any{
		"external_id": ext.ExternalID,
		"linked":      linked,
		"created":     created,
	})

	return principal, nil
}

// LinkExternal binds an external identity to an existing principal. When the
// principal has a password credential the cleartext must match, so a leaked
// bearer session alone cannot hijack the account into a provider link.
func (r *IdentityResolver) LinkExternal(ctx context.Context, principal *Principal, externalID, password string) (*Principal, error) {
	if principal == nil {
		return nil, ErrPrincipalNotFound
	}
	if externalID == "" {
		return nil, goerrors.New("external identity id is required", goerrors.CategoryBadInput)
	}

	if principal.HasExternalIdentity() {
		if *principal.ExternalID == externalID {
			return principal, nil
		}
		return nil, ErrExternalIdentityTaken
	}

	if principal.HasPassword() {
		if err := VerifyPassword(password, principal.PasswordHash); err != nil {
			return nil, ErrInvalidCredentials
		}
	}

	var updated *Principal
	err := r.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if other, err := r.repo.Principals().GetByExternalIDTx(ctx, tx, externalID); err == nil {
			if other.ID != principal.ID {
				return ErrExternalIdentityTaken
			}
			updated = other
			return nil
		} else if !repository.IsRecordNotFound(err) {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to check external identity binding")
		}

		var err error
		updated, err = r.linkTx(ctx, tx, principal, externalID)
		return err
	})

	if err != nil {
		return nil, err
	}

	r.record(ctx, ActivityEventExternalLinked, updated, map[string]any{
		"external_id": externalID,
	})

	return updated, nil
}

// UnlinkExternal removes the provider binding. An external-only principal
// cannot unlink: removing the last credential would lock the account out.
func (r *IdentityResolver) UnlinkExternal(ctx context.Context, principal *Principal) (*Principal, error) {
	if principal == nil {
		return nil, ErrPrincipalNotFound
	}

	if !principal.HasPassword() {
		return nil, ErrLastCredential
	}

	if !principal.HasExternalIdentity() {
		return principal, nil
	}

	var updated *Principal
	err := r.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		updated, err = r.repo.Principals().UnlinkExternalTx(ctx, tx, principal.ID)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return ErrPrincipalNotFound
			}
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to unlink external identity")
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	r.record(ctx, ActivityEventExternalUnlinked, updated, nil)

	return updated, nil
}

func (r *IdentityResolver) linkTx(ctx context.Context, tx bun.IDB, principal *Principal, externalID string) (*Principal, error) {
	principal.ExternalID = &externalID
	principal.Verified = true
	principal.EnsureMode()

	update := &Principal{
		ID:         principal.ID,
		ExternalID: principal.ExternalID,
		Mode:       principal.Mode,
		Verified:   true,
	}

	updated, err := r.repo.Principals().UpdateTx(ctx, tx, update, repository.UpdateByID(principal.ID.String()))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrExternalIdentityTaken
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to link external identity")
	}

	return updated, nil
}

func (r *IdentityResolver) record(ctx context.Context, eventType ActivityEventType, principal *Principal, metadata map[string]any) {
	if principal == nil {
		return
	}

	event := ActivityEvent{
		EventType: eventType,
		Actor: ActorRef{
			ID:   principal.ID.String(),
			Type: "principal",
		},
		PrincipalID: principal.ID.String(),
		Metadata:    metadata,
		OccurredAt:  time.Now(),
	}

	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}

	if err := normalizeActivitySink(r.activity).Record(ctx, event); err != nil {
		r.logger.Warn("activity sink record error: %v", err)
	}
}
