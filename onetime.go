package identity

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// OneTimeTokenManager issues, validates, and invalidates purpose-scoped
// tokens. The invariant it enforces: at most one outstanding, unexpired
// token per (principal, purpose) pair; a new issue revokes the rest.
type OneTimeTokenManager struct {
	repo            RepositoryManager
	verificationTTL string
	resetTTL        string
	reissueInterval string
	logger          Logger
	activity        ActivitySink
}

func NewOneTimeTokenManager(repo RepositoryManager, cfg Config) *OneTimeTokenManager {
	verificationTTL := cfg.GetVerificationTokenTTL()
	if verificationTTL == "" {
		verificationTTL = DefaultVerificationTokenTTL
	}

	resetTTL := cfg.GetResetTokenTTL()
	if resetTTL == "" {
		resetTTL = DefaultResetTokenTTL
	}

	reissueInterval := cfg.GetReissueInterval()
	if reissueInterval == "" {
		reissueInterval = DefaultReissueInterval
	}

	return &OneTimeTokenManager{
		repo:            repo,
		verificationTTL: verificationTTL,
		resetTTL:        resetTTL,
		reissueInterval: reissueInterval,
		logger:          defLogger{},
		activity:        noopActivitySink{},
	}
}

func (m *OneTimeTokenManager) WithLogger(logger Logger) *OneTimeTokenManager {
	if logger != nil {
		m.logger = logger
	}
	return m
}

func (m *OneTimeTokenManager) WithActivitySink(sink ActivitySink) *OneTimeTokenManager {
	m.activity = normalizeActivitySink(sink)
	return m
}

// IssueVerificationToken creates an email verification token, superseding
// any outstanding one for the principal.
func (m *OneTimeTokenManager) IssueVerificationToken(ctx context.Context, principal *Principal) (*OneTimeToken, error) {
	return m.issue(ctx, principal, PurposeEmailVerification, m.verificationTTL)
}

// IssueResetToken creates a password reset token, superseding any
// outstanding one for the principal.
func (m *OneTimeTokenManager) IssueResetToken(ctx context.Context, principal *Principal) (*OneTimeToken, error) {
	return m.issue(ctx, principal, PurposePasswordReset, m.resetTTL)
}

func (m *OneTimeTokenManager) issue(ctx context.Context, principal *Principal, purpose TokenPurpose, ttlPattern string) (*OneTimeToken, error) {
	if principal == nil {
		return nil, ErrPrincipalNotFound
	}

	ttl, err := time.ParseDuration(ttlPattern)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "invalid one-time token ttl")
	}

	var token *OneTimeToken

	err = m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Re-issuing too quickly returns the outstanding token instead of a
		// fresh one. This bounds token-flood abuse without surfacing an
		// error the caller would have to translate.
		latest, err := m.repo.OneTimeTokens().LatestTx(ctx, tx, principal.ID, purpose)
		if err == nil && latest.CreatedAt != nil && !latest.Expired(time.Now()) {
			within, terr := IsWithinThresholdPeriod(*latest.CreatedAt, m.reissueInterval)
			if terr == nil && within {
				token = latest
				return nil
			}
		} else if err != nil && !repository.IsRecordNotFound(err) {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to check outstanding tokens")
		}

		if err := m.repo.OneTimeTokens().RevokeOutstandingTx(ctx, tx, principal.ID, purpose); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to revoke outstanding tokens")
		}

		record := &OneTimeToken{
			Purpose:     purpose,
			PrincipalID: principal.ID,
			ExpiresAt:   time.Now().UTC().Add(ttl),
		}

		token, err = m.repo.OneTimeTokens().CreateTx(ctx, tx, record)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create one-time token")
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return token, nil
}

// Consume atomically marks the token consumed and returns its owning
// principal. Unknown value, purpose mismatch, replay, and revocation all
// surface as ErrTokenInvalid. Expiry is distinct (ErrTokenExpired) and
// leaves the token unconsumed so a fresh one can be requested.
//
// Verification tokens flip the principal's verified flag on success. Reset
// tokens additionally revoke every other outstanding reset token, closing
// the window for a stale link to be reused; the credential change itself is
// the caller's job.
func (m *OneTimeTokenManager) Consume(ctx context.Context, value string, purpose TokenPurpose) (*Principal, error) {
	if value == "" || !purpose.IsValid() {
		return nil, ErrTokenInvalid
	}

	var principal *Principal

	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		principal, err = m.ConsumeTx(ctx, tx, value, purpose)
		return err
	})

	if err != nil {
		return nil, err
	}

	if purpose == PurposeEmailVerification {
		m.record(ctx, ActivityEventEmailVerified, principal)
	}

	return principal, nil
}

// ConsumeTx is Consume inside an existing transaction, for callers that need
// the token check and their own mutation to commit or fail as one unit (the
// password reset path).
func (m *OneTimeTokenManager) ConsumeTx(ctx context.Context, tx bun.IDB, value string, purpose TokenPurpose) (*Principal, error) {
	if value == "" || !purpose.IsValid() {
		return nil, ErrTokenInvalid
	}

	token, err := m.repo.OneTimeTokens().GetByValueTx(ctx, tx, value)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrTokenInvalid
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to look up one-time token")
	}

	if token.Purpose != purpose || !token.Outstanding() {
		return nil, ErrTokenInvalid
	}

	if token.Expired(time.Now()) {
		// stays unconsumed, only the clock rejected it
		return nil, ErrTokenExpired
	}

	rows, err := m.repo.OneTimeTokens().MarkConsumedTx(ctx, tx, token.ID)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to consume one-time token")
	}
	if rows == 0 {
		// a concurrent request with the same value won the mark
		return nil, ErrTokenInvalid
	}

	principal, err := m.repo.Principals().GetByIDTx(ctx, tx, token.PrincipalID.String())
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrTokenInvalid
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load token owner")
	}

	switch purpose {
	case PurposeEmailVerification:
		update := &Principal{ID: principal.ID, Verified: true}
		if _, err := m.repo.Principals().UpdateTx(ctx, tx, update, repository.UpdateByID(principal.ID.String())); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to mark principal verified")
		}
		principal.Verified = true
	case PurposePasswordReset:
		if err := m.repo.OneTimeTokens().RevokeOutstandingTx(ctx, tx, principal.ID, PurposePasswordReset); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to revoke sibling reset tokens")
		}
	}

	return principal, nil
}

func (m *OneTimeTokenManager) record(ctx context.Context, eventType ActivityEventType, principal *Principal) {
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
		Metadata:    map[string]any{},
		OccurredAt:  time.Now(),
	}

	if err := normalizeActivitySink(m.activity).Record(ctx, event); err != nil {
		m.logger.Warn("activity sink record error: %v", err)
	}
}
