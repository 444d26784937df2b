package identity

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// Engine is the facade routers and collaborators talk to. It owns the codec,
// resolver, session issuer, one-time token manager, and classifier, and runs
// every mutating flow inside a single store transaction. Configuration is
// read once at construction and never mutated.
type Engine struct {
	cfg        Config
	repo       RepositoryManager
	codec      *TokenCodec
	issuer     *SessionIssuer
	resolver   *IdentityResolver
	tokens     *OneTimeTokenManager
	classifier *Classifier
	provider   Provider
	logger     Logger
	activity   ActivitySink

	// resolverOpts holds every option applied through WithResolverOptions so
	// later WithLogger/WithActivitySink calls rebuild the resolver without
	// losing them.
	resolverOpts []ResolverOption
}

// NewEngine wires the lifecycle components from a repository manager and
// configuration.
func NewEngine(repo RepositoryManager, cfg Config) *Engine {
	codec := NewTokenCodec(
		[]byte(cfg.GetSigningKey()),
		cfg.GetTokenExpiration(),
		cfg.GetIssuer(),
		cfg.GetAudience(),
		defLogger{},
	)

	return &Engine{
		cfg:        cfg,
		repo:       repo,
		codec:      codec,
		issuer:     NewSessionIssuer(codec, repo),
		resolver:   NewIdentityResolver(repo),
		tokens:     NewOneTimeTokenManager(repo, cfg),
		classifier: NewClassifier(codec, repo, cfg),
		logger:     defLogger{},
		activity:   noopActivitySink{},
	}
}

func (e *Engine) WithLogger(logger Logger) *Engine {
	if logger != nil {
		e.logger = logger
		e.issuer = e.issuer.WithLogger(logger)
		e.tokens = e.tokens.WithLogger(logger)
		e.classifier = e.classifier.WithLogger(logger)
		e.rebuildResolver()
	}
	return e
}

// WithActivitySink configures an ActivitySink for emitting lifecycle events.
func (e *Engine) WithActivitySink(sink ActivitySink) *Engine {
	e.activity = normalizeActivitySink(sink)
	e.tokens = e.tokens.WithActivitySink(e.activity)
	e.rebuildResolver()
	return e
}

// WithProvider configures the external identity provider collaborator.
func (e *Engine) WithProvider(provider Provider) *Engine {
	e.provider = provider
	return e
}

// WithResolverOptions rebuilds the resolver with extra options, e.g.
// WithDeterministicIDs. Options accumulate across calls and survive later
// logger or sink changes.
func (e *Engine) WithResolverOptions(opts ...ResolverOption) *Engine {
	e.resolverOpts = append(e.resolverOpts, opts...)
	e.rebuildResolver()
	return e
}

func (e *Engine) rebuildResolver() {
	all := append([]ResolverOption{
		WithResolverLogger(e.logger),
		WithResolverActivitySink(e.activity),
	}, e.resolverOpts...)
	e.resolver = NewIdentityResolver(e.repo, all...)
}

// Codec returns the token codec used by this engine.
func (e *Engine) Codec() *TokenCodec { return e.codec }

// Classifier returns the access classifier used by this engine.
func (e *Engine) Classifier() *Classifier { return e.classifier }

// Register creates an unverified password principal.
func (e *Engine) Register(ctx context.Context, email, password string) (*Principal, error) {
	payload := RegisterPayload{Email: email, Password: password}
	if err := payload.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid registration payload")
	}

	return e.resolver.RegisterWithPassword(ctx, email, password)
}

// Login authenticates an email/password pair and issues a bearer token.
func (e *Engine) Login(ctx context.Context, email, password string) (string, error) {
	payload := LoginPayload{Email: email, Password: password}
	if err := payload.Validate(); err != nil {
		// shaped like any other failed login so the response does not leak
		// which part of the payload was wrong
		return "", ErrInvalidCredentials
	}

	principal, err := e.resolver.AuthenticateWithPassword(ctx, email, password)
	if err != nil {
		e.logger.Error("Login verify identity error", "error", err)
		e.emit(ctx, ActivityEventLoginFailure, ActorRef{Type: "unknown"}, "", map[string]any{
			"email": NormalizeEmail(email),
			"error": err.Error(),
		})
		return "", err
	}

	token, err := e.issuer.Issue(principal)
	if err != nil {
		e.emit(ctx, ActivityEventLoginFailure, e.actorFor(principal), principal.ID.String(), map[string]any{
			"error": err.Error(),
		})
		return "", err
	}

	e.emit(ctx, ActivityEventLoginSuccess, e.actorFor(principal), principal.ID.String(), nil)

	return token, nil
}

// Refresh exchanges a still-valid bearer token for a fresh one.
func (e *Engine) Refresh(ctx context.Context, token string) (string, error) {
	fresh, err := e.issuer.Refresh(ctx, token)
	if err != nil {
		return "", err
	}

	if claims, derr := e.codec.DecodeSession(fresh); derr == nil {
		e.emit(ctx, ActivityEventSessionRefreshed, ActorRef{ID: claims.PrincipalID(), Type: "principal"}, claims.PrincipalID(), nil)
	}

	return fresh, nil
}

// RequestVerification issues an email verification token. Unknown emails
// report ok=false without an error so the caller can keep responses uniform
// and decide on its own whether to send mail.
func (e *Engine) RequestVerification(ctx context.Context, email string) (*OneTimeToken, bool, error) {
	return e.requestToken(ctx, email, PurposeEmailVerification)
}

// RequestPasswordReset issues a password reset token with the same
// non-enumeration contract as RequestVerification.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) (*OneTimeToken, bool, error) {
	return e.requestToken(ctx, email, PurposePasswordReset)
}

func (e *Engine) requestToken(ctx context.Context, email string, purpose TokenPurpose) (*OneTimeToken, bool, error) {
	principal, err := e.repo.Principals().GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if repository.IsRecordNotFound(err) {
			// unknown email is indistinguishable from a successful request
			// at the transport boundary
			return nil, false, nil
		}
		return nil, false, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to look up principal for token request")
	}

	var token *OneTimeToken
	switch purpose {
	case PurposeEmailVerification:
		token, err = e.tokens.IssueVerificationToken(ctx, principal)
	case PurposePasswordReset:
		token, err = e.tokens.IssueResetToken(ctx, principal)
	}
	if err != nil {
		return nil, false, err
	}

	if purpose == PurposePasswordReset {
		e.emit(ctx, ActivityEventPasswordResetRequest, e.actorFor(principal), principal.ID.String(), nil)
	}

	return token, true, nil
}

// VerifyEmail consumes a verification token and returns the now-verified
// principal.
func (e *Engine) VerifyEmail(ctx context.Context, token string) (*Principal, error) {
	return e.tokens.Consume(ctx, token, PurposeEmailVerification)
}

// ResetPassword consumes a reset token and replaces the password credential.
// The consumption check, the sibling-token revocation, and the credential
// write commit or fail as a single transaction.
func (e *Engine) ResetPassword(ctx context.Context, token, newPassword string) (*Principal, error) {
	var principal *Principal

	err := e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		principal, err = e.tokens.ConsumeTx(ctx, tx, token, PurposePasswordReset)
		if err != nil {
			return err
		}

		hash, err := HashPassword(newPassword)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid new password provided")
		}

		if err := e.repo.Principals().ResetPasswordTx(ctx, tx, principal.ID, hash); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update password")
		}

		principal.PasswordHash = hash
		principal.Verified = true
		principal.EnsureMode()

		return nil
	})

	if err != nil {
		return nil, err
	}

	e.emit(ctx, ActivityEventPasswordResetSuccess, e.actorFor(principal), principal.ID.String(), nil)

	return principal, nil
}

// ChangePassword replaces the password after re-authenticating the old one.
// Outstanding reset tokens are revoked in the same transaction so a stale
// reset link cannot undo the change.
func (e *Engine) ChangePassword(ctx context.Context, principal *Principal, oldPassword, newPassword string) (*Principal, error) {
	if principal == nil {
		return nil, ErrPrincipalNotFound
	}

	payload := PasswordChangePayload{OldPassword: oldPassword, NewPassword: newPassword}
	if err := payload.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid password change payload")
	}

	if !principal.HasPassword() {
		return nil, ErrInvalidCredentials
	}

	if err := VerifyPassword(oldPassword, principal.PasswordHash); err != nil {
		return nil, ErrInvalidCredentials
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid new password provided")
	}

	err = e.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := e.repo.Principals().SetPasswordTx(ctx, tx, principal.ID, hash); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update password")
		}

		return e.repo.OneTimeTokens().RevokeOutstandingTx(ctx, tx, principal.ID, PurposePasswordReset)
	})

	if err != nil {
		return nil, err
	}

	principal.PasswordHash = hash

	e.emit(ctx, ActivityEventPasswordChangeSuccess, e.actorFor(principal), principal.ID.String(), nil)

	return principal, nil
}

// ResolveExternalLogin applies the three-branch decision procedure for an
// already-exchanged provider identity.
func (e *Engine) ResolveExternalLogin(ctx context.Context, externalID, email string, claims map[string]any) (*Principal, error) {
	return e.resolver.ResolveExternal(ctx, ExternalIdentity{
		ExternalID: externalID,
		Email:      email,
		Claims:     claims,
	})
}

// ExternalLogin exchanges an authorization code with the configured provider
// and logs the resolved principal in, returning a bearer token.
func (e *Engine) ExternalLogin(ctx context.Context, code string) (string, *Principal, error) {
	if e.provider == nil {
		return "", nil, ErrProviderExchange
	}

	ext, err := e.provider.ExchangeCode(ctx, code)
	if err != nil {
		e.logger.Error("provider code exchange failed", "error", err)
		return "", nil, err
	}

	principal, err := e.resolver.ResolveExternal(ctx, ext)
	if err != nil {
		return "", nil, err
	}

	token, err := e.issuer.Issue(principal)
	if err != nil {
		return "", nil, err
	}

	return token, principal, nil
}

// LinkExternal binds an external identity to the principal, re-authenticating
// the password when one exists.
func (e *Engine) LinkExternal(ctx context.Context, principal *Principal, externalID, password string) (*Principal, error) {
	return e.resolver.LinkExternal(ctx, principal, externalID, password)
}

// UnlinkExternal removes the provider binding, refusing to strand the
// account without credentials.
func (e *Engine) UnlinkExternal(ctx context.Context, principal *Principal) (*Principal, error) {
	return e.resolver.UnlinkExternal(ctx, principal)
}

// Classify runs the access gate for a protected operation.
func (e *Engine) Classify(ctx context.Context, creds RequestCredentials, required Tier) (*Access, error) {
	return e.classifier.Classify(ctx, creds, required)
}

func (e *Engine) actorFor(principal *Principal) ActorRef {
	if principal == nil {
		return ActorRef{Type: "unknown"}
	}

	return ActorRef{
		ID:   principal.ID.String(),
		Type: "principal",
	}
}

func (e *Engine) emit(ctx context.Context, eventType ActivityEventType, actor ActorRef, principalID string, metadata map[string]any) {
	sink := normalizeActivitySink(e.activity)
	event := ActivityEvent{
		EventType:   eventType,
		Actor:       actor,
		PrincipalID: principalID,
		Metadata:    metadata,
	}

	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	if err := sink.Record(ctx, event); err != nil {
		e.logger.Warn("activity sink record error: %v", err)
	}
}
