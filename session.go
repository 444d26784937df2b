package identity

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
)

// SessionIssuer turns a resolved principal into a bearer token and handles
// refresh. Issuance is pure aside from the codec's clock; refresh re-reads
// the principal so a revoked or re-privileged account is reflected in the
// fresh token.
type SessionIssuer struct {
	codec  *TokenCodec
	repo   RepositoryManager
	logger Logger
}

func NewSessionIssuer(codec *TokenCodec, repo RepositoryManager) *SessionIssuer {
	return &SessionIssuer{
		codec:  codec,
		repo:   repo,
		logger: defLogger{},
	}
}

func (s *SessionIssuer) WithLogger(logger Logger) *SessionIssuer {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Issue signs a bearer token for the principal with the configured lifetime.
func (s *SessionIssuer) Issue(principal *Principal) (string, error) {
	if principal == nil {
		return "", ErrPrincipalNotFound
	}

	claims := &SessionClaims{
		PID:        principal.ID.String(),
		Handle:     principal.Handle,
		Privileged: principal.Privileged,
	}

	return s.codec.EncodeSession(claims)
}

// Refresh decodes an existing, still-valid token and issues a fresh one
// whose expiry is strictly after the presented token's, even when both land
// in the same second. Expired tokens are not refreshable: bounding the blast
// radius of a leaked token is worth the occasional re-login. Claims are
// re-read from the store so a since-flipped privilege flag or a deleted
// principal takes effect immediately.
func (s *SessionIssuer) Refresh(ctx context.Context, token string) (string, error) {
	claims, err := s.codec.DecodeSession(token)
	if err != nil {
		// ErrTokenExpired and ErrTokenInvalid pass through untouched so the
		// caller can distinguish a stale session from a forged one.
		return "", err
	}

	principal, err := principalFromClaims(ctx, s.repo, claims)
	if err != nil {
		return "", err
	}

	fresh := &SessionClaims{
		PID:        principal.ID.String(),
		Handle:     principal.Handle,
		Privileged: principal.Privileged,
	}

	return s.codec.EncodeSessionAfter(fresh, claims.Expires())
}

// principalFromClaims materializes the principal a session token points at.
// Shared by refresh and the classifier.
func principalFromClaims(ctx context.Context, repo RepositoryManager, claims *SessionClaims) (*Principal, error) {
	id, err := claims.PrincipalUUID()
	if err != nil {
		return nil, ErrTokenInvalid
	}

	principal, err := repo.Principals().GetByID(ctx, id.String())
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrPrincipalNotFound
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load principal for session")
	}

	return principal, nil
}
