package identity

import (
	"github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidCredentials = "INVALID_CREDENTIALS"
	TextCodeEmailTaken         = "EMAIL_TAKEN"
	TextCodeExternalIDTaken    = "EXTERNAL_IDENTITY_TAKEN"
	TextCodeLastCredential     = "LAST_CREDENTIAL"
	TextCodePrincipalNotFound  = "PRINCIPAL_NOT_FOUND"
	TextCodeTokenInvalid       = "TOKEN_INVALID"
	TextCodeTokenExpired       = "TOKEN_EXPIRED"
	TextCodeProviderExchange   = "PROVIDER_EXCHANGE_FAILED"
	TextCodeUnauthorized       = "UNAUTHORIZED"
	TextCodeForbidden          = "FORBIDDEN"
)

// ErrInvalidCredentials is returned when an identifier/password pair does not
// resolve to a principal. Unknown email and wrong password are deliberately
// indistinguishable to prevent account enumeration.
var ErrInvalidCredentials = errors.New("invalid credentials", errors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(errors.CodeUnauthorized)

// ErrEmailTaken is returned when registering an email that already has a
// password credential bound to it.
var ErrEmailTaken = errors.New("email already registered", errors.CategoryConflict).
	WithTextCode(TextCodeEmailTaken).
	WithCode(errors.CodeConflict)

// ErrExternalIdentityTaken is returned when linking an external identity that
// is already bound to a different principal.
var ErrExternalIdentityTaken = errors.New("external identity already linked", errors.CategoryConflict).
	WithTextCode(TextCodeExternalIDTaken).
	WithCode(errors.CodeConflict)

// ErrLastCredential is returned when unlinking would leave the principal with
// no way to authenticate.
var ErrLastCredential = errors.New("cannot remove last credential", errors.CategoryValidation).
	WithTextCode(TextCodeLastCredential).
	WithCode(errors.CodeBadRequest)

// ErrPrincipalNotFound is returned when a principal referenced by id no
// longer exists, e.g. during token refresh.
var ErrPrincipalNotFound = errors.New("principal not found", errors.CategoryNotFound).
	WithTextCode(TextCodePrincipalNotFound).
	WithCode(errors.CodeNotFound)

// ErrTokenInvalid is returned for forged, malformed, consumed, or revoked
// tokens of any family.
var ErrTokenInvalid = errors.New("invalid token", errors.CategoryAuth).
	WithTextCode(TextCodeTokenInvalid).
	WithCode(errors.CodeUnauthorized)

// ErrTokenExpired is returned for well-signed but expired tokens. Callers
// treat this as a normal, recoverable condition (request a fresh one).
var ErrTokenExpired = errors.New("token expired", errors.CategoryAuth).
	WithTextCode(TextCodeTokenExpired).
	WithCode(errors.CodeUnauthorized)

// ErrProviderExchange is returned when the upstream identity provider fails
// during code exchange or ID token verification.
var ErrProviderExchange = errors.New("identity provider exchange failed", errors.CategoryAuth).
	WithTextCode(TextCodeProviderExchange).
	WithCode(errors.CodeUnauthorized)

// ErrTooManyLoginAttempts is returned when a principal exceeds the failed
// attempt budget inside the cool down window.
var ErrTooManyLoginAttempts = errors.New("too many login attempts", errors.CategoryAuth).
	WithTextCode("TOO_MANY_LOGIN_ATTEMPTS").
	WithCode(errors.CodeUnauthorized)

// ErrUnauthorized is the classifier rejection for requests that cannot reach
// the Authenticated tier.
var ErrUnauthorized = errors.New("unauthorized", errors.CategoryAuth).
	WithTextCode(TextCodeUnauthorized).
	WithCode(errors.CodeUnauthorized)

// ErrForbidden is the classifier rejection for principals that are known but
// below the required tier. Never degraded to an unauthorized response.
var ErrForbidden = errors.New("forbidden", errors.CategoryAuth).
	WithTextCode(TextCodeForbidden).
	WithCode(errors.CodeForbidden)

// IsTokenExpiredError checks for the expired-token condition.
func IsTokenExpiredError(err error) bool {
	return hasTextCode(err, TextCodeTokenExpired)
}

// IsTokenInvalidError checks for the forged/malformed/replayed condition.
func IsTokenInvalidError(err error) bool {
	return hasTextCode(err, TextCodeTokenInvalid)
}

// IsInvalidCredentialsError checks for failed password authentication.
func IsInvalidCredentialsError(err error) bool {
	return hasTextCode(err, TextCodeInvalidCredentials)
}

// IsForbiddenError checks for a known principal classified below the
// required tier.
func IsForbiddenError(err error) bool {
	return hasTextCode(err, TextCodeForbidden)
}

// IsProviderExchangeError checks for upstream provider failures during code
// exchange or ID token verification.
func IsProviderExchangeError(err error) bool {
	return hasTextCode(err, TextCodeProviderExchange)
}

// IsUnauthorizedError checks for the classifier's anonymous rejection.
func IsUnauthorizedError(err error) bool {
	return hasTextCode(err, TextCodeUnauthorized)
}

func hasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}

	var richErr *errors.Error
	if errors.As(err, &richErr) {
		return richErr.TextCode == code
	}

	return false
}
