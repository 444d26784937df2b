package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
)

// TokenCodec signs and verifies both token families (session and purpose
// scoped) with a single symmetric key. Encoding and decoding are pure and
// safe for any number of concurrent callers.
type TokenCodec struct {
	signingKey      []byte
	tokenExpiration int
	issuer          string
	audience        jwt.ClaimStrings
	logger          Logger
}

// NewTokenCodec creates a codec. tokenExpiration is the session lifetime in
// minutes; zero falls back to DefaultTokenExpiration.
func NewTokenCodec(signingKey []byte, tokenExpiration int, issuer string, audience jwt.ClaimStrings, logger Logger) *TokenCodec {
	if logger == nil {
		logger = defLogger{}
	}
	if tokenExpiration <= 0 {
		tokenExpiration = DefaultTokenExpiration
	}
	return &TokenCodec{
		signingKey:      signingKey,
		tokenExpiration: tokenExpiration,
		issuer:          issuer,
		audience:        audience,
		logger:          logger,
	}
}

// SessionLifetime is the configured lifetime for session tokens.
func (tc *TokenCodec) SessionLifetime() time.Duration {
	return time.Duration(tc.tokenExpiration) * time.Minute
}

// EncodeSession signs session claims, filling issuer, audience, the family
// tag, and the issued/expiry pair. Timestamps are always UTC; expiry is
// strictly after issuance by the configured lifetime.
func (tc *TokenCodec) EncodeSession(claims *SessionClaims) (string, error) {
	return tc.encodeSession(claims, time.Time{})
}

// EncodeSessionAfter signs session claims like EncodeSession but guarantees
// an expiry strictly after floor. Refresh passes the presented token's
// expiry here: jwt timestamps have second precision, so a refresh landing in
// the same second as issuance would otherwise produce an identical expiry.
func (tc *TokenCodec) EncodeSessionAfter(claims *SessionClaims, floor time.Time) (string, error) {
	return tc.encodeSession(claims, floor)
}

func (tc *TokenCodec) encodeSession(claims *SessionClaims, floor time.Time) (string, error) {
	if claims == nil {
		return "", errors.New("claims must not be nil", errors.CategoryInternal)
	}

	now := time.Now().UTC()
	exp := now.Add(tc.SessionLifetime())
	if !floor.IsZero() && !exp.Truncate(jwt.TimePrecision).After(floor) {
		exp = floor.Add(jwt.TimePrecision)
	}

	claims.Family = tokenFamilySession
	claims.RegisteredClaims.Issuer = tc.issuer
	claims.RegisteredClaims.Audience = tc.claimAudience()
	claims.RegisteredClaims.IssuedAt = jwt.NewNumericDate(now)
	claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(exp)
	if claims.RegisteredClaims.Subject == "" {
		claims.RegisteredClaims.Subject = claims.PID
	}

	return tc.sign(claims)
}

// DecodeSession verifies the signature before trusting any claim, then maps
// jwt expiry onto ErrTokenExpired and every other failure onto
// ErrTokenInvalid so callers can tell a stale token from a forged one. A
// well-signed token from the purpose family is invalid here, never a
// session.
func (tc *TokenCodec) DecodeSession(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if err := tc.parse(token, claims); err != nil {
		return nil, err
	}

	if claims.Family != tokenFamilySession {
		tc.logger.Debug("token family mismatch", "want", tokenFamilySession, "got", claims.Family)
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// EncodePurpose signs a purpose-scoped token with an explicit TTL.
func (tc *TokenCodec) EncodePurpose(claims *PurposeClaims, ttl time.Duration) (string, error) {
	if claims == nil {
		return "", errors.New("claims must not be nil", errors.CategoryInternal)
	}
	if !claims.Purpose.IsValid() {
		return "", errors.New("unknown token purpose", errors.CategoryBadInput).
			WithMetadata(map[string]any{"purpose": string(claims.Purpose)})
	}

	now := time.Now().UTC()
	claims.Family = tokenFamilyPurpose
	claims.RegisteredClaims.Issuer = tc.issuer
	claims.RegisteredClaims.Audience = tc.claimAudience()
	claims.RegisteredClaims.IssuedAt = jwt.NewNumericDate(now)
	claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if claims.RegisteredClaims.Subject == "" {
		claims.RegisteredClaims.Subject = claims.PID
	}

	return tc.sign(claims)
}

// DecodePurpose verifies and decodes a purpose token, checking the purpose
// tag matches. A well-signed token with the wrong purpose is invalid, not
// expired.
func (tc *TokenCodec) DecodePurpose(token string, purpose TokenPurpose) (*PurposeClaims, error) {
	claims := &PurposeClaims{}
	if err := tc.parse(token, claims); err != nil {
		return nil, err
	}

	if claims.Family != tokenFamilyPurpose {
		tc.logger.Debug("token family mismatch", "want", tokenFamilyPurpose, "got", claims.Family)
		return nil, ErrTokenInvalid
	}

	if claims.Purpose != purpose {
		tc.logger.Debug("purpose token mismatch", "want", purpose, "got", claims.Purpose)
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

func (tc *TokenCodec) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(tc.signingKey)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "failed to sign token")
	}

	return signed, nil
}

func (tc *TokenCodec) parse(tokenString string, claims jwt.Claims) error {
	parserOptions := make([]jwt.ParserOption, 0, 2)
	if tc.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(tc.issuer))
	}
	if len(tc.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(tc.audience...))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			tc.logger.Error("token codec encountered unexpected signing method", "alg", t.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return tc.signingKey, nil
	}, parserOptions...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return errors.Wrap(err, ErrTokenInvalid.Category, ErrTokenInvalid.Message).
			WithTextCode(ErrTokenInvalid.TextCode)
	}

	if !token.Valid {
		tc.logger.Error("token codec could not validate claims")
		return ErrTokenInvalid
	}

	return nil
}

func (tc *TokenCodec) claimAudience() jwt.ClaimStrings {
	if len(tc.audience) == 0 {
		return nil
	}
	aud := make(jwt.ClaimStrings, len(tc.audience))
	copy(aud, tc.audience)
	return aud
}
