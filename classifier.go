package identity

import (
	"context"
	"crypto/subtle"
)

// Tier is one of the trust levels gating a protected operation.
type Tier string

const (
	// TierPublic requires no credentials.
	TierPublic Tier = "public"
	// TierAuthenticated requires a valid, unexpired bearer token whose
	// principal still exists.
	TierAuthenticated Tier = "authenticated"
	// TierVerified additionally requires proven email ownership.
	TierVerified Tier = "verified"
	// TierInternal is reached only through the shared service secret. It is
	// disjoint from the user tiers and never derivable from a bearer token.
	TierInternal Tier = "internal"
)

// IsValid checks if the tier is one of the predefined values.
func (t Tier) IsValid() bool {
	switch t {
	case TierPublic, TierAuthenticated, TierVerified, TierInternal:
		return true
	default:
		return false
	}
}

// IsAtLeast checks if this tier meets the minimum required level. The
// internal tier sits outside the user hierarchy and only matches itself.
func (t Tier) IsAtLeast(min Tier) bool {
	if min == TierInternal || t == TierInternal {
		return t == min
	}

	tierHierarchy := map[Tier]int{
		TierPublic:        0,
		TierAuthenticated: 1,
		TierVerified:      2,
	}

	currentLevel, exists := tierHierarchy[t]
	if !exists {
		return false
	}

	minLevel, exists := tierHierarchy[min]
	if !exists {
		return false
	}

	return currentLevel >= minLevel
}

// ParseTier safely parses a string into a Tier.
func ParseTier(s string) (Tier, bool) {
	tier := Tier(s)
	return tier, tier.IsValid()
}

// RequestCredentials is what a request presents to the classifier. Both
// fields are optional; an empty struct classifies as Public.
type RequestCredentials struct {
	BearerToken    string
	InternalSecret string
}

// Access is the classifier's accept outcome: the tier the request reached
// and, for user tiers above Public, the materialized principal and claims.
type Access struct {
	Tier      Tier
	Principal *Principal
	Claims    *SessionClaims
}

// Classifier is the single enforcement gate mapping request credentials to a
// trust tier. Every protected operation declares its required tier and goes
// through Classify; nothing performs its own ad hoc check.
type Classifier struct {
	codec          *TokenCodec
	repo           RepositoryManager
	internalSecret []byte
	logger         Logger
}

func NewClassifier(codec *TokenCodec, repo RepositoryManager, cfg Config) *Classifier {
	return &Classifier{
		codec:          codec,
		repo:           repo,
		internalSecret: []byte(cfg.GetInternalSecret()),
		logger:         defLogger{},
	}
}

func (c *Classifier) WithLogger(logger Logger) *Classifier {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// Classify evaluates the credentials against the required tier.
//
// Rejections keep the unauthorized/forbidden distinction: failing to reach
// Authenticated is ErrUnauthorized; a known principal below the required
// tier is ErrForbidden and is never silently degraded to Public.
func (c *Classifier) Classify(ctx context.Context, creds RequestCredentials, required Tier) (*Access, error) {
	if !required.IsValid() {
		return nil, ErrUnauthorized
	}

	if required == TierInternal {
		if !c.matchesInternalSecret(creds.InternalSecret) {
			return nil, ErrUnauthorized
		}
		return &Access{Tier: TierInternal}, nil
	}

	if required == TierPublic {
		return &Access{Tier: TierPublic}, nil
	}

	claims, err := c.codec.DecodeSession(creds.BearerToken)
	if err != nil {
		c.logger.Debug("classifier rejected bearer token", "error", err)
		return nil, ErrUnauthorized
	}

	principal, err := principalFromClaims(ctx, c.repo, claims)
	if err != nil {
		if IsTokenInvalidError(err) || IsTokenExpiredError(err) {
			return nil, ErrUnauthorized
		}
		if hasTextCode(err, TextCodePrincipalNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	tier := TierAuthenticated
	if principal.Verified {
		tier = TierVerified
	}

	if !tier.IsAtLeast(required) {
		return nil, ErrForbidden
	}

	return &Access{
		Tier:      tier,
		Principal: principal,
		Claims:    claims,
	}, nil
}

// matchesInternalSecret compares in constant time; an unconfigured secret
// never matches anything.
func (c *Classifier) matchesInternalSecret(presented string) bool {
	if len(c.internalSecret) == 0 || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare(c.internalSecret, []byte(presented)) == 1
}
