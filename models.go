package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// CredentialMode tags which credential types a principal currently has.
type CredentialMode string

const (
	// CredentialPassword marks a principal with only a password hash.
	CredentialPassword CredentialMode = "password"
	// CredentialExternal marks a principal known only through the provider.
	CredentialExternal CredentialMode = "external"
	// CredentialBoth marks a principal with password and external identity.
	CredentialBoth CredentialMode = "both"
)

// IsValid checks that the mode is one of the predefined values.
func (m CredentialMode) IsValid() bool {
	switch m {
	case CredentialPassword, CredentialExternal, CredentialBoth:
		return true
	default:
		return false
	}
}

// Principal is the durable identity record.
type Principal struct {
	bun.BaseModel `bun:"table:principals,alias:prn"`
	ID            uuid.UUID      `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Email         string         `bun:"email,notnull,unique" json:"email,omitempty"`
	Handle        string         `bun:"handle,notnull" json:"handle,omitempty"`
	PasswordHash  string         `bun:"password_hash" json:"-"`
	ExternalID    *string        `bun:"external_id,unique,nullzero" json:"external_id,omitempty"`
	Mode          CredentialMode `bun:"credential_mode,notnull" json:"credential_mode,omitempty"`
	Verified      bool           `bun:"is_verified" json:"is_verified,omitempty"`
	Privileged    bool           `bun:"is_privileged" json:"is_privileged,omitempty"`
	BillingID     string         `bun:"billing_id" json:"billing_id,omitempty"`
	LoginAttempts int            `bun:"login_attempts" json:"login_attempts,omitempty"`
	LoginAttempAt *time.Time     `bun:"login_attempt_at" json:"login_attempt_at,omitempty"`
	LoggedInAt    *time.Time     `bun:"loggedin_at" json:"loggedin_at,omitempty"`
	Metadata      map[string]any `bun:"metadata" json:"metadata,omitempty"`
	CreatedAt     *time.Time     `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time     `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt     *time.Time     `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// HasPassword reports whether the principal owns a password credential.
func (p *Principal) HasPassword() bool {
	return p.PasswordHash != ""
}

// HasExternalIdentity reports whether the principal is linked to the provider.
func (p *Principal) HasExternalIdentity() bool {
	return p.ExternalID != nil && *p.ExternalID != ""
}

// EnsureMode recomputes the credential mode tag from the credentials that are
// actually present. Every mutation path calls this before persisting.
func (p *Principal) EnsureMode() {
	switch {
	case p.HasPassword() && p.HasExternalIdentity():
		p.Mode = CredentialBoth
	case p.HasExternalIdentity():
		p.Mode = CredentialExternal
	default:
		p.Mode = CredentialPassword
	}
}

// AddMetadata will append information to a metadata attribute.
func (p *Principal) AddMetadata(key string, val any) *Principal {
	if p.Metadata == nil {
		p.Metadata = make(map[string]any)
	}
	p.Metadata[key] = val
	return p
}

// NormalizeEmail lower-cases and trims an email so uniqueness is never
// case-sensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// TokenPurpose scopes a one-time token to a single operation.
type TokenPurpose string

const (
	// PurposeEmailVerification proves email ownership.
	PurposeEmailVerification TokenPurpose = "email-verification"
	// PurposePasswordReset gates a credential change.
	PurposePasswordReset TokenPurpose = "password-reset"
)

// IsValid checks that the purpose is one of the predefined values.
func (p TokenPurpose) IsValid() bool {
	switch p {
	case PurposeEmailVerification, PurposePasswordReset:
		return true
	default:
		return false
	}
}

// OneTimeToken is a persisted, single-purpose secret bound to a principal.
// At most one unconsumed, unrevoked, unexpired token exists per
// (principal, purpose); issuing a new one revokes the rest.
type OneTimeToken struct {
	bun.BaseModel `bun:"table:one_time_tokens,alias:ott"`
	ID            uuid.UUID    `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Value         string       `bun:"value,notnull,unique" json:"-"`
	Purpose       TokenPurpose `bun:"purpose,notnull" json:"purpose,omitempty"`
	PrincipalID   uuid.UUID    `bun:"principal_id,notnull,type:uuid" json:"principal_id,omitempty"`
	Principal     *Principal   `bun:"rel:has-one,join:principal_id=id" json:"principal,omitempty"`
	ExpiresAt     time.Time    `bun:"expires_at,notnull" json:"expires_at,omitempty"`
	ConsumedAt    *time.Time   `bun:"consumed_at,nullzero" json:"consumed_at,omitempty"`
	RevokedAt     *time.Time   `bun:"revoked_at,nullzero" json:"revoked_at,omitempty"`
	CreatedAt     *time.Time   `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
}

// Outstanding reports whether the token can still be consumed, ignoring
// expiry. Expired tokens stay outstanding so the expiry error is distinct.
func (t *OneTimeToken) Outstanding() bool {
	return t.ConsumedAt == nil && t.RevokedAt == nil
}

// Expired reports whether the token is past its expiry at the given instant.
// Timestamps are compared in UTC to avoid drift bugs.
func (t *OneTimeToken) Expired(now time.Time) bool {
	return now.UTC().After(t.ExpiresAt.UTC())
}

// ExternalIdentity is the transient triple produced by exchanging an
// authorization code with the provider. It is consumed immediately by the
// resolver and never persisted.
type ExternalIdentity struct {
	ExternalID string
	Email      string
	Claims     map[string]any
}
