package identity

import "fmt"

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Config holds the immutable engine configuration. It is read once at
// construction and never mutated afterwards.
type Config interface {
	GetSigningKey() string
	GetTokenExpiration() int // session lifetime in minutes
	GetIssuer() string
	GetAudience() []string
	GetVerificationTokenTTL() string // duration pattern, e.g. "48h"
	GetResetTokenTTL() string        // duration pattern, e.g. "1h"
	GetReissueInterval() string      // min interval between one-time token issues
	GetInternalSecret() string       // shared secret for the InternalService tier
}

// SimpleConfig is a plain struct implementation of Config for embedding and
// tests.
type SimpleConfig struct {
	SigningKey           string
	TokenExpiration      int
	Issuer               string
	Audience             []string
	VerificationTokenTTL string
	ResetTokenTTL        string
	ReissueInterval      string
	InternalSecret       string
}

func (c SimpleConfig) GetSigningKey() string      { return c.SigningKey }
func (c SimpleConfig) GetTokenExpiration() int    { return c.TokenExpiration }
func (c SimpleConfig) GetIssuer() string          { return c.Issuer }
func (c SimpleConfig) GetAudience() []string      { return c.Audience }
func (c SimpleConfig) GetInternalSecret() string  { return c.InternalSecret }
func (c SimpleConfig) GetReissueInterval() string { return c.ReissueInterval }

func (c SimpleConfig) GetVerificationTokenTTL() string {
	if c.VerificationTokenTTL == "" {
		return DefaultVerificationTokenTTL
	}
	return c.VerificationTokenTTL
}

func (c SimpleConfig) GetResetTokenTTL() string {
	if c.ResetTokenTTL == "" {
		return DefaultResetTokenTTL
	}
	return c.ResetTokenTTL
}

const (
	// DefaultTokenExpiration is the session lifetime in minutes.
	DefaultTokenExpiration = 60
	// DefaultVerificationTokenTTL bounds email verification links.
	DefaultVerificationTokenTTL = "48h"
	// DefaultResetTokenTTL bounds password reset links.
	DefaultResetTokenTTL = "1h"
	// DefaultReissueInterval throttles verification/reset token floods.
	DefaultReissueInterval = "1m"
)

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] IDENTITY "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] IDENTITY "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] IDENTITY "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] IDENTITY "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}
