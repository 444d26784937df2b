package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture bundles the fake provider endpoints: a JWKS server and a token
// endpoint whose response the test controls per request.
type fixture struct {
	privateKey *rsa.PrivateKey
	kid        string
	jwksServer *httptest.Server

	tokenStatus   int
	tokenResponse map[string]any
	tokenServer   *httptest.Server
	lastForm      map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fixture{
		privateKey:  privateKey,
		kid:         "test-key",
		tokenStatus: http.StatusOK,
	}

	jwk := map[string]any{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": f.kid,
		"n":   base64.RawURLEncoding.EncodeToString(privateKey.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.PublicKey.E)).Bytes()),
	}
	jwksJSON, err := json.Marshal(map[string]any{"keys": []map[string]any{jwk}})
	require.NoError(t, err)

	f.jwksServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwksJSON)
	}))
	t.Cleanup(f.jwksServer.Close)

	f.tokenServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.lastForm = map[string]string{}
		for key := range r.PostForm {
			f.lastForm[key] = r.PostForm.Get(key)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.tokenStatus)
		_ = json.NewEncoder(w).Encode(f.tokenResponse)
	}))
	t.Cleanup(f.tokenServer.Close)

	return f
}

func (f *fixture) config() Config {
	return Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		CallbackURL:  "https://app.test/callback",
		TokenURL:     f.tokenServer.URL + "/token",
		JWKSetURL:    f.jwksServer.URL,
		Issuer:       "https://issuer.test",
	}
}

func (f *fixture) provider(t *testing.T) *Provider {
	t.Helper()

	provider, err := New(f.config())
	require.NoError(t, err)
	t.Cleanup(provider.Close)

	return provider
}

func (f *fixture) signIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = f.kid

	signed, err := token.SignedString(f.privateKey)
	require.NoError(t, err)

	return signed
}

func (f *fixture) validClaims() jwt.MapClaims {
	now := time.Now().UTC()
	return jwt.MapClaims{
		"iss":   "https://issuer.test",
		"aud":   "client-id",
		"sub":   "oidc|user-123",
		"email": "user@example.com",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

func TestExchangeCode(t *testing.T) {
	f := newFixture(t)
	f.tokenResponse = map[string]any{
		"access_token": "opaque-access-token",
		"token_type":   "Bearer",
		"id_token":     f.signIDToken(t, f.validClaims()),
		"expires_in":   3600,
	}

	provider := f.provider(t)

	ext, err := provider.ExchangeCode(context.Background(), "auth-code")
	require.NoError(t, err)

	assert.Equal(t, "oidc|user-123", ext.ExternalID)
	assert.Equal(t, "user@example.com", ext.Email)
	assert.Equal(t, "https://issuer.test", ext.Claims["iss"])

	assert.Equal(t, "auth-code", f.lastForm["code"])
	assert.Equal(t, "client-id", f.lastForm["client_id"])
	assert.Equal(t, "client-secret", f.lastForm["client_secret"])
	assert.Equal(t, "https://app.test/callback", f.lastForm["redirect_uri"])
	assert.Equal(t, "authorization_code", f.lastForm["grant_type"])
}

func TestExchangeCodeRejectedCode(t *testing.T) {
	f := newFixture(t)
	f.tokenStatus = http.StatusBadRequest
	f.tokenResponse = map[string]any{
		"error":             "invalid_grant",
		"error_description": "code expired",
	}

	provider := f.provider(t)

	_, err := provider.ExchangeCode(context.Background(), "stale-code")
	require.Error(t, err)
	assert.True(t, identity.IsProviderExchangeError(err))
}

func TestExchangeCodeMissingIDToken(t *testing.T) {
	f := newFixture(t)
	f.tokenResponse = map[string]any{
		"access_token": "opaque-access-token",
		"token_type":   "Bearer",
	}

	provider := f.provider(t)

	_, err := provider.ExchangeCode(context.Background(), "auth-code")
	require.Error(t, err)
	assert.True(t, identity.IsProviderExchangeError(err))
}

func TestExchangeCodeBadSignature(t *testing.T) {
	f := newFixture(t)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, f.validClaims())
	token.Header["kid"] = f.kid
	forged, err := token.SignedString(otherKey)
	require.NoError(t, err)

	f.tokenResponse = map[string]any{
		"access_token": "opaque-access-token",
		"id_token":     forged,
	}

	provider := f.provider(t)

	_, err = provider.ExchangeCode(context.Background(), "auth-code")
	require.Error(t, err)
	assert.True(t, identity.IsProviderExchangeError(err))
}

func TestExchangeCodeExpiredIDToken(t *testing.T) {
	f := newFixture(t)

	claims := f.validClaims()
	now := time.Now().UTC()
	claims["iat"] = now.Add(-2 * time.Hour).Unix()
	claims["exp"] = now.Add(-1 * time.Hour).Unix()

	f.tokenResponse = map[string]any{
		"access_token": "opaque-access-token",
		"id_token":     f.signIDToken(t, claims),
	}

	provider := f.provider(t)

	_, err := provider.ExchangeCode(context.Background(), "auth-code")
	require.Error(t, err)
	assert.True(t, identity.IsProviderExchangeError(err))
}

func TestExchangeCodeWrongIssuer(t *testing.T) {
	f := newFixture(t)

	claims := f.validClaims()
	claims["iss"] = "https://evil.test"

	f.tokenResponse = map[string]any{
		"access_token": "opaque-access-token",
		"id_token":     f.signIDToken(t, claims),
	}

	provider := f.provider(t)

	_, err := provider.ExchangeCode(context.Background(), "auth-code")
	require.Error(t, err)
	assert.True(t, identity.IsProviderExchangeError(err))
}

func TestExchangeCodeWrongAudience(t *testing.T) {
	f := newFixture(t)

	claims := f.validClaims()
	claims["aud"] = "some-other-client"

	f.tokenResponse = map[string]any{
		"access_token": "opaque-access-token",
		"id_token":     f.signIDToken(t, claims),
	}

	provider := f.provider(t)

	_, err := provider.ExchangeCode(context.Background(), "auth-code")
	require.Error(t, err)
	assert.True(t, identity.IsProviderExchangeError(err))
}

func TestExchangeCodeMissingSub(t *testing.T) {
	f := newFixture(t)

	claims := f.validClaims()
	delete(claims, "sub")

	f.tokenResponse = map[string]any{
		"access_token": "opaque-access-token",
		"id_token":     f.signIDToken(t, claims),
	}

	provider := f.provider(t)

	_, err := provider.ExchangeCode(context.Background(), "auth-code")
	require.Error(t, err)
	assert.True(t, identity.IsProviderExchangeError(err))
}

func TestNewUnreachableJWKS(t *testing.T) {
	_, err := New(Config{
		ClientID:  "client-id",
		TokenURL:  "https://provider.test/token",
		JWKSetURL: "http://127.0.0.1:1/jwks.json",
		HTTPClient: &http.Client{
			Timeout: 500 * time.Millisecond,
		},
	})
	require.Error(t, err)
}
