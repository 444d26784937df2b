// Package oidc implements identity.Provider against any OpenID Connect
// provider: it exchanges the authorization code for tokens, then verifies
// the returned ID token against the provider's JWK Set.
package oidc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-identity"
)

// Config holds OpenID Connect provider configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string

	// TokenURL is the provider's token endpoint.
	TokenURL string
	// JWKSetURL is the provider's JWK Set endpoint, used to verify the ID
	// token signature.
	JWKSetURL string
	// Issuer, when set, is enforced against the ID token iss claim.
	Issuer string

	HTTPClient *http.Client
}

// Provider exchanges authorization codes and verifies ID tokens.
type Provider struct {
	config     Config
	httpClient *http.Client
	jwks       *keyfunc.JWKS
}

// New creates a provider. It fetches the JWK Set eagerly and keeps it
// refreshed in the background.
func New(cfg Config) (*Provider, error) {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	jwks, err := keyfunc.Get(cfg.JWKSetURL, keyfunc.Options{
		Client:            client,
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  time.Minute * 5,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to fetch JWK Set").
			WithMetadata(map[string]any{"jwks_url": cfg.JWKSetURL})
	}

	return &Provider{
		config:     cfg,
		httpClient: client,
		jwks:       jwks,
	}, nil
}

// Close stops the background JWK Set refresh.
func (p *Provider) Close() {
	if p.jwks != nil {
		p.jwks.EndBackground()
	}
}

// ExchangeCode implements identity.Provider.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (identity.ExternalIdentity, error) {
	var ext identity.ExternalIdentity

	data := url.Values{
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"code":          {code},
		"redirect_uri":  {p.config.CallbackURL},
		"grant_type":    {"authorization_code"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return ext, exchangeError(err, "failed to build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ext, exchangeError(err, "token endpoint unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ext, exchangeError(err, "failed to read token response")
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return ext, exchangeError(err, "failed to decode token response")
	}

	if resp.StatusCode != http.StatusOK || tokenResp.Error != "" {
		return ext, exchangeErrorWithMetadata(nil, "token endpoint rejected the code", map[string]any{
			"status":            resp.StatusCode,
			"error":             tokenResp.Error,
			"error_description": tokenResp.ErrorDesc,
		})
	}

	if tokenResp.IDToken == "" {
		return ext, exchangeError(nil, "token response missing id_token")
	}

	return p.verifyIDToken(tokenResp.IDToken)
}

// verifyIDToken checks the ID token signature against the JWK Set and maps
// its claims to an external identity.
func (p *Provider) verifyIDToken(raw string) (identity.ExternalIdentity, error) {
	var ext identity.ExternalIdentity

	claims := jwt.MapClaims{}
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
	}
	if p.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.config.Issuer))
	}
	if p.config.ClientID != "" {
		opts = append(opts, jwt.WithAudience(p.config.ClientID))
	}

	token, err := jwt.ParseWithClaims(raw, claims, p.jwks.Keyfunc, opts...)
	if err != nil || !token.Valid {
		return ext, exchangeError(err, "id_token verification failed")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return ext, exchangeError(nil, "id_token missing sub claim")
	}

	email, _ := claims["email"].(string)

	return identity.ExternalIdentity{
		ExternalID: sub,
		Email:      email,
		Claims:     map[string]any(claims),
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	IDToken     string `json:"id_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error,omitempty"`
	ErrorDesc   string `json:"error_description,omitempty"`
}

func exchangeError(err error, msg string) *goerrors.Error {
	return exchangeErrorWithMetadata(err, msg, nil)
}

func exchangeErrorWithMetadata(err error, msg string, meta map[string]any) *goerrors.Error {
	var rich *goerrors.Error
	if err != nil {
		rich = goerrors.Wrap(err, identity.ErrProviderExchange.Category, msg)
	} else {
		rich = goerrors.New(msg, identity.ErrProviderExchange.Category)
	}

	rich = rich.WithTextCode(identity.ErrProviderExchange.TextCode)
	if meta != nil {
		rich = rich.WithMetadata(meta)
	}

	return rich
}
