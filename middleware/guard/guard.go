package guard

import (
	"context"
	"errors"
	"strings"

	"github.com/goliatone/go-identity"
	"github.com/goliatone/go-router"
)

var (
	defaultTokenLookup          = "header:" + router.HeaderAuthorization
	defaultInternalSecretHeader = "X-Internal-Secret"

	ErrTokenMissingOrMalformed = errors.New("missing or malformed bearer token")
)

// AccessClassifier runs the tier decision for a set of request credentials.
// It mirrors the identity.Classifier Classify method so tests can swap in a
// stub without a database.
type AccessClassifier interface {
	Classify(ctx context.Context, creds identity.RequestCredentials, required identity.Tier) (*identity.Access, error)
}

// ValidationListener is invoked after a request has been classified but
// before the handler chain continues.
type ValidationListener func(ctx router.Context, access *identity.Access) error

type Config struct {
	Filter         func(router.Context) bool
	SuccessHandler router.HandlerFunc
	ErrorHandler   router.ErrorHandler

	// Classifier is required
	Classifier AccessClassifier

	// RequiredTier is the minimum tier the route demands. Defaults to
	// identity.TierAuthenticated.
	RequiredTier identity.Tier

	ContextKey  string
	TokenLookup string
	AuthScheme  string

	// InternalSecretHeader names the header carrying the shared secret for
	// service-to-service calls. The value is forwarded to the classifier;
	// the middleware never compares it itself.
	InternalSecretHeader string

	// ContextEnricher is an optional function to propagate the access result
	// to the standard Go context. If provided, it will be called after a
	// successful classification.
	ContextEnricher func(c context.Context, access *identity.Access) context.Context

	// ValidationListeners are invoked after classification succeeds. Use them
	// to emit events or perform bookkeeping before the request proceeds.
	ValidationListeners []ValidationListener
}

// New builds a middleware that classifies every request against the
// configured tier and stores the resulting access in the router context.
func New(config ...Config) router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		cfg := GetDefaultConfig(config...)
		return func(ctx router.Context) error {
			if cfg.Filter != nil && cfg.Filter(ctx) {
				return ctx.Next()
			}

			creds := identity.RequestCredentials{
				InternalSecret: ctx.GetString(cfg.InternalSecretHeader, ""),
			}

			token, err := ExtractRawTokenFromContext(ctx, cfg.getExtractors())
			if err == nil {
				creds.BearerToken = token
			} else if cfg.RequiredTier != identity.TierPublic && creds.InternalSecret == "" {
				return cfg.ErrorHandler(ctx, err)
			}

			access, err := cfg.Classifier.Classify(ctx.Context(), creds, cfg.RequiredTier)
			if err != nil {
				return cfg.ErrorHandler(ctx, err)
			}

			if err := cfg.runValidationListeners(ctx, access); err != nil {
				return cfg.ErrorHandler(ctx, err)
			}

			ctx.Locals(cfg.ContextKey, access)

			if cfg.ContextEnricher != nil {
				stdCtx := cfg.ContextEnricher(ctx.Context(), access)
				ctx.SetContext(stdCtx)
			}

			return cfg.SuccessHandler(ctx)
		}
	}
}

// RequireTier is a convenience wrapper for routes that only differ in the
// minimum tier.
func RequireTier(classifier AccessClassifier, tier identity.Tier) router.MiddlewareFunc {
	return New(Config{
		Classifier:   classifier,
		RequiredTier: tier,
	})
}

// AccessFromRouterContext retrieves the classification stored by the
// middleware, if any.
func AccessFromRouterContext(ctx router.Context, contextKey ...string) (*identity.Access, bool) {
	key := "access"
	if len(contextKey) > 0 && contextKey[0] != "" {
		key = contextKey[0]
	}

	access, ok := ctx.Locals(key).(*identity.Access)
	return access, ok && access != nil
}

func GetDefaultConfig(config ...Config) (cfg Config) {
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.SuccessHandler == nil {
		cfg.SuccessHandler = func(ctx router.Context) error {
			return ctx.Next()
		}
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(c router.Context, err error) error {
			if err.Error() == ErrTokenMissingOrMalformed.Error() {
				return c.Status(router.StatusBadRequest).SendString(ErrTokenMissingOrMalformed.Error())
			}
			if identity.IsForbiddenError(err) {
				return c.Status(router.StatusForbidden).SendString("Insufficient access tier")
			}
			return c.Status(router.StatusUnauthorized).SendString("Invalid or expired token")
		}
	}

	if cfg.Classifier == nil {
		panic("IDENTITY: guard middleware configuration: Classifier is required.")
	}

	if cfg.RequiredTier == "" {
		cfg.RequiredTier = identity.TierAuthenticated
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = "access"
	}

	if cfg.TokenLookup == "" {
		cfg.TokenLookup = defaultTokenLookup
	}

	if cfg.AuthScheme == "" {
		cfg.AuthScheme = "Bearer"
	}

	if cfg.InternalSecretHeader == "" {
		cfg.InternalSecretHeader = defaultInternalSecretHeader
	}

	if cfg.ContextEnricher == nil {
		cfg.ContextEnricher = func(c context.Context, access *identity.Access) context.Context {
			return identity.WithAccessContext(c, access)
		}
	}

	return cfg
}

func (cfg *Config) getExtractors() []TokenExtractor {
	return GetExtractors(cfg.TokenLookup, cfg.AuthScheme)
}

func (cfg *Config) runValidationListeners(ctx router.Context, access *identity.Access) error {
	for _, listener := range cfg.ValidationListeners {
		if listener == nil {
			continue
		}
		if err := listener(ctx, access); err != nil {
			return err
		}
	}
	return nil
}

func ExtractRawTokenFromContext(ctx router.Context, extractors []TokenExtractor) (string, error) {
	var raw string
	var err error

	for _, extractor := range extractors {
		raw, err = extractor(ctx)
		if raw != "" && err == nil {
			break
		}
	}

	return raw, err
}

func GetExtractors(tokenLookup string, authSchemes ...string) []TokenExtractor {
	extractors := make([]TokenExtractor, 0)

	authScheme := "Bearer"
	if len(authSchemes) > 0 {
		authScheme = authSchemes[0]
	}

	// header:Authorization,cookie:session,query:access_token
	rootParts := strings.Split(tokenLookup, ",")
	for _, rootPart := range rootParts {
		parts := strings.Split(strings.TrimSpace(rootPart), ":")

		for i, el := range parts {
			parts[i] = strings.TrimSpace(el)
		}

		switch parts[0] {
		case "header":
			extractors = append(extractors, tokenFromHeader(parts[1], authScheme))
		case "query":
			extractors = append(extractors, tokenFromQuery(parts[1]))
		case "cookie":
			extractors = append(extractors, tokenFromCookie(parts[1]))
		}
	}

	return extractors
}

type TokenExtractor func(c router.Context) (string, error)

// tokenFromHeader returns a function that extracts the token from the
// request header.
func tokenFromHeader(header string, authScheme string) func(c router.Context) (string, error) {
	return func(c router.Context) (string, error) {
		a := c.GetString(header, "")
		l := len(authScheme)
		if l == 0 {
			return "", ErrTokenMissingOrMalformed
		}
		authScheme = strings.TrimSpace(authScheme)
		if len(a) > l+1 && strings.EqualFold(a[:l], authScheme) {
			return strings.TrimSpace(a[l:]), nil
		}
		return "", ErrTokenMissingOrMalformed
	}
}

// tokenFromQuery returns a function that extracts the token from the query
// string.
func tokenFromQuery(param string) func(c router.Context) (string, error) {
	return func(c router.Context) (string, error) {
		token := c.Query(param, "")
		if token == "" {
			return "", ErrTokenMissingOrMalformed
		}
		return token, nil
	}
}

// tokenFromCookie returns a function that extracts the token from the named
// cookie.
func tokenFromCookie(name string) func(c router.Context) (string, error) {
	return func(c router.Context) (string, error) {
		token := c.Cookies(name)
		if token == "" {
			return "", ErrTokenMissingOrMalformed
		}
		return token, nil
	}
}
