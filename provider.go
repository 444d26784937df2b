package identity

import "context"

// Provider is the external identity provider collaborator. A single
// operation: exchange an authorization code for the (externalId, email,
// claims) triple the resolver consumes. Implementations live under
// provider/; only OAuth2/OIDC-style code exchange is supported.
type Provider interface {
	ExchangeCode(ctx context.Context, code string) (ExternalIdentity, error)
}

// ProviderFunc adapts a function into a Provider.
type ProviderFunc func(ctx context.Context, code string) (ExternalIdentity, error)

// ExchangeCode satisfies the Provider interface.
func (f ProviderFunc) ExchangeCode(ctx context.Context, code string) (ExternalIdentity, error) {
	if f == nil {
		return ExternalIdentity{}, ErrProviderExchange
	}
	return f(ctx, code)
}
