package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterWithPassword(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	sink := &capturingSink{}
	resolver := identity.NewIdentityResolver(repo, identity.WithResolverActivitySink(sink))

	principal, err := resolver.RegisterWithPassword(ctx, "  New.User@Example.COM ", "password123!")
	require.NoError(t, err)

	assert.Equal(t, "new.user@example.com", principal.Email)
	assert.Equal(t, "new.user", principal.Handle)
	assert.Equal(t, identity.CredentialPassword, principal.Mode)
	assert.False(t, principal.Verified)
	assert.NotEmpty(t, principal.PasswordHash)
	assert.NotEqual(t, "password123!", principal.PasswordHash)

	assert.True(t, sink.has(identity.ActivityEventRegistered))

	// stored record round trips
	stored, err := repo.Principals().GetByEmail(ctx, "new.user@example.com")
	require.NoError(t, err)
	assert.Equal(t, principal.ID, stored.ID)
}

func TestRegisterWithPasswordDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	_, err := resolver.RegisterWithPassword(ctx, "taken@example.com", "password123!")
	require.NoError(t, err)

	_, err = resolver.RegisterWithPassword(ctx, "TAKEN@example.com", "different-pass!")
	require.Error(t, err)
	assert.ErrorIs(t, err, identity.ErrEmailTaken)
}

func TestRegisterOverExternalOnlyAccount(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	_, err := resolver.ResolveExternal(ctx, identity.ExternalIdentity{
		ExternalID: "provider|ext-1",
		Email:      "social@example.com",
	})
	require.NoError(t, err)

	// the error must not reveal which credential mode holds the email
	_, err = resolver.RegisterWithPassword(ctx, "social@example.com", "password123!")
	assert.ErrorIs(t, err, identity.ErrEmailTaken)
}

func TestRegisterWithPasswordEmptyPassword(t *testing.T) {
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	_, err := resolver.RegisterWithPassword(context.Background(), "a@example.com", "")
	assert.Error(t, err)
}

func TestAuthenticateWithPassword(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	registered := mustRegister(t, repo, "login@example.com", "correct-horse!")

	t.Run("success", func(t *testing.T) {
		principal, err := resolver.AuthenticateWithPassword(ctx, "Login@Example.com", "correct-horse!")
		require.NoError(t, err)
		assert.Equal(t, registered.ID, principal.ID)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := resolver.AuthenticateWithPassword(ctx, "login@example.com", "battery-staple")
		assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	})

	t.Run("unknown email same error", func(t *testing.T) {
		_, err := resolver.AuthenticateWithPassword(ctx, "ghost@example.com", "whatever")
		assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	})
}

func TestAuthenticateExternalOnlyAccount(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	_, err := resolver.ResolveExternal(ctx, identity.ExternalIdentity{
		ExternalID: "provider|only",
		Email:      "external@example.com",
	})
	require.NoError(t, err)

	// no password credential: indistinguishable from a wrong password
	_, err = resolver.AuthenticateWithPassword(ctx, "external@example.com", "anything")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestAuthenticateTracksFailedAttempts(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	mustRegister(t, repo, "attempts@example.com", "correct-horse!")

	for i := 0; i < identity.MaxLoginAttempts+1; i++ {
		_, err := resolver.AuthenticateWithPassword(ctx, "attempts@example.com", "wrong")
		assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	}

	// budget exhausted, even the right password is refused
	_, err := resolver.AuthenticateWithPassword(ctx, "attempts@example.com", "correct-horse!")
	assert.ErrorIs(t, err, identity.ErrTooManyLoginAttempts)
}

func TestAuthenticateResetsAttemptsOnSuccess(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	mustRegister(t, repo, "reset-attempts@example.com", "correct-horse!")

	_, err := resolver.AuthenticateWithPassword(ctx, "reset-attempts@example.com", "wrong")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	_, err = resolver.AuthenticateWithPassword(ctx, "reset-attempts@example.com", "correct-horse!")
	require.NoError(t, err)

	stored, err := repo.Principals().GetByEmail(ctx, "reset-attempts@example.com")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.LoginAttempts)
	assert.NotNil(t, stored.LoggedInAt)
}

func TestResolveExternalCreate(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	sink := &capturingSink{}
	resolver := identity.NewIdentityResolver(repo, identity.WithResolverActivitySink(sink))

	principal, err := resolver.ResolveExternal(ctx, identity.ExternalIdentity{
		ExternalID: "provider|new",
		Email:      "fresh@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, "fresh@example.com", principal.Email)
	assert.Equal(t, identity.CredentialExternal, principal.Mode)
	// the provider vouched for the email
	assert.True(t, principal.Verified)
	require.NotNil(t, principal.ExternalID)
	assert.Equal(t, "provider|new", *principal.ExternalID)

	assert.True(t, sink.has(identity.ActivityEventExternalLogin))
}

func TestResolveExternalLogin(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	first, err := resolver.ResolveExternal(ctx, identity.ExternalIdentity{
		ExternalID: "provider|repeat",
		Email:      "repeat@example.com",
	})
	require.NoError(t, err)

	// second resolve with the same id is a pure login, no new record
	second, err := resolver.ResolveExternal(ctx, identity.ExternalIdentity{
		ExternalID: "provider|repeat",
		Email:      "repeat@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestResolveExternalLinksByEmail(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	registered := mustRegister(t, repo, "linkme@example.com", "password123!")
	assert.False(t, registered.Verified)

	principal, err := resolver.ResolveExternal(ctx, identity.ExternalIdentity{
		ExternalID: "provider|link",
		Email:      "LinkMe@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, registered.ID, principal.ID)
	assert.Equal(t, identity.CredentialBoth, principal.Mode)
	assert.True(t, principal.Verified)
	require.NotNil(t, principal.ExternalID)
	assert.Equal(t, "provider|link", *principal.ExternalID)
}

func TestResolveExternalEmailBoundToOtherIdentity(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	_, err := resolver.ResolveExternal(ctx, identity.ExternalIdentity{
		ExternalID: "provider|original",
		Email:      "owner@example.com",
	})
	require.NoError(t, err)

	// same email arrives under a different provider subject: never rebind
	_, err = resolver.ResolveExternal(ctx, identity.ExternalIdentity{
		ExternalID: "provider|impostor",
		Email:      "owner@example.com",
	})
	assert.ErrorIs(t, err, identity.ErrExternalIdentityTaken)
}

func TestResolveExternalMissingID(t *testing.T) {
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	_, err := resolver.ResolveExternal(context.Background(), identity.ExternalIdentity{
		Email: "no-id@example.com",
	})
	assert.Error(t, err)
}

func TestLinkExternal(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	principal := mustRegister(t, repo, "linker@example.com", "password123!")

	t.Run("requires the password", func(t *testing.T) {
		_, err := resolver.LinkExternal(ctx, principal, "provider|mine", "wrong-password")
		assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	})

	t.Run("links with correct password", func(t *testing.T) {
		updated, err := resolver.LinkExternal(ctx, principal, "provider|mine", "password123!")
		require.NoError(t, err)

		assert.Equal(t, identity.CredentialBoth, updated.Mode)
		assert.True(t, updated.Verified)
		require.NotNil(t, updated.ExternalID)
		assert.Equal(t, "provider|mine", *updated.ExternalID)
	})

	t.Run("same id is idempotent", func(t *testing.T) {
		fresh, err := repo.Principals().GetByEmail(ctx, "linker@example.com")
		require.NoError(t, err)

		again, err := resolver.LinkExternal(ctx, fresh, "provider|mine", "password123!")
		require.NoError(t, err)
		assert.Equal(t, fresh.ID, again.ID)
	})

	t.Run("different id conflicts", func(t *testing.T) {
		fresh, err := repo.Principals().GetByEmail(ctx, "linker@example.com")
		require.NoError(t, err)

		_, err = resolver.LinkExternal(ctx, fresh, "provider|other", "password123!")
		assert.ErrorIs(t, err, identity.ErrExternalIdentityTaken)
	})
}

func TestLinkExternalIdentityHeldByAnotherPrincipal(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	_, err := resolver.ResolveExternal(ctx, identity.ExternalIdentity{
		ExternalID: "provider|claimed",
		Email:      "holder@example.com",
	})
	require.NoError(t, err)

	principal := mustRegister(t, repo, "claimant@example.com", "password123!")

	_, err = resolver.LinkExternal(ctx, principal, "provider|claimed", "password123!")
	assert.ErrorIs(t, err, identity.ErrExternalIdentityTaken)
}

func TestUnlinkExternal(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	principal := mustRegister(t, repo, "unlinker@example.com", "password123!")
	linked, err := resolver.LinkExternal(ctx, principal, "provider|temp", "password123!")
	require.NoError(t, err)

	updated, err := resolver.UnlinkExternal(ctx, linked)
	require.NoError(t, err)

	assert.Nil(t, updated.ExternalID)
	assert.Equal(t, identity.CredentialPassword, updated.Mode)

	// the identity is free again for someone else
	other := mustRegister(t, repo, "next@example.com", "password123!")
	_, err = resolver.LinkExternal(ctx, other, "provider|temp", "password123!")
	assert.NoError(t, err)
}

func TestUnlinkExternalLastCredential(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	principal, err := resolver.ResolveExternal(ctx, identity.ExternalIdentity{
		ExternalID: "provider|stranded",
		Email:      "stranded@example.com",
	})
	require.NoError(t, err)

	_, err = resolver.UnlinkExternal(ctx, principal)
	assert.ErrorIs(t, err, identity.ErrLastCredential)

	// nothing changed
	stored, err := repo.Principals().GetByExternalID(ctx, "provider|stranded")
	require.NoError(t, err)
	assert.Equal(t, principal.ID, stored.ID)
}

func TestUnlinkExternalWithoutBinding(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	principal := mustRegister(t, repo, "nobinding@example.com", "password123!")

	updated, err := resolver.UnlinkExternal(ctx, principal)
	require.NoError(t, err)
	assert.Equal(t, principal.ID, updated.ID)
}

func TestDeterministicIDs(t *testing.T) {
	ctx := context.Background()

	repoA := setupTestRepo(t)
	repoB := setupTestRepo(t)

	a, err := identity.NewIdentityResolver(repoA, identity.WithDeterministicIDs()).
		RegisterWithPassword(ctx, "same@example.com", "password123!")
	require.NoError(t, err)

	b, err := identity.NewIdentityResolver(repoB, identity.WithDeterministicIDs()).
		RegisterWithPassword(ctx, "same@example.com", "password123!")
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
}

func TestCooldownExpiryResetsAttempts(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	resolver := identity.NewIdentityResolver(repo)

	mustRegister(t, repo, "cooled@example.com", "correct-horse!")

	prevCoolDown := identity.CoolDownPeriod
	identity.CoolDownPeriod = "1ms"
	t.Cleanup(func() { identity.CoolDownPeriod = prevCoolDown })

	for i := 0; i < identity.MaxLoginAttempts+1; i++ {
		_, _ = resolver.AuthenticateWithPassword(ctx, "cooled@example.com", "wrong")
	}

	time.Sleep(5 * time.Millisecond)

	_, err := resolver.AuthenticateWithPassword(ctx, "cooled@example.com", "correct-horse!")
	assert.NoError(t, err)
}
