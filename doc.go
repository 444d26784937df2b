// Package identity implements the identity, credential, and token lifecycle
// engine shared by our backend services: password and OAuth registration,
// bearer session issuance and refresh, one-time verification and reset
// tokens, and the trust-tier classifier every protected operation goes
// through.
//
// Principals:
//   - A Principal is the durable identity record. It carries at least one of
//     a password hash or an external provider id, and a CredentialMode tag
//     that always reflects which of the two are present. Email is unique and
//     stored lower-cased; the external id is unique when set.
//
// Tokens:
//   - Session tokens are stateless HS256 JWTs issued by SessionIssuer with
//     the principal id, display handle, and privilege flag as claims.
//   - One-time tokens (email verification, password reset) are persisted
//     rows managed by OneTimeTokenManager. Issuing a new token revokes any
//     outstanding token of the same purpose; consumption is atomic and a
//     consumed or revoked token can never be replayed.
//
// Classification:
//   - Classifier maps request credentials onto the Public, Authenticated,
//     and Verified tiers, plus the disjoint InternalService tier reached
//     only through the configured shared secret. Protected operations
//     declare their required tier and never perform their own checks; the
//     middleware/guard package adapts the classifier to go-router handlers.
//
// Activity sinks:
//   - ActivitySink is a light-weight audit emitter used by the Engine and
//     resolver to describe registration, login, linking, verification, and
//     password reset events. Sinks run best-effort (errors are logged) so
//     you can forward to a database or queue without blocking the flow.
package identity
