// Package identity authenticates the actor behind every ledger request.
//
// It provides:
//   - Principal          the tenant, actor and role a record is attributed to
//   - ActorTokenIssuer   issues and verifies HS256 actor JWTs
//   - RequireActor       Gin middleware resolving the Principal of a request
//   - RequireTenant      Gin middleware enforcing X-Tenant-ID isolation
package identity
