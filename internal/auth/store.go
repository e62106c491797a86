package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Identities(ctx context.Context) IdentityStore
	Sessions(ctx context.Context) SessionStore
	Roles(ctx context.Context) RoleStore
	Audit(ctx context.Context) AuditStore
}

// IdentityStore manages identity rows, including lockout counters.
type IdentityStore interface {
	Create(ctx context.Context, identity *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	// FindByLogin resolves either a username or an email address.
	FindByLogin(ctx context.Context, usernameOrEmail string) (*Identity, error)
	List(ctx context.Context, offset, limit int) ([]*Identity, error)
	UpdateProfile(ctx context.Context, identity *Identity) error

	// RecordFailure increments the failed-attempt counter and, whenever the
	// new count is at or past maxAttempts, arms the lock expiry in the same
	// durable write. Concurrent calls must serialize per row so no increment
	// is lost. locked reports whether this call armed the lock, which covers
	// both the initial UNLOCKED→LOCKED transition and a re-lock after a
	// lapsed window.
	RecordFailure(ctx context.Context, id string, maxAttempts int, lockUntil time.Time) (attempts int, locked bool, err error)

	// ResetLockout zeroes the counter, clears the lock expiry and stamps the
	// last successful login.
	ResetLockout(ctx context.Context, id string, lastLogin time.Time) error

	UpdateCredential(ctx context.Context, id, hash string, changedAt, expiresAt time.Time) error
	SetActive(ctx context.Context, id string, active bool, updatedBy string, at time.Time) error
}

// SessionStore is the revocation ledger. Sessions are never physically
// deleted; expiry and revocation are evaluated lazily at the point of use.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error

	// FindByJTI matches either the access or the refresh token identifier.
	FindByJTI(ctx context.Context, jti string) (*Session, error)

	// IsActive reports whether a non-revoked session holds the given jti.
	// It runs on every authenticated request.
	IsActive(ctx context.Context, jti string) (bool, error)

	// Rotate persists replaced token identifiers and expiries in place.
	Rotate(ctx context.Context, session *Session) error

	// Revoke is idempotent: the second call on the same session returns false.
	Revoke(ctx context.Context, sessionID, reason string, at time.Time) (bool, error)

	// RevokeAll revokes every active session for an identity except excludeID
	// (no exclusion when empty) in one atomic write; a racing IsActive never
	// observes a partially revoked set.
	RevokeAll(ctx context.Context, identityID, reason string, at time.Time, excludeID string) (int, error)
}

// RoleStore manages roles, groups and their membership edges.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)

	// DirectRoles returns roles assigned straight to the identity.
	DirectRoles(ctx context.Context, identityID string) ([]*Role, error)
	// GroupRoles returns roles reachable through any group the identity
	// belongs to.
	GroupRoles(ctx context.Context, identityID string) ([]*Role, error)

	Assign(ctx context.Context, assignment RoleAssignment) error
	CreateGroup(ctx context.Context, group *Group) error
	AddMember(ctx context.Context, membership GroupMembership) error
	BindGroupRole(ctx context.Context, binding GroupRoleBinding) error
}

// AuditStore appends immutable security events.
type AuditStore interface {
	Append(ctx context.Context, event *AuditEvent) error
}

// AuditRecorder is the sink the service writes audit events through. The
// production recorder persists and mirrors to the structured log; tests swap
// in capturing fakes.
type AuditRecorder interface {
	Record(ctx context.Context, event *AuditEvent)
}
