package auth

import "time"

// IdentityType distinguishes how an identity authenticates.
type IdentityType string

const (
	IdentityTypeLocal IdentityType = "local"
	IdentityTypeSSO   IdentityType = "sso"
	IdentityTypeSCIM  IdentityType = "scim"
)

// Federated reports whether credential verification happens outside this service.
func (t IdentityType) Federated() bool {
	return t == IdentityTypeSSO || t == IdentityTypeSCIM
}

// Identity represents a human or service account managed by the server.
// Local identities carry a credential hash; federated identities must not.
type Identity struct {
	ID       string       `json:"id"`
	Username string       `json:"username"`
	Email    string       `json:"email"`
	Type     IdentityType `json:"identity_type"`

	// Credential and lockout state; hash is never exposed over the wire.
	PasswordHash        string     `json:"-"`
	PasswordChangedAt   *time.Time `json:"password_changed_at,omitempty"`
	PasswordExpiresAt   *time.Time `json:"password_expires_at,omitempty"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"-"`

	// External provider linkage, populated only for federated identities.
	ExternalID   string `json:"external_id,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`

	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Department  string `json:"department,omitempty"`
	Title       string `json:"title,omitempty"`
	Phone       string `json:"phone,omitempty"`

	Active    bool       `json:"active"`
	LastLogin *time.Time `json:"last_login,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// Locked reports whether a lockout window is still in effect at now.
// An expired window resolves lazily; no sweeper clears it.
func (i *Identity) Locked(now time.Time) bool {
	return i.LockedUntil != nil && i.LockedUntil.After(now)
}

// Role groups a permission map under a name.
type Role struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name"`
	Description string        `json:"description,omitempty"`
	Permissions PermissionMap `json:"permissions"`
	System      bool          `json:"system"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Group collects identities; roles bound to a group apply to all of its members.
type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`

	// External source linkage for groups provisioned by a directory.
	SourceType   string     `json:"source_type"`
	ExternalID   string     `json:"external_id,omitempty"`
	ProviderName string     `json:"provider_name,omitempty"`
	LastSync     *time.Time `json:"last_sync,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// RoleAssignment links an identity directly to a role.
type RoleAssignment struct {
	IdentityID string    `json:"identity_id"`
	RoleID     string    `json:"role_id"`
	AssignedBy string    `json:"assigned_by,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

// GroupMembership links an identity to a group.
type GroupMembership struct {
	IdentityID string    `json:"identity_id"`
	GroupID    string    `json:"group_id"`
	AddedBy    string    `json:"added_by,omitempty"`
	JoinedAt   time.Time `json:"joined_at"`
}

// GroupRoleBinding links a group to a role.
type GroupRoleBinding struct {
	GroupID    string    `json:"group_id"`
	RoleID     string    `json:"role_id"`
	AssignedBy string    `json:"assigned_by,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Session is one row in the revocation ledger. Tokens stay cryptographically
// valid until expiry; the ledger is what makes early invalidation possible.
type Session struct {
	ID         string `json:"id"`
	IdentityID string `json:"identity_id"`

	AccessJTI        string     `json:"access_jti"`
	RefreshJTI       string     `json:"refresh_jti,omitempty"`
	AccessExpiresAt  time.Time  `json:"access_expires_at"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`

	ClientIP    string `json:"client_ip,omitempty"`
	ClientAgent string `json:"client_agent,omitempty"`

	Revoked       bool       `json:"revoked"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// EventKind is the closed set of security audit event types.
type EventKind string

const (
	EventLoginFailed          EventKind = "login_failed"
	EventLoginSuccessful      EventKind = "login_successful"
	EventAccountLocked        EventKind = "account_locked"
	EventSessionCreated       EventKind = "session_created"
	EventTokenRefreshed       EventKind = "token_refreshed"
	EventSessionRevoked       EventKind = "session_revoked"
	EventAllSessionsRevoked   EventKind = "all_sessions_revoked"
	EventPasswordChanged      EventKind = "password_changed"
	EventPasswordChangeFailed EventKind = "password_change_failed"
	EventIdentityCreated      EventKind = "identity_created"
	EventIdentityUpdated      EventKind = "identity_updated"
	EventIdentityDeactivated  EventKind = "identity_deactivated"
	EventOther                EventKind = "other"
)

var knownEventKinds = map[EventKind]struct{}{
	EventLoginFailed:          {},
	EventLoginSuccessful:      {},
	EventAccountLocked:        {},
	EventSessionCreated:       {},
	EventTokenRefreshed:       {},
	EventSessionRevoked:       {},
	EventAllSessionsRevoked:   {},
	EventPasswordChanged:      {},
	EventPasswordChangeFailed: {},
	EventIdentityCreated:      {},
	EventIdentityUpdated:      {},
	EventIdentityDeactivated:  {},
	EventOther:                {},
}

// EventKindFromString maps arbitrary stored strings into the closed set,
// falling back to EventOther so old rows never break decoding.
func EventKindFromString(s string) EventKind {
	kind := EventKind(s)
	if _, ok := knownEventKinds[kind]; ok {
		return kind
	}
	return EventOther
}

// AuditEvent is one immutable row in the security audit trail.
type AuditEvent struct {
	ID string `json:"id"`

	// IdentityID is empty when the identity could not be resolved,
	// e.g. a login attempt against an unknown username.
	IdentityID string `json:"identity_id,omitempty"`

	Kind   EventKind      `json:"kind"`
	Detail map[string]any `json:"detail,omitempty"`

	ClientIP    string `json:"client_ip,omitempty"`
	ClientAgent string `json:"client_agent,omitempty"`

	Success       bool   `json:"success"`
	FailureReason string `json:"failure_reason,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}
