package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"santaserver.org/internal/ids"
	"santaserver.org/internal/obs"
)

const (
	defaultAccessTTL        = 30 * time.Minute
	defaultRefreshTTL       = 7 * 24 * time.Hour
	defaultAbsoluteTTL      = 30 * 24 * time.Hour
	defaultMaxLoginAttempts = 5
	defaultLockoutDuration  = 15 * time.Minute
)

// Service orchestrates credential verification, lockout, token issuance,
// the session ledger and the audit trail.
type Service struct {
	store  Store
	tokens *TokenManager
	audit  AuditRecorder
	now    func() time.Time

	policy           PasswordPolicy
	maxLoginAttempts int
	lockoutDuration  time.Duration
	accessTTL        time.Duration
	refreshTTL       time.Duration
	absoluteTTL      time.Duration
	refreshRotation  bool
}

// ServiceOption configures Service behavior at construction. Settings are
// immutable afterwards.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithPasswordPolicy replaces the default strength policy.
func WithPasswordPolicy(policy PasswordPolicy) ServiceOption {
	return func(s *Service) error {
		if policy.MinLength <= 0 {
			return errors.New("auth: password policy needs a positive minimum length")
		}
		s.policy = policy
		return nil
	}
}

// WithLockout configures the failed-attempt threshold and lock duration.
func WithLockout(maxAttempts int, duration time.Duration) ServiceOption {
	return func(s *Service) error {
		if maxAttempts <= 0 || duration <= 0 {
			return errors.New("auth: lockout threshold and duration must be positive")
		}
		s.maxLoginAttempts = maxAttempts
		s.lockoutDuration = duration
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithAbsoluteSessionTTL caps session lifetime from creation, gating refresh
// no matter how often the access window has been extended.
func WithAbsoluteSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.absoluteTTL = ttl
		}
		return nil
	}
}

// WithRefreshRotation toggles refresh token rotation on refresh.
func WithRefreshRotation(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.refreshRotation = enabled
		return nil
	}
}

// WithAuditRecorder replaces the default store-backed audit sink.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(s *Service) error {
		if recorder != nil {
			s.audit = recorder
		}
		return nil
	}
}

// NewService constructs a Service over the given store and token manager.
func NewService(store Store, tokens *TokenManager, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token manager is required")
	}
	svc := &Service{
		store:            store,
		tokens:           tokens,
		now:              time.Now,
		policy:           DefaultPasswordPolicy(),
		maxLoginAttempts: defaultMaxLoginAttempts,
		lockoutDuration:  defaultLockoutDuration,
		accessTTL:        defaultAccessTTL,
		refreshTTL:       defaultRefreshTTL,
		absoluteTTL:      defaultAbsoluteTTL,
		refreshRotation:  true,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.refreshTTL < svc.accessTTL {
		return nil, errors.New("auth: refresh TTL must not be shorter than access TTL")
	}
	if svc.audit == nil {
		svc.audit = storeSink{store: store}
	}
	return svc, nil
}

// PasswordPolicy exposes the configured strength policy to callers that
// validate passwords up front.
func (s *Service) PasswordPolicy() PasswordPolicy {
	return s.policy
}

// storeSink is the default audit sink: persist best-effort, never fail the
// primary operation over an audit write.
type storeSink struct {
	store Store
}

func (d storeSink) Record(ctx context.Context, event *AuditEvent) {
	if err := d.store.Audit(ctx).Append(ctx, event); err != nil {
		obs.RecordAuditWriteFailure()
		obs.LogJSON(map[string]any{
			"type":  "audit",
			"event": "audit_write_failed",
			"kind":  string(event.Kind),
			"error": err.Error(),
		})
	}
}

func (s *Service) record(ctx context.Context, event *AuditEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	s.audit.Record(ctx, event)
}

// TokenPair carries freshly minted access and refresh tokens together with
// the ledger bookkeeping the caller may need.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`

	AccessJTI  string `json:"-"`
	RefreshJTI string `json:"-"`
	SessionID  string `json:"-"`
}

// Authenticate verifies a username-or-email plus password. Each terminal
// branch records exactly one audit event; only credential mismatches advance
// the lockout counter.
func (s *Service) Authenticate(ctx context.Context, login, password, clientIP, clientAgent string) (*Identity, error) {
	login = strings.TrimSpace(login)
	now := s.now().UTC()

	identity, err := s.store.Identities(ctx).FindByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.RecordLogin("not_found")
			s.record(ctx, &AuditEvent{
				Kind:          EventLoginFailed,
				Detail:        map[string]any{"reason": "identity_not_found", "login": login},
				ClientIP:      clientIP,
				ClientAgent:   clientAgent,
				FailureReason: "identity not found",
			})
			return nil, ErrNotFound
		}
		return nil, infraErr(err)
	}

	if !identity.Active {
		obs.RecordLogin("inactive")
		s.record(ctx, &AuditEvent{
			IdentityID:    identity.ID,
			Kind:          EventLoginFailed,
			Detail:        map[string]any{"reason": "account_inactive"},
			ClientIP:      clientIP,
			ClientAgent:   clientAgent,
			FailureReason: "account inactive",
		})
		return nil, ErrInactiveAccount
	}

	if identity.Locked(now) {
		obs.RecordLogin("locked")
		s.record(ctx, &AuditEvent{
			IdentityID:    identity.ID,
			Kind:          EventLoginFailed,
			Detail:        map[string]any{"reason": "account_locked"},
			ClientIP:      clientIP,
			ClientAgent:   clientAgent,
			FailureReason: "account locked",
		})
		return nil, ErrLockedAccount
	}

	if identity.Type == IdentityTypeLocal {
		if identity.PasswordHash == "" {
			obs.RecordLogin("no_credential")
			s.record(ctx, &AuditEvent{
				IdentityID:    identity.ID,
				Kind:          EventLoginFailed,
				Detail:        map[string]any{"reason": "no_password_set"},
				ClientIP:      clientIP,
				ClientAgent:   clientAgent,
				FailureReason: "no password set",
			})
			return nil, ErrMissingCredential
		}

		if err := VerifyPassword(identity.PasswordHash, password); err != nil {
			return nil, s.recordFailedPassword(ctx, identity, clientIP, clientAgent, now)
		}
	}
	// Federated identities bypass password verification at this layer; the
	// external provider is the credential authority.

	if err := s.store.Identities(ctx).ResetLockout(ctx, identity.ID, now); err != nil {
		return nil, infraErr(err)
	}
	identity.FailedLoginAttempts = 0
	identity.LockedUntil = nil
	identity.LastLogin = &now

	obs.RecordLogin("success")
	s.record(ctx, &AuditEvent{
		IdentityID:  identity.ID,
		Kind:        EventLoginSuccessful,
		Detail:      map[string]any{"identity_type": string(identity.Type)},
		ClientIP:    clientIP,
		ClientAgent: clientAgent,
		Success:     true,
	})
	return identity, nil
}

// recordFailedPassword advances the lockout counter and audits the outcome.
// The increment and any LOCKED transition commit as one durable write inside
// the store, so concurrent failures never lose counts.
func (s *Service) recordFailedPassword(ctx context.Context, identity *Identity, clientIP, clientAgent string, now time.Time) error {
	attempts, locked, err := s.store.Identities(ctx).RecordFailure(ctx, identity.ID, s.maxLoginAttempts, now.Add(s.lockoutDuration))
	if err != nil {
		return infraErr(err)
	}

	if locked {
		obs.RecordLogin("mismatch")
		obs.RecordLockout()
		s.record(ctx, &AuditEvent{
			IdentityID:    identity.ID,
			Kind:          EventAccountLocked,
			Detail:        map[string]any{"failed_attempts": attempts},
			ClientIP:      clientIP,
			ClientAgent:   clientAgent,
			FailureReason: "too many failed attempts",
		})
		return ErrCredentialMismatch
	}

	obs.RecordLogin("mismatch")
	s.record(ctx, &AuditEvent{
		IdentityID:    identity.ID,
		Kind:          EventLoginFailed,
		Detail:        map[string]any{"reason": "invalid_password", "failed_attempts": attempts},
		ClientIP:      clientIP,
		ClientAgent:   clientAgent,
		FailureReason: "invalid password",
	})
	return ErrCredentialMismatch
}

// CreateSession mints a token pair for an authenticated identity and writes
// the ledger row before returning.
func (s *Service) CreateSession(ctx context.Context, identity *Identity, clientIP, clientAgent string) (*TokenPair, error) {
	display := DisplayClaims{
		Username:     identity.Username,
		Email:        identity.Email,
		IdentityType: string(identity.Type),
	}

	accessToken, accessJTI, accessExp, err := s.tokens.IssueAccess(identity.ID, s.accessTTL, display)
	if err != nil {
		return nil, err
	}
	refreshToken, refreshJTI, refreshExp, err := s.tokens.IssueRefresh(identity.ID, s.refreshTTL)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	session := &Session{
		ID:               ids.New(),
		IdentityID:       identity.ID,
		AccessJTI:        accessJTI,
		RefreshJTI:       refreshJTI,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: &refreshExp,
		ClientIP:         clientIP,
		ClientAgent:      clientAgent,
		CreatedAt:        now,
	}
	if err := s.store.Sessions(ctx).Create(ctx, session); err != nil {
		return nil, infraErr(err)
	}

	s.record(ctx, &AuditEvent{
		IdentityID:  identity.ID,
		Kind:        EventSessionCreated,
		Detail:      map[string]any{"session_id": session.ID},
		ClientIP:    clientIP,
		ClientAgent: clientAgent,
		Success:     true,
	})

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        "bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		AccessJTI:        accessJTI,
		RefreshJTI:       refreshJTI,
		SessionID:        session.ID,
	}, nil
}

// Refresh exchanges a refresh token for a new pair. The access identifier is
// always replaced; the refresh identifier only rotates when rotation is
// enabled, otherwise the presented token stays usable until its own expiry.
// Refresh is refused once the session exceeds its absolute lifetime.
func (s *Service) Refresh(ctx context.Context, refreshToken, clientIP, clientAgent string) (*TokenPair, error) {
	claims, err := s.tokens.Verify(refreshToken, TokenTypeRefresh)
	if err != nil {
		obs.RecordRefresh("invalid_token")
		return nil, err
	}

	session, err := s.store.Sessions(ctx).FindByJTI(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.RecordRefresh("unknown_session")
			return nil, ErrSessionNotFound
		}
		return nil, infraErr(err)
	}

	now := s.now().UTC()
	switch {
	case session.Revoked:
		obs.RecordRefresh("revoked")
		return nil, ErrSessionRevoked
	case session.RefreshJTI != claims.ID:
		// A refresh-typed token whose jti matches the access column is not
		// something we ever issued together.
		obs.RecordRefresh("invalid_token")
		return nil, ErrTokenInvalid
	case session.RefreshExpiresAt == nil || !session.RefreshExpiresAt.After(now):
		obs.RecordRefresh("expired")
		return nil, ErrTokenExpired
	case now.After(session.CreatedAt.Add(s.absoluteTTL)):
		obs.RecordRefresh("lifetime_exceeded")
		s.record(ctx, &AuditEvent{
			IdentityID:    session.IdentityID,
			Kind:          EventTokenRefreshed,
			Detail:        map[string]any{"session_id": session.ID, "reason": "session_lifetime_exceeded"},
			ClientIP:      clientIP,
			ClientAgent:   clientAgent,
			FailureReason: "session lifetime exceeded",
		})
		return nil, ErrTokenExpired
	}

	identity, err := s.store.Identities(ctx).Find(ctx, session.IdentityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.RecordRefresh("unknown_identity")
			return nil, ErrSessionNotFound
		}
		return nil, infraErr(err)
	}
	if !identity.Active {
		obs.RecordRefresh("inactive")
		return nil, ErrInactiveAccount
	}

	// Keep the refresh expiry as the ceiling for the new access window so the
	// ledger never holds a refresh expiry preceding the access expiry.
	accessTTL := s.accessTTL
	if !s.refreshRotation && session.RefreshExpiresAt.Before(now.Add(accessTTL)) {
		accessTTL = session.RefreshExpiresAt.Sub(now)
	}

	display := DisplayClaims{
		Username:     identity.Username,
		Email:        identity.Email,
		IdentityType: string(identity.Type),
	}
	accessToken, accessJTI, accessExp, err := s.tokens.IssueAccess(identity.ID, accessTTL, display)
	if err != nil {
		return nil, err
	}

	pair := &TokenPair{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		TokenType:       "bearer",
		AccessExpiresAt: accessExp,
		AccessJTI:       accessJTI,
		RefreshJTI:      session.RefreshJTI,
		SessionID:       session.ID,
	}

	session.AccessJTI = accessJTI
	session.AccessExpiresAt = accessExp

	if s.refreshRotation {
		newRefresh, refreshJTI, refreshExp, err := s.tokens.IssueRefresh(identity.ID, s.refreshTTL)
		if err != nil {
			return nil, err
		}
		session.RefreshJTI = refreshJTI
		session.RefreshExpiresAt = &refreshExp
		pair.RefreshToken = newRefresh
		pair.RefreshJTI = refreshJTI
		pair.RefreshExpiresAt = refreshExp
	} else {
		pair.RefreshExpiresAt = *session.RefreshExpiresAt
	}

	if err := s.store.Sessions(ctx).Rotate(ctx, session); err != nil {
		if errors.Is(err, ErrNotFound) {
			// The session was revoked between the lookup and the rotation.
			obs.RecordRefresh("revoked")
			return nil, ErrSessionRevoked
		}
		return nil, infraErr(err)
	}

	obs.RecordRefresh("success")
	s.record(ctx, &AuditEvent{
		IdentityID:  identity.ID,
		Kind:        EventTokenRefreshed,
		Detail:      map[string]any{"session_id": session.ID, "rotated": s.refreshRotation},
		ClientIP:    clientIP,
		ClientAgent: clientAgent,
		Success:     true,
	})
	return pair, nil
}

// RevokeSession revokes the session holding the presented token (access or
// refresh). Idempotent: revoking an already revoked session returns false.
func (s *Service) RevokeSession(ctx context.Context, identity *Identity, token, reason, clientIP, clientAgent string) (bool, error) {
	jti := s.tokens.PeekJTI(token)
	if jti == "" {
		return false, ErrTokenInvalid
	}

	session, err := s.store.Sessions(ctx).FindByJTI(ctx, jti)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, ErrSessionNotFound
		}
		return false, infraErr(err)
	}
	if session.IdentityID != identity.ID {
		// Do not confirm that a foreign token maps to a live session.
		return false, ErrSessionNotFound
	}

	revoked, err := s.store.Sessions(ctx).Revoke(ctx, session.ID, reason, s.now().UTC())
	if err != nil {
		return false, infraErr(err)
	}
	if !revoked {
		return false, nil
	}

	obs.RecordSessionsRevoked(1)
	s.record(ctx, &AuditEvent{
		IdentityID:  identity.ID,
		Kind:        EventSessionRevoked,
		Detail:      map[string]any{"session_id": session.ID, "reason": reason},
		ClientIP:    clientIP,
		ClientAgent: clientAgent,
		Success:     true,
	})
	return true, nil
}

// RevokeAllSessions bulk-revokes every active session for an identity except
// an optionally excluded one, in a single atomic write.
func (s *Service) RevokeAllSessions(ctx context.Context, identity *Identity, reason, excludeSessionID string) (int, error) {
	count, err := s.store.Sessions(ctx).RevokeAll(ctx, identity.ID, reason, s.now().UTC(), excludeSessionID)
	if err != nil {
		return 0, infraErr(err)
	}
	if count > 0 {
		obs.RecordSessionsRevoked(count)
		s.record(ctx, &AuditEvent{
			IdentityID: identity.ID,
			Kind:       EventAllSessionsRevoked,
			Detail:     map[string]any{"revoked_count": count, "reason": reason},
			Success:    true,
		})
	}
	return count, nil
}

// ChangePassword verifies the current credential, applies the strength
// policy to the replacement and revokes every active session on success.
func (s *Service) ChangePassword(ctx context.Context, identity *Identity, currentPassword, newPassword, clientIP, clientAgent string) error {
	if identity.Type.Federated() {
		s.record(ctx, &AuditEvent{
			IdentityID:    identity.ID,
			Kind:          EventPasswordChangeFailed,
			Detail:        map[string]any{"reason": "federated_identity"},
			ClientIP:      clientIP,
			ClientAgent:   clientAgent,
			FailureReason: "credential managed by external provider",
		})
		return fmt.Errorf("%w: credential managed by external provider", ErrInvalidInput)
	}

	if err := VerifyPassword(identity.PasswordHash, currentPassword); err != nil {
		s.record(ctx, &AuditEvent{
			IdentityID:    identity.ID,
			Kind:          EventPasswordChangeFailed,
			Detail:        map[string]any{"reason": "invalid_current_password"},
			ClientIP:      clientIP,
			ClientAgent:   clientAgent,
			FailureReason: "invalid current password",
		})
		return ErrCredentialMismatch
	}

	if violations := s.policy.Validate(newPassword); len(violations) > 0 {
		s.record(ctx, &AuditEvent{
			IdentityID:    identity.ID,
			Kind:          EventPasswordChangeFailed,
			Detail:        map[string]any{"reason": "weak_password", "violations": violations},
			ClientIP:      clientIP,
			ClientAgent:   clientAgent,
			FailureReason: "password violates policy",
		})
		return fmt.Errorf("%w: %s", ErrWeakPassword, strings.Join(violations, "; "))
	}

	hash, err := s.policy.Hash(newPassword)
	if err != nil {
		return infraErr(err)
	}

	now := s.now().UTC()
	if err := s.store.Identities(ctx).UpdateCredential(ctx, identity.ID, hash, now, s.policy.ExpiryFrom(now)); err != nil {
		return infraErr(err)
	}
	identity.PasswordHash = hash

	s.record(ctx, &AuditEvent{
		IdentityID:  identity.ID,
		Kind:        EventPasswordChanged,
		ClientIP:    clientIP,
		ClientAgent: clientAgent,
		Success:     true,
	})

	// Security measure: every other session dies with the old credential.
	if _, err := s.RevokeAllSessions(ctx, identity, "password_changed", ""); err != nil {
		return err
	}
	return nil
}

// EffectivePermissions merges grants from directly assigned roles and roles
// reachable through group membership. Strictly additive.
func (s *Service) EffectivePermissions(ctx context.Context, identityID string) (PermissionMap, error) {
	direct, err := s.store.Roles(ctx).DirectRoles(ctx, identityID)
	if err != nil {
		return nil, infraErr(err)
	}
	viaGroups, err := s.store.Roles(ctx).GroupRoles(ctx, identityID)
	if err != nil {
		return nil, infraErr(err)
	}
	merged := MergeRolePermissions(direct)
	merged.Merge(MergeRolePermissions(viaGroups))
	return merged, nil
}

// RequirePermission fails closed with ErrPermissionDenied unless the merged
// permission map grants action on resource.
func (s *Service) RequirePermission(ctx context.Context, identityID, resource, action string) error {
	perms, err := s.EffectivePermissions(ctx, identityID)
	if err != nil {
		return err
	}
	if !perms.Allows(resource, action) {
		return ErrPermissionDenied
	}
	return nil
}

// RequireRole succeeds when the named role is reachable directly or via any
// group membership.
func (s *Service) RequireRole(ctx context.Context, identityID, roleName string) error {
	names, err := s.roleNames(ctx, identityID)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == roleName {
			return nil
		}
	}
	return ErrRoleRequired
}

func (s *Service) roleNames(ctx context.Context, identityID string) ([]string, error) {
	direct, err := s.store.Roles(ctx).DirectRoles(ctx, identityID)
	if err != nil {
		return nil, infraErr(err)
	}
	viaGroups, err := s.store.Roles(ctx).GroupRoles(ctx, identityID)
	if err != nil {
		return nil, infraErr(err)
	}
	seen := make(map[string]struct{})
	var names []string
	for _, role := range append(direct, viaGroups...) {
		if _, ok := seen[role.Name]; ok {
			continue
		}
		seen[role.Name] = struct{}{}
		names = append(names, role.Name)
	}
	sort.Strings(names)
	return names, nil
}

// AuthenticateToken validates a bearer access token against signature, expiry
// and the revocation ledger, then resolves the principal. Cryptographically
// valid tokens belonging to revoked sessions are rejected here.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (Principal, error) {
	claims, err := s.tokens.Verify(token, TokenTypeAccess)
	if err != nil {
		return Principal{}, err
	}

	active, err := s.store.Sessions(ctx).IsActive(ctx, claims.ID)
	if err != nil {
		return Principal{}, infraErr(err)
	}
	if !active {
		return Principal{}, ErrTokenInvalid
	}

	identity, err := s.store.Identities(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrTokenInvalid
		}
		return Principal{}, infraErr(err)
	}
	if !identity.Active {
		return Principal{}, ErrInactiveAccount
	}

	session, err := s.store.Sessions(ctx).FindByJTI(ctx, claims.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Principal{}, infraErr(err)
	}

	names, err := s.roleNames(ctx, identity.ID)
	if err != nil {
		return Principal{}, err
	}
	perms, err := s.EffectivePermissions(ctx, identity.ID)
	if err != nil {
		return Principal{}, err
	}

	return Principal{
		Identity:    identity,
		Session:     session,
		RoleNames:   names,
		Permissions: perms,
	}, nil
}

// CreateIdentityInput is the administrative request to provision an identity.
type CreateIdentityInput struct {
	Username string
	Email    string
	Type     IdentityType

	// Password is required for local identities and forbidden for federated
	// ones.
	Password string

	FirstName   string
	LastName    string
	DisplayName string
	Department  string
	Title       string
	Phone       string

	ExternalID   string
	ProviderName string

	ActorID string
}

// CreateIdentity provisions a new identity. Local identities must carry a
// policy-conforming password; federated identities must not carry one.
func (s *Service) CreateIdentity(ctx context.Context, input CreateIdentityInput) (*Identity, error) {
	username := strings.TrimSpace(input.Username)
	email := strings.TrimSpace(strings.ToLower(input.Email))
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}

	identityType := input.Type
	if identityType == "" {
		identityType = IdentityTypeLocal
	}
	switch identityType {
	case IdentityTypeLocal, IdentityTypeSSO, IdentityTypeSCIM:
	default:
		return nil, fmt.Errorf("%w: unsupported identity type %s", ErrInvalidInput, identityType)
	}

	now := s.now().UTC()
	identity := &Identity{
		ID:           ids.New(),
		Username:     username,
		Email:        email,
		Type:         identityType,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		DisplayName:  input.DisplayName,
		Department:   input.Department,
		Title:        input.Title,
		Phone:        input.Phone,
		ExternalID:   input.ExternalID,
		ProviderName: input.ProviderName,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
		CreatedBy:    input.ActorID,
		UpdatedBy:    input.ActorID,
	}

	if identityType == IdentityTypeLocal {
		if input.Password == "" {
			return nil, fmt.Errorf("%w: password is required for local identities", ErrInvalidInput)
		}
		if violations := s.policy.Validate(input.Password); len(violations) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrWeakPassword, strings.Join(violations, "; "))
		}
		hash, err := s.policy.Hash(input.Password)
		if err != nil {
			return nil, infraErr(err)
		}
		identity.PasswordHash = hash
		identity.PasswordChangedAt = &now
		expiry := s.policy.ExpiryFrom(now)
		identity.PasswordExpiresAt = &expiry
	} else if input.Password != "" {
		return nil, fmt.Errorf("%w: federated identities must not carry a password", ErrInvalidInput)
	}

	if err := s.store.Identities(ctx).Create(ctx, identity); err != nil {
		return nil, infraErr(err)
	}

	s.record(ctx, &AuditEvent{
		IdentityID: input.ActorID,
		Kind:       EventIdentityCreated,
		Detail:     map[string]any{"created_identity_id": identity.ID, "username": identity.Username},
		Success:    true,
	})
	return identity, nil
}

// ProfileUpdate holds the mutable, non-security profile fields. Nil pointers
// leave a field untouched.
type ProfileUpdate struct {
	Email       *string
	FirstName   *string
	LastName    *string
	DisplayName *string
	Department  *string
	Title       *string
	Phone       *string
}

// UpdateProfile applies a profile update to an identity.
func (s *Service) UpdateProfile(ctx context.Context, identityID string, upd ProfileUpdate, actorID string) (*Identity, error) {
	identity, err := s.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, infraErr(err)
	}

	var fields []string
	if upd.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*upd.Email))
		if email == "" || !strings.Contains(email, "@") {
			return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
		}
		identity.Email = email
		fields = append(fields, "email")
	}
	apply := func(dst *string, src *string, name string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
			fields = append(fields, name)
		}
	}
	apply(&identity.FirstName, upd.FirstName, "first_name")
	apply(&identity.LastName, upd.LastName, "last_name")
	apply(&identity.DisplayName, upd.DisplayName, "display_name")
	apply(&identity.Department, upd.Department, "department")
	apply(&identity.Title, upd.Title, "title")
	apply(&identity.Phone, upd.Phone, "phone")

	if len(fields) == 0 {
		return identity, nil
	}

	identity.UpdatedAt = s.now().UTC()
	identity.UpdatedBy = actorID
	if err := s.store.Identities(ctx).UpdateProfile(ctx, identity); err != nil {
		return nil, infraErr(err)
	}

	s.record(ctx, &AuditEvent{
		IdentityID: actorID,
		Kind:       EventIdentityUpdated,
		Detail:     map[string]any{"updated_identity_id": identity.ID, "fields": fields},
		Success:    true,
	})
	return identity, nil
}

// DeactivateIdentity soft-deletes an identity: active goes false, every
// session is revoked, the row stays. Self-deactivation is refused.
func (s *Service) DeactivateIdentity(ctx context.Context, identityID, actorID string) (int, error) {
	if identityID == actorID {
		return 0, fmt.Errorf("%w: cannot deactivate own account", ErrInvalidInput)
	}
	identity, err := s.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, infraErr(err)
	}

	now := s.now().UTC()
	if err := s.store.Identities(ctx).SetActive(ctx, identity.ID, false, actorID, now); err != nil {
		return 0, infraErr(err)
	}
	identity.Active = false

	revoked, err := s.RevokeAllSessions(ctx, identity, "admin_deactivated", "")
	if err != nil {
		return 0, err
	}

	s.record(ctx, &AuditEvent{
		IdentityID: actorID,
		Kind:       EventIdentityDeactivated,
		Detail:     map[string]any{"deactivated_identity_id": identity.ID, "sessions_revoked": revoked},
		Success:    true,
	})
	return revoked, nil
}

// ListIdentities returns a page of identities for administrative listing.
func (s *Service) ListIdentities(ctx context.Context, offset, limit int) ([]*Identity, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	list, err := s.store.Identities(ctx).List(ctx, offset, limit)
	if err != nil {
		return nil, infraErr(err)
	}
	return list, nil
}

// FindIdentity loads one identity by id.
func (s *Service) FindIdentity(ctx context.Context, id string) (*Identity, error) {
	identity, err := s.store.Identities(ctx).Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, infraErr(err)
	}
	return identity, nil
}
