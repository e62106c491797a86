package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"santaserver.org/internal/ids"
)

// InMemoryStore is a mutex-serialized Store for tests and for running the
// server without a database. Every accessor returns copies, so callers never
// share mutable state with the store.
type InMemoryStore struct {
	mu sync.Mutex

	identities map[string]*Identity
	byUsername map[string]string
	byEmail    map[string]string

	sessions map[string]*Session
	byJTI    map[string]string

	roles      map[string]*Role
	roleByName map[string]string
	groups     map[string]*Group

	assignments []RoleAssignment
	memberships []GroupMembership
	bindings    []GroupRoleBinding

	events []*AuditEvent
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		identities: make(map[string]*Identity),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		sessions:   make(map[string]*Session),
		byJTI:      make(map[string]string),
		roles:      make(map[string]*Role),
		roleByName: make(map[string]string),
		groups:     make(map[string]*Group),
	}
}

func (m *InMemoryStore) Identities(context.Context) IdentityStore { return memIdentities{m} }
func (m *InMemoryStore) Sessions(context.Context) SessionStore    { return memSessions{m} }
func (m *InMemoryStore) Roles(context.Context) RoleStore          { return memRoles{m} }
func (m *InMemoryStore) Audit(context.Context) AuditStore         { return memAudit{m} }

// Events returns a snapshot of the recorded audit trail, oldest first.
func (m *InMemoryStore) Events() []*AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AuditEvent, len(m.events))
	for i, ev := range m.events {
		cp := *ev
		out[i] = &cp
	}
	return out
}

func cloneIdentity(in *Identity) *Identity {
	cp := *in
	return &cp
}

func cloneSession(in *Session) *Session {
	cp := *in
	return &cp
}

type memIdentities struct{ m *InMemoryStore }

func (s memIdentities) Create(_ context.Context, identity *Identity) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := strings.ToLower(identity.Username)
	if _, ok := s.m.byUsername[key]; ok {
		return fmt.Errorf("%w: username %s", ErrConflict, identity.Username)
	}
	if _, ok := s.m.byEmail[strings.ToLower(identity.Email)]; ok {
		return fmt.Errorf("%w: email %s", ErrConflict, identity.Email)
	}
	s.m.identities[identity.ID] = cloneIdentity(identity)
	s.m.byUsername[key] = identity.ID
	s.m.byEmail[strings.ToLower(identity.Email)] = identity.ID
	return nil
}

func (s memIdentities) Find(_ context.Context, id string) (*Identity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	identity, ok := s.m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIdentity(identity), nil
}

func (s memIdentities) FindByLogin(_ context.Context, usernameOrEmail string) (*Identity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := strings.ToLower(usernameOrEmail)
	id, ok := s.m.byUsername[key]
	if !ok {
		id, ok = s.m.byEmail[key]
	}
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIdentity(s.m.identities[id]), nil
}

func (s memIdentities) List(_ context.Context, offset, limit int) ([]*Identity, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	all := make([]*Identity, 0, len(s.m.identities))
	for _, identity := range s.m.identities {
		all = append(all, identity)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Username < all[j].Username })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]*Identity, 0, end-offset)
	for _, identity := range all[offset:end] {
		out = append(out, cloneIdentity(identity))
	}
	return out, nil
}

func (s memIdentities) UpdateProfile(_ context.Context, identity *Identity) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	current, ok := s.m.identities[identity.ID]
	if !ok {
		return ErrNotFound
	}
	if !strings.EqualFold(current.Email, identity.Email) {
		key := strings.ToLower(identity.Email)
		if other, used := s.m.byEmail[key]; used && other != identity.ID {
			return fmt.Errorf("%w: email %s", ErrConflict, identity.Email)
		}
		delete(s.m.byEmail, strings.ToLower(current.Email))
		s.m.byEmail[key] = identity.ID
	}
	s.m.identities[identity.ID] = cloneIdentity(identity)
	return nil
}

func (s memIdentities) RecordFailure(_ context.Context, id string, maxAttempts int, lockUntil time.Time) (int, bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	identity, ok := s.m.identities[id]
	if !ok {
		return 0, false, ErrNotFound
	}
	identity.FailedLoginAttempts++
	attempts := identity.FailedLoginAttempts
	if attempts >= maxAttempts {
		until := lockUntil
		identity.LockedUntil = &until
	}
	return attempts, attempts >= maxAttempts, nil
}

func (s memIdentities) ResetLockout(_ context.Context, id string, lastLogin time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	identity, ok := s.m.identities[id]
	if !ok {
		return ErrNotFound
	}
	identity.FailedLoginAttempts = 0
	identity.LockedUntil = nil
	login := lastLogin
	identity.LastLogin = &login
	return nil
}

func (s memIdentities) UpdateCredential(_ context.Context, id, hash string, changedAt, expiresAt time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	identity, ok := s.m.identities[id]
	if !ok {
		return ErrNotFound
	}
	identity.PasswordHash = hash
	changed, expires := changedAt, expiresAt
	identity.PasswordChangedAt = &changed
	identity.PasswordExpiresAt = &expires
	identity.UpdatedAt = changedAt
	return nil
}

func (s memIdentities) SetActive(_ context.Context, id string, active bool, updatedBy string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	identity, ok := s.m.identities[id]
	if !ok {
		return ErrNotFound
	}
	identity.Active = active
	identity.UpdatedBy = updatedBy
	identity.UpdatedAt = at
	return nil
}

type memSessions struct{ m *InMemoryStore }

func (s memSessions) Create(_ context.Context, session *Session) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.sessions[session.ID] = cloneSession(session)
	s.m.indexJTIs(session)
	return nil
}

// indexJTIs maps a session's token identifiers, skipping empty ones so a
// missing refresh jti never aliases the empty-string key. Callers hold the
// store lock.
func (m *InMemoryStore) indexJTIs(session *Session) {
	if session.AccessJTI != "" {
		m.byJTI[session.AccessJTI] = session.ID
	}
	if session.RefreshJTI != "" {
		m.byJTI[session.RefreshJTI] = session.ID
	}
}

func (s memSessions) FindByJTI(_ context.Context, jti string) (*Session, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	id, ok := s.m.byJTI[jti]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s.m.sessions[id]), nil
}

func (s memSessions) IsActive(_ context.Context, jti string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	id, ok := s.m.byJTI[jti]
	if !ok {
		return false, nil
	}
	return !s.m.sessions[id].Revoked, nil
}

func (s memSessions) Rotate(_ context.Context, session *Session) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	current, ok := s.m.sessions[session.ID]
	if !ok || current.Revoked {
		// Rotation only applies to live sessions; rotating a revoked one
		// would resurrect it.
		return ErrNotFound
	}
	delete(s.m.byJTI, current.AccessJTI)
	delete(s.m.byJTI, current.RefreshJTI)
	s.m.sessions[session.ID] = cloneSession(session)
	s.m.indexJTIs(session)
	return nil
}

func (s memSessions) Revoke(_ context.Context, sessionID, reason string, at time.Time) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	session, ok := s.m.sessions[sessionID]
	if !ok {
		return false, ErrNotFound
	}
	if session.Revoked {
		return false, nil
	}
	session.Revoked = true
	revokedAt := at
	session.RevokedAt = &revokedAt
	session.RevokedReason = reason
	return true, nil
}

func (s memSessions) RevokeAll(_ context.Context, identityID, reason string, at time.Time, excludeID string) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	count := 0
	for _, session := range s.m.sessions {
		if session.IdentityID != identityID || session.Revoked || session.ID == excludeID {
			continue
		}
		session.Revoked = true
		revokedAt := at
		session.RevokedAt = &revokedAt
		session.RevokedReason = reason
		count++
	}
	return count, nil
}

type memRoles struct{ m *InMemoryStore }

func (s memRoles) Create(_ context.Context, role *Role) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.roleByName[role.Name]; ok {
		return fmt.Errorf("%w: role %s", ErrConflict, role.Name)
	}
	cp := *role
	s.m.roles[role.ID] = &cp
	s.m.roleByName[role.Name] = role.ID
	return nil
}

func (s memRoles) Find(_ context.Context, id string) (*Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	role, ok := s.m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *role
	return &cp, nil
}

func (s memRoles) FindByName(_ context.Context, name string) (*Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	id, ok := s.m.roleByName[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.m.roles[id]
	return &cp, nil
}

func (s memRoles) DirectRoles(_ context.Context, identityID string) ([]*Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*Role
	for _, a := range s.m.assignments {
		if a.IdentityID != identityID {
			continue
		}
		if role, ok := s.m.roles[a.RoleID]; ok {
			cp := *role
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s memRoles) GroupRoles(_ context.Context, identityID string) ([]*Role, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	groups := make(map[string]struct{})
	for _, m := range s.m.memberships {
		if m.IdentityID == identityID {
			groups[m.GroupID] = struct{}{}
		}
	}
	seen := make(map[string]struct{})
	var out []*Role
	for _, b := range s.m.bindings {
		if _, ok := groups[b.GroupID]; !ok {
			continue
		}
		if _, dup := seen[b.RoleID]; dup {
			continue
		}
		seen[b.RoleID] = struct{}{}
		if role, ok := s.m.roles[b.RoleID]; ok {
			cp := *role
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s memRoles) Assign(_ context.Context, assignment RoleAssignment) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, a := range s.m.assignments {
		if a.IdentityID == assignment.IdentityID && a.RoleID == assignment.RoleID {
			return fmt.Errorf("%w: role already assigned", ErrConflict)
		}
	}
	s.m.assignments = append(s.m.assignments, assignment)
	return nil
}

func (s memRoles) CreateGroup(_ context.Context, group *Group) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, g := range s.m.groups {
		if g.Name == group.Name {
			return fmt.Errorf("%w: group %s", ErrConflict, group.Name)
		}
	}
	cp := *group
	s.m.groups[group.ID] = &cp
	return nil
}

func (s memRoles) AddMember(_ context.Context, membership GroupMembership) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, m := range s.m.memberships {
		if m.IdentityID == membership.IdentityID && m.GroupID == membership.GroupID {
			return fmt.Errorf("%w: already a member", ErrConflict)
		}
	}
	s.m.memberships = append(s.m.memberships, membership)
	return nil
}

func (s memRoles) BindGroupRole(_ context.Context, binding GroupRoleBinding) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, b := range s.m.bindings {
		if b.GroupID == binding.GroupID && b.RoleID == binding.RoleID {
			return fmt.Errorf("%w: role already bound", ErrConflict)
		}
	}
	s.m.bindings = append(s.m.bindings, binding)
	return nil
}

type memAudit struct{ m *InMemoryStore }

func (s memAudit) Append(_ context.Context, event *AuditEvent) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := *event
	if cp.ID == "" {
		cp.ID = ids.New()
	}
	s.m.events = append(s.m.events, &cp)
	return nil
}
