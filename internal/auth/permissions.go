package auth

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ActionSet is a set of allowed actions on one resource.
type ActionSet map[string]struct{}

// NewActionSet builds a set from the given actions.
func NewActionSet(actions ...string) ActionSet {
	set := make(ActionSet, len(actions))
	for _, a := range actions {
		if a == "" {
			continue
		}
		set[a] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s ActionSet) Has(action string) bool {
	_, ok := s[action]
	return ok
}

// List returns the actions in sorted order.
func (s ActionSet) List() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// PermissionMap maps a resource name to its allowed actions. Grants are
// strictly additive; there is no deny or precedence concept.
type PermissionMap map[string]ActionSet

// Allows fails closed: unknown resources and unknown actions are both denied.
func (m PermissionMap) Allows(resource, action string) bool {
	set, ok := m[resource]
	if !ok {
		return false
	}
	return set.Has(action)
}

// Merge folds other into m, unioning action sets per resource.
func (m PermissionMap) Merge(other PermissionMap) {
	for resource, actions := range other {
		set, ok := m[resource]
		if !ok {
			set = make(ActionSet, len(actions))
			m[resource] = set
		}
		for a := range actions {
			set[a] = struct{}{}
		}
	}
}

// MergeRolePermissions unions the permission maps of every contributing role.
func MergeRolePermissions(roles []*Role) PermissionMap {
	merged := make(PermissionMap)
	for _, role := range roles {
		if role == nil {
			continue
		}
		merged.Merge(role.Permissions)
	}
	return merged
}

// MarshalJSON stores actions as sorted lists so role rows diff cleanly.
func (m PermissionMap) MarshalJSON() ([]byte, error) {
	out := make(map[string][]string, len(m))
	for resource, actions := range m {
		out[resource] = actions.List()
	}
	return json.Marshal(out)
}

// UnmarshalJSON normalizes stored entries at the decode boundary: a value may
// be a single action string or a list of actions, both become a set.
func (m *PermissionMap) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(PermissionMap, len(raw))
	for resource, value := range raw {
		set := make(ActionSet)
		switch v := value.(type) {
		case string:
			set[v] = struct{}{}
		case []any:
			for _, item := range v {
				action, ok := item.(string)
				if !ok {
					return fmt.Errorf("%w: permission entry for %q must hold strings", ErrInvalidInput, resource)
				}
				set[action] = struct{}{}
			}
		default:
			return fmt.Errorf("%w: permission entry for %q must be a string or list", ErrInvalidInput, resource)
		}
		out[resource] = set
	}
	*m = out
	return nil
}

// DecodePermissions parses a stored permissions column. A missing column
// yields an empty map rather than an error.
func DecodePermissions(raw []byte) (PermissionMap, error) {
	if len(raw) == 0 {
		return PermissionMap{}, nil
	}
	var m PermissionMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = PermissionMap{}
	}
	return m, nil
}
