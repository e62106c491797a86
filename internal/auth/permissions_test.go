package auth

import (
	"encoding/json"
	"testing"
)

func TestPermissionMapAllowsFailsClosed(t *testing.T) {
	perms := PermissionMap{
		"users": NewActionSet("read", "create"),
	}
	if !perms.Allows("users", "read") {
		t.Fatal("expected users:read to be allowed")
	}
	if perms.Allows("users", "delete") {
		t.Fatal("unknown action must be denied")
	}
	if perms.Allows("roles", "read") {
		t.Fatal("unknown resource must be denied")
	}
	if (PermissionMap{}).Allows("users", "read") {
		t.Fatal("empty map must deny everything")
	}
}

func TestPermissionMapMergeIsAdditive(t *testing.T) {
	a := PermissionMap{"users": NewActionSet("read")}
	b := PermissionMap{
		"users": NewActionSet("create"),
		"roles": NewActionSet("read"),
	}
	a.Merge(b)

	for _, check := range []struct{ resource, action string }{
		{"users", "read"},
		{"users", "create"},
		{"roles", "read"},
	} {
		if !a.Allows(check.resource, check.action) {
			t.Fatalf("expected %s:%s after merge", check.resource, check.action)
		}
	}
}

func TestMergeRolePermissions(t *testing.T) {
	roles := []*Role{
		{Name: "viewer", Permissions: PermissionMap{"users": NewActionSet("read")}},
		nil,
		{Name: "editor", Permissions: PermissionMap{"users": NewActionSet("update")}},
	}
	merged := MergeRolePermissions(roles)
	if !merged.Allows("users", "read") || !merged.Allows("users", "update") {
		t.Fatalf("merged map missing grants: %v", merged)
	}
	if merged.Allows("users", "delete") {
		t.Fatal("merge must not invent grants")
	}
}

func TestPermissionMapUnmarshalNormalizes(t *testing.T) {
	// Stored rows may hold a bare string or a list per resource.
	raw := []byte(`{"users": "read", "roles": ["read", "create"]}`)
	perms, err := DecodePermissions(raw)
	if err != nil {
		t.Fatalf("DecodePermissions: %v", err)
	}
	if !perms.Allows("users", "read") {
		t.Fatal("string entry should decode to a one-action set")
	}
	if !perms.Allows("roles", "read") || !perms.Allows("roles", "create") {
		t.Fatal("list entry should decode to a set")
	}

	if _, err := DecodePermissions([]byte(`{"users": 42}`)); err == nil {
		t.Fatal("numeric entry should fail to decode")
	}
}

func TestPermissionMapMarshalSorted(t *testing.T) {
	perms := PermissionMap{"users": NewActionSet("update", "create", "read")}
	data, err := json.Marshal(perms)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"users":["create","read","update"]}`
	if string(data) != want {
		t.Fatalf("Marshal = %s, want %s", data, want)
	}
}

func TestDecodePermissionsEmpty(t *testing.T) {
	perms, err := DecodePermissions(nil)
	if err != nil {
		t.Fatalf("DecodePermissions(nil): %v", err)
	}
	if len(perms) != 0 {
		t.Fatalf("expected empty map, got %v", perms)
	}
}
