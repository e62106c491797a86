package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"santaserver.org/internal/audit"
	"santaserver.org/internal/auth"
)

const (
	adminPassword = "Adm1n!password"
	userPassword  = "Us3r!password"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	store *auth.InMemoryStore
	svc   *auth.Service
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	store := auth.NewInMemoryStore()
	tokens, err := auth.NewTokenManager("test-secret", "santaserver")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}

	policy := auth.DefaultPasswordPolicy()
	policy.BcryptCost = bcrypt.MinCost

	svc, err := auth.NewService(store, tokens,
		auth.WithPasswordPolicy(policy),
		auth.WithAuditRecorder(audit.NewRecorder(store)),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	api := New(svc, ReadyProbe{}, "test")
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		store:   store,
		svc:     svc,
	}
}

// seedAdmin creates an identity holding every users:* grant.
func (c *apiClient) seedAdmin(t *testing.T) *auth.Identity {
	t.Helper()
	ctx := context.Background()

	admin, err := c.svc.CreateIdentity(ctx, auth.CreateIdentityInput{
		Username: "admin",
		Email:    "admin@example.com",
		Password: adminPassword,
	})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}

	now := time.Now().UTC()
	role := &auth.Role{
		ID:          "role-admin",
		Name:        "admin",
		DisplayName: "Administrator",
		Permissions: auth.PermissionMap{
			"users": auth.NewActionSet("read", "create", "update", "delete"),
		},
		System:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.Roles(ctx).Create(ctx, role); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := c.store.Roles(ctx).Assign(ctx, auth.RoleAssignment{
		IdentityID: admin.ID,
		RoleID:     role.ID,
		AssignedAt: now,
	}); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	return admin
}

func (c *apiClient) seedUser(t *testing.T, username string) *auth.Identity {
	t.Helper()
	identity, err := c.svc.CreateIdentity(context.Background(), auth.CreateIdentityInput{
		Username: username,
		Email:    username + "@example.com",
		Password: userPassword,
	})
	if err != nil {
		t.Fatalf("create %s: %v", username, err)
	}
	return identity
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	c.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	return c.do(http.MethodGet, path, nil, headers)
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) login(t *testing.T, username, password string) loginResponse {
	t.Helper()
	resp := c.post("/v1/auth/login", loginRequest{Username: username, Password: password}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d", username, resp.StatusCode)
	}
	return decodeBody[loginResponse](t, resp)
}

func TestHealthz(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestLoginSuccess(t *testing.T) {
	c := newTestAPI(t)
	c.seedUser(t, "alice")

	out := c.login(t, "alice", userPassword)
	if out.AccessToken == "" || out.RefreshToken == "" || out.TokenType != "bearer" {
		t.Fatalf("malformed login response: %+v", out.TokenPair)
	}
	if out.Identity == nil || out.Identity.Username != "alice" {
		t.Fatalf("identity missing from login response")
	}
}

func TestLoginDoesNotRevealWhetherUserExists(t *testing.T) {
	c := newTestAPI(t)
	c.seedUser(t, "alice")

	wrongPass := c.post("/v1/auth/login", loginRequest{Username: "alice", Password: "wrong"}, nil)
	unknownUser := c.post("/v1/auth/login", loginRequest{Username: "ghost", Password: "wrong"}, nil)

	if wrongPass.StatusCode != http.StatusUnauthorized || unknownUser.StatusCode != http.StatusUnauthorized {
		t.Fatalf("statuses = %d/%d, want 401/401", wrongPass.StatusCode, unknownUser.StatusCode)
	}

	type errBody struct {
		Error string `json:"error"`
	}
	a := decodeBody[errBody](t, wrongPass)
	b := decodeBody[errBody](t, unknownUser)
	if a.Error != b.Error {
		t.Fatalf("error bodies differ (%q vs %q); responses must not reveal which user exists", a.Error, b.Error)
	}
}

func TestLockedAccountGets423(t *testing.T) {
	c := newTestAPI(t)
	c.seedUser(t, "alice")

	for i := 0; i < 5; i++ {
		c.post("/v1/auth/login", loginRequest{Username: "alice", Password: "wrong"}, nil)
	}
	resp := c.post("/v1/auth/login", loginRequest{Username: "alice", Password: userPassword}, nil)
	if resp.StatusCode != http.StatusLocked {
		t.Fatalf("locked login status = %d, want 423", resp.StatusCode)
	}
}

func TestVerifyAndLogout(t *testing.T) {
	c := newTestAPI(t)
	c.seedUser(t, "alice")
	out := c.login(t, "alice", userPassword)

	resp := c.get("/v1/auth/verify", bearerHeader(out.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d, want 200", resp.StatusCode)
	}
	verified := decodeBody[verifyResponse](t, resp)
	if verified.Identity.Username != "alice" {
		t.Fatalf("verify identity = %s, want alice", verified.Identity.Username)
	}

	resp = c.post("/v1/auth/logout", nil, bearerHeader(out.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", resp.StatusCode)
	}

	resp = c.get("/v1/auth/verify", bearerHeader(out.AccessToken))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("verify after logout = %d, want 401", resp.StatusCode)
	}
}

func TestVerifyWithoutToken(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/v1/auth/verify", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("verify without token = %d, want 401", resp.StatusCode)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	c := newTestAPI(t)
	c.seedUser(t, "alice")
	out := c.login(t, "alice", userPassword)

	resp := c.post("/v1/auth/refresh", refreshRequest{RefreshToken: out.RefreshToken}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200", resp.StatusCode)
	}
	next := decodeBody[auth.TokenPair](t, resp)
	if next.AccessToken == "" || next.RefreshToken == out.RefreshToken {
		t.Fatalf("refresh should rotate the pair")
	}

	// The superseded refresh token is dead.
	resp = c.post("/v1/auth/refresh", refreshRequest{RefreshToken: out.RefreshToken}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed refresh status = %d, want 401", resp.StatusCode)
	}
}

func TestLogoutAll(t *testing.T) {
	c := newTestAPI(t)
	c.seedUser(t, "alice")

	first := c.login(t, "alice", userPassword)
	second := c.login(t, "alice", userPassword)

	resp := c.post("/v1/auth/logout-all", logoutAllRequest{KeepCurrent: true}, bearerHeader(second.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout-all status = %d, want 200", resp.StatusCode)
	}
	out := decodeBody[map[string]any](t, resp)
	if count, _ := out["revoked_count"].(float64); count != 1 {
		t.Fatalf("revoked_count = %v, want 1", out["revoked_count"])
	}

	if resp := c.get("/v1/auth/verify", bearerHeader(first.AccessToken)); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("first session should be revoked, got %d", resp.StatusCode)
	}
	if resp := c.get("/v1/auth/verify", bearerHeader(second.AccessToken)); resp.StatusCode != http.StatusOK {
		t.Fatalf("current session should survive, got %d", resp.StatusCode)
	}
}

func TestChangePasswordEndpoint(t *testing.T) {
	c := newTestAPI(t)
	c.seedUser(t, "alice")
	out := c.login(t, "alice", userPassword)

	const newPassword = "N3w!password-ok"
	resp := c.post("/v1/auth/change-password", changePasswordRequest{
		CurrentPassword: userPassword,
		NewPassword:     newPassword,
	}, bearerHeader(out.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("change-password status = %d, want 200", resp.StatusCode)
	}

	// Every session died with the old credential.
	if resp := c.get("/v1/auth/verify", bearerHeader(out.AccessToken)); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old session after change = %d, want 401", resp.StatusCode)
	}
	c.login(t, "alice", newPassword)
}

func TestChangePasswordRejectsWeak(t *testing.T) {
	c := newTestAPI(t)
	c.seedUser(t, "alice")
	out := c.login(t, "alice", userPassword)

	resp := c.post("/v1/auth/change-password", changePasswordRequest{
		CurrentPassword: userPassword,
		NewPassword:     "weak",
	}, bearerHeader(out.AccessToken))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("weak password status = %d, want 422", resp.StatusCode)
	}
}

func TestUsersEndpointRequiresPermission(t *testing.T) {
	c := newTestAPI(t)
	c.seedAdmin(t)
	c.seedUser(t, "alice")

	user := c.login(t, "alice", userPassword)
	if resp := c.get("/v1/users", bearerHeader(user.AccessToken)); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unprivileged list = %d, want 403", resp.StatusCode)
	}

	admin := c.login(t, "admin", adminPassword)
	resp := c.get("/v1/users", bearerHeader(admin.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin list = %d, want 200", resp.StatusCode)
	}
	list := decodeBody[listUsersResponse](t, resp)
	if len(list.Items) != 2 {
		t.Fatalf("listed %d users, want 2", len(list.Items))
	}
}

func TestUserCRUD(t *testing.T) {
	c := newTestAPI(t)
	c.seedAdmin(t)
	admin := c.login(t, "admin", adminPassword)
	headers := bearerHeader(admin.AccessToken)

	resp := c.post("/v1/users", createUserRequest{
		Username: "bob",
		Email:    "bob@example.com",
		Password: userPassword,
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user status = %d, want 201", resp.StatusCode)
	}
	created := decodeBody[auth.Identity](t, resp)

	resp = c.post("/v1/users", createUserRequest{
		Username: "bob",
		Email:    "other@example.com",
		Password: userPassword,
	}, headers)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", resp.StatusCode)
	}

	resp = c.get("/v1/users/"+created.ID, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get user status = %d, want 200", resp.StatusCode)
	}

	dept := "Support"
	resp = c.do(http.MethodPut, "/v1/users/"+created.ID, profileUpdateRequest{Department: &dept}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update user status = %d, want 200", resp.StatusCode)
	}
	updated := decodeBody[auth.Identity](t, resp)
	if updated.Department != dept {
		t.Fatalf("department = %q, want %q", updated.Department, dept)
	}

	bob := c.login(t, "bob", userPassword)
	resp = c.do(http.MethodDelete, "/v1/users/"+created.ID, nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deactivate status = %d, want 200", resp.StatusCode)
	}

	// Deactivation kills bob's live session and future logins.
	if resp := c.get("/v1/auth/verify", bearerHeader(bob.AccessToken)); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("deactivated session = %d, want 401", resp.StatusCode)
	}
	if resp := c.post("/v1/auth/login", loginRequest{Username: "bob", Password: userPassword}, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("deactivated login = %d, want 401", resp.StatusCode)
	}

	resp = c.get("/v1/users/missing-id", headers)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown user status = %d, want 404", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/v1/auth/login", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET login status = %d, want 405", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow header = %q, want POST", allow)
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	c := newTestAPI(t)
	resp := c.get("/healthz", nil)
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID header missing")
	}
}
