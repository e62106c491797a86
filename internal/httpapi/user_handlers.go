package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"santaserver.org/internal/auth"
)

// The administrative user API is guarded by permissions on the "users"
// resource, resolved through the caller's direct and group roles.
const usersResource = "users"

func (a *API) requireUsersPermission(w http.ResponseWriter, r *http.Request, principal auth.Principal, action string) bool {
	err := a.svc.RequirePermission(r.Context(), principal.Identity.ID, usersResource, action)
	if err == nil {
		return true
	}
	handleAuthError(w, r, err)
	return false
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	principal, ok := mustPrincipal(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !a.requireUsersPermission(w, r, principal, "read") {
			return
		}
		a.listUsers(w, r)
	case http.MethodPost:
		if !a.requireUsersPermission(w, r, principal, "create") {
			return
		}
		a.createUser(w, r, principal)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	principal, ok := mustPrincipal(w, r)
	if !ok {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !a.requireUsersPermission(w, r, principal, "read") {
			return
		}
		a.getUser(w, r, id)
	case http.MethodPut:
		if !a.requireUsersPermission(w, r, principal, "update") {
			return
		}
		a.updateUser(w, r, principal, id)
	case http.MethodDelete:
		if !a.requireUsersPermission(w, r, principal, "delete") {
			return
		}
		a.deactivateUser(w, r, principal, id)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

type listUsersResponse struct {
	Items  []*auth.Identity `json:"items"`
	Offset int              `json:"offset"`
	Limit  int              `json:"limit"`
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	offset := parseQueryInt(r, "offset", 0)
	limit := parseQueryInt(r, "limit", 50)

	items, err := a.svc.ListIdentities(r.Context(), offset, limit)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	if items == nil {
		items = []*auth.Identity{}
	}
	writeJSON(w, http.StatusOK, listUsersResponse{Items: items, Offset: offset, Limit: limit})
}

type createUserRequest struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	IdentityType string `json:"identity_type"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	DisplayName  string `json:"display_name"`
	Department   string `json:"department"`
	Title        string `json:"title"`
	Phone        string `json:"phone"`
	ExternalID   string `json:"external_id"`
	ProviderName string `json:"provider_name"`
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	identity, err := a.svc.CreateIdentity(r.Context(), auth.CreateIdentityInput{
		Username:     req.Username,
		Email:        req.Email,
		Type:         auth.IdentityType(req.IdentityType),
		Password:     req.Password,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		DisplayName:  req.DisplayName,
		Department:   req.Department,
		Title:        req.Title,
		Phone:        req.Phone,
		ExternalID:   req.ExternalID,
		ProviderName: req.ProviderName,
		ActorID:      principal.Identity.ID,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request, id string) {
	identity, err := a.svc.FindIdentity(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (a *API) updateUser(w http.ResponseWriter, r *http.Request, principal auth.Principal, id string) {
	var req profileUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := a.svc.UpdateProfile(r.Context(), id, req.toUpdate(), principal.Identity.ID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deactivateUser(w http.ResponseWriter, r *http.Request, principal auth.Principal, id string) {
	revoked, err := a.svc.DeactivateIdentity(r.Context(), id, principal.Identity.ID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "deactivated",
		"sessions_revoked": revoked,
	})
}

func parseQueryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return def
	}
	return val
}
