package httpapi

import (
	"net/http"
	"strings"

	"santaserver.org/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	*auth.TokenPair
	Identity *auth.Identity `json:"identity"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	ip := clientIP(r)
	agent := r.UserAgent()

	identity, err := a.svc.Authenticate(r.Context(), req.Username, req.Password, ip, agent)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	pair, err := a.svc.CreateSession(r.Context(), identity, ip, agent)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{TokenPair: pair, Identity: identity})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := a.svc.Refresh(r.Context(), req.RefreshToken, clientIP(r), r.UserAgent())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	token, _ := auth.TokenFromContext(r.Context())

	revoked, err := a.svc.RevokeSession(r.Context(), principal.Identity, token, "logout", clientIP(r), r.UserAgent())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

type logoutAllRequest struct {
	KeepCurrent bool `json:"keep_current"`
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := mustPrincipal(w, r)
	if !ok {
		return
	}

	var req logoutAllRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	exclude := ""
	if req.KeepCurrent && principal.Session != nil {
		exclude = principal.Session.ID
	}

	count, err := a.svc.RevokeAllSessions(r.Context(), principal.Identity, "logout_all", exclude)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked_count": count})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := mustPrincipal(w, r)
	if !ok {
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.NewPassword == "" {
		writeError(w, r, http.StatusBadRequest, "new_password is required")
		return
	}

	if err := a.svc.ChangePassword(r.Context(), principal.Identity, req.CurrentPassword, req.NewPassword, clientIP(r), r.UserAgent()); err != nil {
		handleAuthError(w, r, err)
		return
	}
	// All sessions are gone, including the one presenting this request.
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_changed"})
}

type verifyResponse struct {
	Identity    *auth.Identity     `json:"identity"`
	Roles       []string           `json:"roles"`
	Permissions auth.PermissionMap `json:"permissions"`
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := mustPrincipal(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Identity:    principal.Identity,
		Roles:       principal.RoleNames,
		Permissions: principal.Permissions,
	})
}

type profileUpdateRequest struct {
	Email       *string `json:"email"`
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	DisplayName *string `json:"display_name"`
	Department  *string `json:"department"`
	Title       *string `json:"title"`
	Phone       *string `json:"phone"`
}

func (req profileUpdateRequest) toUpdate() auth.ProfileUpdate {
	return auth.ProfileUpdate{
		Email:       req.Email,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DisplayName: req.DisplayName,
		Department:  req.Department,
		Title:       req.Title,
		Phone:       req.Phone,
	}
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	principal, ok := mustPrincipal(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, principal.Identity)
	case http.MethodPut:
		var req profileUpdateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		updated, err := a.svc.UpdateProfile(r.Context(), principal.Identity.ID, req.toUpdate(), principal.Identity.ID)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}
