// Package http exposes the account flows and the authentication and
// authorization gates over a chi router.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"

	"github.com/dmitrijs2005/estateauth/internal/common"
	"github.com/dmitrijs2005/estateauth/internal/logging"
	"github.com/dmitrijs2005/estateauth/internal/server/auth"
	"github.com/dmitrijs2005/estateauth/internal/server/models"
	"github.com/dmitrijs2005/estateauth/internal/server/ratelimit"
	"github.com/dmitrijs2005/estateauth/internal/server/services"
	"github.com/dmitrijs2005/estateauth/internal/server/validation"
	"github.com/go-chi/chi/v5"
)

// Pinger reports store reachability for /healthz.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	users      *services.UserService
	sessions   *services.SessionService
	limiter    ratelimit.Limiter
	db         Pinger
	logger     logging.Logger
	production bool
	proxies    []netip.Prefix
}

// Options carries the optional collaborators of a Handler.
type Options struct {
	// Limiter throttles login and registration; nil disables throttling.
	Limiter    ratelimit.Limiter
	DB         Pinger
	Production bool

	// TrustedProxies are the peers whose forwarded-address headers are
	// believed when keying the rate limiter.
	TrustedProxies []netip.Prefix
}

// NewHandler builds a Handler over the account services. Use Routes to get
// the http.Handler to serve.
func NewHandler(us *services.UserService, ss *services.SessionService, l logging.Logger, opts Options) *Handler {
	return &Handler{
		users:      us,
		sessions:   ss,
		limiter:    opts.Limiter,
		db:         opts.DB,
		logger:     l.With("module", "http_server"),
		production: opts.Production,
		proxies:    opts.TrustedProxies,
	}
}

type registerRequest struct {
	Email     string  `json:"email"`
	Password  string  `json:"password"`
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	Phone     *string `json:"phone"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type profileRequest struct {
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	Phone     *string `json:"phone"`
}

// decode reads a JSON body into v. An empty body leaves v zero so that
// validation reports the missing fields.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return common.Validation("Invalid request body")
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// optional trims s and maps blank values to nil.
func optional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

// Register creates a CLIENT account and signs it in.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	err := validation.Register.Validate(map[string]string{
		"email":     req.Email,
		"password":  req.Password,
		"firstName": req.FirstName,
		"lastName":  req.LastName,
		"phone":     deref(req.Phone),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.users.Register(r.Context(), services.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Phone:     optional(req.Phone),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusCreated, "User registered successfully", res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := validation.Login.Validate(map[string]string{"email": req.Email, "password": req.Password}); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Login successful", res)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := validation.Refresh.Validate(map[string]string{"refreshToken": req.RefreshToken}); err != nil {
		h.writeError(w, r, err)
		return
	}

	access, err := h.sessions.Refresh(r.Context(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Token refreshed successfully", map[string]string{"accessToken": access})
}

// Logout revokes the presented refresh token. It always answers 200.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	var req refreshRequest
	_ = decode(r, &req)

	if token := strings.TrimSpace(req.RefreshToken); token != "" {
		if err := h.sessions.RevokeForUser(r.Context(), id.UserID, token); err != nil {
			h.logger.Warn(r.Context(), "logout revoke failed", "error", err)
		}
	}

	writeSuccess(w, http.StatusOK, "Logged out successfully", nil)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	var req changePasswordRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	err := validation.ChangePassword.Validate(map[string]string{
		"currentPassword": req.CurrentPassword,
		"newPassword":     req.NewPassword,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.users.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Password changed successfully", nil)
}

type meResponse struct {
	UserID string             `json:"userId"`
	Email  string             `json:"email"`
	Role   models.Role        `json:"role"`
	User   *models.PublicUser `json:"user"`
}

// Me returns the caller identity together with the stored profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	user, err := h.users.Me(r.Context(), id.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, "", meResponse{UserID: id.UserID, Email: id.Email, Role: id.Role, User: user})
}

func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	var req profileRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	err := validation.Profile.Validate(map[string]string{
		"firstName": req.FirstName,
		"lastName":  req.LastName,
		"phone":     deref(req.Phone),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.users.UpdateProfile(r.Context(), id.UserID, services.ProfileInput{
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Phone:     optional(req.Phone),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusOK, "Profile updated successfully", map[string]any{"user": user})
}

// Session reports whether the request carries a valid access token.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{"authenticated": false}
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		data["authenticated"] = true
		data["identity"] = id
	}
	writeSuccess(w, http.StatusOK, "", data)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "", map[string]any{"user": user})
}

func (h *Handler) SetUserStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := validation.UserStatus.Validate(map[string]string{"status": req.Status}); err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.users.SetStatus(r.Context(), chi.URLParam(r, "id"), models.Status(strings.TrimSpace(req.Status)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "User status updated", map[string]any{"user": user})
}

func (h *Handler) SetUserRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := validation.UserRole.Validate(map[string]string{"role": req.Role}); err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.users.SetRole(r.Context(), chi.URLParam(r, "id"), models.Role(strings.TrimSpace(req.Role)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, "User role updated", map[string]any{"user": user})
}

// Healthz reports 503 when the store does not answer a ping.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			h.logger.Error(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
