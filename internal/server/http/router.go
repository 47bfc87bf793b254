package http

import (
	"net/http"

	"github.com/dmitrijs2005/estateauth/internal/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the chi router for every endpoint.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)

	r.Route("/auth", func(r chi.Router) {
		r.With(h.RateLimit("register")).Post("/register", h.Register)
		r.With(h.RateLimit("login")).Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)
		r.With(h.OptionalAuthenticate).Get("/session", h.Session)

		r.Group(func(r chi.Router) {
			r.Use(h.Authenticate)
			r.Post("/logout", h.Logout)
			r.Post("/change-password", h.ChangePassword)
			r.Get("/me", h.Me)
			r.Patch("/me", h.UpdateMe)
		})
	})

	r.Route("/admin/users/{id}", func(r chi.Router) {
		r.Use(h.Authenticate, h.RequireRole(AdminOnly...))
		r.Get("/", h.GetUser)
		r.Patch("/status", h.SetUserStatus)
		r.Patch("/role", h.SetUserRole)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorEnvelope{Message: "Route not found", Code: common.KindNotFound})
	})

	return r
}
