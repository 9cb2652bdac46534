// Package web is the HTTP adapter: webhook ingress, the admin API, and
// the retrying client used by CLI commands. Handlers stay thin; every
// decision lives in the guard, token store, and trigger machine.
package web

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/eslider/triggerd/internal/platform"
)

// NewRouter creates the chi router with all routes.
func NewRouter(p *platform.Platform, log zerolog.Logger) http.Handler {
	h := &handlers{platform: p, log: log}

	r := chi.NewRouter()
	// No RealIP middleware: origin checks must use the socket address,
	// never a spoofable forwarding header.
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	// Webhook ingress. Accepts GET and POST; camera firmwares differ.
	r.Get("/wh/{name}", h.handleFire)
	r.Post("/wh/{name}", h.handleFire)

	// Admin surface: local origin plus the optional shared secret.
	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)

		r.Get("/health", h.handleHealth)
		r.Get("/api/state", h.handleState)
		r.Post("/api/webhooks/{name}/reveal", h.handleReveal)
		r.Post("/api/webhooks/{name}/regenerate", h.handleRegenerate)
		r.Post("/api/webhooks/{name}/ephemeral", h.handleEphemeral)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
