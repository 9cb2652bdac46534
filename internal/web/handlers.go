package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/eslider/triggerd/internal/guard"
	"github.com/eslider/triggerd/internal/model"
	"github.com/eslider/triggerd/internal/platform"
)

type handlers struct {
	platform *platform.Platform
	log      zerolog.Logger
}

// requestLogger logs every request with sensitive query values
// redacted. A live credential must never reach a log line.
func (h *handlers) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.log.Debug().
			Str("method", r.Method).
			Str("url", guard.RedactURL(r.URL.String())).
			Str("remote", r.RemoteAddr).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// adminSecretFrom extracts the presented admin secret from the header
// or query form.
func adminSecretFrom(r *http.Request) string {
	if s := r.Header.Get("x-admin-secret"); s != "" {
		return s
	}
	return r.URL.Query().Get("adminSecret")
}

// requireAdmin gates the admin surface: local origin always, plus the
// shared secret when one is configured.
func (h *handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := h.platform.Store.Config()
		if !h.platform.Guard.AuthorizeAdmin(r.RemoteAddr, adminSecretFrom(r), cfg.AdminSecret) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleFire is the webhook ingress. The response never discloses
// whether the name exists: a bad token and an unknown name look the
// same to an external caller.
func (h *handlers) handleFire(w http.ResponseWriter, r *http.Request) {
	if !h.platform.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "notReady": true})
		return
	}

	name := chi.URLParam(r, "name")
	tok := r.URL.Query().Get("token")
	if tok == "" {
		tok = r.Header.Get("x-webhook-token")
	}

	cfg := h.platform.Store.Config()
	if !h.platform.Guard.AuthorizeWebhook(r.RemoteAddr, tok, name, cfg.LocalOnly()) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	fired, err := h.platform.Machine.Fire(name)
	if err != nil {
		// Token validation already proved the name exists; a miss here
		// is an internal inconsistency, still answered uniformly.
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "fired": fired})
}

// handleHealth is the liveness probe.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !h.platform.Ready() {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "notReady": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ms": h.platform.UptimeMS()})
}

// handleState returns the full admin snapshot, or a notReady stub
// during startup so UIs can poll instead of erroring.
func (h *handlers) handleState(w http.ResponseWriter, r *http.Request) {
	if !h.platform.Ready() {
		writeJSON(w, http.StatusOK, map[string]any{"notReady": true})
		return
	}
	writeJSON(w, http.StatusOK, h.platform.Snapshot(h.platform.BaseURL(r.Host)))
}

func (h *handlers) handleReveal(w http.ResponseWriter, r *http.Request) {
	h.tokenResponse(w, r, h.platform.Tokens.Reveal)
}

func (h *handlers) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	h.tokenResponse(w, r, func(string) (string, error) {
		tok, err := h.platform.Tokens.Regenerate(name)
		if err != nil {
			return "", err
		}
		// New token in effect; persist it before answering so a crash
		// cannot leave the file holding a dead credential.
		if err := h.platform.Store.SetWebhookToken(name, tok); err != nil {
			h.log.Error().Err(err).Str("trigger", name).Msg("persist regenerated token")
		}
		return tok, nil
	})
}

// tokenResponse renders {url, token} for reveal and regenerate.
func (h *handlers) tokenResponse(w http.ResponseWriter, r *http.Request, op func(name string) (string, error)) {
	if !h.platform.Ready() {
		writeJSON(w, http.StatusOK, map[string]any{"notReady": true})
		return
	}

	name := chi.URLParam(r, "name")
	wh, err := h.platform.Webhook(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown trigger")
		return
	}
	tok, err := op(name)
	if err != nil {
		if eris.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown trigger")
			return
		}
		writeError(w, http.StatusInternalServerError, "token operation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"url":   platform.WebhookURL(h.platform.BaseURL(r.Host), wh, tok),
		"token": tok,
	})
}

// handleEphemeral grants a short-lived token. The ttl is clamped to the
// store's bounds; a non-numeric ttl is a validation error rejected
// before any state changes.
func (h *handlers) handleEphemeral(w http.ResponseWriter, r *http.Request) {
	if !h.platform.Ready() {
		writeJSON(w, http.StatusOK, map[string]any{"notReady": true})
		return
	}

	name := chi.URLParam(r, "name")
	ttl := 5 * time.Minute
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "ttl must be a number of seconds")
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	grant, err := h.platform.Tokens.GrantEphemeral(name, ttl)
	if err != nil {
		if eris.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown trigger")
			return
		}
		writeError(w, http.StatusInternalServerError, "token operation failed")
		return
	}
	writeJSON(w, http.StatusOK, grant)
}
