package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	pylon "github.com/pylonhq/pylon/internal"
	"github.com/pylonhq/pylon/internal/app"
	"github.com/pylonhq/pylon/internal/auth"
	"github.com/pylonhq/pylon/internal/config"
	"github.com/pylonhq/pylon/internal/queue"
	"github.com/pylonhq/pylon/internal/ratelimit"
	"github.com/pylonhq/pylon/internal/storage"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// AdminDeps holds all dependencies for the admin server.
type AdminDeps struct {
	Auth     *auth.AdminAuth
	Keys     *app.KeyService
	Stats    *app.StatsService
	Store    storage.Store
	Limiter  *ratelimit.Limiter
	Queue    *queue.Queue        // nil = queue stats omitted
	Config   *config.Config      // nil = config view unavailable
	Gatherer prometheus.Gatherer // nil = no /metrics endpoint
}

// NewAdmin creates the admin-port handler: login, credential CRUD,
// monitoring, usage statistics, config view, health, and metrics.
func NewAdmin(deps AdminDeps) http.Handler {
	a := &adminServer{deps: deps}

	r := chi.NewRouter()
	r.Use(recovery)
	r.Use(requestID)
	r.Use(logging)

	r.Get("/health", a.handleHealth)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/admin/v1", func(r chi.Router) {
		r.Post("/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)

			r.Route("/api-keys", func(r chi.Router) {
				r.Get("/", a.handleListKeys)
				r.Post("/", a.handleCreateKey)
				r.Get("/count", a.handleCountKeys)
				r.Get("/{id}", a.handleGetKey)
				r.Put("/{id}", a.handleUpdateKey)
				r.Delete("/{id}", a.handleDeleteKey)
				r.Post("/{id}/revoke", a.handleRevokeKey)
				r.Post("/{id}/refresh", a.handleRefreshKey)
			})

			r.Get("/monitor", a.handleMonitor)

			r.Route("/stats", func(r chi.Router) {
				r.Get("/summary", a.handleStatsSummary)
				r.Get("/users", a.handleStatsByUser)
				r.Get("/users/{id}", a.handleStatsForUser)
				r.Get("/apis", a.handleStatsByAPI)
			})

			r.Get("/config", a.handleConfig)
		})
	})

	return r
}

type adminServer struct {
	deps AdminDeps
}

// authenticate verifies the admin session token. With no admin password
// configured the API runs open; that is the local-development mode.
func (a *adminServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.deps.Auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || a.deps.Auth.VerifyToken(strings.TrimSpace(token)) != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "admin authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *adminServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.deps.Auth.CheckPassword(req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid password")
		return
	}
	token, expires, err := a.deps.Auth.IssueToken()
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expires.Format(time.RFC3339),
	})
}

// --- Credentials ---

// keyCreateRequest is the payload for minting a new credential.
type keyCreateRequest struct {
	Description   string      `json:"description"`
	Priority      string      `json:"priority,omitempty"`
	ExpiresInDays *int        `json:"expires_in_days,omitempty"`
	RateLimit     *pylon.Rule `json:"rate_limit,omitempty"`
}

// keyCreateResponse includes the plaintext token (shown only once).
type keyCreateResponse struct {
	*pylon.Credential
	Token string `json:"token"`
}

func (a *adminServer) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, limit := parsePagination(r)
	filter := storage.CredentialFilter{
		IncludeRevoked: q.Get("include_revoked") == "true",
		IncludeExpired: q.Get("include_expired") == "true",
		Offset:         offset,
		Limit:          limit,
	}

	creds, err := a.deps.Store.ListCredentials(r.Context(), filter)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	counts, _ := a.deps.Store.CountCredentials(r.Context())
	if creds == nil {
		creds = []*pylon.Credential{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       creds,
		Pagination: pagination{Offset: offset, Limit: limit, Total: counts.Total},
	})
}

func (a *adminServer) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var priority pylon.Priority
	if req.Priority != "" {
		p, err := pylon.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "priority must be HIGH, NORMAL, or LOW")
			return
		}
		priority = p
	}
	if req.ExpiresInDays != nil && *req.ExpiresInDays < 1 {
		writeError(w, http.StatusBadRequest, "bad_request", "expires_in_days must be at least 1")
		return
	}

	plaintext, cred, err := a.deps.Keys.Create(r.Context(), app.CreateKeyOpts{
		Description:   req.Description,
		Priority:      priority,
		ExpiresInDays: req.ExpiresInDays,
		RateLimit:     req.RateLimit,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	w.Header().Set("Location", "/admin/v1/api-keys/"+cred.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{Credential: cred, Token: plaintext})
}

func (a *adminServer) handleCountKeys(w http.ResponseWriter, r *http.Request) {
	counts, err := a.deps.Store.CountCredentials(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *adminServer) handleGetKey(w http.ResponseWriter, r *http.Request) {
	cred, err := a.deps.Store.GetCredential(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (a *adminServer) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description *string     `json:"description,omitempty"`
		Priority    *string     `json:"priority,omitempty"`
		ExpiresAt   *string     `json:"expires_at,omitempty"` // RFC3339
		RateLimit   *pylon.Rule `json:"rate_limit,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	opts := app.UpdateKeyOpts{
		Description: req.Description,
		RateLimit:   req.RateLimit,
	}
	if req.Priority != nil {
		p, err := pylon.ParsePriority(*req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "priority must be HIGH, NORMAL, or LOW")
			return
		}
		opts.Priority = &p
	}
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid expires_at format, use RFC3339")
			return
		}
		opts.ExpiresAt = &t
	}

	cred, err := a.deps.Keys.Update(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (a *adminServer) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Keys.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminServer) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	cred, err := a.deps.Keys.Revoke(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (a *adminServer) handleRefreshKey(w http.ResponseWriter, r *http.Request) {
	plaintext, cred, err := a.deps.Keys.Refresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keyCreateResponse{Credential: cred, Token: plaintext})
}

// --- Monitoring ---

func (a *adminServer) handleMonitor(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"rate_limit": a.deps.Limiter.Stats(),
	}
	if a.deps.Queue != nil {
		resp["queue"] = a.deps.Queue.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Statistics ---

func (a *adminServer) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	f, ok := parseStatsFilter(w, r)
	if !ok {
		return
	}
	sum, err := a.deps.Stats.Summary(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *adminServer) handleStatsByUser(w http.ResponseWriter, r *http.Request) {
	f, ok := parseStatsFilter(w, r)
	if !ok {
		return
	}
	rows, err := a.deps.Stats.ByUser(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if rows == nil {
		rows = []storage.UserUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

func (a *adminServer) handleStatsForUser(w http.ResponseWriter, r *http.Request) {
	f, ok := parseStatsFilter(w, r)
	if !ok {
		return
	}
	f.CredentialID = chi.URLParam(r, "id")
	sum, err := a.deps.Stats.Summary(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *adminServer) handleStatsByAPI(w http.ResponseWriter, r *http.Request) {
	f, ok := parseStatsFilter(w, r)
	if !ok {
		return
	}
	f.APIIdentifier = r.URL.Query().Get("api")
	rows, err := a.deps.Stats.ByAPI(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if rows == nil {
		rows = []storage.APIUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

// --- Config & health ---

func (a *adminServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if a.deps.Config == nil {
		writeError(w, http.StatusNotFound, "not_found", "config view unavailable")
		return
	}
	view, err := a.deps.Config.View()
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Pre-allocated response bodies; see jsonCT in proxy.go for the idiom.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func (a *adminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Store.Ping(r.Context()); err != nil {
		w.Header()["Content-Type"] = plainCT
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write(notReadyBody)
		return
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// --- Helpers ---

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pylon.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, pylon.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "conflict")
	case errors.Is(err, pylon.ErrBadRequest):
		writeError(w, http.StatusBadRequest, "bad_request", "bad request")
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

type pagination struct {
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
	Total  int64 `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseStatsFilter validates optional since/until RFC3339 query params.
// Validated upfront: SQLite datetime() silently returns NULL on
// malformed strings, producing empty results instead of a clear error.
func parseStatsFilter(w http.ResponseWriter, r *http.Request) (storage.StatsFilter, bool) {
	var f storage.StatsFilter
	q := r.URL.Query()
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid since format, use RFC3339")
			return f, false
		}
		f.Since = t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid until format, use RFC3339")
			return f, false
		}
		f.Until = t
	}
	return f, true
}
