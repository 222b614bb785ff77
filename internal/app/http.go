package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"planboard/internal/guard"
	"planboard/internal/identity"
	"planboard/internal/idp"
	"planboard/internal/metrics"
	"planboard/internal/rbac"
	"planboard/internal/search"
)

// HTTPServer exposes the dashboard pages and the JSON API. Every page and
// API route passes a guard over the identity resolver's snapshot before its
// handler runs.
type HTTPServer struct {
	service    *Service
	idp        *idp.Service
	resolver   *identity.Resolver
	metrics    *metrics.Metrics
	log        zerolog.Logger
	corsOrigin string
	guardWait  time.Duration
	limiter    *loginLimiter

	mu           sync.Mutex
	loadingSince time.Time
}

func NewHTTPServer(service *Service, provider *idp.Service, resolver *identity.Resolver, m *metrics.Metrics, log zerolog.Logger, corsOrigin string, guardWait time.Duration) *HTTPServer {
	return &HTTPServer{
		service:    service,
		idp:        provider,
		resolver:   resolver,
		metrics:    m,
		log:        log,
		corsOrigin: corsOrigin,
		guardWait:  guardWait,
		limiter:    newLoginLimiter(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(s.recordMetrics)
	r.Use(s.cors)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	// Pages.
	r.Get("/login", s.handleLoginPage)
	r.Post("/login", s.handleLoginSubmit)
	r.Post("/logout", s.handleLogout)
	r.Group(func(r chi.Router) {
		r.Use(s.pageSession)
		r.Get("/", s.handleHomePage)
		r.Get("/backlog", s.handleBacklogPage)
		r.Get("/item/{id}", s.handleItemPage)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.pageRoles(rbac.RoleAdmin, rbac.RoleEditor))
		r.Get("/categories", s.handleCategoriesPage)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.pageRoles(rbac.RoleAdmin))
		r.Get("/admin", s.handleAdminPage)
	})

	// JSON API.
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/signin", s.handleSignIn)
		r.Post("/auth/signup", s.handleSignUp)
		r.Post("/auth/signout", s.handleSignOut)
		r.Get("/session", s.handleSession)

		r.Group(func(r chi.Router) {
			r.Use(s.apiSession)
			r.Get("/items", s.handleListBacklog)
			r.Get("/items/search", s.handleSearch)
			r.Get("/items/{id}", s.handleGetItem)
			r.Get("/board", s.handleBoard)
			r.Get("/timeline", s.handleTimeline)
			r.Get("/categories", s.handleListCategories)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.apiRoles(rbac.RoleAdmin, rbac.RoleEditor))
			r.Post("/items", s.handleCreateItem)
			r.Patch("/items/{id}", s.handleUpdateItem)
			r.Delete("/items/{id}", s.handleDeleteItem)
			r.Post("/items/{id}/schedule", s.handleScheduleItem)
			r.Post("/items/{id}/stage", s.handleSetStage)
			r.Post("/categories", s.handleCreateCategory)
			r.Patch("/categories/{id}", s.handleUpdateCategory)
			r.Delete("/categories/{id}", s.handleDeleteCategory)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.apiRoles(rbac.RoleAdmin))
			r.Post("/admin/cleanup", s.handleCleanup)
		})
	})

	return r
}

// Guards.

// elapsedLoading measures how long the resolver has been in its loading
// state, as seen by this server. The clock resets the moment loading clears.
func (s *HTTPServer) elapsedLoading(st identity.State) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !st.Loading {
		s.loadingSince = time.Time{}
		return 0
	}
	if s.loadingSince.IsZero() {
		s.loadingSince = time.Now()
	}
	return time.Since(s.loadingSince)
}

func (s *HTTPServer) recordDecision(name string, d guard.Decision) {
	if s.metrics != nil {
		s.metrics.GuardDecisions.WithLabelValues(name, d.String()).Inc()
	}
}

func (s *HTTPServer) pageSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := s.resolver.Snapshot()
		decision := guard.Session(st, s.elapsedLoading(st), s.guardWait)
		s.recordDecision("session", decision)
		s.servePageDecision(w, r, decision, next)
	})
}

func (s *HTTPServer) pageRoles(allow ...rbac.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := s.resolver.Snapshot()
			decision := guard.Roles(st, allow)
			if decision == guard.Wait && s.elapsedLoading(st) >= s.guardWait {
				decision = guard.RedirectLogin
			}
			s.recordDecision("roles", decision)
			s.servePageDecision(w, r, decision, next)
		})
	}
}

func (s *HTTPServer) servePageDecision(w http.ResponseWriter, r *http.Request, decision guard.Decision, next http.Handler) {
	switch decision {
	case guard.Allow:
		next.ServeHTTP(w, r)
	case guard.Wait:
		s.renderLoadingPage(w)
	case guard.RedirectLogin:
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	case guard.RedirectHome:
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func (s *HTTPServer) apiSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := s.resolver.Snapshot()
		decision := guard.Session(st, s.elapsedLoading(st), s.guardWait)
		s.recordDecision("session", decision)
		s.serveAPIDecision(w, r, decision, next)
	})
}

func (s *HTTPServer) apiRoles(allow ...rbac.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := s.resolver.Snapshot()
			decision := guard.Roles(st, allow)
			if decision == guard.Wait && s.elapsedLoading(st) >= s.guardWait {
				decision = guard.RedirectLogin
			}
			s.recordDecision("roles", decision)
			s.serveAPIDecision(w, r, decision, next)
		})
	}
}

func (s *HTTPServer) serveAPIDecision(w http.ResponseWriter, r *http.Request, decision guard.Decision, next http.Handler) {
	switch decision {
	case guard.Allow:
		next.ServeHTTP(w, r)
	case guard.Wait:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "IDENTITY_LOADING", "Identity is still resolving", nil)
	case guard.RedirectLogin:
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Sign in required", nil)
	case guard.RedirectHome:
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient role", nil)
	}
}

// Auth handlers.

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(r) {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many sign-in attempts", nil)
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.idp.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, idp.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
			return
		}
		s.writeMappedError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("signin").Inc()
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(r) {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many attempts", nil)
		return
	}
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.idp.SignUp(r.Context(), body.Email, body.Password, body.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, idp.ErrEmailTaken):
			writeError(w, http.StatusConflict, "EMAIL_TAKEN", "Email already registered", nil)
		case errors.Is(err, idp.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, "WEAK_PASSWORD", err.Error(), nil)
		default:
			s.writeMappedError(w, r, err)
		}
		return
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("signup").Inc()
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *HTTPServer) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.idp.SignOut(r.Context()); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("signout").Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	st := s.resolver.Snapshot()
	out := map[string]any{
		"authenticated": st.Session != nil,
		"loading":       st.Loading,
	}
	if st.Session != nil {
		out["email"] = st.Session.Email
		out["userId"] = st.Session.UserID
	}
	if st.Profile != nil {
		out["role"] = st.Profile.Role
		out["displayName"] = st.Profile.DisplayName
	}
	writeJSON(w, http.StatusOK, out)
}

// Item handlers.

func (s *HTTPServer) handleListBacklog(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RefreshBacklog(r.Context()); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.service.Backlog()})
}

func (s *HTTPServer) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.service.Item(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var input CreateItemInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.CreateItem(r.Context(), input)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *HTTPServer) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var input UpdateItemInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.UpdateItem(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleScheduleItem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Date *string `json:"date"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.ScheduleItem(r.Context(), chi.URLParam(r, "id"), body.Date)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleSetStage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Stage string `json:"stage"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.SetStage(r.Context(), chi.URLParam(r, "id"), body.Stage)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleBoard(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RefreshBacklog(r.Context()); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Board())
}

func (s *HTTPServer) handleTimeline(w http.ResponseWriter, r *http.Request) {
	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")
	view, err := s.service.Timeline(r.Context(), start, end)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := search.Query{
		Text:  r.URL.Query().Get("q"),
		Stage: r.URL.Query().Get("stage"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			q.Limit = limit
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			q.Offset = offset
		}
	}
	writeJSON(w, http.StatusOK, s.service.SearchItems(q))
}

// Category handlers.

func (s *HTTPServer) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.service.Categories(r.Context())
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

func (s *HTTPServer) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var input CategoryInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	category, err := s.service.CreateCategory(r.Context(), input)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, category)
}

func (s *HTTPServer) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	var input CategoryInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	category, err := s.service.UpdateCategory(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, category)
}

func (s *HTTPServer) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteCategory(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Admin handlers.

func (s *HTTPServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		KeepDays int `json:"keepDays"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	report, err := s.service.Cleanup(r.Context(), body.KeepDays)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

// Probes.

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]any{"database": map[string]any{"status": "ok"}}
	status := http.StatusOK
	ok := true
	if err := s.service.Ping(ctx); err != nil {
		ok = false
		status = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, status, map[string]any{"ok": ok, "checks": checks})
}

// Middleware.

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(started)).
			Msg("request")
	})
}

func (s *HTTPServer) recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
	})
}

func (s *HTTPServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

var loadingTmpl = template.Must(template.New("loading").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><meta http-equiv="refresh" content="1">
<title>planboard</title></head>
<body><p>Checking your session&hellip;</p></body></html>`))

func (s *HTTPServer) renderLoadingPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = loadingTmpl.Execute(w, nil)
}
