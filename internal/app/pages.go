package app

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"

	"planboard/internal/idp"
	"planboard/internal/pipeline"
	"planboard/internal/store"
)

// The pages are a thin server-rendered shell over the same service calls the
// JSON API uses. They exist so the dashboard is usable from a bare browser.

var pageTmpl = template.Must(template.New("pages").Parse(`
{{define "layout_top"}}<!doctype html>
<html><head><meta charset="utf-8"><title>{{.Title}} &middot; planboard</title></head>
<body>
<nav><a href="/">home</a> <a href="/backlog">backlog</a> <a href="/categories">categories</a> <a href="/admin">admin</a>
<form method="post" action="/logout" style="display:inline"><button>sign out</button></form></nav>
<h1>{{.Title}}</h1>{{end}}

{{define "layout_bottom"}}</body></html>{{end}}

{{define "login"}}<!doctype html>
<html><head><meta charset="utf-8"><title>Sign in &middot; planboard</title></head>
<body><h1>Sign in</h1>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<form method="post" action="/login">
<label>Email <input type="email" name="email" required></label>
<label>Password <input type="password" name="password" required></label>
<button>Sign in</button>
</form></body></html>{{end}}

{{define "home"}}{{template "layout_top" .}}
<ul>{{range .Buckets}}<li><strong>{{.Stage}}</strong>: {{.Count}} item(s)</li>{{end}}</ul>
{{template "layout_bottom" .}}{{end}}

{{define "backlog"}}{{template "layout_top" .}}
{{if .Items}}<ul>{{range .Items}}<li><a href="/item/{{.ID}}">{{.Title}}</a> ({{.Platform}}, {{.Stage}})</li>{{end}}</ul>
{{else}}<p>The backlog is empty.</p>{{end}}
{{template "layout_bottom" .}}{{end}}

{{define "item"}}{{template "layout_top" .}}
<dl>
<dt>Platform</dt><dd>{{.Item.Platform}}</dd>
<dt>Stage</dt><dd>{{.Item.Stage}}</dd>
{{if .Item.ScheduledDate}}<dt>Scheduled</dt><dd>{{.Item.ScheduledDate}}</dd>{{end}}
<dt>Lead time</dt><dd>{{.Item.TimelineDays}} day(s)</dd>
{{if .Item.Description}}<dt>Description</dt><dd>{{.Item.Description}}</dd>{{end}}
</dl>
{{template "layout_bottom" .}}{{end}}

{{define "categories"}}{{template "layout_top" .}}
{{if .Categories}}<ul>{{range .Categories}}<li>{{.Name}} <code>{{.Color}}</code></li>{{end}}</ul>
{{else}}<p>No categories yet.</p>{{end}}
{{template "layout_bottom" .}}{{end}}

{{define "admin"}}{{template "layout_top" .}}
<p>Content cleanup removes posted items older than the retention window.</p>
{{template "layout_bottom" .}}{{end}}

{{define "notfound"}}{{template "layout_top" .}}
<p>No such item.</p>
{{template "layout_bottom" .}}{{end}}
`))

func (s *HTTPServer) renderPage(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := pageTmpl.ExecuteTemplate(w, name, data); err != nil {
		s.log.Error().Err(err).Str("page", name).Msg("render page")
	}
}

func (s *HTTPServer) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if st := s.resolver.Snapshot(); st.Session != nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.renderPage(w, http.StatusOK, "login", map[string]any{"Error": ""})
}

func (s *HTTPServer) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(r) {
		s.renderPage(w, http.StatusTooManyRequests, "login", map[string]any{"Error": "Too many attempts, try again shortly."})
		return
	}
	if err := r.ParseForm(); err != nil {
		s.renderPage(w, http.StatusBadRequest, "login", map[string]any{"Error": "Malformed form submission."})
		return
	}
	_, err := s.idp.SignIn(r.Context(), r.PostFormValue("email"), r.PostFormValue("password"))
	if err != nil {
		if errors.Is(err, idp.ErrInvalidCredentials) {
			s.renderPage(w, http.StatusUnauthorized, "login", map[string]any{"Error": "Invalid email or password."})
			return
		}
		s.log.Error().Err(err).Msg("login failed")
		s.renderPage(w, http.StatusInternalServerError, "login", map[string]any{"Error": "Something went wrong, try again."})
		return
	}
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("signin").Inc()
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.idp.SignOut(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("logout failed")
	} else if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("signout").Inc()
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (s *HTTPServer) handleHomePage(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RefreshBacklog(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("refresh backlog for home page")
	}
	board := s.service.Board()
	s.renderPage(w, http.StatusOK, "home", struct {
		Title   string
		Buckets []pipeline.Bucket
	}{"Pipeline", board.Buckets})
}

func (s *HTTPServer) handleBacklogPage(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RefreshBacklog(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("refresh backlog for backlog page")
	}
	s.renderPage(w, http.StatusOK, "backlog", struct {
		Title string
		Items []store.ContentItem
	}{"Backlog", s.service.Backlog()})
}

func (s *HTTPServer) handleItemPage(w http.ResponseWriter, r *http.Request) {
	item, err := s.service.Item(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.renderPage(w, http.StatusNotFound, "notfound", struct{ Title string }{"Not found"})
		return
	}
	s.renderPage(w, http.StatusOK, "item", struct {
		Title string
		Item  store.ContentItem
	}{item.Title, item})
}

func (s *HTTPServer) handleCategoriesPage(w http.ResponseWriter, r *http.Request) {
	categories, err := s.service.Categories(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("list categories for page")
	}
	s.renderPage(w, http.StatusOK, "categories", struct {
		Title      string
		Categories []store.Category
	}{"Categories", categories})
}

func (s *HTTPServer) handleAdminPage(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, http.StatusOK, "admin", struct{ Title string }{"Admin"})
}
