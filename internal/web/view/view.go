// Package view renders the server-side pages of the auth and client apps.
package view

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	userentity "github.com/ovaphlow/pitchfork/service-exa/internal/user/entity"
)

//go:embed templates/*.html
var templateFS embed.FS

const layoutFile = "templates/layout.html"

// Page is the data every template receives.
type Page struct {
	Title  string
	User   *userentity.User
	Notice string
	Error  string
	// Form echoes submitted values back into the form after an error.
	Form map[string]string
	Data any
}

var funcs = template.FuncMap{
	"date": func(t time.Time) string { return t.Format("2006-01-02 15:04") },
	"dateptr": func(t *time.Time) string {
		if t == nil {
			return "never"
		}
		return t.Format("2006-01-02 15:04")
	},
	"deref": func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	},
}

// Renderer holds one template set per page, each parsed with the layout.
type Renderer struct {
	pages  map[string]*template.Template
	logger *zap.SugaredLogger
}

func New(logger *zap.SugaredLogger) (*Renderer, error) {
	files, err := fs.Glob(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	pages := make(map[string]*template.Template, len(files))
	for _, f := range files {
		if f == layoutFile {
			continue
		}
		t, err := template.New("layout.html").Funcs(funcs).ParseFS(templateFS, layoutFile, f)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f, err)
		}
		pages[strings.TrimSuffix(strings.TrimPrefix(f, "templates/"), ".html")] = t
	}
	return &Renderer{pages: pages, logger: logger}, nil
}

// Render writes page name with status. A template error becomes a plain 500.
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, p Page) {
	t, ok := r.pages[name]
	if !ok {
		r.logger.Errorw("unknown page", "page", name)
		http.Error(w, "Something went wrong, please try again.", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", p); err != nil {
		r.logger.Errorw("render page failed", "page", name, "err", err)
		http.Error(w, "Something went wrong, please try again.", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// Error renders the generic error page.
func (r *Renderer) Error(w http.ResponseWriter, status int, msg string, u *userentity.User) {
	r.Render(w, status, "error", Page{Title: http.StatusText(status), User: u, Error: msg})
}
