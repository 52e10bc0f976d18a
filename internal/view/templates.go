package view

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/odyssey-erp/gatekeeper/internal/shared"
	"github.com/odyssey-erp/gatekeeper/web"
)

// Engine renders the embedded page, partial and error templates. A nil
// Engine renders nothing and ErrorPage falls back to plain text.
type Engine struct {
	templates *template.Template
}

// TemplateData is the dot value of every page.
type TemplateData struct {
	Title       string
	CSRFToken   string
	Flash       *shared.FlashMessage
	CurrentPath string
	Identity    string // display name of the signed-in user
	Data        any
}

var templateGlobs = []string{
	"templates/layouts/*.html",
	"templates/partials/*.html",
	"templates/pages/*.html",
	"templates/errors/*.html",
}

var templateFuncs = template.FuncMap{
	"formatDate": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC1123)
	},
}

// NewEngine parses the embedded templates once; call it at startup.
func NewEngine() (*Engine, error) {
	tpl, err := template.New("gatekeeper").Funcs(templateFuncs).ParseFS(web.Templates, templateGlobs...)
	if err != nil {
		return nil, fmt.Errorf("view: parse templates: %w", err)
	}
	return &Engine{templates: tpl}, nil
}

// Render executes a named template with TemplateData.
func (e *Engine) Render(w http.ResponseWriter, name string, data TemplateData) error {
	return e.RenderStatus(w, http.StatusOK, name, data)
}

// RenderStatus renders into a buffer first so a template failure never leaves
// a half-written response behind the status line.
func (e *Engine) RenderStatus(w http.ResponseWriter, status int, name string, data TemplateData) error {
	if e == nil {
		return errors.New("view: engine not initialised")
	}
	var buf bytes.Buffer
	if err := e.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

// ErrorPage renders errors/<status>.html, falling back to plain text when no
// page exists for status.
func (e *Engine) ErrorPage(w http.ResponseWriter, r *http.Request, status int, message string) {
	name := fmt.Sprintf("errors/%d.html", status)
	if e != nil && e.templates.Lookup(name) != nil {
		data := TemplateData{Title: http.StatusText(status), CurrentPath: r.URL.Path, Data: message}
		if err := e.RenderStatus(w, status, name, data); err == nil {
			return
		}
	}
	http.Error(w, message, status)
}
