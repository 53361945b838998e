package handler

import (
	"embed"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed templates/*.html
var templateFS embed.FS

const errorTemplate = "error.html"

// errorPage is the data rendered into error.html.  An empty message shows
// the generic not-found heading.
type errorPage struct {
	Status  int
	Message string
}

// Templates is an echo.Renderer over the embedded HTML templates.
type Templates struct {
	t *template.Template
}

// NewTemplates parses the embedded templates.
func NewTemplates() (*Templates, error) {
	t, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Templates{t: t}, nil
}

// Render implements echo.Renderer.
func (t *Templates) Render(w io.Writer, name string, data interface{}, _ echo.Context) error {
	return t.t.ExecuteTemplate(w, name, data)
}

// renderError writes the error page with the given status.
func renderError(c echo.Context, status int, message string) error {
	return c.Render(status, errorTemplate, errorPage{Status: status, Message: message})
}

// ErrorHandler renders every unhandled error through the error page.  404s
// get the generic page; anything without an HTTP status is reported as an
// internal error.
func ErrorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := http.StatusInternalServerError
		message := "An internal error occurred"

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			switch {
			case status == http.StatusNotFound:
				message = ""
			case status == http.StatusMethodNotAllowed:
				message = "Method not allowed"
			default:
				if m, ok := he.Message.(string); ok {
					message = m
				}
			}
		} else {
			log.Error("unhandled error", "path", c.Request().URL.Path, "err", err)
		}

		if rerr := renderError(c, status, message); rerr != nil {
			log.Error("render error page", "err", rerr)
			_ = c.String(status, http.StatusText(status))
		}
	}
}
