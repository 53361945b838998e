package router // package router defines how HTTP routes are registered

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/conference-registration/internal/handler"
)

// RegisterRoutes registers the health endpoints.  ready may be nil.
func RegisterRoutes(e *echo.Echo, ready handler.Pinger) {
	e.GET("/healthz", handler.Health)
	if ready != nil {
		e.GET("/readyz", handler.Ready(ready))
	}
}

// RegisterRegistration registers the two handshake endpoints.  Both sit
// behind the given middleware (the rate limiter in production).
func RegisterRegistration(e *echo.Echo, h *handler.RegistrationHandler, mw ...echo.MiddlewareFunc) {
	e.GET("/join", h.Join, mw...)
	e.GET("/redirect", h.Redirect, mw...)
}
