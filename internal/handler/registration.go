package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/conference-registration/internal/model"
	"github.com/iliyamo/conference-registration/internal/pretix"
	"github.com/iliyamo/conference-registration/internal/registration"
)

// requestTimeout covers the Pretix lookup or the Discord exchange plus the
// store round trips of one request.
const requestTimeout = 15 * time.Second

// TicketVerifier checks a signed ticket link.
type TicketVerifier interface {
	Verify(ctx context.Context, raw string) (model.TicketAssertion, error)
}

// Handshake is the registration state machine as seen by HTTP.
type Handshake interface {
	Begin(ctx context.Context, ticket model.TicketAssertion) (registration.BeginOutcome, error)
	Complete(ctx context.Context, stateToken, code string) (registration.Completion, error)
	Grant(ctx context.Context, c registration.Completion) error
}

// DiscordURLs builds the URLs attendees are redirected to.
type DiscordURLs interface {
	AuthorizeURL(state string) string
	WelcomeURL() string
}

// RegistrationHandler bundles dependencies for the handshake endpoints.
type RegistrationHandler struct {
	Tickets   TicketVerifier
	Handshake Handshake
	Discord   DiscordURLs
	Log       *slog.Logger
}

func NewRegistrationHandler(t TicketVerifier, h Handshake, d DiscordURLs, log *slog.Logger) *RegistrationHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RegistrationHandler{Tickets: t, Handshake: h, Discord: d, Log: log}
}

// Join handles GET /join?token=..., the link Pretix puts on the ticket.  It
// verifies the ticket, starts the handshake and sends the attendee to
// Discord to authorize.
func (h *RegistrationHandler) Join(c echo.Context) error {
	raw := c.QueryParam("token")
	if raw == "" {
		return renderError(c, http.StatusBadRequest, "Missing ticket information")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	ticket, err := h.Tickets.Verify(ctx, raw)
	if err != nil {
		status, msg := verifyFailure(err)
		h.Log.Info("ticket verification failed", "status", status, "err", err)
		return renderError(c, status, msg)
	}

	out, err := h.Handshake.Begin(ctx, ticket)
	switch {
	case err == nil:
	case errors.Is(err, registration.ErrUnknownTeam):
		return renderError(c, http.StatusBadRequest, "Ticket has an unknown team")
	case errors.Is(err, registration.ErrStoreUnavailable):
		h.Log.Error("begin registration", "ticket", ticket.TicketPosition.String(), "err", err)
		return renderError(c, http.StatusServiceUnavailable, "Registration is temporarily unavailable")
	default:
		return err
	}

	if out.AlreadyActive {
		return c.Redirect(http.StatusFound, h.Discord.WelcomeURL())
	}
	return c.Redirect(http.StatusFound, h.Discord.AuthorizeURL(out.StateToken))
}

// Redirect handles GET /redirect?code=...&state=..., where Discord sends the
// attendee back after authorizing.
func (h *RegistrationHandler) Redirect(c echo.Context) error {
	state := c.QueryParam("state")
	code := c.QueryParam("code")
	if state == "" {
		return renderError(c, http.StatusBadRequest, registrationMessage(registration.ErrInvalidToken))
	}
	if code == "" {
		// The attendee declined on Discord.  Leave the pending row alone so
		// they can try again with the same link.
		return renderError(c, http.StatusBadRequest, "Discord authorization was not granted")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	done, err := h.Handshake.Complete(ctx, state, code)
	if err != nil {
		status := completeStatus(err)
		if status >= http.StatusInternalServerError {
			h.Log.Error("complete registration", "status", status, "err", err)
		}
		return renderError(c, status, registrationMessage(err))
	}

	if err := h.Handshake.Grant(ctx, done); err != nil {
		return renderError(c, http.StatusServiceUnavailable, "Discord registration request failed")
	}
	return c.Redirect(http.StatusFound, h.Discord.WelcomeURL())
}

func verifyFailure(err error) (int, string) {
	switch {
	case errors.Is(err, pretix.ErrInvalidSignature), errors.Is(err, pretix.ErrMalformed):
		return http.StatusBadRequest, "Invalid ticket information"
	case errors.Is(err, pretix.ErrTicketNotValid):
		return http.StatusUnauthorized, "Ticket is not valid"
	default:
		return http.StatusServiceUnavailable, "Failed to retrieve ticket information"
	}
}

func completeStatus(err error) int {
	switch {
	case errors.Is(err, registration.ErrInvalidToken), errors.Is(err, registration.ErrExpired):
		return http.StatusBadRequest
	case errors.Is(err, registration.ErrLinkingFailed):
		return http.StatusBadGateway
	case errors.Is(err, registration.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func registrationMessage(err error) string {
	switch {
	case errors.Is(err, registration.ErrInvalidToken):
		return "Registration is in invalid state"
	case errors.Is(err, registration.ErrExpired):
		return "Registration has expired"
	case errors.Is(err, registration.ErrLinkingFailed):
		return "Could not connect your Discord account"
	case errors.Is(err, registration.ErrStoreUnavailable):
		return "Registration is temporarily unavailable"
	default:
		return "An internal error occurred"
	}
}
