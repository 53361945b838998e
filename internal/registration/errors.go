package registration

import (
	"errors"

	"github.com/iliyamo/conference-registration/internal/identity"
	"github.com/iliyamo/conference-registration/internal/pretix"
	"github.com/iliyamo/conference-registration/internal/repository"
)

// Handshake failures.  Each is terminal for the state token involved; the
// attendee has to start again from their ticket link.
var (
	ErrInvalidToken = errors.New("registration is in invalid state")
	ErrExpired      = errors.New("registration has expired")
)

// External provider failures.  Link implementations wrap one of the two
// link errors; Complete wraps whatever Link returns in ErrLinkingFailed.
var (
	ErrLinkingFailed      = errors.New("account linking failed")
	ErrLinkExchangeFailed = errors.New("authorization code exchange failed")
	ErrLinkFetchFailed    = errors.New("account lookup failed")
	ErrGrantFailed        = errors.New("membership grant failed")

	// ErrGrantRejected marks a grant Discord refused outright (unknown
	// member, missing permission).  Retrying it cannot succeed.
	ErrGrantRejected = errors.New("membership grant rejected")
)

// Re-exported so transport code only needs this package to classify errors.
var (
	ErrUnknownTeam      = identity.ErrUnknownTeam
	ErrStoreUnavailable = repository.ErrStoreUnavailable
	ErrInvalidSignature = pretix.ErrInvalidSignature
	ErrMalformed        = pretix.ErrMalformed
)
