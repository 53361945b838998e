// Package registration runs the two step handshake that links a Pretix
// ticket position to a Discord account.
//
// A position moves Unregistered -> Pending -> Active.  Begin writes the
// pending row and hands out a state token; Complete consumes that row,
// links the account and writes the active row.  The pending row is keyed by
// ticket position, so only the most recently issued token for a position
// can ever complete.  Complete deletes the row before it checks expiry or
// calls Discord, which makes every token single use whatever happens next.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iliyamo/conference-registration/internal/identity"
	"github.com/iliyamo/conference-registration/internal/model"
	"github.com/iliyamo/conference-registration/internal/repository"
)

// DefaultTokenLifetime is how long a state token stays usable.
const DefaultTokenLifetime = 30 * time.Minute

// Store is the subset of the registration repository the state machine
// uses.
type Store interface {
	UpsertPending(ctx context.Context, p model.PendingRegistration) error
	FindPendingByToken(ctx context.Context, stateToken string) (*model.PendingRegistration, error)
	DeletePending(ctx context.Context, pos model.TicketPosition, stateToken string) (bool, error)
	FindActive(ctx context.Context, pos model.TicketPosition) (*model.ActiveRegistration, error)
	UpsertActive(ctx context.Context, a model.ActiveRegistration) error
}

// LinkedAccount is the Discord account behind an authorization code.
// AccessToken is never written to the database; it only travels with the
// request and, after a failed grant, in the queued retry.
type LinkedAccount struct {
	AccountID   string
	AccessToken string
}

// Linker exchanges an OAuth2 authorization code for the account it was
// issued to.  Errors should wrap ErrLinkExchangeFailed or
// ErrLinkFetchFailed.
type Linker interface {
	Link(ctx context.Context, code string) (LinkedAccount, error)
}

// MembershipGrant describes the server membership to apply.  With an
// AccessToken the account is added to the server; without one the existing
// member is updated.
type MembershipGrant struct {
	AccountID   string
	AccessToken string
	Nickname    *string
	Roles       []int64
}

// Granter applies a membership grant on Discord.
type Granter interface {
	Grant(ctx context.Context, g MembershipGrant) error
}

// RetryPublisher queues a failed grant so it can be applied later from the
// active row.  The completion's access token travels with the message so a
// failed first add can still be retried as an add.
type RetryPublisher interface {
	PublishGrantRetry(ctx context.Context, c Completion, reason string) error
}

// Options configures a Registrar.  Zero values pick the defaults.
type Options struct {
	TokenLifetime time.Duration
	Roles         *identity.RoleTable
	Clock         func() time.Time
	Logger        *slog.Logger
	Retries       RetryPublisher
}

// Registrar is the registration state machine.  It keeps no state of its
// own; every decision re-reads the store.
type Registrar struct {
	store    Store
	linker   Linker
	granter  Granter
	retries  RetryPublisher
	roles    *identity.RoleTable
	lifetime time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// New returns a Registrar.  store, linker and granter must be non-nil.
func New(store Store, linker Linker, granter Granter, opts Options) *Registrar {
	if store == nil || linker == nil || granter == nil {
		panic("registration: nil dependency passed to New")
	}
	r := &Registrar{
		store:    store,
		linker:   linker,
		granter:  granter,
		retries:  opts.Retries,
		roles:    opts.Roles,
		lifetime: opts.TokenLifetime,
		now:      opts.Clock,
		log:      opts.Logger,
	}
	if r.roles == nil {
		r.roles = identity.DefaultRoleTable()
	}
	if r.lifetime <= 0 {
		r.lifetime = DefaultTokenLifetime
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// BeginOutcome is the result of Begin.  When AlreadyActive is set no token
// was issued and the attendee can go straight to the server.
type BeginOutcome struct {
	AlreadyActive bool
	StateToken    string
	Nickname      *string
	Roles         []int64
}

// Begin starts (or restarts) the handshake for a verified ticket.  Calling
// it again before completion replaces the pending row, so only the newest
// token works.
func (r *Registrar) Begin(ctx context.Context, ticket model.TicketAssertion) (BeginOutcome, error) {
	pos := ticket.TicketPosition

	_, err := r.store.FindActive(ctx, pos)
	switch {
	case err == nil:
		r.log.Info("registration already active", "ticket", pos.String())
		return BeginOutcome{AlreadyActive: true}, nil
	case !errors.Is(err, repository.ErrActiveNotFound):
		return BeginOutcome{}, fmt.Errorf("check active registration: %w", err)
	}

	nickname := identity.DeriveNickname(ticket.Answers)
	roles, err := r.roles.DeriveRoles(ticket.ItemIDs, ticket.Answers)
	if err != nil {
		return BeginOutcome{}, err
	}

	token := identity.GenerateStateToken()
	err = r.store.UpsertPending(ctx, model.PendingRegistration{
		TicketPosition: pos,
		StateToken:     token,
		CreatedAt:      r.now().UTC(),
		Nickname:       nickname,
		Roles:          roles,
	})
	if err != nil {
		return BeginOutcome{}, fmt.Errorf("store pending registration: %w", err)
	}

	r.log.Info("registration started", "ticket", pos.String(), "roles", len(roles))
	return BeginOutcome{StateToken: token, Nickname: nickname, Roles: roles}, nil
}

// Completion is the result of a successful Complete.  The access token is
// passed on to Grant and then dropped.
type Completion struct {
	model.ActiveRegistration
	AccessToken string
}

// Complete finishes the handshake for stateToken using the OAuth2
// authorization code.  The pending row is consumed before anything else is
// checked, so a token can succeed at most once and a failed completion
// needs a fresh Begin.
func (r *Registrar) Complete(ctx context.Context, stateToken, code string) (Completion, error) {
	row, err := r.store.FindPendingByToken(ctx, stateToken)
	if err != nil {
		if errors.Is(err, repository.ErrPendingNotFound) {
			return Completion{}, ErrInvalidToken
		}
		return Completion{}, fmt.Errorf("find pending registration: %w", err)
	}

	// Zero rows removed means a concurrent Complete consumed the row, or a
	// newer Begin replaced it, between the lookup and here.
	removed, err := r.store.DeletePending(ctx, row.TicketPosition, row.StateToken)
	if err != nil {
		return Completion{}, fmt.Errorf("consume pending registration: %w", err)
	}
	if !removed {
		return Completion{}, ErrInvalidToken
	}

	if r.now().Sub(row.CreatedAt) > r.lifetime {
		r.log.Info("registration expired", "ticket", row.TicketPosition.String(), "created_at", row.CreatedAt)
		return Completion{}, ErrExpired
	}

	account, err := r.linker.Link(ctx, code)
	if err != nil {
		r.log.Warn("account linking failed", "ticket", row.TicketPosition.String(), "err", err)
		return Completion{}, fmt.Errorf("%w: %w", ErrLinkingFailed, err)
	}

	active := model.ActiveRegistration{
		TicketPosition: row.TicketPosition,
		AccountID:      account.AccountID,
		CreatedAt:      row.CreatedAt,
		Nickname:       row.Nickname,
		Roles:          row.Roles,
	}
	if err := r.store.UpsertActive(ctx, active); err != nil {
		return Completion{}, fmt.Errorf("store active registration: %w", err)
	}

	r.log.Info("registration completed", "ticket", row.TicketPosition.String(), "account_id", account.AccountID)
	return Completion{ActiveRegistration: active, AccessToken: account.AccessToken}, nil
}

// Grant applies the server membership for a completed registration.  A
// failure leaves the active row in place and, when a retry publisher is
// configured, queues the grant to be applied again from that row.  Grants
// Discord rejected outright are not queued.
func (r *Registrar) Grant(ctx context.Context, c Completion) error {
	err := r.granter.Grant(ctx, MembershipGrant{
		AccountID:   c.AccountID,
		AccessToken: c.AccessToken,
		Nickname:    c.Nickname,
		Roles:       c.Roles,
	})
	if err == nil {
		return nil
	}

	r.log.Warn("membership grant failed", "ticket", c.TicketPosition.String(), "account_id", c.AccountID, "err", err)
	if r.retries != nil && !errors.Is(err, ErrGrantRejected) {
		if perr := r.retries.PublishGrantRetry(ctx, c, err.Error()); perr != nil {
			r.log.Error("queue grant retry failed", "ticket", c.TicketPosition.String(), "err", perr)
		}
	}
	return fmt.Errorf("%w: %w", ErrGrantFailed, err)
}

// RetryGrant re-applies the membership recorded in the active row for pos.
// Roles and nickname come from the stored row, never from the order.  With
// an access token the account is added to the server; without one (or once
// Discord no longer accepts it) only an existing member can be updated.
func (r *Registrar) RetryGrant(ctx context.Context, pos model.TicketPosition, accessToken string) error {
	active, err := r.store.FindActive(ctx, pos)
	if err != nil {
		return fmt.Errorf("load active registration: %w", err)
	}
	err = r.granter.Grant(ctx, MembershipGrant{
		AccountID:   active.AccountID,
		AccessToken: accessToken,
		Nickname:    active.Nickname,
		Roles:       active.Roles,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGrantFailed, err)
	}
	r.log.Info("membership grant retried", "ticket", pos.String(), "account_id", active.AccountID)
	return nil
}
