package queue_publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/iliyamo/conference-registration/internal/model"
	q "github.com/iliyamo/conference-registration/internal/queue"
	"github.com/iliyamo/conference-registration/internal/registration"
)

// GrantRetrier re-applies a grant for a ticket position.  *registration.Registrar
// satisfies it.
type GrantRetrier interface {
	RetryGrant(ctx context.Context, pos model.TicketPosition, accessToken string) error
}

// GrantRetryHandler adapts r to the queue consumer.  Store and Discord
// outages are retried later; a missing active row or a grant Discord
// rejected is dropped.
func GrantRetryHandler(r GrantRetrier) q.GrantRetryHandler {
	return func(ctx context.Context, ev q.MembershipGrantRetryEvent) error {
		err := r.RetryGrant(ctx, model.TicketPosition{OrderCode: ev.OrderCode, Position: ev.Position}, ev.AccessToken)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, registration.ErrGrantRejected):
			return err
		case errors.Is(err, registration.ErrStoreUnavailable), errors.Is(err, registration.ErrGrantFailed):
			return fmt.Errorf("%w: %w", q.ErrRetryLater, err)
		default:
			return err
		}
	}
}
