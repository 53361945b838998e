package model

import "fmt"

// TicketPosition identifies one purchased line of a Pretix order.  The pair
// is issued by the ticketing provider and never changes.
type TicketPosition struct {
	OrderCode string // pending.order_code / active.order_code
	Position  int    // pending.position / active.position
}

// String renders the position the way attendees see it on their ticket,
// e.g. "ABC12-1".
func (p TicketPosition) String() string {
	return fmt.Sprintf("%s-%d", p.OrderCode, p.Position)
}

// TicketAssertion is the verified content of a ticket link.  It is produced
// only after the signed assertion has been checked and the order looked up,
// so everything in it is trusted.
//
// Fields:
//  TicketPosition – the position the link was issued for.
//  ItemIDs        – item IDs of every non-canceled position in the order.
//  Answers        – question identifier to answer for this position.
type TicketAssertion struct {
	TicketPosition
	ItemIDs []int64
	Answers map[string]string
}
