package model

import "time"

// PendingRegistration is a ticket position that is part way through the
// Discord handshake.  The row is written when the ticket has been verified
// and a state token handed out, and it is consumed exactly once when the
// OAuth2 redirect comes back.  There is at most one pending row per ticket
// position; starting again overwrites the previous row and with it the
// previous state token.
//
// Fields:
//  TicketPosition – order code and position (primary key).
//  StateToken     – opaque token sent through the OAuth2 "state" parameter.
//  CreatedAt      – when the handshake was started (UTC).
//  Nickname       – server nickname derived from the order answers (nullable).
//  Roles          – Discord role IDs to grant once linked.
type PendingRegistration struct {
	TicketPosition
	StateToken string    // pending.state_token
	CreatedAt  time.Time // pending.created_at
	Nickname   *string   // pending.nickname (nullable)
	Roles      []int64   // pending.roles (JSON array)
}

// ActiveRegistration is a ticket position that has been linked to a Discord
// account.  CreatedAt carries the original pending creation time rather than
// the completion time so the audit trail shows when the flow began.
//
// Fields:
//  TicketPosition – order code and position (primary key).
//  AccountID      – Discord user ID the ticket is linked to.
//  CreatedAt      – creation time of the pending row that led here (UTC).
//  Nickname       – server nickname (nullable).
//  Roles          – Discord role IDs granted on completion.
type ActiveRegistration struct {
	TicketPosition
	AccountID string    // active.account_id
	CreatedAt time.Time // active.created_at
	Nickname  *string   // active.nickname (nullable)
	Roles     []int64   // active.roles (JSON array)
}
