// Package queue defines message payloads exchanged over the message broker.
package queue

// GrantRetryQueueName is the durable queue carrying failed membership grants.
const GrantRetryQueueName = "membership.grant.retry"

// MembershipGrantRetryEvent is published when Discord rejected or could not
// be reached for a membership grant after the registration was already
// recorded as active.  The consumer re-applies the grant from the active
// row.  AccessToken is the attendee's short-lived OAuth2 token; without it
// a member who never made it into the server cannot be added.
type MembershipGrantRetryEvent struct {
	OrderCode   string `json:"order_code"`
	Position    int    `json:"position"`
	AccountID   string `json:"account_id"`
	AccessToken string `json:"access_token,omitempty"`
	Reason      string `json:"reason"`
	FailedAt    string `json:"failed_at"`
}
