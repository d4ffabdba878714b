package models

import "time"

// SendStatus represents the lifecycle state of a scheduled send.
// pending is the only non-terminal state; sent, failed, and cancelled are
// final and never transition again.
type SendStatus string

const (
	// SendStatusPending indicates the send is waiting for its fire time.
	SendStatusPending SendStatus = "pending"
	// SendStatusSent indicates the send was dispatched successfully.
	SendStatusSent SendStatus = "sent"
	// SendStatusFailed indicates the send was attempted and failed.
	SendStatusFailed SendStatus = "failed"
	// SendStatusCancelled indicates the send was gated off before dispatch
	// (rule deactivated, rule deleted, or recipient opted out).
	SendStatusCancelled SendStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s SendStatus) IsTerminal() bool {
	return s == SendStatusSent || s == SendStatusFailed || s == SendStatusCancelled
}

// ScheduledSend is one pending automated message for one recipient.
// At most one non-terminal ScheduledSend exists per idempotency key.
type ScheduledSend struct {
	ID             string            `json:"id"`
	RuleID         string            `json:"rule_id"`
	ContactID      string            `json:"contact_id"`
	Snapshot       RecipientSnapshot `json:"snapshot"`
	FireAt         time.Time         `json:"fire_at"`
	Status         SendStatus        `json:"status"`
	IdempotencyKey string            `json:"idempotency_key"`
	LastError      string            `json:"last_error,omitempty"`
	LockedAt       *time.Time        `json:"locked_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ProviderStatus is the normalized outcome recorded for a delivery attempt.
type ProviderStatus string

const (
	// ProviderStatusSent indicates the provider accepted the message.
	ProviderStatusSent ProviderStatus = "sent"
	// ProviderStatusDelivered indicates the provider confirmed delivery
	// (set asynchronously via status callback).
	ProviderStatusDelivered ProviderStatus = "delivered"
	// ProviderStatusFailed indicates the provider rejected the message or
	// the call errored/timed out.
	ProviderStatusFailed ProviderStatus = "failed"
	// ProviderStatusSkipped indicates the send was skipped before reaching
	// the provider (e.g. recipient opted out).
	ProviderStatusSkipped ProviderStatus = "skipped"
)

// DeliveryLogEntry is an immutable audit record of one attempted send.
// Exactly one of RuleID or CampaignID is set. The only mutation permitted
// after the fact is provider-status reconciliation by ProviderID.
type DeliveryLogEntry struct {
	ID              string         `json:"id"`
	Channel         Channel        `json:"channel"`
	ContactID       string         `json:"contact_id"`
	Address         string         `json:"address"`
	RuleID          string         `json:"rule_id,omitempty"`
	CampaignID      string         `json:"campaign_id,omitempty"`
	RenderedMessage string         `json:"rendered_message"`
	ProviderStatus  ProviderStatus `json:"provider_status"`
	ProviderID      string         `json:"provider_id,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// DeliveryStats are aggregate counts derived from the delivery log for the
// admin UI.
type DeliveryStats struct {
	Total        int     `json:"total"`
	Sent         int     `json:"sent"`
	Failed       int     `json:"failed"`
	Skipped      int     `json:"skipped"`
	DeliveryRate float64 `json:"delivery_rate"`
}
