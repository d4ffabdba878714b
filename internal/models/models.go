// Package models defines the core data structures for CampReach.
//
// It includes automation rules, recipient snapshots, scheduled sends, delivery
// log entries, and campaigns, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Channel identifies a messaging medium with its own provider integration.
type Channel string

const (
	// ChannelSMS delivers plain text messages through the SMS provider.
	ChannelSMS Channel = "sms"
	// ChannelVoice places an outbound call (text-to-speech or IVR).
	ChannelVoice Channel = "voice"
	// ChannelWhatsApp delivers messages through WhatsApp.
	ChannelWhatsApp Channel = "whatsapp"
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelSMS, ChannelVoice, ChannelWhatsApp:
		return true
	default:
		return false
	}
}

// TriggerType names a domain event type that automation rules subscribe to.
type TriggerType string

const (
	// TriggerOrderPlaced fires when a new order comes in.
	TriggerOrderPlaced TriggerType = "order_placed"
	// TriggerNewContact fires when a contact is first created.
	TriggerNewContact TriggerType = "new_contact"
	// TriggerEventApproaching fires N days before a booked event date.
	TriggerEventApproaching TriggerType = "event_approaching"
	// TriggerEventCompleted fires the day after an event date has passed.
	TriggerEventCompleted TriggerType = "event_completed"
	// TriggerEventFollowup fires N days after an event date.
	TriggerEventFollowup TriggerType = "event_followup"
	// TriggerClinicNoCampPurchase fires for clinic attendees who never
	// purchased a camp program.
	TriggerClinicNoCampPurchase TriggerType = "clinic_no_camp_purchase"
	// TriggerPromoWindow fires for contacts during a configured date window.
	TriggerPromoWindow TriggerType = "promo_window"
)

// IsValidTriggerType checks if the given trigger type is supported.
func IsValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerOrderPlaced, TriggerNewContact, TriggerEventApproaching,
		TriggerEventCompleted, TriggerEventFollowup, TriggerClinicNoCampPurchase,
		TriggerPromoWindow:
		return true
	default:
		return false
	}
}

// Validation constants for rule and template input validation.
const (
	// MaxDelayMinutes is the upper bound for rule send delays (7 days).
	MaxDelayMinutes = 10080
	// MaxTemplateBodyLength is the maximum allowed template body length.
	MaxTemplateBodyLength = 4096
	// MaxOffsetDays bounds the day offset for date-proximity triggers.
	MaxOffsetDays = 365
)

// Error variables for better error handling and testability.
var (
	ErrEmptyRuleName      = errors.New("rule name cannot be empty")
	ErrInvalidTriggerType = errors.New("invalid trigger type")
	ErrMissingTemplate    = errors.New("template is required")
	ErrDelayOutOfRange    = errors.New("delay_minutes must be between 0 and 10080")
	ErrNoChannels         = errors.New("at least one channel is required")
	ErrInvalidChannel     = errors.New("invalid channel")
	ErrOffsetOutOfRange   = errors.New("offset_days out of range")
	ErrEmptyTemplateBody  = errors.New("template body cannot be empty")
	ErrTemplateBodyTooLong = errors.New("template body exceeds maximum length")
)

// AutomationRule defines when and how an automated message is sent.
//
// Channels is a failover preference list: the dispatcher tries the first
// configured channel and falls through only when a channel is not configured.
// ExecutionCount is incremented by the dispatcher alone, never decremented.
type AutomationRule struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	TriggerType    TriggerType       `json:"trigger_type"`
	OffsetDays     int               `json:"offset_days,omitempty"` // for event_approaching / event_followup
	Conditions     map[string]string `json:"conditions,omitempty"`
	TemplateID     string            `json:"template_id"`
	Channels       []Channel         `json:"channels"`
	DelayMinutes   int               `json:"delay_minutes"`
	IsActive       bool              `json:"is_active"`
	ExecutionCount int64             `json:"execution_count"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	DeletedAt      *time.Time        `json:"deleted_at,omitempty"`
}

// Validate performs comprehensive validation on an AutomationRule.
func (r *AutomationRule) Validate() error {
	if r.Name == "" {
		return ErrEmptyRuleName
	}
	if !IsValidTriggerType(r.TriggerType) {
		return ErrInvalidTriggerType
	}
	if r.TemplateID == "" {
		return ErrMissingTemplate
	}
	if r.DelayMinutes < 0 || r.DelayMinutes > MaxDelayMinutes {
		return ErrDelayOutOfRange
	}
	if len(r.Channels) == 0 {
		return ErrNoChannels
	}
	for _, c := range r.Channels {
		if !IsValidChannel(c) {
			return ErrInvalidChannel
		}
	}
	if r.OffsetDays < 0 || r.OffsetDays > MaxOffsetDays {
		return ErrOffsetOutOfRange
	}
	return nil
}

// MessageTemplate is a reusable message body with {placeholder} variables.
type MessageTemplate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks template requirements.
func (t *MessageTemplate) Validate() error {
	if t.Body == "" {
		return ErrEmptyTemplateBody
	}
	if len(t.Body) > MaxTemplateBodyLength {
		return ErrTemplateBodyTooLong
	}
	return nil
}

// Contact is a stored recipient with free-form attributes used by condition
// matching and audience filters (market, program_type, child_name, ...).
type Contact struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Phone      string            `json:"phone"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OptedOut   bool              `json:"opted_out"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}
