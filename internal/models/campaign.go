package models

import (
	"errors"
	"time"
)

// CampaignStatus represents the lifecycle state of a bulk campaign.
type CampaignStatus string

const (
	// CampaignStatusSending indicates the batch runner is still working
	// through the recipient list.
	CampaignStatusSending CampaignStatus = "sending"
	// CampaignStatusCompleted indicates every recipient has been attempted,
	// regardless of individual outcomes.
	CampaignStatusCompleted CampaignStatus = "completed"
	// CampaignStatusFailed indicates the batch could not start at all
	// (e.g. the audience filter resolved to zero recipients).
	CampaignStatusFailed CampaignStatus = "failed"
)

// Campaign validation errors.
var (
	ErrEmptyCampaignName     = errors.New("campaign name cannot be empty")
	ErrEmptyCampaignTemplate = errors.New("campaign message template cannot be empty")
	ErrInvalidMessageType    = errors.New("invalid campaign message type")
)

// Campaign is a bulk send against an audience resolved once at creation.
// TotalRecipients is fixed at creation so delivery-rate reporting has a
// stable denominator even if contacts opt out mid-send. SentCount only
// increases; failed attempts are recorded in the delivery log instead.
type Campaign struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	MessageType     Channel           `json:"message_type"`
	MessageTemplate string            `json:"message_template"`
	AudienceFilter  map[string]string `json:"audience_filter,omitempty"`
	Status          CampaignStatus    `json:"status"`
	TotalRecipients int               `json:"total_recipients"`
	SentCount       int               `json:"sent_count"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Validate performs validation on a Campaign at creation time.
func (c *Campaign) Validate() error {
	if c.Name == "" {
		return ErrEmptyCampaignName
	}
	if c.MessageTemplate == "" {
		return ErrEmptyCampaignTemplate
	}
	if len(c.MessageTemplate) > MaxTemplateBodyLength {
		return ErrTemplateBodyTooLong
	}
	if !IsValidChannel(c.MessageType) {
		return ErrInvalidMessageType
	}
	return nil
}
