package whatsapp

import (
	"context"
	"fmt"

	"github.com/fieldhouse/CampReach/internal/channel"
	"github.com/fieldhouse/CampReach/internal/models"
)

// TextSender is the minimal send surface the channel adapter needs; the full
// Client satisfies it, and tests substitute a mock.
type TextSender interface {
	SendText(ctx context.Context, to string, body string) (string, error)
}

// Sender adapts the WhatsApp client to the channel.Sender contract.
type Sender struct {
	client TextSender
}

// NewSender creates the WhatsApp channel sender. A nil client produces an
// unconfigured sender that fails fast.
func NewSender(client TextSender) *Sender {
	return &Sender{client: client}
}

// Channel identifies this sender as the WhatsApp channel.
func (s *Sender) Channel() models.Channel { return models.ChannelWhatsApp }

// IsConfigured reports whether a WhatsApp client is attached.
func (s *Sender) IsConfigured() bool {
	if s.client == nil {
		return false
	}
	if c, ok := s.client.(*Client); ok {
		return c != nil && c.waClient != nil
	}
	return true
}

// Send dispatches a WhatsApp message. The SendResult is populated even on
// error.
func (s *Sender) Send(ctx context.Context, recipientAddress, message string, opts channel.SendOptions) (channel.SendResult, error) {
	if !s.IsConfigured() {
		err := fmt.Errorf("%w: whatsapp", channel.ErrChannelNotConfigured)
		return channel.FailureResult(err), err
	}

	providerID, err := s.client.SendText(ctx, recipientAddress, message)
	if err != nil {
		classified := fmt.Errorf("%w: %v", channel.ErrProviderTransient, err)
		return channel.FailureResult(classified), classified
	}

	return channel.SendResult{Success: true, Status: models.ProviderStatusSent, ProviderID: providerID}, nil
}
