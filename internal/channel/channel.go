// Package channel defines the pluggable message delivery abstraction shared
// by the SMS, Voice, and WhatsApp provider integrations.
//
// Every implementation normalizes its provider outcome into a SendResult so
// callers never inspect provider-specific errors.
package channel

import (
	"context"
	"errors"

	"github.com/fieldhouse/CampReach/internal/models"
)

// Error kinds surfaced by channel senders. The dispatcher branches on these
// with errors.Is; provider-specific detail travels in the wrapped error.
var (
	// ErrChannelNotConfigured indicates the channel has no credentials and
	// fails fast without attempting network I/O.
	ErrChannelNotConfigured = errors.New("channel not configured")
	// ErrProviderRejected indicates a permanent provider rejection
	// (4xx-equivalent); the send is not retryable.
	ErrProviderRejected = errors.New("provider rejected send")
	// ErrProviderTransient indicates a timeout or 5xx-equivalent provider
	// failure; loggable but never auto-retried.
	ErrProviderTransient = errors.New("transient provider error")
)

// SendOptions carries per-send parameters beyond recipient and body.
type SendOptions struct {
	// IVRURL, for the Voice channel, requests an IVR flow instead of
	// text-to-speech when the message body is empty.
	IVRURL string `json:"ivr_url,omitempty"`
	// StatusCallbackURL is where the provider posts delivery status updates.
	StatusCallbackURL string `json:"status_callback_url,omitempty"`
}

// SendResult is the normalized outcome of a send attempt. It is populated
// even when the returned error is non-nil.
type SendResult struct {
	Success    bool                  `json:"success"`
	ProviderID string                `json:"provider_id,omitempty"`
	Status     models.ProviderStatus `json:"status"`
	Error      string                `json:"error,omitempty"`
}

// Sender dispatches one message through one provider.
type Sender interface {
	// Channel identifies the medium this sender serves.
	Channel() models.Channel

	// IsConfigured reports whether the sender has usable credentials. The
	// dispatcher checks this before attempting a send.
	IsConfigured() bool

	// Send dispatches a message to the recipient address. The returned
	// SendResult is always populated, error or not.
	Send(ctx context.Context, recipientAddress, message string, opts SendOptions) (SendResult, error)
}

// Registry holds the configured sender for each channel.
type Registry struct {
	senders map[models.Channel]Sender
}

// NewRegistry creates a registry from the given senders. A nil sender is
// skipped so callers can pass optional integrations unconditionally.
func NewRegistry(senders ...Sender) *Registry {
	r := &Registry{senders: make(map[models.Channel]Sender)}
	for _, s := range senders {
		if s != nil {
			r.senders[s.Channel()] = s
		}
	}
	return r
}

// Get returns the sender registered for a channel.
func (r *Registry) Get(c models.Channel) (Sender, bool) {
	s, ok := r.senders[c]
	return s, ok
}

// Channels lists the registered channels.
func (r *Registry) Channels() []models.Channel {
	out := make([]models.Channel, 0, len(r.senders))
	for c := range r.senders {
		out = append(out, c)
	}
	return out
}

// FailureResult builds a normalized failed SendResult from an error.
func FailureResult(err error) SendResult {
	res := SendResult{Success: false, Status: models.ProviderStatusFailed}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
