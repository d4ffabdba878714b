// Package twilio wraps the Twilio REST API for the SMS and Voice channels.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/fieldhouse/CampReach/internal/channel"
	"github.com/fieldhouse/CampReach/internal/models"
)

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string // E.164 number used for both SMS and Voice
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// Client wraps the Twilio REST client. A zero-value (unconfigured) Client is
// valid: its senders report IsConfigured() == false and fail fast.
type Client struct {
	rest *twilio.RestClient
	from string
}

// NewClient creates a Twilio client, falling back to environment variables
// for any option not provided. Missing credentials do not error; they produce
// an unconfigured client so deployments without Twilio still boot.
func NewClient(opts ...Option) *Client {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return &Client{}
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{rest: rest, from: cfg.FromNumber}
}

// configured reports whether the client has credentials.
func (c *Client) configured() bool {
	return c != nil && c.rest != nil && c.from != ""
}

// classify converts a Twilio API error into one of the channel error kinds.
// A 4xx response is a permanent rejection; anything else (5xx, timeouts,
// transport failures) is transient. Neither is auto-retried.
func classify(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Status >= 400 && restErr.Status < 500 {
			return fmt.Errorf("%w: %v", channel.ErrProviderRejected, err)
		}
		return fmt.Errorf("%w: %v", channel.ErrProviderTransient, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", channel.ErrProviderTransient, err)
	}
	return fmt.Errorf("%w: %v", channel.ErrProviderTransient, err)
}

// SMSSender implements channel.Sender over the Twilio Messages API.
type SMSSender struct {
	client *Client
}

// NewSMSSender creates the SMS channel sender.
func NewSMSSender(client *Client) *SMSSender {
	return &SMSSender{client: client}
}

// Channel identifies this sender as the SMS channel.
func (s *SMSSender) Channel() models.Channel { return models.ChannelSMS }

// IsConfigured reports whether Twilio credentials are present.
func (s *SMSSender) IsConfigured() bool { return s.client.configured() }

// Send dispatches an SMS. The SendResult is populated even on error.
func (s *SMSSender) Send(ctx context.Context, recipientAddress, message string, opts channel.SendOptions) (channel.SendResult, error) {
	if !s.IsConfigured() {
		err := fmt.Errorf("%w: sms", channel.ErrChannelNotConfigured)
		return channel.FailureResult(err), err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(recipientAddress)
	params.SetFrom(s.client.from)
	params.SetBody(message)
	if opts.StatusCallbackURL != "" {
		params.SetStatusCallback(opts.StatusCallbackURL)
	}

	resp, err := s.client.rest.Api.CreateMessage(params)
	if err != nil {
		classified := classify(err)
		slog.Error("Twilio SMS send failed", "to", recipientAddress, "error", err)
		return channel.FailureResult(classified), classified
	}

	result := channel.SendResult{Success: true, Status: models.ProviderStatusSent}
	if resp.Sid != nil {
		result.ProviderID = *resp.Sid
	}
	slog.Debug("Twilio SMS sent", "to", recipientAddress, "provider_id", result.ProviderID)
	return result, nil
}

// VoiceSender implements channel.Sender over the Twilio Calls API. A
// non-empty message is spoken via text-to-speech; an empty message with
// opts.IVRURL set hands call control to the IVR flow at that URL.
type VoiceSender struct {
	client *Client
}

// NewVoiceSender creates the Voice channel sender.
func NewVoiceSender(client *Client) *VoiceSender {
	return &VoiceSender{client: client}
}

// Channel identifies this sender as the Voice channel.
func (s *VoiceSender) Channel() models.Channel { return models.ChannelVoice }

// IsConfigured reports whether Twilio credentials are present.
func (s *VoiceSender) IsConfigured() bool { return s.client.configured() }

// Send places an outbound call. The SendResult is populated even on error.
func (s *VoiceSender) Send(ctx context.Context, recipientAddress, message string, opts channel.SendOptions) (channel.SendResult, error) {
	if !s.IsConfigured() {
		err := fmt.Errorf("%w: voice", channel.ErrChannelNotConfigured)
		return channel.FailureResult(err), err
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(recipientAddress)
	params.SetFrom(s.client.from)
	if opts.StatusCallbackURL != "" {
		params.SetStatusCallback(opts.StatusCallbackURL)
	}

	switch {
	case message != "":
		params.SetTwiml(sayTwiml(message))
	case opts.IVRURL != "":
		params.SetUrl(opts.IVRURL)
	default:
		err := fmt.Errorf("%w: voice call needs a message or an IVR URL", channel.ErrProviderRejected)
		return channel.FailureResult(err), err
	}

	resp, err := s.client.rest.Api.CreateCall(params)
	if err != nil {
		classified := classify(err)
		slog.Error("Twilio voice call failed", "to", recipientAddress, "error", err)
		return channel.FailureResult(classified), classified
	}

	result := channel.SendResult{Success: true, Status: models.ProviderStatusSent}
	if resp.Sid != nil {
		result.ProviderID = *resp.Sid
	}
	slog.Debug("Twilio voice call placed", "to", recipientAddress, "provider_id", result.ProviderID, "ivr", message == "")
	return result, nil
}

// sayTwiml builds the minimal TwiML document for a text-to-speech call.
func sayTwiml(message string) string {
	escaped := xmlEscape(message)
	return "<Response><Say>" + escaped + "</Say></Response>"
}

func xmlEscape(s string) string {
	var out []byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '&':
			out = append(out, "&amp;"...)
		case '<':
			out = append(out, "&lt;"...)
		case '>':
			out = append(out, "&gt;"...)
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
