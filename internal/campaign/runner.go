// Package campaign implements the bulk campaign batch runner.
//
// A campaign resolves its audience once at creation, publishes one job per
// recipient to the queue, and workers drive each job through the shared
// render/send/log pipeline. Recipient failures never abort the batch.
package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldhouse/CampReach/internal/channel"
	"github.com/fieldhouse/CampReach/internal/models"
	"github.com/fieldhouse/CampReach/internal/queue"
	"github.com/fieldhouse/CampReach/internal/store"
	"github.com/fieldhouse/CampReach/internal/template"
)

// DefaultSendTimeout bounds each recipient's provider call.
const DefaultSendTimeout = 30 * time.Second

// Job is the queue payload for one campaign recipient.
type Job struct {
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id"`
}

// Opts holds configuration options for the campaign runner.
type Opts struct {
	SendTimeout       time.Duration
	StatusCallbackURL string
}

// Option defines a configuration option for the campaign runner.
type Option func(*Opts)

// WithSendTimeout bounds each recipient's provider call.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SendTimeout = d }
}

// WithStatusCallbackURL sets where providers post delivery status updates.
func WithStatusCallbackURL(url string) Option {
	return func(o *Opts) { o.StatusCallbackURL = url }
}

// Runner creates campaigns and processes their recipient jobs.
type Runner struct {
	st       store.Store
	registry *channel.Registry
	q        queue.Queue
	opts     Opts
}

// NewRunner creates a campaign runner.
func NewRunner(st store.Store, registry *channel.Registry, q queue.Queue, opts ...Option) *Runner {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Runner{st: st, registry: registry, q: q, opts: cfg}
}

// Create resolves the audience, persists the campaign, and enqueues one job
// per recipient. The campaign ID returns synchronously; sending proceeds out
// of band. A filter matching zero opted-in contacts persists the campaign in
// the failed state without enqueuing anything.
func (r *Runner) Create(name string, messageType models.Channel, messageTemplate string, audienceFilter map[string]string) (*models.Campaign, error) {
	c := &models.Campaign{
		Name:            name,
		MessageType:     messageType,
		MessageTemplate: messageTemplate,
		AudienceFilter:  audienceFilter,
		Status:          models.CampaignStatusSending,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	contacts, err := r.st.FindContacts(audienceFilter)
	if err != nil {
		slog.Error("Runner.Create: audience resolution failed", "error", err)
		return nil, fmt.Errorf("failed to resolve audience: %w", err)
	}

	// Audience membership is fixed here; total_recipients never changes
	// afterwards, even if contacts opt out mid-send.
	c.TotalRecipients = len(contacts)
	if len(contacts) == 0 {
		c.Status = models.CampaignStatusFailed
		if err := r.st.CreateCampaign(c); err != nil {
			return nil, fmt.Errorf("failed to persist campaign: %w", err)
		}
		slog.Warn("Runner.Create: audience is empty, campaign failed", "campaign_id", c.ID)
		return c, nil
	}

	if err := r.st.CreateCampaign(c); err != nil {
		return nil, fmt.Errorf("failed to persist campaign: %w", err)
	}

	for _, contact := range contacts {
		body, err := json.Marshal(Job{CampaignID: c.ID, ContactID: contact.ID})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal campaign job: %w", err)
		}
		if err := r.q.Publish(queue.TopicCampaignSends, body); err != nil {
			slog.Error("Runner.Create: failed to publish job", "error", err, "campaign_id", c.ID, "contact_id", contact.ID)
			return nil, fmt.Errorf("failed to publish campaign job: %w", err)
		}
	}

	slog.Info("Runner.Create: campaign enqueued", "campaign_id", c.ID, "recipients", c.TotalRecipients)
	return c, nil
}

// Start subscribes the runner to the campaign job topic.
func (r *Runner) Start() error {
	return r.q.Subscribe(queue.TopicCampaignSends, r.handleJob)
}

// handleJob processes one recipient: re-check opt-out, render, send, log,
// bump the counter, and mark the campaign completed once every recipient has
// been attempted. Errors are absorbed into delivery log entries; returning
// nil keeps the queue from redelivering a job whose outcome is recorded.
func (r *Runner) handleJob(body []byte) error {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		slog.Error("Runner.handleJob: invalid job payload", "error", err)
		return nil
	}

	c, err := r.st.GetCampaign(job.CampaignID)
	if err != nil {
		slog.Error("Runner.handleJob: campaign lookup failed", "error", err, "campaign_id", job.CampaignID)
		return nil
	}

	contact, err := r.st.GetContact(job.ContactID)
	if err != nil {
		r.logOutcome(c, job.ContactID, "", "", channel.SendResult{Status: models.ProviderStatusSkipped, Error: "contact not found"})
		r.maybeComplete(c)
		return nil
	}
	if contact.OptedOut {
		r.logOutcome(c, contact.ID, contact.Phone, "", channel.SendResult{Status: models.ProviderStatusSkipped, Error: "recipient opted out"})
		r.maybeComplete(c)
		return nil
	}

	rendered := template.Render(c.MessageTemplate, contact.Attributes, nil)

	res := r.send(c.MessageType, contact.Phone, rendered)
	r.logOutcome(c, contact.ID, contact.Phone, rendered, res)
	if res.Success {
		if err := r.st.IncrementCampaignSent(c.ID); err != nil {
			slog.Error("Runner.handleJob: failed to increment sent count", "error", err, "campaign_id", c.ID)
		}
	}
	r.maybeComplete(c)
	return nil
}

// send dispatches one campaign message on the campaign's single channel.
func (r *Runner) send(ch models.Channel, address, message string) channel.SendResult {
	sender, ok := r.registry.Get(ch)
	if !ok || !sender.IsConfigured() {
		err := fmt.Errorf("%w: %s", channel.ErrChannelNotConfigured, ch)
		return channel.FailureResult(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.SendTimeout)
	defer cancel()

	res, err := sender.Send(ctx, address, message, channel.SendOptions{StatusCallbackURL: r.opts.StatusCallbackURL})
	if err != nil && !errors.Is(err, channel.ErrChannelNotConfigured) {
		slog.Warn("Runner.send: provider call failed", "channel", ch, "error", err)
	}
	return res
}

// logOutcome appends the delivery log entry for one campaign recipient.
func (r *Runner) logOutcome(c *models.Campaign, contactID, address, rendered string, res channel.SendResult) {
	entry := &models.DeliveryLogEntry{
		Channel:         c.MessageType,
		ContactID:       contactID,
		Address:         address,
		CampaignID:      c.ID,
		RenderedMessage: rendered,
		ProviderStatus:  res.Status,
		ProviderID:      res.ProviderID,
		ErrorMessage:    res.Error,
	}
	if err := r.st.AddDeliveryLog(entry); err != nil {
		slog.Error("Runner.logOutcome: failed to append delivery log", "error", err, "campaign_id", c.ID)
	}
}

// maybeComplete transitions the campaign to completed once the delivery log
// shows every recipient attempted. The transition is idempotent, so two
// workers finishing the last jobs concurrently both observing completion is
// harmless.
func (r *Runner) maybeComplete(c *models.Campaign) {
	stats, err := r.st.DeliveryStatsForCampaign(c.ID)
	if err != nil {
		slog.Error("Runner.maybeComplete: stats lookup failed", "error", err, "campaign_id", c.ID)
		return
	}
	if stats.Total >= c.TotalRecipients {
		if err := r.st.SetCampaignStatus(c.ID, models.CampaignStatusCompleted); err != nil {
			slog.Error("Runner.maybeComplete: failed to complete campaign", "error", err, "campaign_id", c.ID)
			return
		}
		slog.Info("Runner.maybeComplete: campaign completed", "campaign_id", c.ID, "sent", stats.Sent, "failed", stats.Failed, "skipped", stats.Skipped)
	}
}
