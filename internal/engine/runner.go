package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldhouse/CampReach/internal/channel"
	"github.com/fieldhouse/CampReach/internal/models"
	"github.com/fieldhouse/CampReach/internal/store"
	"github.com/fieldhouse/CampReach/internal/template"
)

// Run drives the fire-time poll loop until ctx is cancelled. Stale locks left
// by a crashed instance are requeued once at startup.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.RecoverStale(); err != nil {
		slog.Warn("Dispatcher.Run: stale send recovery failed", "error", err)
	}

	ticker := time.NewTicker(d.settings.PollInterval)
	defer ticker.Stop()

	slog.Info("Dispatcher.Run: poll loop started", "poll_interval", d.settings.PollInterval, "workers", d.settings.WorkerCount)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher.Run: poll loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := d.DispatchDue(ctx, time.Now()); err != nil {
				slog.Error("Dispatcher.Run: dispatch pass failed", "error", err)
			}
		}
	}
}

// RecoverStale requeues sends whose claim outlived StaleLockAfter without
// reaching a terminal state.
func (d *Dispatcher) RecoverStale() error {
	n, err := d.st.RequeueStaleScheduledSends(time.Now().Add(-d.settings.StaleLockAfter))
	if err != nil {
		return fmt.Errorf("failed to requeue stale sends: %w", err)
	}
	if n > 0 {
		slog.Info("Dispatcher.RecoverStale: requeued stale sends", "count", n)
	}
	return nil
}

// DispatchDue claims all sends due at now and fires them through a bounded
// worker pool. One pass; the poll loop calls it on every tick.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time) error {
	due, err := d.st.ClaimDueScheduledSends(now, d.settings.ClaimBatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim due sends: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	slog.Debug("Dispatcher.DispatchDue: claimed due sends", "count", len(due))

	sem := make(chan struct{}, d.settings.WorkerCount)
	var wg sync.WaitGroup
	for _, send := range due {
		send := send
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.fire(ctx, send)
		}()
	}
	wg.Wait()
	return nil
}

// fire delivers one claimed send, re-validating the gates that may have
// changed since scheduling: the rule must still exist and be active, and the
// recipient's current opt-out flag is re-read. Everything else comes from the
// snapshot taken at trigger time.
func (d *Dispatcher) fire(ctx context.Context, send models.ScheduledSend) {
	rule, err := d.st.GetRule(send.RuleID)
	if errors.Is(err, store.ErrRuleNotFound) {
		d.finish(send.ID, models.SendStatusCancelled, "rule deleted")
		return
	}
	if err != nil {
		// Leave the send claimed; stale-lock recovery retries it later.
		slog.Error("Dispatcher.fire: failed to load rule", "error", err, "send_id", send.ID)
		return
	}
	if !rule.IsActive {
		d.finish(send.ID, models.SendStatusCancelled, "rule paused")
		return
	}

	optedOut, err := d.st.IsOptedOut(send.ContactID)
	if errors.Is(err, store.ErrContactNotFound) {
		optedOut = send.Snapshot.OptedOut
	} else if err != nil {
		slog.Error("Dispatcher.fire: opt-out check failed", "error", err, "send_id", send.ID)
		return
	}
	if optedOut {
		d.logOutcome(rule, send, "", "", channel.SendResult{Status: models.ProviderStatusSkipped, Error: "recipient opted out"})
		d.finish(send.ID, models.SendStatusCancelled, "recipient opted out")
		return
	}

	tpl, err := d.st.GetTemplate(rule.TemplateID)
	if errors.Is(err, store.ErrTemplateNotFound) {
		d.finish(send.ID, models.SendStatusFailed, "template not found")
		return
	}
	if err != nil {
		slog.Error("Dispatcher.fire: failed to load template", "error", err, "send_id", send.ID)
		return
	}

	rendered := template.Render(tpl.Body, send.Snapshot.Contact, send.Snapshot.Event)

	sendCtx, cancel := context.WithTimeout(ctx, d.settings.SendTimeout)
	defer cancel()

	attemptedChannel, res, sendErr := d.attemptChannels(sendCtx, rule.Channels, send.Snapshot.Address, rendered)
	d.logOutcome(rule, send, attemptedChannel, rendered, res)

	// Execution count tracks dispatch attempts, not deliveries: a failed
	// provider call still consumed the rule's one shot for this occurrence.
	if err := d.st.IncrementExecutionCount(rule.ID); err != nil {
		slog.Error("Dispatcher.fire: failed to increment execution count", "error", err, "rule_id", rule.ID)
	}

	if sendErr != nil {
		slog.Warn("Dispatcher.fire: send failed", "send_id", send.ID, "rule_id", rule.ID, "error", sendErr)
		d.finish(send.ID, models.SendStatusFailed, sendErr.Error())
		return
	}
	slog.Info("Dispatcher.fire: send delivered", "send_id", send.ID, "rule_id", rule.ID, "channel", attemptedChannel, "provider_id", res.ProviderID)
	d.finish(send.ID, models.SendStatusSent, "")
}

// attemptChannels walks the rule's channel preference list. An unconfigured
// channel falls through to the next; a provider failure does not, since
// retrying a rejected message on a second medium double-messages the
// recipient on transient confusion.
func (d *Dispatcher) attemptChannels(ctx context.Context, channels []models.Channel, address, message string) (models.Channel, channel.SendResult, error) {
	opts := channel.SendOptions{StatusCallbackURL: d.settings.StatusCallbackURL}
	for _, ch := range channels {
		sender, ok := d.registry.Get(ch)
		if !ok || !sender.IsConfigured() {
			slog.Debug("Dispatcher.attemptChannels: channel not configured, trying next", "channel", ch)
			continue
		}
		res, err := sender.Send(ctx, address, message, opts)
		if err != nil && errors.Is(err, channel.ErrChannelNotConfigured) {
			continue
		}
		return ch, res, err
	}
	err := fmt.Errorf("%w: no configured channel among %v", channel.ErrChannelNotConfigured, channels)
	first := models.Channel("")
	if len(channels) > 0 {
		first = channels[0]
	}
	return first, channel.FailureResult(err), err
}

// logOutcome appends the delivery log entry for an automation send.
func (d *Dispatcher) logOutcome(rule *models.AutomationRule, send models.ScheduledSend, ch models.Channel, rendered string, res channel.SendResult) {
	entry := &models.DeliveryLogEntry{
		Channel:         ch,
		ContactID:       send.ContactID,
		Address:         send.Snapshot.Address,
		RuleID:          rule.ID,
		RenderedMessage: rendered,
		ProviderStatus:  res.Status,
		ProviderID:      res.ProviderID,
		ErrorMessage:    res.Error,
	}
	if err := d.st.AddDeliveryLog(entry); err != nil {
		slog.Error("Dispatcher.logOutcome: failed to append delivery log", "error", err, "send_id", send.ID)
	}
}

// finish transitions a claimed send to its terminal status.
func (d *Dispatcher) finish(sendID string, status models.SendStatus, lastError string) {
	if err := d.st.MarkScheduledSendResult(sendID, status, lastError); err != nil {
		slog.Error("Dispatcher.finish: failed to mark send result", "error", err, "send_id", sendID, "status", status)
	}
}
