// Package engine implements the automation dispatcher: trigger ingestion,
// rule matching, scheduling, and fire-time delivery.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldhouse/CampReach/internal/channel"
	"github.com/fieldhouse/CampReach/internal/condition"
	"github.com/fieldhouse/CampReach/internal/models"
	"github.com/fieldhouse/CampReach/internal/quiethours"
	"github.com/fieldhouse/CampReach/internal/store"
	"github.com/fieldhouse/CampReach/internal/template"
)

// Default dispatcher tuning values.
const (
	DefaultPollInterval   = 15 * time.Second
	DefaultClaimBatchSize = 50
	DefaultWorkerCount    = 4
	DefaultSendTimeout    = 30 * time.Second
	DefaultStaleLockAfter = 10 * time.Minute
)

// TestSendPrefix marks manually triggered test messages so recipients can
// tell them apart from live automation traffic.
const TestSendPrefix = "[TEST] "

// Settings configures dispatcher behavior. The zero value is usable; zero
// fields fall back to the defaults above.
type Settings struct {
	// QuietStart and QuietEnd bound the daily quiet window (clock hours in
	// Location). The window may wrap midnight.
	QuietStart int
	QuietEnd   int
	// QuietEnabled turns the quiet-hours gate on.
	QuietEnabled bool
	// Location is the business timezone used for quiet hours and date
	// conditions. Defaults to time.Local.
	Location *time.Location

	PollInterval   time.Duration
	ClaimBatchSize int
	WorkerCount    int
	SendTimeout    time.Duration
	StaleLockAfter time.Duration

	// StatusCallbackURL, when set, is passed to providers so delivery
	// status updates flow back into the delivery log.
	StatusCallbackURL string
}

func (s *Settings) applyDefaults() {
	if s.Location == nil {
		s.Location = time.Local
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.ClaimBatchSize <= 0 {
		s.ClaimBatchSize = DefaultClaimBatchSize
	}
	if s.WorkerCount <= 0 {
		s.WorkerCount = DefaultWorkerCount
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = DefaultSendTimeout
	}
	if s.StaleLockAfter <= 0 {
		s.StaleLockAfter = DefaultStaleLockAfter
	}
}

// Dispatcher routes trigger events to automation rules and delivers the
// scheduled sends they produce.
type Dispatcher struct {
	st       store.Store
	registry *channel.Registry
	settings Settings
}

// NewDispatcher creates a dispatcher over the given store and channel registry.
func NewDispatcher(st store.Store, registry *channel.Registry, settings Settings) *Dispatcher {
	settings.applyDefaults()
	return &Dispatcher{st: st, registry: registry, settings: settings}
}

// HandleEvent evaluates a trigger event against every active rule subscribed
// to its type and schedules a send per matching rule. Duplicate occurrences
// dedup against the idempotency key and are silently skipped. Returns the
// number of sends scheduled.
func (d *Dispatcher) HandleEvent(ctx context.Context, trigger models.TriggerType, snapshot models.RecipientSnapshot, eventTime time.Time) (int, error) {
	if snapshot.OptedOut {
		slog.Debug("Dispatcher.HandleEvent: recipient opted out, skipping", "trigger", trigger, "contact_id", snapshot.ContactID)
		return 0, nil
	}

	rules, err := d.st.ListActiveRulesByTrigger(trigger)
	if err != nil {
		slog.Error("Dispatcher.HandleEvent: failed to list rules", "error", err, "trigger", trigger)
		return 0, fmt.Errorf("failed to list rules for trigger %s: %w", trigger, err)
	}

	localEvent := eventTime.In(d.settings.Location)
	scheduled := 0
	for _, rule := range rules {
		if !occurrenceDue(&rule, snapshot, localEvent) {
			continue
		}
		if !condition.MatchesAt(rule.Conditions, snapshot, localEvent) {
			continue
		}

		fireAt := localEvent.Add(time.Duration(rule.DelayMinutes) * time.Minute)
		fireAt = quiethours.NextAllowedTime(fireAt, d.settings.QuietStart, d.settings.QuietEnd, d.settings.QuietEnabled)

		send := &models.ScheduledSend{
			RuleID:         rule.ID,
			ContactID:      snapshot.ContactID,
			Snapshot:       snapshot,
			FireAt:         fireAt,
			Status:         models.SendStatusPending,
			IdempotencyKey: models.IdempotencyKey(rule.ID, snapshot.ContactID, occurrenceTime(&rule, eventTime, d.settings.Location)),
		}
		err := d.st.CreateScheduledSend(send)
		if errors.Is(err, store.ErrDuplicateScheduledSend) {
			slog.Debug("Dispatcher.HandleEvent: duplicate occurrence, skipping", "rule_id", rule.ID, "contact_id", snapshot.ContactID)
			continue
		}
		if err != nil {
			slog.Error("Dispatcher.HandleEvent: failed to schedule send", "error", err, "rule_id", rule.ID)
			return scheduled, fmt.Errorf("failed to schedule send for rule %s: %w", rule.ID, err)
		}
		scheduled++
		slog.Info("Dispatcher.HandleEvent: send scheduled", "rule_id", rule.ID, "contact_id", snapshot.ContactID, "fire_at", fireAt)
	}
	return scheduled, nil
}

// SendTestMessage renders a rule's template with sample data and dispatches
// it immediately to the given address. Test sends bypass scheduling, quiet
// hours, the delivery log, and execution counters; the result comes back
// synchronously.
func (d *Dispatcher) SendTestMessage(ctx context.Context, ruleID, testAddress string) (channel.SendResult, error) {
	rule, err := d.st.GetRule(ruleID)
	if err != nil {
		return channel.SendResult{}, err
	}
	tpl, err := d.st.GetTemplate(rule.TemplateID)
	if err != nil {
		return channel.SendResult{}, err
	}

	rendered := TestSendPrefix + template.Render(tpl.Body, sampleContactData(), sampleEventData())

	ctx, cancel := context.WithTimeout(ctx, d.settings.SendTimeout)
	defer cancel()

	opts := channel.SendOptions{StatusCallbackURL: d.settings.StatusCallbackURL}
	for _, ch := range rule.Channels {
		sender, ok := d.registry.Get(ch)
		if !ok || !sender.IsConfigured() {
			continue
		}
		res, err := sender.Send(ctx, testAddress, rendered, opts)
		if err != nil && errors.Is(err, channel.ErrChannelNotConfigured) {
			continue
		}
		return res, err
	}

	err = fmt.Errorf("%w: no configured channel among %v", channel.ErrChannelNotConfigured, rule.Channels)
	return channel.FailureResult(err), err
}

// occurrenceTime anchors the idempotency key. For promo-window rules the
// occurrence is the window itself, keyed to its start date: the daily scan
// revisits every contact for the whole window and must not message them more
// than once per promo. Every other trigger keys on the event time.
func occurrenceTime(rule *models.AutomationRule, eventTime time.Time, loc *time.Location) time.Time {
	if rule.TriggerType != models.TriggerPromoWindow {
		return eventTime
	}
	raw, ok := rule.Conditions[condition.KeyStartDate]
	if !ok {
		return eventTime
	}
	start, err := time.ParseInLocation(condition.DateLayout, raw, loc)
	if err != nil {
		return eventTime
	}
	return start
}

// occurrenceDue reports whether a date-proximity rule applies to this
// occurrence. The daily scanner fires one synthetic event per contact per
// trigger type; each rule's own day offset against the contact's event date
// decides which rules that occurrence belongs to. Non-date triggers are
// always due.
func occurrenceDue(rule *models.AutomationRule, snapshot models.RecipientSnapshot, now time.Time) bool {
	var offset int
	switch rule.TriggerType {
	case models.TriggerEventApproaching:
		offset = -rule.OffsetDays
	case models.TriggerEventCompleted:
		offset = 1
	case models.TriggerEventFollowup, models.TriggerClinicNoCampPurchase:
		offset = rule.OffsetDays
	default:
		return true
	}

	raw, ok := snapshot.Attr("event_date")
	if !ok {
		return false
	}
	eventDate, err := time.ParseInLocation(condition.DateLayout, raw, now.Location())
	if err != nil {
		return false
	}
	due := eventDate.AddDate(0, 0, offset)
	return due.Year() == now.Year() && due.YearDay() == now.YearDay()
}

// sampleContactData supplies placeholder values for test sends.
func sampleContactData() map[string]string {
	return map[string]string{
		"parent_name": "Jordan Fieldhouse",
		"child_name":  "Emma",
		"child_age":   "8",
		"market":      "PA",
	}
}

// sampleEventData supplies event placeholder values for test sends.
func sampleEventData() map[string]string {
	return map[string]string{
		"event_name": "Spring Soccer Clinic",
		"event_date": "2025-04-12",
		"location":   "Riverside Park Field 2",
	}
}
