// Package scheduler provides cron-based scheduling for CampReach.
//
// It wraps robfig/cron for arbitrary jobs and drives the daily date-proximity
// scan that synthesizes trigger events for event_approaching, event_completed,
// event_followup, clinic_no_camp_purchase, and promo_window rules.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fieldhouse/CampReach/internal/models"
	"github.com/fieldhouse/CampReach/internal/store"
)

// DefaultScanSpec runs the date-proximity scan every morning at 07:00,
// before the business day's sends go out.
const DefaultScanSpec = "0 7 * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler in the given location.
func NewScheduler(loc *time.Location) *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)), cron.WithLocation(loc))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// EventHandler consumes one synthesized trigger occurrence. The automation
// dispatcher satisfies this.
type EventHandler interface {
	HandleEvent(ctx context.Context, trigger models.TriggerType, snapshot models.RecipientSnapshot, eventTime time.Time) (int, error)
}

// Scanner walks the contact base once a day and synthesizes date-proximity
// trigger events. Idempotency comes from the event time: every scan on a
// given day uses that day's midnight, so re-runs dedup against the scheduled
// sends created by the first.
type Scanner struct {
	st      store.ContactRepo
	handler EventHandler
	loc     *time.Location
}

// NewScanner creates a date-proximity scanner.
func NewScanner(st store.ContactRepo, handler EventHandler, loc *time.Location) *Scanner {
	if loc == nil {
		loc = time.Local
	}
	return &Scanner{st: st, handler: handler, loc: loc}
}

// dateTriggers are the trigger types the daily scan can originate. Which
// rules each occurrence reaches is decided downstream by rule offsets and
// conditions.
var dateTriggers = []models.TriggerType{
	models.TriggerEventApproaching,
	models.TriggerEventCompleted,
	models.TriggerEventFollowup,
	models.TriggerClinicNoCampPurchase,
	models.TriggerPromoWindow,
}

// Schedule registers the daily scan on the scheduler.
func (s *Scanner) Schedule(sched *Scheduler, spec string) error {
	if spec == "" {
		spec = DefaultScanSpec
	}
	return sched.AddJob(spec, func() {
		if _, err := s.Scan(context.Background(), time.Now()); err != nil {
			slog.Error("Scanner: daily scan failed", "error", err)
		}
	})
}

// Scan synthesizes trigger events for every opted-in contact. Returns the
// number of sends scheduled across all triggers.
func (s *Scanner) Scan(ctx context.Context, now time.Time) (int, error) {
	contacts, err := s.st.FindContacts(nil)
	if err != nil {
		return 0, err
	}

	// Midnight in the business timezone; all scans on one day share an
	// idempotency bucket.
	local := now.In(s.loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)

	total := 0
	for _, contact := range contacts {
		snapshot := snapshotFromContact(contact)
		for _, trigger := range dateTriggers {
			if !triggerApplies(trigger, contact) {
				continue
			}
			n, err := s.handler.HandleEvent(ctx, trigger, snapshot, dayStart)
			if err != nil {
				slog.Error("Scanner: trigger dispatch failed", "error", err, "trigger", trigger, "contact_id", contact.ID)
				continue
			}
			total += n
		}
	}
	slog.Info("Scanner: daily scan finished", "contacts", len(contacts), "scheduled", total)
	return total, nil
}

// triggerApplies prunes triggers that cannot possibly match a contact so the
// scan does not spray pointless events at the dispatcher.
func triggerApplies(trigger models.TriggerType, c models.Contact) bool {
	switch trigger {
	case models.TriggerEventApproaching, models.TriggerEventCompleted, models.TriggerEventFollowup:
		_, ok := c.Attributes["event_date"]
		return ok
	case models.TriggerClinicNoCampPurchase:
		if c.Attributes["program_type"] != "clinic" {
			return false
		}
		if c.Attributes["camp_purchased"] == "true" {
			return false
		}
		_, ok := c.Attributes["event_date"]
		return ok
	default:
		return true
	}
}

// eventAttrKeys are contact attributes carried into the synthetic event
// portion of the snapshot, mirroring what a live booking event would supply.
var eventAttrKeys = []string{"event_name", "event_date", "location", "program_type"}

func snapshotFromContact(c models.Contact) models.RecipientSnapshot {
	event := make(map[string]string)
	for _, k := range eventAttrKeys {
		if v, ok := c.Attributes[k]; ok {
			event[k] = v
		}
	}
	return models.RecipientSnapshot{
		ContactID: c.ID,
		Address:   c.Phone,
		Contact:   c.Attributes,
		Event:     event,
		OptedOut:  c.OptedOut,
	}
}
