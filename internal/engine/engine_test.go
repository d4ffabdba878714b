package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fieldhouse/CampReach/internal/channel"
	"github.com/fieldhouse/CampReach/internal/models"
	"github.com/fieldhouse/CampReach/internal/store"
	"github.com/fieldhouse/CampReach/internal/testutil"
)

type fixture struct {
	st   *store.InMemoryStore
	sms  *testutil.MockSender
	wa   *testutil.MockSender
	disp *Dispatcher
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	sms := testutil.NewMockSender(models.ChannelSMS)
	wa := testutil.NewMockSender(models.ChannelWhatsApp)
	return &fixture{
		st:   st,
		sms:  sms,
		wa:   wa,
		disp: NewDispatcher(st, channel.NewRegistry(sms, wa), settings),
	}
}

func (f *fixture) seedRule(t *testing.T, delayMinutes int, conditions map[string]string, channels ...models.Channel) *models.AutomationRule {
	t.Helper()
	tpl := testutil.SeedTemplate(t, f.st, "welcome", "Hi {parent_name}, {child_name} is registered for {event_name}!")
	if len(channels) == 0 {
		channels = []models.Channel{models.ChannelSMS}
	}
	rule := &models.AutomationRule{
		Name:         "welcome new signups",
		TriggerType:  models.TriggerOrderPlaced,
		Conditions:   conditions,
		TemplateID:   tpl.ID,
		Channels:     channels,
		DelayMinutes: delayMinutes,
		IsActive:     true,
	}
	if err := f.st.CreateRule(rule); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	return rule
}

func (f *fixture) seedSnapshot(t *testing.T) models.RecipientSnapshot {
	t.Helper()
	c := testutil.SeedContact(t, f.st, "+15551230001", map[string]string{"parent_name": "Dana", "child_name": "Emma", "market": "PA"})
	return models.RecipientSnapshot{
		ContactID: c.ID,
		Address:   c.Phone,
		Contact:   c.Attributes,
		Event:     map[string]string{"event_name": "Spring Clinic"},
	}
}

func TestHandleEventSchedulesWithDelay(t *testing.T) {
	f := newFixture(t, Settings{})
	rule := f.seedRule(t, 30, nil)
	snap := f.seedSnapshot(t)

	eventTime := time.Date(2025, 4, 1, 12, 0, 0, 0, time.Local)
	n, err := f.disp.HandleEvent(context.Background(), models.TriggerOrderPlaced, snap, eventTime)
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 scheduled send, got %d", n)
	}

	counts, _ := f.st.CountScheduledSendsByRule(rule.ID)
	if counts[models.SendStatusPending] != 1 {
		t.Fatalf("Expected 1 pending send, got %+v", counts)
	}

	claimed, err := f.st.ClaimDueScheduledSends(eventTime.Add(31*time.Minute), 10)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("Expected send due after the delay, got %d", len(claimed))
	}
	if !claimed[0].FireAt.Equal(eventTime.Add(30 * time.Minute)) {
		t.Errorf("fire_at = %v, want event time + 30m", claimed[0].FireAt)
	}
}

func TestHandleEventDedupsRetriedOccurrence(t *testing.T) {
	f := newFixture(t, Settings{})
	f.seedRule(t, 0, nil)
	snap := f.seedSnapshot(t)

	eventTime := time.Now()
	if n, _ := f.disp.HandleEvent(context.Background(), models.TriggerOrderPlaced, snap, eventTime); n != 1 {
		t.Fatalf("First delivery should schedule 1 send, got %d", n)
	}
	// A webhook retry delivers the same occurrence seconds later.
	if n, _ := f.disp.HandleEvent(context.Background(), models.TriggerOrderPlaced, snap, eventTime.Add(5*time.Second)); n != 0 {
		t.Fatalf("Retried occurrence should dedup to 0 sends, got %d", n)
	}
}

func TestHandleEventConditionMismatch(t *testing.T) {
	f := newFixture(t, Settings{})
	f.seedRule(t, 0, map[string]string{"market": "NJ"})
	snap := f.seedSnapshot(t) // market PA

	if n, _ := f.disp.HandleEvent(context.Background(), models.TriggerOrderPlaced, snap, time.Now()); n != 0 {
		t.Fatalf("Mismatched condition should schedule nothing, got %d", n)
	}
}

func TestHandleEventQuietHoursDeferral(t *testing.T) {
	f := newFixture(t, Settings{QuietStart: 21, QuietEnd: 8, QuietEnabled: true})
	f.seedRule(t, 0, nil)
	snap := f.seedSnapshot(t)

	// 22:30 falls inside the 21:00-08:00 quiet window.
	eventTime := time.Date(2025, 4, 1, 22, 30, 0, 0, time.Local)
	if _, err := f.disp.HandleEvent(context.Background(), models.TriggerOrderPlaced, snap, eventTime); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}

	claimed, _ := f.st.ClaimDueScheduledSends(time.Date(2025, 4, 2, 8, 0, 0, 0, time.Local), 10)
	if len(claimed) != 1 {
		t.Fatalf("Expected send claimable at 08:00 next day, got %d", len(claimed))
	}
	want := time.Date(2025, 4, 2, 8, 0, 0, 0, time.Local)
	if !claimed[0].FireAt.Equal(want) {
		t.Errorf("fire_at = %v, want deferred to %v", claimed[0].FireAt, want)
	}
}

func TestFireDeliversAndLogs(t *testing.T) {
	f := newFixture(t, Settings{})
	rule := f.seedRule(t, 0, nil)
	snap := f.seedSnapshot(t)

	eventTime := time.Now().Add(-time.Minute)
	if _, err := f.disp.HandleEvent(context.Background(), models.TriggerOrderPlaced, snap, eventTime); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if err := f.disp.DispatchDue(context.Background(), time.Now()); err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}

	sent := f.sms.Sent()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 SMS, got %d", len(sent))
	}
	if want := "Hi Dana, Emma is registered for Spring Clinic!"; sent[0].Message != want {
		t.Errorf("Rendered message = %q, want %q", sent[0].Message, want)
	}

	counts, _ := f.st.CountScheduledSendsByRule(rule.ID)
	if counts[models.SendStatusSent] != 1 {
		t.Errorf("Send should be terminal sent, got %+v", counts)
	}

	got, _ := f.st.GetRule(rule.ID)
	if got.ExecutionCount != 1 {
		t.Errorf("Execution count = %d, want 1", got.ExecutionCount)
	}

	entries, _ := f.st.ListDeliveryLog(10, 0)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 delivery log entry, got %d", len(entries))
	}
	if entries[0].RuleID != rule.ID || entries[0].ProviderStatus != models.ProviderStatusSent || entries[0].ProviderID == "" {
		t.Errorf("Log entry mismatch: %+v", entries[0])
	}
}

func TestFireCancelsWhenRulePausedBeforeFire(t *testing.T) {
	f := newFixture(t, Settings{})
	rule := f.seedRule(t, 0, nil)
	snap := f.seedSnapshot(t)

	if _, err := f.disp.HandleEvent(context.Background(), models.TriggerOrderPlaced, snap, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if err := f.st.SetRuleActive(rule.ID, false); err != nil {
		t.Fatalf("SetRuleActive failed: %v", err)
	}
	if err := f.disp.DispatchDue(context.Background(), time.Now()); err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}

	if f.sms.SentCount() != 0 {
		t.Error("Paused rule must not send")
	}
	counts, _ := f.st.CountScheduledSendsByRule(rule.ID)
	if counts[models.SendStatusCancelled] != 1 {
		t.Errorf("Expected cancelled send, got %+v", counts)
	}
	got, _ := f.st.GetRule(rule.ID)
	if got.ExecutionCount != 0 {
		t.Errorf("Cancelled fire must not count as execution, got %d", got.ExecutionCount)
	}
}

func TestFireSkipsFreshOptOut(t *testing.T) {
	f := newFixture(t, Settings{})
	rule := f.seedRule(t, 0, nil)
	snap := f.seedSnapshot(t)

	if _, err := f.disp.HandleEvent(context.Background(), models.TriggerOrderPlaced, snap, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	// STOP arrives between scheduling and fire time.
	if err := f.st.SetOptOutByPhone(snap.Address, true); err != nil {
		t.Fatalf("SetOptOutByPhone failed: %v", err)
	}
	if err := f.disp.DispatchDue(context.Background(), time.Now()); err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}

	if f.sms.SentCount() != 0 {
		t.Error("Opted-out recipient must not receive the send")
	}
	counts, _ := f.st.CountScheduledSendsByRule(rule.ID)
	if counts[models.SendStatusCancelled] != 1 {
		t.Errorf("Expected cancelled send, got %+v", counts)
	}
	entries, _ := f.st.ListDeliveryLog(10, 0)
	if len(entries) != 1 || entries[0].ProviderStatus != models.ProviderStatusSkipped {
		t.Errorf("Expected skipped delivery log entry, got %+v", entries)
	}
}

func TestFireFailsOverOnlyOnUnconfiguredChannel(t *testing.T) {
	f := newFixture(t, Settings{})
	// SMS unconfigured, WhatsApp available.
	unconfSMS := testutil.NewUnconfiguredSender(models.ChannelSMS)
	f.disp = NewDispatcher(f.st, channel.NewRegistry(unconfSMS, f.wa), Settings{})
	rule := f.seedRule(t, 0, nil, models.ChannelSMS, models.ChannelWhatsApp)
	snap := f.seedSnapshot(t)

	if _, err := f.disp.HandleEvent(context.Background(), models.TriggerOrderPlaced, snap, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if err := f.disp.DispatchDue(context.Background(), time.Now()); err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}

	if f.wa.SentCount() != 1 {
		t.Errorf("Expected failover to WhatsApp, got %d sends", f.wa.SentCount())
	}
	counts, _ := f.st.CountScheduledSendsByRule(rule.ID)
	if counts[models.SendStatusSent] != 1 {
		t.Errorf("Expected sent, got %+v", counts)
	}
}

func TestFireDoesNotFailOverOnProviderError(t *testing.T) {
	f := newFixture(t, Settings{})
	f.sms.NextErr = channel.ErrProviderRejected
	rule := f.seedRule(t, 0, nil, models.ChannelSMS, models.ChannelWhatsApp)
	snap := f.seedSnapshot(t)

	if _, err := f.disp.HandleEvent(context.Background(), models.TriggerOrderPlaced, snap, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if err := f.disp.DispatchDue(context.Background(), time.Now()); err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}

	if f.wa.SentCount() != 0 {
		t.Error("Provider rejection must not fail over to another channel")
	}
	counts, _ := f.st.CountScheduledSendsByRule(rule.ID)
	if counts[models.SendStatusFailed] != 1 {
		t.Errorf("Expected failed send, got %+v", counts)
	}
	entries, _ := f.st.ListDeliveryLog(10, 0)
	if len(entries) != 1 || entries[0].ProviderStatus != models.ProviderStatusFailed || entries[0].ErrorMessage == "" {
		t.Errorf("Expected failed log entry with error, got %+v", entries)
	}
}

func TestConcurrentFiresCountEveryExecution(t *testing.T) {
	f := newFixture(t, Settings{WorkerCount: 8, ClaimBatchSize: 200})
	rule := f.seedRule(t, 0, nil)

	const fires = 100
	for i := 0; i < fires; i++ {
		c := testutil.SeedContact(t, f.st, fmt.Sprintf("+1555999%04d", i), map[string]string{"parent_name": "P", "child_name": "C"})
		snap := models.RecipientSnapshot{ContactID: c.ID, Address: c.Phone, Contact: c.Attributes}
		if _, err := f.disp.HandleEvent(context.Background(), models.TriggerOrderPlaced, snap, time.Now().Add(-time.Minute)); err != nil {
			t.Fatalf("HandleEvent failed: %v", err)
		}
	}

	if err := f.disp.DispatchDue(context.Background(), time.Now()); err != nil {
		t.Fatalf("DispatchDue failed: %v", err)
	}

	got, _ := f.st.GetRule(rule.ID)
	if got.ExecutionCount != fires {
		t.Errorf("Execution count = %d, want %d", got.ExecutionCount, fires)
	}
	if f.sms.SentCount() != fires {
		t.Errorf("Sent %d messages, want %d", f.sms.SentCount(), fires)
	}
}

func TestSendTestMessageBypassesLogAndCounters(t *testing.T) {
	f := newFixture(t, Settings{QuietStart: 0, QuietEnd: 23, QuietEnabled: true})
	rule := f.seedRule(t, 0, nil)

	res, err := f.disp.SendTestMessage(context.Background(), rule.ID, "+15557654321")
	if err != nil {
		t.Fatalf("SendTestMessage failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("Expected successful test send, got %+v", res)
	}

	sent := f.sms.Sent()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 test send, got %d", len(sent))
	}
	if !strings.HasPrefix(sent[0].Message, TestSendPrefix) {
		t.Errorf("Test message should carry the test marker, got %q", sent[0].Message)
	}
	if strings.Contains(sent[0].Message, "{") {
		t.Errorf("Sample data should resolve all placeholders, got %q", sent[0].Message)
	}

	entries, _ := f.st.ListDeliveryLog(10, 0)
	if len(entries) != 0 {
		t.Errorf("Test sends must not appear in the delivery log, got %d entries", len(entries))
	}
	got, _ := f.st.GetRule(rule.ID)
	if got.ExecutionCount != 0 {
		t.Errorf("Test sends must not increment execution count, got %d", got.ExecutionCount)
	}
}
