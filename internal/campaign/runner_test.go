package campaign

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fieldhouse/CampReach/internal/channel"
	"github.com/fieldhouse/CampReach/internal/models"
	"github.com/fieldhouse/CampReach/internal/queue"
	"github.com/fieldhouse/CampReach/internal/store"
	"github.com/fieldhouse/CampReach/internal/testutil"
)

type fixture struct {
	st     *store.InMemoryStore
	sms    *testutil.MockSender
	q      *queue.InMemoryQueue
	runner *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	sms := testutil.NewMockSender(models.ChannelSMS)
	q := queue.NewInMemoryQueue()
	runner := NewRunner(st, channel.NewRegistry(sms), q)
	if err := runner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return &fixture{st: st, sms: sms, q: q, runner: runner}
}

// drain waits for all published jobs to be handled.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	if err := f.q.Close(); err != nil {
		t.Fatalf("queue close failed: %v", err)
	}
}

func (f *fixture) seedAudience(t *testing.T, n int, attrs map[string]string) []*models.Contact {
	t.Helper()
	var out []*models.Contact
	for i := 0; i < n; i++ {
		out = append(out, testutil.SeedContact(t, f.st, fmt.Sprintf("+1555777%04d", i), attrs))
	}
	return out
}

func waitForStatus(t *testing.T, st store.Store, campaignID string, want models.CampaignStatus) *models.Campaign {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := st.GetCampaign(campaignID)
		if err != nil {
			t.Fatalf("GetCampaign failed: %v", err)
		}
		if c.Status == want {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	c, _ := st.GetCampaign(campaignID)
	t.Fatalf("Campaign never reached %q, stuck at %q", want, c.Status)
	return nil
}

func TestCreateRunsCampaignToCompletion(t *testing.T) {
	f := newFixture(t)
	f.seedAudience(t, 3, map[string]string{"first_name": "Sam", "market": "PA"})

	c, err := f.runner.Create("spring promo", models.ChannelSMS, "Hi {first_name}, spring camps are open!", map[string]string{"market": "PA"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if c.TotalRecipients != 3 {
		t.Fatalf("total_recipients = %d, want 3", c.TotalRecipients)
	}

	got := waitForStatus(t, f.st, c.ID, models.CampaignStatusCompleted)
	if got.SentCount != 3 {
		t.Errorf("sent_count = %d, want 3", got.SentCount)
	}
	if f.sms.SentCount() != 3 {
		t.Errorf("Provider calls = %d, want 3", f.sms.SentCount())
	}

	sent := f.sms.Sent()
	if sent[0].Message != "Hi Sam, spring camps are open!" {
		t.Errorf("Rendered message = %q", sent[0].Message)
	}

	stats, _ := f.st.DeliveryStatsForCampaign(c.ID)
	if stats.Total != 3 || stats.Sent != 3 {
		t.Errorf("Campaign stats mismatch: %+v", stats)
	}
}

func TestCreateEmptyAudienceFailsImmediately(t *testing.T) {
	f := newFixture(t)

	c, err := f.runner.Create("ghost town", models.ChannelSMS, "anyone there?", map[string]string{"market": "MT"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if c.Status != models.CampaignStatusFailed {
		t.Errorf("Empty audience should fail the campaign, got %q", c.Status)
	}
	if c.TotalRecipients != 0 {
		t.Errorf("total_recipients = %d, want 0", c.TotalRecipients)
	}
	if f.sms.SentCount() != 0 {
		t.Error("Nothing should be sent for an empty audience")
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	if _, err := f.runner.Create("", models.ChannelSMS, "body", nil); !errors.Is(err, models.ErrEmptyCampaignName) {
		t.Errorf("Expected ErrEmptyCampaignName, got %v", err)
	}
	if _, err := f.runner.Create("n", models.ChannelSMS, "", nil); !errors.Is(err, models.ErrEmptyCampaignTemplate) {
		t.Errorf("Expected ErrEmptyCampaignTemplate, got %v", err)
	}
	if _, err := f.runner.Create("n", models.Channel("fax"), "body", nil); !errors.Is(err, models.ErrInvalidMessageType) {
		t.Errorf("Expected ErrInvalidMessageType, got %v", err)
	}
}

func TestRecipientFailureDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	f.seedAudience(t, 4, map[string]string{"market": "NJ"})
	// Every provider call is rejected.
	f.sms.NextErr = channel.ErrProviderRejected

	c, err := f.runner.Create("doomed", models.ChannelSMS, "hello", map[string]string{"market": "NJ"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got := waitForStatus(t, f.st, c.ID, models.CampaignStatusCompleted)
	if got.SentCount != 0 {
		t.Errorf("sent_count = %d, want 0 when every send fails", got.SentCount)
	}
	if f.sms.SentCount() != 4 {
		t.Errorf("Every recipient should be attempted, got %d", f.sms.SentCount())
	}

	stats, _ := f.st.DeliveryStatsForCampaign(c.ID)
	if stats.Total != 4 || stats.Failed != 4 {
		t.Errorf("Campaign stats mismatch: %+v", stats)
	}
}

func TestMidSendOptOutKeepsTotalStable(t *testing.T) {
	f := newFixture(t)
	contacts := f.seedAudience(t, 3, map[string]string{"market": "PA"})

	// Opted out before resolution: excluded from the audience entirely.
	if err := f.st.SetOptOutByPhone(contacts[0].Phone, true); err != nil {
		t.Fatalf("SetOptOutByPhone failed: %v", err)
	}

	c, err := f.runner.Create("promo", models.ChannelSMS, "hello", map[string]string{"market": "PA"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if c.TotalRecipients != 2 {
		t.Fatalf("Opted-out contact should be excluded at resolution, total = %d", c.TotalRecipients)
	}
	waitForStatus(t, f.st, c.ID, models.CampaignStatusCompleted)

	// A contact opting out between resolution and processing is skipped at
	// send time but still counts as attempted.
	if err := f.st.SetOptOutByPhone(contacts[1].Phone, true); err != nil {
		t.Fatalf("SetOptOutByPhone failed: %v", err)
	}
	body := testutil.MustMarshalJSON(t, Job{CampaignID: c.ID, ContactID: contacts[1].ID})
	if err := f.runner.handleJob(body); err != nil {
		t.Fatalf("handleJob failed: %v", err)
	}

	got, _ := f.st.GetCampaign(c.ID)
	if got.TotalRecipients != 2 {
		t.Errorf("total_recipients changed mid-send: %d", got.TotalRecipients)
	}
	stats, _ := f.st.DeliveryStatsForCampaign(c.ID)
	if stats.Skipped != 1 {
		t.Errorf("Expected 1 skipped entry, got %+v", stats)
	}
}

func TestUnconfiguredChannelFailsRecipients(t *testing.T) {
	st := store.NewInMemoryStore()
	q := queue.NewInMemoryQueue()
	voice := testutil.NewUnconfiguredSender(models.ChannelVoice)
	runner := NewRunner(st, channel.NewRegistry(voice), q)
	if err := runner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	testutil.SeedContact(t, st, "+15557770001", map[string]string{"market": "PA"})

	c, err := runner.Create("voice blast", models.ChannelVoice, "hello", nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	waitForStatus(t, st, c.ID, models.CampaignStatusCompleted)

	stats, _ := st.DeliveryStatsForCampaign(c.ID)
	if stats.Failed != 1 {
		t.Errorf("Unconfigured channel should record failures, got %+v", stats)
	}
	got, _ := st.GetCampaign(c.ID)
	if got.SentCount != 0 {
		t.Errorf("sent_count = %d, want 0", got.SentCount)
	}
}
