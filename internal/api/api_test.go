package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/fieldhouse/CampReach/internal/campaign"
	"github.com/fieldhouse/CampReach/internal/channel"
	"github.com/fieldhouse/CampReach/internal/engine"
	"github.com/fieldhouse/CampReach/internal/models"
	"github.com/fieldhouse/CampReach/internal/queue"
	"github.com/fieldhouse/CampReach/internal/store"
	"github.com/fieldhouse/CampReach/internal/testutil"
)

type apiFixture struct {
	st     *store.InMemoryStore
	sms    *testutil.MockSender
	q      *queue.InMemoryQueue
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st := store.NewInMemoryStore()
	sms := testutil.NewMockSender(models.ChannelSMS)
	registry := channel.NewRegistry(sms)
	disp := engine.NewDispatcher(st, registry, engine.Settings{Location: time.UTC})
	q := queue.NewInMemoryQueue()
	runner := campaign.NewRunner(st, registry, q)
	if err := runner.Start(); err != nil {
		t.Fatalf("runner.Start failed: %v", err)
	}
	srv := NewServer(st, disp, runner)
	return &apiFixture{st: st, sms: sms, q: q, router: srv.Router()}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.CreateHTTPRequest(t, method, path, body)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func (f *apiFixture) doForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func (f *apiFixture) seedRule(t *testing.T, trigger models.TriggerType) *models.AutomationRule {
	t.Helper()
	tpl := testutil.SeedTemplate(t, f.st, "welcome", "Hi {parent_name}, see you at {event_name}!")
	rule := &models.AutomationRule{
		Name:        "welcome rule",
		TriggerType: trigger,
		TemplateID:  tpl.ID,
		Channels:    []models.Channel{models.ChannelSMS},
		IsActive:    true,
	}
	if err := f.st.CreateRule(rule); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	return rule
}

func TestCreateRuleAndFetch(t *testing.T) {
	f := newAPIFixture(t)
	tpl := testutil.SeedTemplate(t, f.st, "welcome", "Hi there")

	rr := f.do(t, http.MethodPost, "/api/v1/rules", map[string]interface{}{
		"name":         "order confirmation",
		"trigger_type": "order_placed",
		"template_id":  tpl.ID,
		"channels":     []string{"sms", "whatsapp"},
	})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create rule")
	resp := testutil.AssertJSONResponse(t, rr, "ok")

	result := resp["result"].(map[string]interface{})
	id := result["id"].(string)
	if result["is_active"] != true {
		t.Error("Rule should default to active")
	}

	rr = f.do(t, http.MethodGet, "/api/v1/rules/"+id, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get rule")

	rr = f.do(t, http.MethodGet, "/api/v1/rules", nil)
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if rules := resp["result"].([]interface{}); len(rules) != 1 {
		t.Errorf("Expected 1 rule listed, got %d", len(rules))
	}
}

func TestCreateRuleRejectsBadInput(t *testing.T) {
	f := newAPIFixture(t)
	tpl := testutil.SeedTemplate(t, f.st, "t", "body")

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing name", map[string]interface{}{
			"trigger_type": "order_placed", "template_id": tpl.ID, "channels": []string{"sms"},
		}},
		{"bad trigger", map[string]interface{}{
			"name": "r", "trigger_type": "meteor_strike", "template_id": tpl.ID, "channels": []string{"sms"},
		}},
		{"no channels", map[string]interface{}{
			"name": "r", "trigger_type": "order_placed", "template_id": tpl.ID,
		}},
		{"unknown template", map[string]interface{}{
			"name": "r", "trigger_type": "order_placed", "template_id": "tpl_missing", "channels": []string{"sms"},
		}},
	}
	for _, tc := range cases {
		rr := f.do(t, http.MethodPost, "/api/v1/rules", tc.body)
		testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, tc.name)
	}
}

func TestToggleAndDeleteRule(t *testing.T) {
	f := newAPIFixture(t)
	rule := f.seedRule(t, models.TriggerOrderPlaced)

	rr := f.do(t, http.MethodPost, "/api/v1/rules/"+rule.ID+"/toggle", map[string]interface{}{"is_active": false})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "toggle rule")

	got, err := f.st.GetRule(rule.ID)
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if got.IsActive {
		t.Error("Rule should be paused after toggle")
	}

	// Missing is_active field is a client error, not a silent default.
	rr = f.do(t, http.MethodPost, "/api/v1/rules/"+rule.ID+"/toggle", map[string]interface{}{})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "toggle without is_active")

	rr = f.do(t, http.MethodDelete, "/api/v1/rules/"+rule.ID, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete rule")

	rr = f.do(t, http.MethodGet, "/api/v1/rules/"+rule.ID, nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "get deleted rule")
}

func TestTestSendEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rule := f.seedRule(t, models.TriggerOrderPlaced)

	rr := f.do(t, http.MethodPost, "/api/v1/rules/"+rule.ID+"/test", map[string]interface{}{
		"to": "(610) 555-0123",
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "test send")
	testutil.AssertJSONResponse(t, rr, "ok")

	sent := f.sms.Sent()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 provider call, got %d", len(sent))
	}
	if sent[0].Address != "+16105550123" {
		t.Errorf("Recipient should be normalized to E.164, got %q", sent[0].Address)
	}
	if !strings.HasPrefix(sent[0].Message, engine.TestSendPrefix) {
		t.Errorf("Test message missing prefix: %q", sent[0].Message)
	}

	rr = f.do(t, http.MethodPost, "/api/v1/rules/rule_missing/test", map[string]interface{}{"to": "+16105550123"})
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "test send for missing rule")

	rr = f.do(t, http.MethodPost, "/api/v1/rules/"+rule.ID+"/test", map[string]interface{}{"to": "not a number"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "test send with bad number")
}

func TestRuleStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rule := f.seedRule(t, models.TriggerOrderPlaced)

	rr := f.do(t, http.MethodGet, "/api/v1/rules/"+rule.ID+"/stats", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "rule stats")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	if result["execution_count"].(float64) != 0 {
		t.Errorf("Fresh rule should have zero executions, got %v", result["execution_count"])
	}

	rr = f.do(t, http.MethodGet, "/api/v1/rules/rule_missing/stats", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "stats for missing rule")
}

func TestTemplateEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/api/v1/templates", map[string]interface{}{
		"name": "reminder", "body": "See you at {event_name}",
	})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create template")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	id := resp["result"].(map[string]interface{})["id"].(string)

	rr = f.do(t, http.MethodGet, "/api/v1/templates/"+id, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get template")

	rr = f.do(t, http.MethodPost, "/api/v1/templates", map[string]interface{}{"name": "empty"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "empty template body")
}

func TestCampaignEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	testutil.SeedContact(t, f.st, "+16105550001", map[string]string{"market": "PA", "first_name": "Sam"})
	testutil.SeedContact(t, f.st, "+16105550002", map[string]string{"market": "PA", "first_name": "Alex"})

	rr := f.do(t, http.MethodPost, "/api/v1/campaigns", map[string]interface{}{
		"name":             "spring promo",
		"message_type":     "sms",
		"message_template": "Hi {first_name}!",
		"audience_filter":  map[string]string{"market": "PA"},
	})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create campaign")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	id := result["id"].(string)
	if result["total_recipients"].(float64) != 2 {
		t.Errorf("total_recipients = %v, want 2", result["total_recipients"])
	}

	// Let the in-memory queue finish the batch.
	if err := f.q.Close(); err != nil {
		t.Fatalf("queue close failed: %v", err)
	}

	rr = f.do(t, http.MethodGet, "/api/v1/campaigns/"+id+"/stats", nil)
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	stats := resp["result"].(map[string]interface{})
	if stats["sent"].(float64) != 2 {
		t.Errorf("Campaign stats sent = %v, want 2", stats["sent"])
	}

	rr = f.do(t, http.MethodPost, "/api/v1/campaigns", map[string]interface{}{
		"name": "", "message_type": "sms", "message_template": "x",
	})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "campaign without name")
}

func TestEventEndpointSchedulesAndDedups(t *testing.T) {
	f := newAPIFixture(t)
	f.seedRule(t, models.TriggerOrderPlaced)
	contact := testutil.SeedContact(t, f.st, "+16105550001", map[string]string{"parent_name": "Dana"})

	body := map[string]interface{}{
		"trigger_type": "order_placed",
		"contact_id":   contact.ID,
		"event":        map[string]string{"event_name": "Spring Clinic", "order_id": "ord_1"},
	}
	rr := f.do(t, http.MethodPost, "/api/v1/events", body)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "post event")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if n := resp["result"].(map[string]interface{})["scheduled"].(float64); n != 1 {
		t.Errorf("First event should schedule 1 send, got %v", n)
	}

	// A webhook retry of the same occurrence schedules nothing.
	rr = f.do(t, http.MethodPost, "/api/v1/events", body)
	resp = testutil.AssertJSONResponse(t, rr, "ok")
	if n := resp["result"].(map[string]interface{})["scheduled"].(float64); n != 0 {
		t.Errorf("Duplicate event should schedule nothing, got %v", n)
	}

	rr = f.do(t, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"trigger_type": "order_placed", "contact_id": "ct_missing",
	})
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "event for missing contact")
}

func TestStatusCallbackReconciles(t *testing.T) {
	f := newAPIFixture(t)
	entry := &models.DeliveryLogEntry{
		Channel:        models.ChannelSMS,
		ContactID:      "ct_1",
		Address:        "+16105550001",
		RuleID:         "rule_1",
		ProviderStatus: models.ProviderStatusSent,
		ProviderID:     "SM123",
	}
	if err := f.st.AddDeliveryLog(entry); err != nil {
		t.Fatalf("AddDeliveryLog failed: %v", err)
	}

	rr := f.doForm(t, "/webhooks/twilio/status", url.Values{
		"MessageSid":    {"SM123"},
		"MessageStatus": {"delivered"},
	})
	testutil.AssertHTTPStatus(t, http.StatusNoContent, rr.Code, "status callback")

	entries, _ := f.st.ListDeliveryLog(10, 0)
	if entries[0].ProviderStatus != models.ProviderStatusDelivered {
		t.Errorf("Entry status = %q, want delivered", entries[0].ProviderStatus)
	}

	// Unknown sids are acknowledged without error so Twilio stops retrying.
	rr = f.doForm(t, "/webhooks/twilio/status", url.Values{
		"MessageSid":    {"SM999"},
		"MessageStatus": {"failed"},
	})
	testutil.AssertHTTPStatus(t, http.StatusNoContent, rr.Code, "unknown sid callback")
}

func TestInboundStopStartFlow(t *testing.T) {
	f := newAPIFixture(t)
	contact := testutil.SeedContact(t, f.st, "+16105550123", nil)

	rr := f.doForm(t, "/webhooks/twilio/inbound", url.Values{
		"From": {"+16105550123"},
		"Body": {"  stop  "},
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "inbound STOP")
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("Inbound webhook should answer TwiML, got %q", ct)
	}

	got, _ := f.st.GetContact(contact.ID)
	if !got.OptedOut {
		t.Error("STOP should opt the contact out")
	}

	rr = f.doForm(t, "/webhooks/twilio/inbound", url.Values{
		"From": {"+16105550123"},
		"Body": {"START"},
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "inbound START")
	got, _ = f.st.GetContact(contact.ID)
	if got.OptedOut {
		t.Error("START should opt the contact back in")
	}

	// Ordinary replies leave opt-out state alone.
	f.doForm(t, "/webhooks/twilio/inbound", url.Values{
		"From": {"+16105550123"},
		"Body": {"what time is practice?"},
	})
	got, _ = f.st.GetContact(contact.ID)
	if got.OptedOut {
		t.Error("Non-keyword reply should not change opt-out state")
	}
}

func TestDeliveryLogPagination(t *testing.T) {
	f := newAPIFixture(t)
	for i := 0; i < 3; i++ {
		if err := f.st.AddDeliveryLog(&models.DeliveryLogEntry{
			Channel: models.ChannelSMS, ContactID: "ct_1", RuleID: "rule_1",
			ProviderStatus: models.ProviderStatusSent,
		}); err != nil {
			t.Fatalf("AddDeliveryLog failed: %v", err)
		}
	}

	rr := f.do(t, http.MethodGet, "/api/v1/delivery-log?limit=2", nil)
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	if entries := resp["result"].([]interface{}); len(entries) != 2 {
		t.Errorf("Expected 2 entries with limit=2, got %d", len(entries))
	}

	rr = f.do(t, http.MethodGet, "/api/v1/delivery-log?limit=nope", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid limit")
}

func TestContactEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/api/v1/contacts", map[string]interface{}{
		"name":       "Dana Reyes",
		"phone":      "(610) 555-0188",
		"attributes": map[string]string{"market": "PA"},
	})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create contact")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result := resp["result"].(map[string]interface{})
	if result["phone"] != "+16105550188" {
		t.Errorf("Phone should be normalized, got %v", result["phone"])
	}

	id := result["id"].(string)
	rr = f.do(t, http.MethodGet, "/api/v1/contacts/"+id, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get contact")

	rr = f.do(t, http.MethodPost, "/api/v1/contacts", map[string]interface{}{"phone": "bogus"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid phone")
}
