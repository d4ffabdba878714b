// Package testutil provides common test utilities and helpers for CampReach tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/fieldhouse/CampReach/internal/channel"
	"github.com/fieldhouse/CampReach/internal/models"
	"github.com/fieldhouse/CampReach/internal/store"
)

// SentMessage records one Send call observed by a MockSender.
type SentMessage struct {
	Address string
	Message string
	Opts    channel.SendOptions
}

// MockSender is a scriptable channel.Sender for tests. It records every Send
// call and returns the configured result.
type MockSender struct {
	mu         sync.Mutex
	ch         models.Channel
	configured bool
	sent       []SentMessage

	// NextErr, when set, is returned (wrapped in a failure result) by the
	// next Send calls.
	NextErr error
	// NextProviderID is the provider message ID returned on success.
	NextProviderID string
}

// Compile-time check that MockSender implements channel.Sender.
var _ channel.Sender = (*MockSender)(nil)

// NewMockSender creates a configured mock sender for the given channel.
func NewMockSender(ch models.Channel) *MockSender {
	return &MockSender{ch: ch, configured: true, NextProviderID: "mock-1"}
}

// NewUnconfiguredSender creates a mock sender that reports not configured and
// fails every Send with channel.ErrChannelNotConfigured.
func NewUnconfiguredSender(ch models.Channel) *MockSender {
	return &MockSender{ch: ch, configured: false}
}

// Channel returns the channel this mock stands in for.
func (m *MockSender) Channel() models.Channel { return m.ch }

// IsConfigured reports the scripted configuration state.
func (m *MockSender) IsConfigured() bool { return m.configured }

// Send records the call and returns the scripted outcome.
func (m *MockSender) Send(ctx context.Context, recipientAddress, message string, opts channel.SendOptions) (channel.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.configured {
		err := channel.ErrChannelNotConfigured
		return channel.FailureResult(err), err
	}
	m.sent = append(m.sent, SentMessage{Address: recipientAddress, Message: message, Opts: opts})
	if m.NextErr != nil {
		return channel.FailureResult(m.NextErr), m.NextErr
	}
	return channel.SendResult{Success: true, Status: models.ProviderStatusSent, ProviderID: m.NextProviderID}, nil
}

// Sent returns a copy of the recorded Send calls.
func (m *MockSender) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentCount returns how many Send calls were recorded.
func (m *MockSender) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// SeedContact adds a contact to the store and fails the test on error.
func SeedContact(t *testing.T, st store.Store, phone string, attrs map[string]string) *models.Contact {
	t.Helper()
	c := &models.Contact{Phone: phone, Attributes: attrs}
	if err := st.CreateContact(c); err != nil {
		t.Fatalf("failed to seed contact: %v", err)
	}
	return c
}

// SeedTemplate adds a message template to the store and fails the test on error.
func SeedTemplate(t *testing.T, st store.Store, name, body string) *models.MessageTemplate {
	t.Helper()
	tpl := &models.MessageTemplate{Name: name, Body: body}
	if err := st.CreateTemplate(tpl); err != nil {
		t.Fatalf("failed to seed template: %v", err)
	}
	return tpl
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
