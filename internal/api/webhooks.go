package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/fieldhouse/CampReach/internal/models"
	"github.com/fieldhouse/CampReach/internal/phone"
)

// Twilio's standard opt-out and opt-in SMS keywords.
var (
	optOutKeywords = map[string]bool{
		"STOP": true, "STOPALL": true, "UNSUBSCRIBE": true,
		"CANCEL": true, "END": true, "QUIT": true,
	}
	optInKeywords = map[string]bool{
		"START": true, "YES": true, "UNSTOP": true,
	}
)

// twilioProviderStatus maps Twilio message and call status strings onto the
// normalized delivery-log statuses. Intermediate states map to sent; only a
// confirmed or failed delivery changes the recorded outcome.
func twilioProviderStatus(raw string) (models.ProviderStatus, bool) {
	switch strings.ToLower(raw) {
	case "queued", "accepted", "sending", "sent", "ringing", "in-progress", "initiated":
		return models.ProviderStatusSent, true
	case "delivered", "read", "completed", "answered":
		return models.ProviderStatusDelivered, true
	case "failed", "undelivered", "canceled", "busy", "no-answer":
		return models.ProviderStatusFailed, true
	default:
		return "", false
	}
}

// statusCallbackHandler receives asynchronous delivery status updates from
// Twilio and reconciles them into the delivery log by provider message ID.
// Always answers 2xx so Twilio does not retry callbacks we cannot use.
func (s *Server) statusCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.statusCallbackHandler: failed to parse form", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	sid := r.PostFormValue("MessageSid")
	rawStatus := r.PostFormValue("MessageStatus")
	if sid == "" {
		sid = r.PostFormValue("CallSid")
		rawStatus = r.PostFormValue("CallStatus")
	}
	if sid == "" || rawStatus == "" {
		slog.Warn("Server.statusCallbackHandler: callback missing sid or status")
		w.WriteHeader(http.StatusOK)
		return
	}

	status, ok := twilioProviderStatus(rawStatus)
	if !ok {
		slog.Debug("Server.statusCallbackHandler: ignoring unknown status", "sid", sid, "status", rawStatus)
		w.WriteHeader(http.StatusOK)
		return
	}

	errMsg := r.PostFormValue("ErrorCode")
	matched, err := s.st.ReconcileProviderStatus(sid, status, errMsg)
	if err != nil {
		slog.Error("Server.statusCallbackHandler: reconcile failed", "error", err, "sid", sid)
		w.WriteHeader(http.StatusOK)
		return
	}
	if !matched {
		slog.Debug("Server.statusCallbackHandler: no delivery log entry for sid", "sid", sid)
	} else {
		slog.Info("Server.statusCallbackHandler: status reconciled", "sid", sid, "status", status)
	}
	w.WriteHeader(http.StatusNoContent)
}

// inboundMessageHandler receives inbound SMS from Twilio and honors STOP and
// START keywords by flipping the sender's opt-out flag. Replies with empty
// TwiML; Twilio handles the mandated STOP confirmation text itself.
func (s *Server) inboundMessageHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.inboundMessageHandler: failed to parse form", "error", err)
		writeEmptyTwiml(w)
		return
	}

	from := r.PostFormValue("From")
	keyword := strings.ToUpper(strings.TrimSpace(r.PostFormValue("Body")))

	var optedOut bool
	switch {
	case optOutKeywords[keyword]:
		optedOut = true
	case optInKeywords[keyword]:
		optedOut = false
	default:
		slog.Debug("Server.inboundMessageHandler: ignoring non-keyword message", "from", from)
		writeEmptyTwiml(w)
		return
	}

	normalized, err := phone.NormalizeE164(from)
	if err != nil {
		slog.Warn("Server.inboundMessageHandler: invalid sender number", "error", err, "from", from)
		writeEmptyTwiml(w)
		return
	}

	if err := s.st.SetOptOutByPhone(normalized, optedOut); err != nil {
		slog.Error("Server.inboundMessageHandler: failed to update opt-out", "error", err, "phone", normalized)
		writeEmptyTwiml(w)
		return
	}
	slog.Info("Server.inboundMessageHandler: opt-out updated", "phone", normalized, "opted_out", optedOut)
	writeEmptyTwiml(w)
}

func writeEmptyTwiml(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)); err != nil {
		slog.Error("Server.writeEmptyTwiml: failed to write response", "error", err)
	}
}
