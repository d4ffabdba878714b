package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// RecipientSnapshot is an immutable capture of a contact plus the triggering
// event's attributes, taken at trigger time. Later contact edits must not
// retroactively change an in-flight scheduled send, so the dispatcher carries
// the snapshot rather than a live contact reference. The only attribute
// re-read at fire time is the opt-out flag.
type RecipientSnapshot struct {
	ContactID string            `json:"contact_id"`
	Address   string            `json:"address"` // E.164 phone number
	Contact   map[string]string `json:"contact,omitempty"`
	Event     map[string]string `json:"event,omitempty"`
	OptedOut  bool              `json:"opted_out"`
}

// Attr looks up a snapshot attribute by name, checking contact attributes
// first and event attributes second. The second return value reports whether
// the attribute exists.
func (s RecipientSnapshot) Attr(name string) (string, bool) {
	if v, ok := s.Contact[name]; ok {
		return v, true
	}
	if v, ok := s.Event[name]; ok {
		return v, true
	}
	return "", false
}

// OccurrenceBucket is the idempotency window for trigger occurrences.
// Re-deliveries of the same domain event (webhook retries, double-fired
// hooks) land in the same bucket; a genuinely new occurrence, such as the
// next day's reminder scan, lands in a new one.
const OccurrenceBucket = time.Hour

// IdempotencyKey derives the dedup key for a (rule, recipient, occurrence)
// triple. Trigger time is bucketed so near-simultaneous deliveries of the
// same event collapse to a single key.
func IdempotencyKey(ruleID, contactID string, triggerTime time.Time) string {
	bucket := triggerTime.UTC().Truncate(OccurrenceBucket)
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", ruleID, contactID, bucket.Unix()))
	return hex.EncodeToString(sum[:])
}
