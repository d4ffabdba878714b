// Package condition evaluates stored rule condition sets against recipient
// snapshots.
//
// Matching is pure: a condition set plus a snapshot (plus the clock, for date
// windows) fully determines the result. All conditions are ANDed.
package condition

import (
	"strings"
	"time"

	"github.com/fieldhouse/CampReach/internal/models"
)

// Condition keys with special date-window semantics.
const (
	// KeyStartDate marks the inclusive start of a promo date window.
	KeyStartDate = "start_date"
	// KeyEndDate marks the inclusive end of a promo date window.
	KeyEndDate = "end_date"
	// DateLayout is the stored format for date-window condition values.
	DateLayout = "2006-01-02"
)

// Matches reports whether the snapshot satisfies every condition, evaluated
// against the current time for date windows.
func Matches(conditions map[string]string, snapshot models.RecipientSnapshot) bool {
	return MatchesAt(conditions, snapshot, time.Now())
}

// MatchesAt is Matches with an explicit clock.
//
// An empty condition set always matches. Each condition key is compared by
// exact case-insensitive equality against the snapshot attribute of the same
// name, except start_date/end_date which bound an inclusive date window
// checked against now. A configured condition whose snapshot attribute is
// missing never matches: matching fails closed.
func MatchesAt(conditions map[string]string, snapshot models.RecipientSnapshot, now time.Time) bool {
	for key, want := range conditions {
		switch key {
		case KeyStartDate:
			start, err := time.ParseInLocation(DateLayout, want, now.Location())
			if err != nil {
				return false
			}
			if dateOf(now).Before(start) {
				return false
			}
		case KeyEndDate:
			end, err := time.ParseInLocation(DateLayout, want, now.Location())
			if err != nil {
				return false
			}
			if dateOf(now).After(end) {
				return false
			}
		default:
			got, ok := snapshot.Attr(key)
			if !ok {
				return false
			}
			if !strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want)) {
				return false
			}
		}
	}
	return true
}

// dateOf truncates a timestamp to midnight in its own location, so window
// bounds compare at date granularity.
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
