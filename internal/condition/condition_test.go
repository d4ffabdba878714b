package condition

import (
	"testing"
	"time"

	"github.com/fieldhouse/CampReach/internal/models"
)

func snapshotWith(contact map[string]string) models.RecipientSnapshot {
	return models.RecipientSnapshot{
		ContactID: "c_test",
		Address:   "+15551234567",
		Contact:   contact,
	}
}

func TestMatchesEmptyConditions(t *testing.T) {
	snap := snapshotWith(map[string]string{"market": "PA"})
	if !Matches(nil, snap) {
		t.Error("nil condition set should match any snapshot")
	}
	if !Matches(map[string]string{}, snap) {
		t.Error("empty condition set should match any snapshot")
	}
}

func TestMatchesExactAttribute(t *testing.T) {
	snap := snapshotWith(map[string]string{"market": "PA", "program_type": "camp"})

	if !Matches(map[string]string{"market": "PA"}, snap) {
		t.Error("expected match for market=PA")
	}
	if Matches(map[string]string{"market": "NJ"}, snap) {
		t.Error("expected no match for market=NJ against snapshot market=PA")
	}
}

func TestMatchesCaseInsensitive(t *testing.T) {
	snap := snapshotWith(map[string]string{"market": "pa"})
	if !Matches(map[string]string{"market": "PA"}, snap) {
		t.Error("matching should be case-insensitive")
	}
}

func TestMatchesFailsClosedOnMissingAttribute(t *testing.T) {
	snap := snapshotWith(map[string]string{"market": "PA"})
	if Matches(map[string]string{"program_type": "camp"}, snap) {
		t.Error("configured condition with missing snapshot attribute must not match")
	}
}

func TestMatchesAllConditionsANDed(t *testing.T) {
	snap := snapshotWith(map[string]string{"market": "PA", "program_type": "camp"})

	conds := map[string]string{"market": "PA", "program_type": "camp"}
	if !MatchesAt(conds, snap, time.Now()) {
		t.Error("expected match when all conditions hold")
	}

	conds["program_type"] = "clinic"
	if MatchesAt(conds, snap, time.Now()) {
		t.Error("one failing condition must fail the whole set")
	}
}

func TestMatchesEventAttributes(t *testing.T) {
	snap := models.RecipientSnapshot{
		ContactID: "c_test",
		Contact:   map[string]string{"market": "PA"},
		Event:     map[string]string{"location": "Allentown"},
	}
	if !Matches(map[string]string{"location": "allentown"}, snap) {
		t.Error("event attributes should participate in matching")
	}
}

func TestMatchesDateWindow(t *testing.T) {
	snap := snapshotWith(nil)
	conds := map[string]string{"start_date": "2026-06-01", "end_date": "2026-06-30"}

	inside := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	if !MatchesAt(conds, snap, inside) {
		t.Error("expected match inside the window")
	}

	// Bounds are inclusive at date granularity.
	firstDay := time.Date(2026, 6, 1, 0, 30, 0, 0, time.UTC)
	if !MatchesAt(conds, snap, firstDay) {
		t.Error("expected match on the start date")
	}
	lastDay := time.Date(2026, 6, 30, 23, 30, 0, 0, time.UTC)
	if !MatchesAt(conds, snap, lastDay) {
		t.Error("expected match on the end date")
	}

	before := time.Date(2026, 5, 31, 23, 0, 0, 0, time.UTC)
	if MatchesAt(conds, snap, before) {
		t.Error("expected no match before the window")
	}
	after := time.Date(2026, 7, 1, 0, 30, 0, 0, time.UTC)
	if MatchesAt(conds, snap, after) {
		t.Error("expected no match after the window")
	}
}

func TestMatchesMalformedDateFailsClosed(t *testing.T) {
	snap := snapshotWith(nil)
	if MatchesAt(map[string]string{"start_date": "June 1st"}, snap, time.Now()) {
		t.Error("unparseable date condition must fail closed")
	}
}
