package template

import (
	"strings"
	"testing"
)

func TestRenderSubstitutesVariables(t *testing.T) {
	got := Render("{child_name} turns {child_age}", map[string]string{"child_name": "Emma", "child_age": "8"}, nil)
	if got != "Emma turns 8" {
		t.Errorf("Render returned %q, want %q", got, "Emma turns 8")
	}
}

func TestRenderUnresolvedPlaceholderLeftVerbatim(t *testing.T) {
	got := Render("Hi {first_name}, see you at {unknown_field}", map[string]string{"first_name": "Dana"}, nil)
	want := "Hi Dana, see you at {unknown_field}"
	if got != want {
		t.Errorf("Render returned %q, want %q", got, want)
	}
}

func TestRenderContactTakesPrecedenceOverEvent(t *testing.T) {
	got := Render("{location}", map[string]string{"location": "Philadelphia"}, map[string]string{"location": "Trenton"})
	if got != "Philadelphia" {
		t.Errorf("contact map should win over event map, got %q", got)
	}
}

func TestRenderEventVariables(t *testing.T) {
	got := Render("Camp {event_name} starts {event_date}", nil, map[string]string{"event_name": "Summer Hoops", "event_date": "2026-07-06"})
	if got != "Camp Summer Hoops starts 2026-07-06" {
		t.Errorf("Render returned %q", got)
	}
}

func TestRenderNoPlaceholders(t *testing.T) {
	body := "Plain reminder with no variables."
	if got := Render(body, nil, nil); got != body {
		t.Errorf("Render modified a template without placeholders: %q", got)
	}
}

func TestSegmentCountThresholds(t *testing.T) {
	cases := []struct {
		length int
		want   int
	}{
		{0, 0},
		{1, 1},
		{160, 1},
		{161, 2},
		{306, 2},
		{307, 3},
		{459, 3},
		{460, 4},
	}
	for _, tc := range cases {
		msg := strings.Repeat("a", tc.length)
		if got := SegmentCount(msg); got != tc.want {
			t.Errorf("SegmentCount(len=%d) = %d, want %d", tc.length, got, tc.want)
		}
	}
}
