// Package quiethours gates automated sends to a configured daily window.
//
// Only automation-scheduled sends pass through the gate; manually triggered
// test sends, campaign blasts, and inbox replies never do. That distinction
// is explicit at the call site, not inferred from caller identity.
package quiethours

import "time"

// NextAllowedTime returns the earliest time at or after now when an automated
// send is permitted. Hours are clock hours in now's location; the quiet
// window runs from quietStart to quietEnd and may wrap midnight (e.g. 21 to
// 8). When now falls inside the window, the next quietEnd boundary is
// returned; otherwise now is returned unchanged.
func NextAllowedTime(now time.Time, quietStart, quietEnd int, enabled bool) time.Time {
	if !enabled || quietStart == quietEnd {
		return now
	}
	if !inWindow(now.Hour(), quietStart, quietEnd) {
		return now
	}

	boundary := time.Date(now.Year(), now.Month(), now.Day(), quietEnd, 0, 0, 0, now.Location())
	if !boundary.After(now) {
		boundary = boundary.AddDate(0, 0, 1)
	}
	return boundary
}

// inWindow reports whether clock hour h falls inside [start, end), handling
// windows that wrap midnight.
func inWindow(h, start, end int) bool {
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}
