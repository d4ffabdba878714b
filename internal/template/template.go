// Package template renders message templates with {placeholder} variables.
//
// Rendering is pure and side-effect-free so campaign previews produce
// identical output wherever they run (live character count, cost estimates,
// and the real send path all share this code).
package template

import "regexp"

// placeholderPattern matches {variable_name} placeholders. Variable names are
// restricted to the characters the admin variable-reference list documents.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Render substitutes placeholders from the contact map first and the event
// map second. Unresolved placeholders are left verbatim in the output; many
// variables are optional and a missing one must never break a send.
func Render(tmpl string, contact, event map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := contact[name]; ok {
			return v
		}
		if v, ok := event[name]; ok {
			return v
		}
		return match
	})
}

// SMS segmentation thresholds per the concatenated-SMS encoding convention:
// a single segment carries 160 characters; once a message exceeds that, every
// segment carries 153 (the remaining 7 hold the concatenation header).
const (
	SingleSegmentLimit = 160
	ConcatSegmentSize  = 153
)

// SegmentCount derives the SMS segment count for a rendered message. The
// count is never stored; it is recomputed for UI parity and cost estimation.
func SegmentCount(message string) int {
	n := len(message)
	switch {
	case n == 0:
		return 0
	case n <= SingleSegmentLimit:
		return 1
	default:
		return (n + ConcatSegmentSize - 1) / ConcatSegmentSize
	}
}
