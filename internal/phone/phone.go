// Package phone provides phone number canonicalization for recipients.
package phone

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is assumed for numbers entered without a country prefix.
const DefaultRegion = "US"

// NormalizeE164 validates a recipient phone number and formats it to E.164.
func NormalizeE164(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	number, err := phonenumbers.Parse(trimmed, DefaultRegion)
	if err != nil {
		return "", fmt.Errorf("invalid phone number %q: %w", trimmed, err)
	}
	if !phonenumbers.IsValidNumber(number) {
		return "", fmt.Errorf("invalid phone number %q", trimmed)
	}

	return phonenumbers.Format(number, phonenumbers.E164), nil
}
