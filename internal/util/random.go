// Package util provides utility functions for the CampReach application.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
// Uses math/rand/v2 for optimal performance with modern best practices.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2 with optimal entropy utilization for non-cryptographic purposes.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length) // Pre-allocate capacity for efficiency

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateRandomAlphaNumeric generates a random alphanumeric string of the specified length.
// Uses math/rand/v2 for optimal performance and modern best practices.
func GenerateRandomAlphaNumeric(length int) string {
	if length <= 0 {
		return ""
	}

	const chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	var builder strings.Builder
	builder.Grow(length) // Pre-allocate capacity for efficiency

	for i := 0; i < length; i++ {
		builder.WriteByte(chars[rand.IntN(len(chars))])
	}

	return builder.String()
}

// GenerateRuleID generates a unique automation rule ID with "rule_" prefix.
func GenerateRuleID() string {
	return GenerateRandomID("rule_", 32)
}

// GenerateTemplateID generates a unique message template ID with "tpl_" prefix.
func GenerateTemplateID() string {
	return GenerateRandomID("tpl_", 32)
}

// GenerateScheduledSendID generates a unique scheduled send ID with "ss_" prefix.
func GenerateScheduledSendID() string {
	return GenerateRandomID("ss_", 32)
}

// GenerateDeliveryLogID generates a unique delivery log entry ID with "dl_" prefix.
func GenerateDeliveryLogID() string {
	return GenerateRandomID("dl_", 32)
}

// GenerateCampaignID generates a unique campaign ID with "camp_" prefix.
func GenerateCampaignID() string {
	return GenerateRandomID("camp_", 32)
}

// GenerateContactID generates a unique contact ID with "ct_" prefix.
func GenerateContactID() string {
	return GenerateRandomID("ct_", 32)
}
