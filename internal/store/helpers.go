package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fieldhouse/CampReach/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSON encodes v for a TEXT column. Nil maps encode as NULL.
func marshalJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	case []models.Channel:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal failed: %w", err)
	}
	return string(b), nil
}

// unmarshalStringMap decodes a nullable JSON TEXT column into a map.
func unmarshalStringMap(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshal map failed: %w", err)
	}
	return m, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows so scan helpers work with both.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRule scans an AutomationRule row in column order
// (id, name, trigger_type, offset_days, conditions, template_id, channels,
// delay_minutes, is_active, execution_count, created_at, updated_at, deleted_at).
func scanRule(row rowScanner) (models.AutomationRule, error) {
	var r models.AutomationRule
	var conditions sql.NullString
	var channelsJSON string
	var deletedAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.Name, &r.TriggerType, &r.OffsetDays, &conditions, &r.TemplateID,
		&channelsJSON, &r.DelayMinutes, &r.IsActive, &r.ExecutionCount,
		&r.CreatedAt, &r.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return r, err
	}
	if r.Conditions, err = unmarshalStringMap(conditions); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(channelsJSON), &r.Channels); err != nil {
		return r, fmt.Errorf("unmarshal channels failed: %w", err)
	}
	if deletedAt.Valid {
		r.DeletedAt = &deletedAt.Time
	}
	return r, nil
}

// scanScheduledSend scans a ScheduledSend row in column order
// (id, rule_id, contact_id, snapshot, fire_at, status, idempotency_key,
// last_error, locked_at, created_at, updated_at).
func scanScheduledSend(row rowScanner) (models.ScheduledSend, error) {
	var s models.ScheduledSend
	var snapshotJSON string
	var lastError sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&s.ID, &s.RuleID, &s.ContactID, &snapshotJSON, &s.FireAt, &s.Status,
		&s.IdempotencyKey, &lastError, &lockedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(snapshotJSON), &s.Snapshot); err != nil {
		return s, fmt.Errorf("unmarshal snapshot failed: %w", err)
	}
	s.LastError = lastError.String
	if lockedAt.Valid {
		s.LockedAt = &lockedAt.Time
	}
	return s, nil
}

// scanDeliveryLogEntry scans a DeliveryLogEntry row in column order
// (id, channel, contact_id, address, rule_id, campaign_id, rendered_message,
// provider_status, provider_id, error_message, created_at).
func scanDeliveryLogEntry(row rowScanner) (models.DeliveryLogEntry, error) {
	var e models.DeliveryLogEntry
	var ruleID, campaignID, providerID, errorMessage sql.NullString
	err := row.Scan(
		&e.ID, &e.Channel, &e.ContactID, &e.Address, &ruleID, &campaignID,
		&e.RenderedMessage, &e.ProviderStatus, &providerID, &errorMessage, &e.CreatedAt,
	)
	if err != nil {
		return e, err
	}
	e.RuleID = ruleID.String
	e.CampaignID = campaignID.String
	e.ProviderID = providerID.String
	e.ErrorMessage = errorMessage.String
	return e, nil
}

// scanCampaign scans a Campaign row in column order
// (id, name, message_type, message_template, audience_filter, status,
// total_recipients, sent_count, created_at, updated_at).
func scanCampaign(row rowScanner) (models.Campaign, error) {
	var c models.Campaign
	var audienceFilter sql.NullString
	err := row.Scan(
		&c.ID, &c.Name, &c.MessageType, &c.MessageTemplate, &audienceFilter,
		&c.Status, &c.TotalRecipients, &c.SentCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, err
	}
	if c.AudienceFilter, err = unmarshalStringMap(audienceFilter); err != nil {
		return c, err
	}
	return c, nil
}

// scanContact scans a Contact row in column order
// (id, name, phone, attributes, opted_out, created_at, updated_at).
func scanContact(row rowScanner) (models.Contact, error) {
	var c models.Contact
	var name, attributes sql.NullString
	err := row.Scan(&c.ID, &name, &c.Phone, &attributes, &c.OptedOut, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.Name = name.String
	if c.Attributes, err = unmarshalStringMap(attributes); err != nil {
		return c, err
	}
	return c, nil
}

// statsFromStatusCounts folds (provider_status, count) pairs into DeliveryStats.
func statsFromStatusCounts(rows *sql.Rows) (models.DeliveryStats, error) {
	var stats models.DeliveryStats
	for rows.Next() {
		var status models.ProviderStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan stats row failed: %w", err)
		}
		stats.Total += count
		switch status {
		case models.ProviderStatusSent, models.ProviderStatusDelivered:
			stats.Sent += count
		case models.ProviderStatusFailed:
			stats.Failed += count
		case models.ProviderStatusSkipped:
			stats.Skipped += count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterate stats rows failed: %w", err)
	}
	if attempted := stats.Sent + stats.Failed; attempted > 0 {
		stats.DeliveryRate = float64(stats.Sent) / float64(attempted)
	}
	return stats, nil
}
