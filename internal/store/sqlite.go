// Package store provides storage backends for CampReach.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldhouse/CampReach/internal/models"
	"github.com/fieldhouse/CampReach/internal/util"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteRuleColumns = `id, name, trigger_type, offset_days, conditions, template_id, channels, delay_minutes, is_active, execution_count, created_at, updated_at, deleted_at`

func (s *SQLiteStore) CreateRule(r *models.AutomationRule) error {
	if r.ID == "" {
		r.ID = util.GenerateRuleID()
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	conditions, err := marshalJSON(r.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal rule conditions: %w", err)
	}
	channels, err := json.Marshal(r.Channels)
	if err != nil {
		return fmt.Errorf("failed to marshal rule channels: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO automation_rules (id, name, trigger_type, offset_days, conditions, template_id, channels, delay_minutes, is_active, execution_count, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.TriggerType, r.OffsetDays, conditions, r.TemplateID, string(channels), r.DelayMinutes, r.IsActive, r.ExecutionCount, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateRule failed", "error", err, "rule_id", r.ID)
		return fmt.Errorf("failed to insert rule %s: %w", r.ID, err)
	}
	slog.Debug("SQLiteStore CreateRule succeeded", "rule_id", r.ID, "trigger_type", r.TriggerType)
	return nil
}

func (s *SQLiteStore) GetRule(id string) (*models.AutomationRule, error) {
	row := s.db.QueryRow(`SELECT `+sqliteRuleColumns+` FROM automation_rules WHERE id = ? AND deleted_at IS NULL`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetRule failed", "error", err, "rule_id", id)
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	return &r, nil
}

func (s *SQLiteStore) ListRules() ([]models.AutomationRule, error) {
	return s.queryRules(`SELECT ` + sqliteRuleColumns + ` FROM automation_rules WHERE deleted_at IS NULL ORDER BY created_at`)
}

func (s *SQLiteStore) ListActiveRulesByTrigger(t models.TriggerType) ([]models.AutomationRule, error) {
	return s.queryRules(`SELECT `+sqliteRuleColumns+` FROM automation_rules WHERE deleted_at IS NULL AND is_active = 1 AND trigger_type = ? ORDER BY created_at`, t)
}

func (s *SQLiteStore) queryRules(query string, args ...interface{}) ([]models.AutomationRule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore rule query failed", "error", err)
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []models.AutomationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rule rows: %w", err)
	}
	return rules, nil
}

func (s *SQLiteStore) UpdateRule(r *models.AutomationRule) error {
	conditions, err := marshalJSON(r.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal rule conditions: %w", err)
	}
	channels, err := json.Marshal(r.Channels)
	if err != nil {
		return fmt.Errorf("failed to marshal rule channels: %w", err)
	}
	res, err := s.db.Exec(`UPDATE automation_rules SET name = ?, trigger_type = ?, offset_days = ?, conditions = ?, template_id = ?, channels = ?, delay_minutes = ?, is_active = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		r.Name, r.TriggerType, r.OffsetDays, conditions, r.TemplateID, string(channels), r.DelayMinutes, r.IsActive, time.Now(), r.ID)
	if err != nil {
		slog.Error("SQLiteStore UpdateRule failed", "error", err, "rule_id", r.ID)
		return fmt.Errorf("failed to update rule %s: %w", r.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *SQLiteStore) SetRuleActive(id string, active bool) error {
	res, err := s.db.Exec(`UPDATE automation_rules SET is_active = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, active, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore SetRuleActive failed", "error", err, "rule_id", id)
		return fmt.Errorf("failed to set rule %s active=%t: %w", id, active, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRuleNotFound
	}
	slog.Debug("SQLiteStore SetRuleActive succeeded", "rule_id", id, "active", active)
	return nil
}

func (s *SQLiteStore) SoftDeleteRule(id string) error {
	now := time.Now()
	res, err := s.db.Exec(`UPDATE automation_rules SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		slog.Error("SQLiteStore SoftDeleteRule failed", "error", err, "rule_id", id)
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRuleNotFound
	}
	slog.Debug("SQLiteStore SoftDeleteRule succeeded", "rule_id", id)
	return nil
}

func (s *SQLiteStore) IncrementExecutionCount(id string) error {
	// The increment happens in SQL so concurrent fires never lose updates.
	res, err := s.db.Exec(`UPDATE automation_rules SET execution_count = execution_count + 1, updated_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore IncrementExecutionCount failed", "error", err, "rule_id", id)
		return fmt.Errorf("failed to increment execution count for rule %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateTemplate(t *models.MessageTemplate) error {
	if t.ID == "" {
		t.ID = util.GenerateTemplateID()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := s.db.Exec(`INSERT INTO message_templates (id, name, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Body, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateTemplate failed", "error", err, "template_id", t.ID)
		return fmt.Errorf("failed to insert template %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTemplate(id string) (*models.MessageTemplate, error) {
	var t models.MessageTemplate
	err := s.db.QueryRow(`SELECT id, name, body, created_at, updated_at FROM message_templates WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.Body, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetTemplate failed", "error", err, "template_id", id)
		return nil, fmt.Errorf("failed to get template %s: %w", id, err)
	}
	return &t, nil
}

func (s *SQLiteStore) ListTemplates() ([]models.MessageTemplate, error) {
	rows, err := s.db.Query(`SELECT id, name, body, created_at, updated_at FROM message_templates ORDER BY created_at`)
	if err != nil {
		slog.Error("SQLiteStore ListTemplates query failed", "error", err)
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []models.MessageTemplate
	for rows.Next() {
		var t models.MessageTemplate
		if err := rows.Scan(&t.ID, &t.Name, &t.Body, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan template row: %w", err)
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate template rows: %w", err)
	}
	return templates, nil
}

const sqliteSendColumns = `id, rule_id, contact_id, snapshot, fire_at, status, idempotency_key, last_error, locked_at, created_at, updated_at`

func (s *SQLiteStore) CreateScheduledSend(send *models.ScheduledSend) error {
	if send.ID == "" {
		send.ID = util.GenerateScheduledSendID()
	}
	now := time.Now()
	send.CreatedAt = now
	send.UpdatedAt = now
	if send.Status == "" {
		send.Status = models.SendStatusPending
	}
	snapshot, err := json.Marshal(send.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	// INSERT OR IGNORE rides on the UNIQUE(idempotency_key) constraint so
	// concurrent duplicate triggers race safely: exactly one insert wins.
	res, err := s.db.Exec(`INSERT OR IGNORE INTO scheduled_sends (id, rule_id, contact_id, snapshot, fire_at, status, idempotency_key, last_error, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		send.ID, send.RuleID, send.ContactID, string(snapshot), send.FireAt, send.Status, send.IdempotencyKey, nilIfEmpty(send.LastError), send.CreatedAt, send.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateScheduledSend failed", "error", err, "rule_id", send.RuleID)
		return fmt.Errorf("failed to insert scheduled send: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check scheduled send insert: %w", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore CreateScheduledSend deduplicated", "idempotency_key", send.IdempotencyKey)
		return ErrDuplicateScheduledSend
	}
	slog.Debug("SQLiteStore CreateScheduledSend succeeded", "id", send.ID, "fire_at", send.FireAt)
	return nil
}

func (s *SQLiteStore) ClaimDueScheduledSends(now time.Time, limit int) ([]models.ScheduledSend, error) {
	rows, err := s.db.Query(`SELECT `+sqliteSendColumns+` FROM scheduled_sends WHERE status = 'pending' AND locked_at IS NULL AND fire_at <= ? ORDER BY fire_at LIMIT ?`, now, limit)
	if err != nil {
		slog.Error("SQLiteStore ClaimDueScheduledSends query failed", "error", err)
		return nil, fmt.Errorf("failed to query due sends: %w", err)
	}
	candidates := make([]models.ScheduledSend, 0)
	for rows.Next() {
		send, err := scanScheduledSend(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan scheduled send row: %w", err)
		}
		candidates = append(candidates, send)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate scheduled send rows: %w", err)
	}
	rows.Close()

	// Per-row compare-and-swap on locked_at. A row already claimed by a
	// concurrent poller affects zero rows and is skipped.
	var claimed []models.ScheduledSend
	for _, send := range candidates {
		res, err := s.db.Exec(`UPDATE scheduled_sends SET locked_at = ?, updated_at = ? WHERE id = ? AND status = 'pending' AND locked_at IS NULL`, now, now, send.ID)
		if err != nil {
			slog.Error("SQLiteStore ClaimDueScheduledSends lock failed", "error", err, "id", send.ID)
			continue
		}
		if n, _ := res.RowsAffected(); n == 1 {
			ts := now
			send.LockedAt = &ts
			claimed = append(claimed, send)
		}
	}
	return claimed, nil
}

func (s *SQLiteStore) MarkScheduledSendResult(id string, status models.SendStatus, lastError string) error {
	_, err := s.db.Exec(`UPDATE scheduled_sends SET status = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ? AND status = 'pending'`,
		status, nilIfEmpty(lastError), time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore MarkScheduledSendResult failed", "error", err, "id", id, "status", status)
		return fmt.Errorf("failed to mark scheduled send %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleScheduledSends(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE scheduled_sends SET locked_at = NULL, updated_at = ? WHERE status = 'pending' AND locked_at IS NOT NULL AND locked_at < ?`, time.Now(), staleBefore)
	if err != nil {
		slog.Error("SQLiteStore RequeueStaleScheduledSends failed", "error", err)
		return 0, fmt.Errorf("failed to requeue stale sends: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore RequeueStaleScheduledSends recovered sends", "count", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) GetScheduledSend(id string) (*models.ScheduledSend, error) {
	row := s.db.QueryRow(`SELECT `+sqliteSendColumns+` FROM scheduled_sends WHERE id = ?`, id)
	send, err := scanScheduledSend(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled send %s: %w", id, err)
	}
	return &send, nil
}

func (s *SQLiteStore) CountScheduledSendsByRule(ruleID string) (map[models.SendStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM scheduled_sends WHERE rule_id = ? GROUP BY status`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to count scheduled sends: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SendStatus]int)
	for rows.Next() {
		var status models.SendStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate count rows: %w", err)
	}
	return counts, nil
}

const sqliteLogColumns = `id, channel, contact_id, address, rule_id, campaign_id, rendered_message, provider_status, provider_id, error_message, created_at`

func (s *SQLiteStore) AddDeliveryLog(e *models.DeliveryLogEntry) error {
	if e.ID == "" {
		e.ID = util.GenerateDeliveryLogID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO delivery_log (`+sqliteLogColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Channel, e.ContactID, e.Address, nilIfEmpty(e.RuleID), nilIfEmpty(e.CampaignID),
		e.RenderedMessage, e.ProviderStatus, nilIfEmpty(e.ProviderID), nilIfEmpty(e.ErrorMessage), e.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddDeliveryLog failed", "error", err, "contact_id", e.ContactID)
		return fmt.Errorf("failed to insert delivery log entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDeliveryLog(limit, offset int) ([]models.DeliveryLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+sqliteLogColumns+` FROM delivery_log ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		slog.Error("SQLiteStore ListDeliveryLog query failed", "error", err)
		return nil, fmt.Errorf("failed to query delivery log: %w", err)
	}
	defer rows.Close()

	var entries []models.DeliveryLogEntry
	for rows.Next() {
		e, err := scanDeliveryLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery log row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery log rows: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) DeliveryStatsForRule(ruleID string) (models.DeliveryStats, error) {
	rows, err := s.db.Query(`SELECT provider_status, COUNT(*) FROM delivery_log WHERE rule_id = ? GROUP BY provider_status`, ruleID)
	if err != nil {
		return models.DeliveryStats{}, fmt.Errorf("failed to query rule stats: %w", err)
	}
	defer rows.Close()
	return statsFromStatusCounts(rows)
}

func (s *SQLiteStore) DeliveryStatsForCampaign(campaignID string) (models.DeliveryStats, error) {
	rows, err := s.db.Query(`SELECT provider_status, COUNT(*) FROM delivery_log WHERE campaign_id = ? GROUP BY provider_status`, campaignID)
	if err != nil {
		return models.DeliveryStats{}, fmt.Errorf("failed to query campaign stats: %w", err)
	}
	defer rows.Close()
	return statsFromStatusCounts(rows)
}

func (s *SQLiteStore) ReconcileProviderStatus(providerID string, status models.ProviderStatus, errMsg string) (bool, error) {
	if providerID == "" {
		return false, nil
	}
	res, err := s.db.Exec(`UPDATE delivery_log SET provider_status = ?, error_message = COALESCE(?, error_message) WHERE provider_id = ?`,
		status, nilIfEmpty(errMsg), providerID)
	if err != nil {
		slog.Error("SQLiteStore ReconcileProviderStatus failed", "error", err, "provider_id", providerID)
		return false, fmt.Errorf("failed to reconcile provider status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) CreateCampaign(c *models.Campaign) error {
	if c.ID == "" {
		c.ID = util.GenerateCampaignID()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	filter, err := marshalJSON(c.AudienceFilter)
	if err != nil {
		return fmt.Errorf("failed to marshal audience filter: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO campaigns (id, name, message_type, message_template, audience_filter, status, total_recipients, sent_count, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.MessageType, c.MessageTemplate, filter, c.Status, c.TotalRecipients, c.SentCount, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateCampaign failed", "error", err, "campaign_id", c.ID)
		return fmt.Errorf("failed to insert campaign %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetCampaign(id string) (*models.Campaign, error) {
	row := s.db.QueryRow(`SELECT id, name, message_type, message_template, audience_filter, status, total_recipients, sent_count, created_at, updated_at FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLiteStore) ListCampaigns() ([]models.Campaign, error) {
	rows, err := s.db.Query(`SELECT id, name, message_type, message_template, audience_filter, status, total_recipients, sent_count, created_at, updated_at FROM campaigns ORDER BY created_at`)
	if err != nil {
		slog.Error("SQLiteStore ListCampaigns query failed", "error", err)
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign row: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate campaign rows: %w", err)
	}
	return campaigns, nil
}

func (s *SQLiteStore) IncrementCampaignSent(id string) error {
	// Increment in SQL, capped at total_recipients; the counter never runs
	// past the audience size resolved at creation.
	res, err := s.db.Exec(`UPDATE campaigns SET sent_count = sent_count + 1, updated_at = ? WHERE id = ? AND sent_count < total_recipients`, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore IncrementCampaignSent failed", "error", err, "campaign_id", id)
		return fmt.Errorf("failed to increment campaign sent count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the campaign is missing or the counter is at its cap.
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM campaigns WHERE id = ?`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check campaign %s: %w", id, err)
		}
		if exists == 0 {
			return ErrCampaignNotFound
		}
	}
	return nil
}

func (s *SQLiteStore) SetCampaignStatus(id string, status models.CampaignStatus) error {
	res, err := s.db.Exec(`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore SetCampaignStatus failed", "error", err, "campaign_id", id)
		return fmt.Errorf("failed to set campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateContact(c *models.Contact) error {
	if c.ID == "" {
		c.ID = util.GenerateContactID()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	attributes, err := marshalJSON(c.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal contact attributes: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO contacts (id, name, phone, attributes, opted_out, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, nilIfEmpty(c.Name), c.Phone, attributes, c.OptedOut, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateContact failed", "error", err, "contact_id", c.ID)
		return fmt.Errorf("failed to insert contact %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetContact(id string) (*models.Contact, error) {
	row := s.db.QueryRow(`SELECT id, name, phone, attributes, opted_out, created_at, updated_at FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLiteStore) FindContacts(filter map[string]string) ([]models.Contact, error) {
	// Attributes live in a JSON TEXT column, so filtering happens in process.
	rows, err := s.db.Query(`SELECT id, name, phone, attributes, opted_out, created_at, updated_at FROM contacts WHERE opted_out = 0 ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore FindContacts query failed", "error", err)
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact row: %w", err)
		}
		if matchesFilter(c, filter) {
			contacts = append(contacts, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contact rows: %w", err)
	}
	return contacts, nil
}

func (s *SQLiteStore) SetOptOutByPhone(phone string, optedOut bool) error {
	res, err := s.db.Exec(`UPDATE contacts SET opted_out = ?, updated_at = ? WHERE phone = ?`, optedOut, time.Now(), phone)
	if err != nil {
		slog.Error("SQLiteStore SetOptOutByPhone failed", "error", err)
		return fmt.Errorf("failed to set opt-out: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrContactNotFound
	}
	slog.Info("SQLiteStore SetOptOutByPhone succeeded", "opted_out", optedOut, "matched", n)
	return nil
}

func (s *SQLiteStore) IsOptedOut(contactID string) (bool, error) {
	var optedOut bool
	err := s.db.QueryRow(`SELECT opted_out FROM contacts WHERE id = ?`, contactID).Scan(&optedOut)
	if err == sql.ErrNoRows {
		return false, ErrContactNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to check opt-out for contact %s: %w", contactID, err)
	}
	return optedOut, nil
}
