// Package store provides storage backends for CampReach.
//
// It defines repository interfaces for automation rules, message templates,
// scheduled sends, the delivery log, campaigns, and contacts, with SQLite,
// PostgreSQL, and in-memory implementations.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/fieldhouse/CampReach/internal/models"
)

// Sentinel errors shared by all backends.
var (
	// ErrDuplicateScheduledSend indicates a scheduled send with the same
	// idempotency key already exists. Callers treat it as a no-op.
	ErrDuplicateScheduledSend = errors.New("duplicate scheduled send")
	// ErrRuleNotFound indicates the rule does not exist or was deleted.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrTemplateNotFound indicates the referenced template does not exist.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrCampaignNotFound indicates the campaign does not exist.
	ErrCampaignNotFound = errors.New("campaign not found")
	// ErrContactNotFound indicates the contact does not exist.
	ErrContactNotFound = errors.New("contact not found")
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite" so callers can
// pick a backend from a single connection-string setting.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// RuleRepo persists automation rules and their execution counters.
type RuleRepo interface {
	// CreateRule inserts a rule, assigning an ID when empty.
	CreateRule(r *models.AutomationRule) error

	// GetRule retrieves a rule by ID. Soft-deleted rules return ErrRuleNotFound.
	GetRule(id string) (*models.AutomationRule, error)

	// ListRules returns all non-deleted rules.
	ListRules() ([]models.AutomationRule, error)

	// ListActiveRulesByTrigger returns active, non-deleted rules subscribed
	// to the given trigger type.
	ListActiveRulesByTrigger(t models.TriggerType) ([]models.AutomationRule, error)

	// UpdateRule saves rule definition fields. It never touches
	// execution_count; only IncrementExecutionCount does.
	UpdateRule(r *models.AutomationRule) error

	// SetRuleActive toggles a rule's active flag.
	SetRuleActive(id string, active bool) error

	// SoftDeleteRule marks a rule deleted without removing history.
	SoftDeleteRule(id string) error

	// IncrementExecutionCount atomically adds one to the rule's execution
	// counter. Safe under concurrent fires; increments are never lost.
	IncrementExecutionCount(id string) error
}

// TemplateRepo persists reusable message templates.
type TemplateRepo interface {
	CreateTemplate(t *models.MessageTemplate) error
	GetTemplate(id string) (*models.MessageTemplate, error)
	ListTemplates() ([]models.MessageTemplate, error)
}

// ScheduledSendRepo persists pending automated sends.
type ScheduledSendRepo interface {
	// CreateScheduledSend inserts a scheduled send, assigning an ID when
	// empty. The insert is atomic against the idempotency key: a second
	// insert with the same key returns ErrDuplicateScheduledSend without
	// creating a row, even under concurrent callers.
	CreateScheduledSend(s *models.ScheduledSend) error

	// ClaimDueScheduledSends atomically locks up to limit pending sends
	// whose fire_at <= now and returns them. A send claimed by one poller
	// is invisible to concurrent pollers.
	ClaimDueScheduledSends(now time.Time, limit int) ([]models.ScheduledSend, error)

	// MarkScheduledSendResult transitions a claimed send to a terminal
	// status. Terminal states are final: marking an already-terminal send
	// is a no-op.
	MarkScheduledSendResult(id string, status models.SendStatus, lastError string) error

	// RequeueStaleScheduledSends unlocks sends claimed before staleBefore
	// that never reached a terminal state (crash recovery).
	RequeueStaleScheduledSends(staleBefore time.Time) (int, error)

	// GetScheduledSend retrieves a single scheduled send by ID, or nil.
	GetScheduledSend(id string) (*models.ScheduledSend, error)

	// CountScheduledSendsByRule returns counts per status for a rule.
	CountScheduledSendsByRule(ruleID string) (map[models.SendStatus]int, error)
}

// DeliveryLogRepo persists the append-only delivery audit log.
type DeliveryLogRepo interface {
	// AddDeliveryLog appends an entry, assigning an ID when empty.
	AddDeliveryLog(e *models.DeliveryLogEntry) error

	// ListDeliveryLog returns entries newest first.
	ListDeliveryLog(limit, offset int) ([]models.DeliveryLogEntry, error)

	// DeliveryStatsForRule aggregates outcomes for one rule.
	DeliveryStatsForRule(ruleID string) (models.DeliveryStats, error)

	// DeliveryStatsForCampaign aggregates outcomes for one campaign.
	DeliveryStatsForCampaign(campaignID string) (models.DeliveryStats, error)

	// ReconcileProviderStatus updates the entry matching a provider message
	// ID with an asynchronous status callback. Returns false when no entry
	// matches.
	ReconcileProviderStatus(providerID string, status models.ProviderStatus, errMsg string) (bool, error)
}

// CampaignRepo persists bulk campaigns.
type CampaignRepo interface {
	CreateCampaign(c *models.Campaign) error
	GetCampaign(id string) (*models.Campaign, error)
	ListCampaigns() ([]models.Campaign, error)

	// IncrementCampaignSent atomically adds one to sent_count, capped at
	// total_recipients. The counter never decreases.
	IncrementCampaignSent(id string) error

	// SetCampaignStatus transitions the campaign lifecycle state.
	SetCampaignStatus(id string, status models.CampaignStatus) error
}

// ContactRepo persists contacts and their opt-out state.
type ContactRepo interface {
	CreateContact(c *models.Contact) error
	GetContact(id string) (*models.Contact, error)

	// FindContacts returns opted-in contacts whose attributes match every
	// filter entry (case-insensitive). An empty filter matches all
	// opted-in contacts.
	FindContacts(filter map[string]string) ([]models.Contact, error)

	// SetOptOutByPhone flips the opt-out flag for the contact with the
	// given phone number (inbound STOP/START handling).
	SetOptOutByPhone(phone string, optedOut bool) error

	// IsOptedOut re-reads the contact's current opt-out flag. Used by the
	// dispatcher at fire time to honor last-minute STOP requests.
	IsOptedOut(contactID string) (bool, error)
}

// Store aggregates every repository plus lifecycle management.
type Store interface {
	RuleRepo
	TemplateRepo
	ScheduledSendRepo
	DeliveryLogRepo
	CampaignRepo
	ContactRepo
	Close() error
}

// matchesFilter implements the shared audience-filter semantics for backends
// that filter in process.
func matchesFilter(c models.Contact, filter map[string]string) bool {
	for k, want := range filter {
		got, ok := c.Attributes[k]
		if !ok {
			return false
		}
		if !strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want)) {
			return false
		}
	}
	return true
}
