package store

import (
	"sort"
	"sync"
	"time"

	"github.com/fieldhouse/CampReach/internal/models"
	"github.com/fieldhouse/CampReach/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore is a mutex-guarded in-memory Store used by tests and by
// deployments that have not configured a database DSN.
type InMemoryStore struct {
	mu        sync.Mutex
	rules     map[string]*models.AutomationRule
	templates map[string]*models.MessageTemplate
	sends     map[string]*models.ScheduledSend
	sendKeys  map[string]string // idempotency key -> scheduled send ID
	log       []models.DeliveryLogEntry
	campaigns map[string]*models.Campaign
	contacts  map[string]*models.Contact
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rules:     make(map[string]*models.AutomationRule),
		templates: make(map[string]*models.MessageTemplate),
		sends:     make(map[string]*models.ScheduledSend),
		sendKeys:  make(map[string]string),
		campaigns: make(map[string]*models.Campaign),
		contacts:  make(map[string]*models.Contact),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// --- RuleRepo ---

func (s *InMemoryStore) CreateRule(r *models.AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = util.GenerateRuleID()
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetRule(id string) (*models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.DeletedAt != nil {
		return nil, ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *InMemoryStore) ListRules() ([]models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AutomationRule
	for _, r := range s.rules {
		if r.DeletedAt == nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListActiveRulesByTrigger(t models.TriggerType) ([]models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AutomationRule
	for _, r := range s.rules {
		if r.DeletedAt == nil && r.IsActive && r.TriggerType == t {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) UpdateRule(r *models.AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[r.ID]
	if !ok || existing.DeletedAt != nil {
		return ErrRuleNotFound
	}
	existing.Name = r.Name
	existing.TriggerType = r.TriggerType
	existing.OffsetDays = r.OffsetDays
	existing.Conditions = r.Conditions
	existing.TemplateID = r.TemplateID
	existing.Channels = r.Channels
	existing.DelayMinutes = r.DelayMinutes
	existing.IsActive = r.IsActive
	existing.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) SetRuleActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.DeletedAt != nil {
		return ErrRuleNotFound
	}
	r.IsActive = active
	r.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) SoftDeleteRule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.DeletedAt != nil {
		return ErrRuleNotFound
	}
	now := time.Now()
	r.DeletedAt = &now
	r.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) IncrementExecutionCount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	r.ExecutionCount++
	r.UpdatedAt = time.Now()
	return nil
}

// --- TemplateRepo ---

func (s *InMemoryStore) CreateTemplate(t *models.MessageTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = util.GenerateTemplateID()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	s.templates[t.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetTemplate(id string) (*models.MessageTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *InMemoryStore) ListTemplates() ([]models.MessageTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MessageTemplate
	for _, t := range s.templates {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- ScheduledSendRepo ---

func (s *InMemoryStore) CreateScheduledSend(send *models.ScheduledSend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sendKeys[send.IdempotencyKey]; exists {
		return ErrDuplicateScheduledSend
	}
	if send.ID == "" {
		send.ID = util.GenerateScheduledSendID()
	}
	now := time.Now()
	send.CreatedAt = now
	send.UpdatedAt = now
	if send.Status == "" {
		send.Status = models.SendStatusPending
	}
	cp := *send
	s.sends[send.ID] = &cp
	s.sendKeys[send.IdempotencyKey] = send.ID
	return nil
}

func (s *InMemoryStore) ClaimDueScheduledSends(now time.Time, limit int) ([]models.ScheduledSend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*models.ScheduledSend
	for _, send := range s.sends {
		if send.Status == models.SendStatusPending && send.LockedAt == nil && !send.FireAt.After(now) {
			due = append(due, send)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]models.ScheduledSend, 0, len(due))
	for _, send := range due {
		ts := now
		send.LockedAt = &ts
		send.UpdatedAt = now
		out = append(out, *send)
	}
	return out, nil
}

func (s *InMemoryStore) MarkScheduledSendResult(id string, status models.SendStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	send, ok := s.sends[id]
	if !ok {
		return nil
	}
	if send.Status.IsTerminal() {
		return nil
	}
	send.Status = status
	send.LastError = lastError
	send.LockedAt = nil
	send.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) RequeueStaleScheduledSends(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, send := range s.sends {
		if send.Status == models.SendStatusPending && send.LockedAt != nil && send.LockedAt.Before(staleBefore) {
			send.LockedAt = nil
			send.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetScheduledSend(id string) (*models.ScheduledSend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	send, ok := s.sends[id]
	if !ok {
		return nil, nil
	}
	cp := *send
	return &cp, nil
}

func (s *InMemoryStore) CountScheduledSendsByRule(ruleID string) (map[models.SendStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.SendStatus]int)
	for _, send := range s.sends {
		if send.RuleID == ruleID {
			out[send.Status]++
		}
	}
	return out, nil
}

// --- DeliveryLogRepo ---

func (s *InMemoryStore) AddDeliveryLog(e *models.DeliveryLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = util.GenerateDeliveryLogID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.log = append(s.log, *e)
	return nil
}

func (s *InMemoryStore) ListDeliveryLog(limit, offset int) ([]models.DeliveryLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// newest first
	out := make([]models.DeliveryLogEntry, len(s.log))
	for i, e := range s.log {
		out[len(s.log)-1-i] = e
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) DeliveryStatsForRule(ruleID string) (models.DeliveryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return aggregateStats(s.log, func(e models.DeliveryLogEntry) bool { return e.RuleID == ruleID }), nil
}

func (s *InMemoryStore) DeliveryStatsForCampaign(campaignID string) (models.DeliveryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return aggregateStats(s.log, func(e models.DeliveryLogEntry) bool { return e.CampaignID == campaignID }), nil
}

func (s *InMemoryStore) ReconcileProviderStatus(providerID string, status models.ProviderStatus, errMsg string) (bool, error) {
	if providerID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.log {
		if s.log[i].ProviderID == providerID {
			s.log[i].ProviderStatus = status
			if errMsg != "" {
				s.log[i].ErrorMessage = errMsg
			}
			return true, nil
		}
	}
	return false, nil
}

// aggregateStats folds delivery log entries matching pred into counts.
func aggregateStats(entries []models.DeliveryLogEntry, pred func(models.DeliveryLogEntry) bool) models.DeliveryStats {
	var stats models.DeliveryStats
	for _, e := range entries {
		if !pred(e) {
			continue
		}
		stats.Total++
		switch e.ProviderStatus {
		case models.ProviderStatusSent, models.ProviderStatusDelivered:
			stats.Sent++
		case models.ProviderStatusFailed:
			stats.Failed++
		case models.ProviderStatusSkipped:
			stats.Skipped++
		}
	}
	if attempted := stats.Sent + stats.Failed; attempted > 0 {
		stats.DeliveryRate = float64(stats.Sent) / float64(attempted)
	}
	return stats
}

// --- CampaignRepo ---

func (s *InMemoryStore) CreateCampaign(c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = util.GenerateCampaignID()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetCampaign(id string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) ListCampaigns() ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Campaign
	for _, c := range s.campaigns {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) IncrementCampaignSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return ErrCampaignNotFound
	}
	if c.SentCount < c.TotalRecipients {
		c.SentCount++
		c.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) SetCampaignStatus(id string, status models.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return ErrCampaignNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

// --- ContactRepo ---

func (s *InMemoryStore) CreateContact(c *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = util.GenerateContactID()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	s.contacts[c.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetContact(id string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, ErrContactNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) FindContacts(filter map[string]string) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Contact
	for _, c := range s.contacts {
		if c.OptedOut {
			continue
		}
		if matchesFilter(*c, filter) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SetOptOutByPhone(phone string, optedOut bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.Phone == phone {
			c.OptedOut = optedOut
			c.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrContactNotFound
}

func (s *InMemoryStore) IsOptedOut(contactID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok {
		return false, ErrContactNotFound
	}
	return c.OptedOut, nil
}
