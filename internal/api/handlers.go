package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fieldhouse/CampReach/internal/models"
	"github.com/fieldhouse/CampReach/internal/phone"
	"github.com/fieldhouse/CampReach/internal/store"
)

// Delivery log pagination bounds.
const (
	defaultLogLimit = 50
	maxLogLimit     = 500
)

// createRuleRequest is the payload for rule creation and update. IsActive is
// a pointer so an omitted field defaults to active instead of paused.
type createRuleRequest struct {
	Name         string            `json:"name"`
	TriggerType  models.TriggerType `json:"trigger_type"`
	OffsetDays   int               `json:"offset_days"`
	Conditions   map[string]string `json:"conditions"`
	TemplateID   string            `json:"template_id"`
	Channels     []models.Channel  `json:"channels"`
	DelayMinutes int               `json:"delay_minutes"`
	IsActive     *bool             `json:"is_active"`
}

func (req *createRuleRequest) toRule() *models.AutomationRule {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return &models.AutomationRule{
		Name:         req.Name,
		TriggerType:  req.TriggerType,
		OffsetDays:   req.OffsetDays,
		Conditions:   req.Conditions,
		TemplateID:   req.TemplateID,
		Channels:     req.Channels,
		DelayMinutes: req.DelayMinutes,
		IsActive:     active,
	}
}

func (s *Server) createRuleHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	rule := req.toRule()
	if err := rule.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	// A rule must point at an existing template before it can be saved.
	if _, err := s.st.GetTemplate(rule.TemplateID); err != nil {
		if errors.Is(err, store.ErrTemplateNotFound) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("template not found: "+rule.TemplateID))
			return
		}
		slog.Error("Server.createRuleHandler: template lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create rule"))
		return
	}
	if err := s.st.CreateRule(rule); err != nil {
		slog.Error("Server.createRuleHandler: failed to create rule", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create rule"))
		return
	}
	slog.Info("Server.createRuleHandler: rule created", "rule_id", rule.ID, "trigger", rule.TriggerType)
	writeJSONResponse(w, http.StatusCreated, models.Success(rule))
}

func (s *Server) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	rules, err := s.st.ListRules()
	if err != nil {
		slog.Error("Server.listRulesHandler: failed to list rules", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list rules"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rules))
}

func (s *Server) getRuleHandler(w http.ResponseWriter, r *http.Request) {
	rule, err := s.st.GetRule(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrRuleNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Rule not found"))
			return
		}
		slog.Error("Server.getRuleHandler: failed to get rule", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get rule"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rule))
}

func (s *Server) updateRuleHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	rule := req.toRule()
	rule.ID = chi.URLParam(r, "id")
	if err := rule.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.UpdateRule(rule); err != nil {
		if errors.Is(err, store.ErrRuleNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Rule not found"))
			return
		}
		slog.Error("Server.updateRuleHandler: failed to update rule", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update rule"))
		return
	}
	updated, err := s.st.GetRule(rule.ID)
	if err != nil {
		slog.Error("Server.updateRuleHandler: failed to reload rule", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update rule"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(updated))
}

func (s *Server) deleteRuleHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.st.SoftDeleteRule(id); err != nil {
		if errors.Is(err, store.ErrRuleNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Rule not found"))
			return
		}
		slog.Error("Server.deleteRuleHandler: failed to delete rule", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete rule"))
		return
	}
	slog.Info("Server.deleteRuleHandler: rule deleted", "rule_id", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Rule deleted", nil))
}

func (s *Server) toggleRuleHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsActive == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: is_active"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.st.SetRuleActive(id, *req.IsActive); err != nil {
		if errors.Is(err, store.ErrRuleNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Rule not found"))
			return
		}
		slog.Error("Server.toggleRuleHandler: failed to toggle rule", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to toggle rule"))
		return
	}
	slog.Info("Server.toggleRuleHandler: rule toggled", "rule_id", id, "is_active", *req.IsActive)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Rule updated", nil))
}

func (s *Server) testSendHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req struct {
		To string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	to, err := phone.NormalizeE164(req.To)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	res, err := s.disp.SendTestMessage(r.Context(), chi.URLParam(r, "id"), to)
	if err != nil {
		if errors.Is(err, store.ErrRuleNotFound) || errors.Is(err, store.ErrTemplateNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error(err.Error()))
			return
		}
		slog.Warn("Server.testSendHandler: test send failed", "error", err, "to", to)
		writeJSONResponse(w, http.StatusBadGateway, models.APIResponse{
			Status:  string(models.APIStatusError),
			Message: err.Error(),
			Result:  res,
		})
		return
	}
	slog.Info("Server.testSendHandler: test message sent", "to", to)
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// ruleStats combines rule delivery outcomes with scheduled-send state counts.
type ruleStats struct {
	ExecutionCount int64                     `json:"execution_count"`
	Delivery       models.DeliveryStats      `json:"delivery"`
	ScheduledSends map[models.SendStatus]int `json:"scheduled_sends"`
}

func (s *Server) ruleStatsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, err := s.st.GetRule(id)
	if err != nil {
		if errors.Is(err, store.ErrRuleNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Rule not found"))
			return
		}
		slog.Error("Server.ruleStatsHandler: failed to get rule", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get rule stats"))
		return
	}
	delivery, err := s.st.DeliveryStatsForRule(id)
	if err != nil {
		slog.Error("Server.ruleStatsHandler: failed to aggregate delivery stats", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get rule stats"))
		return
	}
	counts, err := s.st.CountScheduledSendsByRule(id)
	if err != nil {
		slog.Error("Server.ruleStatsHandler: failed to count scheduled sends", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get rule stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(ruleStats{
		ExecutionCount: rule.ExecutionCount,
		Delivery:       delivery,
		ScheduledSends: counts,
	}))
}

func (s *Server) createTemplateHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var tpl models.MessageTemplate
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := tpl.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.CreateTemplate(&tpl); err != nil {
		slog.Error("Server.createTemplateHandler: failed to create template", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create template"))
		return
	}
	slog.Info("Server.createTemplateHandler: template created", "template_id", tpl.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(tpl))
}

func (s *Server) listTemplatesHandler(w http.ResponseWriter, r *http.Request) {
	templates, err := s.st.ListTemplates()
	if err != nil {
		slog.Error("Server.listTemplatesHandler: failed to list templates", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list templates"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(templates))
}

func (s *Server) getTemplateHandler(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.st.GetTemplate(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrTemplateNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Template not found"))
			return
		}
		slog.Error("Server.getTemplateHandler: failed to get template", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get template"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(tpl))
}

func (s *Server) createCampaignHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req struct {
		Name            string            `json:"name"`
		MessageType     models.Channel    `json:"message_type"`
		MessageTemplate string            `json:"message_template"`
		AudienceFilter  map[string]string `json:"audience_filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	c, err := s.campaigns.Create(req.Name, req.MessageType, req.MessageTemplate, req.AudienceFilter)
	if err != nil {
		if errors.Is(err, models.ErrEmptyCampaignName) || errors.Is(err, models.ErrEmptyCampaignTemplate) ||
			errors.Is(err, models.ErrInvalidMessageType) || errors.Is(err, models.ErrTemplateBodyTooLong) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.createCampaignHandler: failed to create campaign", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create campaign"))
		return
	}
	slog.Info("Server.createCampaignHandler: campaign created", "campaign_id", c.ID, "recipients", c.TotalRecipients)
	writeJSONResponse(w, http.StatusCreated, models.Success(c))
}

func (s *Server) listCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.st.ListCampaigns()
	if err != nil {
		slog.Error("Server.listCampaignsHandler: failed to list campaigns", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list campaigns"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(campaigns))
}

func (s *Server) getCampaignHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.st.GetCampaign(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrCampaignNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Campaign not found"))
			return
		}
		slog.Error("Server.getCampaignHandler: failed to get campaign", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get campaign"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}

func (s *Server) campaignStatsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.st.GetCampaign(id); err != nil {
		if errors.Is(err, store.ErrCampaignNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Campaign not found"))
			return
		}
		slog.Error("Server.campaignStatsHandler: failed to get campaign", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get campaign stats"))
		return
	}
	stats, err := s.st.DeliveryStatsForCampaign(id)
	if err != nil {
		slog.Error("Server.campaignStatsHandler: failed to aggregate stats", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get campaign stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) createContactHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var contact models.Contact
	if err := json.NewDecoder(r.Body).Decode(&contact); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	normalized, err := phone.NormalizeE164(contact.Phone)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	contact.Phone = normalized
	if err := s.st.CreateContact(&contact); err != nil {
		slog.Error("Server.createContactHandler: failed to create contact", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create contact"))
		return
	}
	slog.Info("Server.createContactHandler: contact created", "contact_id", contact.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(contact))
}

func (s *Server) getContactHandler(w http.ResponseWriter, r *http.Request) {
	contact, err := s.st.GetContact(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrContactNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Contact not found"))
			return
		}
		slog.Error("Server.getContactHandler: failed to get contact", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get contact"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(contact))
}

func (s *Server) deliveryLogHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit parameter"))
			return
		}
		limit = n
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid offset parameter"))
			return
		}
		offset = n
	}

	entries, err := s.st.ListDeliveryLog(limit, offset)
	if err != nil {
		slog.Error("Server.deliveryLogHandler: failed to list delivery log", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list delivery log"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

// eventHandler ingests an external trigger event (order placed, new contact)
// and routes it through the automation dispatcher.
func (s *Server) eventHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req struct {
		TriggerType models.TriggerType `json:"trigger_type"`
		ContactID   string             `json:"contact_id"`
		Event       map[string]string  `json:"event"`
		EventTime   *time.Time         `json:"event_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !models.IsValidTriggerType(req.TriggerType) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid trigger type"))
		return
	}
	contact, err := s.st.GetContact(req.ContactID)
	if err != nil {
		if errors.Is(err, store.ErrContactNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Contact not found"))
			return
		}
		slog.Error("Server.eventHandler: contact lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process event"))
		return
	}

	snapshot := models.RecipientSnapshot{
		ContactID: contact.ID,
		Address:   contact.Phone,
		Contact:   contact.Attributes,
		Event:     req.Event,
		OptedOut:  contact.OptedOut,
	}
	eventTime := time.Now()
	if req.EventTime != nil {
		eventTime = *req.EventTime
	}

	scheduled, err := s.disp.HandleEvent(r.Context(), req.TriggerType, snapshot, eventTime)
	if err != nil {
		slog.Error("Server.eventHandler: dispatch failed", "error", err, "trigger", req.TriggerType)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process event"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"scheduled": scheduled}))
}
