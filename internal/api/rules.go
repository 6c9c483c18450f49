package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/pulse/internal/conversation"
	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/rules"
)

// RuleHandlers serves rule management and dry runs
type RuleHandlers struct {
	service *conversation.Service
}

// NewRuleHandlers creates handlers for rule endpoints
func NewRuleHandlers(service *conversation.Service) *RuleHandlers {
	return &RuleHandlers{service: service}
}

// RegisterRoutes registers rule routes on the router
func (h *RuleHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.handleListRules)
		r.Post("/", h.handleCreateRule)
		r.Post("/validate", h.handleValidateRule)
		r.Get("/stats", h.handleGetRuleStats)

		r.Get("/{ruleID}", h.handleGetRule)
		r.Put("/{ruleID}", h.handleUpdateRule)
		r.Delete("/{ruleID}", h.handleDeleteRule)
		r.Put("/{ruleID}/enabled", h.handleSetEnabled)
		r.Post("/{ruleID}/explain", h.handleExplainRule)
	})
}

func (h *RuleHandlers) handleListRules(w http.ResponseWriter, r *http.Request) {
	list := h.service.Rules()
	invalid := h.service.InvalidRules()
	if invalid == nil {
		invalid = []rules.InvalidRule{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"rules":   list,
		"invalid": invalid,
		"count":   len(list),
	})
}

func (h *RuleHandlers) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.service.Rule(chi.URLParam(r, "ruleID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (h *RuleHandlers) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule core.Rule
	if err := decodeJSON(r, &rule); err != nil {
		respondServiceError(w, err)
		return
	}

	created, err := h.service.CreateRule(r.Context(), rule)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (h *RuleHandlers) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule core.Rule
	if err := decodeJSON(r, &rule); err != nil {
		respondServiceError(w, err)
		return
	}

	id := chi.URLParam(r, "ruleID")
	if rule.ID != "" && rule.ID != id {
		respondServiceError(w, fmt.Errorf("%w: id %q does not match path", core.ErrInvalidInput, rule.ID))
		return
	}
	rule.ID = id

	updated, err := h.service.UpdateRule(r.Context(), rule)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (h *RuleHandlers) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRule(r.Context(), chi.URLParam(r, "ruleID")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *RuleHandlers) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := decodeJSON(r, &req); err != nil {
		respondServiceError(w, err)
		return
	}
	if req.Enabled == nil {
		respondServiceError(w, fmt.Errorf("%w: enabled", core.ErrMissingRequired))
		return
	}

	rule, err := h.service.SetRuleEnabled(r.Context(), chi.URLParam(r, "ruleID"), *req.Enabled)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// handleValidateRule reports problems without storing the rule. An invalid
// rule is a successful answer, not a failed request.
func (h *RuleHandlers) handleValidateRule(w http.ResponseWriter, r *http.Request) {
	var rule core.Rule
	if err := decodeJSON(r, &rule); err != nil {
		respondServiceError(w, err)
		return
	}

	err := h.service.ValidateRule(rule)
	var verr *rules.ValidationError
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
	case errors.As(err, &verr):
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"valid":  false,
			"fields": verr.Fields,
		})
	default:
		respondServiceError(w, err)
	}
}

func (h *RuleHandlers) handleExplainRule(w http.ResponseWriter, r *http.Request) {
	var msg core.Message
	if err := decodeJSON(r, &msg); err != nil {
		respondServiceError(w, err)
		return
	}

	ex, err := h.service.ExplainRule(chi.URLParam(r, "ruleID"), msg)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ex)
}

func (h *RuleHandlers) handleGetRuleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.service.RuleStats()
	if stats == nil {
		stats = []rules.RuleStats{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}
