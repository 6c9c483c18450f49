package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quantumlife/pulse/internal/conversation"
	"github.com/quantumlife/pulse/internal/core"
)

// ConversationHandlers serves messages, signals and insights
type ConversationHandlers struct {
	service *conversation.Service
}

// NewConversationHandlers creates handlers for conversation endpoints
func NewConversationHandlers(service *conversation.Service) *ConversationHandlers {
	return &ConversationHandlers{service: service}
}

// RegisterRoutes registers conversation routes on the router
func (h *ConversationHandlers) RegisterRoutes(r chi.Router) {
	r.Get("/conversations", h.handleListConversations)
	r.Route("/conversations/{id}", func(r chi.Router) {
		r.Delete("/", h.handleForget)

		r.Post("/messages", h.handleAppendMessage)
		r.Put("/messages/{messageID}", h.handleEditMessage)
		r.Post("/messages/{messageID}/retract", h.handleRetractMessage)

		r.Get("/window", h.handleGetWindow)
		r.Get("/signals", h.handleGetSignals)
		r.Get("/insights", h.handleGetInsights)
		r.Post("/insights/{insightID}/dismiss", h.handleDismissInsight)
	})
}

func (h *ConversationHandlers) handleListConversations(w http.ResponseWriter, r *http.Request) {
	ids := h.service.Conversations()
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": ids,
		"count":         len(ids),
	})
}

// messageFromRequest decodes a message and fills it in from the URL. A
// missing message id is generated.
func messageFromRequest(r *http.Request) (core.Message, error) {
	var msg core.Message
	if err := decodeJSON(r, &msg); err != nil {
		return msg, err
	}

	conv := chi.URLParam(r, "id")
	if msg.ConversationID != "" && msg.ConversationID != conv {
		return msg, fmt.Errorf("%w: conversation_id %q does not match path", core.ErrInvalidInput, msg.ConversationID)
	}
	msg.ConversationID = conv

	if id := chi.URLParam(r, "messageID"); id != "" {
		if msg.ID != "" && msg.ID != id {
			return msg, fmt.Errorf("%w: id %q does not match path", core.ErrInvalidInput, msg.ID)
		}
		msg.ID = id
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	return msg, nil
}

func (h *ConversationHandlers) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := messageFromRequest(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	res, err := h.service.AppendMessage(r.Context(), msg)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, res)
}

func (h *ConversationHandlers) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := messageFromRequest(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	win, err := h.service.EditMessage(r.Context(), msg)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, win)
}

func (h *ConversationHandlers) handleRetractMessage(w http.ResponseWriter, r *http.Request) {
	win, err := h.service.RetractMessage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "messageID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, win)
}

func (h *ConversationHandlers) handleGetWindow(w http.ResponseWriter, r *http.Request) {
	win, err := h.service.Window(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, win)
}

func (h *ConversationHandlers) handleGetSignals(w http.ResponseWriter, r *http.Request) {
	signals, err := h.service.Signals(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if signals == nil {
		signals = []core.Signal{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"signals": signals,
		"count":   len(signals),
	})
}

func (h *ConversationHandlers) handleGetInsights(w http.ResponseWriter, r *http.Request) {
	includeDismissed, _ := strconv.ParseBool(r.URL.Query().Get("include_dismissed"))

	insights, err := h.service.Insights(chi.URLParam(r, "id"), includeDismissed)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if insights == nil {
		insights = []core.Insight{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"insights": insights,
		"count":    len(insights),
	})
}

func (h *ConversationHandlers) handleDismissInsight(w http.ResponseWriter, r *http.Request) {
	err := h.service.DismissInsight(chi.URLParam(r, "id"), chi.URLParam(r, "insightID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "dismissed"})
}

func (h *ConversationHandlers) handleForget(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Forget(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
