package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/notifications"
)

// NotificationsAPI handles notification endpoints
type NotificationsAPI struct {
	service *notifications.Service
}

// NewNotificationsAPI creates a new notifications API
func NewNotificationsAPI(service *notifications.Service) *NotificationsAPI {
	return &NotificationsAPI{service: service}
}

// RegisterRoutes registers notification routes on the router
func (api *NotificationsAPI) RegisterRoutes(r chi.Router) {
	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", api.handleGetNotifications)
		r.Post("/", api.handleCreateNotification)
		r.Get("/unread-count", api.handleGetUnreadCount)
		r.Get("/stats", api.handleGetNotificationStats)
		r.Post("/read-all", api.handleMarkAllNotificationsRead)
		r.Get("/{id}", api.handleGetNotification)
		r.Post("/{id}/read", api.handleMarkNotificationRead)
		r.Post("/{id}/dismiss", api.handleDismissNotification)
	})
}

// handleGetNotifications returns notifications with optional filters
func (api *NotificationsAPI) handleGetNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := notifications.NotificationFilter{
		ConversationID: q.Get("conversation_id"),
		RuleID:         q.Get("rule_id"),
		Urgency:        core.Urgency(q.Get("urgency")),
		Limit:          queryInt(r, "limit", 0),
		Offset:         queryInt(r, "offset", 0),
	}
	if read := q.Get("read"); read != "" {
		b, _ := strconv.ParseBool(read)
		filter.Read = &b
	}
	if dismissed := q.Get("dismissed"); dismissed != "" {
		b, _ := strconv.ParseBool(dismissed)
		filter.Dismissed = &b
	}

	notifs, err := api.service.List(r.Context(), filter)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if notifs == nil {
		notifs = []*notifications.Notification{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifs,
		"count":         len(notifs),
	})
}

// handleGetNotification returns a single notification
func (api *NotificationsAPI) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	notif, err := api.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, notif)
}

// handleCreateNotification pushes a notification by hand
func (api *NotificationsAPI) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var n core.Notification
	if err := decodeJSON(r, &n); err != nil {
		respondServiceError(w, err)
		return
	}

	if err := api.service.PushNotification(r.Context(), n); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"message": "created"})
}

// handleMarkNotificationRead marks a notification as read
func (api *NotificationsAPI) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := api.service.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "marked as read"})
}

// handleMarkAllNotificationsRead marks all notifications as read
func (api *NotificationsAPI) handleMarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if err := api.service.MarkAllRead(r.Context()); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "all marked as read"})
}

// handleDismissNotification dismisses a notification
func (api *NotificationsAPI) handleDismissNotification(w http.ResponseWriter, r *http.Request) {
	if err := api.service.Dismiss(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "dismissed"})
}

// handleGetUnreadCount returns the count of unread notifications
func (api *NotificationsAPI) handleGetUnreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := api.service.UnreadCount(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"count": count})
}

// handleGetNotificationStats returns notification statistics
func (api *NotificationsAPI) handleGetNotificationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := api.service.Stats(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
