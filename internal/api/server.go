// Package api provides the HTTP API server for Pulse.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/quantumlife/pulse/internal/actions"
	"github.com/quantumlife/pulse/internal/conversation"
	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/llm"
	"github.com/quantumlife/pulse/internal/logging"
	"github.com/quantumlife/pulse/internal/notifications"
	"github.com/quantumlife/pulse/internal/proactive"
	"github.com/quantumlife/pulse/internal/rules"
	"github.com/quantumlife/pulse/internal/storage"
)

var log = logging.WithField("component", "api")

// Server is the HTTP API server
type Server struct {
	router     chi.Router
	httpServer *http.Server

	conversations *conversation.Service
	dispatcher    *actions.Dispatcher
	notifications *notifications.Service
	proactive     *proactive.Service
	llmRouter     *llm.Router
	db            *storage.DB

	wsHub *WebSocketHub
	now   func() time.Time
}

// Config for the API server. Conversations is required; everything else
// is optional and its routes are left out when nil.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string

	Conversations *conversation.Service
	Dispatcher    *actions.Dispatcher
	Notifications *notifications.Service
	Proactive     *proactive.Service
	LLMRouter     *llm.Router
	DB            *storage.DB

	// Hub is created when nil. Pass one in when a Messenger was built on it.
	Hub *WebSocketHub
	Now func() time.Time
}

// New creates a new API server and subscribes the websocket hub to
// conversation, dispatch and notification events
func New(cfg Config) *Server {
	if cfg.Hub == nil {
		cfg.Hub = NewWebSocketHub(cfg.AllowedOrigins...)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		conversations: cfg.Conversations,
		dispatcher:    cfg.Dispatcher,
		notifications: cfg.Notifications,
		proactive:     cfg.Proactive,
		llmRouter:     cfg.LLMRouter,
		db:            cfg.DB,
		wsHub:         cfg.Hub,
		now:           cfg.Now,
	}

	s.conversations.Subscribe(func(e conversation.Event) {
		s.Broadcast("conversation."+string(e.Type), e)
	})
	if s.dispatcher != nil {
		s.dispatcher.SetUpdateCallback(func(d actions.Dispatch) {
			s.Broadcast("dispatch.update", d)
		})
	}
	if s.notifications != nil {
		s.notifications.Subscribe(s.wsHub)
	}

	s.setupRouter(cfg.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

func (s *Server) setupRouter(origins []string) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	// The timeout middleware would cut long-lived websocket connections
	r.Get("/ws", s.wsHub.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		NewConversationHandlers(s.conversations).RegisterRoutes(r)
		NewRuleHandlers(s.conversations).RegisterRoutes(r)

		r.Post("/tick", s.handleTick)
		r.Get("/stats", s.handleGetStats)

		if s.dispatcher != nil {
			r.Get("/dispatches", s.handleGetDispatches)
			r.Get("/dispatches/{dispatchID}", s.handleGetDispatch)
		}

		if s.notifications != nil {
			NewNotificationsAPI(s.notifications).RegisterRoutes(r)
		}
	})

	s.router = r
}

// requestLogger logs each request through the component logger
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.WithFields(map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("Served in %s", time.Since(start))
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go s.wsHub.Run()

	log.Info("API server listening on http://%s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the server and disconnects websocket clients
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.notifications != nil {
		s.notifications.Unsubscribe(s.wsHub.ID())
	}
	s.wsHub.Close()
	return err
}

// Broadcast sends a message to all WebSocket clients
func (s *Server) Broadcast(msgType string, data interface{}) {
	if err := s.wsHub.Broadcast(WebSocketMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: s.now(),
	}); err != nil && !errors.Is(err, core.ErrServiceClosed) {
		log.Warn("Broadcast %s failed: %v", msgType, err)
	}
}

// --- Response helpers ---

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn("Encoding response failed: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps service errors to status codes. Validation
// failures carry their field list.
func respondServiceError(w http.ResponseWriter, err error) {
	var verr *rules.ValidationError
	if errors.As(err, &verr) {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  verr.Error(),
			"fields": verr.Fields,
		})
		return
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("Request failed: %v", err)
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrRuleNotFound),
		errors.Is(err, core.ErrConversationNotFound),
		errors.Is(err, core.ErrMessageNotFound),
		errors.Is(err, core.ErrInsightNotFound),
		errors.Is(err, core.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrRuleExists),
		errors.Is(err, core.ErrInsightNotDismissable):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidRule),
		errors.Is(err, core.ErrInvalidCondition),
		errors.Is(err, core.ErrInvalidSchedule),
		errors.Is(err, core.ErrInvalidAction),
		errors.Is(err, core.ErrInvalidInput),
		errors.Is(err, core.ErrMissingRequired):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrServiceClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON body, rejecting unknown fields
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	result := map[string]interface{}{
		"status":        "ok",
		"conversations": s.conversations.ActorCount(),
		"ws_clients":    s.wsHub.ClientCount(),
	}

	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			result["status"] = "degraded"
			result["database"] = err.Error()
		} else {
			result["database"] = "ok"
		}
	}
	if s.llmRouter != nil {
		result["ai_providers"] = s.llmRouter.Providers()
	}

	respondJSON(w, status, result)
}

type tickRequest struct {
	At *time.Time `json:"at,omitempty"`
}

// handleTick re-checks clock driven rules and insight staleness. An empty
// body ticks at the current time.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	var req tickRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondServiceError(w, err)
			return
		}
	}
	at := s.now()
	if req.At != nil {
		at = *req.At
	}

	matches, err := s.conversations.Tick(r.Context(), at)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if matches == nil {
		matches = []core.RuleMatch{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"at":      at,
		"matches": matches,
	})
}

func (s *Server) handleGetDispatches(w http.ResponseWriter, r *http.Request) {
	var list []actions.Dispatch
	if r.URL.Query().Get("status") == string(actions.StatusScheduled) {
		list = s.dispatcher.Scheduled()
	} else {
		list = s.dispatcher.Recent(queryInt(r, "limit", 50))
		if st := r.URL.Query().Get("status"); st != "" {
			filtered := list[:0]
			for _, d := range list {
				if string(d.Status) == st {
					filtered = append(filtered, d)
				}
			}
			list = filtered
		}
	}
	if list == nil {
		list = []actions.Dispatch{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"dispatches": list,
		"count":      len(list),
	})
}

func (s *Server) handleGetDispatch(w http.ResponseWriter, r *http.Request) {
	d, ok := s.dispatcher.Get(chi.URLParam(r, "dispatchID"))
	if !ok {
		respondError(w, http.StatusNotFound, "dispatch not found")
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	result := map[string]interface{}{
		"conversations": len(s.conversations.Conversations()),
		"actors":        s.conversations.ActorCount(),
		"rules":         len(s.conversations.Rules()),
		"invalid_rules": len(s.conversations.InvalidRules()),
		"ws_clients":    s.wsHub.ClientCount(),
	}

	if s.dispatcher != nil {
		result["dispatch"] = s.dispatcher.GetStats()
	}
	if s.proactive != nil {
		result["insights"] = s.proactive.GetStats()
	}
	if s.llmRouter != nil {
		result["ai"] = s.llmRouter.GetStats()
	}
	if s.notifications != nil {
		if stats, err := s.notifications.Stats(r.Context()); err == nil {
			result["notifications"] = stats
		}
	}

	respondJSON(w, http.StatusOK, result)
}
