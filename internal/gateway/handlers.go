// File: internal/gateway/handlers.go
package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/countygis/agentcore/internal/agent"
	"github.com/countygis/agentcore/internal/mcp"
	"github.com/countygis/agentcore/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handlers serves the REST side of the gateway.
type Handlers struct {
	log   *zap.Logger
	core  Orchestrator
	store schemas.MessageStore
	now   func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(logger *zap.Logger, core Orchestrator, messageStore schemas.MessageStore) *Handlers {
	return &Handlers{
		log:   logger.Named("gateway_handlers"),
		core:  core,
		store: messageStore,
		now:   time.Now,
	}
}

// RegisterRoutes mounts the health check and the /api/v1 routes.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.HandleSystemStatus)
		r.Get("/agents/{agentID}", h.HandleAgentStatus)

		r.Post("/dispatch", h.HandleDispatch)
		r.Post("/messages", h.HandleRoute)
		r.Post("/broadcast", h.HandleBroadcast)

		r.Get("/messages", h.HandleListMessages)
		r.Get("/messages/{messageID}", h.HandleGetMessage)
		r.Get("/logs", h.HandleListLogs)
	})
}

// HandleHealthCheck confirms the server is responsive.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, h.core.GetSystemStatus())
}

func (h *Handlers) HandleAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	status, err := h.core.GetAgentStatus(r.Context(), id)
	if errors.Is(err, mcp.ErrAgentNotFound) {
		h.respondWithError(w, http.StatusNotFound, fmt.Sprintf("agent %q is not registered", id))
		return
	}
	if err != nil {
		h.log.Error("Failed to read agent status", zap.String("agent_id", id), zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "Internal error reading agent status.")
		return
	}
	h.respondWithSuccess(w, http.StatusOK, status)
}

// HandleDispatch runs DispatchRequest. The core never fails the call, so the
// HTTP status is derived from the response's error code.
func (h *Handlers) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	var req schemas.AgentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		h.respondWithError(w, http.StatusBadRequest, "Request type is required.")
		return
	}

	resp := h.core.DispatchRequest(r.Context(), req)
	if resp.Success {
		h.respondWithSuccess(w, http.StatusOK, resp)
		return
	}
	message := resp.Message
	if resp.Error != nil {
		message = resp.Error.Error()
	}
	h.respondWithStatus(w, dispatchStatusCode(resp), "error", resp, message)
}

func dispatchStatusCode(resp *schemas.AgentResponse) int {
	if resp.Error == nil {
		return http.StatusUnprocessableEntity
	}
	switch agent.ErrorCode(resp.Error.Code) {
	case agent.ErrCodeNoAgentAvailable:
		return http.StatusServiceUnavailable
	case agent.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case agent.ErrCodeDispatchError:
		return http.StatusInternalServerError
	default:
		// The agent ran and reported a failure.
		return http.StatusUnprocessableEntity
	}
}

// HandleRoute routes a message to its recipient and returns the stored result.
func (h *Handlers) HandleRoute(w http.ResponseWriter, r *http.Request) {
	var msg schemas.AgentMessage
	if !h.decode(w, r, &msg) {
		return
	}
	if msg.Recipient == "" {
		h.respondWithError(w, http.StatusBadRequest, "Recipient is required.")
		return
	}
	if msg.MessageType == "" {
		h.respondWithError(w, http.StatusBadRequest, "Message type is required.")
		return
	}

	id := h.core.RouteMessage(r.Context(), msg)
	stored, err := h.store.GetMessage(r.Context(), id)
	if err != nil {
		// Persisting the envelope failed; the id is still the caller's handle.
		h.log.Warn("Routed message is not readable from the store", zap.String("message_id", id), zap.Error(err))
		h.respondWithStatus(w, http.StatusAccepted, "accepted", map[string]string{"message_id": id}, "")
		return
	}
	h.respondWithSuccess(w, http.StatusOK, stored)
}

func (h *Handlers) HandleBroadcast(w http.ResponseWriter, r *http.Request) {
	var template schemas.AgentMessage
	if !h.decode(w, r, &template) {
		return
	}
	if template.MessageType == "" {
		h.respondWithError(w, http.StatusBadRequest, "Message type is required.")
		return
	}

	ids := h.core.BroadcastMessage(r.Context(), template)
	h.respondWithSuccess(w, http.StatusOK, map[string]interface{}{
		"count":       len(ids),
		"message_ids": ids,
	})
}

// HandleListMessages supports ?correlation=, ?recipient=, ?status=, ?expired=true and ?limit=.
func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := schemas.MessageFilter{
		CorrelationID: q.Get("correlation"),
		Recipient:     q.Get("recipient"),
	}
	if raw := q.Get("status"); raw != "" {
		status := schemas.MessageStatus(strings.ToUpper(raw))
		switch status {
		case schemas.StatusPending, schemas.StatusProcessing, schemas.StatusCompleted, schemas.StatusFailed:
			filter.Status = status
		default:
			h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Unknown status %q.", raw))
			return
		}
	}
	if q.Get("expired") == "true" {
		now := h.now().UTC()
		filter.ExpiredBefore = &now
	}
	limit, ok := h.limitParam(w, r)
	if !ok {
		return
	}
	filter.Limit = limit

	msgs, err := h.store.ListMessages(r.Context(), filter)
	if err != nil {
		h.log.Error("Failed to list messages", zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "Internal error listing messages.")
		return
	}
	if msgs == nil {
		msgs = []schemas.AgentMessage{}
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]interface{}{
		"count":    len(msgs),
		"messages": msgs,
	})
}

func (h *Handlers) HandleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")
	msg, err := h.store.GetMessage(r.Context(), id)
	if errors.Is(err, store.ErrMessageNotFound) {
		h.respondWithError(w, http.StatusNotFound, fmt.Sprintf("message %q not found", id))
		return
	}
	if err != nil {
		h.log.Error("Failed to read message", zap.String("message_id", id), zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "Internal error reading message.")
		return
	}
	h.respondWithSuccess(w, http.StatusOK, msg)
}

func (h *Handlers) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limitParam(w, r)
	if !ok {
		return
	}
	entries, err := h.store.ListLogs(r.Context(), limit)
	if err != nil {
		h.log.Error("Failed to list audit log", zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "Internal error listing audit log.")
		return
	}
	if entries == nil {
		entries = []schemas.LogEntry{}
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

func (h *Handlers) limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		h.respondWithError(w, http.StatusBadRequest, "limit must be a non-negative integer.")
		return 0, false
	}
	return limit, true
}

// decode reads a bounded JSON body into v and answers 400 on failure.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.respondWithStatus(w, statusCode, "error", nil, message)
}

func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.respondWithStatus(w, statusCode, "success", data, "")
}

func (h *Handlers) respondWithStatus(w http.ResponseWriter, statusCode int, status string, data interface{}, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := APIResponse{Status: status, Data: data, Error: errMsg}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
