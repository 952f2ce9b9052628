package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"doorman/internal/broadcast"
	"doorman/internal/domain"
	"doorman/internal/orchestrator"
)

// Handler exposes the orchestrator over HTTP.
type Handler struct {
	orch   *orchestrator.Orchestrator
	hub    *broadcast.Hub
	logger *slog.Logger
}

func NewHandler(orch *orchestrator.Orchestrator, hub *broadcast.Hub, logger *slog.Logger) *Handler {
	return &Handler{orch: orch, hub: hub, logger: logger}
}

// RegisterRoutes mounts the API. WebSocket upgrades sit outside the
// request timeout group because the connections are long-lived.
func (h *Handler) RegisterRoutes(s *Server) {
	s.Router.Group(func(r chi.Router) {
		r.Use(TimeoutMiddleware(requestTimeout))

		r.Post("/api/ring", h.HandleRing)
		r.Get("/api/session/{id}/status", h.HandleStatus)
		r.Get("/api/session/{id}/detail", h.HandleDetail)
		r.Post("/api/session/{id}/frame", h.HandleFrame)
		r.Post("/api/session/{id}/end", h.HandleEnd)
		r.Post("/api/reply", h.HandleReply)
		r.Get("/api/logs", h.HandleLogs)
		r.Get("/api/health", h.HandleHealth)
	})

	if h.hub != nil {
		s.Router.Get("/api/ws/{channel}", h.HandleWebSocket)
	}
}

// statusCode maps domain errors to HTTP statuses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) HandleRing(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.RingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		AddError(r.Context(), err)
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	resp, err := h.orch.SubmitEvent(r.Context(), req)
	if err != nil {
		h.logger.Warn("ring rejected",
			slog.String("request_id", GetRequestID(r.Context())),
			slog.String("device_id", req.DeviceID),
			slog.String("error", err.Error()),
		)
		AddError(r.Context(), err)
		http.Error(w, err.Error(), statusCode(err))
		return
	}

	AddLogField(r.Context(), "session_id", resp.SessionID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	s, err := h.orch.Status(r.Context(), sessionID)
	if err != nil {
		AddError(r.Context(), err)
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	h.writeJSON(w, s)
}

func (h *Handler) HandleDetail(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	detail, err := h.orch.Detail(r.Context(), sessionID)
	if err != nil {
		AddError(r.Context(), err)
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	h.writeJSON(w, detail)
}

// HandleFrame accepts one raw frame for the live alert scanner. The body
// is the frame bytes; clients post at camera rate and the debouncer
// decides what actually gets scanned.
func (h *Handler) HandleFrame(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	frame, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))
	if err != nil {
		AddError(r.Context(), err)
		http.Error(w, "frame too large", http.StatusRequestEntityTooLarge)
		return
	}

	fired, err := h.orch.SubmitFrame(r.Context(), sessionID, frame)
	if err != nil {
		AddError(r.Context(), err)
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	h.writeJSON(w, map[string]any{"session_id": sessionID, "alert": fired})
}

func (h *Handler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := h.orch.Status(r.Context(), sessionID); err != nil {
		AddError(r.Context(), err)
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	h.orch.EndSession(sessionID)
	h.writeJSON(w, map[string]string{"session_id": sessionID, "status": "ended"})
}

type replyRequest struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
}

func (h *Handler) HandleReply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		AddError(r.Context(), err)
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = "owner"
	}

	text, err := h.orch.HandleReply(r.Context(), req.SessionID, req.Role, req.Text)
	if err != nil {
		AddError(r.Context(), err)
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	h.writeJSON(w, map[string]string{"session_id": req.SessionID, "role": req.Role, "text": text})
}

func (h *Handler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := h.orch.RecentLogs(r.Context(), limit)
	if err != nil {
		AddError(r.Context(), err)
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	h.writeJSON(w, map[string]any{"logs": logs, "count": len(logs)})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard and door units connect from other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket subscribes the caller to a broadcast channel (a
// session id, or "owner" for the owner feed) until the peer disconnects.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.hub.Register(channel, ws)
	defer func() {
		h.hub.Unregister(channel, ws)
		ws.Close()
	}()

	// Drain control frames; the hub pushes, clients don't send.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
