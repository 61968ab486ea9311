// Package stream serves a read-only Server-Sent Events view of a session's
// emotion updates.
package stream

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/empath/backend/internal/model/emotion"
	sessionService "github.com/zhouzirui/empath/backend/internal/service/session"
	"github.com/zhouzirui/empath/backend/pkg/utils"
)

const defaultHeartbeat = 15 * time.Second

// Handler streams emotion updates as SSE.
type Handler struct {
	sessions  *sessionService.Manager
	heartbeat time.Duration
}

// New creates a stream handler. A non-positive heartbeat uses the default.
func New(sessions *sessionService.Manager, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Handler{sessions: sessions, heartbeat: heartbeat}
}

// RegisterRoutes mounts the events route on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/events", h.handleEvents)
}

// handleEvents sends the current fused state first, then every pushed update
// until the client leaves or the session ends.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	sess, err := h.sessions.Get(sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	updates, cancel := sess.Subscribe()
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	current := sess.Fused()
	if err := utils.SendSSEEvent(w, flusher, "emotion_update", emotion.Update{
		SessionID:  sessionID,
		Label:      current.Label,
		Confidence: current.Confidence,
		UpdatedAt:  current.UpdatedAt,
	}); err != nil {
		return
	}

	log.Printf("[sse] observer attached to session=%s", sessionID)
	defer log.Printf("[sse] observer detached from session=%s", sessionID)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case update, ok := <-updates:
			if !ok {
				_ = utils.SendSSEEvent(w, flusher, "session_ended", map[string]string{"sessionId": sessionID})
				return
			}
			if err := utils.SendSSEEvent(w, flusher, "emotion_update", update); err != nil {
				return
			}
		case t := <-ticker.C:
			if err := utils.SendSSEEvent(w, flusher, "heartbeat", map[string]string{"time": t.UTC().Format(time.RFC3339)}); err != nil {
				return
			}
		}
	}
}
