// Package session exposes the HTTP ingest and read endpoints of a session.
package session

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/empath/backend/internal/model/chat"
	"github.com/zhouzirui/empath/backend/internal/model/emotion"
	"github.com/zhouzirui/empath/backend/internal/service/classifier"
	"github.com/zhouzirui/empath/backend/internal/service/imaging"
	"github.com/zhouzirui/empath/backend/internal/service/pipeline"
	"github.com/zhouzirui/empath/backend/internal/service/responder"
	sessionService "github.com/zhouzirui/empath/backend/internal/service/session"
	"github.com/zhouzirui/empath/backend/pkg/utils"
)

// Handler serves session HTTP routes.
type Handler struct {
	sessions  *sessionService.Manager
	frames    *pipeline.Pipeline
	responder *responder.Orchestrator
}

// New creates the session handler.
func New(sessions *sessionService.Manager, frames *pipeline.Pipeline, orchestrator *responder.Orchestrator) *Handler {
	return &Handler{sessions: sessions, frames: frames, responder: orchestrator}
}

// RegisterRoutes mounts the session routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreate)
	r.Get("/sessions/{sessionID}", h.handleSnapshot)
	r.Delete("/sessions/{sessionID}", h.handleEnd)
	r.Get("/sessions/{sessionID}/transcript", h.handleTranscript)
	r.Post("/sessions/{sessionID}/frames", h.handleFrame)
	r.Post("/sessions/{sessionID}/turns", h.handleTurn)
}

type frameRequest struct {
	Image string `json:"image"`
}

type frameResponse struct {
	Status     pipeline.Status     `json:"status"`
	Label      emotion.Label       `json:"label,omitempty"`
	Confidence float64             `json:"confidence,omitempty"`
	Fused      *emotion.FusedState `json:"fused,omitempty"`
	Detail     string              `json:"detail,omitempty"`
}

type turnRequest struct {
	Text string `json:"text"`
}

type turnResponse struct {
	UserTurn       chat.Turn          `json:"userTurn"`
	AssistantReply string             `json:"assistantReply"`
	TextEmotion    *emotion.Reading   `json:"textEmotion,omitempty"`
	Fallback       bool               `json:"fallback"`
	Fused          emotion.FusedState `json:"fused"`
}

type transcriptResponse struct {
	SessionID string      `json:"sessionId"`
	Turns     []chat.Turn `json:"turns"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	sess := h.sessions.Create(r.Context())
	utils.RespondJSON(w, http.StatusCreated, sess.Info())
}

func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.End(chi.URLParam(r, "sessionID")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	snap, err := sess.Snapshot()
	if err != nil {
		respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, transcriptResponse{SessionID: sess.ID(), Turns: sess.Transcript(0)})
}

func (h *Handler) handleFrame(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var payload frameRequest
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, contentType, err := imaging.DecodeDataURL(payload.Image)
	if err != nil {
		utils.RespondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	result, err := h.frames.IngestFrame(r.Context(), sess, pipeline.Frame{Data: data, ContentType: contentType})
	if err != nil {
		respondErr(w, err)
		return
	}

	resp := frameResponse{Status: result.Status, Fused: result.Fused, Detail: result.Detail}
	if result.Reading != nil {
		resp.Label = result.Reading.Label
		resp.Confidence = result.Reading.Confidence
	}
	utils.RespondJSON(w, frameStatusCode(result.Status), resp)
}

func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var payload turnRequest
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.responder.HandleTurn(r.Context(), sess, payload.Text, nil)
	if err != nil {
		respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, turnResponse{
		UserTurn:       result.UserTurn,
		AssistantReply: result.AssistantTurn.Text,
		TextEmotion:    result.TextEmotion,
		Fallback:       result.Fallback,
		Fused:          result.Fused,
	})
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*sessionService.Session, bool) {
	sess, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondErr(w, err)
		return nil, false
	}
	return sess, true
}

func frameStatusCode(s pipeline.Status) int {
	switch s {
	case pipeline.StatusNoFace, pipeline.StatusRejected:
		return http.StatusUnprocessableEntity
	case pipeline.StatusUnavailable:
		return http.StatusServiceUnavailable
	case pipeline.StatusFailed:
		return http.StatusBadGateway
	case pipeline.StatusBusy:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

// StatusCode maps service errors onto HTTP statuses.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, sessionService.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, classifier.ErrInputRejected), errors.Is(err, classifier.ErrNoFaceDetected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, classifier.ErrClassifierUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondErr(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	utils.RespondError(w, status, message)
}
