package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/empath/backend/internal/handler/realtime"
	"github.com/zhouzirui/empath/backend/internal/handler/session"
	"github.com/zhouzirui/empath/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/empath/backend/internal/middleware"
	"github.com/zhouzirui/empath/backend/internal/service/pipeline"
	"github.com/zhouzirui/empath/backend/internal/service/responder"
	sessionService "github.com/zhouzirui/empath/backend/internal/service/session"
	"github.com/zhouzirui/empath/backend/pkg/utils"
)

// Deps are the services the HTTP surface is wired to. Speech may be nil.
type Deps struct {
	Sessions  *sessionService.Manager
	Frames    *pipeline.Pipeline
	Responder *responder.Orchestrator
	Speech    realtime.Speech
	Realtime  realtime.Options
	Heartbeat time.Duration

	// Reported by the health endpoint.
	FacialReady   bool
	ComposerReady bool
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessionHandler := session.New(deps.Sessions, deps.Frames, deps.Responder)
	streamHandler := stream.New(deps.Sessions, deps.Heartbeat)
	realtimeHandler := realtime.New(deps.Sessions, deps.Frames, deps.Responder, deps.Speech, deps.Realtime)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":   "ok",
				"sessions": deps.Sessions.Count(),
				"facial":   deps.FacialReady,
				"composer": deps.ComposerReady,
				"speech":   deps.Speech != nil,
			})
		})

		sessionHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
		realtimeHandler.RegisterRoutes(api)
	})

	return r
}
