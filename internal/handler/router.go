package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chat/internal/config"
	"github.com/zhouzirui/z-tavern/chat/internal/handler/chat"
	"github.com/zhouzirui/z-tavern/chat/internal/handler/session"
	middlewarePkg "github.com/zhouzirui/z-tavern/chat/internal/middleware"
	chatService "github.com/zhouzirui/z-tavern/chat/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chat/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(chatSvc *chatService.Service, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(cfg.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		active, err := chatSvc.ActiveSessions(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("[health] failed to count sessions")
			utils.RespondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
			return
		}
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":          "ok",
			"active_sessions": active,
		})
	})

	prefix := cfg.APIPrefix
	if prefix == "" {
		prefix = "/"
	}

	r.Route(prefix, func(api chi.Router) {
		session.New(chatSvc).RegisterRoutes(api)
		chat.New(chatSvc, cfg.ChatRateLimit).RegisterRoutes(api)
	})

	return r
}
