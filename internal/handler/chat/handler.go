package chat

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chat/internal/config"
	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
	chatService "github.com/zhouzirui/z-tavern/chat/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chat/pkg/utils"
)

// Handler 聊天消息的HTTP处理器
type Handler struct {
	chatSvc      *chatService.Service
	messageLimit config.RateLimit
}

// New 创建聊天处理器。messageLimit 为零值时不对消息接口限流。
func New(chatSvc *chatService.Service, messageLimit config.RateLimit) *Handler {
	return &Handler{chatSvc: chatSvc, messageLimit: messageLimit}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.With(h.messageMiddlewares()...).Post("/message", h.handleMessage)
		r.Get("/{sessionID}/history", h.handleHistory)
	})
}

// messageMiddlewares 按客户端IP限制消息接口的请求频率
func (h *Handler) messageMiddlewares() []func(http.Handler) http.Handler {
	if !h.messageLimit.Enabled() {
		return nil
	}
	return []func(http.Handler) http.Handler{
		httprate.Limit(
			h.messageLimit.Requests,
			h.messageLimit.Window,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				log.Warn().Str("remote_addr", r.RemoteAddr).Msg("[chat] message rate limit exceeded")
				utils.RespondError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please slow down.")
			}),
		),
	}
}

// handleMessage 处理一轮用户消息
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	var payload chat.MessageRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if payload.SessionID == "" {
		utils.RespondError(w, http.StatusUnprocessableEntity, "session_id is required")
		return
	}

	resp, err := h.chatSvc.Reply(r.Context(), payload.SessionID, payload.Message)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, resp)
}

// handleHistory 返回会话历史
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	history, err := h.chatSvc.History(r.Context(), sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, chat.HistoryResponse{SessionID: sessionID, History: history})
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatService.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "Session not found or already ended.")
	case errors.Is(err, chatService.ErrSessionConcluded):
		utils.RespondError(w, http.StatusConflict, "Session is already concluded. Please end the session.")
	case errors.Is(err, chatService.ErrEmptyMessage):
		utils.RespondError(w, http.StatusUnprocessableEntity, "message must not be empty")
	default:
		log.Error().Err(err).Msg("[chat] request failed")
		utils.RespondError(w, http.StatusInternalServerError, "internal server error")
	}
}
