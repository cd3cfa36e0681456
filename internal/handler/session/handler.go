package session

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
	chatService "github.com/zhouzirui/z-tavern/chat/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chat/pkg/utils"
)

// Handler 会话生命周期的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建会话处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/start", h.handleStart)
		r.Post("/{sessionID}/end", h.handleEnd)
		r.Get("/history", h.handleListRecords)
	})
}

// handleStart 创建会话
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	payload := chat.StartSessionRequest{Anonymous: true}
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(r, &payload); err != nil {
			utils.RespondError(w, http.StatusUnprocessableEntity, "invalid request body")
			return
		}
	}

	resp, err := h.chatSvc.CreateSession(r.Context(), payload.Anonymous, payload.UserProfile)
	if err != nil {
		if errors.Is(err, chatService.ErrProfileRequired) {
			utils.RespondError(w, http.StatusUnprocessableEntity, "user_profile is required when anonymous is false.")
			return
		}
		log.Error().Err(err).Msg("[session] failed to create session")
		utils.RespondError(w, http.StatusInternalServerError, "could not create session")
		return
	}

	utils.RespondJSON(w, http.StatusCreated, resp)
}

// handleEnd 结束会话并保存记录
func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	resp, err := h.chatSvc.End(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, chatService.ErrSessionNotFound) {
			utils.RespondError(w, http.StatusNotFound, "Session not found or already ended.")
			return
		}
		log.Error().Err(err).Str("session_id", sessionID).Msg("[session] failed to end session")
		utils.RespondError(w, http.StatusInternalServerError, "could not end session")
		return
	}

	utils.RespondJSON(w, http.StatusOK, resp)
}

// handleListRecords 分页列出已结束的会话
func (h *Handler) handleListRecords(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		utils.RespondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		utils.RespondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	records, err := h.chatSvc.Records(r.Context(), skip, limit)
	if err != nil {
		log.Error().Err(err).Msg("[session] failed to list records")
		utils.RespondError(w, http.StatusInternalServerError, "could not list sessions")
		return
	}

	utils.RespondJSON(w, http.StatusOK, records)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return val, nil
}
