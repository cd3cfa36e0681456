// Package bridge exposes one session.Store to a presentation layer over HTTP,
// WebSocket and server-sent events. Every state change of the store is pushed
// to connected clients as a full State snapshot.
package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
	middlewarePkg "github.com/zhouzirui/z-tavern/chat/internal/middleware"
	"github.com/zhouzirui/z-tavern/chat/internal/session"
	"github.com/zhouzirui/z-tavern/chat/pkg/utils"
)

const (
	frameBuffer  = 32
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Server serves the state of a single Store.
type Server struct {
	store    *session.Store
	upgrader websocket.Upgrader
}

// New creates a bridge for store.
func New(store *session.Store) *Server {
	return &Server{
		store: store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler returns the bridge routes with the usual middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(nil))
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the bridge endpoints on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/state", s.handleState)
	r.Post("/start", s.handleStart)
	r.Post("/send", s.handleSend)
	r.Post("/end", s.handleEnd)
	r.Get("/events", s.handleEvents)
	r.Get("/ws", s.handleWebSocket)
}

type sendRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, s.store.State())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	payload := chat.StartSessionRequest{Anonymous: true}
	if r.ContentLength != 0 {
		if err := utils.DecodeJSON(r, &payload); err != nil {
			utils.RespondError(w, http.StatusUnprocessableEntity, "invalid request body")
			return
		}
	}

	// The store must settle even if the caller goes away.
	ctx := context.WithoutCancel(r.Context())
	if err := s.store.StartSession(ctx, payload.Anonymous, payload.UserProfile); err != nil {
		utils.RespondError(w, http.StatusBadGateway, s.store.ConnectionError())
		return
	}

	utils.RespondJSON(w, http.StatusOK, s.store.State())
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload sendRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	if !s.store.SendMessage(context.WithoutCancel(r.Context()), payload.Text) {
		utils.RespondError(w, http.StatusConflict, "session is not accepting messages")
		return
	}

	utils.RespondJSON(w, http.StatusOK, s.store.State())
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	sessionID := s.store.SessionID()
	s.store.EndSession(r.Context())
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID})
}

// subscribe returns a channel of state snapshots. Frames are dropped rather
// than blocking the store when the consumer falls behind.
func (s *Server) subscribe() (<-chan session.State, func()) {
	ch := make(chan session.State, frameBuffer)
	unsubscribe := s.store.Subscribe(func(st session.State) {
		select {
		case ch <- st:
		default:
			log.Warn().Msg("[bridge] subscriber lagging, dropping state frame")
		}
	})
	return ch, unsubscribe
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, unsubscribe := s.subscribe()
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if err := utils.SendSSEEvent(w, flusher, "state", s.store.State()); err != nil {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-updates:
			if err := utils.SendSSEEvent(w, flusher, "state", st); err != nil {
				log.Debug().Err(err).Msg("[sse] client went away")
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("[websocket] upgrade failed")
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	// Inbound frames are ignored; reading keeps control frames flowing and
	// notices when the peer closes.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("[websocket] read error")
				}
				return
			}
		}
	}()

	if err := writeFrame(conn, s.store.State()); err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-updates:
			if err := writeFrame(conn, st); err != nil {
				log.Debug().Err(err).Msg("[websocket] write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, st session.State) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(st)
}
