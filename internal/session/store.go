// Package session holds the client-side state machine of a single chat
// session: its identity, the transcript, and the loading, concluded and
// connection-error flags a presentation layer renders.
//
// The Store is the only writer of its state. Network calls run without the
// store lock held; the loading flag is the cooperative gate that keeps a
// second message from being submitted while one is in flight.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chat/internal/client"
	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
)

type observer struct {
	id int
	fn func(State)
}

// Store drives one chat session against a client.API.
type Store struct {
	api             client.API
	logger          zerolog.Logger
	fallbackReply   string
	connectionError string
	serializeStart  bool

	mu         sync.Mutex
	state      State
	inflight   int
	starting   int
	epoch      uint64
	lastID     int64
	observers  []observer
	observerID int

	// notifyMu keeps snapshot order and delivery order identical.
	notifyMu sync.Mutex
}

// New creates an idle Store.
func New(api client.API, opts ...Option) *Store {
	s := &Store{
		api:             api,
		logger:          log.With().Str("component", "session").Logger(),
		fallbackReply:   DefaultFallbackReply,
		connectionError: DefaultConnectionError,
		state:           State{Transcript: []chat.Message{}},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSession opens a new session, discarding the current one on success.
// On failure the connection error flag is set and nothing else changes, so
// the caller may simply retry. The returned error is informational; the
// observable state already reflects the outcome.
func (s *Store) StartSession(ctx context.Context, anonymous bool, profile *chat.UserProfile) error {
	s.mu.Lock()
	if s.serializeStart && s.inflight > 0 {
		s.mu.Unlock()
		s.logger.Debug().Msg("start ignored while a request is in flight")
		return nil
	}
	s.beginLocked()
	s.starting++
	s.state.IsStarting = true
	s.state.ConnectionError = ""
	s.mu.Unlock()
	s.notify()
	defer s.finish(true)

	resp, err := s.api.StartSession(ctx, anonymous, profile)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.state.ConnectionError = s.connectionError
		s.logger.Warn().Err(err).Bool("anonymous", anonymous).Msg("could not start chat session")
		return err
	}

	s.epoch++
	s.state.SessionID = resp.SessionID
	s.state.Started = true
	s.state.IsConcluded = false
	s.state.Transcript = []chat.Message{s.newMessageLocked(resp.Greeting, chat.SenderBot)}
	s.logger.Info().Str("session_id", resp.SessionID).Bool("anonymous", anonymous).Msg("chat session started")
	return nil
}

// SendMessage submits one user turn. It reports false, without touching any
// state or calling the service, unless a session exists, it has not been
// concluded, and no request is in flight. An accepted call appends the user's
// text, then the reply or the fallback. If a new session was started while
// the request was in flight, the outcome is dropped.
func (s *Store) SendMessage(ctx context.Context, text string) bool {
	s.mu.Lock()
	if s.state.SessionID == "" || s.state.IsConcluded || s.inflight > 0 {
		s.mu.Unlock()
		return false
	}
	sessionID := s.state.SessionID
	epoch := s.epoch
	s.state.Transcript = append(s.state.Transcript, s.newMessageLocked(text, chat.SenderUser))
	s.beginLocked()
	s.mu.Unlock()
	s.notify()
	defer s.finish(false)

	resp, err := s.api.SendMessage(ctx, sessionID, text)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		s.logger.Debug().Str("session_id", sessionID).Str("current_session_id", s.state.SessionID).
			Msg("dropping outcome of a message sent before restart")
		return true
	}

	if err != nil {
		s.state.Transcript = append(s.state.Transcript, s.newMessageLocked(s.fallbackReply, chat.SenderBot))
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("message exchange failed")
		return true
	}

	s.state.Transcript = append(s.state.Transcript, s.newMessageLocked(resp.Reply, chat.SenderBot))
	if resp.IsFinal {
		s.state.IsConcluded = true
		s.logger.Info().Str("session_id", sessionID).Bool("crisis", resp.CrisisDetected).Msg("chat session concluded")
	}
	return true
}

// EndSession tells the service the session is over. It does not wait and
// changes no local state; the returned channel yields the outcome once and
// may be ignored.
func (s *Store) EndSession(ctx context.Context) <-chan error {
	done := make(chan error, 1)

	s.mu.Lock()
	sessionID := s.state.SessionID
	s.mu.Unlock()

	if sessionID == "" {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		if _, err := s.api.EndSession(context.WithoutCancel(ctx), sessionID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("end session notification failed")
			done <- err
			return
		}
		s.logger.Debug().Str("session_id", sessionID).Msg("end session acknowledged")
	}()
	return done
}

// State returns a snapshot safe to retain and read concurrently.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Transcript returns a copy of the messages in append order.
func (s *Store) Transcript() []chat.Message {
	return s.State().Transcript
}

func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SessionID
}

func (s *Store) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Started
}

func (s *Store) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsLoading
}

func (s *Store) IsConcluded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsConcluded
}

func (s *Store) ConnectionError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ConnectionError
}

// Subscribe registers fn to receive a snapshot after every state change.
// Observers run in registration order on the goroutine that changed the
// state. They may read the store but must not call StartSession or
// SendMessage synchronously.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	s.observerID++
	id := s.observerID
	s.observers = append(s.observers, observer{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, o := range s.observers {
				if o.id == id {
					s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Store) beginLocked() {
	s.inflight++
	s.state.IsLoading = true
}

// finish releases the loading gate taken by beginLocked. It runs deferred so
// the gate is released on every path.
func (s *Store) finish(start bool) {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	if start && s.starting > 0 {
		s.starting--
	}
	s.state.IsLoading = s.inflight > 0
	s.state.IsStarting = s.starting > 0
	s.mu.Unlock()
	s.notify()
}

func (s *Store) newMessageLocked(text string, sender chat.Sender) chat.Message {
	s.lastID++
	return chat.Message{ID: s.lastID, Text: text, Sender: sender}
}

func (s *Store) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if len(s.observers) == 0 {
		s.mu.Unlock()
		return
	}
	snapshot := s.state.clone()
	observers := append([]observer(nil), s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o.fn(snapshot)
	}
}
