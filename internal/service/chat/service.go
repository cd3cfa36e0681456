package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chat/internal/analysis/safety"
	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chat/internal/service/ai"
)

var (
	ErrProfileRequired  = errors.New("user_profile is required when anonymous is false")
	ErrEmptyMessage     = errors.New("message must not be empty")
	ErrSessionNotFound  = errors.New("session not found or already ended")
	ErrSessionConcluded = errors.New("session is already concluded, please end the session")
	ErrDuplicateRecord  = errors.New("session record already exists")
)

// Service encapsulates conversation state management.
type Service struct {
	sessions  SessionStore
	records   RecordStore
	responder ai.Responder
	now       func() time.Time
}

// NewService wires the conversation service to its stores and responder.
func NewService(sessions SessionStore, records RecordStore, responder ai.Responder) *Service {
	if responder == nil {
		responder = ai.Scripted{}
	}
	return &Service{
		sessions:  sessions,
		records:   records,
		responder: responder,
		now:       time.Now,
	}
}

// CreateSession opens a conversation and returns its identifier and greeting.
func (s *Service) CreateSession(ctx context.Context, anonymous bool, profile *chat.UserProfile) (*chat.StartSessionResponse, error) {
	if !anonymous && (profile == nil || !profile.Complete()) {
		return nil, ErrProfileRequired
	}
	if anonymous {
		profile = nil
	}

	conv := &Conversation{
		ID:          uuid.NewString(),
		UserProfile: profile,
		CreatedAt:   s.now().UTC(),
	}

	greeting := s.responder.Greeting(ctx, profile)
	conv.append(chat.RoleAssistant, greeting)

	if err := s.sessions.Save(ctx, conv); err != nil {
		return nil, err
	}

	log.Info().Str("session_id", conv.ID).Bool("anonymous", anonymous).Msg("[chat] session created")
	return &chat.StartSessionResponse{
		SessionID: conv.ID,
		Greeting:  greeting,
		Anonymous: anonymous,
	}, nil
}

// Reply handles one user turn. A crisis signal in either the user text or
// the generated reply ends the conversation immediately.
func (s *Service) Reply(ctx context.Context, sessionID, message string) (*chat.MessageResponse, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if conv.IsConcluded {
		return nil, ErrSessionConcluded
	}

	logger := log.With().Str("session_id", sessionID).Logger()

	if safety.Detect(message) {
		logger.Warn().Msg("[chat] crisis keywords detected in user input")
		return s.crisis(ctx, conv)
	}

	reply := s.responder.Reply(ctx, conv.UserProfile, conv.History, message)
	if decision := safety.Analyze("", reply.Content); decision.Crisis() {
		logger.Warn().Msg("[chat] crisis keywords detected in generated reply")
		return s.crisis(ctx, conv)
	}

	conv.append(chat.RoleUser, message)
	conv.append(chat.RoleAssistant, reply.Content)
	conv.IsConcluded = reply.Final

	if err := s.sessions.Save(ctx, conv); err != nil {
		return nil, err
	}

	return &chat.MessageResponse{
		SessionID: sessionID,
		Reply:     reply.Content,
		IsFinal:   reply.Final,
		FinalData: reply.FinalData,
	}, nil
}

func (s *Service) crisis(ctx context.Context, conv *Conversation) (*chat.MessageResponse, error) {
	if err := s.sessions.Delete(ctx, conv.ID); err != nil {
		log.Error().Err(err).Str("session_id", conv.ID).Msg("[chat] failed to remove crisis session")
	}
	return &chat.MessageResponse{
		SessionID:      conv.ID,
		Reply:          safety.Message,
		IsFinal:        true,
		CrisisDetected: true,
	}, nil
}

// End summarizes the conversation, persists its record and forgets it.
func (s *Service) End(ctx context.Context, sessionID string) (*chat.EndSessionResponse, error) {
	conv, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	summary := s.responder.Summary(ctx, conv.History)
	userData := conv.UserData(summary)
	endedAt := s.now().UTC()

	if _, err := s.records.Insert(ctx, chat.SessionRecord{
		SessionID: sessionID,
		UserData:  userData,
		CreatedAt: conv.CreatedAt,
		EndedAt:   &endedAt,
	}); err != nil {
		return nil, err
	}

	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return nil, err
	}

	log.Info().Str("session_id", sessionID).Msg("[chat] session ended")
	return &chat.EndSessionResponse{
		SessionID: sessionID,
		Summary:   summary,
		UserData:  userData,
	}, nil
}

// History returns the visible turns of a live conversation.
func (s *Service) History(ctx context.Context, sessionID string) ([]chat.HistoryEntry, error) {
	conv, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	out := make([]chat.HistoryEntry, 0, len(conv.History))
	for _, entry := range conv.History {
		if entry.Role != chat.RoleSystem {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Records pages through ended sessions, newest first.
func (s *Service) Records(ctx context.Context, skip, limit int) ([]chat.SessionRecord, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.records.List(ctx, skip, limit)
}

// ActiveSessions reports how many conversations are live.
func (s *Service) ActiveSessions(ctx context.Context) (int, error) {
	return s.sessions.Count(ctx)
}
