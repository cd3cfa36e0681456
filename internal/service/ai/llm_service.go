package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chat/internal/config"
	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
)

// Service is a Responder backed by an eino chat model chain.
type Service struct {
	chatModel    model.BaseChatModel
	historyLimit int
	chain        compose.Runnable[map[string]any, *schema.Message]
}

var _ Responder = (*Service)(nil)

// NewService creates the Ark chat model described by cfg and wraps it.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg.HistoryLimit)
}

// NewServiceWithModel compiles the prompt chain around an existing model.
func NewServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, historyLimit int) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	if historyLimit < 1 {
		historyLimit = 20
	}

	return &Service{
		chatModel:    chatModel,
		historyLimit: historyLimit,
		chain:        runnable,
	}, nil
}

// Greeting asks the model to open the conversation.
func (s *Service) Greeting(ctx context.Context, profile *chat.UserProfile) string {
	content, err := s.invoke(ctx, profile, nil, greetingTrigger)
	if err != nil || content == "" {
		log.Warn().Err(err).Msg("[ai] greeting generation failed, using fallback")
		return fallbackGreeting
	}
	return content
}

// Reply generates the answer to userMessage given the prior history.
func (s *Service) Reply(ctx context.Context, profile *chat.UserProfile, history []chat.HistoryEntry, userMessage string) Reply {
	content, err := s.invoke(ctx, profile, history, userMessage)
	if err != nil {
		log.Error().Err(err).Msg("[ai] reply generation failed")
		return Reply{Content: fallbackReply}
	}
	if content == "" {
		return Reply{Content: emptyReply}
	}

	log.Debug().Int("length", len(content)).Int("history", len(history)).Msg("[ai] generated reply")
	return Reply{Content: content}
}

// Summary condenses the conversation for the ended-session record.
func (s *Service) Summary(ctx context.Context, history []chat.HistoryEntry) string {
	content, err := s.invoke(ctx, nil, history, summaryRequest)
	if err != nil || content == "" {
		log.Warn().Err(err).Msg("[ai] summary generation failed")
		return fallbackSummary
	}
	return content
}

func (s *Service) invoke(ctx context.Context, profile *chat.UserProfile, history []chat.HistoryEntry, query string) (string, error) {
	input := map[string]any{
		"system":  buildSystemPrompt(profile),
		"history": s.buildHistoryMessages(history),
		"query":   query,
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	if response == nil {
		return "", nil
	}
	return strings.TrimSpace(response.Content), nil
}

func (s *Service) buildHistoryMessages(entries []chat.HistoryEntry) []*schema.Message {
	if len(entries) == 0 {
		return nil
	}

	startIdx := 0
	if len(entries) > s.historyLimit {
		startIdx = len(entries) - s.historyLimit
	}

	history := make([]*schema.Message, 0, len(entries)-startIdx)
	for _, entry := range entries[startIdx:] {
		switch entry.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(entry.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(entry.Content, nil))
		}
	}

	return history
}
