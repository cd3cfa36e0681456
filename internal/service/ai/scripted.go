package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
)

var farewells = []string{"bye", "goodbye", "see you", "that's all", "再见", "拜拜"}

// Scripted is a deterministic Responder used when no model is configured.
// It concludes the conversation when the user says goodbye.
type Scripted struct{}

var _ Responder = Scripted{}

func (Scripted) Greeting(_ context.Context, profile *chat.UserProfile) string {
	if profile != nil && strings.TrimSpace(profile.Name) != "" {
		return fmt.Sprintf("Hello %s! I'm the tavern companion. How can I help you today?", profile.Name)
	}
	return fallbackGreeting
}

func (Scripted) Reply(_ context.Context, _ *chat.UserProfile, history []chat.HistoryEntry, userMessage string) Reply {
	turns := countUserTurns(history) + 1

	if isFarewell(userMessage) {
		return Reply{
			Content:   "Thank you for talking with me today. Take care!",
			Final:     true,
			FinalData: map[string]any{"turns": turns},
		}
	}

	text := strings.TrimSpace(userMessage)
	return Reply{Content: fmt.Sprintf("I hear you: %q. Tell me more about how that makes you feel.", text)}
}

func (Scripted) Summary(_ context.Context, history []chat.HistoryEntry) string {
	turns := countUserTurns(history)
	if turns == 0 {
		return "The user ended the conversation without sharing anything."
	}
	return fmt.Sprintf("Conversation with %d user turn(s).", turns)
}

func countUserTurns(history []chat.HistoryEntry) int {
	n := 0
	for _, entry := range history {
		if entry.Role == chat.RoleUser {
			n++
		}
	}
	return n
}

func isFarewell(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.TrimRight(normalized, "!.。！ ")
	for _, word := range farewells {
		if normalized == word || strings.HasSuffix(normalized, " "+word) {
			return true
		}
	}
	return false
}
