package ai

import (
	"context"

	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
)

// Reply is the assistant's answer to one user turn.
type Reply struct {
	Content   string
	Final     bool
	FinalData map[string]any
}

// Responder produces the assistant side of a conversation. Implementations
// never fail: they degrade to a fixed text and log the cause.
type Responder interface {
	Greeting(ctx context.Context, profile *chat.UserProfile) string
	Reply(ctx context.Context, profile *chat.UserProfile, history []chat.HistoryEntry, userMessage string) Reply
	Summary(ctx context.Context, history []chat.HistoryEntry) string
}

const (
	fallbackGreeting = "Hello! I'm the tavern companion. How can I help you today?"
	fallbackReply    = "I apologize, but I'm currently experiencing technical difficulties. Please try again later."
	emptyReply       = "I'm having trouble understanding. Could you please repeat that?"
	fallbackSummary  = "Summary could not be generated."
)
