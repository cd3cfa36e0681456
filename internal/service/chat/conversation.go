package chat

import (
	"time"

	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
)

// Conversation is the server-side state of one live session.
type Conversation struct {
	ID             string              `json:"id"`
	UserProfile    *chat.UserProfile   `json:"user_profile"`
	History        []chat.HistoryEntry `json:"history"`
	CrisisDetected bool                `json:"crisis_detected"`
	IsConcluded    bool                `json:"is_concluded"`
	CreatedAt      time.Time           `json:"created_at"`
}

// UserData is the payload persisted when the conversation ends.
func (c *Conversation) UserData(summary string) map[string]any {
	data := map[string]any{}
	if c.UserProfile != nil {
		data = c.UserProfile.Map()
	}
	data["summary"] = summary
	return data
}

func (c *Conversation) append(role, content string) {
	c.History = append(c.History, chat.HistoryEntry{Role: role, Content: content})
}
