package chat

import (
	"strings"
	"time"
)

// UserProfile identifies a non-anonymous user. The client passes it through
// untouched; only the backend validates it.
type UserProfile struct {
	Name    string `json:"name"`
	Major   string `json:"major"`
	Quarter string `json:"quarter"`
}

// Complete reports whether every profile field carries a value.
func (p UserProfile) Complete() bool {
	return strings.TrimSpace(p.Name) != "" &&
		strings.TrimSpace(p.Major) != "" &&
		strings.TrimSpace(p.Quarter) != ""
}

// Map flattens the profile into the user_data shape stored with ended sessions.
func (p UserProfile) Map() map[string]any {
	return map[string]any{
		"name":    p.Name,
		"major":   p.Major,
		"quarter": p.Quarter,
	}
}

// StartSessionRequest is the body of POST /sessions/start.
type StartSessionRequest struct {
	Anonymous   bool         `json:"anonymous"`
	UserProfile *UserProfile `json:"user_profile"`
}

// StartSessionResponse is returned once the service has opened a session.
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	Greeting  string `json:"greeting"`
	Anonymous bool   `json:"anonymous"`
}

// MessageRequest is the body of POST /chat/message.
type MessageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// MessageResponse carries the reply to a single user turn.
type MessageResponse struct {
	SessionID      string         `json:"session_id"`
	Reply          string         `json:"reply"`
	IsFinal        bool           `json:"is_final"`
	CrisisDetected bool           `json:"crisis_detected"`
	FinalData      map[string]any `json:"final_data"`
}

// EndSessionResponse acknowledges POST /sessions/{id}/end.
type EndSessionResponse struct {
	SessionID string         `json:"session_id"`
	Summary   string         `json:"summary"`
	UserData  map[string]any `json:"user_data"`
}

// HistoryResponse is returned by GET /chat/{id}/history.
type HistoryResponse struct {
	SessionID string         `json:"session_id"`
	History   []HistoryEntry `json:"history"`
}

// SessionRecord is the persisted trace of an ended session.
type SessionRecord struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	UserData  map[string]any `json:"user_data"`
	CreatedAt time.Time      `json:"created_at"`
	EndedAt   *time.Time     `json:"ended_at"`
}

// ErrorBody is the error envelope returned on every non-success status.
type ErrorBody struct {
	Detail string `json:"detail"`
}
