package session

import "github.com/zhouzirui/z-tavern/chat/internal/model/chat"

// Phase is the lifecycle position of a store.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStarting  Phase = "starting"
	PhaseActive    Phase = "active"
	PhaseConcluded Phase = "concluded"
)

// State is a point-in-time snapshot of everything a presentation layer may
// observe. ConnectionError is empty when no start failure is pending.
type State struct {
	SessionID       string         `json:"sessionId"`
	Started         bool           `json:"started"`
	Transcript      []chat.Message `json:"transcript"`
	IsLoading       bool           `json:"isLoading"`
	IsStarting      bool           `json:"isStarting"`
	IsConcluded     bool           `json:"isConcluded"`
	ConnectionError string         `json:"connectionError,omitempty"`
}

// Phase derives the lifecycle position from the snapshot. A start in flight
// reports Starting even while a previous session is still shown. A pending
// send is orthogonal to Active and is reported through IsLoading.
func (s State) Phase() Phase {
	switch {
	case s.IsStarting:
		return PhaseStarting
	case s.SessionID == "":
		return PhaseIdle
	case s.IsConcluded:
		return PhaseConcluded
	default:
		return PhaseActive
	}
}

// CanSend reports whether SendMessage would accept a new user turn.
func (s State) CanSend() bool {
	return s.SessionID != "" && !s.IsConcluded && !s.IsLoading
}

func (s State) clone() State {
	out := s
	out.Transcript = make([]chat.Message, len(s.Transcript))
	copy(out.Transcript, s.Transcript)
	return out
}
