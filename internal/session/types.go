package session

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session doesn't exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrStore is returned when the backing file cannot be read or written
	ErrStore = errors.New("session store failure")
)

// Record is one persisted session: identity plus its conversation history.
type Record struct {
	SessionID   string    `json:"session_id"`
	TeamID      string    `json:"team_or_user_id"`
	SessionName string    `json:"session_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	History     []Turn    `json:"conversation_history"`
}

// Turn is one completed question/answer exchange. Failed runs are never
// appended as turns.
type Turn struct {
	Question          string            `json:"question"`
	ExpertAnalyses    map[string]string `json:"expert_analyses,omitempty"`
	SynthesizedReport string            `json:"synthesized_report"`
	Timestamp         time.Time         `json:"timestamp"`
}

// RecentTurns returns the most recent count turns in chronological order.
func (r *Record) RecentTurns(count int) []Turn {
	if count <= 0 || len(r.History) <= count {
		return r.History
	}
	return r.History[len(r.History)-count:]
}
