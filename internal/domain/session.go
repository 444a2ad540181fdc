package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChatSession represents a locally persisted conversation thread.
//
// It is independent of any backend-tracked session: the orchestrator keeps
// its own backend session id and does not read this record.
type ChatSession struct {
	SessionID    string    `json:"session_id"`
	ClientID     string    `json:"client_id"`
	AgentID      string    `json:"agent_id"`
	Title        string    `json:"title,omitempty"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	IsActive     bool      `json:"is_active"`
	// Revision guards read-modify-write cycles against concurrent
	// writers (e.g. two tabs on the same store). Stale writes are
	// rejected with ErrStaleWrite.
	Revision int64 `json:"revision"`
}

// SessionSummary is a read-only projection used for listing conversations
// without loading full message bodies.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview,omitempty"`
	IsActive     bool      `json:"is_active"`
}

// NewSessionID generates a unique frontend session identifier
func NewSessionID() string {
	return "sess-" + uuid.NewString()
}
