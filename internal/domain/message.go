package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageSender identifies who produced a message
type MessageSender string

const (
	SenderUser MessageSender = "user"
	SenderBot  MessageSender = "bot"
)

// Reaction represents the user's feedback on a bot message
type Reaction string

const (
	ReactionLiked    Reaction = "liked"
	ReactionDisliked Reaction = "disliked"
	ReactionNone     Reaction = ""
)

// Valid reports whether the reaction is one of the accepted values
func (r Reaction) Valid() bool {
	switch r {
	case ReactionLiked, ReactionDisliked, ReactionNone:
		return true
	}
	return false
}

// Message represents a single transcript entry.
//
// IDs are generated on the client before any network call; the backend
// echoes the id for bot messages so reactions and refresh keep working
// across a regeneration.
type Message struct {
	ID        string        `json:"id"`
	Sender    MessageSender `json:"sender"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
	Reaction  Reaction      `json:"reaction,omitempty"`
}

// NewMessageID generates a unique message identifier
func NewMessageID() string {
	return "msg-" + uuid.NewString()
}

// NewUserMessage builds a user transcript entry with a fresh id
func NewUserMessage(text string) Message {
	return Message{
		ID:        NewMessageID(),
		Sender:    SenderUser,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// NewBotMessage builds a bot transcript entry with the given id. An empty
// id gets a fresh one.
func NewBotMessage(id, text string) Message {
	if id == "" {
		id = NewMessageID()
	}
	return Message{
		ID:        id,
		Sender:    SenderBot,
		Text:      text,
		Timestamp: time.Now(),
	}
}
