package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/embedchat/widgetcore/internal/domain"
	"github.com/embedchat/widgetcore/internal/orchestrator"
	"github.com/embedchat/widgetcore/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ApologyReply is appended to the transcript when a send fails, so the
// conversation degrades instead of blocking input.
const ApologyReply = "Sorry, something went wrong while answering. Please try again."

// SendFunc is a caller-supplied direct send path used when no remote
// integration is configured. It receives the pre-minted bot message id.
type SendFunc func(ctx context.Context, text, messageID string) (string, error)

// Options configures a controller
type Options struct {
	ClientID string
	AgentID  string
	Store    *storage.Service
	// Orchestrator handles remote sends when configured
	Orchestrator *orchestrator.Service
	// DirectSend is the fallback send path when no orchestrator is set
	DirectSend SendFunc
}

// Controller binds a UI-facing message list to the session store and the
// chat orchestrator. Rendering consumes its snapshots; all mutations come
// back through its operations.
type Controller struct {
	clientID string
	agentID  string
	store    *storage.Service
	orch     *orchestrator.Service
	direct   SendFunc
	logger   zerolog.Logger

	mu       sync.Mutex
	session  *domain.ChatSession
	messages []domain.Message
	loading  bool
}

// New creates a controller. Activate must run before any other operation.
func New(opts Options) *Controller {
	return &Controller{
		clientID: opts.ClientID,
		agentID:  opts.AgentID,
		store:    opts.Store,
		orch:     opts.Orchestrator,
		direct:   opts.DirectSend,
		logger:   log.With().Str("component", "controller").Str("client_id", opts.ClientID).Str("agent_id", opts.AgentID).Logger(),
	}
}

// Activate loads the active session for (clientID, agentID) or creates one
func (c *Controller) Activate(ctx context.Context) error {
	session, err := c.store.GetActiveSession(ctx, c.clientID, c.agentID)
	if err == domain.ErrSessionNotFound {
		session, err = c.store.CreateSession(ctx, c.clientID, c.agentID)
	}
	if err != nil {
		return fmt.Errorf("failed to activate controller: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.messages = append([]domain.Message(nil), session.Messages...)
	c.loading = false
	c.mu.Unlock()

	c.logger.Debug().Str("session_id", session.SessionID).Int("messages", len(session.Messages)).Msg("Controller activated")
	return nil
}

// Messages returns a snapshot of the transcript
func (c *Controller) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.messages...)
}

// IsLoading reports whether a send is in flight. This is a cooperative UI
// hint, not a lock: concurrent sends are not serialized here.
func (c *Controller) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// SessionID returns the active frontend session id
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.SessionID
}

// Sessions lists conversation summaries for the session picker
func (c *Controller) Sessions(ctx context.Context) ([]domain.SessionSummary, error) {
	return c.store.GetSessionsForClientAgent(ctx, c.clientID, c.agentID)
}

// SendMessage appends the user message, sends it, and appends the bot
// reply. The bot message id is minted before the network call. On failure
// a canned apology lands in the transcript under that same id and the
// error is returned for logging; input is never blocked.
func (c *Controller) SendMessage(ctx context.Context, text string) (domain.Message, error) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return domain.Message{}, fmt.Errorf("controller not activated")
	}
	sessionID := c.session.SessionID
	userMsg := domain.NewUserMessage(text)
	c.messages = append(c.messages, userMsg)
	c.loading = true
	snapshot := append([]domain.Message(nil), c.messages...)
	c.mu.Unlock()

	if err := c.store.UpdateSessionMessages(ctx, sessionID, snapshot); err != nil {
		c.logger.Error().Err(err).Msg("Failed to persist user message")
	}

	botID := domain.NewMessageID()
	reply, sendErr := c.dispatch(ctx, text, botID)
	if sendErr != nil {
		c.logger.Error().Err(sendErr).Str("message_id", botID).Msg("Send failed, degrading to apology")
		reply = ApologyReply
	}
	botMsg := domain.NewBotMessage(botID, reply)

	c.mu.Lock()
	c.messages = append(c.messages, botMsg)
	c.loading = false
	snapshot = append([]domain.Message(nil), c.messages...)
	stillSame := c.session != nil && c.session.SessionID == sessionID
	c.mu.Unlock()

	if stillSame {
		if err := c.store.UpdateSessionMessages(ctx, sessionID, snapshot); err != nil {
			c.logger.Error().Err(err).Msg("Failed to persist bot message")
		}
	}
	return botMsg, sendErr
}

func (c *Controller) dispatch(ctx context.Context, text, messageID string) (string, error) {
	if c.orch != nil {
		return c.orch.SendMessage(ctx, text, messageID)
	}
	if c.direct != nil {
		return c.direct(ctx, text, messageID)
	}
	return "", fmt.Errorf("no send path configured")
}

// SwitchToSession loads the target session's transcript and marks it
// active. The backend session id is deliberately left alone: frontend and
// backend sessions are independent identifiers.
func (c *Controller) SwitchToSession(ctx context.Context, sessionID string) error {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := c.store.SetActiveSession(ctx, c.clientID, c.agentID, sessionID); err != nil {
		return err
	}
	session.IsActive = true

	c.mu.Lock()
	c.session = session
	c.messages = append([]domain.Message(nil), session.Messages...)
	c.loading = false
	c.mu.Unlock()

	c.logger.Debug().Str("session_id", sessionID).Msg("Switched session")
	return nil
}

// CreateNewSession ends the current conversation, creates a fresh one, and
// starts a new backend chat when remote integration is configured.
func (c *Controller) CreateNewSession(ctx context.Context) error {
	c.mu.Lock()
	current := c.session
	c.mu.Unlock()

	if current != nil {
		if err := c.store.EndSession(ctx, current.SessionID); err != nil {
			return err
		}
	}

	session, err := c.store.CreateSession(ctx, c.clientID, c.agentID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session = session
	c.messages = nil
	c.loading = false
	c.mu.Unlock()

	if c.orch != nil {
		if _, err := c.orch.StartNewChat(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to start new backend chat")
		}
	}
	return nil
}

// UpdateReaction records a reaction on a bot message, remotely when an
// orchestrator is configured, then locally.
func (c *Controller) UpdateReaction(ctx context.Context, messageID string, reaction domain.Reaction) error {
	if !reaction.Valid() {
		return fmt.Errorf("invalid reaction %q", reaction)
	}
	if c.orch != nil {
		if err := c.orch.UpdateMessageReaction(ctx, messageID, reaction, ""); err != nil {
			return err
		}
	}

	c.mu.Lock()
	found := false
	for i := range c.messages {
		if c.messages[i].ID == messageID {
			c.messages[i].Reaction = reaction
			found = true
			break
		}
	}
	var sessionID string
	var snapshot []domain.Message
	if found && c.session != nil {
		sessionID = c.session.SessionID
		snapshot = append([]domain.Message(nil), c.messages...)
	}
	c.mu.Unlock()

	if !found {
		return fmt.Errorf("message %s not in transcript", messageID)
	}
	return c.store.UpdateSessionMessages(ctx, sessionID, snapshot)
}

// RefreshMessage regenerates the answer for a bot message: the transcript
// is truncated back to the nearest preceding user message and its text is
// resent. The regenerated reply keeps the original bot message id so
// reaction state stays attached.
func (c *Controller) RefreshMessage(ctx context.Context, botMessageID string) (domain.Message, error) {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return domain.Message{}, fmt.Errorf("controller not activated")
	}
	sessionID := c.session.SessionID

	botIdx := -1
	for i := range c.messages {
		if c.messages[i].ID == botMessageID && c.messages[i].Sender == domain.SenderBot {
			botIdx = i
			break
		}
	}
	if botIdx < 0 {
		c.mu.Unlock()
		return domain.Message{}, fmt.Errorf("bot message %s not in transcript", botMessageID)
	}

	userIdx := -1
	for i := botIdx - 1; i >= 0; i-- {
		if c.messages[i].Sender == domain.SenderUser {
			userIdx = i
			break
		}
	}
	if userIdx < 0 {
		c.mu.Unlock()
		return domain.Message{}, fmt.Errorf("no user message precedes %s", botMessageID)
	}

	userText := c.messages[userIdx].Text
	c.messages = append([]domain.Message(nil), c.messages[:userIdx+1]...)
	c.loading = true
	snapshot := append([]domain.Message(nil), c.messages...)
	c.mu.Unlock()

	if err := c.store.UpdateSessionMessages(ctx, sessionID, snapshot); err != nil {
		c.logger.Error().Err(err).Msg("Failed to persist truncated transcript")
	}

	reply, sendErr := c.dispatch(ctx, userText, botMessageID)
	if sendErr != nil {
		c.logger.Error().Err(sendErr).Str("message_id", botMessageID).Msg("Refresh failed, degrading to apology")
		reply = ApologyReply
	}
	botMsg := domain.NewBotMessage(botMessageID, reply)

	c.mu.Lock()
	c.messages = append(c.messages, botMsg)
	c.loading = false
	snapshot = append([]domain.Message(nil), c.messages...)
	c.mu.Unlock()

	if err := c.store.UpdateSessionMessages(ctx, sessionID, snapshot); err != nil {
		c.logger.Error().Err(err).Msg("Failed to persist refreshed transcript")
	}
	return botMsg, sendErr
}
