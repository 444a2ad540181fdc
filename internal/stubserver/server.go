package stubserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/embedchat/widgetcore/internal/domain"
	"github.com/embedchat/widgetcore/internal/security"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Agent is a registered (client, agent) account the stub will serve
type Agent struct {
	ClientID string
	AgentID  string
	// keyHash is the bcrypt hash of the agent key
	keyHash []byte
	// Config is returned by the config endpoint
	Config domain.RemoteConfig
	// WrapEnvelope nests the config under client_config, as some
	// backend versions do
	WrapEnvelope bool
	// ToolResults, when set, accompany every chat reply
	ToolResults []ToolResult
}

// ToolResult mirrors the chat endpoint's structured reply payload
type ToolResult struct {
	ToolName string `json:"tool_name,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Server is a deterministic chat backend implementing every endpoint the
// widget core consumes. It backs integration tests and local development;
// replies are canned, no model is involved.
type Server struct {
	tokens *security.TokenManager
	logger zerolog.Logger

	mu        sync.Mutex
	agents    map[string]*Agent
	revoked   map[string]bool            // backend session ids rejected with 400
	reactions map[string]domain.Reaction // message id -> last reaction
	failAuth  bool                       // reject every authenticated call with 401
}

// NewServer creates an empty stub backend
func NewServer(tokenSecret string, tokenTTL time.Duration) *Server {
	return &Server{
		tokens:    security.NewTokenManager(tokenSecret, tokenTTL),
		logger:    log.With().Str("component", "stubserver").Logger(),
		agents:    make(map[string]*Agent),
		revoked:   make(map[string]bool),
		reactions: make(map[string]domain.Reaction),
	}
}

func agentKey(clientID, agentID string) string {
	return clientID + ":" + agentID
}

// RegisterAgent adds an account. The agent key is stored hashed.
func (s *Server) RegisterAgent(agent Agent, key string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash agent key: %w", err)
	}
	agent.keyHash = hash

	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agentKey(agent.ClientID, agent.AgentID)] = &agent
	return nil
}

func (s *Server) lookupAgent(clientID, agentID string) *Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents[agentKey(clientID, agentID)]
}

func (s *Server) checkKey(agent *Agent, key string) bool {
	return bcrypt.CompareHashAndPassword(agent.keyHash, []byte(key)) == nil
}

// InvalidateSession makes subsequent chat calls carrying sessionID fail
// with 400, simulating a backend that dropped the conversation.
func (s *Server) InvalidateSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[sessionID] = true
}

func (s *Server) sessionRevoked(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked[sessionID]
}

// SetAuthFailure makes every authenticated endpoint answer 401 while on,
// simulating token revocation server-side.
func (s *Server) SetAuthFailure(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAuth = on
}

func (s *Server) authFailing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failAuth
}

// Reaction reports the last reaction recorded for a message id
func (s *Server) Reaction(messageID string) (domain.Reaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reactions[messageID]
	return r, ok
}

func (s *Server) recordReaction(messageID string, r domain.Reaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions[messageID] = r
}
