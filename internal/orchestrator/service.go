package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/embedchat/widgetcore/internal/auth"
	"github.com/embedchat/widgetcore/internal/domain"
	"github.com/embedchat/widgetcore/internal/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FallbackReply is returned when the backend sends neither tool results
// nor a free-text response.
const FallbackReply = "Sorry, I could not find the information you were looking for."

const (
	defaultConfigTTL       = 48 * time.Hour
	defaultPollInterval    = 100 * time.Millisecond
	defaultInitWaitCap     = 10 * time.Second
	defaultMaxInitAttempts = 3
)

// Options configures an orchestrator instance
type Options struct {
	BaseURL  string
	ClientID string
	AgentID  string
	Auth     *auth.Service
	Executor *retry.Executor
	// Policy overrides the retry policy for config/chat calls
	Policy *retry.Policy
	// ConfigTTL bounds how long a fetched configuration is reused. Nil
	// keeps the default; zero or negative means always fetch fresh.
	ConfigTTL *time.Duration
	// PollInterval and InitWaitCap bound how long a caller waits for an
	// initialization already in flight.
	PollInterval time.Duration
	InitWaitCap  time.Duration
	// MaxInitAttempts caps consecutive failed initialization sequences
	// before the instance fails permanently until ResetInitialization.
	MaxInitAttempts int
}

// Service coordinates remote configuration, the backend session id, and
// message-level operations for one (clientID, agentID) pair.
type Service struct {
	baseURL  string
	clientID string
	agentID  string
	auth     *auth.Service
	exec     *retry.Executor
	policy   retry.Policy
	logger   zerolog.Logger

	configTTL       time.Duration
	pollInterval    time.Duration
	initWaitCap     time.Duration
	maxInitAttempts int

	mu               sync.Mutex
	backendSessionID string
	remoteConfig     *domain.RemoteConfig
	configFetchedAt  time.Time
	initialized      bool
	initializing     bool
	initAttempts     int
	lastInitErr      error
}

// NewService creates an orchestrator instance. Most callers go through the
// Registry instead.
func NewService(opts Options) *Service {
	policy := retry.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	s := &Service{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		clientID:        opts.ClientID,
		agentID:         opts.AgentID,
		auth:            opts.Auth,
		exec:            opts.Executor,
		policy:          policy,
		logger:          log.With().Str("component", "orchestrator").Str("client_id", opts.ClientID).Str("agent_id", opts.AgentID).Logger(),
		configTTL:       defaultConfigTTL,
		pollInterval:    defaultPollInterval,
		initWaitCap:     defaultInitWaitCap,
		maxInitAttempts: defaultMaxInitAttempts,
	}
	if opts.ConfigTTL != nil {
		s.configTTL = *opts.ConfigTTL
	}
	if opts.PollInterval > 0 {
		s.pollInterval = opts.PollInterval
	}
	if opts.InitWaitCap > 0 {
		s.initWaitCap = opts.InitWaitCap
	}
	if opts.MaxInitAttempts > 0 {
		s.maxInitAttempts = opts.MaxInitAttempts
	}
	return s
}

func newBackendSessionID() string {
	return uuid.NewString()
}

// configFresh reports whether the cached configuration may be reused.
// Callers hold s.mu.
func (s *Service) configFresh() bool {
	if s.remoteConfig == nil {
		return false
	}
	if s.configTTL <= 0 {
		return false
	}
	return time.Now().Before(s.configFetchedAt.Add(s.configTTL))
}

// IsInitialized reports whether the instance can send without a lazy
// initialization: initialized, configuration loaded, and a backend session
// id present.
func (s *Service) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized && s.remoteConfig != nil && s.backendSessionID != ""
}

// BackendSessionID returns the current backend conversation handle
func (s *Service) BackendSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendSessionID
}

// RemoteConfig returns the loaded configuration snapshot, or nil
func (s *Service) RemoteConfig() *domain.RemoteConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteConfig
}

// Initialize is idempotent. An already-initialized instance with fresh
// configuration returns immediately, re-minting the backend session id if
// it was cleared. When another caller is mid-initialization, this caller
// polls for the shared outcome instead of racing a second fetch.
// Consecutive failed attempts are capped; once exhausted the instance fails
// until ResetInitialization. A success restores the full budget.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized && s.configFresh() {
		if s.backendSessionID == "" {
			s.backendSessionID = newBackendSessionID()
		}
		s.mu.Unlock()
		return nil
	}
	if s.initializing {
		s.mu.Unlock()
		return s.awaitInitialization(ctx)
	}
	if s.initAttempts >= s.maxInitAttempts {
		s.mu.Unlock()
		return domain.ErrInitExhausted
	}
	s.initAttempts++
	s.initializing = true
	s.mu.Unlock()

	err := s.doInitialize(ctx)

	s.mu.Lock()
	s.initializing = false
	s.lastInitErr = err
	if err == nil {
		s.initialized = true
		s.initAttempts = 0
		if s.backendSessionID == "" {
			s.backendSessionID = newBackendSessionID()
		}
	}
	s.mu.Unlock()
	return err
}

// awaitInitialization lets a concurrent caller observe the outcome of the
// initialization already in flight, bounded by the wait cap.
func (s *Service) awaitInitialization(ctx context.Context) error {
	deadline := time.Now().Add(s.initWaitCap)
	for {
		select {
		case <-time.After(s.pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}

		s.mu.Lock()
		if !s.initializing {
			err := s.lastInitErr
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for initialization after %s", s.initWaitCap)
		}
	}
}

// ResetInitialization clears the attempt counter and cached state so a
// fresh initialization may run. This is the only way out of the exhausted
// state.
func (s *Service) ResetInitialization() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	s.initAttempts = 0
	s.lastInitErr = nil
	s.remoteConfig = nil
	s.configFetchedAt = time.Time{}
}

func (s *Service) doInitialize(ctx context.Context) error {
	cfg, err := s.fetchConfig(ctx, false)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.remoteConfig = cfg
	s.configFetchedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info().Str("bot_name", cfg.BotName).Msg("Remote configuration loaded")
	return nil
}

// RefreshConfig bypasses the TTL cache and refetches the configuration
func (s *Service) RefreshConfig(ctx context.Context) (*domain.RemoteConfig, error) {
	cfg, err := s.fetchConfig(ctx, true)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.remoteConfig = cfg
	s.configFetchedAt = time.Now()
	s.mu.Unlock()
	return cfg, nil
}

func (s *Service) fetchConfig(ctx context.Context, refresh bool) (*domain.RemoteConfig, error) {
	headers, err := s.auth.AuthHeaders(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/config?%s", s.baseURL, url.Values{
		"agent_id": {s.agentID},
		"refresh":  {fmt.Sprintf("%t", refresh)},
	}.Encode())

	resp, err := s.exec.Do(ctx, s.policy, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("config fetch failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		s.clearConfig()
		return nil, domain.NewAuthError(domain.AuthErrorFailed, fmt.Sprintf("config fetch rejected (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		s.auth.SetConfigNotAvailable("agent configuration not found")
		return nil, domain.NewAuthError(domain.AuthErrorConfigNotAvailable, "agent configuration not found")
	case resp.StatusCode != http.StatusOK:
		return nil, &domain.HTTPError{StatusCode: resp.StatusCode}
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("failed to read config response: %w", err)
	}
	return domain.ParseRemoteConfig(buf.Bytes())
}

func (s *Service) clearConfig() {
	s.mu.Lock()
	s.remoteConfig = nil
	s.configFetchedAt = time.Time{}
	s.initialized = false
	s.mu.Unlock()
}

// chatRequest is the wire shape of a chat call
type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	MessageID string `json:"message_id"`
}

type toolResult struct {
	ToolName string `json:"tool_name,omitempty"`
	Content  string `json:"content,omitempty"`
}

// chatResponse is the backend's reply
type chatResponse struct {
	Response            string          `json:"response"`
	AgentInfo           json.RawMessage `json:"agent_info,omitempty"`
	ToolCalls           json.RawMessage `json:"tool_calls,omitempty"`
	ToolResults         []toolResult    `json:"tool_results,omitempty"`
	ConversationSummary string          `json:"conversation_summary,omitempty"`
}

// extractText prefers structured tool-result content over the free-text
// reply, joining results with blank lines in order.
func extractText(cr *chatResponse) string {
	var parts []string
	for _, tr := range cr.ToolResults {
		if tr.Content != "" {
			parts = append(parts, tr.Content)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n\n")
	}
	if cr.Response != "" {
		return cr.Response
	}
	return FallbackReply
}

// SendMessage posts a user message and returns the bot's reply text. The
// caller supplies the bot message id (minted before the call) so reactions
// and refresh survive regeneration; an empty id gets a fresh one.
//
// A 400 means the backend session went stale: exactly one new session id
// is minted and the call retried before the failure surfaces. A 401/403
// clears cached configuration and surfaces an auth failure with no retry.
func (s *Service) SendMessage(ctx context.Context, text, messageID string) (string, error) {
	if !s.IsInitialized() {
		if err := s.Initialize(ctx); err != nil {
			return "", err
		}
	}
	if messageID == "" {
		messageID = domain.NewMessageID()
	}

	reply, err := s.postChat(ctx, text, messageID)
	if err == nil {
		return reply, nil
	}
	if !isSessionInvalid(err) {
		return "", err
	}

	// Stale backend session: mint a replacement and retry exactly once
	s.mu.Lock()
	s.backendSessionID = newBackendSessionID()
	fresh := s.backendSessionID
	s.mu.Unlock()
	s.logger.Warn().Str("backend_session_id", fresh).Msg("Backend session invalidated, retrying with a new one")

	reply, err = s.postChat(ctx, text, messageID)
	if err != nil {
		return "", err
	}
	return reply, nil
}

func isSessionInvalid(err error) bool {
	return errors.Is(err, domain.ErrSessionInvalid)
}

func (s *Service) postChat(ctx context.Context, text, messageID string) (string, error) {
	headers, err := s.auth.AuthHeaders(ctx)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	sessionID := s.backendSessionID
	s.mu.Unlock()

	body, err := json.Marshal(chatRequest{
		Message:   text,
		SessionID: sessionID,
		AgentID:   s.agentID,
		MessageID: messageID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	s.logger.Debug().Str("backend_session_id", sessionID).Str("message_id", messageID).Msg("Sending chat message")

	resp, err := s.exec.Do(ctx, s.policy, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/agent/chat", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Client-ID", s.clientID)
		req.Header.Set("X-Agent-ID", s.agentID)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return "", fmt.Errorf("%w: %v", domain.ErrSessionInvalid, &domain.HTTPError{StatusCode: resp.StatusCode})
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		s.clearConfig()
		return "", domain.NewAuthError(domain.AuthErrorFailed, fmt.Sprintf("chat call rejected (status %d)", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return "", &domain.HTTPError{StatusCode: resp.StatusCode}
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	return extractText(&cr), nil
}

// EndChat requests a server-side reset and clears the local backend
// session id. Local cleanup proceeds even when the server call fails.
func (s *Service) EndChat(ctx context.Context) error {
	s.mu.Lock()
	sessionID := s.backendSessionID
	s.backendSessionID = ""
	s.mu.Unlock()

	if sessionID == "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"session_id": sessionID,
		"agent_id":   s.agentID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reset request: %w", err)
	}

	resp, err := s.exec.Do(ctx, s.policy, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/agent/reset", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Server-side reset failed, local session cleared anyway")
		return nil
	}
	resp.Body.Close()
	return nil
}

// StartNewChat ends the current backend conversation and mints a new one
func (s *Service) StartNewChat(ctx context.Context) (string, error) {
	if err := s.EndChat(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.backendSessionID = newBackendSessionID()
	fresh := s.backendSessionID
	s.mu.Unlock()
	return fresh, nil
}

// UpdateMessageReaction posts a reaction for a message. An empty sessionID
// targets the current backend session.
func (s *Service) UpdateMessageReaction(ctx context.Context, messageID string, reaction domain.Reaction, sessionID string) error {
	if !reaction.Valid() {
		return fmt.Errorf("invalid reaction %q", reaction)
	}
	if !s.IsInitialized() {
		return domain.ErrNotInitialized
	}
	if sessionID == "" {
		sessionID = s.BackendSessionID()
	}

	body, err := json.Marshal(map[string]string{
		"session_id": sessionID,
		"message_id": messageID,
		"reaction":   string(reaction),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal reaction request: %w", err)
	}

	resp, err := s.exec.Do(ctx, s.policy, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/agent/chat/update-reaction", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &domain.HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

// LikeMessage marks a bot message liked
func (s *Service) LikeMessage(ctx context.Context, messageID, sessionID string) error {
	return s.UpdateMessageReaction(ctx, messageID, domain.ReactionLiked, sessionID)
}

// DislikeMessage marks a bot message disliked
func (s *Service) DislikeMessage(ctx context.Context, messageID, sessionID string) error {
	return s.UpdateMessageReaction(ctx, messageID, domain.ReactionDisliked, sessionID)
}

// ClearMessageReaction removes a reaction
func (s *Service) ClearMessageReaction(ctx context.Context, messageID, sessionID string) error {
	return s.UpdateMessageReaction(ctx, messageID, domain.ReactionNone, sessionID)
}

// Status probes the agent status endpoint
func (s *Service) Status(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/v1/agent/status?%s", s.baseURL, url.Values{
		"client_id": {s.clientID},
		"agent_id":  {s.agentID},
	}.Encode())

	resp, err := s.exec.Do(ctx, s.policy, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &domain.HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}
