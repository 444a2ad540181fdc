package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/embedchat/widgetcore/internal/domain"
	"github.com/embedchat/widgetcore/internal/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures the auth service
type Options struct {
	// TokenURL is the domain-token issuance endpoint
	TokenURL string
	// Origin is the embedding page's origin host. Outside production the
	// port is kept so localhost development works.
	Origin string
	// Production strips the port from Origin when set
	Production bool
	// Policy overrides the retry policy for token calls
	Policy *retry.Policy
}

// tokenRequest is the wire shape of a domain-token issuance call
type tokenRequest struct {
	ClientID string `json:"client_id"`
	AgentID  string `json:"agent_id"`
	AgentKey string `json:"agent_key"`
	Domain   string `json:"domain"`
}

// tokenResponse is the issuance endpoint's reply
type tokenResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	ClientID  string `json:"client_id"`
	AgentID   string `json:"agent_id"`
	Domain    string `json:"domain"`
	ExpiresIn int64  `json:"expires_in"`
	TokenType string `json:"token_type"`
	Error     string `json:"error,omitempty"`
}

type validateRequest struct {
	Token  string `json:"token"`
	Domain string `json:"domain"`
}

// Service owns the domain-token lifecycle for one (client, agent, domain)
// triple and publishes auth-state transitions to subscribers.
type Service struct {
	exec   *retry.Executor
	policy retry.Policy
	logger zerolog.Logger

	tokenURL string
	origin   string

	mu         sync.Mutex
	clientID   string
	agentID    string
	agentKey   string
	configured bool
	token      *domain.AuthToken
	state      domain.AuthState
	subs       []*Subscription
	nextSubID  int
}

// Subscription is a handle to an auth-state listener. The subscriber owns
// it and releases it with Cancel; the service never holds listeners past
// cancellation.
type Subscription struct {
	id  int
	fn  func(domain.AuthState)
	svc *Service
}

// Cancel removes the listener from the service
func (s *Subscription) Cancel() {
	if s == nil || s.svc == nil {
		return
	}
	s.svc.unsubscribe(s.id)
	s.svc = nil
}

// NewService creates an auth service. The executor is shared with the
// orchestrator so every network call goes through the same retry path.
func NewService(exec *retry.Executor, opts Options) *Service {
	policy := retry.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	return &Service{
		exec:     exec,
		policy:   policy,
		logger:   log.With().Str("component", "auth").Logger(),
		tokenURL: opts.TokenURL,
		origin:   originHost(opts.Origin, opts.Production),
	}
}

// originHost normalizes an origin to its host, dropping the port in
// production only.
func originHost(origin string, production bool) string {
	if !production {
		return origin
	}
	if host, _, err := net.SplitHostPort(origin); err == nil {
		return host
	}
	return origin
}

// Initialize requests a domain token using the agent key and transitions
// the state machine. serviceURL, when non-empty, overrides the configured
// token endpoint.
func (s *Service) Initialize(ctx context.Context, clientID, agentID, agentKey, serviceURL string) error {
	s.mu.Lock()
	s.clientID = clientID
	s.agentID = agentID
	s.agentKey = agentKey
	if serviceURL != "" {
		s.tokenURL = serviceURL
	}
	s.configured = true
	s.mu.Unlock()

	s.setState(domain.AuthState{IsInitializing: true})

	token, err := s.requestToken(ctx)
	if err != nil {
		kind, msg := classify(err)
		s.mu.Lock()
		s.token = nil
		s.mu.Unlock()
		s.setState(domain.AuthState{
			HasAuthError:  true,
			AuthErrorType: kind,
			ErrorMessage:  msg,
		})
		return domain.NewAuthError(kind, msg)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.setState(domain.AuthState{IsAuthenticated: true})
	s.logger.Info().Str("client_id", clientID).Str("agent_id", agentID).Time("expires_at", token.ExpiresAt).Msg("Domain token issued")
	return nil
}

// Token returns the stored token, regenerating it when expired
func (s *Service) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token.Valid(time.Now()) {
		token := s.token.Token
		s.mu.Unlock()
		return token, nil
	}
	if !s.configured || s.agentKey == "" || s.tokenURL == "" {
		s.mu.Unlock()
		return "", domain.ErrAuthRequired
	}
	s.mu.Unlock()

	s.logger.Debug().Msg("Token missing or expired, regenerating")
	token, err := s.requestToken(ctx)
	if err != nil {
		kind, msg := classify(err)
		return "", domain.NewAuthError(kind, msg)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return token.Token, nil
}

// AuthHeaders returns the headers every authenticated call must carry.
// Callers must not proceed without them.
func (s *Service) AuthHeaders(ctx context.Context) (map[string]string, error) {
	token, err := s.Token(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"X-Token": token}, nil
}

// WidgetVisible reports whether the widget may render. Auth failures hide
// the widget entirely rather than showing a broken surface.
func (s *Service) WidgetVisible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.state.HasAuthError
}

// Snapshot returns the current auth state
func (s *Service) Snapshot() domain.AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetConfigNotAvailable transitions to the config-missing failure state,
// distinct from a credential failure. The orchestrator calls this when the
// remote configuration lookup reports not-found.
func (s *Service) SetConfigNotAvailable(message string) {
	s.setState(domain.AuthState{
		HasAuthError:  true,
		AuthErrorType: domain.AuthErrorConfigNotAvailable,
		ErrorMessage:  message,
	})
}

// Subscribe registers a listener for auth-state transitions. Listeners are
// notified synchronously in registration order. The returned subscription
// must be cancelled by its owner.
func (s *Service) Subscribe(fn func(domain.AuthState)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	sub := &Subscription{id: s.nextSubID, fn: fn, svc: s}
	s.subs = append(s.subs, sub)
	return sub
}

func (s *Service) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *Service) setState(state domain.AuthState) {
	s.mu.Lock()
	s.state = state
	subs := make([]*Subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.fn(state)
	}
}

// ValidateToken round-trips a token to the issuance service for
// diagnostics. Normal send/receive flow never calls this.
func (s *Service) ValidateToken(ctx context.Context, token, tokenDomain string) error {
	body, err := json.Marshal(validateRequest{Token: token, Domain: tokenDomain})
	if err != nil {
		return fmt.Errorf("failed to marshal validate request: %w", err)
	}

	resp, err := s.exec.Do(ctx, s.policy, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL+"/validate", bytes.NewReader(body))
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

func (s *Service) requestToken(ctx context.Context) (*domain.AuthToken, error) {
	s.mu.Lock()
	payload := tokenRequest{
		ClientID: s.clientID,
		AgentID:  s.agentID,
		AgentKey: s.agentKey,
		Domain:   s.origin,
	}
	tokenURL := s.tokenURL
	s.mu.Unlock()

	if tokenURL == "" {
		return nil, domain.ErrAuthRequired
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token request: %w", err)
	}

	resp, err := s.exec.Do(ctx, s.policy, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.HTTPError{StatusCode: resp.StatusCode}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if !tr.Success || tr.Token == "" {
		return nil, fmt.Errorf("%w: %s", errIssuanceRejected, tr.Error)
	}

	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &domain.AuthToken{
		Token:     tr.Token,
		TokenType: tokenType,
		ClientID:  tr.ClientID,
		AgentID:   tr.AgentID,
		Domain:    tr.Domain,
		ExpiresAt: time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// errIssuanceRejected marks a well-formed 200 reply whose body denies the
// credentials; without it the rejection would classify as a network error.
var errIssuanceRejected = errors.New("token issuance rejected")

// classify maps a token-request failure onto the auth error taxonomy
func classify(err error) (domain.AuthErrorType, string) {
	if errors.Is(err, errIssuanceRejected) {
		return domain.AuthErrorFailed, err.Error()
	}
	switch status := domain.StatusOf(err); {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusBadRequest:
		return domain.AuthErrorFailed, fmt.Sprintf("credentials rejected (status %d)", status)
	case status == http.StatusNotFound:
		return domain.AuthErrorConfigNotAvailable, "token service not found"
	case status >= 500:
		return domain.AuthErrorServer, fmt.Sprintf("token service error (status %d)", status)
	case status != 0:
		return domain.AuthErrorFailed, err.Error()
	default:
		return domain.AuthErrorNetwork, err.Error()
	}
}
