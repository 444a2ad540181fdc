package domain

import "time"

// AuthErrorType classifies why authentication failed
type AuthErrorType string

const (
	AuthErrorFailed             AuthErrorType = "auth_failed"
	AuthErrorNetwork            AuthErrorType = "network_error"
	AuthErrorServer             AuthErrorType = "server_error"
	AuthErrorConfigNotAvailable AuthErrorType = "config_not_available"
)

// AuthToken is a short-lived bearer credential scoped to a
// (client, agent, origin domain) triple.
type AuthToken struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ClientID  string    `json:"client_id"`
	AgentID   string    `json:"agent_id"`
	Domain    string    `json:"domain"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the token exists and has not expired
func (t *AuthToken) Valid(now time.Time) bool {
	return t != nil && t.Token != "" && now.Before(t.ExpiresAt)
}

// AuthState is a snapshot of the auth service's state machine. It is owned
// exclusively by the auth service; consumers read it via Snapshot or a
// subscription and must not mutate it.
type AuthState struct {
	IsAuthenticated bool          `json:"is_authenticated"`
	IsInitializing  bool          `json:"is_initializing"`
	HasAuthError    bool          `json:"has_auth_error"`
	AuthErrorType   AuthErrorType `json:"auth_error_type,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
}
