package stubserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/embedchat/widgetcore/internal/domain"
)

type tokenRequest struct {
	ClientID string `json:"client_id"`
	AgentID  string `json:"agent_id"`
	AgentKey string `json:"agent_key"`
	Domain   string `json:"domain"`
}

type validateRequest struct {
	Token  string `json:"token"`
	Domain string `json:"domain"`
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	MessageID string `json:"message_id"`
}

type chatResponse struct {
	Response    string       `json:"response"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

type resetRequest struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
}

type reactionRequest struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Reaction  string `json:"reaction"`
}

// handleIssueToken exchanges an agent key for a domain token
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agent := s.lookupAgent(req.ClientID, req.AgentID)
	if agent == nil || !s.checkKey(agent, req.AgentKey) {
		s.logger.Warn().Str("client_id", req.ClientID).Str("agent_id", req.AgentID).Msg("Token request rejected")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.tokens.Generate(req.ClientID, req.AgentID, req.Domain)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"token":      token,
		"client_id":  req.ClientID,
		"agent_id":   req.AgentID,
		"domain":     req.Domain,
		"expires_in": int64(s.tokens.TTL().Seconds()),
		"token_type": "Bearer",
	})
}

// handleValidateToken checks a previously issued token against a domain
func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claims, err := s.tokens.ValidateForDomain(req.Token, req.Domain)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"client_id": claims.ClientID,
		"agent_id":  claims.AgentID,
		"domain":    claims.Domain,
	})
}

// handleConfig serves the widget configuration for the token's agent
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	claims, ok := tokenClaims(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing token claims")
		return
	}

	agentID := r.URL.Query().Get("agent_id")
	if agentID != "" && agentID != claims.AgentID {
		writeError(w, http.StatusForbidden, "token not scoped to this agent")
		return
	}

	agent := s.lookupAgent(claims.ClientID, claims.AgentID)
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent configuration not found")
		return
	}

	if agent.WrapEnvelope {
		writeJSON(w, http.StatusOK, map[string]any{"client_config": agent.Config})
		return
	}
	writeJSON(w, http.StatusOK, agent.Config)
}

// handleChat answers a chat turn with a canned echo reply
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	claims, ok := tokenClaims(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing token claims")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || s.sessionRevoked(req.SessionID) {
		writeError(w, http.StatusBadRequest, "unknown or expired session")
		return
	}

	agent := s.lookupAgent(claims.ClientID, claims.AgentID)
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	s.logger.Debug().
		Str("session_id", req.SessionID).
		Str("message_id", req.MessageID).
		Msg("Chat turn")

	writeJSON(w, http.StatusOK, chatResponse{
		Response:    fmt.Sprintf("You said: %s", req.Message),
		ToolResults: agent.ToolResults,
	})
}

// handleReset ends a backend conversation. The session id is revoked so
// later chat calls against it fail the way a real backend would.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID != "" {
		s.InvalidateSession(req.SessionID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleReaction records a reaction for a message
func (s *Server) handleReaction(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reaction := domain.Reaction(req.Reaction)
	if !reaction.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid reaction %q", req.Reaction))
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}

	s.recordReaction(req.MessageID, reaction)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleStatus reports agent availability
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	agentID := r.URL.Query().Get("agent_id")
	if s.lookupAgent(clientID, agentID) == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"agent_id": agentID,
	})
}

// HealthCheck reports process liveness
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
