package stubserver_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/embedchat/widgetcore/internal/domain"
	"github.com/embedchat/widgetcore/internal/security"
	"github.com/embedchat/widgetcore/internal/stubserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "stub-secret-at-least-32-bytes-long"

func newTestBackend(t *testing.T) (*stubserver.Server, *httptest.Server) {
	t.Helper()

	srv := stubserver.NewServer(testSecret, time.Hour)
	err := srv.RegisterAgent(stubserver.Agent{
		ClientID: "client-1",
		AgentID:  "agent-1",
		Config:   domain.RemoteConfig{BotName: "Stubby"},
	}, "good-key")
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func issueToken(t *testing.T, baseURL string) string {
	t.Helper()

	resp := postJSON(t, baseURL+"/api/v1/domain-token", map[string]string{
		"client_id": "client-1",
		"agent_id":  "agent-1",
		"agent_key": "good-key",
		"domain":    "example.com",
	}, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr struct {
		Success   bool   `json:"success"`
		Token     string `json:"token"`
		TokenType string `json:"token_type"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	require.True(t, tr.Success)
	require.NotEmpty(t, tr.Token)
	require.Equal(t, "Bearer", tr.TokenType)
	return tr.Token
}

func TestIssueToken_ValidKey(t *testing.T) {
	_, ts := newTestBackend(t)

	token := issueToken(t, ts.URL)

	claims, err := security.NewTokenManager(testSecret, time.Hour).ValidateForDomain(token, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "client-1", claims.ClientID)
	assert.Equal(t, "agent-1", claims.AgentID)
}

func TestIssueToken_WrongKey(t *testing.T) {
	_, ts := newTestBackend(t)

	resp := postJSON(t, ts.URL+"/api/v1/domain-token", map[string]string{
		"client_id": "client-1",
		"agent_id":  "agent-1",
		"agent_key": "wrong-key",
		"domain":    "example.com",
	}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIssueToken_UnknownAgent(t *testing.T) {
	_, ts := newTestBackend(t)

	resp := postJSON(t, ts.URL+"/api/v1/domain-token", map[string]string{
		"client_id": "client-1",
		"agent_id":  "nope",
		"agent_key": "good-key",
		"domain":    "example.com",
	}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestValidateToken(t *testing.T) {
	_, ts := newTestBackend(t)
	token := issueToken(t, ts.URL)

	resp := postJSON(t, ts.URL+"/api/v1/domain-token/validate", map[string]string{
		"token":  token,
		"domain": "example.com",
	}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/v1/domain-token/validate", map[string]string{
		"token":  token,
		"domain": "evil.com",
	}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConfig_RequiresToken(t *testing.T) {
	_, ts := newTestBackend(t)

	resp, err := http.Get(ts.URL + "/config?agent_id=agent-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConfig_ReturnsAgentConfig(t *testing.T) {
	_, ts := newTestBackend(t)
	token := issueToken(t, ts.URL)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/config?agent_id=agent-1", nil)
	require.NoError(t, err)
	req.Header.Set("X-Token", token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg domain.RemoteConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, "Stubby", cfg.BotName)
}

func TestConfig_Envelope(t *testing.T) {
	srv := stubserver.NewServer(testSecret, time.Hour)
	require.NoError(t, srv.RegisterAgent(stubserver.Agent{
		ClientID:     "client-1",
		AgentID:      "agent-1",
		Config:       domain.RemoteConfig{BotName: "Wrapped"},
		WrapEnvelope: true,
	}, "good-key"))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	token := issueToken(t, ts.URL)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/config", nil)
	require.NoError(t, err)
	req.Header.Set("X-Token", token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw bytes.Buffer
	_, err = raw.ReadFrom(resp.Body)
	require.NoError(t, err)
	cfg, err := domain.ParseRemoteConfig(raw.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "Wrapped", cfg.BotName)
}

func TestConfig_AgentMismatch(t *testing.T) {
	_, ts := newTestBackend(t)
	token := issueToken(t, ts.URL)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/config?agent_id=other-agent", nil)
	require.NoError(t, err)
	req.Header.Set("X-Token", token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestChat_EchoesMessage(t *testing.T) {
	_, ts := newTestBackend(t)
	token := issueToken(t, ts.URL)

	resp := postJSON(t, ts.URL+"/api/v1/agent/chat", map[string]string{
		"message":    "hello there",
		"session_id": "sess-abc",
		"agent_id":   "agent-1",
		"message_id": "msg-1",
	}, map[string]string{"X-Token": token})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cr struct {
		Response string `json:"response"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cr))
	assert.Equal(t, "You said: hello there", cr.Response)
}

func TestChat_ToolResults(t *testing.T) {
	srv := stubserver.NewServer(testSecret, time.Hour)
	require.NoError(t, srv.RegisterAgent(stubserver.Agent{
		ClientID: "client-1",
		AgentID:  "agent-1",
		Config:   domain.RemoteConfig{BotName: "Stubby"},
		ToolResults: []stubserver.ToolResult{
			{ToolName: "kb_search", Content: "Answer from the knowledge base."},
		},
	}, "good-key"))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	token := issueToken(t, ts.URL)
	resp := postJSON(t, ts.URL+"/api/v1/agent/chat", map[string]string{
		"message":    "question",
		"session_id": "sess-abc",
	}, map[string]string{"X-Token": token})
	defer resp.Body.Close()

	var cr struct {
		ToolResults []stubserver.ToolResult `json:"tool_results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cr))
	require.Len(t, cr.ToolResults, 1)
	assert.Equal(t, "Answer from the knowledge base.", cr.ToolResults[0].Content)
}

func TestChat_RevokedSession(t *testing.T) {
	srv, ts := newTestBackend(t)
	token := issueToken(t, ts.URL)

	srv.InvalidateSession("sess-dead")
	resp := postJSON(t, ts.URL+"/api/v1/agent/chat", map[string]string{
		"message":    "anyone home?",
		"session_id": "sess-dead",
	}, map[string]string{"X-Token": token})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReset_RevokesSession(t *testing.T) {
	_, ts := newTestBackend(t)
	token := issueToken(t, ts.URL)

	resp := postJSON(t, ts.URL+"/api/v1/agent/reset", map[string]string{
		"session_id": "sess-reset-me",
		"agent_id":   "agent-1",
	}, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/v1/agent/chat", map[string]string{
		"message":    "still there?",
		"session_id": "sess-reset-me",
	}, map[string]string{"X-Token": token})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReaction_Recorded(t *testing.T) {
	srv, ts := newTestBackend(t)

	resp := postJSON(t, ts.URL+"/api/v1/agent/chat/update-reaction", map[string]string{
		"session_id": "sess-abc",
		"message_id": "msg-42",
		"reaction":   "liked",
	}, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, ok := srv.Reaction("msg-42")
	require.True(t, ok)
	assert.Equal(t, domain.ReactionLiked, got)
}

func TestReaction_InvalidValue(t *testing.T) {
	_, ts := newTestBackend(t)

	resp := postJSON(t, ts.URL+"/api/v1/agent/chat/update-reaction", map[string]string{
		"session_id": "sess-abc",
		"message_id": "msg-42",
		"reaction":   "meh",
	}, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthFailure_Toggle(t *testing.T) {
	srv, ts := newTestBackend(t)
	token := issueToken(t, ts.URL)

	srv.SetAuthFailure(true)
	resp := postJSON(t, ts.URL+"/api/v1/agent/chat", map[string]string{
		"message":    "hello?",
		"session_id": "sess-abc",
	}, map[string]string{"X-Token": token})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	srv.SetAuthFailure(false)
	resp = postJSON(t, ts.URL+"/api/v1/agent/chat", map[string]string{
		"message":    "hello again",
		"session_id": "sess-abc",
	}, map[string]string{"X-Token": token})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	_, ts := newTestBackend(t)

	resp, err := http.Get(ts.URL + "/api/v1/agent/status?client_id=client-1&agent_id=agent-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/v1/agent/status?client_id=client-1&agent_id=missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
