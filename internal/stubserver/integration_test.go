package stubserver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/embedchat/widgetcore/internal/auth"
	"github.com/embedchat/widgetcore/internal/controller"
	"github.com/embedchat/widgetcore/internal/domain"
	"github.com/embedchat/widgetcore/internal/orchestrator"
	"github.com/embedchat/widgetcore/internal/retry"
	"github.com/embedchat/widgetcore/internal/storage"
	"github.com/embedchat/widgetcore/internal/storage/memory"
	"github.com/embedchat/widgetcore/internal/stubserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wires the real client stack (auth, retry, orchestrator, storage,
// controller) against the stub backend over HTTP.
func TestFullStack_ChatRoundTrip(t *testing.T) {
	srv := stubserver.NewServer(testSecret, time.Hour)
	require.NoError(t, srv.RegisterAgent(stubserver.Agent{
		ClientID: "client-1",
		AgentID:  "agent-1",
		Config:   domain.RemoteConfig{BotName: "Stubby"},
	}, "good-key"))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx := context.Background()
	exec := retry.NewExecutor(&http.Client{Timeout: 10 * time.Second})
	policy := retry.Policy{
		MaxRetries:    1,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
		Timeout:       5 * time.Second,
	}

	authSvc := auth.NewService(exec, auth.Options{
		TokenURL: ts.URL + "/api/v1/domain-token",
		Origin:   "example.com",
		Policy:   &policy,
	})
	require.NoError(t, authSvc.Initialize(ctx, "client-1", "agent-1", "good-key", ""))

	orch := orchestrator.NewService(orchestrator.Options{
		BaseURL:  ts.URL,
		ClientID: "client-1",
		AgentID:  "agent-1",
		Auth:     authSvc,
		Executor: exec,
		Policy:   &policy,
	})
	require.NoError(t, orch.Initialize(ctx))

	store := storage.NewService(memory.New())
	ctrl := controller.New(controller.Options{
		ClientID:     "client-1",
		AgentID:      "agent-1",
		Store:        store,
		Orchestrator: orch,
	})
	require.NoError(t, ctrl.Activate(ctx))

	botMsg, err := ctrl.SendMessage(ctx, "hello stub")
	require.NoError(t, err)
	assert.Equal(t, "You said: hello stub", botMsg.Text)

	msgs := ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.SenderUser, msgs[0].Sender)
	assert.Equal(t, "hello stub", msgs[0].Text)
	assert.Equal(t, domain.SenderBot, msgs[1].Sender)
	assert.Equal(t, "You said: hello stub", msgs[1].Text)

	// The transcript is persisted, not just held in memory
	stored, err := store.GetSession(ctx, ctrl.SessionID())
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 2)
}

// Reset-then-chat exercises the stale-session recovery path end to end:
// the first chat call after a server-side reset gets a 400, and the
// orchestrator retries once with a fresh backend session id.
func TestFullStack_RecoversFromServerReset(t *testing.T) {
	srv := stubserver.NewServer(testSecret, time.Hour)
	require.NoError(t, srv.RegisterAgent(stubserver.Agent{
		ClientID: "client-1",
		AgentID:  "agent-1",
		Config:   domain.RemoteConfig{BotName: "Stubby"},
	}, "good-key"))
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx := context.Background()
	exec := retry.NewExecutor(&http.Client{Timeout: 10 * time.Second})
	policy := retry.Policy{
		MaxRetries:    0,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
		Timeout:       5 * time.Second,
	}

	authSvc := auth.NewService(exec, auth.Options{
		TokenURL: ts.URL + "/api/v1/domain-token",
		Origin:   "example.com",
		Policy:   &policy,
	})
	require.NoError(t, authSvc.Initialize(ctx, "client-1", "agent-1", "good-key", ""))

	orch := orchestrator.NewService(orchestrator.Options{
		BaseURL:  ts.URL,
		ClientID: "client-1",
		AgentID:  "agent-1",
		Auth:     authSvc,
		Executor: exec,
		Policy:   &policy,
	})
	require.NoError(t, orch.Initialize(ctx))

	before := orch.BackendSessionID()
	require.NotEmpty(t, before)

	// Kill the conversation server-side without telling the client
	srv.InvalidateSession(before)

	reply, err := orch.SendMessage(ctx, "are you still there?", "")
	require.NoError(t, err)
	assert.Equal(t, "You said: are you still there?", reply)
	assert.NotEqual(t, before, orch.BackendSessionID())

	// Server-side token revocation surfaces as an auth failure, not a
	// retried session, and drops the cached configuration.
	srv.SetAuthFailure(true)
	_, err = orch.SendMessage(ctx, "one more", "")
	require.Error(t, err)
	assert.True(t, domain.IsAuthError(err))
	assert.False(t, orch.IsInitialized())
}
