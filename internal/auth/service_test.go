package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/embedchat/widgetcore/internal/domain"
	"github.com/embedchat/widgetcore/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noRetry() *retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = 0
	p.Timeout = 5 * time.Second
	return &p
}

func tokenServer(t *testing.T, expiresIn int64) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req tokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.AgentKey != "good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(tokenResponse{
			Success:   true,
			Token:     "tok-" + req.ClientID,
			ClientID:  req.ClientID,
			AgentID:   req.AgentID,
			Domain:    req.Domain,
			ExpiresIn: expiresIn,
			TokenType: "Bearer",
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestService_InitializeSuccess(t *testing.T) {
	srv, _ := tokenServer(t, 3600)
	svc := NewService(retry.NewExecutor(nil), Options{
		TokenURL: srv.URL,
		Origin:   "localhost:3000",
		Policy:   noRetry(),
	})

	err := svc.Initialize(context.Background(), "c1", "a1", "good-key", "")
	require.NoError(t, err)

	state := svc.Snapshot()
	assert.True(t, state.IsAuthenticated)
	assert.False(t, state.HasAuthError)
	assert.True(t, svc.WidgetVisible())

	headers, err := svc.AuthHeaders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-c1", headers["X-Token"])
}

func TestService_InitializeBadKeyFailsClosed(t *testing.T) {
	srv, _ := tokenServer(t, 3600)
	svc := NewService(retry.NewExecutor(nil), Options{TokenURL: srv.URL, Policy: noRetry()})

	err := svc.Initialize(context.Background(), "c1", "a1", "bad-key", "")
	require.Error(t, err)
	assert.True(t, domain.IsAuthError(err))

	state := svc.Snapshot()
	assert.True(t, state.HasAuthError)
	assert.Equal(t, domain.AuthErrorFailed, state.AuthErrorType)
	assert.False(t, svc.WidgetVisible())
}

func TestService_InitializeBodyRejectionClassifiedAsAuthFailure(t *testing.T) {
	// A 200 whose body carries success=false is a credential rejection,
	// not a network problem.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{
			Success: false,
			Error:   "agent key revoked",
		})
	}))
	t.Cleanup(srv.Close)

	svc := NewService(retry.NewExecutor(nil), Options{TokenURL: srv.URL, Policy: noRetry()})
	err := svc.Initialize(context.Background(), "c1", "a1", "good-key", "")
	require.Error(t, err)
	assert.True(t, domain.IsAuthError(err))
	assert.Equal(t, domain.AuthErrorFailed, svc.Snapshot().AuthErrorType)
	assert.Contains(t, svc.Snapshot().ErrorMessage, "agent key revoked")
}

func TestService_InitializeNetworkErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	svc := NewService(retry.NewExecutor(nil), Options{TokenURL: srv.URL, Policy: noRetry()})
	err := svc.Initialize(context.Background(), "c1", "a1", "good-key", "")
	require.Error(t, err)
	assert.Equal(t, domain.AuthErrorNetwork, svc.Snapshot().AuthErrorType)
}

func TestService_InitializeServerErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	svc := NewService(retry.NewExecutor(nil), Options{TokenURL: srv.URL, Policy: noRetry()})
	err := svc.Initialize(context.Background(), "c1", "a1", "good-key", "")
	require.Error(t, err)
	assert.Equal(t, domain.AuthErrorServer, svc.Snapshot().AuthErrorType)
}

func TestService_TokenRegeneratesWhenExpired(t *testing.T) {
	srv, calls := tokenServer(t, 0) // tokens expire immediately
	svc := NewService(retry.NewExecutor(nil), Options{TokenURL: srv.URL, Policy: noRetry()})

	require.NoError(t, svc.Initialize(context.Background(), "c1", "a1", "good-key", ""))
	assert.Equal(t, int32(1), calls.Load())

	_, err := svc.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "expired token triggers regeneration")
}

func TestService_TokenWithoutConfigFails(t *testing.T) {
	svc := NewService(retry.NewExecutor(nil), Options{Policy: noRetry()})
	_, err := svc.Token(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuthRequired)
}

func TestService_ListenersNotifiedInOrder(t *testing.T) {
	srv, _ := tokenServer(t, 3600)
	svc := NewService(retry.NewExecutor(nil), Options{TokenURL: srv.URL, Policy: noRetry()})

	var order []string
	subA := svc.Subscribe(func(s domain.AuthState) { order = append(order, "a") })
	subB := svc.Subscribe(func(s domain.AuthState) { order = append(order, "b") })
	defer subA.Cancel()
	defer subB.Cancel()

	require.NoError(t, svc.Initialize(context.Background(), "c1", "a1", "good-key", ""))

	// Initializing then Authenticated, each in registration order
	assert.Equal(t, []string{"a", "b", "a", "b"}, order)
}

func TestService_CancelledListenerNotNotified(t *testing.T) {
	srv, _ := tokenServer(t, 3600)
	svc := NewService(retry.NewExecutor(nil), Options{TokenURL: srv.URL, Policy: noRetry()})

	var notified int
	sub := svc.Subscribe(func(s domain.AuthState) { notified++ })
	sub.Cancel()

	require.NoError(t, svc.Initialize(context.Background(), "c1", "a1", "good-key", ""))
	assert.Zero(t, notified)
}

func TestService_SetConfigNotAvailable(t *testing.T) {
	svc := NewService(retry.NewExecutor(nil), Options{Policy: noRetry()})

	var last domain.AuthState
	sub := svc.Subscribe(func(s domain.AuthState) { last = s })
	defer sub.Cancel()

	svc.SetConfigNotAvailable("agent configuration missing")
	assert.True(t, last.HasAuthError)
	assert.Equal(t, domain.AuthErrorConfigNotAvailable, last.AuthErrorType)
	assert.Equal(t, "agent configuration missing", last.ErrorMessage)
	assert.False(t, svc.WidgetVisible())
}

func TestOriginHost(t *testing.T) {
	assert.Equal(t, "localhost:3000", originHost("localhost:3000", false))
	assert.Equal(t, "widgets.example.com", originHost("widgets.example.com:443", true))
	assert.Equal(t, "widgets.example.com", originHost("widgets.example.com", true))
}
