package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAgent(t *testing.T, url string) *Agent {
	t.Helper()
	a, err := NewAgent(&Config{
		ControlPlaneURL:   url,
		InstanceID:        "test-instance",
		Provider:          "gpu_market",
		HeartbeatInterval: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return a
}

func TestSendHeartbeat_PostsStatusAndDecodesResponse(t *testing.T) {
	var received Heartbeat
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/agent/status", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(Response{Received: true, InstanceID: received.InstanceID, Action: "none"})
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL)
	err := a.sendHeartbeat(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "test-instance", received.InstanceID)
	assert.Equal(t, "running", received.Status)
}

func TestSendHeartbeat_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newTestAgent(t, srv.URL)
	err := a.sendHeartbeat(context.Background())
	assert.Error(t, err)
}

func TestHandleAction_ShutdownDrainsPromptlyOnCanceledContext(t *testing.T) {
	a := newTestAgent(t, "http://unused")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		a.handleAction(ctx, Response{Action: actionShutdown})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("gracefulDrain did not respect a canceled context")
	}
}

func TestHandleAction_PrepareHibernateDoesNotBlock(t *testing.T) {
	a := newTestAgent(t, "http://unused")
	a.handleAction(context.Background(), Response{Action: actionPrepareHibernate})
}

func TestCheckTerminationWarning_UnknownProviderIsFalse(t *testing.T) {
	a := newTestAgent(t, "http://unused")
	a.config.Provider = "unknown"
	assert.False(t, a.checkTerminationWarning(context.Background()))
}
