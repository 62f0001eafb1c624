package diag

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/camerarecorder/multicam-hal/internal/config"
	"github.com/camerarecorder/multicam-hal/internal/hal"
)

// freeAddr reserves an ephemeral port long enough to learn its address,
// then releases it for the diagnostics server to bind.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startTestServer(t *testing.T) (*Server, string, string) {
	t.Helper()
	hub := NewHub(nil)
	hub.RegisterSessionStatus(func() interface{} {
		return []map[string]string{{"camera": "0"}}
	})

	cfg := config.DiagConfig{Enabled: true, ListenAddr: "127.0.0.1:0", JWTSecret: "test-secret"}
	srv, err := NewServer(cfg, hub, nil)
	require.NoError(t, err)

	srv.cfg.ListenAddr = freeAddr(t)

	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	// Give the background ListenAndServe goroutine a moment to bind.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + srv.cfg.ListenAddr + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("diag server never became reachable: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	token, err := srv.validator.IssueToken("test", time.Hour)
	require.NoError(t, err)
	return srv, srv.cfg.ListenAddr, token
}

func TestServer_HealthzRequiresNoAuth(t *testing.T) {
	_, addr, _ := startTestServer(t)
	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_SessionsRequiresBearerToken(t *testing.T) {
	_, addr, token := startTestServer(t)

	resp, err := http.Get("http://" + addr + "/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	var sessions []map[string]string
	require.NoError(t, json.Unmarshal(body, &sessions))
	require.Equal(t, "0", sessions[0]["camera"])
}

func TestServer_WebSocketTeesNotifyAndResult(t *testing.T) {
	srv, addr, token := startTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server goroutines a moment to register the client before
	// broadcasting, since addClient happens after the upgrade handshake
	// completes but the client-side Dial returns as soon as the handshake
	// response is read.
	time.Sleep(20 * time.Millisecond)

	srv.Hub().Notify(hal.NotifyMessage{Kind: hal.NotifyShutter, FrameNumber: 7})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, string(envelopeNotify), string(env.Kind))
}

func TestServer_DisabledIsNoOp(t *testing.T) {
	srv, err := NewServer(config.DiagConfig{Enabled: false}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop())
}
