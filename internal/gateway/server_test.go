// ABOUTME: Tests for the HTTP/WebSocket server front.
// ABOUTME: Exercises the join handshake and API surface over httptest.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/space-gateway/internal/capability"
	"github.com/2389/space-gateway/internal/config"
	"github.com/2389/space-gateway/internal/envelope"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = ":0"
	cfg.Space.Participants = []config.ParticipantConfig{
		{
			ID:    "alice",
			Token: "tok-alice",
			Capabilities: []capability.Spec{
				{Kind: "chat"},
				{Kind: "mcp/*"},
			},
		},
		{
			ID:           "bob",
			Token:        "tok-bob",
			Capabilities: []capability.Spec{{Kind: "chat"}},
		},
	}

	s, err := New(cfg, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { s.space.Close() })
	return s, srv
}

func wsURL(srv *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
}

func dialParticipant(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

// readKind reads envelopes until one of the wanted kind arrives.
func readKind(t *testing.T, conn *websocket.Conn, kind string) *envelope.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var e envelope.Envelope
		require.NoError(t, wsjson.Read(ctx, conn, &e))
		if e.Kind == kind {
			return &e
		}
	}
}

func TestServer_Health(t *testing.T) {
	_, srv := testServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ReadyTracksParticipants(t *testing.T) {
	_, srv := testServer(t)

	resp, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	conn := dialParticipant(t, srv, "tok-alice")
	readKind(t, conn, envelope.KindSystemWelcome)

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_JoinRequiresToken(t *testing.T) {
	_, srv := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(srv, "wrong-token"), nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestServer_JoinAndEcho(t *testing.T) {
	_, srv := testServer(t)

	conn := dialParticipant(t, srv, "tok-alice")

	welcome := readKind(t, conn, envelope.KindSystemWelcome)
	assert.Equal(t, "alice", welcome.Payload["participant"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := envelope.New("chat", map[string]any{"text": "hi"})
	require.NoError(t, wsjson.Write(ctx, conn, out))

	echo := readKind(t, conn, "chat")
	assert.Equal(t, "alice", echo.From)
	assert.Equal(t, "hi", echo.Payload["text"])
}

func TestServer_CapabilityViolationOverWire(t *testing.T) {
	_, srv := testServer(t)

	conn := dialParticipant(t, srv, "tok-bob")
	readKind(t, conn, envelope.KindSystemWelcome)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := envelope.New("mcp/request:tools/call", nil)
	require.NoError(t, wsjson.Write(ctx, conn, out))

	rej := readKind(t, conn, envelope.KindSystemError)
	require.NotNil(t, rej.ErrorDetail())
	assert.Equal(t, envelope.CodeUnauthorized, rej.ErrorDetail().Code)
}

func TestServer_ParticipantsEndpoint(t *testing.T) {
	_, srv := testServer(t)
	conn := dialParticipant(t, srv, "tok-alice")
	readKind(t, conn, envelope.KindSystemWelcome)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/participants", nil)
	req.Header.Set("Authorization", "Bearer tok-bob")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []ParticipantResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].ID)
	assert.Equal(t, "active", got[0].State)
}

func TestServer_ParticipantsUnauthorized(t *testing.T) {
	_, srv := testServer(t)

	resp, err := http.Get(srv.URL + "/api/participants")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_SendInjection(t *testing.T) {
	_, srv := testServer(t)
	conn := dialParticipant(t, srv, "tok-alice")
	readKind(t, conn, envelope.KindSystemWelcome)

	body, err := json.Marshal(envelope.New("chat", map[string]any{"text": "from http"}))
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/send", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-bob")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	got := readKind(t, conn, "chat")
	assert.Equal(t, "bob", got.From)
	assert.Equal(t, "from http", got.Payload["text"])
}

func TestServer_SendInjectionRejected(t *testing.T) {
	_, srv := testServer(t)

	body, err := json.Marshal(envelope.New("mcp/request:tools/call", nil))
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/send", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-bob")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var rej envelope.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rej))
	require.NotNil(t, rej.ErrorDetail())
	assert.Equal(t, envelope.CodeUnauthorized, rej.ErrorDetail().Code)
}

func TestServer_HistoryEndpoint(t *testing.T) {
	_, srv := testServer(t)
	conn := dialParticipant(t, srv, "tok-alice")
	readKind(t, conn, envelope.KindSystemWelcome)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, envelope.New("chat", map[string]any{"text": "logged"})))
	readKind(t, conn, "chat")

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/history?limit=50", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []*envelope.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))

	found := false
	for _, e := range got {
		if e.Kind == "chat" && e.From == "alice" {
			found = true
		}
	}
	assert.True(t, found, "submitted chat missing from history")
}
