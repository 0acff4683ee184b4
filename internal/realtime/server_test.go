package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/client"
	"chatlink/internal/protocol"
	"chatlink/internal/session"
	"chatlink/internal/watcher"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type mockPool struct {
	mu    sync.Mutex
	mocks []*client.Mock
}

func (p *mockPool) factory(opts client.Options, h client.EventHandler) (client.Client, error) {
	m := client.NewMock(opts, h)
	p.mu.Lock()
	p.mocks = append(p.mocks, m)
	p.mu.Unlock()
	return m, nil
}

func (p *mockPool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.mocks)
}

func (p *mockPool) latest() *client.Mock {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mocks[len(p.mocks)-1]
}

type fixture struct {
	srv     *Server
	mgr     *session.Manager
	pool    *mockPool
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := &mockPool{}

	mgr, err := session.NewManager(session.Config{
		SessionKey:  "test",
		DataDir:     t.TempDir(),
		Backoff:     session.Backoff{Initial: 200 * time.Millisecond, Max: time.Second},
		ExitTimeout: time.Second,
	}, session.Options{
		Factory:        pool.factory,
		Logger:         logger,
		ResolveBrowser: func(string) (string, bool) { return "", false },
	})
	require.NoError(t, err)

	srv := New(mgr, "", logger)
	srv.Start()
	mgr.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = mgr.Close(ctx)
		srv.Close()
	})

	f := &fixture{srv: srv, mgr: mgr, pool: pool, handler: srv.Handler()}
	require.Eventually(t, func() bool {
		return mgr.Status().State == session.StateAwaitingLogin
	}, waitFor, tick)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func (f *fixture) pair(t *testing.T) {
	t.Helper()
	f.pool.latest().Pair()
	require.True(t, f.mgr.IsReady())
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestServer_Status(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	st := decode[protocol.SessionStatusPayload](t, w)
	assert.Equal(t, "test", st.SessionKey)
	assert.Equal(t, "awaiting_login", st.State)
	assert.False(t, st.Authenticated)
	require.NotNil(t, st.LoginToken)
	assert.True(t, strings.HasPrefix(st.LoginToken.Token, "test@"))
	assert.True(t, strings.HasPrefix(st.LoginToken.Image, "data:image/png;base64,"))
}

func TestServer_LoginToken(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/session/qr", "")
	require.Equal(t, http.StatusOK, w.Code)
	tok := decode[protocol.LoginTokenPayload](t, w)
	assert.NotEmpty(t, tok.Token)

	w = f.do(t, http.MethodGet, "/api/session/qr.png?size=128", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	w = f.do(t, http.MethodGet, "/api/session/qr.png?size=5", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.pair(t)

	w = f.do(t, http.MethodGet, "/api/session/qr", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodGet, "/api/session/qr.png", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_OperationsNotReady(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/messages", `{"to":"bob","body":"hi"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, protocol.ErrNotReady, decode[protocol.ErrorPayload](t, w).Code)

	w = f.do(t, http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, protocol.ErrNotReady, decode[protocol.ErrorPayload](t, w).Code)
}

func TestServer_OperationsWhenReady(t *testing.T) {
	f := newFixture(t)
	f.pair(t)

	w := f.do(t, http.MethodPost, "/api/messages", `{"to":"bob","body":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	receipt := decode[client.Receipt](t, w)
	assert.Equal(t, "bob", receipt.To)
	assert.NotEmpty(t, receipt.ID)

	w = f.do(t, http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, w.Code)
	convs := decode[[]client.Conversation](t, w)
	require.Len(t, convs, 1)
	assert.Equal(t, "bob", convs[0].ID)
}

func TestServer_SendMessageBadRequest(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/messages", "invalid json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/messages", `{"to":"bob"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Connected(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/session/connected", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[map[string]bool](t, w)["connected"])

	f.pair(t)
	w = f.do(t, http.MethodGet, "/api/session/connected", "")
	assert.True(t, decode[map[string]bool](t, w)["connected"])
}

func TestServer_Restart(t *testing.T) {
	f := newFixture(t)
	f.pair(t)

	w := f.do(t, http.MethodPost, "/api/session/restart", `{"reason":"stuck"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, decode[protocol.RestartAcceptedPayload](t, w).Started)

	w = f.do(t, http.MethodPost, "/api/session/restart", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.False(t, decode[protocol.RestartAcceptedPayload](t, w).Started)

	require.Eventually(t, func() bool {
		return f.pool.count() == 2 && f.mgr.Status().State == session.StateAwaitingLogin
	}, waitFor, tick)
	assert.False(t, f.mgr.IsReady())
}

func TestServer_RestartBadBody(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/session/restart", "{")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1, f.pool.count())
}

func TestServer_Logout(t *testing.T) {
	f := newFixture(t)
	f.pair(t)

	w := f.do(t, http.MethodPost, "/api/session/logout", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, decode[protocol.RestartAcceptedPayload](t, w).Started)
	assert.False(t, f.mgr.IsReady())

	require.Eventually(t, func() bool { return f.pool.count() == 2 }, waitFor, tick)
}

func TestServer_History(t *testing.T) {
	f := newFixture(t)
	f.pair(t)

	w := f.do(t, http.MethodGet, "/api/session/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	changes := decode[[]changeResponse](t, w)
	require.NotEmpty(t, changes)
	assert.Equal(t, "ready", changes[len(changes)-1].To)
}

func TestServer_Artifacts(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/session/artifacts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[protocol.SessionArtifactsPayload](t, w).Present)

	dir := f.mgr.Artifacts().Dir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Default"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Default", "Cookies"), []byte("abc"), 0o644))

	w = f.do(t, http.MethodGet, "/api/session/artifacts", "")
	p := decode[protocol.SessionArtifactsPayload](t, w)
	assert.True(t, p.Present)
	assert.Equal(t, 1, p.FileCount)
	assert.Equal(t, int64(3), p.TotalBytes)
	require.Len(t, p.Tree, 1)
	assert.Equal(t, "Default", p.Tree[0].Name)

	w = f.do(t, http.MethodGet, "/api/session/artifacts?tree=false", "")
	assert.Empty(t, decode[protocol.SessionArtifactsPayload](t, w).Tree)
}

type fixedSnapshots watcher.Snapshot

func (s fixedSnapshots) Current() watcher.Snapshot { return watcher.Snapshot(s) }

func TestServer_ArtifactsFromWatcherSnapshot(t *testing.T) {
	f := newFixture(t)
	f.srv.UseSnapshots(fixedSnapshots{Present: true, FileCount: 5, TotalBytes: 10})

	w := f.do(t, http.MethodGet, "/api/session/artifacts?tree=false", "")
	require.Equal(t, http.StatusOK, w.Code)
	p := decode[protocol.SessionArtifactsPayload](t, w)
	assert.True(t, p.Present)
	assert.Equal(t, 5, p.FileCount)
	assert.Equal(t, int64(10), p.TotalBytes)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])

	w = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatlink_session_state")
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodOptions, "/api/messages", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_StaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>chatlink</h1>"), 0o644))

	f := newFixture(t)
	f.srv.staticDir = dir
	f.handler = f.srv.Handler()

	w := f.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatlink")
}

// WebSocket

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	var msg protocol.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil reads messages until one of msgType satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if msg.Type == msgType && (match == nil || match(msg.Payload)) {
			return msg.Payload
		}
	}
}

func sendWS(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := json.Marshal(map[string]any{"type": msgType, "payload": payload})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestWebSocket_StatusOnConnect(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	msg := readMessage(t, conn)
	require.Equal(t, protocol.TypeSessionStatus, msg.Type)
	var st protocol.SessionStatusPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &st))
	assert.Equal(t, "awaiting_login", st.State)
}

func TestWebSocket_PushesChanges(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)
	readMessage(t, conn)

	f.pool.latest().Pair()

	readUntil(t, conn, protocol.TypeSessionStatus, func(raw json.RawMessage) bool {
		var st protocol.SessionStatusPayload
		return json.Unmarshal(raw, &st) == nil && st.Ready && st.Authenticated
	})
}

func TestWebSocket_Commands(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)
	readMessage(t, conn)

	sendWS(t, conn, protocol.TypeSessionRequestStatus, nil)
	readUntil(t, conn, protocol.TypeSessionStatus, nil)

	sendWS(t, conn, protocol.TypeSessionRequestArtifacts, nil)
	raw := readUntil(t, conn, protocol.TypeSessionArtifacts, nil)
	var arts protocol.SessionArtifactsPayload
	require.NoError(t, json.Unmarshal(raw, &arts))
	assert.Equal(t, "test", arts.SessionKey)

	sendWS(t, conn, "session.create", map[string]any{})
	raw = readUntil(t, conn, protocol.TypeError, nil)
	var e protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(raw, &e))
	assert.Equal(t, protocol.ErrInvalidMessage, e.Code)

	sendWS(t, conn, protocol.TypeSessionRestart, map[string]any{"reason": "from ws"})
	raw = readUntil(t, conn, protocol.TypeRestartAccepted, nil)
	var accepted protocol.RestartAcceptedPayload
	require.NoError(t, json.Unmarshal(raw, &accepted))
	assert.True(t, accepted.Started)

	require.Eventually(t, func() bool { return f.pool.count() == 2 }, waitFor, tick)
}

func TestWebSocket_ArtifactBroadcast(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)
	readMessage(t, conn)

	f.srv.OnArtifactsUpdate(watcher.Snapshot{Present: true, FileCount: 7, TotalBytes: 42})

	raw := readUntil(t, conn, protocol.TypeSessionArtifacts, nil)
	var arts protocol.SessionArtifactsPayload
	require.NoError(t, json.Unmarshal(raw, &arts))
	assert.True(t, arts.Present)
	assert.Equal(t, 7, arts.FileCount)
}
