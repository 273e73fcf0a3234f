package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devwatch/internal/buildlog"
	"devwatch/internal/incremental"
	"devwatch/internal/journal"
	"devwatch/internal/models"
	"devwatch/internal/outputs"
	"devwatch/internal/watcher"
)

type stubExt struct {
	handle string
}

func (e stubExt) Handle() string    { return e.handle }
func (e stubExt) Incremental() bool { return false }
func (e stubExt) Build(ctx context.Context, opts models.BuildOptions, outDir string) error {
	return nil
}

type stubSession struct{}

func (stubSession) Rebuild(ctx context.Context) []string { return nil }
func (stubSession) Close() error                         { return nil }

type stubSource struct{}

func (stubSource) OnBatch(handler func(ctx context.Context, batch models.ReconciledBatch)) {}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store := outputs.NewStore(filepath.Join(t.TempDir(), "out"))
	registry := incremental.NewRegistry(func(ctx context.Context, ext models.Extension) (incremental.Session, error) {
		return stubSession{}, nil
	})
	dispatcher := watcher.NewDispatcher(registry, store, buildlog.NewSink(io.Discard), "")
	app := &models.App{Name: "storefront", Extensions: []models.Extension{stubExt{handle: "checkout"}}}
	session := watcher.NewSession(app, store, registry, dispatcher, stubSource{})

	jrnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jrnl.Close() })

	return NewServer(session, jrnl, "127.0.0.1:0")
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_started")
}

func TestExtensions(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/extensions", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		App        string          `json:"app"`
		Extensions []extensionInfo `json:"extensions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "storefront", body.App)
	require.Len(t, body.Extensions, 1)
	assert.Equal(t, "checkout", body.Extensions[0].Handle)
	assert.Equal(t, "checkout", filepath.Base(body.Extensions[0].OutputDir),
		"each extension reports its own output subdirectory")
}

func TestBuilds(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.journal.RecordBuilds(context.Background(), "batch_1",
		[]models.BuildResult{{Handle: "checkout"}}))

	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/builds?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "checkout")

	rec = httptest.NewRecorder()
	s.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/builds?limit=nope", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	conn := hub.NewConnection(nil)
	hub.Register(conn)

	hub.Broadcast([]byte(`{"type":"batch"}`))

	select {
	case msg := <-conn.Send:
		assert.Equal(t, `{"type":"batch"}`, string(msg))
	case <-time.After(time.Second):
		t.Fatal("Broadcast not delivered")
	}

	hub.Unregister(conn)
	require.Eventually(t, func() bool { return hub.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEventsWebSocketStream(t *testing.T) {
	s := newTestServer(t)
	go s.hub.Run()

	srv := httptest.NewServer(s.router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	// Wait for the subscriber to land in the hub before publishing.
	require.Eventually(t, func() bool { return s.hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	s.publish(batchMessage{
		Type:    "batch",
		BatchID: "batch_42",
		Path:    "/app/extensions/checkout/src/index.ts",
		Events:  []eventSummary{{Kind: models.ChangeUpdated, Handle: "checkout"}},
	})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var msg batchMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "batch", msg.Type)
	assert.Equal(t, "batch_42", msg.BatchID)
	require.Len(t, msg.Events, 1)
	assert.Equal(t, "checkout", msg.Events[0].Handle)
}
