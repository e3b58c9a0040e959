package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/lotterydesk/internal/db"
	"github.com/kimhsiao/lotterydesk/internal/models"
	"github.com/kimhsiao/lotterydesk/internal/sync"
	"github.com/kimhsiao/lotterydesk/internal/sync/breaker"
	"github.com/kimhsiao/lotterydesk/internal/sync/queue"
	"github.com/kimhsiao/lotterydesk/internal/sync/synclog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEngine struct {
	mu        stdsync.Mutex
	storeID   string
	busy      bool
	triggers  int
	cleanups  []int
	listeners []func(sync.Event)
	snapshot  sync.StatusSnapshot
}

func (f *fakeEngine) Status() sync.StatusSnapshot { return f.snapshot }

func (f *fakeEngine) TriggerSync(ctx context.Context) (bool, error) {
	return f.TriggerAsync(ctx), nil
}

func (f *fakeEngine) TriggerAsync(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return false
	}
	f.triggers++
	return true
}

func (f *fakeEngine) CleanupQueue(ctx context.Context, days int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, days)
	return 3, nil
}

func (f *fakeEngine) Subscribe(fn func(sync.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *fakeEngine) StoreID() string { return f.storeID }

func (f *fakeEngine) emit(ev sync.Event) {
	f.mu.Lock()
	listeners := f.listeners
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

type fixture struct {
	engine   *fakeEngine
	queue    *queue.Store
	logs     *synclog.Store
	breakers *breaker.Registry
	hub      *Hub
	router   *gin.Engine
}

func setup(t *testing.T, storeID string) *fixture {
	t.Helper()
	database, err := db.OpenAndMigrate("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{
		engine:   &fakeEngine{storeID: storeID},
		queue:    queue.NewStore(database),
		logs:     synclog.NewStore(database, time.Now),
		breakers: breaker.NewRegistry(breaker.DefaultConfig()),
		hub:      NewHub(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.hub.Run(ctx)

	f.router = NewServer(Deps{
		Engine:   f.engine,
		Queue:    f.queue,
		Logs:     f.logs,
		Breakers: f.breakers,
		Hub:      f.hub,
	}).Router()
	return f
}

func (f *fixture) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

// =====================================================
// REST Endpoint Tests
// =====================================================

func TestHealth(t *testing.T) {
	f := setup(t, "store-1")
	w, body := f.do(t, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestStatus_returnsSnapshot(t *testing.T) {
	f := setup(t, "store-1")
	f.engine.snapshot = sync.StatusSnapshot{
		IsStarted:        true,
		PendingCount:     4,
		IsOnline:         true,
		LastSyncStatus:   models.SyncLogPartial,
		LastErrorMessage: "cloud request failed",
	}

	w, body := f.do(t, http.MethodGet, "/api/sync/status")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(4), body["pending_count"])
	assert.Equal(t, "PARTIAL", body["last_sync_status"])
	assert.Equal(t, true, body["is_online"])
}

func TestStats(t *testing.T) {
	f := setup(t, "store-1")
	_, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		StoreID: "store-1", EntityType: "game", EntityID: "g1", Operation: "CREATE",
	})
	require.NoError(t, err)

	w, body := f.do(t, http.MethodGet, "/api/sync/stats")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["pending"])
}

func TestStats_noStore(t *testing.T) {
	f := setup(t, "")
	w, body := f.do(t, http.MethodGet, "/api/sync/stats")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "SYNC_NOT_CONFIGURED", errBody["code"])
}

func TestTrigger(t *testing.T) {
	f := setup(t, "store-1")

	w, body := f.do(t, http.MethodPost, "/api/sync/trigger")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "started", body["status"])
	assert.Equal(t, 1, f.engine.triggers)

	f.engine.busy = true
	w, body = f.do(t, http.MethodPost, "/api/sync/trigger")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SYNC_IN_PROGRESS", body["error"].(map[string]interface{})["code"])
}

func TestCleanup_passesDays(t *testing.T) {
	f := setup(t, "store-1")

	w, body := f.do(t, http.MethodPost, "/api/sync/cleanup?days=14")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), body["removed"])

	f.do(t, http.MethodPost, "/api/sync/cleanup?days=bogus")
	assert.Equal(t, []int{14, 0}, f.engine.cleanups)
}

func TestLogs_sanitizesErrors(t *testing.T) {
	f := setup(t, "store-1")
	ctx := context.Background()
	entry, err := f.logs.Open(ctx, "store-1")
	require.NoError(t, err)
	require.NoError(t, f.logs.Close(ctx, "store-1", entry.LogID.String(), models.SyncLogFailed, 1, 0, 1,
		"dial failed at /srv/app/cloud.go:42 token=abc123"))

	w, body := f.do(t, http.MethodGet, "/api/sync/logs?limit=5")
	assert.Equal(t, http.StatusOK, w.Code)
	logs := body["logs"].([]interface{})
	require.Len(t, logs, 1)
	msg := logs[0].(map[string]interface{})["error"].(string)
	assert.NotContains(t, msg, "/srv/app")
	assert.NotContains(t, msg, "abc123")
}

func TestDeadLetters_omitsPayload(t *testing.T) {
	f := setup(t, "store-1")
	ctx := context.Background()
	item, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		StoreID: "store-1", EntityType: "employee", EntityID: "e1", Operation: "CREATE",
		Payload: map[string]interface{}{"first_name": "Pat"},
	})
	require.NoError(t, err)
	require.NoError(t, f.queue.MarkDeadLettered(ctx, "store-1", item.ID.String(), models.DeadLetterStructural, "missing required fields: employee_id"))

	w, body := f.do(t, http.MethodGet, "/api/sync/dead-letters")
	assert.Equal(t, http.StatusOK, w.Code)
	items := body["items"].([]interface{})
	require.Len(t, items, 1)
	got := items[0].(map[string]interface{})
	assert.Equal(t, "STRUCTURAL_FAILURE", got["reason"])
	assert.NotContains(t, got, "payload")
}

func TestBreakers(t *testing.T) {
	f := setup(t, "store-1")
	f.breakers.Get("default").RecordFailure("connect to 10.0.0.1 password=hunter2", nil)

	w, body := f.do(t, http.MethodGet, "/api/sync/breakers")
	assert.Equal(t, http.StatusOK, w.Code)
	list := body["breakers"].([]interface{})
	require.Len(t, list, 1)
	reason := list[0].(map[string]interface{})["last_failure_reason"].(string)
	assert.NotContains(t, reason, "hunter2")
}

// =====================================================
// WebSocket Tests
// =====================================================

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_receivesEngineEvents(t *testing.T) {
	f := setup(t, "store-1")
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	conn := dial(t, srv)
	waitForClients(t, f.hub, 1)

	f.engine.emit(sync.Event{Type: sync.EventCompleted, At: time.Now(), Result: &sync.RunResult{Succeeded: 2}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "sync.completed", env.Type)
	data := env.Data.(map[string]interface{})
	assert.Equal(t, float64(2), data["result"].(map[string]interface{})["records_succeeded"])
}

func TestWebSocket_subscriptionFilters(t *testing.T) {
	f := setup(t, "store-1")
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	conn := dial(t, srv)
	waitForClients(t, f.hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "subscribe", "events": []string{"sync.failed"}}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	f.engine.emit(sync.Event{Type: sync.EventStarted, At: time.Now()})
	f.engine.emit(sync.Event{Type: sync.EventFailed, At: time.Now(), Error: "cloud unavailable"})

	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "sync.failed", env.Type)
}

func TestWebSocket_ping(t *testing.T) {
	f := setup(t, "store-1")
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	conn := dial(t, srv)
	waitForClients(t, f.hub, 1)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "pong", reply["action"])
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:8090", true},
		{"http://[::1]:8090", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, localOrigin(r), "origin %q", tt.origin)
	}
}
