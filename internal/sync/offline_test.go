package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/lotterydesk/internal/db"
	"github.com/kimhsiao/lotterydesk/internal/models"
	"github.com/kimhsiao/lotterydesk/internal/sync/breaker"
	"github.com/kimhsiao/lotterydesk/internal/sync/queue"
	"github.com/kimhsiao/lotterydesk/internal/sync/scheduler"
	"github.com/kimhsiao/lotterydesk/internal/sync/synclog"
	"github.com/kimhsiao/lotterydesk/internal/sync/transport"
)

// fakeCloud accepts every item while up and answers 503 while down.
type fakeCloud struct {
	down   atomic.Bool
	pushes atomic.Int32
}

func (c *fakeCloud) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/health" {
		if c.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		return
	}
	c.pushes.Add(1)
	if c.down.Load() {
		http.Error(w, `{"message":"maintenance"}`, http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Items []transport.PushItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	results := make([]transport.PushResult, 0, len(req.Items))
	for _, item := range req.Items {
		results = append(results, transport.PushResult{ID: item.ID, Status: transport.ResultSynced, CloudID: "c-" + item.EntityID})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
}

// TestOffline_queueSurvivesOutage records mutations while the cloud is down,
// lets the breaker open, then drains the queue once the cloud is back.
func TestOffline_queueSurvivesOutage(t *testing.T) {
	ctx := context.Background()
	cloud := &fakeCloud{}
	cloud.down.Store(true)
	srv := httptest.NewServer(cloud)
	defer srv.Close()

	database, err := db.OpenAndMigrate("sqlite://:memory:")
	require.NoError(t, err)
	defer database.Close()

	clock := scheduler.NewManual(time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local))
	q := queue.NewStore(database, queue.WithNow(clock.Now))
	logs := synclog.NewStore(database, clock.Now)

	cloudTransport, err := transport.NewHTTPTransport(transport.HTTPOptions{BaseURL: srv.URL, StoreID: testStore})
	require.NoError(t, err)

	bc := breaker.DefaultConfig()
	bc.FailureThreshold = 2
	bc.SuccessThreshold = 1
	breakers := breaker.NewRegistry(bc, breaker.WithClock(clock))

	engine, err := NewEngine(Config{StoreID: testStore}, Deps{
		Queue:      q,
		Logs:       logs,
		Transports: transport.NewRegistry(cloudTransport),
		Breakers:   breakers,
		Scheduler:  clock,
		Clock:      clock,
	})
	require.NoError(t, err)
	defer engine.Stop()

	var ids []models.UUID
	for _, entityID := range []string{"g1", "g2", "g3"} {
		item, err := q.Enqueue(ctx, queue.EnqueueRequest{
			StoreID:    testStore,
			EntityType: "game",
			EntityID:   entityID,
			Operation:  "UPDATE",
			Payload:    map[string]interface{}{"id": entityID},
		})
		require.NoError(t, err)
		ids = append(ids, item.ID)
	}

	// Two failed pushes open the breaker.
	for i := 0; i < 2; i++ {
		_, err := engine.TriggerSync(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), cloud.pushes.Load())
	assert.Equal(t, breaker.StateOpen, breakers.Get(transport.DefaultEndpoint).State())

	status := engine.Status()
	assert.False(t, status.IsOnline)
	assert.Equal(t, 3, status.PendingCount)
	assert.Equal(t, 2, status.ConsecutiveFailures)

	// While open, runs do not reach the cloud or spend attempts.
	_, err = engine.TriggerSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), cloud.pushes.Load())
	for _, id := range ids {
		item, err := q.Get(ctx, testStore, id.String())
		require.NoError(t, err)
		assert.Equal(t, 2, item.SyncAttempts)
		assert.False(t, item.DeadLettered)
	}

	// Cloud recovers; after the reset timeout the trial push drains everything.
	cloud.down.Store(false)
	clock.Advance(bc.ResetTimeout)
	_, err = engine.TriggerSync(ctx)
	require.NoError(t, err)

	assert.Equal(t, breaker.StateClosed, breakers.Get(transport.DefaultEndpoint).State())
	for _, id := range ids {
		item, err := q.Get(ctx, testStore, id.String())
		require.NoError(t, err)
		assert.True(t, item.Synced)
		require.NotNil(t, item.CloudID)
	}

	status = engine.Status()
	assert.True(t, status.IsOnline)
	assert.Equal(t, 0, status.PendingCount)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Equal(t, models.SyncLogSuccess, status.LastSyncStatus)
}
