// Package queue provides unit tests for the sync queue store.
package queue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/lotterydesk/internal/db"
	apperrors "github.com/kimhsiao/lotterydesk/internal/errors"
	"github.com/kimhsiao/lotterydesk/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	database, err := db.OpenAndMigrate("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)}
	return NewStore(database, WithNow(clock.Now)), clock
}

func enqueue(t *testing.T, s *Store, storeID, entityType, entityID string, priority int) *models.SyncQueueItem {
	t.Helper()
	item, err := s.Enqueue(context.Background(), EnqueueRequest{
		StoreID:    storeID,
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  "CREATE",
		Payload:    map[string]interface{}{"id": entityID},
		Priority:   priority,
	})
	require.NoError(t, err)
	return item
}

// =====================================================
// Enqueue Tests
// =====================================================

func TestEnqueue(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	item, err := s.Enqueue(ctx, EnqueueRequest{
		StoreID:    "store-1",
		EntityType: "pack",
		EntityID:   "pack-1",
		Operation:  "create",
		Payload:    map[string]interface{}{"pack_id": "pack-1"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, models.OperationCreate, item.Operation)
	assert.Equal(t, models.DefaultMaxAttempts, item.MaxAttempts)

	stored, err := s.Get(ctx, "store-1", item.ID.String())
	require.NoError(t, err)
	assert.False(t, stored.Synced)
	assert.False(t, stored.DeadLettered)
	assert.Equal(t, 0, stored.SyncAttempts)
	assert.Nil(t, stored.SyncedAt)
	assert.JSONEq(t, `{"pack_id":"pack-1"}`, string(stored.Payload))
}

func TestEnqueue_validation(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     EnqueueRequest
		missing string
	}{
		{"no store", EnqueueRequest{EntityType: "pack", EntityID: "1", Operation: "CREATE"}, "store_id"},
		{"no entity type", EnqueueRequest{StoreID: "s", EntityID: "1", Operation: "CREATE"}, "entity_type"},
		{"no entity id", EnqueueRequest{StoreID: "s", EntityType: "pack", Operation: "CREATE"}, "entity_id"},
		{"no operation", EnqueueRequest{StoreID: "s", EntityType: "pack", EntityID: "1"}, "operation"},
		{"unknown operation", EnqueueRequest{StoreID: "s", EntityType: "pack", EntityID: "1", Operation: "UPSERT"}, ""},
		{"bad json payload", EnqueueRequest{StoreID: "s", EntityType: "pack", EntityID: "1", Operation: "CREATE", Payload: json.RawMessage(`{`)}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Enqueue(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "want VALIDATION_ERROR, got %v", err)
			if tt.missing != "" {
				assert.Contains(t, err.Error(), tt.missing)
			}
		})
	}

	count, err := s.GetPendingCount(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "rejected requests must not be stored")
}

// =====================================================
// Retrieval Tests
// =====================================================

func TestGetRetryableItems_ordering(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()

	low := enqueue(t, s, "store-1", "pack", "p-low", 5)
	clock.Advance(time.Second)
	first := enqueue(t, s, "store-1", "pack", "p-first", 0)
	// Same millisecond: insertion order must still hold.
	second := enqueue(t, s, "store-1", "shift", "s-second", 0)
	clock.Advance(time.Second)
	third := enqueue(t, s, "store-1", "employee", "e-third", 0)

	items, err := s.GetRetryableItems(ctx, "store-1", 10)
	require.NoError(t, err)
	require.Len(t, items, 4)

	got := []models.UUID{items[0].ID, items[1].ID, items[2].ID, items[3].ID}
	want := []models.UUID{first.ID, second.ID, third.ID, low.ID}
	assert.Equal(t, want, got)

	limited, err := s.GetRetryableItems(ctx, "store-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestGetRetryableItems_storeIsolation(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	mine := enqueue(t, s, "store-1", "pack", "p1", 0)
	other := enqueue(t, s, "store-2", "pack", "p2", 0)

	items, err := s.GetRetryableItems(ctx, "store-1", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, mine.ID, items[0].ID)

	// Mutations are scoped too.
	err = s.MarkSynced(ctx, "store-1", other.ID.String(), "")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	_, err = s.Get(ctx, "store-1", other.ID.String())
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestCleanupSynced_storeIsolation(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()

	mine := enqueue(t, s, "store-1", "pack", "p1", 0)
	require.NoError(t, s.MarkSynced(ctx, "store-1", mine.ID.String(), ""))
	other := enqueue(t, s, "store-2", "pack", "p2", 0)
	require.NoError(t, s.MarkSynced(ctx, "store-2", other.ID.String(), ""))
	clock.Advance(8 * 24 * time.Hour)

	removed, err := s.CleanupSynced(ctx, "store-1", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.Get(ctx, "store-2", other.ID.String())
	assert.NoError(t, err, "another store's rows survive cleanup")
}

func TestGetRetryableItems_excludesTerminal(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	synced := enqueue(t, s, "store-1", "pack", "p1", 0)
	dead := enqueue(t, s, "store-1", "pack", "p2", 0)
	pending := enqueue(t, s, "store-1", "pack", "p3", 0)

	require.NoError(t, s.MarkSynced(ctx, "store-1", synced.ID.String(), "cloud-1"))
	require.NoError(t, s.MarkDeadLettered(ctx, "store-1", dead.ID.String(), models.DeadLetterPermanent, "forbidden"))

	items, err := s.GetRetryableItems(ctx, "store-1", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, pending.ID, items[0].ID)
}

// =====================================================
// Mutation Tests
// =====================================================

func TestMarkSynced_idempotent(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()
	item := enqueue(t, s, "store-1", "pack", "p1", 0)

	require.NoError(t, s.MarkSynced(ctx, "store-1", item.ID.String(), "cloud-1"))
	first, err := s.Get(ctx, "store-1", item.ID.String())
	require.NoError(t, err)
	require.True(t, first.Synced)
	require.NotNil(t, first.SyncedAt)
	require.NotNil(t, first.CloudID)
	assert.Equal(t, "cloud-1", *first.CloudID)

	clock.Advance(time.Hour)
	require.NoError(t, s.MarkSynced(ctx, "store-1", item.ID.String(), "cloud-2"))
	second, err := s.Get(ctx, "store-1", item.ID.String())
	require.NoError(t, err)
	assert.True(t, second.Synced)
	assert.True(t, first.SyncedAt.Equal(*second.SyncedAt), "synced_at must not move on the second call")
	assert.Equal(t, "cloud-1", *second.CloudID)
}

func TestIncrementAttempts(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	item := enqueue(t, s, "store-1", "pack", "p1", 0)

	require.NoError(t, s.IncrementAttempts(ctx, "store-1", item.ID.String(), "timeout"))
	require.NoError(t, s.IncrementAttempts(ctx, "store-1", item.ID.String(), strings.Repeat("é", 1500)))

	got, err := s.Get(ctx, "store-1", item.ID.String())
	require.NoError(t, err)
	assert.Equal(t, 2, got.SyncAttempts)
	require.NotNil(t, got.LastSyncError)
	assert.Equal(t, MaxErrorLength, len([]rune(*got.LastSyncError)))
	assert.NotNil(t, got.LastAttemptAt)
}

func TestMarkDeadLettered_terminal(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	item := enqueue(t, s, "store-1", "pack", "p1", 0)

	require.NoError(t, s.MarkDeadLettered(ctx, "store-1", item.ID.String(), models.DeadLetterStructural, "missing bin_id"))
	// Later marks and attempts leave the first decision in place.
	require.NoError(t, s.MarkDeadLettered(ctx, "store-1", item.ID.String(), models.DeadLetterMaxAttempts, "other"))
	require.NoError(t, s.IncrementAttempts(ctx, "store-1", item.ID.String(), "late"))
	require.NoError(t, s.MarkSynced(ctx, "store-1", item.ID.String(), ""))

	got, err := s.Get(ctx, "store-1", item.ID.String())
	require.NoError(t, err)
	assert.True(t, got.DeadLettered)
	require.NotNil(t, got.DeadLetterReason)
	assert.Equal(t, models.DeadLetterStructural, *got.DeadLetterReason)
	assert.Equal(t, 0, got.SyncAttempts)
	assert.Equal(t, "missing bin_id", *got.LastSyncError)
	assert.NotNil(t, got.DeadLetteredAt)

	dead, err := s.GetDeadLettered(ctx, "store-1", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, item.ID, dead[0].ID)
}

func TestDeadLetterAttempt_countsFinalAttempt(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	item := enqueue(t, s, "store-1", "pack", "p1", 0)

	require.NoError(t, s.IncrementAttempts(ctx, "store-1", item.ID.String(), "timeout"))
	require.NoError(t, s.DeadLetterAttempt(ctx, "store-1", item.ID.String(), models.DeadLetterMaxAttempts, "still down"))
	// A second final attempt does not move the counter.
	require.NoError(t, s.DeadLetterAttempt(ctx, "store-1", item.ID.String(), models.DeadLetterPermanent, "other"))

	got, err := s.Get(ctx, "store-1", item.ID.String())
	require.NoError(t, err)
	assert.True(t, got.DeadLettered)
	assert.Equal(t, 2, got.SyncAttempts)
	assert.Equal(t, models.DeadLetterMaxAttempts, *got.DeadLetterReason)
	assert.Equal(t, "still down", *got.LastSyncError)
	require.NotNil(t, got.LastAttemptAt)
	require.NotNil(t, got.DeadLetteredAt)
	assert.True(t, got.LastAttemptAt.Equal(*got.DeadLetteredAt))

	assert.True(t, apperrors.Is(s.DeadLetterAttempt(ctx, "store-2", item.ID.String(), models.DeadLetterPermanent, "x"), apperrors.ErrNotFound))
}

func TestMutations_unknownItem(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	assert.True(t, apperrors.Is(s.MarkSynced(ctx, "store-1", "missing", ""), apperrors.ErrNotFound))
	assert.True(t, apperrors.Is(s.IncrementAttempts(ctx, "store-1", "missing", "x"), apperrors.ErrNotFound))
	assert.True(t, apperrors.Is(s.MarkDeadLettered(ctx, "store-1", "missing", models.DeadLetterPermanent, ""), apperrors.ErrNotFound))
}

// =====================================================
// Aggregate and Cleanup Tests
// =====================================================

func TestGetStats(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()

	oldest := enqueue(t, s, "store-1", "pack", "p1", 0)
	clock.Advance(time.Minute)
	failing := enqueue(t, s, "store-1", "pack", "p2", 0)
	synced := enqueue(t, s, "store-1", "pack", "p3", 0)
	dead := enqueue(t, s, "store-1", "pack", "p4", 0)
	enqueue(t, s, "store-2", "pack", "other", 0)

	require.NoError(t, s.IncrementAttempts(ctx, "store-1", failing.ID.String(), "503"))
	require.NoError(t, s.MarkSynced(ctx, "store-1", synced.ID.String(), ""))
	require.NoError(t, s.MarkDeadLettered(ctx, "store-1", dead.ID.String(), models.DeadLetterPermanent, ""))

	stats, err := s.GetStats(ctx, "store-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.SyncedToday)
	assert.Equal(t, 1, stats.DeadLettered)
	require.NotNil(t, stats.OldestPending)
	assert.True(t, oldest.CreatedAt.Equal(*stats.OldestPending))

	count, err := s.GetPendingCount(ctx, "store-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	empty, err := s.GetStats(ctx, "store-9")
	require.NoError(t, err)
	assert.Equal(t, Stats{}, *empty)
}

func TestCleanupSynced(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()

	old := enqueue(t, s, "store-1", "pack", "p1", 0)
	require.NoError(t, s.MarkSynced(ctx, "store-1", old.ID.String(), ""))
	pending := enqueue(t, s, "store-1", "pack", "p2", 0)

	clock.Advance(8 * 24 * time.Hour)
	recent := enqueue(t, s, "store-1", "pack", "p3", 0)
	require.NoError(t, s.MarkSynced(ctx, "store-1", recent.ID.String(), ""))

	removed, err := s.CleanupSynced(ctx, "store-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.Get(ctx, "store-1", old.ID.String())
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	_, err = s.Get(ctx, "store-1", pending.ID.String())
	assert.NoError(t, err, "unsynced items are never purged")
	_, err = s.Get(ctx, "store-1", recent.ID.String())
	assert.NoError(t, err)

	removed, err = s.CleanupSynced(ctx, "store-1", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}
