// Package sync orchestrates delivery of the store's sync queue to the cloud.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/lotterydesk/internal/models"
	"github.com/kimhsiao/lotterydesk/internal/sync/queue"
	"github.com/kimhsiao/lotterydesk/internal/sync/synclog"
)

// QueueStore is the part of the sync queue the engine drives.
type QueueStore interface {
	GetRetryableItems(ctx context.Context, storeID string, limit int) ([]*models.SyncQueueItem, error)
	MarkSynced(ctx context.Context, storeID, id, cloudID string) error
	IncrementAttempts(ctx context.Context, storeID, id, errorMessage string) error
	MarkDeadLettered(ctx context.Context, storeID, id string, reason models.DeadLetterReason, errorMessage string) error
	DeadLetterAttempt(ctx context.Context, storeID, id string, reason models.DeadLetterReason, errorMessage string) error
	GetPendingCount(ctx context.Context, storeID string) (int, error)
	CleanupSynced(ctx context.Context, storeID string, retentionDays int) (int64, error)
}

// LogStore records runs.
type LogStore interface {
	Open(ctx context.Context, storeID string) (*models.SyncLogEntry, error)
	Close(ctx context.Context, storeID, logID string, status models.SyncLogStatus, sent, succeeded, failed int, errMsg string) error
	ReclaimStale(ctx context.Context, storeID string, olderThan time.Duration) (int64, error)
}

// SyncEngineInterface is what status readers and operators use. It allows
// the HTTP layer and CLI to be tested without a database.
type SyncEngineInterface interface {
	// Status returns a sanitized snapshot.
	Status() StatusSnapshot

	// TriggerSync runs now and waits. It returns false when a run is
	// already in progress.
	TriggerSync(ctx context.Context) (bool, error)

	// TriggerAsync starts a run in the background. It returns false when a
	// run is already in progress.
	TriggerAsync(ctx context.Context) bool

	// CleanupQueue purges synced items older than retentionDays.
	CleanupQueue(ctx context.Context, retentionDays int) (int64, error)

	// Subscribe registers a listener for run events.
	Subscribe(fn func(Event))
}

var (
	_ QueueStore          = (*queue.Store)(nil)
	_ LogStore            = (*synclog.Store)(nil)
	_ SyncEngineInterface = (*Engine)(nil)
)
