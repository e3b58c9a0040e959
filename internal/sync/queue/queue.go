// Package queue provides the durable, store-scoped sync outbox.
//
// Every read and write carries a store_id predicate. Items are created by
// business collaborators through Enqueue and mutated only by the sync engine.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kimhsiao/lotterydesk/internal/db"
	apperrors "github.com/kimhsiao/lotterydesk/internal/errors"
	"github.com/kimhsiao/lotterydesk/internal/logging"
	"github.com/kimhsiao/lotterydesk/internal/models"
	"github.com/kimhsiao/lotterydesk/internal/uuid"
)

const (
	// DefaultBatchSize bounds GetRetryableItems when no limit is given.
	DefaultBatchSize = 100
	// DefaultRetentionDays is the synced-item retention window.
	DefaultRetentionDays = 7
	// MaxErrorLength caps stored error messages, in runes.
	MaxErrorLength = 1000
)

// Enqueuer is the single call business collaborators need.
type Enqueuer interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (*models.SyncQueueItem, error)
}

// EnqueueRequest describes a mutation to record.
type EnqueueRequest struct {
	StoreID    string
	EntityType string
	EntityID   string
	Operation  string
	// Payload is stored as JSON. json.RawMessage and []byte are stored as
	// given; anything else is marshalled. nil becomes {}.
	Payload     interface{}
	Priority    int
	MaxAttempts int
}

// Stats are read-only aggregates for one store.
type Stats struct {
	Pending       int        `json:"pending"`
	Failed        int        `json:"failed"`
	SyncedToday   int        `json:"synced_today"`
	DeadLettered  int        `json:"dead_lettered"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Store is the SQL-backed sync queue.
type Store struct {
	db  *db.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store over an already migrated database.
func NewStore(database *db.DB, opts ...Option) *Store {
	s := &Store{db: database, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const itemColumns = `id, store_id, entity_type, entity_id, operation, payload, priority,
	synced, sync_attempts, max_attempts, last_sync_error, last_attempt_at,
	dead_lettered, dead_letter_reason, dead_lettered_at, cloud_id, created_at, synced_at`

// Enqueue validates and inserts a new pending item.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*models.SyncQueueItem, error) {
	var missing []string
	if strings.TrimSpace(req.StoreID) == "" {
		missing = append(missing, "store_id")
	}
	if strings.TrimSpace(req.EntityType) == "" {
		missing = append(missing, "entity_type")
	}
	if strings.TrimSpace(req.EntityID) == "" {
		missing = append(missing, "entity_id")
	}
	if strings.TrimSpace(req.Operation) == "" {
		missing = append(missing, "operation")
	}
	if len(missing) > 0 {
		return nil, apperrors.Newf(apperrors.ErrValidation, "missing required fields: %s", strings.Join(missing, ", "))
	}

	op, err := models.ParseOperation(req.Operation)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid operation", err)
	}

	payload, err := encodePayload(req.Payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid payload", err)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}

	item := &models.SyncQueueItem{
		ID:          models.UUID(uuid.NewOrdered()),
		StoreID:     req.StoreID,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Operation:   op,
		Payload:     payload,
		Priority:    req.Priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   models.FromMillis(models.Millis(s.now())),
	}

	query := s.db.Rebind(`INSERT INTO sync_queue (id, store_id, entity_type, entity_id, operation,
		payload, priority, synced, sync_attempts, max_attempts, dead_lettered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, 0, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		item.ID, item.StoreID, item.EntityType, item.EntityID, string(item.Operation),
		string(item.Payload), item.Priority, item.MaxAttempts, models.Millis(item.CreatedAt))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue sync item", err)
	}

	logging.Debug("sync item enqueued", map[string]interface{}{
		"entity_type": item.EntityType,
		"operation":   string(item.Operation),
	})
	return item, nil
}

func encodePayload(p interface{}) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return v, nil
	case []byte:
		return encodePayload(json.RawMessage(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}

// GetRetryableItems returns pending, non-dead-lettered items in priority then
// creation order.
func (s *Store) GetRetryableItems(ctx context.Context, storeID string, limit int) ([]*models.SyncQueueItem, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	query := s.db.Rebind(`SELECT ` + itemColumns + ` FROM sync_queue
		WHERE store_id = ? AND synced = 0 AND dead_lettered = 0
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT ?`)
	return s.queryItems(ctx, query, storeID, limit)
}

// GetDeadLettered lists abandoned items, most recent first.
func (s *Store) GetDeadLettered(ctx context.Context, storeID string, limit int) ([]*models.SyncQueueItem, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	query := s.db.Rebind(`SELECT ` + itemColumns + ` FROM sync_queue
		WHERE store_id = ? AND dead_lettered = 1
		ORDER BY dead_lettered_at DESC, id DESC
		LIMIT ?`)
	return s.queryItems(ctx, query, storeID, limit)
}

// Get returns a single item owned by storeID.
func (s *Store) Get(ctx context.Context, storeID, id string) (*models.SyncQueueItem, error) {
	query := s.db.Rebind(`SELECT ` + itemColumns + ` FROM sync_queue WHERE store_id = ? AND id = ?`)
	item, err := scanItem(s.db.QueryRowContext(ctx, query, storeID, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "sync item %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load sync item", err)
	}
	return item, nil
}

// MarkSynced flags an item as delivered. A second call leaves synced_at
// unchanged.
func (s *Store) MarkSynced(ctx context.Context, storeID, id, cloudID string) error {
	return s.mutate(ctx, storeID, id, func(tx *sql.Tx) error {
		var cloud interface{}
		if cloudID != "" {
			cloud = cloudID
		}
		_, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE sync_queue
			SET synced = 1, synced_at = ?, cloud_id = COALESCE(?, cloud_id)
			WHERE store_id = ? AND id = ? AND synced = 0`),
			models.Millis(s.now()), cloud, storeID, id)
		return err
	})
}

// IncrementAttempts records a failed attempt.
func (s *Store) IncrementAttempts(ctx context.Context, storeID, id, errorMessage string) error {
	return s.mutate(ctx, storeID, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE sync_queue
			SET sync_attempts = sync_attempts + 1, last_sync_error = ?, last_attempt_at = ?
			WHERE store_id = ? AND id = ? AND synced = 0 AND dead_lettered = 0`),
			truncate(errorMessage), models.Millis(s.now()), storeID, id)
		return err
	})
}

// MarkDeadLettered abandons an item. The first reason recorded wins.
func (s *Store) MarkDeadLettered(ctx context.Context, storeID, id string, reason models.DeadLetterReason, errorMessage string) error {
	return s.mutate(ctx, storeID, id, func(tx *sql.Tx) error {
		var msg interface{}
		if errorMessage != "" {
			msg = truncate(errorMessage)
		}
		_, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE sync_queue
			SET dead_lettered = 1, dead_letter_reason = ?, dead_lettered_at = ?,
				last_sync_error = COALESCE(?, last_sync_error)
			WHERE store_id = ? AND id = ? AND synced = 0 AND dead_lettered = 0`),
			string(reason), models.Millis(s.now()), msg, storeID, id)
		return err
	})
}

// DeadLetterAttempt records a final failed attempt and abandons the item in
// one update.
func (s *Store) DeadLetterAttempt(ctx context.Context, storeID, id string, reason models.DeadLetterReason, errorMessage string) error {
	return s.mutate(ctx, storeID, id, func(tx *sql.Tx) error {
		now := models.Millis(s.now())
		_, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE sync_queue
			SET sync_attempts = sync_attempts + 1, last_sync_error = ?, last_attempt_at = ?,
				dead_lettered = 1, dead_letter_reason = ?, dead_lettered_at = ?
			WHERE store_id = ? AND id = ? AND synced = 0 AND dead_lettered = 0`),
			truncate(errorMessage), now, string(reason), now, storeID, id)
		return err
	})
}

// mutate runs fn in its own transaction after checking the item exists for
// the store.
func (s *Store) mutate(ctx context.Context, storeID, id string, fn func(tx *sql.Tx) error) error {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.db.Rebind(`SELECT 1 FROM sync_queue WHERE store_id = ? AND id = ?`),
			storeID, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return apperrors.Newf(apperrors.ErrNotFound, "sync item %s not found", id)
		}
		if err != nil {
			return err
		}
		return fn(tx)
	})
	if err == nil || apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrDatabase, "failed to update sync item", err)
}

// GetPendingCount counts retryable items.
func (s *Store) GetPendingCount(ctx context.Context, storeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM sync_queue
		WHERE store_id = ? AND synced = 0 AND dead_lettered = 0`), storeID).Scan(&n)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count pending items", err)
	}
	return n, nil
}

// GetStats returns queue aggregates for storeID. SyncedToday counts items
// synced since local midnight.
func (s *Store) GetStats(ctx context.Context, storeID string) (*Stats, error) {
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var (
		pending, failed, syncedToday, dead sql.NullInt64
		oldest                             sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT
			SUM(CASE WHEN synced = 0 AND dead_lettered = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN synced = 0 AND dead_lettered = 0 AND sync_attempts > 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN synced = 1 AND synced_at >= ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN dead_lettered = 1 THEN 1 ELSE 0 END),
			MIN(CASE WHEN synced = 0 AND dead_lettered = 0 THEN created_at END)
		FROM sync_queue WHERE store_id = ?`), models.Millis(midnight), storeID).
		Scan(&pending, &failed, &syncedToday, &dead, &oldest)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load queue stats", err)
	}

	stats := &Stats{
		Pending:      int(pending.Int64),
		Failed:       int(failed.Int64),
		SyncedToday:  int(syncedToday.Int64),
		DeadLettered: int(dead.Int64),
	}
	if oldest.Valid {
		t := models.FromMillis(oldest.Int64)
		stats.OldestPending = &t
	}
	return stats, nil
}

// CleanupSynced purges storeID's synced items older than retentionDays and
// returns the number removed. Retention <= 0 uses the default.
func (s *Store) CleanupSynced(ctx context.Context, storeID string, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sync_queue
		WHERE store_id = ? AND synced = 1 AND synced_at < ?`), storeID, models.Millis(cutoff))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to clean up synced items", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to clean up synced items", err)
	}
	if n > 0 {
		logging.Info("sync queue cleaned up", map[string]interface{}{
			"store_id":       storeID,
			"removed":        n,
			"retention_days": retentionDays,
		})
	}
	return n, nil
}

func (s *Store) queryItems(ctx context.Context, query string, args ...interface{}) ([]*models.SyncQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query sync items", err)
	}
	defer rows.Close()

	var items []*models.SyncQueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan sync item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate sync items", err)
	}
	return items, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row scanner) (*models.SyncQueueItem, error) {
	var (
		item                                   models.SyncQueueItem
		op, payload                            string
		lastErr, reason, cloudID               sql.NullString
		lastAttempt, deadAt, syncedAt, created sql.NullInt64
	)
	err := row.Scan(&item.ID, &item.StoreID, &item.EntityType, &item.EntityID, &op, &payload,
		&item.Priority, &item.Synced, &item.SyncAttempts, &item.MaxAttempts, &lastErr, &lastAttempt,
		&item.DeadLettered, &reason, &deadAt, &cloudID, &created, &syncedAt)
	if err != nil {
		return nil, err
	}

	item.Operation = models.Operation(op)
	item.Payload = json.RawMessage(payload)
	item.CreatedAt = models.FromMillis(created.Int64)
	item.LastSyncError = nullString(lastErr)
	item.CloudID = nullString(cloudID)
	item.LastAttemptAt = nullTime(lastAttempt)
	item.DeadLetteredAt = nullTime(deadAt)
	item.SyncedAt = nullTime(syncedAt)
	if reason.Valid {
		r := models.DeadLetterReason(reason.String)
		item.DeadLetterReason = &r
	}
	return &item, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := models.FromMillis(n.Int64)
	return &t
}

// truncate caps msg at MaxErrorLength runes.
func truncate(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}
	return string([]rune(msg)[:MaxErrorLength])
}
