// Package synclog records one row per orchestrated sync run.
package synclog

import (
	"context"
	"database/sql"
	"time"

	"github.com/kimhsiao/lotterydesk/internal/db"
	apperrors "github.com/kimhsiao/lotterydesk/internal/errors"
	"github.com/kimhsiao/lotterydesk/internal/logging"
	"github.com/kimhsiao/lotterydesk/internal/models"
	"github.com/kimhsiao/lotterydesk/internal/uuid"
)

// DefaultStaleAfter is how long a RUNNING entry may live before it is
// considered abandoned by a crashed process.
const DefaultStaleAfter = 30 * time.Minute

// reclaimedMessage is written on entries closed by ReclaimStale.
const reclaimedMessage = "sync run abandoned before completion"

// Store persists SyncLogEntry rows.
type Store struct {
	db  *db.DB
	now func() time.Time
}

// NewStore creates a Store. now may be nil for the wall clock.
func NewStore(database *db.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: database, now: now}
}

const entryColumns = `log_id, store_id, started_at, completed_at, status,
	records_sent, records_succeeded, records_failed, error_message`

// Open inserts a RUNNING entry for storeID.
func (s *Store) Open(ctx context.Context, storeID string) (*models.SyncLogEntry, error) {
	if storeID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "store_id is required")
	}
	entry := &models.SyncLogEntry{
		LogID:     models.UUID(uuid.NewOrdered()),
		StoreID:   storeID,
		StartedAt: models.FromMillis(models.Millis(s.now())),
		Status:    models.SyncLogRunning,
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO sync_log
		(log_id, store_id, started_at, status, records_sent, records_succeeded, records_failed)
		VALUES (?, ?, ?, ?, 0, 0, 0)`),
		entry.LogID, entry.StoreID, models.Millis(entry.StartedAt), string(entry.Status))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open sync log entry", err)
	}
	return entry, nil
}

// Close completes a RUNNING entry. Closing an entry that is already complete
// is a no-op.
func (s *Store) Close(ctx context.Context, storeID, logID string, status models.SyncLogStatus,
	sent, succeeded, failed int, errMsg string) error {
	var msg interface{}
	if errMsg != "" {
		msg = errMsg
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE sync_log
		SET status = ?, completed_at = ?, records_sent = ?, records_succeeded = ?,
			records_failed = ?, error_message = ?
		WHERE store_id = ? AND log_id = ? AND status = ?`),
		string(status), models.Millis(s.now()), sent, succeeded, failed, msg,
		storeID, logID, string(models.SyncLogRunning))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to close sync log entry", err)
	}
	return nil
}

// ReclaimStale marks RUNNING entries started more than olderThan ago as
// FAILED and returns how many were reclaimed.
func (s *Store) ReclaimStale(ctx context.Context, storeID string, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleAfter
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE sync_log
		SET status = ?, completed_at = ?, error_message = ?
		WHERE store_id = ? AND status = ? AND started_at < ?`),
		string(models.SyncLogFailed), models.Millis(now), reclaimedMessage,
		storeID, string(models.SyncLogRunning), models.Millis(now.Add(-olderThan)))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to reclaim stale sync runs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to reclaim stale sync runs", err)
	}
	if n > 0 {
		logging.Warn("reclaimed stale sync runs", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Latest returns the most recently started entry, or nil when none exist.
func (s *Store) Latest(ctx context.Context, storeID string) (*models.SyncLogEntry, error) {
	entries, err := s.Recent(ctx, storeID, 1)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, storeID string, limit int) ([]*models.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, s.db.Rebind(`SELECT `+entryColumns+` FROM sync_log
		WHERE store_id = ? ORDER BY started_at DESC, log_id DESC LIMIT ?`), storeID, limit)
}

// Running returns entries still marked RUNNING.
func (s *Store) Running(ctx context.Context, storeID string) ([]*models.SyncLogEntry, error) {
	return s.query(ctx, s.db.Rebind(`SELECT `+entryColumns+` FROM sync_log
		WHERE store_id = ? AND status = ? ORDER BY started_at ASC`), storeID, string(models.SyncLogRunning))
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*models.SyncLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query sync log", err)
	}
	defer rows.Close()

	var entries []*models.SyncLogEntry
	for rows.Next() {
		var (
			e          models.SyncLogEntry
			status     string
			started    int64
			completed  sql.NullInt64
			errMessage sql.NullString
		)
		if err := rows.Scan(&e.LogID, &e.StoreID, &started, &completed, &status,
			&e.RecordsSent, &e.RecordsSucceeded, &e.RecordsFailed, &errMessage); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan sync log entry", err)
		}
		e.Status = models.SyncLogStatus(status)
		e.StartedAt = models.FromMillis(started)
		if completed.Valid {
			t := models.FromMillis(completed.Int64)
			e.CompletedAt = &t
		}
		if errMessage.Valid {
			msg := errMessage.String
			e.ErrorMessage = &msg
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
