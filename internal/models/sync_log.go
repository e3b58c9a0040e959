package models

import "time"

// SyncLogStatus is the outcome of one orchestrated run.
type SyncLogStatus string

const (
	SyncLogRunning SyncLogStatus = "RUNNING"
	SyncLogSuccess SyncLogStatus = "SUCCESS"
	SyncLogPartial SyncLogStatus = "PARTIAL"
	SyncLogFailed  SyncLogStatus = "FAILED"
)

// SyncLogEntry records one sync run for a store.
type SyncLogEntry struct {
	LogID            UUID          `db:"log_id" json:"log_id"`
	StoreID          string        `db:"store_id" json:"store_id"`
	StartedAt        time.Time     `db:"started_at" json:"started_at"`
	CompletedAt      *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	Status           SyncLogStatus `db:"status" json:"status"`
	RecordsSent      int           `db:"records_sent" json:"records_sent"`
	RecordsSucceeded int           `db:"records_succeeded" json:"records_succeeded"`
	RecordsFailed    int           `db:"records_failed" json:"records_failed"`
	ErrorMessage     *string       `db:"error_message" json:"error_message,omitempty"`
}

// TableName returns the table name for SyncLogEntry.
func (SyncLogEntry) TableName() string {
	return "sync_log"
}

// RunStatus derives a closing status from run totals: SUCCESS with no
// failures, FAILED when nothing succeeded, PARTIAL otherwise.
func RunStatus(succeeded, failed int) SyncLogStatus {
	switch {
	case failed == 0:
		return SyncLogSuccess
	case succeeded == 0:
		return SyncLogFailed
	default:
		return SyncLogPartial
	}
}
