package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Operation is the kind of mutation recorded in the queue.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
	// OperationActivate is pack-specific: a pack moved into a bin.
	OperationActivate Operation = "ACTIVATE"
)

// ParseOperation normalizes a tag such as "update" into an Operation.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	if !op.IsValid() {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return op, nil
}

// IsValid reports whether op is a known operation tag.
func (op Operation) IsValid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete, OperationActivate:
		return true
	}
	return false
}

// DeadLetterReason records why a queue item was abandoned.
type DeadLetterReason string

const (
	DeadLetterStructural  DeadLetterReason = "STRUCTURAL_FAILURE"
	DeadLetterPermanent   DeadLetterReason = "PERMANENT_ERROR"
	DeadLetterConflict    DeadLetterReason = "CONFLICT_ERROR"
	DeadLetterMaxAttempts DeadLetterReason = "MAX_ATTEMPTS_EXCEEDED"
)

// DefaultMaxAttempts is applied when an item is enqueued without a budget.
const DefaultMaxAttempts = 5

// SyncQueueItem represents one pending or resolved mutation owned by a store.
type SyncQueueItem struct {
	ID               UUID              `db:"id" json:"id"`
	StoreID          string            `db:"store_id" json:"store_id"`
	EntityType       string            `db:"entity_type" json:"entity_type"`
	EntityID         string            `db:"entity_id" json:"entity_id"`
	Operation        Operation         `db:"operation" json:"operation"`
	Payload          json.RawMessage   `db:"payload" json:"payload"`
	Priority         int               `db:"priority" json:"priority"`
	Synced           bool              `db:"synced" json:"synced"`
	SyncAttempts     int               `db:"sync_attempts" json:"sync_attempts"`
	MaxAttempts      int               `db:"max_attempts" json:"max_attempts"`
	LastSyncError    *string           `db:"last_sync_error" json:"last_sync_error,omitempty"`
	LastAttemptAt    *time.Time        `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	DeadLettered     bool              `db:"dead_lettered" json:"dead_lettered"`
	DeadLetterReason *DeadLetterReason `db:"dead_letter_reason" json:"dead_letter_reason,omitempty"`
	DeadLetteredAt   *time.Time        `db:"dead_lettered_at" json:"dead_lettered_at,omitempty"`
	CloudID          *string           `db:"cloud_id" json:"cloud_id,omitempty"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
	SyncedAt         *time.Time        `db:"synced_at" json:"synced_at,omitempty"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}
