// Package transport defines the cloud delivery contract and routes entity
// types to the transport and breaker endpoint that serve them.
package transport

import (
	"context"
	"encoding/json"
)

// ResultStatus is the per-item outcome of a push.
type ResultStatus string

const (
	ResultSynced ResultStatus = "synced"
	ResultFailed ResultStatus = "failed"
)

// PushItem is one queued mutation sent to the cloud.
type PushItem struct {
	ID        string          `json:"id"`
	EntityID  string          `json:"entity_id"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
}

// PushResult is the cloud's verdict for one item.
type PushResult struct {
	ID         string       `json:"id"`
	Status     ResultStatus `json:"status"`
	CloudID    string       `json:"cloud_id,omitempty"`
	Error      string       `json:"error,omitempty"`
	StatusCode int          `json:"status_code,omitempty"`
}

// Transport delivers batches of one entity type. A returned error fails the
// whole batch; otherwise each item is judged by its PushResult. Items
// missing from the results are treated as failed.
type Transport interface {
	PushBatch(ctx context.Context, entityType string, items []PushItem) ([]PushResult, error)
	HealthCheck(ctx context.Context) bool
}
