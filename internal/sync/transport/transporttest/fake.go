// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/kimhsiao/lotterydesk/internal/sync/transport"
)

// Call records one PushBatch invocation.
type Call struct {
	EntityType string
	Items      []transport.PushItem
}

// Fake answers pushes from a per-item decision function. The zero value
// syncs everything.
type Fake struct {
	mu sync.Mutex

	// Decide returns the result for one item. nil means synced.
	Decide func(entityType string, item transport.PushItem) transport.PushResult
	// BatchErr, when set, fails every batch with the returned error.
	BatchErr func(entityType string, items []transport.PushItem) error
	// Healthy is returned by HealthCheck.
	Healthy bool
	// OnPush runs at the start of every PushBatch.
	OnPush func(entityType string)

	calls []Call
}

// New returns a healthy Fake that syncs everything.
func New() *Fake {
	return &Fake{Healthy: true}
}

// PushBatch records the call and applies Decide to each item.
func (f *Fake) PushBatch(ctx context.Context, entityType string, items []transport.PushItem) ([]transport.PushResult, error) {
	f.mu.Lock()
	copied := append([]transport.PushItem(nil), items...)
	f.calls = append(f.calls, Call{EntityType: entityType, Items: copied})
	decide, batchErr, onPush := f.Decide, f.BatchErr, f.OnPush
	f.mu.Unlock()

	if onPush != nil {
		onPush(entityType)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batchErr != nil {
		if err := batchErr(entityType, items); err != nil {
			return nil, err
		}
	}

	results := make([]transport.PushResult, 0, len(items))
	for _, item := range items {
		if decide == nil {
			results = append(results, Synced(item))
			continue
		}
		r := decide(entityType, item)
		if r.ID == "" {
			r.ID = item.ID
		}
		results = append(results, r)
	}
	return results, nil
}

// HealthCheck returns Healthy.
func (f *Fake) HealthCheck(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Healthy
}

// SetHealthy changes the HealthCheck answer.
func (f *Fake) SetHealthy(ok bool) {
	f.mu.Lock()
	f.Healthy = ok
	f.mu.Unlock()
}

// Calls returns every recorded push.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Pushed returns the ids of every item pushed, in order.
func (f *Fake) Pushed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, c := range f.calls {
		for _, item := range c.Items {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

// Synced is a successful result with a derived cloud id.
func Synced(item transport.PushItem) transport.PushResult {
	return transport.PushResult{ID: item.ID, Status: transport.ResultSynced, CloudID: fmt.Sprintf("cloud-%s", item.EntityID)}
}

// Failed is a failed result.
func Failed(item transport.PushItem, status int, msg string) transport.PushResult {
	return transport.PushResult{ID: item.ID, Status: transport.ResultFailed, Error: msg, StatusCode: status}
}
