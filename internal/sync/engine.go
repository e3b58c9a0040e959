package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/lotterydesk/internal/errors"
	"github.com/kimhsiao/lotterydesk/internal/logging"
	"github.com/kimhsiao/lotterydesk/internal/models"
	"github.com/kimhsiao/lotterydesk/internal/sync/breaker"
	"github.com/kimhsiao/lotterydesk/internal/sync/classifier"
	"github.com/kimhsiao/lotterydesk/internal/sync/scheduler"
	"github.com/kimhsiao/lotterydesk/internal/sync/transport"
	"github.com/kimhsiao/lotterydesk/internal/sync/validate"
)

const (
	MinInterval     = 10 * time.Second
	MaxInterval     = 300 * time.Second
	DefaultInterval = 60 * time.Second

	DefaultBatchSize     = 100
	DefaultConcurrency   = 4
	DefaultStaleAfter    = 30 * time.Minute
	DefaultRetentionDays = 7
	DefaultRunTimeout    = 5 * time.Minute

	// MaxBackoff caps how long scheduled runs pause for cloud backoff hints.
	MaxBackoff = time.Hour
)

// Config holds engine tuning.
type Config struct {
	StoreID       string
	BatchSize     int
	Concurrency   int
	StaleAfter    time.Duration
	RetentionDays int
	RunTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	return c
}

// Deps are the engine's collaborators.
type Deps struct {
	Queue      QueueStore
	Logs       LogStore
	Transports *transport.Registry
	Breakers   *breaker.Registry
	// Scheduler defaults to a real-time ticker.
	Scheduler scheduler.Scheduler
	// Clock defaults to the wall clock.
	Clock scheduler.Clock
}

// RunResult summarizes one run.
type RunResult struct {
	LogID        string               `json:"-"`
	Status       models.SyncLogStatus `json:"status"`
	Sent         int                  `json:"records_sent"`
	Succeeded    int                  `json:"records_succeeded"`
	Failed       int                  `json:"records_failed"`
	DeadLettered int                  `json:"dead_lettered"`
	Rejected     int                  `json:"rejected"`
	StartedAt    time.Time            `json:"started_at"`
	Duration     time.Duration        `json:"duration"`
}

// StatusSnapshot is the read-only view exposed to the UI.
type StatusSnapshot struct {
	IsRunning           bool                 `json:"is_running"`
	IsStarted           bool                 `json:"is_started"`
	LastSyncAt          *time.Time           `json:"last_sync_at,omitempty"`
	LastSyncStatus      models.SyncLogStatus `json:"last_sync_status,omitempty"`
	PendingCount        int                  `json:"pending_count"`
	NextSyncIn          time.Duration        `json:"next_sync_in"`
	IsOnline            bool                 `json:"is_online"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	LastErrorMessage    string               `json:"last_error_message,omitempty"`
	LastErrorAt         *time.Time           `json:"last_error_at,omitempty"`
	BackoffUntil        *time.Time           `json:"backoff_until,omitempty"`
}

// Engine runs the sync queue against the cloud transports on a schedule.
// It is the sole writer of queue and log rows; Status may be called from any
// goroutine.
type Engine struct {
	cfg        Config
	queue      QueueStore
	logs       LogStore
	transports *transport.Registry
	breakers   *breaker.Registry
	sched      scheduler.Scheduler
	clock      scheduler.Clock

	mu                  stdsync.RWMutex
	storeID             string
	started             bool
	running             bool
	handle              scheduler.Handle
	interval            time.Duration
	lastSyncAt          *time.Time
	lastSyncStatus      models.SyncLogStatus
	pendingCount        int
	transportOK         bool
	consecutiveFailures int
	lastErrorMessage    string
	lastErrorAt         *time.Time
	backoffUntil        time.Time
	listeners           []func(Event)

	wg stdsync.WaitGroup
}

// NewEngine validates deps and builds an idle engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Queue == nil || deps.Logs == nil {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "queue and log stores are required")
	}
	if deps.Transports == nil {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "transport registry is required")
	}
	if err := deps.Transports.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "invalid transport registry", err)
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.NewTicker()
	}
	if deps.Clock == nil {
		deps.Clock = scheduler.System{}
	}

	cfg = cfg.withDefaults()
	return &Engine{
		cfg:         cfg,
		queue:       deps.Queue,
		logs:        deps.Logs,
		transports:  deps.Transports,
		breakers:    deps.Breakers,
		sched:       deps.Scheduler,
		clock:       deps.Clock,
		storeID:     cfg.StoreID,
		transportOK: true,
	}, nil
}

// ClampInterval bounds interval to [MinInterval, MaxInterval]. Zero means
// DefaultInterval.
func ClampInterval(interval time.Duration) time.Duration {
	switch {
	case interval == 0:
		return DefaultInterval
	case interval < MinInterval:
		return MinInterval
	case interval > MaxInterval:
		return MaxInterval
	}
	return interval
}

// Start schedules repeating runs every interval (clamped) and performs one
// run immediately. Starting twice is a no-op.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	interval = ClampInterval(interval)

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		logging.Warn("sync engine already started", nil)
		return
	}
	e.started = true
	e.interval = interval
	storeID := e.storeID
	e.mu.Unlock()

	if storeID != "" {
		e.reclaim(ctx, storeID)
		e.refreshPending(ctx, storeID)
	}

	handle := e.sched.Every(interval, func() { e.tick(ctx) })
	e.mu.Lock()
	e.handle = handle
	e.mu.Unlock()

	logging.Info("sync engine started", map[string]interface{}{
		"interval_seconds": interval.Seconds(),
	})

	e.tick(ctx)
}

// Stop cancels future runs. A run in progress completes.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	handle := e.handle
	e.handle = nil
	e.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}
	logging.Info("sync engine stopped", nil)
}

// Wait blocks until background runs started by TriggerAsync finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// SetStoreID configures the store to sync, e.g. after login.
func (e *Engine) SetStoreID(ctx context.Context, storeID string) {
	e.mu.Lock()
	changed := e.storeID != storeID
	e.storeID = storeID
	started := e.started
	e.mu.Unlock()

	if changed && started && storeID != "" {
		e.reclaim(ctx, storeID)
		e.refreshPending(ctx, storeID)
	}
}

// StoreID returns the configured store, or "".
func (e *Engine) StoreID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.storeID
}

// Subscribe registers fn for run events. Listeners run on the engine's
// goroutine and must not block.
func (e *Engine) Subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// tick is the scheduled entry point. Unlike TriggerSync it honours cloud
// backoff.
func (e *Engine) tick(ctx context.Context) {
	e.mu.RLock()
	until := e.backoffUntil
	e.mu.RUnlock()
	if e.clock.Now().Before(until) {
		logging.Debug("scheduled sync deferred by cloud backoff", map[string]interface{}{
			"resume_at": until.Format(time.RFC3339),
		})
		return
	}
	if _, err := e.TriggerSync(ctx); err != nil && !apperrors.Is(err, apperrors.ErrSyncNotConfigured) {
		logging.ErrorWithCode("scheduled sync failed", string(apperrors.CodeOf(err)), err, nil)
	}
}

// TriggerSync runs now and waits for the result. It returns (false, nil)
// when a run is already in progress and ErrSyncNotConfigured when no store
// is set; neither case touches the queue or the log.
func (e *Engine) TriggerSync(ctx context.Context) (bool, error) {
	storeID, ok, err := e.acquire()
	if !ok || err != nil {
		return false, err
	}
	defer e.release()

	_, err = e.run(ctx, storeID)
	return true, err
}

// TriggerAsync starts a run in the background.
func (e *Engine) TriggerAsync(ctx context.Context) bool {
	storeID, ok, err := e.acquire()
	if !ok || err != nil {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release()
		if _, err := e.run(context.WithoutCancel(ctx), storeID); err != nil {
			logging.ErrorWithCode("manual sync failed", string(apperrors.CodeOf(err)), err, nil)
		}
	}()
	return true
}

// acquire sets the single-flight flag.
func (e *Engine) acquire() (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.storeID == "" {
		logging.Debug("sync skipped: no store configured", nil)
		return "", false, apperrors.New(apperrors.ErrSyncNotConfigured, "no store configured")
	}
	if e.running {
		logging.Debug("sync already in progress, skipping", nil)
		return "", false, nil
	}
	e.running = true
	return e.storeID, true, nil
}

func (e *Engine) release() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// CleanupQueue purges the current store's synced items older than
// retentionDays (<= 0 uses the configured retention).
func (e *Engine) CleanupQueue(ctx context.Context, retentionDays int) (int64, error) {
	storeID := e.StoreID()
	if storeID == "" {
		return 0, apperrors.New(apperrors.ErrSyncNotConfigured, "no store configured")
	}
	if retentionDays <= 0 {
		retentionDays = e.cfg.RetentionDays
	}
	return e.queue.CleanupSynced(ctx, storeID, retentionDays)
}

// Status returns a snapshot safe to show to users.
func (e *Engine) Status() StatusSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := StatusSnapshot{
		IsRunning:           e.running,
		IsStarted:           e.started,
		LastSyncStatus:      e.lastSyncStatus,
		PendingCount:        e.pendingCount,
		IsOnline:            e.transportOK && !e.breakers.AnyOpen(),
		ConsecutiveFailures: e.consecutiveFailures,
		LastErrorMessage:    e.lastErrorMessage,
	}
	if e.lastSyncAt != nil {
		t := *e.lastSyncAt
		s.LastSyncAt = &t
	}
	if e.lastErrorAt != nil {
		t := *e.lastErrorAt
		s.LastErrorAt = &t
	}
	if e.backoffUntil.After(e.clock.Now()) {
		t := e.backoffUntil
		s.BackoffUntil = &t
	}
	if e.started && e.handle != nil {
		if next := e.handle.Next(); !next.IsZero() {
			if d := next.Sub(e.clock.Now()); d > 0 {
				s.NextSyncIn = d
			}
		}
	}
	return s
}

func (e *Engine) reclaim(ctx context.Context, storeID string) {
	if _, err := e.logs.ReclaimStale(ctx, storeID, e.cfg.StaleAfter); err != nil {
		logging.Error("failed to reclaim stale sync runs", err, nil)
	}
}

func (e *Engine) refreshPending(ctx context.Context, storeID string) {
	n, err := e.queue.GetPendingCount(ctx, storeID)
	if err != nil {
		logging.Error("failed to count pending sync items", err, nil)
		return
	}
	e.mu.Lock()
	e.pendingCount = n
	e.mu.Unlock()
}

func (e *Engine) emit(ev Event) {
	e.mu.RLock()
	listeners := make([]func(Event), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// totals accumulates per-item outcomes across groups.
type totals struct {
	mu           stdsync.Mutex
	sent         int
	succeeded    int
	failed       int
	deadLettered int
	rejected     int
	pushed       bool
	pushFailed   bool
	lastError    string
	// extended and retryAt carry the strongest backoff hint seen.
	extended bool
	retryAt  time.Time
}

func (t *totals) add(fn func(t *totals)) {
	t.mu.Lock()
	fn(t)
	t.mu.Unlock()
}

// run performs one orchestrated pass for storeID. The caller holds the
// single-flight flag.
func (e *Engine) run(ctx context.Context, storeID string) (result *RunResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout)
	defer cancel()

	started := e.clock.Now()
	e.emit(Event{Type: EventStarted, At: started})

	entry, err := e.logs.Open(ctx, storeID)
	if err != nil {
		e.finishFailed(err)
		return nil, err
	}

	result = &RunResult{LogID: entry.LogID.String(), StartedAt: started}
	t := &totals{}

	defer func() {
		if p := recover(); p != nil {
			err = apperrors.Wrap(apperrors.ErrSyncFailed, "sync run aborted", fmt.Errorf("panic: %v", p))
		}
		result.Sent, result.Succeeded, result.Failed = t.sent, t.succeeded, t.failed
		result.DeadLettered, result.Rejected = t.deadLettered, t.rejected
		result.Duration = e.clock.Now().Sub(started)

		closeCtx := context.WithoutCancel(ctx)
		if err != nil {
			result.Status = models.SyncLogFailed
			msg := apperrors.Sanitize(err)
			if cerr := e.logs.Close(closeCtx, storeID, result.LogID, result.Status, t.sent, t.succeeded, t.failed, msg); cerr != nil {
				logging.Error("failed to close sync log entry", cerr, nil)
			}
			logging.ErrorWithCode("sync run failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{
				"log_id": result.LogID,
			})
			e.finishFailed(err)
			e.refreshPending(closeCtx, storeID)
			return
		}

		result.Status = models.RunStatus(t.succeeded, t.failed)
		var msg string
		if t.failed > 0 {
			msg = apperrors.SanitizeMessage(t.lastError)
		}
		if cerr := e.logs.Close(closeCtx, storeID, result.LogID, result.Status, t.sent, t.succeeded, t.failed, msg); cerr != nil {
			logging.Error("failed to close sync log entry", cerr, nil)
		}
		e.refreshPending(closeCtx, storeID)
		e.finishRun(result, t, msg)
	}()

	items, err := e.queue.GetRetryableItems(ctx, storeID, e.cfg.BatchSize)
	if err != nil {
		return result, err
	}

	if len(items) == 0 {
		e.probeHealth(ctx, t)
		return result, nil
	}

	groups, order := groupByEntityType(items)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, entityType := range order {
		entityType, group := entityType, groups[entityType]
		g.Go(func() (gerr error) {
			defer func() {
				if p := recover(); p != nil {
					gerr = fmt.Errorf("panic in %s group: %v", entityType, p)
				}
			}()
			e.processGroup(gctx, storeID, entityType, group, t)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, apperrors.Wrap(apperrors.ErrSyncFailed, "sync run aborted", err)
	}
	return result, nil
}

// groupByEntityType keeps queue order within each group and returns the
// groups in order of first appearance.
func groupByEntityType(items []*models.SyncQueueItem) (map[string][]*models.SyncQueueItem, []string) {
	groups := make(map[string][]*models.SyncQueueItem)
	var order []string
	for _, item := range items {
		if _, ok := groups[item.EntityType]; !ok {
			order = append(order, item.EntityType)
		}
		groups[item.EntityType] = append(groups[item.EntityType], item)
	}
	return groups, order
}

// allFailedError lets the breaker see a batch where nothing succeeded while
// the engine still handles each result.
type allFailedError struct {
	results []transport.PushResult
}

func (e *allFailedError) Error() string {
	r := e.results[0]
	if r.StatusCode > 0 {
		return fmt.Sprintf("all items failed: status=%d message=%s", r.StatusCode, r.Error)
	}
	return "all items failed: " + r.Error
}

func (e *allFailedError) StatusCode() int {
	return e.results[0].StatusCode
}

func (e *Engine) processGroup(ctx context.Context, storeID, entityType string, items []*models.SyncQueueItem, t *totals) {
	t.add(func(t *totals) { t.sent += len(items) })

	var valid []*models.SyncQueueItem
	for _, item := range items {
		res := validate.ValidateJSON(item.EntityType, string(item.Operation), item.Payload)
		if res.Valid {
			valid = append(valid, item)
			continue
		}
		msg := fmt.Sprintf("missing required fields: %s", strings.Join(res.MissingFields, ", "))
		e.deadLetter(ctx, storeID, item, models.DeadLetterStructural, msg, t)
	}
	if len(valid) == 0 {
		return
	}

	route, ok := e.transports.Resolve(entityType)
	if !ok {
		msg := fmt.Sprintf("no transport registered for entity type %s", entityType)
		for _, item := range valid {
			e.fail(ctx, storeID, item, classifier.ClassifyError(nil, msg, ""), msg, t)
		}
		return
	}

	pushItems := make([]transport.PushItem, len(valid))
	for i, item := range valid {
		pushItems[i] = transport.PushItem{
			ID:        item.ID.String(),
			EntityID:  item.EntityID,
			Operation: string(item.Operation),
			Payload:   item.Payload,
		}
	}

	var results []transport.PushResult
	br := e.breakers.Get(route.Endpoint)
	err := br.Execute(ctx, func(ctx context.Context) error {
		var perr error
		results, perr = route.Transport.PushBatch(ctx, entityType, pushItems)
		if perr != nil {
			return perr
		}
		if len(results) > 0 && !anySynced(results) {
			return &allFailedError{results: results}
		}
		return nil
	})

	var allFailed *allFailedError
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		// Rejected calls are not attempts; items stay as they are.
		t.add(func(t *totals) {
			t.failed += len(valid)
			t.rejected += len(valid)
			t.pushFailed = true
			t.lastError = err.Error()
		})
		logging.Warn("sync batch rejected by open circuit", map[string]interface{}{
			"entity_type": entityType,
			"endpoint":    route.Endpoint,
			"items":       len(valid),
		})
		return
	case errors.As(err, &allFailed):
		t.add(func(t *totals) { t.pushed = true })
	case err != nil:
		t.add(func(t *totals) { t.pushFailed = true })
		c := classifier.ClassifyErrAt(e.clock.Now(), err)
		for _, item := range valid {
			e.fail(ctx, storeID, item, c, err.Error(), t)
		}
		return
	default:
		t.add(func(t *totals) { t.pushed = true })
	}

	byID := make(map[string]transport.PushResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	for _, item := range valid {
		r, ok := byID[item.ID.String()]
		switch {
		case !ok:
			msg := "no result returned for item"
			e.fail(ctx, storeID, item, classifier.ClassifyError(nil, msg, ""), msg, t)
		case r.Status == transport.ResultSynced:
			if err := e.queue.MarkSynced(ctx, storeID, item.ID.String(), r.CloudID); err != nil {
				logging.Error("failed to mark sync item synced", err, map[string]interface{}{"entity_type": entityType})
				t.add(func(t *totals) { t.failed++; t.lastError = err.Error() })
				continue
			}
			t.add(func(t *totals) { t.succeeded++ })
		default:
			var status *int
			if r.StatusCode > 0 {
				code := r.StatusCode
				status = &code
			}
			msg := r.Error
			if msg == "" {
				msg = "cloud rejected item"
			}
			e.fail(ctx, storeID, item, classifier.ClassifyError(status, msg, ""), msg, t)
		}
	}
}

// fail applies the dead-letter policy to a failed attempt.
func (e *Engine) fail(ctx context.Context, storeID string, item *models.SyncQueueItem, c classifier.Classification, msg string, t *totals) {
	decision := classifier.ShouldDeadLetter(item.SyncAttempts+1, item.MaxAttempts, c.Category)
	if decision.ShouldDeadLetter {
		if err := e.queue.DeadLetterAttempt(ctx, storeID, item.ID.String(), decision.Reason, msg); err != nil {
			logging.Error("failed to dead-letter sync item", err, map[string]interface{}{"entity_type": item.EntityType})
		}
		e.deadLettered(item, decision.Reason, msg, t)
		return
	}

	if err := e.queue.IncrementAttempts(ctx, storeID, item.ID.String(), msg); err != nil {
		logging.Error("failed to record sync attempt", err, map[string]interface{}{"entity_type": item.EntityType})
	}
	t.add(func(t *totals) {
		t.failed++
		t.lastError = msg
		if c.ExtendedBackoff {
			t.extended = true
		}
		if c.RetryAfter != nil && c.RetryAfter.After(t.retryAt) {
			t.retryAt = *c.RetryAfter
		}
	})
	logging.Debug("sync item will be retried", map[string]interface{}{
		"entity_type":      item.EntityType,
		"category":         string(c.Category),
		"attempts":         item.SyncAttempts + 1,
		"extended_backoff": c.ExtendedBackoff,
	})
}

// deadLetter abandons an item that was never pushed.
func (e *Engine) deadLetter(ctx context.Context, storeID string, item *models.SyncQueueItem, reason models.DeadLetterReason, msg string, t *totals) {
	if err := e.queue.MarkDeadLettered(ctx, storeID, item.ID.String(), reason, msg); err != nil {
		logging.Error("failed to dead-letter sync item", err, map[string]interface{}{"entity_type": item.EntityType})
	}
	e.deadLettered(item, reason, msg, t)
}

func (e *Engine) deadLettered(item *models.SyncQueueItem, reason models.DeadLetterReason, msg string, t *totals) {
	t.add(func(t *totals) { t.failed++; t.deadLettered++; t.lastError = msg })
	logging.Warn("sync item dead-lettered", map[string]interface{}{
		"entity_type": item.EntityType,
		"operation":   string(item.Operation),
		"reason":      string(reason),
	})
}

// probeHealth refreshes the online flag when there was nothing to push.
func (e *Engine) probeHealth(ctx context.Context, t *totals) {
	routes := e.transports.Routes()
	if len(routes) == 0 {
		return
	}
	if routes[0].Transport.HealthCheck(ctx) {
		t.pushed = true
	} else {
		t.pushFailed = true
	}
}

func (e *Engine) finishRun(result *RunResult, t *totals, msg string) {
	now := e.clock.Now()

	e.mu.Lock()
	e.lastSyncAt = &now
	e.lastSyncStatus = result.Status
	switch {
	case t.pushFailed && !t.pushed:
		e.transportOK = false
	case t.pushed:
		e.transportOK = true
	}
	if result.Status == models.SyncLogFailed {
		e.consecutiveFailures++
	} else {
		e.consecutiveFailures = 0
	}
	if msg != "" {
		e.lastErrorMessage = msg
		e.lastErrorAt = &now
	}
	e.backoffUntil = backoffUntil(now, e.interval, t)
	e.mu.Unlock()

	logging.Info("sync run completed", map[string]interface{}{
		"status":            string(result.Status),
		"records_sent":      result.Sent,
		"records_succeeded": result.Succeeded,
		"records_failed":    result.Failed,
		"dead_lettered":     result.DeadLettered,
		"duration_ms":       result.Duration.Milliseconds(),
	})

	typ := EventCompleted
	if result.Status == models.SyncLogFailed {
		typ = EventFailed
	}
	e.emit(Event{Type: typ, At: now, Result: result, Error: msg})
}

func (e *Engine) finishFailed(err error) {
	now := e.clock.Now()
	msg := apperrors.Sanitize(err)

	e.mu.Lock()
	e.lastSyncAt = &now
	e.lastSyncStatus = models.SyncLogFailed
	e.consecutiveFailures++
	e.lastErrorMessage = msg
	e.lastErrorAt = &now
	e.mu.Unlock()

	e.emit(Event{Type: EventFailed, At: now, Error: msg})
}

func anySynced(results []transport.PushResult) bool {
	for _, r := range results {
		if r.Status == transport.ResultSynced {
			return true
		}
	}
	return false
}

// backoffUntil is when scheduled runs may resume. A Retry-After hint always
// applies; an extended backoff hint skips one interval when nothing got
// through.
func backoffUntil(now time.Time, interval time.Duration, t *totals) time.Time {
	until := t.retryAt
	if t.extended && t.succeeded == 0 {
		if interval <= 0 {
			interval = DefaultInterval
		}
		if ext := now.Add(2 * interval); ext.After(until) {
			until = ext
		}
	}
	if limit := now.Add(MaxBackoff); until.After(limit) {
		until = limit
	}
	if !until.After(now) {
		return time.Time{}
	}
	return until
}
