// Package breaker guards a remote endpoint with a CLOSED/OPEN/HALF_OPEN
// circuit breaker over a sliding failure window.
package breaker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/lotterydesk/internal/logging"
	"github.com/kimhsiao/lotterydesk/internal/sync/classifier"
	"github.com/kimhsiao/lotterydesk/internal/sync/scheduler"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen is returned (wrapped in *OpenError) when a call is rejected.
var ErrCircuitOpen = stderrors.New("circuit breaker is open")

// OpenError reports a rejected call with the breaker's state at the time.
type OpenError struct {
	Metrics Metrics
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open", e.Metrics.Name)
}

func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}

// Config tunes a breaker.
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	FailureWindow    time.Duration `mapstructure:"failure_window"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	// FailureStatusCodes are the statuses counted as failures. A failure
	// without a status always counts.
	FailureStatusCodes []int `mapstructure:"failure_status_codes"`
}

// DefaultConfig returns the standard breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		ResetTimeout:       30 * time.Second,
		FailureWindow:      60 * time.Second,
		SuccessThreshold:   2,
		FailureStatusCodes: []int{408, 429, 500, 502, 503, 504},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.FailureStatusCodes == nil {
		c.FailureStatusCodes = d.FailureStatusCodes
	}
	return c
}

// FailureRecord is one counted failure.
type FailureRecord struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
	Status *int      `json:"status,omitempty"`
}

// Metrics is a read-only snapshot of a breaker.
type Metrics struct {
	Name              string          `json:"name"`
	State             State           `json:"state"`
	Failures          []FailureRecord `json:"failures"`
	OpenedAt          *time.Time      `json:"opened_at,omitempty"`
	LastStateChangeAt time.Time       `json:"last_state_change_at"`
	SuccessCount      int             `json:"success_count"`
	TotalRequests     int64           `json:"total_requests"`
	RejectedRequests  int64           `json:"rejected_requests"`
	LastFailureAt     *time.Time      `json:"last_failure_at,omitempty"`
	LastFailureReason string          `json:"last_failure_reason,omitempty"`
}

// StateChangeFunc observes transitions. It is called without the breaker's
// lock held.
type StateChangeFunc func(name string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects the time source.
func WithClock(c scheduler.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// OnStateChange registers a transition observer.
func OnStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name     string
	cfg      Config
	codes    map[int]bool
	clock    scheduler.Clock
	onChange StateChangeFunc

	mu                sync.Mutex
	state             State
	failures          []FailureRecord
	openedAt          *time.Time
	lastStateChangeAt time.Time
	successCount      int
	totalRequests     int64
	rejectedRequests  int64
	lastFailureAt     *time.Time
	lastFailureReason string
	trialInFlight     bool
}

// New creates a CLOSED breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		clock: scheduler.System{},
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.codes = make(map[int]bool, len(b.cfg.FailureStatusCodes))
	for _, code := range b.cfg.FailureStatusCodes {
		b.codes[code] = true
	}
	b.lastStateChangeAt = b.clock.Now()
	return b
}

// Name returns the endpoint name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op unless the circuit is open. While OPEN and inside the reset
// timeout the call is rejected with *OpenError without invoking op. Once the
// timeout has elapsed the breaker moves to HALF_OPEN and lets one trial call
// through at a time.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	b.totalRequests++
	now := b.clock.Now()

	var changed []transition
	if b.state == StateOpen {
		if b.openedAt != nil && now.Sub(*b.openedAt) < b.cfg.ResetTimeout {
			return b.rejectLocked()
		}
		changed = append(changed, b.transitionLocked(StateHalfOpen, now))
	}
	if b.state == StateHalfOpen {
		if b.trialInFlight {
			return b.rejectLocked()
		}
		b.trialInFlight = true
	}
	trial := b.state == StateHalfOpen
	b.mu.Unlock()
	b.notify(changed)

	// A panicking op counts as a failure and must not leave the trial slot
	// taken.
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			if trial {
				b.trialInFlight = false
			}
			failed := b.recordFailureLocked(fmt.Sprintf("panic: %v", r), nil)
			if b.state == StateHalfOpen {
				failed = append(failed, b.transitionLocked(StateOpen, b.clock.Now()))
			}
			b.mu.Unlock()
			b.notify(failed)
			panic(r)
		}
	}()

	err := op(ctx)

	if trial {
		b.mu.Lock()
		b.trialInFlight = false
		b.mu.Unlock()
	}

	if err == nil {
		b.RecordSuccess()
		return nil
	}

	b.mu.Lock()
	changed = b.recordFailureLocked(err.Error(), classifier.StatusOf(err))
	if b.state == StateHalfOpen {
		changed = append(changed, b.transitionLocked(StateOpen, b.clock.Now()))
	}
	b.mu.Unlock()
	b.notify(changed)
	return err
}

func (b *Breaker) rejectLocked() error {
	b.rejectedRequests++
	m := b.metricsLocked()
	b.mu.Unlock()
	return &OpenError{Metrics: m}
}

// RecordFailure records a failure. Only failures without a status, or with a
// status in FailureStatusCodes, count toward the threshold.
func (b *Breaker) RecordFailure(reason string, status *int) {
	b.mu.Lock()
	changed := b.recordFailureLocked(reason, status)
	b.mu.Unlock()
	b.notify(changed)
}

func (b *Breaker) recordFailureLocked(reason string, status *int) []transition {
	now := b.clock.Now()
	b.lastFailureAt = &now
	b.lastFailureReason = reason

	if status == nil || b.codes[*status] {
		rec := FailureRecord{At: now, Reason: reason}
		if status != nil {
			s := *status
			rec.Status = &s
		}
		b.failures = append(b.failures, rec)
	}
	b.pruneLocked(now)

	if b.state == StateClosed && len(b.failures) >= b.cfg.FailureThreshold {
		return []transition{b.transitionLocked(StateOpen, now)}
	}
	return nil
}

// RecordSuccess counts a success. Only HALF_OPEN cares: enough consecutive
// successes close the circuit and clear the failure history.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var changed []transition
	if b.state == StateHalfOpen {
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			changed = append(changed, b.transitionLocked(StateClosed, b.clock.Now()))
		}
	}
	b.mu.Unlock()
	b.notify(changed)
}

// Reset forces CLOSED and clears every counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var changed []transition
	if b.state != StateClosed {
		changed = append(changed, b.transitionLocked(StateClosed, b.clock.Now()))
	}
	b.failures = nil
	b.successCount = 0
	b.trialInFlight = false
	b.totalRequests = 0
	b.rejectedRequests = 0
	b.lastFailureAt = nil
	b.lastFailureReason = ""
	b.mu.Unlock()
	b.notify(changed)
}

// ForceOpen opens the circuit now, as an administrative kill switch.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	var changed []transition
	if b.state == StateOpen {
		now := b.clock.Now()
		b.openedAt = &now
		b.lastStateChangeAt = now
	} else {
		changed = append(changed, b.transitionLocked(StateOpen, b.clock.Now()))
	}
	b.mu.Unlock()
	b.notify(changed)
}

// Metrics returns a snapshot.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metricsLocked()
}

func (b *Breaker) metricsLocked() Metrics {
	b.pruneLocked(b.clock.Now())
	m := Metrics{
		Name:              b.name,
		State:             b.state,
		Failures:          append([]FailureRecord(nil), b.failures...),
		LastStateChangeAt: b.lastStateChangeAt,
		SuccessCount:      b.successCount,
		TotalRequests:     b.totalRequests,
		RejectedRequests:  b.rejectedRequests,
		LastFailureReason: b.lastFailureReason,
	}
	if b.openedAt != nil {
		t := *b.openedAt
		m.OpenedAt = &t
	}
	if b.lastFailureAt != nil {
		t := *b.lastFailureAt
		m.LastFailureAt = &t
	}
	return m
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	i := 0
	for i < len(b.failures) && !b.failures[i].At.After(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

type transition struct {
	from, to State
}

// transitionLocked moves to state `to`, keeping openedAt non-nil exactly in
// OPEN and HALF_OPEN.
func (b *Breaker) transitionLocked(to State, now time.Time) transition {
	from := b.state
	b.state = to
	b.lastStateChangeAt = now

	switch to {
	case StateOpen:
		b.openedAt = &now
		b.successCount = 0
	case StateHalfOpen:
		b.successCount = 0
		if b.openedAt == nil {
			b.openedAt = &now
		}
	case StateClosed:
		b.openedAt = nil
		b.failures = nil
		b.successCount = 0
		b.trialInFlight = false
	}
	return transition{from: from, to: to}
}

func (b *Breaker) notify(changes []transition) {
	for _, c := range changes {
		if c.from == c.to {
			continue
		}
		logging.Info("circuit breaker state changed", map[string]interface{}{
			"breaker": b.name,
			"from":    string(c.from),
			"to":      string(c.to),
		})
		if b.onChange != nil {
			b.onChange(b.name, c.from, c.to)
		}
	}
}
