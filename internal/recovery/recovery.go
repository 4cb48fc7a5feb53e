// Package recovery classifies failures and drives retry, backoff, and
// dead-letter decisions for every other component.
package recovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Category buckets a failure by its root cause.
type Category string

const (
	CategoryConnection Category = "CONNECTION"
	CategoryTimeout    Category = "TIMEOUT"
	CategoryConstraint Category = "CONSTRAINT_VIOLATION"
	CategorySchema     Category = "SCHEMA_MISMATCH"
	CategoryPermission Category = "PERMISSION"
	CategoryResource   Category = "RESOURCE_EXHAUSTION"
	CategoryUnknown    Category = "UNKNOWN"
)

// Severity ranks how serious a failure category is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Action is the recovery strategy chosen for a handled failure.
type Action string

const (
	ActionRetry      Action = "RETRY"
	ActionSkip       Action = "SKIP"
	ActionDeadLetter Action = "DEAD_LETTER"
	ActionManual     Action = "MANUAL_INTERVENTION"
	ActionRollback   Action = "ROLLBACK"
	ActionCompensate Action = "COMPENSATE"
	ActionFailFast   Action = "FAIL_FAST"
)

var categorySeverity = map[Category]Severity{
	CategoryConnection: SeverityHigh,
	CategoryTimeout:    SeverityMedium,
	CategoryConstraint: SeverityMedium,
	CategorySchema:     SeverityHigh,
	CategoryPermission: SeverityCritical,
	CategoryResource:   SeverityHigh,
	CategoryUnknown:    SeverityMedium,
}

var categoryAction = map[Category]Action{
	CategoryConnection: ActionRetry,
	CategoryTimeout:    ActionRetry,
	CategoryConstraint: ActionSkip,
	CategorySchema:     ActionManual,
	CategoryPermission: ActionManual,
	CategoryResource:   ActionRetry,
	CategoryUnknown:    ActionRetry,
}

// CategorizedError lets adapters pre-tag a failure with its category
// so classification does not depend on message text.
type CategorizedError struct {
	Category Category
	Err      error
}

func (e *CategorizedError) Error() string { return e.Err.Error() }
func (e *CategorizedError) Unwrap() error { return e.Err }

// Classify maps a raw failure onto a category. Tagged errors win;
// otherwise the error text is inspected the way adapter drivers
// report their failures.
func Classify(err error) Category {
	var tagged *CategorizedError
	if errors.As(err, &tagged) {
		return tagged.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return CategoryTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "refused") || strings.Contains(msg, "broken pipe") || strings.Contains(msg, "reset by peer"):
		return CategoryConnection
	case strings.Contains(msg, "constraint") || strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique"):
		return CategoryConstraint
	case strings.Contains(msg, "schema") || strings.Contains(msg, "unknown column") || strings.Contains(msg, "no such table"):
		return CategorySchema
	case strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") || strings.Contains(msg, "unauthorized"):
		return CategoryPermission
	case strings.Contains(msg, "too many") || strings.Contains(msg, "out of memory") || strings.Contains(msg, "exhausted"):
		return CategoryResource
	default:
		return CategoryUnknown
	}
}

// Attempt records one handling or retry attempt of an error event.
type Attempt struct {
	At     time.Time `json:"at"`
	Action Action    `json:"action"`
	Error  string    `json:"error,omitempty"`
}

// ErrorEvent is one handled failure with its full attempt history.
type ErrorEvent struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Action    Action    `json:"action"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	RetryCount    int       `json:"retry_count"`
	NextRetryAt   time.Time `json:"next_retry_at,omitempty"`
	Attempts      []Attempt `json:"attempts"`
	Resolved      bool      `json:"resolved"`
	ResolvedAt    time.Time `json:"resolved_at,omitempty"`
	DeadLettered  bool      `json:"dead_lettered"`
	Unrecoverable bool      `json:"unrecoverable"`

	retry func() error
}

// OpContext names the operation that failed, for wrapping into an
// ErrorEvent.
type OpContext struct {
	Component string
	Operation string
	EventID   string
}

// DeadLetterSink receives error events that exhausted their retries.
type DeadLetterSink interface {
	Publish(ev *ErrorEvent) error
}

// Config tunes the recovery manager.
type Config struct {
	MaxRetries        int
	RetryDelayBase    time.Duration
	RetryDelayMax     time.Duration
	MaxErrorsPerHour  int
	RetentionPeriod   time.Duration
	DeadLetterEnabled bool
	RetryInterval     time.Duration
	CleanupInterval   time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelayBase <= 0 {
		c.RetryDelayBase = time.Second
	}
	if c.RetryDelayMax <= 0 {
		c.RetryDelayMax = 5 * time.Minute
	}
	if c.MaxErrorsPerHour <= 0 {
		c.MaxErrorsPerHour = 100
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 24 * time.Hour
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
}

// Stats counts handled failures per category plus outcomes.
type Stats struct {
	ByCategory   map[Category]int64 `json:"by_category"`
	Total        int64              `json:"total"`
	Resolved     int64              `json:"resolved"`
	DeadLettered int64              `json:"dead_lettered"`
	RateLimited  int64              `json:"rate_limited"`
}

// Manager wraps raw failures into error events and decides how each
// one is recovered.
type Manager struct {
	cfg    Config
	logger *logrus.Logger
	sink   DeadLetterSink

	mu        sync.Mutex
	errors    map[string]*ErrorEvent
	overrides map[Category]Action
	window    map[Category][]time.Time

	byCategory   map[Category]int64
	total        int64
	resolved     int64
	deadLettered int64
	rateLimited  int64

	now func() time.Time
}

// NewManager creates a recovery manager. sink may be nil when
// dead-lettering is disabled.
func NewManager(cfg Config, sink DeadLetterSink, logger *logrus.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		sink:       sink,
		errors:     make(map[string]*ErrorEvent),
		overrides:  make(map[Category]Action),
		window:     make(map[Category][]time.Time),
		byCategory: make(map[Category]int64),
		now:        time.Now,
	}
}

// OverrideAction replaces the default strategy for one category.
func (m *Manager) OverrideAction(cat Category, action Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[cat] = action
}

// Handle wraps a failure into an ErrorEvent and chooses its recovery
// action. The returned event carries the decision; RETRY events are
// re-evaluated by the retry loop using the optional retry callback.
func (m *Manager) Handle(err error, opCtx OpContext, retry func() error) *ErrorEvent {
	cat := Classify(err)
	now := m.now()

	m.mu.Lock()
	action := categoryAction[cat]
	if o, ok := m.overrides[cat]; ok {
		action = o
	}
	forced := m.recordAndCheckRateLocked(cat, now)
	if forced {
		action = ActionFailFast
		m.rateLimited++
	}
	ev := &ErrorEvent{
		ID:        uuid.NewString(),
		Category:  cat,
		Severity:  categorySeverity[cat],
		Action:    action,
		Message:   err.Error(),
		Component: opCtx.Component,
		Operation: opCtx.Operation,
		EventID:   opCtx.EventID,
		CreatedAt: now,
		Attempts:  []Attempt{{At: now, Action: action, Error: err.Error()}},
		retry:     retry,
	}
	if action == ActionRetry {
		ev.NextRetryAt = now.Add(m.retryDelay(0))
	}
	m.errors[ev.ID] = ev
	m.byCategory[cat]++
	m.total++
	m.mu.Unlock()

	switch action {
	case ActionFailFast:
		m.logger.Errorf("Error rate for %s exceeded %d/hour, failing fast: %v", cat, m.cfg.MaxErrorsPerHour, err)
	case ActionRetry:
		m.logger.Warnf("Handled %s error, retrying in %s: %v", cat, m.retryDelay(0), err)
	case ActionDeadLetter:
		m.deadLetter(ev)
	default:
		m.logger.Warnf("Handled %s error with action %s: %v", cat, action, err)
	}
	return ev
}

// recordAndCheckRateLocked records one failure in the sliding hour
// window for cat and reports whether the category is over its budget.
func (m *Manager) recordAndCheckRateLocked(cat Category, now time.Time) bool {
	cutoff := now.Add(-time.Hour)
	win := m.window[cat]
	kept := win[:0]
	for _, t := range win {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	m.window[cat] = kept
	return len(kept) > m.cfg.MaxErrorsPerHour
}

// retryDelay is min(base * 2^retryCount, max).
func (m *Manager) retryDelay(retryCount int) time.Duration {
	d := m.cfg.RetryDelayBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= m.cfg.RetryDelayMax {
			return m.cfg.RetryDelayMax
		}
	}
	if d > m.cfg.RetryDelayMax {
		return m.cfg.RetryDelayMax
	}
	return d
}

// RunRetryLoop re-evaluates retryable errors whose scheduled time has
// elapsed, until the context is cancelled.
func (m *Manager) RunRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Recovery retry loop stopped")
			return
		case <-ticker.C:
			m.retryPass()
		}
	}
}

func (m *Manager) retryPass() {
	now := m.now()

	m.mu.Lock()
	due := make([]*ErrorEvent, 0)
	for _, ev := range m.errors {
		if ev.Action == ActionRetry && !ev.Resolved && !ev.DeadLettered && ev.retry != nil && !ev.NextRetryAt.After(now) {
			due = append(due, ev)
		}
	}
	m.mu.Unlock()

	for _, ev := range due {
		err := ev.retry()
		m.mu.Lock()
		ev.RetryCount++
		if err == nil {
			ev.Resolved = true
			ev.ResolvedAt = m.now()
			ev.Attempts = append(ev.Attempts, Attempt{At: m.now(), Action: ActionRetry})
			m.resolved++
			m.mu.Unlock()
			m.logger.Infof("Error %s resolved after %d retries", ev.ID, ev.RetryCount)
			continue
		}
		ev.Attempts = append(ev.Attempts, Attempt{At: m.now(), Action: ActionRetry, Error: err.Error()})
		if ev.RetryCount >= m.cfg.MaxRetries {
			m.mu.Unlock()
			m.exhaust(ev)
			continue
		}
		ev.NextRetryAt = m.now().Add(m.retryDelay(ev.RetryCount))
		m.mu.Unlock()
		m.logger.Warnf("Retry %d/%d for error %s failed: %v", ev.RetryCount, m.cfg.MaxRetries, ev.ID, err)
	}
}

// exhaust handles an error whose retry budget ran out: dead-letter
// when enabled, otherwise unrecoverable for CRITICAL severity and
// manual intervention for the rest.
func (m *Manager) exhaust(ev *ErrorEvent) {
	if m.cfg.DeadLetterEnabled {
		m.deadLetter(ev)
		return
	}
	m.mu.Lock()
	if ev.Severity == SeverityCritical {
		ev.Unrecoverable = true
	}
	ev.Action = ActionManual
	m.mu.Unlock()
	m.logger.Errorf("Error %s exhausted %d retries, requires manual intervention", ev.ID, m.cfg.MaxRetries)
}

func (m *Manager) deadLetter(ev *ErrorEvent) {
	m.mu.Lock()
	ev.Action = ActionDeadLetter
	ev.DeadLettered = true
	m.deadLettered++
	m.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.Publish(ev); err != nil {
			m.logger.Errorf("Failed to publish dead letter %s: %v", ev.ID, err)
			return
		}
	}
	m.logger.Warnf("Error %s dead-lettered after %d retries", ev.ID, ev.RetryCount)
}

// RunCleanupLoop purges resolved errors past the retention window.
func (m *Manager) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Recovery cleanup loop stopped")
			return
		case <-ticker.C:
			m.cleanupPass()
		}
	}
}

func (m *Manager) cleanupPass() {
	cutoff := m.now().Add(-m.cfg.RetentionPeriod)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ev := range m.errors {
		if ev.Resolved && ev.ResolvedAt.Before(cutoff) {
			delete(m.errors, id)
		}
	}
}

// GetError returns a handled error by id with its attempt history.
func (m *Manager) GetError(id string) (*ErrorEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.errors[id]
	return ev, ok
}

// Stats returns a snapshot of the recovery counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCat := make(map[Category]int64, len(m.byCategory))
	for k, v := range m.byCategory {
		byCat[k] = v
	}
	return Stats{
		ByCategory:   byCat,
		Total:        m.total,
		Resolved:     m.resolved,
		DeadLettered: m.deadLettered,
		RateLimited:  m.rateLimited,
	}
}
