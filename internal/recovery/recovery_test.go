package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeSink struct {
	mu     sync.Mutex
	events []*ErrorEvent
	err    error
}

func (s *fakeSink) Publish(ev *ErrorEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Category
	}{
		{errors.New("dial tcp 10.0.0.1:3306: connection refused"), CategoryConnection},
		{errors.New("i/o timeout reading packet"), CategoryTimeout},
		{context.DeadlineExceeded, CategoryTimeout},
		{errors.New("Error 1062: Duplicate entry '7' for key 'PRIMARY'"), CategoryConstraint},
		{errors.New("Error 1054: Unknown column 'nickname' in 'field list'"), CategorySchema},
		{errors.New("Error 1045: Access denied for user 'sync'@'%'"), CategoryPermission},
		{errors.New("Error 1040: Too many connections"), CategoryResource},
		{errors.New("something else entirely"), CategoryUnknown},
		{&CategorizedError{Category: CategorySchema, Err: errors.New("connection refused")}, CategorySchema},
		{fmt.Errorf("wrapped: %w", &CategorizedError{Category: CategoryPermission, Err: errors.New("nope")}), CategoryPermission},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "error: %v", tc.err)
	}
}

func TestHandleAssignsSeverityAndAction(t *testing.T) {
	m := NewManager(Config{}, nil, testLogger())

	ev := m.Handle(errors.New("connection refused"), OpContext{Component: "syncer"}, nil)
	assert.Equal(t, CategoryConnection, ev.Category)
	assert.Equal(t, SeverityHigh, ev.Severity)
	assert.Equal(t, ActionRetry, ev.Action)
	assert.False(t, ev.NextRetryAt.IsZero())

	ev = m.Handle(errors.New("duplicate entry"), OpContext{}, nil)
	assert.Equal(t, ActionSkip, ev.Action)

	ev = m.Handle(errors.New("access denied"), OpContext{}, nil)
	assert.Equal(t, SeverityCritical, ev.Severity)
	assert.Equal(t, ActionManual, ev.Action)

	got, ok := m.GetError(ev.ID)
	require.True(t, ok)
	assert.Len(t, got.Attempts, 1)
}

func TestOverrideAction(t *testing.T) {
	m := NewManager(Config{}, nil, testLogger())
	m.OverrideAction(CategoryConstraint, ActionRetry)

	ev := m.Handle(errors.New("duplicate entry"), OpContext{}, nil)
	assert.Equal(t, ActionRetry, ev.Action)
}

func TestRetryDelayBackoff(t *testing.T) {
	m := NewManager(Config{RetryDelayBase: time.Second, RetryDelayMax: 10 * time.Second}, nil, testLogger())

	assert.Equal(t, time.Second, m.retryDelay(0))
	assert.Equal(t, 2*time.Second, m.retryDelay(1))
	assert.Equal(t, 4*time.Second, m.retryDelay(2))
	assert.Equal(t, 8*time.Second, m.retryDelay(3))
	assert.Equal(t, 10*time.Second, m.retryDelay(4))
	assert.Equal(t, 10*time.Second, m.retryDelay(20))
}

func TestRateLimitForcesFailFastAndRecovers(t *testing.T) {
	m := NewManager(Config{MaxErrorsPerHour: 3}, nil, testLogger())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	m.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		ev := m.Handle(errors.New("connection refused"), OpContext{}, nil)
		assert.Equal(t, ActionRetry, ev.Action)
	}

	ev := m.Handle(errors.New("connection refused"), OpContext{}, nil)
	assert.Equal(t, ActionFailFast, ev.Action)

	// A different category still has budget.
	ev = m.Handle(errors.New("i/o timeout"), OpContext{}, nil)
	assert.Equal(t, ActionRetry, ev.Action)

	// Once the old failures age out of the window, the category is
	// retryable again.
	current = base.Add(61 * time.Minute)
	ev = m.Handle(errors.New("connection refused"), OpContext{}, nil)
	assert.Equal(t, ActionRetry, ev.Action)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.RateLimited)
	assert.Equal(t, int64(6), stats.Total)
}

func TestRetryPassResolvesOnSuccess(t *testing.T) {
	m := NewManager(Config{RetryDelayBase: time.Millisecond}, nil, testLogger())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	m.now = func() time.Time { return current }

	calls := 0
	ev := m.Handle(errors.New("connection refused"), OpContext{}, func() error {
		calls++
		if calls < 2 {
			return errors.New("connection refused")
		}
		return nil
	})

	current = current.Add(time.Second)
	m.retryPass()
	assert.Equal(t, 1, calls)
	assert.False(t, ev.Resolved)

	current = current.Add(time.Second)
	m.retryPass()
	assert.Equal(t, 2, calls)
	assert.True(t, ev.Resolved)
	assert.Equal(t, 2, ev.RetryCount)
	assert.Equal(t, int64(1), m.Stats().Resolved)

	// Resolved errors are not retried again.
	current = current.Add(time.Second)
	m.retryPass()
	assert.Equal(t, 2, calls)
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	sink := &fakeSink{}
	m := NewManager(Config{MaxRetries: 2, RetryDelayBase: time.Millisecond, DeadLetterEnabled: true}, sink, testLogger())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	m.now = func() time.Time { return current }

	ev := m.Handle(errors.New("connection refused"), OpContext{EventID: "ev-1"}, func() error {
		return errors.New("still down")
	})

	for i := 0; i < 3; i++ {
		current = current.Add(time.Second)
		m.retryPass()
	}

	assert.True(t, ev.DeadLettered)
	assert.Equal(t, ActionDeadLetter, ev.Action)
	assert.Equal(t, 2, ev.RetryCount)
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, int64(1), m.Stats().DeadLettered)
}

func TestRetryExhaustionWithoutDeadLetterGoesManual(t *testing.T) {
	m := NewManager(Config{MaxRetries: 1, RetryDelayBase: time.Millisecond}, nil, testLogger())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	m.now = func() time.Time { return current }

	ev := m.Handle(errors.New("connection refused"), OpContext{}, func() error {
		return errors.New("still down")
	})

	current = current.Add(time.Second)
	m.retryPass()

	assert.Equal(t, ActionManual, ev.Action)
	assert.False(t, ev.Unrecoverable, "HIGH severity stays recoverable")
	assert.False(t, ev.DeadLettered)
}

func TestCleanupPassPurgesOldResolved(t *testing.T) {
	m := NewManager(Config{RetentionPeriod: time.Hour, RetryDelayBase: time.Millisecond}, nil, testLogger())
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	m.now = func() time.Time { return current }

	ev := m.Handle(errors.New("connection refused"), OpContext{}, func() error { return nil })
	current = current.Add(time.Second)
	m.retryPass()
	require.True(t, ev.Resolved)

	open := m.Handle(errors.New("connection refused"), OpContext{}, nil)

	current = current.Add(2 * time.Hour)
	m.cleanupPass()

	_, ok := m.GetError(ev.ID)
	assert.False(t, ok, "resolved error past retention should be purged")
	_, ok = m.GetError(open.ID)
	assert.True(t, ok, "unresolved errors are retained")
}
