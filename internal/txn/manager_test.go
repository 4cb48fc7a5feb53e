package txn

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

// phaseCall records one RunOp invocation for ordering assertions.
type phaseCall struct {
	participant string
	phase       Phase
}

type recordingRun struct {
	mu    sync.Mutex
	calls []phaseCall
	// fail maps "participant/PHASE" to the error to return.
	fail map[string]error
}

func (r *recordingRun) run(ctx context.Context, op *Operation, phase Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, phaseCall{participant: op.Participant, phase: phase})
	if err, ok := r.fail[fmt.Sprintf("%s/%s", op.Participant, phase)]; ok {
		return err
	}
	return nil
}

func (r *recordingRun) phases(phase Phase) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0)
	for _, c := range r.calls {
		if c.phase == phase {
			out = append(out, c.participant)
		}
	}
	return out
}

type memoryLog struct {
	mu     sync.Mutex
	states []State
	votes  []string
}

func (l *memoryLog) LogState(txID string, state State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
	return nil
}

func (l *memoryLog) LogVote(txID, opID string, phase Phase, ok bool, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.votes = append(l.votes, fmt.Sprintf("%s:%v", phase, ok))
	return nil
}

func newTestManager(log Log) *Manager {
	return NewManager(Config{}, nil, log, testLogger())
}

func addOps(t *testing.T, m *Manager, txID string, participants ...string) {
	t.Helper()
	for _, p := range participants {
		_, err := m.AddOperation(txID, p, nil)
		require.NoError(t, err)
	}
}

func TestExecuteCommitsAllParticipantsInOrder(t *testing.T) {
	log := &memoryLog{}
	m := newTestManager(log)
	tx := m.Begin(0)
	addOps(t, m, tx.ID, "alpha", "beta", "gamma")

	rec := &recordingRun{}
	require.NoError(t, m.Execute(context.Background(), tx.ID, rec.run))

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, rec.phases(PhasePrepare))
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, rec.phases(PhaseCommit))
	assert.Empty(t, rec.phases(PhaseRollback))

	got, ok := m.GetTransaction(tx.ID)
	require.True(t, ok)
	assert.Equal(t, StateCommitted, got.State)
	for _, op := range got.Operations {
		assert.True(t, op.Prepared)
		assert.True(t, op.Committed)
	}
	assert.False(t, got.CompletedAt.IsZero())

	// COMMITTING must hit the log before COMMITTED.
	assert.Equal(t, []State{StatePending, StatePreparing, StatePrepared, StateCommitting, StateCommitted}, log.states)

	stats := m.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, int64(1), stats.Committed)
}

func TestPrepareFailureRollsBackNothingCommitted(t *testing.T) {
	m := newTestManager(nil)
	tx := m.Begin(0)
	addOps(t, m, tx.ID, "alpha", "beta", "gamma")

	rec := &recordingRun{fail: map[string]error{
		"beta/PREPARE": errors.New("disk full"),
	}}
	err := m.Execute(context.Background(), tx.ID, rec.run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prepare failed on participant beta")

	// gamma never prepared, nothing committed, alpha rolled back.
	assert.Equal(t, []string{"alpha", "beta"}, rec.phases(PhasePrepare))
	assert.Empty(t, rec.phases(PhaseCommit))
	assert.Equal(t, []string{"alpha"}, rec.phases(PhaseRollback))

	got, ok := m.GetTransaction(tx.ID)
	require.True(t, ok)
	assert.Equal(t, StateRolledBack, got.State)
	assert.True(t, got.Operations[0].RolledBack)
	assert.Equal(t, "disk full", got.Operations[1].PrepareErr)
	assert.Equal(t, int64(1), m.Stats().RolledBack)
}

func TestCommitFailureMidPhaseEndsFailed(t *testing.T) {
	m := newTestManager(nil)
	tx := m.Begin(0)
	addOps(t, m, tx.ID, "alpha", "beta", "gamma")

	rec := &recordingRun{fail: map[string]error{
		"beta/COMMIT": errors.New("server gone"),
	}}
	err := m.Execute(context.Background(), tx.ID, rec.run)
	require.Error(t, err)

	// alpha's commit stands, gamma is never committed, and no rollback
	// runs after a commit has succeeded.
	assert.Equal(t, []string{"alpha", "beta"}, rec.phases(PhaseCommit))
	assert.Empty(t, rec.phases(PhaseRollback))

	got, ok := m.GetTransaction(tx.ID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, got.State)
	assert.True(t, got.Operations[0].Committed)
	assert.False(t, got.Operations[1].Committed)
	assert.Equal(t, "server gone", got.Operations[1].CommitErr)
	assert.False(t, got.Operations[2].Committed)
	assert.Contains(t, got.FailReason, "commit failed on participant beta")
	assert.Contains(t, got.FailReason, "1 successful commits")
	assert.Equal(t, int64(1), m.Stats().Failed)
}

func TestExecuteRejectsReexecution(t *testing.T) {
	m := newTestManager(nil)
	tx := m.Begin(0)
	addOps(t, m, tx.ID, "alpha")

	rec := &recordingRun{}
	require.NoError(t, m.Execute(context.Background(), tx.ID, rec.run))

	err := m.Execute(context.Background(), tx.ID, rec.run)
	require.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestAddOperationRequiresPendingState(t *testing.T) {
	m := newTestManager(nil)
	tx := m.Begin(0)
	addOps(t, m, tx.ID, "alpha")

	rec := &recordingRun{}
	require.NoError(t, m.Execute(context.Background(), tx.ID, rec.run))

	_, err := m.AddOperation(tx.ID, "beta", nil)
	require.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = m.AddOperation("nope", "beta", nil)
	require.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestParticipantsDeduplicated(t *testing.T) {
	m := newTestManager(nil)
	tx := m.Begin(0)
	addOps(t, m, tx.ID, "alpha", "beta", "alpha")

	got, ok := m.GetTransaction(tx.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"alpha", "beta"}, got.Participants())
}

func TestSweepExpiresPendingTransactions(t *testing.T) {
	m := newTestManager(nil)
	tx := m.Begin(10 * time.Millisecond)
	addOps(t, m, tx.ID, "alpha")

	time.Sleep(30 * time.Millisecond)
	m.sweepPass()

	got, ok := m.GetTransaction(tx.ID)
	require.True(t, ok)
	assert.Equal(t, StateRolledBack, got.State)
	assert.Contains(t, got.FailReason, "timed out")
	assert.Equal(t, int64(1), m.Stats().TimedOut)

	err := m.Execute(context.Background(), tx.ID, (&recordingRun{}).run)
	require.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestCompletedHistoryIsBounded(t *testing.T) {
	m := NewManager(Config{HistoryLimit: 2}, nil, nil, testLogger())
	rec := &recordingRun{}

	var ids []string
	for i := 0; i < 4; i++ {
		tx := m.Begin(0)
		addOps(t, m, tx.ID, "alpha")
		require.NoError(t, m.Execute(context.Background(), tx.ID, rec.run))
		ids = append(ids, tx.ID)
	}

	_, ok := m.GetTransaction(ids[0])
	assert.False(t, ok, "oldest transaction should have been evicted")
	_, ok = m.GetTransaction(ids[3])
	assert.True(t, ok)
}
