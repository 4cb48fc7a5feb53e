// Package txn applies sets of operations atomically across
// participants using two-phase commit.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dbsync/internal/models"
	"dbsync/internal/recovery"
)

// State is the coordinator-side transaction state machine.
type State string

const (
	StatePending     State = "PENDING"
	StatePreparing   State = "PREPARING"
	StatePrepared    State = "PREPARED"
	StateCommitting  State = "COMMITTING"
	StateCommitted   State = "COMMITTED"
	StateRollingBack State = "ROLLING_BACK"
	StateRolledBack  State = "ROLLED_BACK"
	StateFailed      State = "FAILED"
)

// Phase names the 2PC phase a RunOp call belongs to.
type Phase string

const (
	PhasePrepare  Phase = "PREPARE"
	PhaseCommit   Phase = "COMMIT"
	PhaseRollback Phase = "ROLLBACK"
)

var (
	// ErrTransactionNotFound is returned for unknown transaction ids.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrNotExecutable is returned when Execute is called on a
	// transaction that already left PENDING.
	ErrNotExecutable = errors.New("transaction is not executable")
)

// Operation is one unit of work against one participant, with its
// prepare/commit vote bookkeeping.
type Operation struct {
	ID          string              `json:"id"`
	Participant string              `json:"participant"`
	Event       *models.ChangeEvent `json:"event,omitempty"`

	Prepared   bool   `json:"prepared"`
	PrepareErr string `json:"prepare_error,omitempty"`
	Committed  bool   `json:"committed"`
	CommitErr  string `json:"commit_error,omitempty"`
	RolledBack bool   `json:"rolled_back"`
}

// Transaction is an ordered operation list moving through the 2PC
// state machine. Owned exclusively by the Manager.
type Transaction struct {
	ID          string        `json:"id"`
	State       State         `json:"state"`
	Operations  []*Operation  `json:"operations"`
	Timeout     time.Duration `json:"timeout"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	FailReason  string        `json:"fail_reason,omitempty"`
}

// Participants returns the distinct participant set derived from the
// operation list, in first-seen order.
func (t *Transaction) Participants() []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(t.Operations))
	for _, op := range t.Operations {
		if !seen[op.Participant] {
			seen[op.Participant] = true
			out = append(out, op.Participant)
		}
	}
	return out
}

// RunOp executes one operation against its participant for the given
// phase. Supplied by the caller so the manager stays adapter-agnostic.
type RunOp func(ctx context.Context, op *Operation, phase Phase) error

// Log durably records state transitions and votes. Implementations
// must persist before returning; the manager writes the COMMITTING
// record before any participant commit runs.
type Log interface {
	LogState(txID string, state State) error
	LogVote(txID, opID string, phase Phase, ok bool, detail string) error
}

// Config tunes the manager.
type Config struct {
	DefaultTimeout time.Duration
	SweepInterval  time.Duration
	HistoryLimit   int
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
}

// Stats is a snapshot of coordinator counters.
type Stats struct {
	Active     int   `json:"active"`
	Committed  int64 `json:"committed"`
	RolledBack int64 `json:"rolled_back"`
	Failed     int64 `json:"failed"`
	TimedOut   int64 `json:"timed_out"`
}

// Manager coordinates two-phase commits.
type Manager struct {
	cfg      Config
	logger   *logrus.Logger
	recovery *recovery.Manager
	txlog    Log

	mu        sync.Mutex
	active    map[string]*Transaction
	completed []*Transaction

	committed  int64
	rolledBack int64
	failed     int64
	timedOut   int64
}

// NewManager creates a transaction manager. txlog may be nil to run
// without a durable log.
func NewManager(cfg Config, rec *recovery.Manager, txlog Log, logger *logrus.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		recovery: rec,
		txlog:    txlog,
		active:   make(map[string]*Transaction),
	}
}

// Begin opens a PENDING transaction. A non-positive timeout takes the
// configured default.
func (m *Manager) Begin(timeout time.Duration) *Transaction {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	tx := &Transaction{
		ID:        uuid.NewString(),
		State:     StatePending,
		Timeout:   timeout,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.active[tx.ID] = tx
	m.mu.Unlock()
	m.logState(tx.ID, StatePending)
	return tx
}

// AddOperation appends one operation for a participant to a PENDING
// transaction.
func (m *Manager) AddOperation(txID, participant string, event *models.ChangeEvent) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.active[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	if tx.State != StatePending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotExecutable, txID, tx.State)
	}
	op := &Operation{
		ID:          uuid.NewString(),
		Participant: participant,
		Event:       event,
	}
	tx.Operations = append(tx.Operations, op)
	return op, nil
}

// Execute runs the two-phase commit. Phase 1 prepares every operation
// in order; any failure rolls back the prepared ones and ends the
// transaction ROLLED_BACK with nothing committed. Phase 2 commits
// only prepared operations in order; a mid-phase failure stops
// further commits and ends the transaction FAILED, since already
// committed participants cannot be safely rolled back.
func (m *Manager) Execute(ctx context.Context, txID string, run RunOp) error {
	m.mu.Lock()
	tx, ok := m.active[txID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	if tx.State != StatePending {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotExecutable, txID, tx.State)
	}
	tx.State = StatePreparing
	ops := tx.Operations
	m.mu.Unlock()
	m.logState(txID, StatePreparing)

	// Phase 1: prepare all operations in order.
	for i, op := range ops {
		err := run(ctx, op, PhasePrepare)
		m.logVote(txID, op.ID, PhasePrepare, err == nil, errString(err))
		if err != nil {
			op.PrepareErr = err.Error()
			if m.recovery != nil {
				m.recovery.Handle(err, recovery.OpContext{
					Component: "txn",
					Operation: fmt.Sprintf("prepare %s", op.Participant),
					EventID:   eventID(op),
				}, nil)
			}
			m.logger.Warnf("Transaction %s: prepare failed on operation %d/%d (%s): %v",
				txID, i+1, len(ops), op.Participant, err)
			m.rollback(ctx, tx, run)
			return fmt.Errorf("prepare failed on participant %s: %w", op.Participant, err)
		}
		op.Prepared = true
	}

	m.setState(tx, StatePrepared)

	// The COMMITTING record hits the durable log before any
	// participant commit runs, so a crash mid-commit is replayable.
	m.setState(tx, StateCommitting)

	// Phase 2: commit prepared operations in order.
	for i, op := range ops {
		if !op.Prepared {
			continue
		}
		err := run(ctx, op, PhaseCommit)
		m.logVote(txID, op.ID, PhaseCommit, err == nil, errString(err))
		if err != nil {
			op.CommitErr = err.Error()
			if m.recovery != nil {
				m.recovery.Handle(err, recovery.OpContext{
					Component: "txn",
					Operation: fmt.Sprintf("commit %s", op.Participant),
					EventID:   eventID(op),
				}, nil)
			}
			tx.FailReason = fmt.Sprintf("commit failed on participant %s after %d successful commits: %v",
				op.Participant, committedCount(ops), err)
			m.logger.Errorf("Transaction %s: %s; manual reconciliation required", txID, tx.FailReason)
			m.complete(tx, StateFailed)
			return fmt.Errorf("commit failed on participant %s: %w", op.Participant, err)
		}
		op.Committed = true
		m.logger.Debugf("Transaction %s: committed operation %d/%d on %s", txID, i+1, len(ops), op.Participant)
	}

	m.complete(tx, StateCommitted)
	return nil
}

// rollback undoes prepared operations after a prepare failure.
// Rollback errors are logged and handled but do not change the
// outcome: the transaction ends ROLLED_BACK either way, since no
// participant has committed.
func (m *Manager) rollback(ctx context.Context, tx *Transaction, run RunOp) {
	m.setState(tx, StateRollingBack)
	for _, op := range tx.Operations {
		if !op.Prepared {
			continue
		}
		err := run(ctx, op, PhaseRollback)
		m.logVote(tx.ID, op.ID, PhaseRollback, err == nil, errString(err))
		if err != nil {
			m.logger.Errorf("Transaction %s: rollback failed on %s: %v", tx.ID, op.Participant, err)
			if m.recovery != nil {
				m.recovery.Handle(err, recovery.OpContext{
					Component: "txn",
					Operation: fmt.Sprintf("rollback %s", op.Participant),
					EventID:   eventID(op),
				}, nil)
			}
			continue
		}
		op.RolledBack = true
	}
	m.complete(tx, StateRolledBack)
}

func (m *Manager) setState(tx *Transaction, state State) {
	m.mu.Lock()
	tx.State = state
	m.mu.Unlock()
	m.logState(tx.ID, state)
}

// complete moves a transaction from the active map to the bounded
// completed history.
func (m *Manager) complete(tx *Transaction, state State) {
	m.mu.Lock()
	tx.State = state
	tx.CompletedAt = time.Now()
	delete(m.active, tx.ID)
	m.completed = append(m.completed, tx)
	if len(m.completed) > m.cfg.HistoryLimit {
		m.completed = m.completed[len(m.completed)-m.cfg.HistoryLimit:]
	}
	switch state {
	case StateCommitted:
		m.committed++
	case StateRolledBack:
		m.rolledBack++
	case StateFailed:
		m.failed++
	}
	m.mu.Unlock()
	m.logState(tx.ID, state)
}

// RunTimeoutSweep expires PENDING transactions past their timeout and
// flags long-running in-flight ones, until the context is cancelled.
func (m *Manager) RunTimeoutSweep(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Transaction timeout sweep stopped")
			return
		case <-ticker.C:
			m.sweepPass()
		}
	}
}

func (m *Manager) sweepPass() {
	now := time.Now()
	m.mu.Lock()
	expired := make([]*Transaction, 0)
	for _, tx := range m.active {
		if now.Sub(tx.CreatedAt) <= tx.Timeout {
			continue
		}
		if tx.State == StatePending {
			expired = append(expired, tx)
		} else {
			m.logger.Warnf("Transaction %s still %s after timeout %s", tx.ID, tx.State, tx.Timeout)
		}
	}
	m.timedOut += int64(len(expired))
	m.mu.Unlock()

	for _, tx := range expired {
		tx.FailReason = fmt.Sprintf("timed out after %s before execution", tx.Timeout)
		m.logger.Warnf("Transaction %s %s", tx.ID, tx.FailReason)
		m.complete(tx, StateRolledBack)
	}
}

// GetTransaction returns an active or completed transaction by id.
func (m *Manager) GetTransaction(id string) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.active[id]; ok {
		return tx, true
	}
	for i := len(m.completed) - 1; i >= 0; i-- {
		if m.completed[i].ID == id {
			return m.completed[i], true
		}
	}
	return nil, false
}

// Stats returns a snapshot of coordinator counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Active:     len(m.active),
		Committed:  m.committed,
		RolledBack: m.rolledBack,
		Failed:     m.failed,
		TimedOut:   m.timedOut,
	}
}

func (m *Manager) logState(txID string, state State) {
	if m.txlog == nil {
		return
	}
	if err := m.txlog.LogState(txID, state); err != nil {
		m.logger.Errorf("Failed to log state %s for transaction %s: %v", state, txID, err)
	}
}

func (m *Manager) logVote(txID, opID string, phase Phase, ok bool, detail string) {
	if m.txlog == nil {
		return
	}
	if err := m.txlog.LogVote(txID, opID, phase, ok, detail); err != nil {
		m.logger.Errorf("Failed to log %s vote for transaction %s: %v", phase, txID, err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func eventID(op *Operation) string {
	if op.Event == nil {
		return ""
	}
	return op.Event.ID
}

func committedCount(ops []*Operation) int {
	n := 0
	for _, op := range ops {
		if op.Committed {
			n++
		}
	}
	return n
}
