package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dbsync/internal/adapter"
	"dbsync/internal/conflict"
	"dbsync/internal/models"
	"dbsync/internal/pool"
	"dbsync/internal/recovery"
	"dbsync/internal/txn"
)

// Direction controls which way records flow in one configuration.
type Direction string

const (
	SourceToTarget Direction = "source_to_target"
	TargetToSource Direction = "target_to_source"
)

// InstanceState is the lifecycle state of one sync instance.
type InstanceState string

const (
	StateStopped InstanceState = "STOPPED"
	StateRunning InstanceState = "RUNNING"
	StatePaused  InstanceState = "PAUSED"
)

// SyncConfig names one synchronization between a source and a target.
type SyncConfig struct {
	Name              string            `yaml:"name" json:"name"`
	SourceID          string            `yaml:"source" json:"source"`
	TargetID          string            `yaml:"target" json:"target"`
	Tables            []string          `yaml:"tables" json:"tables,omitempty"`
	Direction         Direction         `yaml:"direction" json:"direction"`
	BatchSize         int               `yaml:"batch_size" json:"batch_size"`
	PollInterval      time.Duration     `yaml:"poll_interval" json:"poll_interval"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	ConflictStrategy  conflict.Strategy `yaml:"conflict_strategy" json:"conflict_strategy"`
	ConflictThreshold int64             `yaml:"conflict_threshold" json:"conflict_threshold"`
	TxTimeout         time.Duration     `yaml:"tx_timeout" json:"tx_timeout"`
}

func (c *SyncConfig) applyDefaults() {
	if c.Direction == "" {
		c.Direction = SourceToTarget
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ConflictStrategy == "" {
		c.ConflictStrategy = conflict.SourceWins
	}
	if c.ConflictThreshold <= 0 {
		c.ConflictThreshold = 100
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = time.Minute
	}
}

// InstanceStats is a snapshot of one instance's counters, queryable
// at any time without pausing the instance.
type InstanceStats struct {
	State             InstanceState               `json:"state"`
	EventsProcessed   int64                       `json:"events_processed"`
	EventsByType      map[models.EventType]int64  `json:"events_by_type"`
	ConflictsDetected int64                       `json:"conflicts_detected"`
	ConflictsResolved int64                       `json:"conflicts_resolved"`
	Errors            int64                       `json:"errors"`
	ErrorsByCategory  map[recovery.Category]int64 `json:"errors_by_category,omitempty"`
	Restarts          int64                       `json:"restarts"`
	LastSyncAt        time.Time                   `json:"last_sync_at"`
	LastHeartbeat     time.Time                   `json:"last_heartbeat"`
	Position          string                      `json:"position,omitempty"`
	ThroughputPerSec  float64                     `json:"throughput_per_sec"`
}

// Instance runs one sync configuration: pull a batch, resolve
// conflicts, apply through the transaction manager, update counters.
type Instance struct {
	cfg      SyncConfig
	source   *pool.Pool[adapter.Connector]
	target   *pool.Pool[adapter.Connector]
	resolver *conflict.Resolver
	txman    *txn.Manager
	recovery *recovery.Manager
	logger   *logrus.Logger

	trigger chan struct{}

	mu                sync.Mutex
	state             InstanceState
	position          string
	eventsProcessed   int64
	eventsByType      map[models.EventType]int64
	conflictsDetected int64
	conflictsResolved int64
	errorCount        int64
	errorsByCategory  map[recovery.Category]int64
	restarts          int64
	lastSyncAt        time.Time
	lastHeartbeat     time.Time
	startedAt         time.Time
	cancel            context.CancelFunc
	wg                sync.WaitGroup
}

func newInstance(cfg SyncConfig, source, target *pool.Pool[adapter.Connector], resolver *conflict.Resolver, txman *txn.Manager, rec *recovery.Manager, logger *logrus.Logger) *Instance {
	cfg.applyDefaults()
	return &Instance{
		cfg:              cfg,
		source:           source,
		target:           target,
		resolver:         resolver,
		txman:            txman,
		recovery:         rec,
		logger:           logger,
		trigger:          make(chan struct{}, 1),
		state:            StateStopped,
		eventsByType:     make(map[models.EventType]int64),
		errorsByCategory: make(map[recovery.Category]int64),
	}
}

// start launches the main and heartbeat loops under a fresh context.
func (in *Instance) start(parent context.Context) {
	in.mu.Lock()
	if in.state == StateRunning {
		in.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	in.cancel = cancel
	in.state = StateRunning
	in.startedAt = time.Now()
	in.lastHeartbeat = time.Now()
	in.mu.Unlock()

	in.wg.Add(2)
	go func() { defer in.wg.Done(); in.runMain(ctx) }()
	go func() { defer in.wg.Done(); in.runHeartbeat(ctx) }()
	in.logger.Infof("Sync instance %s started", in.cfg.Name)
}

// stop cancels the loops and waits for them, leaving the instance in
// the given state.
func (in *Instance) stop(state InstanceState) {
	in.mu.Lock()
	if in.state != StateRunning {
		in.mu.Unlock()
		return
	}
	cancel := in.cancel
	in.mu.Unlock()

	cancel()
	in.wg.Wait()

	in.mu.Lock()
	in.state = state
	in.mu.Unlock()
	in.logger.Infof("Sync instance %s now %s", in.cfg.Name, state)
}

// TriggerSync requests an on-demand pass; a pass already pending is
// not queued twice.
func (in *Instance) TriggerSync() {
	select {
	case in.trigger <- struct{}{}:
	default:
	}
}

func (in *Instance) runMain(ctx context.Context) {
	ticker := time.NewTicker(in.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			in.logger.Debugf("Sync instance %s main loop stopped", in.cfg.Name)
			return
		case <-ticker.C:
		case <-in.trigger:
		}
		if err := in.syncPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			in.logger.Errorf("Sync instance %s pass failed: %v", in.cfg.Name, err)
		}
	}
}

func (in *Instance) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(in.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.mu.Lock()
			in.lastHeartbeat = time.Now()
			in.mu.Unlock()
		}
	}
}

// syncPass pulls one batch, resolves conflicts, and applies it
// atomically.
func (in *Instance) syncPass(ctx context.Context) error {
	in.mu.Lock()
	position := in.position
	in.mu.Unlock()

	pullFrom, applyTo := in.source, in.target
	if in.cfg.Direction == TargetToSource {
		pullFrom, applyTo = in.target, in.source
	}

	var events []*models.ChangeEvent
	err := pullFrom.ExecuteWith(ctx, func(conn adapter.Connector) error {
		changed, err := conn.GetChanges(ctx, position)
		if err != nil {
			return err
		}
		events = changed
		return nil
	})
	if err != nil {
		in.recordError(err, "get_changes", "")
		return fmt.Errorf("failed to pull changes: %w", err)
	}
	if len(events) > in.cfg.BatchSize {
		events = events[:in.cfg.BatchSize]
	}
	if len(events) == 0 {
		return nil
	}

	batch := models.NewEventBatch()
	for _, ev := range events {
		batch.Append(ev)
	}
	in.logger.Debugf("Sync instance %s pulled batch of %d (%v)", in.cfg.Name, batch.Len(), batch.EventTypes())

	resolved, err := in.resolveBatch(ctx, applyTo, events)
	if err != nil {
		return err
	}
	if len(resolved) == 0 {
		in.advance(events)
		return nil
	}

	if err := in.applyBatch(ctx, applyTo, resolved); err != nil {
		return err
	}
	in.advance(events)
	return nil
}

// resolveBatch detects and resolves conflicts against the apply-side
// record versions, preserving batch order.
func (in *Instance) resolveBatch(ctx context.Context, applyTo *pool.Pool[adapter.Connector], events []*models.ChangeEvent) ([]*models.ChangeEvent, error) {
	out := make([]*models.ChangeEvent, 0, len(events))
	for _, ev := range events {
		if err := ev.SetStatus(models.StatusProcessing); err != nil {
			in.logger.Warnf("Sync instance %s: skipping event %s: %v", in.cfg.Name, ev.ID, err)
			continue
		}

		current, err := in.fetchCurrent(ctx, applyTo, ev)
		if err != nil {
			in.recordError(err, "fetch_record", ev.ID)
			_ = ev.SetStatus(models.StatusFailed)
			continue
		}

		if current != nil && len(ev.NewValues) > 0 {
			c := in.resolver.Detect(ev.Source.Table, ev.PrimaryKey, ev.NewValues, current)
			if c != nil {
				in.countConflict()
				strategy := ev.ConflictStrategy
				if strategy == "" {
					strategy = in.cfg.ConflictStrategy
				}
				res, err := in.resolver.Resolve(c, strategy)
				if err != nil {
					in.recordError(err, "resolve_conflict", ev.ID)
					_ = ev.SetStatus(models.StatusFailed)
					continue
				}
				ev.NewValues = res.Resolved
				ev.ConflictResolved = true
				in.countResolved()
				in.logger.Debugf("Sync instance %s resolved %s conflict on %s with %s",
					in.cfg.Name, c.Type, ev.Source, res.StrategyUsed)
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

func (in *Instance) fetchCurrent(ctx context.Context, applyTo *pool.Pool[adapter.Connector], ev *models.ChangeEvent) (map[string]interface{}, error) {
	if len(ev.PrimaryKey) == 0 {
		return nil, nil
	}
	table := ev.Target.Table
	if table == "" {
		table = ev.Source.Table
	}
	var current map[string]interface{}
	err := applyTo.ExecuteWith(ctx, func(conn adapter.Connector) error {
		fetcher, ok := conn.(adapter.RecordFetcher)
		if !ok {
			// Adapter cannot expose record versions; conflicts are
			// not detectable against it.
			return nil
		}
		rec, err := fetcher.FetchRecord(ctx, table, ev.PrimaryKey)
		if err != nil {
			return err
		}
		current = rec
		return nil
	})
	return current, err
}

// applyBatch applies resolved events atomically through the
// transaction manager, in the order conflicts were resolved.
func (in *Instance) applyBatch(ctx context.Context, applyTo *pool.Pool[adapter.Connector], events []*models.ChangeEvent) error {
	tx := in.txman.Begin(in.cfg.TxTimeout)
	participant := in.cfg.TargetID
	if in.cfg.Direction == TargetToSource {
		participant = in.cfg.SourceID
	}
	for _, ev := range events {
		ev.TransactionID = tx.ID
		if _, err := in.txman.AddOperation(tx.ID, participant, ev); err != nil {
			return fmt.Errorf("failed to stage operation: %w", err)
		}
	}

	begun := make(map[string]bool)
	committed := make(map[string]bool)
	rolledBack := make(map[string]bool)

	// One pooled connection hosts every phase, so the participant
	// transaction opened during prepare is the same one committed or
	// rolled back.
	err := applyTo.ExecuteWith(ctx, func(conn adapter.Connector) error {
		return in.txman.Execute(ctx, tx.ID, func(opCtx context.Context, op *txn.Operation, phase txn.Phase) error {
			switch phase {
			case txn.PhasePrepare:
				if !begun[op.Participant] {
					if err := conn.BeginTransaction(opCtx, tx.ID); err != nil {
						return err
					}
					begun[op.Participant] = true
				}
				return conn.ExecuteOperation(opCtx, op.Event)
			case txn.PhaseCommit:
				if committed[op.Participant] {
					return nil
				}
				if err := conn.CommitTransaction(opCtx, tx.ID); err != nil {
					return err
				}
				committed[op.Participant] = true
				return nil
			case txn.PhaseRollback:
				if rolledBack[op.Participant] || !begun[op.Participant] {
					return nil
				}
				if err := conn.RollbackTransaction(opCtx, tx.ID); err != nil {
					return err
				}
				rolledBack[op.Participant] = true
				return nil
			default:
				return fmt.Errorf("unknown phase %q", phase)
			}
		})
	})
	if err != nil {
		for _, ev := range events {
			_ = ev.SetStatus(models.StatusFailed)
		}
		in.countError(err)
		return fmt.Errorf("failed to apply batch: %w", err)
	}

	in.mu.Lock()
	for _, ev := range events {
		in.eventsProcessed++
		in.eventsByType[ev.Type]++
	}
	in.lastSyncAt = time.Now()
	in.mu.Unlock()
	for _, ev := range events {
		_ = ev.SetStatus(models.StatusCompleted)
	}
	in.logger.Infof("Sync instance %s applied %d events", in.cfg.Name, len(events))
	return nil
}

// advance moves the position cursor past the pulled events.
func (in *Instance) advance(events []*models.ChangeEvent) {
	last := ""
	for _, ev := range events {
		if ev.Position != "" {
			last = ev.Position
		}
	}
	if last == "" {
		return
	}
	in.mu.Lock()
	in.position = last
	in.mu.Unlock()
}

func (in *Instance) recordError(err error, operation, eventID string) {
	in.countError(err)
	if in.recovery != nil {
		in.recovery.Handle(err, recovery.OpContext{
			Component: fmt.Sprintf("syncer/%s", in.cfg.Name),
			Operation: operation,
			EventID:   eventID,
		}, nil)
	}
}

func (in *Instance) countConflict() {
	in.mu.Lock()
	in.conflictsDetected++
	in.mu.Unlock()
}

func (in *Instance) countResolved() {
	in.mu.Lock()
	in.conflictsResolved++
	in.mu.Unlock()
}

func (in *Instance) countError(err error) {
	in.mu.Lock()
	in.errorCount++
	in.errorsByCategory[recovery.Classify(err)]++
	in.mu.Unlock()
}

// Stats returns a snapshot of the instance counters.
func (in *Instance) Stats() InstanceStats {
	in.mu.Lock()
	defer in.mu.Unlock()
	byType := make(map[models.EventType]int64, len(in.eventsByType))
	for k, v := range in.eventsByType {
		byType[k] = v
	}
	byCategory := make(map[recovery.Category]int64, len(in.errorsByCategory))
	for k, v := range in.errorsByCategory {
		byCategory[k] = v
	}
	s := InstanceStats{
		State:             in.state,
		EventsProcessed:   in.eventsProcessed,
		EventsByType:      byType,
		ConflictsDetected: in.conflictsDetected,
		ConflictsResolved: in.conflictsResolved,
		Errors:            in.errorCount,
		ErrorsByCategory:  byCategory,
		Restarts:          in.restarts,
		LastSyncAt:        in.lastSyncAt,
		LastHeartbeat:     in.lastHeartbeat,
		Position:          in.position,
	}
	if in.state == StateRunning {
		elapsed := time.Since(in.startedAt).Seconds()
		if elapsed > 0 {
			s.ThroughputPerSec = float64(in.eventsProcessed) / elapsed
		}
	}
	return s
}
