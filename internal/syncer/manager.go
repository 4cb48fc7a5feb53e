// Package syncer is the top-level orchestrator. It owns named sync
// configurations, runs one instance per configuration, and supervises
// their heartbeats and conflict rates.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dbsync/internal/adapter"
	"dbsync/internal/conflict"
	"dbsync/internal/pool"
	"dbsync/internal/recovery"
	"dbsync/internal/txn"
)

// ConnectorFactory builds one new connection to an endpoint.
type ConnectorFactory func(ctx context.Context) (adapter.Connector, error)

// connFactory adapts a ConnectorFactory to the pool contract.
type connFactory struct {
	build ConnectorFactory
}

func (f *connFactory) Create(ctx context.Context) (adapter.Connector, error) {
	conn, err := f.build(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return conn, nil
}

func (f *connFactory) Validate(conn adapter.Connector) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.ValidateConnection(ctx)
}

func (f *connFactory) Close(conn adapter.Connector) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Disconnect(ctx)
}

// ManagerConfig tunes the supervisor.
type ManagerConfig struct {
	SupervisorInterval time.Duration
	// StaleHeartbeat is how long an instance may go without a
	// heartbeat before the supervisor restarts it.
	StaleHeartbeat time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.SupervisorInterval <= 0 {
		c.SupervisorInterval = 10 * time.Second
	}
	if c.StaleHeartbeat <= 0 {
		c.StaleHeartbeat = time.Minute
	}
}

// Manager owns endpoints, configurations, and running instances.
type Manager struct {
	cfg      ManagerConfig
	resolver *conflict.Resolver
	txman    *txn.Manager
	recovery *recovery.Manager
	logger   *logrus.Logger

	mu        sync.Mutex
	endpoints map[string]*pool.Pool[adapter.Connector]
	instances map[string]*Instance
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

// NewManager creates a sync manager wired to its collaborators.
func NewManager(cfg ManagerConfig, resolver *conflict.Resolver, txman *txn.Manager, rec *recovery.Manager, logger *logrus.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:       cfg,
		resolver:  resolver,
		txman:     txman,
		recovery:  rec,
		logger:    logger,
		endpoints: make(map[string]*pool.Pool[adapter.Connector]),
		instances: make(map[string]*Instance),
	}
}

// RegisterEndpoint creates a connection pool for one endpoint id.
func (m *Manager) RegisterEndpoint(id string, factory ConnectorFactory, poolCfg pool.Config) error {
	p, err := pool.New[adapter.Connector](id, poolCfg, &connFactory{build: factory}, m.logger)
	if err != nil {
		return fmt.Errorf("failed to create pool for endpoint %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[id]; ok {
		p.Close()
		return fmt.Errorf("endpoint %s already registered", id)
	}
	m.endpoints[id] = p
	return nil
}

// AddConfig registers a sync configuration. Its endpoints must be
// registered first.
func (m *Manager) AddConfig(cfg SyncConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.Name == "" {
		return fmt.Errorf("sync configuration requires a name")
	}
	if _, ok := m.instances[cfg.Name]; ok {
		return fmt.Errorf("sync configuration %s already exists", cfg.Name)
	}
	source, ok := m.endpoints[cfg.SourceID]
	if !ok {
		return fmt.Errorf("unknown source endpoint %q", cfg.SourceID)
	}
	target, ok := m.endpoints[cfg.TargetID]
	if !ok {
		return fmt.Errorf("unknown target endpoint %q", cfg.TargetID)
	}
	in := newInstance(cfg, source, target, m.resolver, m.txman, m.recovery, m.logger)
	m.instances[cfg.Name] = in
	if m.started {
		in.start(m.runCtx)
	}
	return nil
}

// Start launches every instance, the endpoint pool health loops, and
// the supervisor.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("sync manager already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.cancel = cancel
	m.started = true
	instances := make([]*Instance, 0, len(m.instances))
	for _, in := range m.instances {
		instances = append(instances, in)
	}
	pools := make([]*pool.Pool[adapter.Connector], 0, len(m.endpoints))
	for _, p := range m.endpoints {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		p := p
		m.wg.Add(1)
		go func() { defer m.wg.Done(); p.Run(runCtx) }()
	}
	for _, in := range instances {
		in.start(runCtx)
	}
	m.wg.Add(1)
	go func() { defer m.wg.Done(); m.runSupervisor(runCtx) }()

	m.logger.Infof("Sync manager started with %d configurations", len(instances))
	return nil
}

// Stop cancels everything, waits for loops to exit, and closes the
// endpoint pools.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	instances := make([]*Instance, 0, len(m.instances))
	for _, in := range m.instances {
		instances = append(instances, in)
	}
	pools := make([]*pool.Pool[adapter.Connector], 0, len(m.endpoints))
	for _, p := range m.endpoints {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, in := range instances {
		in.stop(StateStopped)
	}
	cancel()
	m.wg.Wait()
	for _, p := range pools {
		p.Close()
	}

	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
	m.logger.Info("Sync manager stopped")
}

// runSupervisor restarts instances with stale heartbeats and pauses
// instances whose conflict count crossed their threshold; an excess
// of conflicts signals mapping or schema drift, not load.
func (m *Manager) runSupervisor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SupervisorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Supervisor stopped")
			return
		case <-ticker.C:
			m.superviseOnce(ctx)
		}
	}
}

func (m *Manager) superviseOnce(ctx context.Context) {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, in := range m.instances {
		instances = append(instances, in)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, in := range instances {
		stats := in.Stats()
		if stats.State != StateRunning {
			continue
		}
		if stats.ConflictsDetected > in.cfg.ConflictThreshold {
			m.logger.Warnf("Pausing instance %s: %d conflicts exceed threshold %d, likely mapping or schema drift",
				in.cfg.Name, stats.ConflictsDetected, in.cfg.ConflictThreshold)
			in.stop(StatePaused)
			continue
		}
		if now.Sub(stats.LastHeartbeat) > m.cfg.StaleHeartbeat {
			m.logger.Warnf("Restarting instance %s: heartbeat stale for %s",
				in.cfg.Name, now.Sub(stats.LastHeartbeat))
			in.stop(StateStopped)
			in.mu.Lock()
			in.restarts++
			in.mu.Unlock()
			in.start(ctx)
		}
	}
}

// TriggerSync requests an on-demand pass for one configuration.
func (m *Manager) TriggerSync(name string) error {
	in, err := m.instance(name)
	if err != nil {
		return err
	}
	in.TriggerSync()
	return nil
}

// PauseInstance stops one instance's loops, keeping its state.
func (m *Manager) PauseInstance(name string) error {
	in, err := m.instance(name)
	if err != nil {
		return err
	}
	in.stop(StatePaused)
	return nil
}

// ResumeInstance restarts a paused instance.
func (m *Manager) ResumeInstance(name string) error {
	in, err := m.instance(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	runCtx, started := m.runCtx, m.started
	m.mu.Unlock()
	if !started {
		return fmt.Errorf("sync manager is not running")
	}
	in.mu.Lock()
	if in.state == StatePaused {
		in.state = StateStopped
	}
	in.mu.Unlock()
	in.start(runCtx)
	return nil
}

// Stats returns one instance's counters.
func (m *Manager) Stats(name string) (InstanceStats, error) {
	in, err := m.instance(name)
	if err != nil {
		return InstanceStats{}, err
	}
	return in.Stats(), nil
}

// StatsAll returns counters for every configuration.
func (m *Manager) StatsAll() map[string]InstanceStats {
	m.mu.Lock()
	instances := make(map[string]*Instance, len(m.instances))
	for name, in := range m.instances {
		instances[name] = in
	}
	m.mu.Unlock()

	out := make(map[string]InstanceStats, len(instances))
	for name, in := range instances {
		out[name] = in.Stats()
	}
	return out
}

// PoolStats returns the connection pool counters per endpoint.
func (m *Manager) PoolStats() map[string]pool.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]pool.Stats, len(m.endpoints))
	for id, p := range m.endpoints {
		out[id] = p.Stats()
	}
	return out
}

func (m *Manager) instance(name string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instances[name]
	if !ok {
		return nil, fmt.Errorf("unknown sync configuration %q", name)
	}
	return in, nil
}
