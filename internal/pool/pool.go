// Package pool provides a generic, backend-agnostic connection pool.
// Creation, validation, and close are supplied per backend through
// the Factory interface; the pool owns sizing, reuse, health checks,
// and backpressure.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrPoolExhausted is returned when no connection becomes
	// available within the configured connection timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrPoolClosed is returned for operations on a closed pool.
	ErrPoolClosed = errors.New("connection pool closed")
)

// Factory supplies backend-specific connection lifecycle operations.
type Factory[T any] interface {
	Create(ctx context.Context) (T, error)
	Validate(conn T) bool
	Close(conn T) error
}

// Config sizes one pool.
type Config struct {
	MinConnections      int
	MaxConnections      int
	ConnectionTimeout   time.Duration
	MaxIdleTime         time.Duration
	HealthCheckInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.MinConnections < 0 {
		c.MinConnections = 0
	}
	if c.MinConnections > c.MaxConnections {
		c.MinConnections = c.MaxConnections
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 5 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
}

// Conn is one pooled connection handle. A handle is owned by exactly
// one pool and is either available or borrowed, never both.
type Conn[T any] struct {
	Resource  T
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
	borrowed  bool
}

// UseCount returns how many times the connection has been borrowed.
func (c *Conn[T]) UseCount() int64 { return c.useCount }

// Age returns how long ago the connection was created.
func (c *Conn[T]) Age() time.Duration { return time.Since(c.createdAt) }

// Stats is a snapshot of pool counters.
type Stats struct {
	Available           int   `json:"available"`
	Borrowed            int   `json:"borrowed"`
	Created             int64 `json:"created"`
	Reused              int64 `json:"reused"`
	Closed              int64 `json:"closed"`
	HealthCheckFailures int64 `json:"health_check_failures"`
}

// Pool maintains between MinConnections and MaxConnections live
// connections for one backend.
type Pool[T any] struct {
	name    string
	cfg     Config
	factory Factory[T]
	logger  *logrus.Logger

	mu        sync.Mutex
	available []*Conn[T]
	borrowed  map[*Conn[T]]bool
	pending   int // creations in flight, reserved against the max
	closed    bool

	created        int64
	reused         int64
	closedCount    int64
	healthFailures int64

	// notify wakes one waiter after a return or close.
	notify chan struct{}
}

// New creates a pool and pre-fills it to MinConnections.
func New[T any](name string, cfg Config, factory Factory[T], logger *logrus.Logger) (*Pool[T], error) {
	cfg.applyDefaults()
	p := &Pool[T]{
		name:      name,
		cfg:       cfg,
		factory:   factory,
		logger:    logger,
		available: make([]*Conn[T], 0, cfg.MaxConnections),
		borrowed:  make(map[*Conn[T]]bool),
		notify:    make(chan struct{}, 1),
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer cancel()
	for i := 0; i < cfg.MinConnections; i++ {
		res, err := factory.Create(ctx)
		if err != nil {
			p.closeAll()
			return nil, fmt.Errorf("failed to pre-fill pool %s: %w", name, err)
		}
		now := time.Now()
		p.available = append(p.available, &Conn[T]{Resource: res, createdAt: now, lastUsed: now})
		p.created++
	}
	logger.Infof("Connection pool %s ready (min=%d max=%d)", name, cfg.MinConnections, cfg.MaxConnections)
	return p, nil
}

// Borrow leases a connection: an idle one if present, a fresh one if
// under the max, otherwise it waits up to ConnectionTimeout and fails
// with ErrPoolExhausted.
func (p *Pool[T]) Borrow(ctx context.Context) (*Conn[T], error) {
	deadline := time.NewTimer(p.cfg.ConnectionTimeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if n := len(p.available); n > 0 {
			c := p.available[n-1]
			p.available = p.available[:n-1]
			c.borrowed = true
			c.useCount++
			c.lastUsed = time.Now()
			p.borrowed[c] = true
			p.reused++
			p.mu.Unlock()
			return c, nil
		}
		if len(p.borrowed)+p.pending < p.cfg.MaxConnections {
			p.pending++
			p.mu.Unlock()

			res, err := p.factory.Create(ctx)

			p.mu.Lock()
			p.pending--
			if err != nil {
				p.mu.Unlock()
				p.wake()
				return nil, fmt.Errorf("failed to create connection for pool %s: %w", p.name, err)
			}
			now := time.Now()
			c := &Conn[T]{Resource: res, createdAt: now, lastUsed: now, useCount: 1, borrowed: true}
			p.borrowed[c] = true
			p.created++
			p.mu.Unlock()
			return c, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: no connection available within %s", ErrPoolExhausted, p.cfg.ConnectionTimeout)
		case <-p.notify:
		}
	}
}

// Return moves a borrowed connection back to the available set. A
// handle the pool does not recognize is ignored.
func (p *Pool[T]) Return(c *Conn[T]) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if !p.borrowed[c] {
		p.mu.Unlock()
		return
	}
	delete(p.borrowed, c)
	c.borrowed = false
	c.lastUsed = time.Now()
	if p.closed {
		p.mu.Unlock()
		p.closeConn(c)
		return
	}
	p.available = append(p.available, c)
	p.mu.Unlock()
	p.wake()
}

// ExecuteWith borrows a connection, runs op, and releases the
// connection on every exit path.
func (p *Pool[T]) ExecuteWith(ctx context.Context, op func(conn T) error) error {
	c, err := p.Borrow(ctx)
	if err != nil {
		return err
	}
	defer p.Return(c)
	return op(c.Resource)
}

// Run drives periodic health passes until the context is cancelled.
func (p *Pool[T]) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Debugf("Pool %s health loop stopped", p.name)
			return
		case <-ticker.C:
			p.healthPass(ctx)
		}
	}
}

// healthPass closes idle-expired or invalid connections, then refills
// to MinConnections. Validation runs outside the pool lock.
func (p *Pool[T]) healthPass(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	candidates := p.available
	p.available = nil
	p.mu.Unlock()

	keep := make([]*Conn[T], 0, len(candidates))
	for _, c := range candidates {
		if time.Since(c.lastUsed) > p.cfg.MaxIdleTime {
			p.logger.Debugf("Pool %s closing idle connection (idle %s)", p.name, time.Since(c.lastUsed))
			p.closeConn(c)
			continue
		}
		if !p.factory.Validate(c.Resource) {
			p.mu.Lock()
			p.healthFailures++
			p.mu.Unlock()
			p.logger.Warnf("Pool %s closing connection that failed validation", p.name)
			p.closeConn(c)
			continue
		}
		keep = append(keep, c)
	}

	p.mu.Lock()
	p.available = append(keep, p.available...)
	deficit := p.cfg.MinConnections - (len(p.available) + len(p.borrowed) + p.pending)
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		res, err := p.factory.Create(ctx)
		if err != nil {
			p.logger.Warnf("Pool %s refill failed: %v", p.name, err)
			return
		}
		now := time.Now()
		p.mu.Lock()
		p.available = append(p.available, &Conn[T]{Resource: res, createdAt: now, lastUsed: now})
		p.created++
		p.mu.Unlock()
		p.wake()
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Available:           len(p.available),
		Borrowed:            len(p.borrowed),
		Created:             p.created,
		Reused:              p.reused,
		Closed:              p.closedCount,
		HealthCheckFailures: p.healthFailures,
	}
}

// Close shuts the pool down. Available connections close immediately;
// borrowed ones close as they are returned.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.closeAll()
	p.wake()
	p.logger.Infof("Connection pool %s closed", p.name)
}

func (p *Pool[T]) closeAll() {
	p.mu.Lock()
	conns := p.available
	p.available = nil
	p.mu.Unlock()
	for _, c := range conns {
		p.closeConn(c)
	}
}

func (p *Pool[T]) closeConn(c *Conn[T]) {
	if err := p.factory.Close(c.Resource); err != nil {
		p.logger.Warnf("Pool %s error closing connection: %v", p.name, err)
	}
	p.mu.Lock()
	p.closedCount++
	p.mu.Unlock()
}

func (p *Pool[T]) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}
