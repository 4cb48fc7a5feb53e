package cdc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dbsync/internal/adapter"
	"dbsync/internal/models"
	"dbsync/internal/recovery"
)

// Sink receives dispatched events, one downstream queue per provider.
type Sink interface {
	Deliver(ctx context.Context, provider string, ev *models.ChangeEvent) error
}

// Coordinator runs one capture runner per configured source and a
// dispatcher that drains each runner's buffer into its downstream
// queue. One slow consumer cannot stall other providers: each
// provider gets its own dispatch loop with a per-event timeout.
type Coordinator struct {
	logger   *logrus.Logger
	recovery *recovery.Manager
	sink     Sink

	// DeliverTimeout bounds one downstream delivery.
	DeliverTimeout time.Duration

	mu      sync.Mutex
	runners map[string]*runner
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewCoordinator creates a coordinator delivering into sink.
func NewCoordinator(sink Sink, rec *recovery.Manager, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		logger:         logger,
		recovery:       rec,
		sink:           sink,
		DeliverTimeout: time.Second,
		runners:        make(map[string]*runner),
	}
}

// AddProvider registers a capture provider. Must be called before
// Start.
func (c *Coordinator) AddProvider(cfg ProviderConfig, provider CaptureProvider) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("cannot add provider %s: coordinator already started", provider.Name())
	}
	if _, ok := c.runners[provider.Name()]; ok {
		return fmt.Errorf("provider %s already registered", provider.Name())
	}
	r, err := newRunner(cfg, provider, c.recovery, c.logger)
	if err != nil {
		return fmt.Errorf("failed to build runner for %s: %w", provider.Name(), err)
	}
	c.runners[provider.Name()] = r
	return nil
}

// Start launches the capture, heartbeat, monitor, and dispatch loops
// for every registered provider.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("coordinator already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	for name, r := range c.runners {
		r := r
		c.wg.Add(4)
		go func() { defer c.wg.Done(); r.runCapture(runCtx) }()
		go func() { defer c.wg.Done(); r.runHeartbeat(runCtx) }()
		go func() { defer c.wg.Done(); r.runMonitor(runCtx) }()
		go func() { defer c.wg.Done(); c.dispatch(runCtx, r) }()
		c.logger.Infof("CDC provider %s started", name)
	}
	return nil
}

// Stop cancels every loop and waits for them to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	c.logger.Info("CDC coordinator stopped")
}

// dispatch drains one runner's buffer into the sink.
func (c *Coordinator) dispatch(ctx context.Context, r *runner) {
	name := r.provider.Name()
	for {
		ev, err := r.buffer.Get(ctx, 200*time.Millisecond)
		if err != nil {
			// Context cancelled.
			c.logger.Debugf("Dispatcher for %s stopped", name)
			return
		}
		if ev == nil {
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, c.DeliverTimeout)
		err = c.sink.Deliver(dctx, name, ev)
		cancel()
		if err != nil {
			r.count(&r.failed)
			c.logger.Errorf("Dispatcher for %s failed to deliver event %s: %v", name, ev.ID, err)
			if c.recovery != nil {
				c.recovery.Handle(err, recovery.OpContext{Component: "cdc", Operation: "dispatch", EventID: ev.ID}, nil)
			}
			continue
		}
		r.count(&r.dispatched)
	}
}

// Stats returns per-provider statistics without pausing capture.
func (c *Coordinator) Stats() map[string]ProviderStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ProviderStats, len(c.runners))
	for name, r := range c.runners {
		out[name] = r.stats()
	}
	return out
}

// connectorProvider bridges an adapter.CDCConnector to the
// CaptureProvider contract.
type connectorProvider struct {
	name   string
	conn   adapter.CDCConnector
	tables []string
}

// NewConnectorProvider wraps a CDC-capable adapter as a capture
// provider limited to the given tables.
func NewConnectorProvider(name string, conn adapter.CDCConnector, tables []string) CaptureProvider {
	return &connectorProvider{name: name, conn: conn, tables: tables}
}

func (p *connectorProvider) Name() string { return p.name }

func (p *connectorProvider) StartCapture(ctx context.Context) (<-chan *models.ChangeEvent, error) {
	return p.conn.StartCDC(ctx, p.tables)
}

func (p *connectorProvider) StopCapture(ctx context.Context) error {
	return p.conn.StopCDC(ctx)
}

func (p *connectorProvider) GetCurrentPosition(ctx context.Context) (string, error) {
	return p.conn.GetCurrentPosition(ctx)
}

func (p *connectorProvider) SetPosition(ctx context.Context, position string) error {
	return p.conn.SetPosition(ctx, position)
}

// QueueSink is an in-process Sink keeping one bounded queue per
// provider. Consumers drain queues with Take.
type QueueSink struct {
	size   int
	mu     sync.Mutex
	queues map[string]*Buffer
}

// NewQueueSink creates a sink whose per-provider queues hold up to
// size events.
func NewQueueSink(size int) *QueueSink {
	if size <= 0 {
		size = 1000
	}
	return &QueueSink{size: size, queues: make(map[string]*Buffer)}
}

func (s *QueueSink) queue(provider string) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[provider]
	if !ok {
		q = NewBuffer(s.size)
		s.queues[provider] = q
	}
	return q
}

// Deliver enqueues the event, honoring the dispatcher's per-event
// timeout through ctx.
func (s *QueueSink) Deliver(ctx context.Context, provider string, ev *models.ChangeEvent) error {
	deadline, ok := ctx.Deadline()
	timeout := time.Second
	if ok {
		timeout = time.Until(deadline)
	}
	return s.queue(provider).Put(ctx, ev, timeout)
}

// Take dequeues the next event from one provider's queue, waiting at
// most timeout.
func (s *QueueSink) Take(ctx context.Context, provider string, timeout time.Duration) (*models.ChangeEvent, error) {
	return s.queue(provider).Get(ctx, timeout)
}
