package cdc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dbsync/internal/models"
	"dbsync/internal/recovery"
)

// CaptureProvider owns one replication, change-stream, or polling
// session against a source. Positions are opaque provider-specific
// cursors enabling restart-from-position.
type CaptureProvider interface {
	Name() string
	StartCapture(ctx context.Context) (<-chan *models.ChangeEvent, error)
	StopCapture(ctx context.Context) error
	GetCurrentPosition(ctx context.Context) (string, error)
	SetPosition(ctx context.Context, position string) error
}

// ProviderConfig tunes one capture runner.
type ProviderConfig struct {
	Name              string
	IncludeTables     []string
	ExcludeTables     []string
	Operations        []models.EventType
	BufferSize        int
	PutTimeout        time.Duration
	HeartbeatInterval time.Duration
	MonitorInterval   time.Duration
	MaxLagSeconds     float64
	Transform         TransformConfig
}

func (c *ProviderConfig) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.PutTimeout <= 0 {
		c.PutTimeout = 100 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 15 * time.Second
	}
	if c.MaxLagSeconds <= 0 {
		c.MaxLagSeconds = 60
	}
}

// ProviderStats is a snapshot of one runner's counters.
type ProviderStats struct {
	EventsCaptured    int64     `json:"events_captured"`
	EventsFiltered    int64     `json:"events_filtered"`
	EventsDropped     int64     `json:"events_dropped"`
	EventsFailed      int64     `json:"events_failed"`
	EventsDispatched  int64     `json:"events_dispatched"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	LastEventAt       time.Time `json:"last_event_at"`
	LagSeconds        float64   `json:"lag_seconds"`
	BufferLen         int       `json:"buffer_len"`
	BufferCap         int       `json:"buffer_cap"`
	BufferUtilization float64   `json:"buffer_utilization"`
}

// runner wraps one provider with its buffer, filters, transformer,
// and the capture/heartbeat/monitor loops.
type runner struct {
	cfg         ProviderConfig
	provider    CaptureProvider
	buffer      *Buffer
	transformer *Transformer
	logger      *logrus.Logger
	recovery    *recovery.Manager

	include map[string]bool
	exclude map[string]bool
	ops     map[models.EventType]bool

	mu            sync.Mutex
	captured      int64
	filtered      int64
	dropped       int64
	failed        int64
	dispatched    int64
	lastHeartbeat time.Time
	lastEventAt   time.Time
	lastEventTS   time.Time
}

func newRunner(cfg ProviderConfig, provider CaptureProvider, rec *recovery.Manager, logger *logrus.Logger) (*runner, error) {
	cfg.applyDefaults()
	transformer, err := NewTransformer(cfg.Transform, logger)
	if err != nil {
		return nil, err
	}
	r := &runner{
		cfg:         cfg,
		provider:    provider,
		buffer:      NewBuffer(cfg.BufferSize),
		transformer: transformer,
		logger:      logger,
		recovery:    rec,
		include:     make(map[string]bool),
		exclude:     make(map[string]bool),
		ops:         make(map[models.EventType]bool),
	}
	for _, t := range cfg.IncludeTables {
		r.include[t] = true
	}
	for _, t := range cfg.ExcludeTables {
		r.exclude[t] = true
	}
	for _, op := range cfg.Operations {
		r.ops[op] = true
	}
	return r, nil
}

// runCapture reads the provider stream, filters and transforms each
// event, and pushes it into the bounded buffer. A full buffer drops
// the event after PutTimeout instead of blocking the source.
func (r *runner) runCapture(ctx context.Context) {
	name := r.provider.Name()
	ch, err := r.provider.StartCapture(ctx)
	if err != nil {
		r.logger.Errorf("Provider %s failed to start capture: %v", name, err)
		if r.recovery != nil {
			r.recovery.Handle(err, recovery.OpContext{Component: "cdc", Operation: "start_capture"}, nil)
		}
		return
	}
	r.logger.Infof("Provider %s capturing", name)

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.provider.StopCapture(stopCtx); err != nil {
				r.logger.Warnf("Provider %s stop failed: %v", name, err)
			}
			cancel()
			r.logger.Infof("Provider %s capture stopped", name)
			return
		case ev, ok := <-ch:
			if !ok {
				r.logger.Warnf("Provider %s capture stream closed", name)
				return
			}
			r.ingest(ctx, ev)
		}
	}
}

func (r *runner) ingest(ctx context.Context, ev *models.ChangeEvent) {
	r.mu.Lock()
	r.captured++
	r.lastEventAt = time.Now()
	r.lastEventTS = ev.Timestamp
	r.mu.Unlock()

	if !r.allowed(ev) {
		r.count(&r.filtered)
		return
	}

	transformed, err := r.transformer.Transform(ev)
	if err != nil {
		if errors.Is(err, ErrEventRejected) {
			r.logger.Debugf("Provider %s: event rejected by transformer: %s", r.provider.Name(), ev.Source)
			r.count(&r.filtered)
			return
		}
		r.logger.Errorf("Provider %s: transform failed: %v", r.provider.Name(), err)
		if r.recovery != nil {
			r.recovery.Handle(err, recovery.OpContext{Component: "cdc", Operation: "transform", EventID: ev.ID}, nil)
		}
		r.count(&r.failed)
		return
	}

	if err := r.buffer.Put(ctx, transformed, r.cfg.PutTimeout); err != nil {
		if errors.Is(err, ErrBufferFull) {
			r.logger.Warnf("Provider %s: buffer full, dropping event %s", r.provider.Name(), transformed.ID)
			r.count(&r.dropped)
			r.count(&r.failed)
			return
		}
		// Context cancelled mid-put; the capture loop will exit next
		// iteration.
	}
}

func (r *runner) allowed(ev *models.ChangeEvent) bool {
	table := ev.Source.Table
	if len(r.include) > 0 && !r.include[table] {
		return false
	}
	if r.exclude[table] {
		return false
	}
	if len(r.ops) > 0 && !r.ops[ev.Type] {
		return false
	}
	return true
}

// runHeartbeat records a periodic liveness timestamp.
func (r *runner) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			r.lastHeartbeat = time.Now()
			r.mu.Unlock()
		}
	}
}

// runMonitor checks lag and buffer utilization. Lag beyond the
// configured bound is logged, not auto-remediated.
func (r *runner) runMonitor(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := r.stats()
			if stats.LagSeconds > r.cfg.MaxLagSeconds {
				r.logger.Warnf("Provider %s lag %.1fs exceeds %.1fs (buffer %.0f%%)",
					r.provider.Name(), stats.LagSeconds, r.cfg.MaxLagSeconds, stats.BufferUtilization*100)
			} else {
				r.logger.Debugf("Provider %s lag %.1fs, buffer %d/%d",
					r.provider.Name(), stats.LagSeconds, stats.BufferLen, stats.BufferCap)
			}
		}
	}
}

func (r *runner) count(field *int64) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}

func (r *runner) stats() ProviderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := ProviderStats{
		EventsCaptured:   r.captured,
		EventsFiltered:   r.filtered,
		EventsDropped:    r.dropped,
		EventsFailed:     r.failed,
		EventsDispatched: r.dispatched,
		LastHeartbeat:    r.lastHeartbeat,
		LastEventAt:      r.lastEventAt,
		BufferLen:        r.buffer.Len(),
		BufferCap:        r.buffer.Cap(),
	}
	if !r.lastEventTS.IsZero() && !r.lastEventAt.IsZero() {
		s.LagSeconds = r.lastEventAt.Sub(r.lastEventTS).Seconds()
		if s.LagSeconds < 0 {
			s.LagSeconds = 0
		}
	}
	if s.BufferCap > 0 {
		s.BufferUtilization = float64(s.BufferLen) / float64(s.BufferCap)
	}
	return s
}
