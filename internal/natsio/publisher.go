// Package natsio publishes engine events to NATS: captured changes
// fan out on per-provider subjects and exhausted errors land on the
// dead-letter subject.
package natsio

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"dbsync/internal/models"
	"dbsync/internal/recovery"
)

// Publisher wraps one NATS connection.
type Publisher struct {
	conn   *nats.Conn
	logger *logrus.Logger
}

// NewPublisher connects to NATS with reconnect handling.
func NewPublisher(url string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Infof("Connected to NATS at %s", url)
	return &Publisher{conn: conn, logger: logger}, nil
}

// Publish sends raw bytes to a subject.
func (p *Publisher) Publish(subject string, data []byte) error {
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishJSON marshals v and sends it to a subject.
func (p *Publisher) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", subject, err)
	}
	return p.Publish(subject, data)
}

// Conn returns the underlying NATS connection.
func (p *Publisher) Conn() *nats.Conn {
	return p.conn
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// EventSink delivers dispatched change events to
// "<prefix>.<provider>". Script-transformed events ship their RawJSON
// verbatim.
type EventSink struct {
	pub    *Publisher
	prefix string
}

// NewEventSink creates a sink publishing under the subject prefix.
func NewEventSink(pub *Publisher, prefix string) *EventSink {
	if prefix == "" {
		prefix = "dbsync.changes"
	}
	return &EventSink{pub: pub, prefix: prefix}
}

// Deliver publishes one change event on its provider subject.
func (s *EventSink) Deliver(ctx context.Context, provider string, ev *models.ChangeEvent) error {
	subject := fmt.Sprintf("%s.%s", s.prefix, provider)
	if len(ev.RawJSON) > 0 {
		return s.pub.Publish(subject, ev.RawJSON)
	}
	if err := s.pub.PublishJSON(subject, ev); err != nil {
		return err
	}
	s.pub.logger.Debugf("Published %s event for %s", ev.Type, ev.Source)
	return nil
}

// DeadLetterSink publishes exhausted error events on one subject.
type DeadLetterSink struct {
	pub     *Publisher
	subject string
}

// NewDeadLetterSink creates a dead-letter sink.
func NewDeadLetterSink(pub *Publisher, subject string) *DeadLetterSink {
	if subject == "" {
		subject = "dbsync.deadletter"
	}
	return &DeadLetterSink{pub: pub, subject: subject}
}

// Publish ships one dead-lettered error event.
func (s *DeadLetterSink) Publish(ev *recovery.ErrorEvent) error {
	return s.pub.PublishJSON(s.subject, ev)
}
