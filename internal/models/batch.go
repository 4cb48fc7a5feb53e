package models

import (
	"time"

	"github.com/google/uuid"
)

// EventBatch is an ordered grouping of change events sharing a
// processing status. The distinct source/target table and event type
// indexes are maintained incrementally as events are appended. A
// batch belongs to one sync pass and is mutated by a single owner.
type EventBatch struct {
	ID        string      `json:"id"`
	Status    EventStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	Events    []*ChangeEvent

	sourceTables map[string]int
	targetTables map[string]int
	eventTypes   map[EventType]int
}

// NewEventBatch creates an empty PENDING batch.
func NewEventBatch() *EventBatch {
	return &EventBatch{
		ID:           uuid.NewString(),
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
		sourceTables: make(map[string]int),
		targetTables: make(map[string]int),
		eventTypes:   make(map[EventType]int),
	}
}

// Append adds an event to the batch, keeping the derived indexes
// current.
func (b *EventBatch) Append(e *ChangeEvent) {
	b.Events = append(b.Events, e)
	b.sourceTables[e.Source.String()]++
	if e.Target.Table != "" {
		b.targetTables[e.Target.String()]++
	}
	b.eventTypes[e.Type]++
}

// Len returns the number of events in the batch.
func (b *EventBatch) Len() int {
	return len(b.Events)
}

// SourceTables returns the distinct source tables in the batch.
func (b *EventBatch) SourceTables() []string {
	return keys(b.sourceTables)
}

// TargetTables returns the distinct target tables in the batch.
func (b *EventBatch) TargetTables() []string {
	return keys(b.targetTables)
}

// EventTypes returns the distinct event types in the batch.
func (b *EventBatch) EventTypes() []EventType {
	out := make([]EventType, 0, len(b.eventTypes))
	for t := range b.eventTypes {
		out = append(out, t)
	}
	return out
}

// TypeCount returns how many events of the given type the batch holds.
func (b *EventBatch) TypeCount(t EventType) int {
	return b.eventTypes[t]
}

// Progress reports how many events completed, how many ended failed
// or skipped, and how many are still in flight.
func (b *EventBatch) Progress() (completed, failed, remaining int) {
	for _, e := range b.Events {
		switch {
		case e.Status == StatusCompleted:
			completed++
		case e.Terminal():
			failed++
		default:
			remaining++
		}
	}
	return completed, failed, remaining
}

// SetStatus moves every non-terminal event and the batch itself to
// the given status.
func (b *EventBatch) SetStatus(status EventStatus) {
	b.Status = status
	for _, e := range b.Events {
		if !e.Terminal() {
			// Individual events that already finished keep their state.
			_ = e.SetStatus(status)
		}
	}
}

func keys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
