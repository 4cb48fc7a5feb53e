package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dbsync/internal/conflict"
)

// EventType identifies the kind of mutation a change event carries.
type EventType string

const (
	EventInsert     EventType = "INSERT"
	EventUpdate     EventType = "UPDATE"
	EventDelete     EventType = "DELETE"
	EventBulkInsert EventType = "BULK_INSERT"
	EventBulkUpdate EventType = "BULK_UPDATE"
	EventBulkDelete EventType = "BULK_DELETE"
)

// EventStatus is the processing state of a change event. Transitions
// only move forward; terminal states never change.
type EventStatus string

const (
	StatusPending    EventStatus = "PENDING"
	StatusProcessing EventStatus = "PROCESSING"
	StatusRetrying   EventStatus = "RETRYING"
	StatusCompleted  EventStatus = "COMPLETED"
	StatusFailed     EventStatus = "FAILED"
	StatusSkipped    EventStatus = "SKIPPED"
)

// statusRank orders statuses so transitions can be checked for
// forward progress. RETRYING sits beside PROCESSING since an event
// may bounce between them until it reaches a terminal state.
var statusRank = map[EventStatus]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusRetrying:   1,
	StatusCompleted:  2,
	StatusFailed:     2,
	StatusSkipped:    2,
}

// ErrInvalidTransition is returned when a status change would move an
// event backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// TableRef names one table within a database and optional schema.
type TableRef struct {
	Database string `json:"database"`
	Schema   string `json:"schema,omitempty"`
	Table    string `json:"table"`
}

func (t TableRef) String() string {
	if t.Schema != "" {
		return fmt.Sprintf("%s.%s.%s", t.Database, t.Schema, t.Table)
	}
	return fmt.Sprintf("%s.%s", t.Database, t.Table)
}

// ChangeEvent represents one captured or desired record mutation.
type ChangeEvent struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	Status        EventStatus            `json:"status"`
	Source        TableRef               `json:"source"`
	Target        TableRef               `json:"target"`
	PrimaryKey    map[string]interface{} `json:"primary_key,omitempty"`
	OldValues     map[string]interface{} `json:"old_values,omitempty"`
	NewValues     map[string]interface{} `json:"new_values,omitempty"`
	ChangedFields []string               `json:"changed_fields,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Position      string                 `json:"position,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`

	ConflictStrategy conflict.Strategy      `json:"conflict_strategy,omitempty"`
	ConflictResolved bool                   `json:"conflict_resolved"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`

	// RawJSON carries a script-transformed payload verbatim; when set,
	// publishers ship it instead of re-marshalling the struct.
	RawJSON []byte `json:"-"`
}

// NewChangeEvent builds a validated change event in PENDING state.
func NewChangeEvent(eventType EventType, source, target TableRef, primaryKey, oldValues, newValues map[string]interface{}) (*ChangeEvent, error) {
	e := &ChangeEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		Status:     StatusPending,
		Source:     source,
		Target:     target,
		PrimaryKey: primaryKey,
		OldValues:  oldValues,
		NewValues:  newValues,
		Timestamp:  time.Now().UTC(),
		MaxRetries: 3,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the event invariants.
func (e *ChangeEvent) Validate() error {
	switch e.Type {
	case EventInsert, EventUpdate, EventDelete, EventBulkInsert, EventBulkUpdate, EventBulkDelete:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Source.Table == "" {
		return fmt.Errorf("change event requires a source table")
	}

	switch e.Type {
	case EventUpdate, EventBulkUpdate:
		if len(e.PrimaryKey) == 0 {
			return fmt.Errorf("%s event requires a primary key", e.Type)
		}
		if len(e.OldValues) == 0 && len(e.NewValues) == 0 {
			return fmt.Errorf("%s event requires old or new values", e.Type)
		}
	case EventDelete, EventBulkDelete:
		if len(e.PrimaryKey) == 0 {
			return fmt.Errorf("%s event requires a primary key", e.Type)
		}
		if len(e.NewValues) > 0 {
			return fmt.Errorf("%s event must not carry new values", e.Type)
		}
	case EventInsert, EventBulkInsert:
		if len(e.NewValues) == 0 {
			return fmt.Errorf("%s event requires new values", e.Type)
		}
	}
	return nil
}

// SetStatus advances the event status, rejecting backward moves and
// any change out of a terminal state.
func (e *ChangeEvent) SetStatus(next EventStatus) error {
	curRank, ok := statusRank[e.Status]
	if !ok {
		return fmt.Errorf("%w: unknown current status %q", ErrInvalidTransition, e.Status)
	}
	nextRank, ok := statusRank[next]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if curRank == 2 && e.Status != next {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, e.Status)
	}
	if nextRank < curRank {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, next)
	}
	e.Status = next
	return nil
}

// Terminal reports whether the event reached a final status.
func (e *ChangeEvent) Terminal() bool {
	return statusRank[e.Status] == 2
}

// CanRetry reports whether the event has retry budget left.
func (e *ChangeEvent) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// MergeWith combines two events for the same record into one UPDATE.
// Both events must share primary key and source table and differ in
// timestamp. Per field the most recent non-nil value wins, changed
// fields are unioned, and the timestamp is the max, so the merge is
// independent of argument order.
func (e *ChangeEvent) MergeWith(other *ChangeEvent) (*ChangeEvent, error) {
	if other == nil {
		return nil, fmt.Errorf("cannot merge with nil event")
	}
	if e.Source != other.Source {
		return nil, fmt.Errorf("cannot merge events for different tables: %s vs %s", e.Source, other.Source)
	}
	if !sameKey(e.PrimaryKey, other.PrimaryKey) {
		return nil, fmt.Errorf("cannot merge events with different primary keys")
	}
	if e.Timestamp.Equal(other.Timestamp) {
		return nil, fmt.Errorf("cannot merge events with identical timestamps")
	}

	newer, older := e, other
	if other.Timestamp.After(e.Timestamp) {
		newer, older = other, e
	}

	merged := make(map[string]interface{})
	for k, v := range older.NewValues {
		if v != nil {
			merged[k] = v
		}
	}
	for k, v := range newer.NewValues {
		if v != nil {
			merged[k] = v
		} else if _, ok := merged[k]; !ok {
			merged[k] = nil
		}
	}

	fields := make([]string, 0, len(e.ChangedFields)+len(other.ChangedFields))
	seen := make(map[string]bool)
	for _, list := range [][]string{older.ChangedFields, newer.ChangedFields} {
		for _, f := range list {
			if !seen[f] {
				seen[f] = true
				fields = append(fields, f)
			}
		}
	}

	out := &ChangeEvent{
		ID:            uuid.NewString(),
		Type:          EventUpdate,
		Status:        StatusPending,
		Source:        e.Source,
		Target:        e.Target,
		PrimaryKey:    e.PrimaryKey,
		OldValues:     older.OldValues,
		NewValues:     merged,
		ChangedFields: fields,
		Timestamp:     newer.Timestamp,
		Position:      newer.Position,
		CorrelationID: newer.CorrelationID,
		MaxRetries:    e.MaxRetries,
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("merge produced invalid event: %w", err)
	}
	return out, nil
}

func sameKey(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprintf("%v", av) != fmt.Sprintf("%v", bv) {
			return false
		}
	}
	return true
}
