package adapter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"dbsync/internal/models"
)

// MemoryAdapter is an in-process Connector backed by maps. It serves
// tests and local development, and doubles as the reference for what
// each contract method must do.
type MemoryAdapter struct {
	name string

	mu        sync.Mutex
	connected bool
	tables    map[string]map[string]map[string]interface{}
	schemas   map[string]*Schema

	// changes is the ordered capture log; position cursors index into
	// it as decimal sequence numbers.
	changes []*models.ChangeEvent
	nextSeq int64
	pos     int64

	staged map[string][]*models.ChangeEvent

	cdcCh   chan *models.ChangeEvent
	cdcOpen bool
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter(name string) *MemoryAdapter {
	return &MemoryAdapter{
		name:    name,
		tables:  make(map[string]map[string]map[string]interface{}),
		schemas: make(map[string]*Schema),
		staged:  make(map[string][]*models.ChangeEvent),
	}
}

func (a *MemoryAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = true
	return nil
}

func (a *MemoryAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

// ExecuteQuery supports the "SELECT <table>" form only; the in-memory
// store has no SQL engine.
func (a *MemoryAdapter) ExecuteQuery(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	table := strings.TrimSpace(strings.TrimPrefix(query, "SELECT"))
	rows, ok := a.tables[table]
	if !ok {
		return nil, nil
	}
	out := make([]map[string]interface{}, 0, len(rows))
	for _, r := range rows {
		out = append(out, copyRow(r))
	}
	return out, nil
}

func (a *MemoryAdapter) ExecuteOperation(ctx context.Context, op *models.ChangeEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if op.TransactionID != "" {
		if _, ok := a.staged[op.TransactionID]; ok {
			a.staged[op.TransactionID] = append(a.staged[op.TransactionID], op)
			return nil
		}
	}
	return a.applyLocked(op)
}

func (a *MemoryAdapter) applyLocked(op *models.ChangeEvent) error {
	table := op.Target.Table
	if table == "" {
		table = op.Source.Table
	}
	rows, ok := a.tables[table]
	if !ok {
		rows = make(map[string]map[string]interface{})
		a.tables[table] = rows
	}
	key := pkString(op.PrimaryKey)
	switch op.Type {
	case models.EventInsert, models.EventBulkInsert:
		if key == "" {
			key = pkString(op.NewValues)
		}
		rows[key] = copyRow(op.NewValues)
	case models.EventUpdate, models.EventBulkUpdate:
		row, ok := rows[key]
		if !ok {
			row = make(map[string]interface{})
			rows[key] = row
		}
		for k, v := range op.NewValues {
			row[k] = v
		}
	case models.EventDelete, models.EventBulkDelete:
		delete(rows, key)
	default:
		return fmt.Errorf("unsupported operation type %q", op.Type)
	}
	return nil
}

func (a *MemoryAdapter) GetTableSchema(ctx context.Context, table string) (*Schema, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.schemas[table]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("no such table %q", table)
}

// SetTableSchema registers a schema, for tests and assembly code.
func (a *MemoryAdapter) SetTableSchema(s *Schema) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.schemas[s.Table] = s
}

// PushChange records a change in the capture log, assigning it the
// next position, and streams it to an open CDC channel.
func (a *MemoryAdapter) PushChange(ev *models.ChangeEvent) {
	a.mu.Lock()
	a.nextSeq++
	ev.Position = strconv.FormatInt(a.nextSeq, 10)
	a.changes = append(a.changes, ev)
	ch := a.cdcCh
	open := a.cdcOpen
	a.mu.Unlock()
	if open {
		ch <- ev
	}
}

func (a *MemoryAdapter) GetChanges(ctx context.Context, lastPosition string) ([]*models.ChangeEvent, error) {
	after := int64(0)
	if lastPosition != "" {
		n, err := strconv.ParseInt(lastPosition, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid position %q: %w", lastPosition, err)
		}
		after = n
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*models.ChangeEvent, 0)
	for _, ev := range a.changes {
		seq, _ := strconv.ParseInt(ev.Position, 10, 64)
		if seq > after {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (a *MemoryAdapter) ApplyChanges(ctx context.Context, ops []*models.ChangeEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, op := range ops {
		if err := a.applyLocked(op); err != nil {
			return err
		}
	}
	return nil
}

func (a *MemoryAdapter) ValidateConnection(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *MemoryAdapter) HealthCheck(ctx context.Context) HealthStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	status := HealthStatus{Healthy: a.connected, CheckedAt: time.Now()}
	if !a.connected {
		status.Detail = "not connected"
	}
	return status
}

func (a *MemoryAdapter) BeginTransaction(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.staged[id]; ok {
		return fmt.Errorf("transaction %s already open", id)
	}
	a.staged[id] = make([]*models.ChangeEvent, 0)
	return nil
}

func (a *MemoryAdapter) CommitTransaction(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ops, ok := a.staged[id]
	if !ok {
		return fmt.Errorf("transaction %s not open", id)
	}
	for _, op := range ops {
		if err := a.applyLocked(op); err != nil {
			return err
		}
	}
	delete(a.staged, id)
	return nil
}

func (a *MemoryAdapter) RollbackTransaction(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.staged[id]; !ok {
		return fmt.Errorf("transaction %s not open", id)
	}
	delete(a.staged, id)
	return nil
}

func (a *MemoryAdapter) StartCDC(ctx context.Context, tables []string) (<-chan *models.ChangeEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cdcOpen {
		return nil, fmt.Errorf("cdc already started on %s", a.name)
	}
	a.cdcCh = make(chan *models.ChangeEvent, 64)
	a.cdcOpen = true
	return a.cdcCh, nil
}

func (a *MemoryAdapter) StopCDC(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.cdcOpen {
		return nil
	}
	a.cdcOpen = false
	close(a.cdcCh)
	return nil
}

func (a *MemoryAdapter) GetCurrentPosition(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strconv.FormatInt(a.pos, 10), nil
}

func (a *MemoryAdapter) SetPosition(ctx context.Context, position string) error {
	n, err := strconv.ParseInt(position, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid position %q: %w", position, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pos = n
	return nil
}

// FetchRecord returns the current version of one record, or nil when
// it does not exist.
func (a *MemoryAdapter) FetchRecord(ctx context.Context, table string, primaryKey map[string]interface{}) (map[string]interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rows, ok := a.tables[table]
	if !ok {
		return nil, nil
	}
	row, ok := rows[pkString(primaryKey)]
	if !ok {
		return nil, nil
	}
	return copyRow(row), nil
}

// Record is a test helper equivalent to FetchRecord without a context.
func (a *MemoryAdapter) Record(table string, primaryKey map[string]interface{}) map[string]interface{} {
	rec, _ := a.FetchRecord(context.Background(), table, primaryKey)
	return rec
}

// SeedRecord inserts a record directly, bypassing the change log.
func (a *MemoryAdapter) SeedRecord(table string, primaryKey, values map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rows, ok := a.tables[table]
	if !ok {
		rows = make(map[string]map[string]interface{})
		a.tables[table] = rows
	}
	rows[pkString(primaryKey)] = copyRow(values)
}

func pkString(pk map[string]interface{}) string {
	if len(pk) == 0 {
		return ""
	}
	keys := make([]string, 0, len(pk))
	for k := range pk {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, pk[k]))
	}
	return strings.Join(parts, ",")
}

func copyRow(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
