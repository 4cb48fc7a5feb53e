// Package adapter defines the contract every database collaborator
// implements for the synchronization core. The core consumes these
// interfaces only; backend-specific code lives in subpackages.
package adapter

import (
	"context"
	"time"

	"dbsync/internal/models"
)

// Column describes one column of a table schema.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Schema describes one table.
type Schema struct {
	Table      string   `json:"table"`
	Columns    []Column `json:"columns"`
	PrimaryKey []string `json:"primary_key"`
}

// HealthStatus is the result of a health probe.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Connector is the fixed contract between the core and one database.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	ExecuteQuery(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error)
	ExecuteOperation(ctx context.Context, op *models.ChangeEvent) error
	GetTableSchema(ctx context.Context, table string) (*Schema, error)

	// GetChanges returns operations captured since lastPosition, an
	// opaque backend-specific cursor. Empty position means from the
	// current point onward.
	GetChanges(ctx context.Context, lastPosition string) ([]*models.ChangeEvent, error)
	ApplyChanges(ctx context.Context, ops []*models.ChangeEvent) error

	ValidateConnection(ctx context.Context) bool
	HealthCheck(ctx context.Context) HealthStatus

	BeginTransaction(ctx context.Context, id string) error
	CommitTransaction(ctx context.Context, id string) error
	RollbackTransaction(ctx context.Context, id string) error
}

// CDCConnector is implemented by adapters that can stream changes.
type CDCConnector interface {
	Connector

	StartCDC(ctx context.Context, tables []string) (<-chan *models.ChangeEvent, error)
	StopCDC(ctx context.Context) error
	GetCurrentPosition(ctx context.Context) (string, error)
	SetPosition(ctx context.Context, position string) error
}

// RecordFetcher is an optional interface adapters implement to let
// the sync manager read the current target version of a record for
// conflict detection. Adapters without it skip conflict detection.
type RecordFetcher interface {
	FetchRecord(ctx context.Context, table string, primaryKey map[string]interface{}) (map[string]interface{}, error)
}
