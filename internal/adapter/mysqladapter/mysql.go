// Package mysqladapter implements the connector contract for MySQL,
// including binlog-based change capture with genuine file:position
// cursor tracking.
package mysqladapter

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"dbsync/internal/adapter"
	"dbsync/internal/models"
	"dbsync/internal/recovery"
)

// Config holds the MySQL endpoint settings.
type Config struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	ServerID     uint32 `yaml:"server_id"`
	Flavor       string `yaml:"flavor"` // mysql, mariadb
	PositionFile string `yaml:"position_file"`
}

type tableInfo struct {
	columns []string
	types   []string
	pkCols  []string
}

// Adapter is a MySQL connector. One Adapter owns at most one binlog
// capture session.
type Adapter struct {
	cfg    Config
	logger *logrus.Logger

	mu     sync.Mutex
	db     *sql.DB
	txs    map[string]*sql.Tx
	tables map[string]*tableInfo

	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	position mysql.Position
	cdcStop  context.CancelFunc
	cdcWg    sync.WaitGroup
	capture  []*models.ChangeEvent
}

// New creates a MySQL adapter.
func New(cfg Config, logger *logrus.Logger) *Adapter {
	if cfg.Flavor == "" {
		cfg.Flavor = "mysql"
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		txs:    make(map[string]*sql.Tx),
		tables: make(map[string]*tableInfo),
	}
}

func (a *Adapter) dsn() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", a.cfg.User, a.cfg.Password, a.cfg.Host, a.cfg.Port, a.cfg.Database)
}

func (a *Adapter) Connect(ctx context.Context) error {
	db, err := sql.Open("mysql", a.dsn())
	if err != nil {
		return &recovery.CategorizedError{Category: recovery.CategoryConnection, Err: fmt.Errorf("failed to open MySQL connection: %w", err)}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return &recovery.CategorizedError{Category: recovery.CategoryConnection, Err: fmt.Errorf("failed to connect to MySQL: %w", err)}
	}
	a.mu.Lock()
	a.db = db
	a.mu.Unlock()
	a.logger.Infof("Connected to MySQL at %s:%d", a.cfg.Host, a.cfg.Port)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	db := a.db
	a.db = nil
	a.mu.Unlock()
	if db != nil {
		return db.Close()
	}
	return nil
}

func (a *Adapter) handle() (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil, &recovery.CategorizedError{Category: recovery.CategoryConnection, Err: fmt.Errorf("not connected")}
	}
	return a.db, nil
}

func (a *Adapter) ExecuteQuery(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	db, err := a.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	out := make([]map[string]interface{}, 0)
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// ExecuteOperation renders one change event as SQL. With an open
// transaction matching the event's transaction id, the statement runs
// inside it.
func (a *Adapter) ExecuteOperation(ctx context.Context, op *models.ChangeEvent) error {
	query, args, err := buildStatement(op)
	if err != nil {
		return err
	}
	a.mu.Lock()
	tx := a.txs[op.TransactionID]
	db := a.db
	a.mu.Unlock()

	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else if db != nil {
		_, err = db.ExecContext(ctx, query, args...)
	} else {
		return &recovery.CategorizedError{Category: recovery.CategoryConnection, Err: fmt.Errorf("not connected")}
	}
	if err != nil {
		return fmt.Errorf("operation %s on %s failed: %w", op.Type, op.Target.Table, err)
	}
	return nil
}

func buildStatement(op *models.ChangeEvent) (string, []interface{}, error) {
	table := op.Target.Table
	if table == "" {
		table = op.Source.Table
	}
	switch op.Type {
	case models.EventInsert, models.EventBulkInsert:
		cols := make([]string, 0, len(op.NewValues))
		marks := make([]string, 0, len(op.NewValues))
		args := make([]interface{}, 0, len(op.NewValues))
		for col, val := range op.NewValues {
			cols = append(cols, fmt.Sprintf("`%s`", col))
			marks = append(marks, "?")
			args = append(args, val)
		}
		query := fmt.Sprintf("REPLACE INTO `%s` (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(marks, ", "))
		return query, args, nil
	case models.EventUpdate, models.EventBulkUpdate:
		sets := make([]string, 0, len(op.NewValues))
		args := make([]interface{}, 0, len(op.NewValues)+len(op.PrimaryKey))
		for col, val := range op.NewValues {
			sets = append(sets, fmt.Sprintf("`%s` = ?", col))
			args = append(args, val)
		}
		where, whereArgs := whereClause(op.PrimaryKey)
		args = append(args, whereArgs...)
		query := fmt.Sprintf("UPDATE `%s` SET %s WHERE %s", table, strings.Join(sets, ", "), where)
		return query, args, nil
	case models.EventDelete, models.EventBulkDelete:
		where, args := whereClause(op.PrimaryKey)
		query := fmt.Sprintf("DELETE FROM `%s` WHERE %s", table, where)
		return query, args, nil
	default:
		return "", nil, fmt.Errorf("unsupported operation type %q", op.Type)
	}
}

func whereClause(pk map[string]interface{}) (string, []interface{}) {
	conds := make([]string, 0, len(pk))
	args := make([]interface{}, 0, len(pk))
	for col, val := range pk {
		conds = append(conds, fmt.Sprintf("`%s` = ?", col))
		args = append(args, val)
	}
	return strings.Join(conds, " AND "), args
}

func (a *Adapter) GetTableSchema(ctx context.Context, table string) (*adapter.Schema, error) {
	info, err := a.tableInfo(ctx, a.cfg.Database, table)
	if err != nil {
		return nil, err
	}
	s := &adapter.Schema{Table: table, PrimaryKey: info.pkCols}
	for i, col := range info.columns {
		s.Columns = append(s.Columns, adapter.Column{Name: col, Type: info.types[i]})
	}
	return s, nil
}

// tableInfo fetches and caches column names, types, and primary key
// columns from INFORMATION_SCHEMA.
func (a *Adapter) tableInfo(ctx context.Context, database, table string) (*tableInfo, error) {
	cacheKey := fmt.Sprintf("%s.%s", database, table)
	a.mu.Lock()
	if info, ok := a.tables[cacheKey]; ok {
		a.mu.Unlock()
		return info, nil
	}
	db := a.db
	a.mu.Unlock()
	if db == nil {
		return nil, &recovery.CategorizedError{Category: recovery.CategoryConnection, Err: fmt.Errorf("not connected")}
	}

	rows, err := db.QueryContext(ctx, `
		SELECT COLUMN_NAME, COLUMN_TYPE, COLUMN_KEY
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, database, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query column info: %w", err)
	}
	defer rows.Close()

	info := &tableInfo{}
	for rows.Next() {
		var name, colType, colKey string
		if err := rows.Scan(&name, &colType, &colKey); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		info.columns = append(info.columns, name)
		info.types = append(info.types, colType)
		if colKey == "PRI" {
			info.pkCols = append(info.pkCols, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(info.columns) == 0 {
		return nil, &recovery.CategorizedError{Category: recovery.CategorySchema, Err: fmt.Errorf("no such table %s.%s", database, table)}
	}

	a.mu.Lock()
	a.tables[cacheKey] = info
	a.mu.Unlock()
	a.logger.Debugf("Cached %d columns for %s", len(info.columns), cacheKey)
	return info, nil
}

// GetChanges drains events captured by the binlog session whose
// position is past lastPosition. StartCDC must be running.
func (a *Adapter) GetChanges(ctx context.Context, lastPosition string) ([]*models.ChangeEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.syncer == nil && len(a.capture) == 0 {
		return nil, nil
	}
	out := make([]*models.ChangeEvent, 0)
	for _, ev := range a.capture {
		if lastPosition == "" || positionAfter(ev.Position, lastPosition) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// positionAfter compares two "file:pos" cursors.
func positionAfter(a, b string) bool {
	af, ap := splitPosition(a)
	bf, bp := splitPosition(b)
	if af != bf {
		return af > bf
	}
	return ap > bp
}

func splitPosition(s string) (string, uint32) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, 0
	}
	pos, _ := strconv.ParseUint(s[idx+1:], 10, 32)
	return s[:idx], uint32(pos)
}

func (a *Adapter) ApplyChanges(ctx context.Context, ops []*models.ChangeEvent) error {
	db, err := a.handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, op := range ops {
		query, args, err := buildStatement(op)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply %s to %s: %w", op.Type, op.Target.Table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (a *Adapter) ValidateConnection(ctx context.Context) bool {
	db, err := a.handle()
	if err != nil {
		return false
	}
	return db.PingContext(ctx) == nil
}

func (a *Adapter) HealthCheck(ctx context.Context) adapter.HealthStatus {
	status := adapter.HealthStatus{CheckedAt: time.Now()}
	db, err := a.handle()
	if err != nil {
		status.Detail = err.Error()
		return status
	}
	if err := db.PingContext(ctx); err != nil {
		status.Detail = err.Error()
		return status
	}
	status.Healthy = true
	return status
}

func (a *Adapter) BeginTransaction(ctx context.Context, id string) error {
	db, err := a.handle()
	if err != nil {
		return err
	}
	a.mu.Lock()
	if _, ok := a.txs[id]; ok {
		a.mu.Unlock()
		return fmt.Errorf("transaction %s already open", id)
	}
	a.mu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction %s: %w", id, err)
	}
	a.mu.Lock()
	a.txs[id] = tx
	a.mu.Unlock()
	return nil
}

func (a *Adapter) CommitTransaction(ctx context.Context, id string) error {
	a.mu.Lock()
	tx, ok := a.txs[id]
	delete(a.txs, id)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("transaction %s not open", id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction %s: %w", id, err)
	}
	return nil
}

func (a *Adapter) RollbackTransaction(ctx context.Context, id string) error {
	a.mu.Lock()
	tx, ok := a.txs[id]
	delete(a.txs, id)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("transaction %s not open", id)
	}
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("failed to roll back transaction %s: %w", id, err)
	}
	return nil
}

// FetchRecord reads the current version of one record by primary key.
func (a *Adapter) FetchRecord(ctx context.Context, table string, primaryKey map[string]interface{}) (map[string]interface{}, error) {
	where, args := whereClause(primaryKey)
	rows, err := a.ExecuteQuery(ctx, fmt.Sprintf("SELECT * FROM `%s` WHERE %s", table, where), args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}
