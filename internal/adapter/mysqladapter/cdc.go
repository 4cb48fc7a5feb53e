package mysqladapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"

	"dbsync/internal/models"
)

// StartCDC opens a binlog replication session and streams row changes
// for the given tables. The returned channel closes when capture
// stops.
func (a *Adapter) StartCDC(ctx context.Context, tables []string) (<-chan *models.ChangeEvent, error) {
	a.mu.Lock()
	if a.syncer != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("cdc already started")
	}
	a.mu.Unlock()

	if err := a.preflight(ctx); err != nil {
		return nil, err
	}

	cfg := replication.BinlogSyncerConfig{
		ServerID: a.cfg.ServerID,
		Flavor:   a.cfg.Flavor,
		Host:     a.cfg.Host,
		Port:     uint16(a.cfg.Port),
		User:     a.cfg.User,
		Password: a.cfg.Password,
	}
	syncer := replication.NewBinlogSyncer(cfg)

	position := a.loadPosition()
	streamer, err := syncer.StartSync(position)
	if err != nil {
		syncer.Close()
		return nil, fmt.Errorf("failed to start binlog sync: %w", err)
	}
	a.logger.Infof("Started binlog sync from %s:%d", position.Name, position.Pos)

	allowed := make(map[string]bool, len(tables))
	for _, t := range tables {
		allowed[t] = true
	}

	cdcCtx, cancel := context.WithCancel(context.Background())
	ch := make(chan *models.ChangeEvent, 256)

	a.mu.Lock()
	a.syncer = syncer
	a.streamer = streamer
	a.position = position
	a.cdcStop = cancel
	a.mu.Unlock()

	a.cdcWg.Add(1)
	go func() {
		defer a.cdcWg.Done()
		defer close(ch)
		a.captureLoop(cdcCtx, allowed, ch)
	}()
	return ch, nil
}

// captureLoop reads binlog events, assembles change events from row
// events, and tracks the file:position cursor.
func (a *Adapter) captureLoop(ctx context.Context, allowed map[string]bool, out chan<- *models.ChangeEvent) {
	tableMaps := make(map[uint64]*replication.TableMapEvent)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		event, err := a.streamer.GetEvent(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// No events within the window; keep waiting.
				continue
			}
			a.logger.Errorf("Error reading binlog event: %v", err)
			time.Sleep(time.Second)
			continue
		}

		switch e := event.Event.(type) {
		case *replication.TableMapEvent:
			tableMaps[e.TableID] = e

		case *replication.RowsEvent:
			eventType, ok := rowsEventType(event.Header.EventType)
			if !ok {
				continue
			}
			table := string(e.Table.Table)
			if len(allowed) > 0 && !allowed[table] {
				continue
			}
			changes, err := a.assembleEvents(ctx, tableMaps[e.TableID], e, eventType)
			if err != nil {
				a.logger.Errorf("Error processing %s event: %v", eventType, err)
				continue
			}
			for _, ev := range changes {
				a.mu.Lock()
				a.capture = append(a.capture, ev)
				a.mu.Unlock()
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			a.savePosition(a.position.Name, event.Header.LogPos)

		case *replication.RotateEvent:
			a.logger.Infof("Binlog rotated to %s", string(e.NextLogName))
			a.savePosition(string(e.NextLogName), uint32(e.Position))

		case *replication.XIDEvent:
			a.savePosition(a.position.Name, event.Header.LogPos)

		default:
			if event.Header.LogPos > 0 {
				a.savePosition(a.position.Name, event.Header.LogPos)
			}
		}
	}
}

func rowsEventType(t replication.EventType) (models.EventType, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return models.EventInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return models.EventUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return models.EventDelete, true
	default:
		return "", false
	}
}

// assembleEvents converts one row event into change events, resolving
// column names from the table map (MySQL 8.0+ with
// binlog_row_metadata) or INFORMATION_SCHEMA.
func (a *Adapter) assembleEvents(ctx context.Context, tableMap *replication.TableMapEvent, e *replication.RowsEvent, eventType models.EventType) ([]*models.ChangeEvent, error) {
	if tableMap == nil {
		return nil, fmt.Errorf("table map not found for table ID %d", e.TableID)
	}
	database := string(e.Table.Schema)
	table := string(e.Table.Table)

	var columns, pkCols []string
	if len(tableMap.ColumnName) > 0 {
		columns = make([]string, len(tableMap.ColumnName))
		for i, col := range tableMap.ColumnName {
			columns[i] = string(col)
		}
		if info, err := a.tableInfo(ctx, database, table); err == nil {
			pkCols = info.pkCols
		}
	} else {
		info, err := a.tableInfo(ctx, database, table)
		if err != nil {
			return nil, fmt.Errorf("failed to get column info: %w", err)
		}
		columns = info.columns
		pkCols = info.pkCols
	}

	ref := models.TableRef{Database: database, Table: table}
	position := fmt.Sprintf("%s:%d", a.position.Name, a.position.Pos)

	rowMap := func(row []interface{}) map[string]interface{} {
		m := make(map[string]interface{}, len(columns))
		for j := 0; j < len(row) && j < len(columns); j++ {
			m[columns[j]] = normalizeValue(row[j])
		}
		return m
	}
	primaryKey := func(row map[string]interface{}) map[string]interface{} {
		if len(pkCols) == 0 {
			return nil
		}
		pk := make(map[string]interface{}, len(pkCols))
		for _, col := range pkCols {
			pk[col] = row[col]
		}
		return pk
	}

	events := make([]*models.ChangeEvent, 0, len(e.Rows))
	switch eventType {
	case models.EventUpdate:
		// Rows alternate old, new per updated record.
		for i := 0; i+1 < len(e.Rows); i += 2 {
			oldRow := rowMap(e.Rows[i])
			newRow := rowMap(e.Rows[i+1])
			ev, err := models.NewChangeEvent(models.EventUpdate, ref, models.TableRef{}, primaryKey(oldRow), oldRow, newRow)
			if err != nil {
				return nil, err
			}
			ev.ChangedFields = changedFields(oldRow, newRow)
			ev.Position = position
			events = append(events, ev)
		}
	case models.EventInsert:
		for _, row := range e.Rows {
			newRow := rowMap(row)
			ev, err := models.NewChangeEvent(models.EventInsert, ref, models.TableRef{}, primaryKey(newRow), nil, newRow)
			if err != nil {
				return nil, err
			}
			ev.Position = position
			events = append(events, ev)
		}
	case models.EventDelete:
		for _, row := range e.Rows {
			oldRow := rowMap(row)
			ev, err := models.NewChangeEvent(models.EventDelete, ref, models.TableRef{}, primaryKey(oldRow), oldRow, nil)
			if err != nil {
				return nil, err
			}
			ev.Position = position
			events = append(events, ev)
		}
	}
	return events, nil
}

func changedFields(oldRow, newRow map[string]interface{}) []string {
	fields := make([]string, 0)
	for col, nv := range newRow {
		if ov, ok := oldRow[col]; !ok || fmt.Sprintf("%v", ov) != fmt.Sprintf("%v", nv) {
			fields = append(fields, col)
		}
	}
	return fields
}

// normalizeValue converts []byte column values to strings when they
// look like text.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// StopCDC shuts the binlog session down and waits for the capture
// loop to exit.
func (a *Adapter) StopCDC(ctx context.Context) error {
	a.mu.Lock()
	if a.syncer == nil {
		a.mu.Unlock()
		return nil
	}
	stop := a.cdcStop
	syncer := a.syncer
	a.syncer = nil
	a.streamer = nil
	a.mu.Unlock()

	stop()
	syncer.Close()
	a.cdcWg.Wait()
	a.logger.Info("Binlog capture stopped")
	return nil
}

// GetCurrentPosition returns the cursor as "file:position".
func (a *Adapter) GetCurrentPosition(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fmt.Sprintf("%s:%d", a.position.Name, a.position.Pos), nil
}

// SetPosition moves the cursor; takes effect on the next StartCDC.
func (a *Adapter) SetPosition(ctx context.Context, position string) error {
	name, pos := splitPosition(position)
	if name == "" && pos == 0 {
		return fmt.Errorf("invalid position %q", position)
	}
	a.mu.Lock()
	a.position = mysql.Position{Name: name, Pos: pos}
	a.mu.Unlock()
	return a.writePositionFile(name, pos)
}

// loadPosition reads the "file:position" cursor from the position
// file, falling back to an empty position.
func (a *Adapter) loadPosition() mysql.Position {
	a.mu.Lock()
	current := a.position
	file := a.cfg.PositionFile
	a.mu.Unlock()
	if current.Name != "" || current.Pos != 0 {
		return current
	}
	if file == "" {
		return mysql.Position{}
	}
	data, err := os.ReadFile(file)
	if err != nil || len(data) == 0 {
		return mysql.Position{}
	}
	name, pos := splitPosition(strings.TrimSpace(string(data)))
	a.logger.Infof("Loaded binlog position %s:%d", name, pos)
	return mysql.Position{Name: name, Pos: pos}
}

// savePosition advances the in-memory cursor and persists it.
func (a *Adapter) savePosition(name string, pos uint32) {
	if name == "" {
		a.mu.Lock()
		name = a.position.Name
		a.mu.Unlock()
	}
	a.mu.Lock()
	a.position = mysql.Position{Name: name, Pos: pos}
	a.mu.Unlock()
	if err := a.writePositionFile(name, pos); err != nil {
		a.logger.Warnf("Failed to save position: %v", err)
	}
}

func (a *Adapter) writePositionFile(name string, pos uint32) error {
	if a.cfg.PositionFile == "" || name == "" {
		return nil
	}
	posStr := fmt.Sprintf("%s:%d", name, pos)
	if err := os.WriteFile(a.cfg.PositionFile, []byte(posStr), 0644); err != nil {
		return fmt.Errorf("failed to write position file: %w", err)
	}
	return nil
}
