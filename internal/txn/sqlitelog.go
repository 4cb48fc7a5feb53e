package txn

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLog persists transaction state transitions and per-operation
// votes to a local sqlite database, so a coordinator crash between
// prepare and commit leaves a replayable record.
type SQLiteLog struct {
	db *sql.DB
}

const sqliteLogSchema = `
CREATE TABLE IF NOT EXISTS txn_states (
	tx_id      TEXT NOT NULL,
	state      TEXT NOT NULL,
	logged_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (tx_id, state, logged_at)
);
CREATE TABLE IF NOT EXISTS txn_votes (
	tx_id      TEXT NOT NULL,
	op_id      TEXT NOT NULL,
	phase      TEXT NOT NULL,
	ok         INTEGER NOT NULL,
	detail     TEXT,
	logged_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_txn_votes_tx ON txn_votes (tx_id);
`

// OpenSQLiteLog opens (creating if needed) the durable log at path.
func OpenSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction log: %w", err)
	}
	// Single writer: the coordinator serializes its own log appends.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteLogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create transaction log schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

// LogState appends one state transition.
func (l *SQLiteLog) LogState(txID string, state State) error {
	_, err := l.db.Exec(
		"INSERT INTO txn_states (tx_id, state, logged_at) VALUES (?, ?, ?)",
		txID, string(state), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to log state %s for %s: %w", state, txID, err)
	}
	return nil
}

// LogVote appends one prepare/commit/rollback vote.
func (l *SQLiteLog) LogVote(txID, opID string, phase Phase, ok bool, detail string) error {
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := l.db.Exec(
		"INSERT INTO txn_votes (tx_id, op_id, phase, ok, detail, logged_at) VALUES (?, ?, ?, ?, ?, ?)",
		txID, opID, string(phase), okInt, detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to log %s vote for %s: %w", phase, txID, err)
	}
	return nil
}

// LastState returns the most recent logged state for a transaction,
// for recovery inspection after a restart.
func (l *SQLiteLog) LastState(txID string) (State, error) {
	var state string
	err := l.db.QueryRow(
		"SELECT state FROM txn_states WHERE tx_id = ? ORDER BY logged_at DESC, rowid DESC LIMIT 1",
		txID,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last state for %s: %w", txID, err)
	}
	return State(state), nil
}

// UnfinishedTransactions lists transactions whose last logged state is
// not terminal, the set a recovery pass must reconcile.
func (l *SQLiteLog) UnfinishedTransactions() ([]string, error) {
	rows, err := l.db.Query(`
		SELECT tx_id FROM (
			SELECT tx_id, state,
			       ROW_NUMBER() OVER (PARTITION BY tx_id ORDER BY logged_at DESC, rowid DESC) AS rn
			FROM txn_states
		) WHERE rn = 1 AND state NOT IN (?, ?, ?)`,
		string(StateCommitted), string(StateRolledBack), string(StateFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished transactions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan transaction id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return ids, nil
}

// Close closes the underlying database.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
