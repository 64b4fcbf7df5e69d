// Package db keeps savable pending results across agent restarts.
package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/operation"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_results (
	id             TEXT PRIMARY KEY,
	operation_id   TEXT NOT NULL DEFAULT '',
	operation_type TEXT NOT NULL,
	plugin         TEXT NOT NULL DEFAULT '',
	result         TEXT NOT NULL DEFAULT '{}',
	retry          INTEGER NOT NULL DEFAULT 1,
	wait_until     INTEGER NOT NULL DEFAULT 0
);
`

type DB struct {
	db *sqlx.DB
}

type resultRow struct {
	ID            string `db:"id"`
	OperationID   string `db:"operation_id"`
	OperationType string `db:"operation_type"`
	Plugin        string `db:"plugin"`
	Result        string `db:"result"`
	Retry         bool   `db:"retry"`
	WaitUntil     int64  `db:"wait_until"`
}

func Open(path string) (*DB, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// SaveResults writes results in one transaction, replacing rows with the
// same id.
func (d *DB) SaveResults(ctx context.Context, results []*operation.ResultOperation) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	for _, r := range results {
		payload, err := json.Marshal(r.Result)
		if err != nil {
			return fmt.Errorf("marshal result %s: %w", r.Describe(), err)
		}
		row := resultRow{
			ID:            r.ID,
			OperationID:   r.OperationID,
			OperationType: string(r.Type),
			Plugin:        r.Plugin,
			Result:        string(payload),
			Retry:         r.Retry,
			WaitUntil:     r.WaitUntil,
		}
		_, err = tx.NamedExecContext(ctx, `INSERT OR REPLACE INTO pending_results
			(id, operation_id, operation_type, plugin, result, retry, wait_until)
			VALUES (:id, :operation_id, :operation_type, :plugin, :result, :retry, :wait_until)`, row)
		if err != nil {
			return fmt.Errorf("save result %s: %w", r.Describe(), err)
		}
	}
	return tx.Commit()
}

// LoadResults returns every saved result and clears the table.
func (d *DB) LoadResults(ctx context.Context) ([]*operation.ResultOperation, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin load: %w", err)
	}
	defer tx.Rollback()

	var rows []resultRow
	if err := tx.SelectContext(ctx, &rows, "SELECT * FROM pending_results ORDER BY wait_until, id"); err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_results"); err != nil {
		return nil, fmt.Errorf("clear results: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out := make([]*operation.ResultOperation, 0, len(rows))
	for _, row := range rows {
		var result map[string]any
		if err := json.Unmarshal([]byte(row.Result), &result); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", row.ID, err)
		}
		out = append(out, &operation.ResultOperation{
			ID:          row.ID,
			OperationID: row.OperationID,
			Type:        protocol.OperationType(row.OperationType),
			Plugin:      row.Plugin,
			Result:      result,
			Retry:       row.Retry,
			WaitUntil:   row.WaitUntil,
		})
	}
	return out, nil
}
