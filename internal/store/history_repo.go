package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskrun/internal/core"
)

// AppendExecution inserts one execution record and fills in its generated
// ID. Records are immutable after insert.
func (s *Store) AppendExecution(ctx context.Context, record *core.ExecutionRecord) error {
	if record.ExecutedAt.IsZero() {
		record.ExecutedAt = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO execution_history (task_id, executed_at, return_code, stdout, stderr)
		VALUES (?, ?, ?, ?, ?)
	`, record.TaskID, record.ExecutedAt.UTC().Format(time.RFC3339Nano),
		record.ReturnCode, record.Stdout, record.Stderr)
	if err != nil {
		return fmt.Errorf("append execution record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("execution record id: %w", err)
	}
	record.ID = id
	return nil
}

// ListExecutions returns execution records, most recent first. A nil taskID
// returns history across all tasks, including tasks removed since.
func (s *Store) ListExecutions(ctx context.Context, taskID *string) ([]*core.ExecutionRecord, error) {
	var rows *sql.Rows
	var err error
	if taskID != nil {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT id, task_id, executed_at, return_code, stdout, stderr
			FROM execution_history
			WHERE task_id = ?
			ORDER BY id DESC
		`, *taskID)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT id, task_id, executed_at, return_code, stdout, stderr
			FROM execution_history
			ORDER BY id DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("query execution history: %w", err)
	}
	defer rows.Close()

	var records []*core.ExecutionRecord
	for rows.Next() {
		var (
			record     core.ExecutionRecord
			executedAt string
		)
		if err := rows.Scan(&record.ID, &record.TaskID, &executedAt,
			&record.ReturnCode, &record.Stdout, &record.Stderr); err != nil {
			return nil, fmt.Errorf("scan execution record: %w", err)
		}
		if record.ExecutedAt, err = time.Parse(time.RFC3339Nano, executedAt); err != nil {
			return nil, fmt.Errorf("parse executed_at for record %d: %w", record.ID, err)
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// PurgeExecutions deletes execution records, all of them or only one task's,
// and returns the number removed.
func (s *Store) PurgeExecutions(ctx context.Context, taskID *string) (int64, error) {
	var res sql.Result
	var err error
	if taskID != nil {
		res, err = s.DB.ExecContext(ctx, `DELETE FROM execution_history WHERE task_id = ?`, *taskID)
	} else {
		res, err = s.DB.ExecContext(ctx, `DELETE FROM execution_history`)
	}
	if err != nil {
		return 0, fmt.Errorf("purge execution history: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
