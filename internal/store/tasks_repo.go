package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskrun/internal/core"
)

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	args, err := json.Marshal(argsOrEmpty(task.ScriptArgs))
	if err != nil {
		return fmt.Errorf("encode script args: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert task: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE task_id = ?`, task.ID).Scan(&count); err != nil {
		return fmt.Errorf("check task id: %w", err)
	}
	if count > 0 {
		return core.ErrTaskExists
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (task_id, task_type, interval_seconds, cron_expression, execute_at,
			script_path, script_args, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Type, nullableInt(task.IntervalSeconds), nullableString(task.CronExpression),
		nullableTime(task.ExecuteAt), task.ScriptPath, string(args), task.Status,
		task.CreatedAt.Format(time.RFC3339Nano), task.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT task_id, task_type, interval_seconds, cron_expression, execute_at,
			script_path, script_args, status, created_at, updated_at
		FROM tasks WHERE task_id = ?
	`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, status *core.TaskStatus) ([]*core.Task, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT task_id, task_type, interval_seconds, cron_expression, execute_at,
				script_path, script_args, status, created_at, updated_at
			FROM tasks
			WHERE status = ?
			ORDER BY created_at DESC
		`, *status)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT task_id, task_type, interval_seconds, cron_expression, execute_at,
				script_path, script_args, status, created_at, updated_at
			FROM tasks
			ORDER BY created_at DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrTaskNotFound
	}
	return nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status core.TaskStatus) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, updated_at = ?
		WHERE task_id = ?
	`, status, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrTaskNotFound
	}
	return nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		id        string
		taskType  string
		interval  sql.NullInt64
		cronExpr  sql.NullString
		executeAt sql.NullString
		script    string
		argsJSON  string
		status    string
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&id, &taskType, &interval, &cronExpr, &executeAt,
		&script, &argsJSON, &status, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task := &core.Task{
		ID:         id,
		Type:       core.TaskType(taskType),
		ScriptPath: script,
		Status:     core.TaskStatus(status),
	}
	if interval.Valid {
		val := int(interval.Int64)
		task.IntervalSeconds = &val
	}
	if cronExpr.Valid {
		task.CronExpression = &cronExpr.String
	}
	if executeAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, executeAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse execute_at for %s: %w", id, err)
		}
		task.ExecuteAt = &t
	}
	if err := json.Unmarshal([]byte(argsJSON), &task.ScriptArgs); err != nil {
		return nil, fmt.Errorf("decode script args for %s: %w", id, err)
	}
	var err error
	if task.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", id, err)
	}
	if task.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for %s: %w", id, err)
	}
	return task, nil
}

func argsOrEmpty(args []string) []string {
	if args == nil {
		return []string{}
	}
	return args
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}
