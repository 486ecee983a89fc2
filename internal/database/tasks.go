package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "smsrelay/internal/errors"
	"smsrelay/internal/queue"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (d *Database) scanTask(row rowScanner) (*queue.Task, error) {
	var (
		t                               queue.Task
		payload                         string
		requiresNetwork                 int
		backoffMs                       int64
		state                           string
		nextRunAt, createdAt, updatedAt int64
		finishedAt                      sql.NullInt64
	)

	if err := row.Scan(
		&t.ID, &t.Key, &t.Tag, &payload, &requiresNetwork, &backoffMs, &state,
		&t.Attempts, &nextRunAt, &t.LastError, &t.LastHTTPCode, &createdAt, &updatedAt, &finishedAt,
	); err != nil {
		return nil, err
	}

	plain, err := d.secrets.Open(fieldTaskPayload, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload of task %s: %w", t.ID, err)
	}

	t.Payload = []byte(plain)
	t.RequiresNetwork = requiresNetwork == 1
	t.BackoffBase = time.Duration(backoffMs) * time.Millisecond
	t.State = queue.State(state)
	t.NextRunAt = fromMillis(nextRunAt)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	if finishedAt.Valid {
		f := fromMillis(finishedAt.Int64)
		t.FinishedAt = &f
	}
	return &t, nil
}

func (d *Database) collectTasks(rows *sql.Rows) ([]*queue.Task, error) {
	defer rows.Close()

	var tasks []*queue.Task
	for rows.Next() {
		t, err := d.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (d *Database) Enqueue(ctx context.Context, task *queue.Task, policy queue.Policy) (queue.EnqueueResult, error) {
	if task == nil || task.Key == "" {
		return queue.EnqueueResult{}, apperrors.NewValidationError("key", "task key is required")
	}

	payload, err := d.secrets.Seal(fieldTaskPayload, string(task.Payload))
	if err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	var result queue.EnqueueResult
	err = retryableDBOperationNoReturn(ctx, func() error {
		result = queue.EnqueueResult{}

		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer rollback(tx)

		now := toMillis(task.CreatedAt)

		switch policy {
		case queue.PolicyKeep:
			existing, err := d.scanTask(tx.QueryRowContext(ctx, SelectActiveTaskByKeyQuery, task.Key))
			switch {
			case err == nil:
				result.Task = existing
				return tx.Commit()
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}

		case queue.PolicyReplace:
			res, err := tx.ExecContext(ctx, CancelPendingByKeyQuery, now, now, task.Key)
			if err != nil {
				return err
			}
			replaced, _ := res.RowsAffected()
			result.Replaced = int(replaced)

			result.Aborted, err = requestCancelRunning(ctx, tx, SelectRunningIDsByKeyQuery, []interface{}{task.Key}, now)
			if err != nil {
				return err
			}

		default:
			return fmt.Errorf("unknown enqueue policy %v", policy)
		}

		if _, err := tx.ExecContext(ctx, InsertTaskQuery,
			task.ID, task.Key, task.Tag, payload, boolToInt(task.RequiresNetwork),
			task.BackoffBase.Milliseconds(), string(queue.StatePending), task.Attempts,
			toMillis(task.NextRunAt), task.LastError, task.LastHTTPCode, now, now,
		); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		task.State = queue.StatePending
		task.UpdatedAt = task.CreatedAt
		result.Task = task
		result.Created = true
		return nil
	}, "enqueue task")

	return result, err
}

// requestCancelRunning flags running tasks selected by query so their
// completion is recorded as CANCELLED, and returns their IDs.
func requestCancelRunning(ctx context.Context, tx *sql.Tx, query string, args []interface{}, now int64) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, RequestCancelByIDQuery, now, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (d *Database) ClaimDue(ctx context.Context, now time.Time, limit int, networkUp bool) ([]*queue.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []*queue.Task
	err := retryableDBOperationNoReturn(ctx, func() error {
		claimed = nil

		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer rollback(tx)

		rows, err := tx.QueryContext(ctx, SelectDueTasksQuery, toMillis(now), boolToInt(networkUp), limit)
		if err != nil {
			return err
		}
		candidates, err := d.collectTasks(rows)
		if err != nil {
			return err
		}

		for _, t := range candidates {
			res, err := tx.ExecContext(ctx, ClaimTaskQuery, toMillis(now), t.ID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 1 {
				t.State = queue.StateRunning
				t.UpdatedAt = now.UTC()
				claimed = append(claimed, t)
			}
		}
		return tx.Commit()
	}, "claim due tasks")

	return claimed, err
}

func (d *Database) Complete(ctx context.Context, id string, c queue.Completion) (queue.State, error) {
	var final queue.State
	err := retryableDBOperationNoReturn(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer rollback(tx)

		at := toMillis(c.At)
		res, err := tx.ExecContext(ctx, CompleteTaskQuery,
			string(c.State), string(c.State), c.Attempts, toMillis(c.NextRunAt), c.LastError, c.LastHTTPCode, at,
			string(c.State), at, id,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.NewNotFoundError("running task", id)
		}

		var state string
		if err := tx.QueryRowContext(ctx, SelectTaskStateQuery, id).Scan(&state); err != nil {
			return err
		}
		final = queue.State(state)
		return tx.Commit()
	}, "complete task")

	return final, err
}

func filterClause(f queue.Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.Key != "" {
		conds = append(conds, "task_key = ?")
		args = append(args, f.Key)
	}
	if f.Tag != "" {
		conds = append(conds, "tag = ?")
		args = append(args, f.Tag)
	}
	if len(conds) == 0 {
		return "1 = 1", nil
	}
	return strings.Join(conds, " AND "), args
}

func (d *Database) Cancel(ctx context.Context, f queue.Filter, at time.Time) (queue.CancelResult, error) {
	where, args := filterClause(f)
	now := toMillis(at)

	var result queue.CancelResult
	err := retryableDBOperationNoReturn(ctx, func() error {
		result = queue.CancelResult{}

		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer rollback(tx)

		// #nosec G202 - where is built from fixed column names only
		res, err := tx.ExecContext(ctx,
			"UPDATE forward_tasks SET state = 'CANCELLED', finished_at = ?, updated_at = ? WHERE state = 'PENDING' AND "+where,
			append([]interface{}{now, now}, args...)...,
		)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		result.Cancelled = int(n)

		result.Running, err = requestCancelRunning(ctx, tx,
			"SELECT id FROM forward_tasks WHERE state = 'RUNNING' AND cancel_requested = 0 AND "+where, args, now)
		if err != nil {
			return err
		}
		return tx.Commit()
	}, "cancel tasks")

	return result, err
}

func (d *Database) RecoverRunning(ctx context.Context, at time.Time) (int64, error) {
	var recovered int64
	err := retryableDBOperationNoReturn(ctx, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer rollback(tx)

		now := toMillis(at)
		if _, err := tx.ExecContext(ctx, RecoverCancelledRunningQuery, now, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, RecoverRunningQuery, now)
		if err != nil {
			return err
		}
		recovered, _ = res.RowsAffected()
		return tx.Commit()
	}, "recover running tasks")

	return recovered, err
}

func (d *Database) List(ctx context.Context, f queue.Filter) ([]*queue.Task, error) {
	where, args := filterClause(f)
	// #nosec G202 - where is built from fixed column names only
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM forward_tasks WHERE "+where+" ORDER BY created_at, rowid", args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list tasks", err)
	}
	return d.collectTasks(rows)
}

func (d *Database) CountByState(ctx context.Context) (map[queue.State]int, error) {
	rows, err := d.db.QueryContext(ctx, CountTasksByStateQuery)
	if err != nil {
		return nil, apperrors.NewDatabaseError("count tasks", err)
	}
	defer rows.Close()

	counts := make(map[queue.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[queue.State(state)] = n
	}
	return counts, rows.Err()
}

func (d *Database) PurgeFinished(ctx context.Context, olderThan time.Time) (int64, error) {
	var deleted int64
	err := retryableDBOperationNoReturn(ctx, func() error {
		res, err := d.db.ExecContext(ctx, PurgeFinishedTasksQuery, toMillis(olderThan))
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		return nil
	}, "purge finished tasks")
	return deleted, err
}
