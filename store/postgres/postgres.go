// Package postgres implements the workflow store on PostgreSQL using
// pgx. Workflow stepping relies on FOR UPDATE SKIP LOCKED row locks and
// history appends are guarded by a partial unique index over
// (execution_id, pos, type) that exempts the special out-of-band pos.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grantjenks/go-durable/retry"
	"github.com/grantjenks/go-durable/store"
)

type (
	querier interface {
		Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
		Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	}

	// Store is the PostgreSQL-backed workflow store.
	Store struct {
		pool *pgxpool.Pool
		q    querier
	}
)

var _ store.Store = (*Store)(nil)

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// Connect opens a connection pool for dsn and wraps it.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InTx runs fn inside a database transaction. Calling InTx on a
// transaction-scoped store joins the enclosing transaction.
func (s *Store) InTx(ctx context.Context, fn func(context.Context, store.Store) error) error {
	if _, ok := s.q.(pgx.Tx); ok {
		return fn(ctx, s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op
	if err := fn(ctx, &Store{pool: s.pool, q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const execColumns = `id, workflow_name, input, status, result, error,
	started_at, finished_at, expires_at, parent_id, parent_pos, updated_at`

func (s *Store) CreateExecution(ctx context.Context, e *store.WorkflowExecution) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now()
	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = store.StatusPending
	}
	input, err := marshalJSON(e.Input, "{}")
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO durable_workflow_executions
			(id, workflow_name, input, status, started_at, expires_at, parent_id, parent_pos, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.WorkflowName, input, e.Status, e.StartedAt, e.ExpiresAt, e.ParentID, e.ParentPos, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*store.WorkflowExecution, error) {
	row := s.q.QueryRow(ctx, `SELECT `+execColumns+` FROM durable_workflow_executions WHERE id = $1`, id)
	return scanExecution(row)
}

func (s *Store) LockExecution(ctx context.Context, id uuid.UUID) (*store.WorkflowExecution, error) {
	row := s.q.QueryRow(ctx, `SELECT `+execColumns+` FROM durable_workflow_executions WHERE id = $1 FOR UPDATE`, id)
	return scanExecution(row)
}

func (s *Store) ClaimExecution(ctx context.Context, id uuid.UUID) (*store.WorkflowExecution, error) {
	row := s.q.QueryRow(ctx, `SELECT `+execColumns+` FROM durable_workflow_executions WHERE id = $1 FOR UPDATE SKIP LOCKED`, id)
	e, err := scanExecution(row)
	if errors.Is(err, store.ErrNotFound) {
		// Distinguish "locked elsewhere" from "gone".
		var exists bool
		if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM durable_workflow_executions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("claim execution: %w", err)
		}
		if exists {
			return nil, nil
		}
		return nil, store.ErrNotFound
	}
	return e, err
}

func (s *Store) UpdateExecution(ctx context.Context, e *store.WorkflowExecution) error {
	result, err := marshalNullableJSON(e.Result)
	if err != nil {
		return err
	}
	e.UpdatedAt = time.Now()
	tag, err := s.q.Exec(ctx, `
		UPDATE durable_workflow_executions
		SET status = $2, result = $3, error = $4, finished_at = $5, expires_at = $6, updated_at = $7
		WHERE id = $1`,
		e.ID, e.Status, result, e.Error, e.FinishedAt, e.ExpiresAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkPendingIfActive(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE durable_workflow_executions
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status IN ($3, $4)`,
		id, store.StatusPending, store.StatusPending, store.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("mark pending: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) PendingExecutions(ctx context.Context, limit int) ([]*store.WorkflowExecution, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+execColumns+` FROM durable_workflow_executions
		WHERE status = $1 ORDER BY updated_at LIMIT $2`,
		store.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pending executions: %w", err)
	}
	return scanExecutions(rows)
}

func (s *Store) ExpiredExecutions(ctx context.Context, now time.Time, limit int) ([]*store.WorkflowExecution, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+execColumns+` FROM durable_workflow_executions
		WHERE status IN ($1, $2) AND expires_at IS NOT NULL AND expires_at <= $3
		ORDER BY updated_at LIMIT $4`,
		store.StatusPending, store.StatusRunning, now, limit)
	if err != nil {
		return nil, fmt.Errorf("expired executions: %w", err)
	}
	return scanExecutions(rows)
}

func (s *Store) Children(ctx context.Context, parentID uuid.UUID, statuses ...store.Status) ([]*store.WorkflowExecution, error) {
	query := `SELECT ` + execColumns + ` FROM durable_workflow_executions WHERE parent_id = $1`
	args := []any{parentID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		strs := make([]string, len(statuses))
		for i, st := range statuses {
			strs[i] = string(st)
		}
		args = append(args, strs)
	}
	query += ` ORDER BY updated_at`
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("children: %w", err)
	}
	return scanExecutions(rows)
}

func (s *Store) InsertEvent(ctx context.Context, ev *store.HistoryEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	details, err := marshalJSON(ev.Details, "{}")
	if err != nil {
		return err
	}
	row := s.q.QueryRow(ctx, `
		INSERT INTO durable_history_events (execution_id, type, pos, details, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		ev.ExecutionID, ev.Type, ev.Pos, details, ev.CreatedAt)
	if err := row.Scan(&ev.ID); err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateEvent
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, execID uuid.UUID) ([]store.HistoryEvent, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, execution_id, type, pos, details, created_at
		FROM durable_history_events WHERE execution_id = $1 ORDER BY id`, execID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []store.HistoryEvent
	for rows.Next() {
		var (
			ev      store.HistoryEvent
			details []byte
		)
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.Type, &ev.Pos, &details, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := unmarshalJSON(details, &ev.Details); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const taskColumns = `id, execution_id, activity_name, pos, args, kwargs, status,
	after_time, expires_at, attempt, max_attempts, retry_policy,
	heartbeat_timeout, heartbeat_at, heartbeat_details, result, error,
	started_at, finished_at, updated_at`

func (s *Store) CreateTask(ctx context.Context, t *store.ActivityTask) error {
	if t.Status == "" {
		t.Status = store.TaskQueued
	}
	t.UpdatedAt = time.Now()
	args, err := marshalJSON(t.Args, "[]")
	if err != nil {
		return err
	}
	kwargs, err := marshalJSON(t.Kwargs, "{}")
	if err != nil {
		return err
	}
	policy, err := json.Marshal(t.RetryPolicy)
	if err != nil {
		return fmt.Errorf("marshal retry policy: %w", err)
	}
	row := s.q.QueryRow(ctx, `
		INSERT INTO durable_activity_tasks
			(execution_id, activity_name, pos, args, kwargs, status, after_time,
			 expires_at, attempt, max_attempts, retry_policy, heartbeat_timeout, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`,
		t.ExecutionID, t.ActivityName, t.Pos, args, kwargs, t.Status, t.AfterTime,
		t.ExpiresAt, t.Attempt, t.MaxAttempts, policy, durationSeconds(t.HeartbeatTimeout), t.UpdatedAt)
	if err := row.Scan(&t.ID); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*store.ActivityTask, error) {
	row := s.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM durable_activity_tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *Store) TaskAt(ctx context.Context, execID uuid.UUID, pos int) (*store.ActivityTask, error) {
	row := s.q.QueryRow(ctx, `SELECT `+taskColumns+` FROM durable_activity_tasks WHERE execution_id = $1 AND pos = $2`, execID, pos)
	return scanTask(row)
}

func (s *Store) UpdateTask(ctx context.Context, t *store.ActivityTask) error {
	t.UpdatedAt = time.Now()
	result, err := marshalNullableJSON(t.Result)
	if err != nil {
		return err
	}
	hbDetails, err := marshalNullableJSON(t.HeartbeatDetails)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE durable_activity_tasks
		SET status = $2, after_time = $3, expires_at = $4, attempt = $5,
			heartbeat_at = $6, heartbeat_details = $7, result = $8, error = $9,
			started_at = $10, finished_at = $11, updated_at = $12
		WHERE id = $1`,
		t.ID, t.Status, t.AfterTime, t.ExpiresAt, t.Attempt,
		t.HeartbeatAt, hbDetails, result, t.Error,
		t.StartedAt, t.FinishedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ClaimTask(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE durable_activity_tasks
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3 AND after_time <= $4`,
		id, store.TaskRunning, store.TaskQueued, now)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) StartTask(ctx context.Context, id int64, now time.Time) (*store.ActivityTask, error) {
	row := s.q.QueryRow(ctx, `
		UPDATE durable_activity_tasks
		SET started_at = $3, heartbeat_at = $3, attempt = attempt + 1, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+taskColumns,
		id, store.TaskRunning, now)
	return scanTask(row)
}

func (s *Store) UpdateHeartbeat(ctx context.Context, id int64, at time.Time, details any) error {
	hbDetails, err := marshalNullableJSON(details)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE durable_activity_tasks
		SET heartbeat_at = $2, heartbeat_details = COALESCE($3, heartbeat_details), updated_at = now()
		WHERE id = $1`,
		id, at, hbDetails)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) QueuedTasks(ctx context.Context, execID uuid.UUID) ([]*store.ActivityTask, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+taskColumns+` FROM durable_activity_tasks
		WHERE execution_id = $1 AND status = $2 ORDER BY id`,
		execID, store.TaskQueued)
	if err != nil {
		return nil, fmt.Errorf("queued tasks: %w", err)
	}
	return scanTasks(rows)
}

func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]*store.ActivityTask, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+prefixedTaskColumns("t")+`
		FROM durable_activity_tasks t
		JOIN durable_workflow_executions e ON e.id = t.execution_id
		WHERE t.status = $1 AND t.after_time <= $2 AND e.status IN ($3, $4)
		ORDER BY t.updated_at LIMIT $5`,
		store.TaskQueued, now, store.StatusPending, store.StatusRunning, limit)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	return scanTasks(rows)
}

func (s *Store) ExpiredQueuedTasks(ctx context.Context, now time.Time, limit int) ([]*store.ActivityTask, error) {
	return s.tasksByStatusAndExpiry(ctx, store.TaskQueued, now, limit)
}

func (s *Store) ExpiredRunningTasks(ctx context.Context, now time.Time, limit int) ([]*store.ActivityTask, error) {
	return s.tasksByStatusAndExpiry(ctx, store.TaskRunning, now, limit)
}

func (s *Store) tasksByStatusAndExpiry(ctx context.Context, status store.TaskStatus, now time.Time, limit int) ([]*store.ActivityTask, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+taskColumns+` FROM durable_activity_tasks
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY updated_at LIMIT $3`,
		status, now, limit)
	if err != nil {
		return nil, fmt.Errorf("expired tasks: %w", err)
	}
	return scanTasks(rows)
}

func (s *Store) HeartbeatTasks(ctx context.Context, limit int) ([]*store.ActivityTask, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+taskColumns+` FROM durable_activity_tasks
		WHERE status = $1 AND heartbeat_timeout IS NOT NULL
		ORDER BY updated_at LIMIT $2`,
		store.TaskRunning, limit)
	if err != nil {
		return nil, fmt.Errorf("heartbeat tasks: %w", err)
	}
	return scanTasks(rows)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanExecution(row scannable) (*store.WorkflowExecution, error) {
	var (
		e      store.WorkflowExecution
		input  []byte
		result []byte
	)
	err := row.Scan(&e.ID, &e.WorkflowName, &input, &e.Status, &result, &e.Error,
		&e.StartedAt, &e.FinishedAt, &e.ExpiresAt, &e.ParentID, &e.ParentPos, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	if err := unmarshalJSON(input, &e.Input); err != nil {
		return nil, err
	}
	if result != nil {
		if err := unmarshalJSON(result, &e.Result); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func scanExecutions(rows pgx.Rows) ([]*store.WorkflowExecution, error) {
	defer rows.Close()
	var out []*store.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanTask(row scannable) (*store.ActivityTask, error) {
	var (
		t         store.ActivityTask
		args      []byte
		kwargs    []byte
		policy    []byte
		hbTimeout *float64
		hbDetails []byte
		result    []byte
	)
	err := row.Scan(&t.ID, &t.ExecutionID, &t.ActivityName, &t.Pos, &args, &kwargs, &t.Status,
		&t.AfterTime, &t.ExpiresAt, &t.Attempt, &t.MaxAttempts, &policy,
		&hbTimeout, &t.HeartbeatAt, &hbDetails, &result, &t.Error,
		&t.StartedAt, &t.FinishedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if err := unmarshalJSON(args, &t.Args); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(kwargs, &t.Kwargs); err != nil {
		return nil, err
	}
	if policy != nil {
		var p retry.Policy
		if err := json.Unmarshal(policy, &p); err != nil {
			return nil, fmt.Errorf("unmarshal retry policy: %w", err)
		}
		t.RetryPolicy = p
	}
	if hbTimeout != nil {
		t.HeartbeatTimeout = time.Duration(*hbTimeout * float64(time.Second))
	}
	if hbDetails != nil {
		if err := unmarshalJSON(hbDetails, &t.HeartbeatDetails); err != nil {
			return nil, err
		}
	}
	if result != nil {
		if err := unmarshalJSON(result, &t.Result); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*store.ActivityTask, error) {
	defer rows.Close()
	var out []*store.ActivityTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func prefixedTaskColumns(alias string) string {
	return alias + `.id, ` + alias + `.execution_id, ` + alias + `.activity_name, ` + alias + `.pos, ` +
		alias + `.args, ` + alias + `.kwargs, ` + alias + `.status, ` + alias + `.after_time, ` +
		alias + `.expires_at, ` + alias + `.attempt, ` + alias + `.max_attempts, ` + alias + `.retry_policy, ` +
		alias + `.heartbeat_timeout, ` + alias + `.heartbeat_at, ` + alias + `.heartbeat_details, ` +
		alias + `.result, ` + alias + `.error, ` + alias + `.started_at, ` + alias + `.finished_at, ` + alias + `.updated_at`
}

func marshalJSON(v any, empty string) ([]byte, error) {
	if v == nil {
		return []byte(empty), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return b, nil
}

func marshalNullableJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return b, nil
}

func unmarshalJSON(b []byte, dst any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("unmarshal json: %w", err)
	}
	return nil
}

func durationSeconds(d time.Duration) *float64 {
	if d <= 0 {
		return nil
	}
	secs := d.Seconds()
	return &secs
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
