package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/311labs/taskqueue/internal/domain"
)

// TaskRepository abstracts all persistence for tasks and their logs.
// It is the single source of truth for task state.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id int64) (*domain.Task, error)
	// Update writes every mutable column of task.
	Update(ctx context.Context, task *domain.Task) error
	// UpdateIf writes task only if the stored row is currently in one of
	// states. It reports whether the row was written.
	UpdateIf(ctx context.Context, task *domain.Task, states ...domain.State) (bool, error)
	List(ctx context.Context, f domain.TaskFilter) ([]*domain.Task, error)
	Count(ctx context.Context, f domain.TaskFilter) (int, error)
	CountByChannel(ctx context.Context, f domain.TaskFilter) (map[string]int, error)
	Delete(ctx context.Context, f domain.TaskFilter) (int64, error)
	AppendLog(ctx context.Context, entry *domain.TaskLogEntry) error
	ListLogs(ctx context.Context, taskID int64) ([]*domain.TaskLogEntry, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the TaskRepository interface.
func NewRepository(pool *pgxpool.Pool) TaskRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const taskColumns = `id, created, modified, channel, namespace, function_name, payload,
	started_at, completed_at, stale_after, scheduled_for, cancel_requested,
	state, attempts, runtime, reason`

func (r *repository) Create(ctx context.Context, task *domain.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.ModifiedAt = now
	if task.Channel == "" {
		task.Channel = domain.ChannelDefault
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO tasks
			(created, modified, channel, namespace, function_name, payload,
			 started_at, completed_at, stale_after, scheduled_for, cancel_requested,
			 state, attempts, runtime, reason)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`,
		task.CreatedAt, task.ModifiedAt, task.Channel, task.Namespace, task.FunctionName,
		nullJSON(task.Payload), task.StartedAt, task.CompletedAt, task.StaleAfter,
		task.ScheduledFor, task.CancelRequested, int(task.State), task.Attempts,
		task.RuntimeSeconds, task.Reason,
	).Scan(&task.ID)
	if err != nil {
		return fmt.Errorf("create task %s.%s: %w", task.Namespace, task.FunctionName, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id int64) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return task, err
}

func (r *repository) Update(ctx context.Context, task *domain.Task) error {
	tag, err := r.exec(ctx, task, "")
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &domain.TaskNotFoundError{TaskID: task.ID}
	}
	return nil
}

func (r *repository) UpdateIf(ctx context.Context, task *domain.Task, states ...domain.State) (bool, error) {
	tag, err := r.exec(ctx, task, " AND state = ANY($15)", stateArgs(states))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repository) exec(ctx context.Context, task *domain.Task, cond string, extra ...any) (pgconn.CommandTag, error) {
	task.ModifiedAt = time.Now().UTC()
	args := []any{
		task.ID, task.ModifiedAt, task.Channel, nullJSON(task.Payload),
		task.StartedAt, task.CompletedAt, task.StaleAfter, task.ScheduledFor,
		task.CancelRequested, int(task.State), task.Attempts, task.RuntimeSeconds,
		task.Reason, task.Namespace,
	}
	args = append(args, extra...)
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET modified = $2, channel = $3, payload = $4, started_at = $5,
		    completed_at = $6, stale_after = $7, scheduled_for = $8,
		    cancel_requested = $9, state = $10, attempts = $11, runtime = $12,
		    reason = $13, namespace = $14
		WHERE id = $1`+cond, args...)
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("update task %d: %w", task.ID, err)
	}
	return tag, nil
}

func (r *repository) List(ctx context.Context, f domain.TaskFilter) ([]*domain.Task, error) {
	where, args := buildWhere(f)
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *repository) Count(ctx context.Context, f domain.TaskFilter) (int, error) {
	where, args := buildWhere(f)
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

func (r *repository) CountByChannel(ctx context.Context, f domain.TaskFilter) (map[string]int, error) {
	where, args := buildWhere(f)
	rows, err := r.pool.Query(ctx, `SELECT channel, COUNT(*) FROM tasks`+where+` GROUP BY channel`, args...)
	if err != nil {
		return nil, fmt.Errorf("count tasks by channel: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var ch string
		var n int
		if err := rows.Scan(&ch, &n); err != nil {
			return nil, fmt.Errorf("scan channel count: %w", err)
		}
		counts[ch] = n
	}
	return counts, rows.Err()
}

func (r *repository) Delete(ctx context.Context, f domain.TaskFilter) (int64, error) {
	where, args := buildWhere(f)
	if where == "" {
		return 0, errors.New("refusing to delete tasks without a filter")
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM tasks`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *repository) AppendLog(ctx context.Context, entry *domain.TaskLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO task_logs (task_id, created, kind, text)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, entry.TaskID, entry.CreatedAt, string(entry.Kind), entry.Text).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("append log for task %d: %w", entry.TaskID, err)
	}
	return nil
}

func (r *repository) ListLogs(ctx context.Context, taskID int64) ([]*domain.TaskLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, task_id, created, kind, text
		FROM task_logs
		WHERE task_id = $1
		ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list logs for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var entries []*domain.TaskLogEntry
	for rows.Next() {
		var e domain.TaskLogEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.CreatedAt, &kind, &e.Text); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		e.Kind = domain.LogKind(kind)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// buildWhere renders f as a WHERE clause with positional arguments.
func buildWhere(f domain.TaskFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if len(f.IDs) > 0 {
		add("id = ANY($%d)", f.IDs)
	}
	if len(f.States) > 0 {
		add("state = ANY($%d)", stateArgs(f.States))
	}
	if len(f.Channels) > 0 {
		add("channel = ANY($%d)", f.Channels)
	}
	if f.Due != nil {
		add("(scheduled_for IS NULL OR scheduled_for <= $%d)", *f.Due)
	}
	if f.CreatedBefore != nil {
		add("created < $%d", *f.CreatedBefore)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func stateArgs(states []domain.State) []int32 {
	out := make([]int32, len(states))
	for i, s := range states {
		out[i] = int32(s)
	}
	return out
}

func nullJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

// scanTask reads a task row from any pgx row type.
func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var state int
	var payload []byte
	err := row.Scan(
		&task.ID, &task.CreatedAt, &task.ModifiedAt, &task.Channel,
		&task.Namespace, &task.FunctionName, &payload,
		&task.StartedAt, &task.CompletedAt, &task.StaleAfter, &task.ScheduledFor,
		&task.CancelRequested, &state, &task.Attempts, &task.RuntimeSeconds, &task.Reason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.State = domain.State(state)
	task.Payload = payload
	return &task, nil
}
