package tasks

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"kbforge/internal/fanout"
	"kbforge/internal/phase"
	"kbforge/internal/router"
	"kbforge/internal/services"
	"kbforge/internal/sqlitex"
)

//go:embed schema.sql
var schemaSQL string

var taskColumnList = []string{
	"id", "kind", "phase", "item_id", "params_json", "override_json",
	"status", "progress_json", "retry_count", "max_retries",
	"error_kind", "error_message", "result_json",
	"created_at", "updated_at", "started_at", "finished_at", "next_attempt_at", "heartbeat_at",
}

var taskColumns = strings.Join(taskColumnList, ", ")

// Store persists tasks in the content database.
type Store struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// ListFilter narrows List.
type ListFilter struct {
	Status Status
	ItemID string
	Phase  phase.Phase
	Limit  int
}

// NewStore creates the tasks table on db if needed.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("task store requires a database")
	}
	if err := sqlitex.RetryOnBusy(ctx, func() error {
		_, err := db.ExecContext(ctx, schemaSQL)
		return err
	}); err != nil {
		return nil, fmt.Errorf("create tasks schema: %w", err)
	}
	return &Store{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Question)}, nil
}

// Insert persists a new task.
func (s *Store) Insert(ctx context.Context, t *Task) error {
	params, err := encodeJSON(t.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	override, err := encodeJSON(t.Override)
	if err != nil {
		return fmt.Errorf("encode override: %w", err)
	}
	progress, err := encodeJSON(t.Progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	query, args, err := s.sb.Insert("tasks").
		Columns("id", "kind", "phase", "item_id", "params_json", "override_json",
			"status", "progress_json", "retry_count", "max_retries", "created_at", "updated_at").
		Values(t.ID, t.Kind, string(t.Phase), t.ItemID, params, override,
			string(t.Status), progress, t.RetryCount, t.MaxRetries,
			sqlitex.FormatTime(t.CreatedAt), sqlitex.FormatTime(t.UpdatedAt)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := sqlitex.Exec(ctx, s.db, query, args...); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get returns the task or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// List returns tasks newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	query := s.sb.Select(taskColumnList...).From("tasks").OrderBy("created_at DESC", "id")
	if filter.Status != "" {
		query = query.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.ItemID != "" {
		query = query.Where(sq.Eq{"item_id": filter.ItemID})
	}
	if filter.Phase != "" {
		query = query.Where(sq.Eq{"phase": string(filter.Phase)})
	}
	if filter.Limit > 0 {
		query = query.Limit(uint64(filter.Limit))
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimNext moves the oldest due task of kind to running and returns it.
// It returns nil when nothing is due.
func (s *Store) ClaimNext(ctx context.Context, kind string, now time.Time) (*Task, error) {
	stamp := sqlitex.FormatTime(now)
	var claimed *Task
	err := sqlitex.InTx(ctx, s.db, func(tx *sql.Tx) error {
		claimed = nil
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM tasks
             WHERE kind = ? AND status IN (?, ?)
               AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
             ORDER BY created_at, id
             LIMIT 1`,
			kind, string(StatusPending), string(StatusRetrying), stamp,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select due task: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks
             SET status = ?, started_at = COALESCE(started_at, ?), heartbeat_at = ?,
                 next_attempt_at = NULL, updated_at = ?
             WHERE id = ?`,
			string(StatusRunning), stamp, stamp, stamp, id,
		); err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		if err != nil {
			return fmt.Errorf("reload claimed task: %w", err)
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// NextDue returns the earliest next_attempt_at among waiting tasks of kind.
func (s *Store) NextDue(ctx context.Context, kind string) (*time.Time, error) {
	var next sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_attempt_at) FROM tasks WHERE kind = ? AND status = ?`,
		kind, string(StatusRetrying),
	).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next due: %w", err)
	}
	return sqlitex.ParseNullTime(next), nil
}

// Heartbeat refreshes a running task's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, id string, now time.Time) error {
	stamp := sqlitex.FormatTime(now)
	_, err := sqlitex.Exec(ctx, s.db,
		`UPDATE tasks SET heartbeat_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		stamp, stamp, id, string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("task heartbeat: %w", err)
	}
	return nil
}

// UpdateProgress stores the latest progress snapshot.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress fanout.Progress) error {
	payload, err := encodeJSON(progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	_, err = sqlitex.Exec(ctx, s.db,
		`UPDATE tasks SET progress_json = ?, updated_at = ? WHERE id = ?`,
		payload, sqlitex.FormatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// MarkRetrying schedules another attempt at next.
func (s *Store) MarkRetrying(ctx context.Context, id string, retryCount int, next time.Time, kind services.Kind, message string) error {
	_, err := sqlitex.Exec(ctx, s.db,
		`UPDATE tasks
         SET status = ?, retry_count = ?, next_attempt_at = ?, error_kind = ?, error_message = ?,
             heartbeat_at = NULL, updated_at = ?
         WHERE id = ?`,
		string(StatusRetrying), retryCount, sqlitex.FormatTime(next),
		sqlitex.NullableString(string(kind)), sqlitex.NullableString(message),
		sqlitex.FormatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}
	return nil
}

// Finish records a terminal status and result.
func (s *Store) Finish(ctx context.Context, id string, status Status, result Result) error {
	if !status.Terminal() {
		return fmt.Errorf("finish task %s: %s is not terminal", id, status)
	}
	payload, err := encodeJSON(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	now := sqlitex.FormatTime(time.Now())
	_, err = sqlitex.Exec(ctx, s.db,
		`UPDATE tasks
         SET status = ?, result_json = ?, retry_count = ?, error_kind = ?, error_message = ?,
             finished_at = ?, heartbeat_at = NULL, next_attempt_at = NULL, updated_at = ?
         WHERE id = ?`,
		string(status), payload, result.RetryCount,
		sqlitex.NullableString(string(result.ErrorKind)), sqlitex.NullableString(result.Error),
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	return nil
}

// Requeue returns a running task to pending without consuming a retry.
func (s *Store) Requeue(ctx context.Context, id string) error {
	_, err := sqlitex.Exec(ctx, s.db,
		`UPDATE tasks SET status = ?, heartbeat_at = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusPending), sqlitex.FormatTime(time.Now()), id, string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

// ReclaimStale resets running tasks whose heartbeat is older than cutoff (or
// missing) back to pending. A zero cutoff reclaims every running task.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	update := s.sb.Update("tasks").
		Set("status", string(StatusPending)).
		Set("heartbeat_at", nil).
		Set("updated_at", sqlitex.FormatTime(time.Now())).
		Where(sq.Eq{"status": string(StatusRunning)})
	if !cutoff.IsZero() {
		update = update.Where(sq.Or{
			sq.Eq{"heartbeat_at": nil},
			sq.Lt{"heartbeat_at": sqlitex.FormatTime(cutoff)},
		})
	}
	query, args, err := update.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build reclaim: %w", err)
	}
	res, err := sqlitex.Exec(ctx, s.db, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	return res.RowsAffected()
}

// HasActive reports whether itemID already has a non-terminal task for p.
func (s *Store) HasActive(ctx context.Context, itemID string, p phase.Phase) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tasks WHERE item_id = ? AND phase = ? AND status IN (?, ?, ?)`,
		itemID, string(p), string(StatusPending), string(StatusRunning), string(StatusRetrying),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check active task: %w", err)
	}
	return count > 0, nil
}

// Counts returns the number of tasks per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(scanner rowScanner) (*Task, error) {
	var (
		t                                 Task
		phaseName, status                 string
		params, override, progress        sql.NullString
		errorKind, errorMessage, result   sql.NullString
		createdAt, updatedAt              string
		startedAt, finishedAt, nextAt, hb sql.NullString
	)
	if err := scanner.Scan(
		&t.ID, &t.Kind, &phaseName, &t.ItemID, &params, &override,
		&status, &progress, &t.RetryCount, &t.MaxRetries,
		&errorKind, &errorMessage, &result,
		&createdAt, &updatedAt, &startedAt, &finishedAt, &nextAt, &hb,
	); err != nil {
		return nil, err
	}
	t.Phase = phase.Phase(phaseName)
	t.Status = Status(status)
	t.ErrorKind = services.Kind(errorKind.String)
	t.ErrorMessage = errorMessage.String
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &t.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if override.Valid && override.String != "" && override.String != "null" {
		var sel router.Selector
		if err := json.Unmarshal([]byte(override.String), &sel); err != nil {
			return nil, fmt.Errorf("decode override: %w", err)
		}
		t.Override = &sel
	}
	if progress.Valid && progress.String != "" {
		if err := json.Unmarshal([]byte(progress.String), &t.Progress); err != nil {
			return nil, fmt.Errorf("decode progress: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		var r Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		t.Result = &r
	}
	if ts, err := sqlitex.ParseTime(createdAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := sqlitex.ParseTime(updatedAt); err == nil {
		t.UpdatedAt = ts
	}
	t.StartedAt = sqlitex.ParseNullTime(startedAt)
	t.FinishedAt = sqlitex.ParseNullTime(finishedAt)
	t.NextAttemptAt = sqlitex.ParseNullTime(nextAt)
	t.HeartbeatAt = sqlitex.ParseNullTime(hb)
	return &t, nil
}

func encodeJSON(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		if len(v) == 0 {
			return nil, nil
		}
	case *router.Selector:
		if v == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
