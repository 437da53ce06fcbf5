package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"taskmill/internal/domain"
)

// ErrEmpty is returned by Dequeue when no task is ready to run.
var ErrEmpty = errors.New("no tasks ready")

// Store is the durable home for task records and schedule
// registrations. Enqueue persists before returning; a task that was
// accepted survives a process restart. At most one caller owns a
// record while it is running, enforced by the transactional Dequeue.
type Store interface {
	Enqueue(ctx context.Context, t NewTask) (domain.TaskRecord, error)
	Dequeue(ctx context.Context, now time.Time) (domain.TaskRecord, error)
	Get(ctx context.Context, id string) (domain.TaskRecord, error)
	ListByStatus(ctx context.Context, status domain.Status) ([]domain.TaskRecord, error)
	ListRecent(ctx context.Context, limit int) ([]domain.TaskRecord, error)
	Stats(ctx context.Context) (map[domain.Status]int, error)

	Complete(ctx context.Context, id string, result json.RawMessage) error
	Retry(ctx context.Context, id, errStr string, delay time.Duration) error
	Fail(ctx context.Context, id, errStr string) error
	Cancel(ctx context.Context, id string) error
	Requeue(ctx context.Context, id string) error
	ClearCompleted(ctx context.Context, olderThan time.Time) (int, error)
	RecoverInterrupted(ctx context.Context) (int, error)

	// Wake reports new runnable work to a suspended dispatch loop.
	Wake() <-chan struct{}

	CreateSchedule(ctx context.Context, s domain.Schedule) (domain.Schedule, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) error
	DeleteSchedule(ctx context.Context, id string) error
	MarkFired(ctx context.Context, id string, lastScheduled, nextFire time.Time) error
}

// NewTask carries the caller-supplied fields of a submission.
type NewTask struct {
	Name       string
	Handler    string
	Args       json.RawMessage
	Priority   domain.Priority
	MaxRetries int
	Timeout    time.Duration
	Metadata   map[string]string
}

// Open opens the SQLite database at path. SQLite has a single writer,
// so the connection pool is capped at one; every read-modify-write
// funnels through it.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// EnsureSchema creates tables if they don't exist. A malformed or
// unreadable database surfaces here as a fatal PersistenceError.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  handler TEXT NOT NULL,
  args BLOB,
  priority INTEGER NOT NULL DEFAULT 1,
  status TEXT NOT NULL CHECK(status IN ('pending','running','retrying','completed','failed','cancelled')) DEFAULT 'pending',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 0,
  timeout_ms INTEGER NOT NULL DEFAULT 0,
  run_at DATETIME NOT NULL,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL,
  result BLOB,
  error TEXT NOT NULL DEFAULT '',
  metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(status, run_at, priority DESC, created_at ASC);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  kind TEXT NOT NULL CHECK(kind IN ('interval','daily','cron')),
  every_ms INTEGER NOT NULL DEFAULT 0,
  at_hour INTEGER NOT NULL DEFAULT 0,
  at_minute INTEGER NOT NULL DEFAULT 0,
  cron_expr TEXT NOT NULL DEFAULT '',
  handler TEXT NOT NULL,
  args BLOB,
  priority INTEGER NOT NULL DEFAULT 1,
  max_retries INTEGER NOT NULL DEFAULT 0,
  timeout_ms INTEGER NOT NULL DEFAULT 0,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_scheduled DATETIME,
  next_fire DATETIME NOT NULL,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_fire ON schedules(enabled, next_fire);
`
	if _, err := db.Exec(schema); err != nil {
		return &domain.PersistenceError{Op: "ensure schema", Err: err}
	}
	return nil
}

type sqliteStore struct {
	db   *sql.DB
	wake chan struct{}
}

func NewSQLiteStore(db *sql.DB) Store {
	return &sqliteStore{db: db, wake: make(chan struct{}, 1)}
}

func (s *sqliteStore) Wake() <-chan struct{} { return s.wake }

func (s *sqliteStore) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func validate(t NewTask) error {
	if t.Handler == "" {
		return &domain.ValidationError{Field: "handler", Reason: "must not be empty"}
	}
	if len(t.Args) > 0 && !json.Valid(t.Args) {
		return &domain.ValidationError{Field: "args", Reason: "must be valid JSON"}
	}
	if t.MaxRetries < 0 {
		return &domain.ValidationError{Field: "max_retries", Reason: "must be >= 0"}
	}
	if t.Timeout < 0 {
		return &domain.ValidationError{Field: "timeout", Reason: "must be >= 0"}
	}
	if t.Priority < domain.PriorityLow || t.Priority > domain.PriorityCritical {
		return &domain.ValidationError{Field: "priority", Reason: "unknown priority band"}
	}
	return nil
}

func (s *sqliteStore) Enqueue(ctx context.Context, t NewTask) (domain.TaskRecord, error) {
	if err := validate(t); err != nil {
		return domain.TaskRecord{}, err
	}

	meta := []byte("{}")
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return domain.TaskRecord{}, &domain.ValidationError{Field: "metadata", Reason: err.Error()}
		}
		meta = b
	}

	now := time.Now().UTC()
	rec := domain.TaskRecord{
		ID:         "tsk_" + uuid.NewString(),
		Name:       t.Name,
		Invocation: domain.Invocation{Handler: t.Handler, Args: t.Args},
		Priority:   t.Priority,
		Status:     domain.StatusPending,
		MaxRetries: t.MaxRetries,
		Timeout:    t.Timeout,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   t.Metadata,
	}

	err := s.exec(ctx, `
INSERT INTO tasks (id,name,handler,args,priority,status,retry_count,max_retries,timeout_ms,run_at,created_at,updated_at,metadata)
VALUES (?,?,?,?,?,'pending',0,?,?,?,?,?,?)
`, rec.ID, rec.Name, t.Handler, []byte(t.Args), int(t.Priority), t.MaxRetries, t.Timeout.Milliseconds(), now, now, now, string(meta))
	if err != nil {
		return domain.TaskRecord{}, err
	}
	s.signal()
	return rec, nil
}

// Dequeue atomically claims the highest-priority runnable task,
// earliest created first within a band. Retrying tasks whose backoff
// has elapsed re-enter the pending pool in the same transaction, so
// their observable state cycles retrying -> pending -> running.
func (s *sqliteStore) Dequeue(ctx context.Context, now time.Time) (domain.TaskRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.TaskRecord{}, &domain.PersistenceError{Op: "dequeue begin", Err: err}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
UPDATE tasks SET status='pending', updated_at=? WHERE status='retrying' AND run_at <= ?`, now, now)
	if err != nil {
		return domain.TaskRecord{}, &domain.PersistenceError{Op: "dequeue promote", Err: err}
	}

	row := tx.QueryRowContext(ctx, `
SELECT `+taskCols+`
FROM tasks
WHERE status='pending' AND run_at <= ?
ORDER BY priority DESC, created_at ASC, rowid ASC
LIMIT 1
`, now)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		if rbErr := tx.Rollback(); rbErr != nil {
			return domain.TaskRecord{}, &domain.PersistenceError{Op: "dequeue rollback", Err: rbErr}
		}
		return domain.TaskRecord{}, ErrEmpty
	}
	if err != nil {
		return domain.TaskRecord{}, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE tasks SET status='running', updated_at=? WHERE id=?`, now, t.ID)
	if err != nil {
		return domain.TaskRecord{}, &domain.PersistenceError{Op: "dequeue claim", Err: err}
	}
	if err = tx.Commit(); err != nil {
		return domain.TaskRecord{}, &domain.PersistenceError{Op: "dequeue commit", Err: err}
	}
	t.Status = domain.StatusRunning
	return t, nil
}

const taskCols = "id,name,handler,args,priority,status,retry_count,max_retries,timeout_ms,created_at,updated_at,result,error,metadata"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.TaskRecord, error) {
	var (
		t         domain.TaskRecord
		args      []byte
		result    []byte
		meta      string
		prio      int
		timeoutMS int64
	)
	err := row.Scan(&t.ID, &t.Name, &t.Invocation.Handler, &args, &prio, &t.Status,
		&t.RetryCount, &t.MaxRetries, &timeoutMS, &t.CreatedAt, &t.UpdatedAt, &result, &t.Error, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskRecord{}, err
	}
	if err != nil {
		return domain.TaskRecord{}, &domain.PersistenceError{Op: "scan task", Err: err}
	}
	t.Priority = domain.Priority(prio)
	t.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if len(args) > 0 {
		t.Invocation.Args = json.RawMessage(args)
	}
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return domain.TaskRecord{}, &domain.PersistenceError{Op: "decode metadata", Err: err}
		}
	}
	return t, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskRecord{}, domain.ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ListByStatus(ctx context.Context, status domain.Status) ([]domain.TaskRecord, error) {
	return s.list(ctx, `SELECT `+taskCols+` FROM tasks WHERE status=? ORDER BY created_at ASC, rowid ASC`, string(status))
}

func (s *sqliteStore) ListRecent(ctx context.Context, limit int) ([]domain.TaskRecord, error) {
	return s.list(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

func (s *sqliteStore) list(ctx context.Context, query string, args ...any) ([]domain.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list tasks", Err: err}
	}
	defer rows.Close()

	var tasks []domain.TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *sqliteStore) Stats(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "stats", Err: err}
	}
	defer rows.Close()

	stats := make(map[domain.Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, &domain.PersistenceError{Op: "stats scan", Err: err}
		}
		stats[domain.Status(st)] = n
	}
	return stats, rows.Err()
}

func (s *sqliteStore) Complete(ctx context.Context, id string, result json.RawMessage) error {
	return s.exec(ctx, `
UPDATE tasks SET status='completed', result=?, error='', updated_at=? WHERE id=?`,
		[]byte(result), time.Now().UTC(), id)
}

// Retry increments the attempt counter and parks the task as retrying
// until its backoff elapses. The final, exhausted failure goes through
// Fail instead and does not increment, so a failed record always ends
// with retry_count == max_retries.
func (s *sqliteStore) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	now := time.Now().UTC()
	return s.exec(ctx, `
UPDATE tasks SET status='retrying', retry_count=retry_count+1, error=?, result=NULL, run_at=?, updated_at=? WHERE id=?`,
		errStr, now.Add(delay), now, id)
}

func (s *sqliteStore) Fail(ctx context.Context, id, errStr string) error {
	return s.exec(ctx, `
UPDATE tasks SET status='failed', error=?, result=NULL, updated_at=? WHERE id=?`,
		errStr, time.Now().UTC(), id)
}

// Cancel is valid only while the task is still pending. Once a worker
// owns the record, cancellation is best-effort and reported as
// ErrNotPending rather than interrupting the task body.
func (s *sqliteStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status='cancelled', error='cancelled before execution', updated_at=? WHERE id=? AND status='pending'`,
		time.Now().UTC(), id)
	if err != nil {
		return &domain.PersistenceError{Op: "cancel", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrNotPending
}

func (s *sqliteStore) Requeue(ctx context.Context, id string) error {
	now := time.Now().UTC()
	if err := s.exec(ctx, `
UPDATE tasks SET status='pending', run_at=?, updated_at=? WHERE id=? AND status='running'`, now, now, id); err != nil {
		return err
	}
	s.signal()
	return nil
}

func (s *sqliteStore) ClearCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM tasks WHERE status IN ('completed','failed','cancelled') AND updated_at < ?`, olderThan)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "clear completed", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecoverInterrupted requeues tasks left running by a crashed process.
// The engine favors at-least-once execution over exactly-once: an
// interrupted task runs again rather than being lost.
func (s *sqliteStore) RecoverInterrupted(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET status='pending', run_at=?, updated_at=? WHERE status='running'`, now, now)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "recover interrupted", Err: err}
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.signal()
	}
	return int(n), nil
}

// exec runs a mutating statement, retrying transient failures a couple
// of times before reporting a PersistenceError.
func (s *sqliteStore) exec(ctx context.Context, query string, args ...any) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if _, err = s.db.ExecContext(ctx, query, args...); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return &domain.PersistenceError{Op: "write", Err: err}
}
