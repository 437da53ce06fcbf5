package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"taskmill/internal/domain"
)

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc domain.Schedule) (domain.Schedule, error) {
	if sc.ID == "" {
		sc.ID = "sch_" + uuid.NewString()
	}
	now := time.Now().UTC()
	sc.CreatedAt = now
	sc.UpdatedAt = now

	var last any
	if sc.LastScheduled != nil {
		last = *sc.LastScheduled
	}
	err := s.exec(ctx, `
INSERT INTO schedules (id,name,kind,every_ms,at_hour,at_minute,cron_expr,handler,args,priority,max_retries,timeout_ms,enabled,last_scheduled,next_fire,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, sc.ID, sc.Name, string(sc.Kind), sc.Every.Milliseconds(), sc.AtHour, sc.AtMinute, sc.CronExpr,
		sc.Handler, []byte(sc.Args), int(sc.Priority), sc.MaxRetries, sc.Timeout.Milliseconds(),
		sc.Enabled, last, sc.NextFire, now, now)
	if err != nil {
		return domain.Schedule{}, err
	}
	return sc, nil
}

const scheduleCols = "id,name,kind,every_ms,at_hour,at_minute,cron_expr,handler,args,priority,max_retries,timeout_ms,enabled,last_scheduled,next_fire,created_at,updated_at"

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		sc        domain.Schedule
		kind      string
		everyMS   int64
		timeoutMS int64
		prio      int
		args      []byte
		last      sql.NullTime
	)
	err := row.Scan(&sc.ID, &sc.Name, &kind, &everyMS, &sc.AtHour, &sc.AtMinute, &sc.CronExpr,
		&sc.Handler, &args, &prio, &sc.MaxRetries, &timeoutMS, &sc.Enabled, &last, &sc.NextFire,
		&sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, err
	}
	if err != nil {
		return domain.Schedule{}, &domain.PersistenceError{Op: "scan schedule", Err: err}
	}
	sc.Kind = domain.ScheduleKind(kind)
	sc.Every = time.Duration(everyMS) * time.Millisecond
	sc.Timeout = time.Duration(timeoutMS) * time.Millisecond
	sc.Priority = domain.Priority(prio)
	if len(args) > 0 {
		sc.Args = json.RawMessage(args)
	}
	if last.Valid {
		t := last.Time
		sc.LastScheduled = &t
	}
	return sc, nil
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, domain.ErrNotFound
	}
	return sc, err
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list schedules", Err: err}
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}

func (s *sqliteStore) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE schedules SET enabled=?, updated_at=? WHERE id=?`, enabled, time.Now().UTC(), id)
	if err != nil {
		return &domain.PersistenceError{Op: "set schedule enabled", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM schedules WHERE id=?`, id)
}

func (s *sqliteStore) MarkFired(ctx context.Context, id string, lastScheduled, nextFire time.Time) error {
	return s.exec(ctx, `
UPDATE schedules SET last_scheduled=?, next_fire=?, updated_at=? WHERE id=?`,
		lastScheduled, nextFire, time.Now().UTC(), id)
}
