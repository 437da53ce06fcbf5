package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"taskmill/internal/domain"
	"taskmill/internal/queue"
)

// Service produces tasks on a time basis. It never executes anything
// itself; due registrations are turned into Enqueue calls. One timer
// serves all registrations: the loop sleeps until the minimum next
// fire time, so the number of timers stays constant regardless of how
// many schedules exist.
type Service struct {
	store queue.Store

	mu     sync.Mutex
	scheds map[string]*domain.Schedule

	recompute chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

func NewService(store queue.Store) *Service {
	return &Service{
		store:     store,
		scheds:    make(map[string]*domain.Schedule),
		recompute: make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// NewSchedule carries the caller-supplied fields of a registration.
type NewSchedule struct {
	Name     string
	Kind     domain.ScheduleKind
	Every    time.Duration
	AtHour   int
	AtMinute int
	CronExpr string

	Handler    string
	Args       json.RawMessage
	Priority   domain.Priority
	MaxRetries int
	Timeout    time.Duration
	Enabled    bool
}

func validate(n NewSchedule) error {
	if n.Handler == "" {
		return &domain.ValidationError{Field: "handler", Reason: "must not be empty"}
	}
	switch n.Kind {
	case domain.ScheduleInterval:
		if n.Every <= 0 {
			return &domain.ValidationError{Field: "every", Reason: "must be > 0"}
		}
	case domain.ScheduleDaily:
		if n.AtHour < 0 || n.AtHour > 23 {
			return &domain.ValidationError{Field: "at_hour", Reason: "must be 0-23"}
		}
		if n.AtMinute < 0 || n.AtMinute > 59 {
			return &domain.ValidationError{Field: "at_minute", Reason: "must be 0-59"}
		}
	case domain.ScheduleCron:
		if _, err := cron.ParseStandard(n.CronExpr); err != nil {
			return &domain.ValidationError{Field: "cron_expr", Reason: err.Error()}
		}
	default:
		return &domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", n.Kind)}
	}
	return nil
}

// Load restores persisted registrations. Fire times are recomputed
// from now: a daily slot that passed while the process was down is
// skipped, never back-filled.
func (s *Service) Load(ctx context.Context) error {
	scheds, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range scheds {
		sc := scheds[i]
		next, err := nextAfter(&sc, now)
		if err != nil {
			return err
		}
		sc.NextFire = next
		s.scheds[sc.ID] = &sc
	}
	log.Info().Int("count", len(scheds)).Msg("schedules loaded")
	s.signal()
	return nil
}

// Register persists a new registration and arms the timer for it.
func (s *Service) Register(ctx context.Context, n NewSchedule) (domain.Schedule, error) {
	if err := validate(n); err != nil {
		return domain.Schedule{}, err
	}

	sc := domain.Schedule{
		Name:       n.Name,
		Kind:       n.Kind,
		Every:      n.Every,
		AtHour:     n.AtHour,
		AtMinute:   n.AtMinute,
		CronExpr:   n.CronExpr,
		Handler:    n.Handler,
		Args:       n.Args,
		Priority:   n.Priority,
		MaxRetries: n.MaxRetries,
		Timeout:    n.Timeout,
		Enabled:    n.Enabled,
	}
	next, err := nextAfter(&sc, time.Now().UTC())
	if err != nil {
		return domain.Schedule{}, err
	}
	sc.NextFire = next

	sc, err = s.store.CreateSchedule(ctx, sc)
	if err != nil {
		return domain.Schedule{}, err
	}

	s.mu.Lock()
	cp := sc
	s.scheds[sc.ID] = &cp
	s.mu.Unlock()
	s.signal()

	log.Info().Str("schedule_id", sc.ID).Str("name", sc.Name).Str("kind", string(sc.Kind)).
		Time("next_fire", sc.NextFire).Msg("schedule registered")
	return sc, nil
}

// SetEnabled toggles a registration without removing it. Re-enabling
// recomputes the fire time from now so a stale slot does not fire
// immediately.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.store.SetScheduleEnabled(ctx, id, enabled); err != nil {
		return err
	}

	s.mu.Lock()
	if sc, ok := s.scheds[id]; ok {
		sc.Enabled = enabled
		if enabled {
			if next, err := nextAfter(sc, time.Now().UTC()); err == nil {
				sc.NextFire = next
			}
		}
	}
	s.mu.Unlock()
	s.signal()
	return nil
}

func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.scheds, id)
	s.mu.Unlock()
	s.signal()
	return nil
}

func (s *Service) List(ctx context.Context) ([]domain.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

func (s *Service) signal() {
	select {
	case s.recompute <- struct{}{}:
	default:
	}
}

// Run sleeps until the earliest enabled fire time, enqueues whatever
// is due, and re-arms. Registration changes wake it early through the
// recompute channel.
func (s *Service) Run(ctx context.Context) {
	defer close(s.done)

	for {
		wait := time.Hour
		if next, ok := s.nextWake(); ok {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-s.recompute:
			timer.Stop()
		case <-timer.C:
			s.fireDue(ctx, time.Now().UTC())
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Service) nextWake() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var min time.Time
	for _, sc := range s.scheds {
		if !sc.Enabled {
			continue
		}
		if min.IsZero() || sc.NextFire.Before(min) {
			min = sc.NextFire
		}
	}
	return min, !min.IsZero()
}

func (s *Service) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sc := range s.scheds {
		if !sc.Enabled || sc.NextFire.After(now) {
			continue
		}
		fired := sc.NextFire

		_, err := s.store.Enqueue(ctx, queue.NewTask{
			Name:       sc.Name,
			Handler:    sc.Handler,
			Args:       sc.Args,
			Priority:   sc.Priority,
			MaxRetries: sc.MaxRetries,
			Timeout:    sc.Timeout,
			Metadata:   map[string]string{"schedule_id": sc.ID},
		})
		if err != nil {
			log.Error().Err(err).Str("schedule_id", sc.ID).Msg("enqueue scheduled task failed")
			continue
		}

		next, err := s.advance(sc, fired, now)
		if err != nil {
			log.Error().Err(err).Str("schedule_id", sc.ID).Msg("compute next fire failed")
			sc.Enabled = false
			continue
		}
		t := fired
		sc.LastScheduled = &t
		sc.NextFire = next

		if err := s.store.MarkFired(ctx, sc.ID, fired, next); err != nil {
			log.Error().Err(err).Str("schedule_id", sc.ID).Msg("persist schedule fire failed")
		}
		log.Info().Str("schedule_id", sc.ID).Str("name", sc.Name).
			Time("next_fire", next).Msg("scheduled task enqueued")
	}
}

// advance computes the fire time after a fire at `fired`. Interval
// schedules step from the scheduled time, not the actual one, so
// execution jitter never accumulates; if the loop fell behind by more
// than one interval, intermediate slots are skipped while the phase
// is kept.
func (s *Service) advance(sc *domain.Schedule, fired, now time.Time) (time.Time, error) {
	if sc.Kind == domain.ScheduleInterval {
		next := fired.Add(sc.Every)
		for !next.After(now) {
			next = next.Add(sc.Every)
		}
		return next, nil
	}
	return nextAfter(sc, now)
}

// nextAfter computes the first fire time strictly after the given
// instant, ignoring any missed occurrences.
func nextAfter(sc *domain.Schedule, after time.Time) (time.Time, error) {
	switch sc.Kind {
	case domain.ScheduleInterval:
		if sc.Every <= 0 {
			return time.Time{}, &domain.ValidationError{Field: "every", Reason: "must be > 0"}
		}
		return after.Add(sc.Every), nil
	case domain.ScheduleDaily:
		next := time.Date(after.Year(), after.Month(), after.Day(), sc.AtHour, sc.AtMinute, 0, 0, time.UTC)
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil
	case domain.ScheduleCron:
		spec, err := cron.ParseStandard(sc.CronExpr)
		if err != nil {
			return time.Time{}, &domain.ValidationError{Field: "cron_expr", Reason: err.Error()}
		}
		return spec.Next(after), nil
	}
	return time.Time{}, &domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", sc.Kind)}
}
