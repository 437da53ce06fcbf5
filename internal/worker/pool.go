package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"taskmill/internal/domain"
	"taskmill/internal/queue"
)

// Handler executes one unit of work. Retries re-invoke the same
// handler with the same arguments, so handlers must be idempotent;
// the engine cannot enforce this.
type Handler interface {
	Handle(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, args)
}

type Config struct {
	// MaxConcurrent bounds how many tasks may be running at once.
	MaxConcurrent int
	// PollEvery is the fallback wake interval for retry backoffs
	// becoming due; fresh enqueues wake the dispatch loop directly.
	PollEvery time.Duration
	// BaseBackoff seeds the exponential retry delay:
	// base * 2^(retry_count-1), capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// StopGrace is how long Stop waits for in-flight tasks before
	// requeueing them.
	StopGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		PollEvery:     250 * time.Millisecond,
		BaseBackoff:   time.Second,
		MaxBackoff:    60 * time.Second,
		StopGrace:     5 * time.Second,
	}
}

// Pool pulls tasks from the store and executes them with bounded
// concurrency. A single dispatch goroutine makes all dequeue
// decisions; task bodies run on their own goroutines so a slow task
// never stalls dispatch.
type Pool struct {
	store    queue.Store
	handlers map[string]Handler
	cfg      Config

	sem      chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewPool(store queue.Store, handlers map[string]Handler, cfg Config) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 250 * time.Millisecond
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	return &Pool{
		store:    store,
		handlers: handlers,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		inFlight: make(map[string]struct{}),
	}
}

// Run drives the dispatch loop until ctx is cancelled or Stop is
// called. It suspends when all slots are occupied or the queue is
// empty and wakes on either a freed slot, a store wake signal, or the
// poll tick.
func (p *Pool) Run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case p.sem <- struct{}{}:
		}

		task, ok := p.claim(ctx, ticker)
		if !ok {
			<-p.sem
			return
		}
		p.wg.Add(1)
		go p.execute(task)
	}
}

// claim blocks until a task is ready. Returns ok=false on shutdown.
func (p *Pool) claim(ctx context.Context, ticker *time.Ticker) (domain.TaskRecord, bool) {
	for {
		task, err := p.store.Dequeue(ctx, time.Now().UTC())
		if err == nil {
			return task, true
		}
		if !errors.Is(err, queue.ErrEmpty) {
			log.Error().Err(err).Msg("dequeue failed")
		}
		select {
		case <-ctx.Done():
			return domain.TaskRecord{}, false
		case <-p.stop:
			return domain.TaskRecord{}, false
		case <-p.store.Wake():
		case <-ticker.C:
		}
	}
}

func (p *Pool) execute(t domain.TaskRecord) {
	defer p.wg.Done()
	defer func() { <-p.sem }()

	p.mu.Lock()
	p.inFlight[t.ID] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, t.ID)
		p.mu.Unlock()
	}()

	// Persistence writes use a background context so a shutdown in
	// progress cannot strand the record mid-transition.
	ctx := context.Background()

	h, ok := p.handlers[t.Invocation.Handler]
	if !ok {
		p.persistFailure(ctx, t, fmt.Sprintf("no handler registered: %s", t.Invocation.Handler))
		return
	}

	log.Debug().Str("task_id", t.ID).Str("handler", t.Invocation.Handler).Msg("task running")

	result, err := p.invoke(t, h)
	if err != nil {
		errStr := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			errStr = fmt.Sprintf("timeout after %s", t.Timeout)
		}
		p.persistFailure(ctx, t, errStr)
		return
	}

	if err := p.store.Complete(ctx, t.ID, result); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("persist completion failed")
		return
	}
	log.Info().Str("task_id", t.ID).Str("name", t.Name).Msg("task completed")
}

// invoke runs the handler on its own goroutine so a body that ignores
// its context still times out from the pool's point of view. The
// abandoned goroutine keeps running; cancellation of started work is
// best-effort only.
func (p *Pool) invoke(t domain.TaskRecord, h Handler) (json.RawMessage, error) {
	ctx := context.Background()
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	type outcome struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := h.Handle(ctx, t.Invocation.Args)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) persistFailure(ctx context.Context, t domain.TaskRecord, errStr string) {
	attempt := t.RetryCount + 1
	if attempt <= t.MaxRetries {
		delay := backoff(p.cfg.BaseBackoff, attempt, p.cfg.MaxBackoff)
		if err := p.store.Retry(ctx, t.ID, errStr, delay); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("persist retry failed")
			return
		}
		log.Warn().Str("task_id", t.ID).Int("retry", attempt).Dur("backoff", delay).
			Str("error", errStr).Msg("task retrying")
		return
	}
	if err := p.store.Fail(ctx, t.ID, errStr); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("persist failure failed")
		return
	}
	log.Error().Str("task_id", t.ID).Str("name", t.Name).Int("retries", t.RetryCount).
		Str("error", errStr).Msg("task failed")
}

// backoff computes base * 2^(attempt-1) capped at max.
func backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt <= 1 {
		return base
	}
	if attempt > 32 {
		return max
	}
	d := base << (attempt - 1)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// Stop halts dispatch, waits up to the grace period for in-flight
// tasks, then requeues whatever is still running so it is attempted
// again after restart.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return
	case <-time.After(p.cfg.StopGrace):
	}

	p.mu.Lock()
	interrupted := make([]string, 0, len(p.inFlight))
	for id := range p.inFlight {
		interrupted = append(interrupted, id)
	}
	p.mu.Unlock()

	ctx := context.Background()
	for _, id := range interrupted {
		if err := p.store.Requeue(ctx, id); err != nil {
			log.Error().Err(err).Str("task_id", id).Msg("requeue interrupted task failed")
			continue
		}
		log.Warn().Str("task_id", id).Msg("task interrupted by shutdown, requeued")
	}
}
