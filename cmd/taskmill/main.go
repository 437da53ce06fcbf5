package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"taskmill/internal/api"
	httphandler "taskmill/internal/handlers/http"
	"taskmill/internal/handlers/shell"
	"taskmill/internal/queue"
	"taskmill/internal/scheduler"
	"taskmill/internal/worker"
)

type options struct {
	Addr           string        `long:"addr" env:"TASKMILL_ADDR" default:":8080" description:"HTTP bind address"`
	DBPath         string        `long:"db" env:"TASKMILL_DB" default:"taskmill.db" description:"SQLite DB path"`
	MaxConcurrent  int           `long:"max-concurrent" env:"TASKMILL_MAX_CONCURRENT" default:"4" description:"Max simultaneously running tasks"`
	PollEvery      time.Duration `long:"poll" env:"TASKMILL_POLL" default:"250ms" description:"Fallback poll interval for the dispatch loop"`
	BaseBackoff    time.Duration `long:"base-backoff" env:"TASKMILL_BASE_BACKOFF" default:"1s" description:"Base retry backoff delay"`
	MaxBackoff     time.Duration `long:"max-backoff" env:"TASKMILL_MAX_BACKOFF" default:"60s" description:"Retry backoff cap"`
	StopGrace      time.Duration `long:"stop-grace" env:"TASKMILL_STOP_GRACE" default:"10s" description:"Grace period for in-flight tasks on shutdown"`
	RetainTerminal time.Duration `long:"retain" env:"TASKMILL_RETAIN" default:"168h" description:"Retention window for terminal task records"`
	Debug          bool          `long:"debug" env:"TASKMILL_DEBUG" description:"Enable debug logging"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if opts.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	db, err := queue.Open(opts.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	store := queue.NewSQLiteStore(db)

	// Crash recovery: anything left running by a previous process is
	// attempted again (at-least-once).
	n, err := store.RecoverInterrupted(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("recover interrupted tasks")
	}
	log.Info().Int("recovered", n).Msg("recovered interrupted tasks")

	handlers := map[string]worker.Handler{
		"shell": shell.Shell{},
		"http":  httphandler.HTTP{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.NewPool(store, handlers, worker.Config{
		MaxConcurrent: opts.MaxConcurrent,
		PollEvery:     opts.PollEvery,
		BaseBackoff:   opts.BaseBackoff,
		MaxBackoff:    opts.MaxBackoff,
		StopGrace:     opts.StopGrace,
	})
	go pool.Run(ctx)

	sched := scheduler.NewService(store)
	if err := sched.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("load schedules")
	}
	go sched.Run(ctx)

	go retentionLoop(ctx, store, opts.RetainTerminal)

	srv := &http.Server{Addr: opts.Addr, Handler: api.NewServer(store, sched)}
	go func() {
		log.Info().Str("addr", opts.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)

	sched.Stop()
	pool.Stop()
	cancel()
}

// retentionLoop periodically prunes terminal records older than the
// retention window.
func retentionLoop(ctx context.Context, store queue.Store, retain time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.ClearCompleted(ctx, time.Now().UTC().Add(-retain))
			if err != nil {
				log.Error().Err(err).Msg("clear completed failed")
				continue
			}
			if n > 0 {
				log.Info().Int("removed", n).Msg("cleared terminal tasks")
			}
		}
	}
}
