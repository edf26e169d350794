package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"taskpilot/internal/adhoc"
	"taskpilot/internal/api"
	"taskpilot/internal/config"
	"taskpilot/internal/handlers/agent"
	"taskpilot/internal/handlers/analysis"
	"taskpilot/internal/handlers/report"
	"taskpilot/internal/handlers/websearch"
	"taskpilot/internal/queue"
	"taskpilot/internal/store"
	"taskpilot/internal/sweeper"
	"taskpilot/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		debug   = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *debug {
		cfg.Debug = true
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.NewSQLite(db)

	// Handler registry: adding a task type is one Register call.
	registry := worker.NewRegistry()
	must(registry.Register(websearch.TaskType, websearch.New(cfg.Handlers.SearchEndpoint)))
	must(registry.Register(analysis.TaskType, analysis.New()))
	must(registry.Register(report.TaskType, report.New()))
	must(registry.Register(agent.TaskType, agent.New(cfg.Handlers.AgentEndpoint)))

	q := queue.NewMemory(cfg.Queue.Capacity)

	runner := adhoc.NewRunner(cfg.AdHoc.MaxConcurrent, adhoc.Options{
		MaxRetries: cfg.AdHoc.MaxRetries,
		RetryDelay: cfg.AdHoc.RetryDelay.Std(),
	})

	ctx, cancel := context.WithCancel(context.Background())

	pool := worker.NewPool(st, q, registry, worker.Config{
		MaxConcurrent: cfg.Worker.MaxConcurrentTasks,
		TaskTimeout:   cfg.Worker.TaskTimeout.Std(),
		RetryBackoff:  cfg.Worker.RetryBackoff.Std(),
		RetryMax:      cfg.Worker.RetryMax,
		DispatchRate:  cfg.Worker.DispatchRate,
		DispatchBurst: cfg.Worker.DispatchBurst,
	})
	go pool.Run(ctx)

	// Single sweeper per process; cross-process safety rests on the
	// next_run compare-and-swap in the store.
	sw := sweeper.New(st, q, cfg.Sweeper.Interval.Std())
	go sw.Start(ctx)

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(st, q, registry, runner, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	sw.Stop()
	cancel()
	q.Close()

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	_ = runner.Shutdown(ctxTimeout)
}

func must(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("register handler")
	}
}
