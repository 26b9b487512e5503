package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/calview/calview/internal/api/middleware"
	"github.com/calview/calview/internal/apperr"
	"github.com/calview/calview/internal/cache"
	"github.com/calview/calview/internal/configstore"
	"github.com/calview/calview/internal/dispatcher"
	"github.com/calview/calview/internal/history"
	"github.com/calview/calview/internal/httpapi"
	"github.com/calview/calview/internal/infrastructure/calendarfetch"
	"github.com/calview/calview/internal/infrastructure/raster"
	"github.com/calview/calview/internal/logging"
	"github.com/calview/calview/internal/obsmetrics"
	"github.com/calview/calview/internal/pipeline"
	"github.com/calview/calview/internal/scheduler"
	"github.com/calview/calview/internal/settings"
	"github.com/calview/calview/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the config watcher, scheduler, worker pool, and HTTP dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// readyState backs the supplemented GET /ready endpoint (SPEC_FULL.md).
type readyState struct {
	configsListed int32
	schedulerInit int32
}

func (r *readyState) Ready() bool {
	return atomic.LoadInt32(&r.configsListed) == 1 && atomic.LoadInt32(&r.schedulerInit) == 1
}

func runServe(ctx context.Context) error {
	cfg, err := settings.Load(configPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	logger := logging.New(logging.Config{
		Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output,
		Filename: cfg.Log.Filename, MaxSize: cfg.Log.MaxSize, MaxBackups: cfg.Log.MaxBackups,
		MaxAge: cfg.Log.MaxAge, Compress: cfg.Log.Compress,
	})

	registry := prometheus.NewRegistry()
	cacheMetrics := cache.NewMetrics(registry)
	coreMetrics := obsmetrics.New(registry)
	httpMetrics := middleware.NewHTTPMetrics(registry)

	var mirror cache.RemoteMirror
	if cfg.Cache.RedisAddr != "" {
		m, err := cache.NewRedisMirror(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, logger)
		if err != nil {
			logger.Warn("redis mirror unavailable, continuing without it", "error", err)
		} else {
			mirror = m
		}
	}

	imageCache, err := cache.New(cfg.Paths.CacheDir, cfg.Cache.MemoryEntries, logger, cacheMetrics, mirror)
	if err != nil {
		return fmt.Errorf("construct cache: %w", err)
	}

	ledger := history.New(cfg.Paths.CacheDir, logger)

	configs := configstore.New(cfg.Paths.ConfigDir, logger)

	fetcher := calendarfetch.New(cfg.Worker.RenderTimeout)
	rend := raster.New()
	pipe := pipeline.New(configs, fetcher, rend, imageCache, ledger, logger)

	binaryPath := cfg.Worker.BinaryPath
	if binaryPath == "" {
		if exe, err := os.Executable(); err == nil {
			binaryPath = exe
		} else {
			binaryPath = os.Args[0]
		}
	}
	pool := worker.New(binaryPath, cfg.Worker.RenderTimeout, cfg.Worker.MaxConcurrent, logger)

	sched := scheduler.New(poolRunner{pool: pool, metrics: coreMetrics}, configs, imageCache, ledger, logger, coreMetrics)

	disp := dispatcher.New(configs, imageCache, pipe, ledger, logger)

	ready := &readyState{}
	router := httpapi.New(disp, ready, statusAdapter{sched: sched}, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), httpMetrics, logger)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	go func() {
		if err := configs.Watch(watchCtx, func(ev configstore.Event) {
			sched.Reconcile(watchCtx, ev)
		}); err != nil {
			logger.Error("config watch exited", "error", err)
		}
	}()
	atomic.StoreInt32(&ready.configsListed, 1)

	if err := sched.Init(watchCtx); err != nil {
		cancelWatch()
		return fmt.Errorf("scheduler init: %w", err)
	}
	atomic.StoreInt32(&ready.schedulerInit, 1)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	sched.StopAll()
	cancelWatch()
	configs.Stop()

	return nil
}

// statusAdapter converts scheduler.StatusEntry to httpapi.StatusEntry so
// the scheduler and the HTTP layer don't need to share a package for a
// single read-only status view.
type statusAdapter struct{ sched *scheduler.Scheduler }

func (s statusAdapter) Status() []httpapi.StatusEntry {
	entries := s.sched.Status()
	out := make([]httpapi.StatusEntry, len(entries))
	for i, e := range entries {
		out[i] = httpapi.StatusEntry{ID: e.ID, CronExpression: e.CronExpression, NextRun: e.NextRun}
	}
	return out
}

// poolRunner adapts worker.Pool's Future-returning Submit to the
// scheduler.PipelineRunner contract: fire-and-forget, non-blocking
// submission, with the eventual result only logged and tallied.
type poolRunner struct {
	pool    *worker.Pool
	metrics *obsmetrics.Metrics
}

func (p poolRunner) Submit(ctx context.Context, id string, trigger history.Trigger) error {
	future := p.pool.Submit(ctx, id, trigger)
	go func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		_, err := future.Wait(waitCtx)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if ae, ok := apperr.As(err); ok && ae.Kind == apperr.KindWorkerCrashed && p.metrics != nil {
				p.metrics.WorkerCrashes.Inc()
			}
		}
		if p.metrics != nil {
			p.metrics.PipelineRuns.WithLabelValues(string(trigger), outcome).Inc()
		}
	}()
	return nil
}
