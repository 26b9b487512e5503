// Package scheduler maintains one cron timer per schedulable config and
// dispatches pre-generation runs through a WorkerPool (spec §4.H). Cron
// parsing/ticking is grounded in the pack's cron-driven cache-regeneration
// examples (rapidloop-ellycache's cron.New()+AddJob, ternarybob-quaero's
// cron.NewParser field-mask validation), both of which use exactly
// github.com/robfig/cron/v3.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/calview/calview/internal/apperr"
	"github.com/calview/calview/internal/configstore"
	"github.com/calview/calview/internal/history"
	"github.com/calview/calview/internal/obsmetrics"
	"github.com/calview/calview/internal/pageconfig"
)

// PipelineRunner is the capability Scheduler needs to run a config's
// pipeline without importing internal/pipeline or internal/worker
// directly — composed in at startup (spec §9: replace the source's mutable
// function-slot wiring with an interface passed at composition time).
type PipelineRunner interface {
	Submit(ctx context.Context, id string, trigger history.Trigger) error
}

// ConfigLister is the subset of internal/configstore.Store Scheduler needs
// at init() to discover schedulable configs.
type ConfigLister interface {
	List() ([]string, error)
	Load(id string) (*pageconfig.Config, error)
}

// CacheDirEnsurer and HistoryInitializer are the narrow capabilities
// init() needs from ImageCache and HistoryLedger before anything else runs.
type CacheDirEnsurer interface{ EnsureDir() error }
type HistoryInitializer interface{ Init() error }

var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type timerEntry struct {
	entryID  cron.EntryID
	schedule string
}

// StatusEntry is one row of Status().
type StatusEntry struct {
	ID              string    `json:"id"`
	CronExpression  string    `json:"cronExpression"`
	NextRun         time.Time `json:"nextRun"`
}

// Scheduler owns the active cron.Cron and the id -> timer mapping.
type Scheduler struct {
	cron    *cron.Cron
	runner  PipelineRunner
	configs ConfigLister
	cache   CacheDirEnsurer
	history HistoryInitializer
	logger  *slog.Logger
	metrics *obsmetrics.Metrics

	mu     sync.Mutex
	timers map[string]timerEntry

	watchCancel context.CancelFunc
}

// New constructs a Scheduler. metrics may be nil.
func New(runner PipelineRunner, configs ConfigLister, cacheDir CacheDirEnsurer, hist HistoryInitializer, logger *slog.Logger, metrics *obsmetrics.Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(),
		runner:  runner,
		configs: configs,
		cache:   cacheDir,
		history: hist,
		logger:  logger,
		metrics: metrics,
		timers:  make(map[string]timerEntry),
	}
}

// Init performs the boot sequence of spec §4.H: ensure the cache directory,
// initialize the history ledger, schedule every schedulable config, and
// fire a `boot` run for each of them (fire-and-forget).
func (s *Scheduler) Init(ctx context.Context) error {
	if err := s.cache.EnsureDir(); err != nil {
		return err
	}
	if err := s.history.Init(); err != nil {
		return err
	}

	ids, err := s.configs.List()
	if err != nil {
		return err
	}

	s.cron.Start()

	for _, id := range ids {
		cfg, loadErr := s.configs.Load(id)
		if loadErr != nil {
			s.logger.Warn("scheduler init: failed to load config", "id", id, "error", loadErr)
			continue
		}
		if !cfg.Schedulable() {
			continue
		}
		if err := s.Schedule(id, cfg.PreGenerateInterval); err != nil {
			s.logger.Warn("scheduler init: invalid cron expression", "id", id, "expr", cfg.PreGenerateInterval, "error", err)
			continue
		}
		s.dispatch(ctx, id, history.TriggerBoot)
	}

	return nil
}

// Schedule cancels any existing timer for id and binds a new one to expr.
// The handler never blocks or overlaps for the same id: single-flight is
// enforced one layer down, in WorkerPool.
func (s *Scheduler) Schedule(id, expr string) error {
	if _, err := standardParser.Parse(expr); err != nil {
		return apperr.Wrap(apperr.KindConfigInvalid, "invalid cron expression", err).
			WithDetails(map[string]string{"id": id, "expr": expr})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[id]; ok {
		s.cron.Remove(existing.entryID)
		delete(s.timers, id)
	}

	entryID, err := s.cron.AddFunc(expr, func() {
		s.dispatch(context.Background(), id, history.TriggerScheduled)
	})
	if err != nil {
		return apperr.Wrap(apperr.KindConfigInvalid, "failed to bind cron timer", err)
	}

	s.timers[id] = timerEntry{entryID: entryID, schedule: expr}
	s.observeActive()
	return nil
}

// Unschedule cancels and removes id's timer, if any.
func (s *Scheduler) Unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[id]
	if !ok {
		return
	}
	s.cron.Remove(entry.entryID)
	delete(s.timers, id)
	s.observeActive()
}

// Reconcile applies one configstore.Event to the active timer set, per the
// state machine in spec §4.H.
func (s *Scheduler) Reconcile(ctx context.Context, ev configstore.Event) {
	switch ev.Kind {
	case configstore.EventAdded:
		if ev.Config != nil && ev.Config.Schedulable() {
			if err := s.Schedule(ev.ID, ev.Config.PreGenerateInterval); err != nil {
				s.logger.Warn("reconcile: failed to schedule added config", "id", ev.ID, "error", err)
			}
		}
	case configstore.EventRemoved:
		s.Unschedule(ev.ID)
	case configstore.EventChanged:
		s.mu.Lock()
		_, wasScheduled := s.timers[ev.ID]
		s.mu.Unlock()

		nowSchedulable := ev.Config != nil && ev.Config.Schedulable()

		switch {
		case nowSchedulable:
			if err := s.Schedule(ev.ID, ev.Config.PreGenerateInterval); err != nil {
				s.logger.Warn("reconcile: failed to reschedule changed config", "id", ev.ID, "error", err)
				return
			}
			s.dispatch(ctx, ev.ID, history.TriggerConfigChange)
		case wasScheduled && !nowSchedulable:
			s.Unschedule(ev.ID)
		}
	}
}

// StopAll cancels every active timer and stops the underlying cron.Cron.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	for id, entry := range s.timers {
		s.cron.Remove(entry.entryID)
		delete(s.timers, id)
	}
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// Status reports every currently scheduled config and its next run time.
func (s *Scheduler) Status() []StatusEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	nextByEntryID := make(map[cron.EntryID]time.Time, len(entries))
	for _, e := range entries {
		nextByEntryID[e.ID] = e.Next
	}

	out := make([]StatusEntry, 0, len(s.timers))
	for id, t := range s.timers {
		out = append(out, StatusEntry{ID: id, CronExpression: t.schedule, NextRun: nextByEntryID[t.entryID]})
	}
	return out
}

func (s *Scheduler) dispatch(ctx context.Context, id string, trigger history.Trigger) {
	if s.metrics != nil {
		s.metrics.SchedulerRunsTotal.WithLabelValues(string(trigger)).Inc()
	}
	if err := s.runner.Submit(ctx, id, trigger); err != nil {
		s.logger.Warn("scheduler dispatch failed", "id", id, "trigger", trigger, "error", err)
	}
}

func (s *Scheduler) observeActive() {
	if s.metrics != nil {
		s.metrics.SchedulerActive.Set(float64(len(s.timers)))
	}
}
