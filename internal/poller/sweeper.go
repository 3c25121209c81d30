package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jpalmerr/devicepoll/internal/store"
)

// DefaultRetentionSchedule runs the sweep once a day at midnight.
const DefaultRetentionSchedule = "@daily"

// Sweeper deletes history older than the retention window on a cron
// schedule.
//
// A failed sweep is logged and retried at the next scheduled run; it never
// stops the sweeper. Overlapping runs are skipped.
type Sweeper struct {
	history  store.HistoryStore
	days     int
	schedule cron.Schedule
	cron     *cron.Cron
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	last    SweepResult
}

// SweepResult describes the most recent sweep.
type SweepResult struct {
	At      time.Time
	Horizon time.Time
	Deleted int64
	Err     error
}

// NewSweeper creates a [Sweeper] keeping retentionDays of history.
//
// schedule is a standard five-field cron expression or a descriptor such as
// "@daily" or "@every 6h". An empty schedule uses [DefaultRetentionSchedule].
func NewSweeper(history store.HistoryStore, retentionDays int, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if retentionDays < 1 {
		return nil, fmt.Errorf("retention days must be at least 1, got %d", retentionDays)
	}
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cl := cronLogger{logger: logger}
	return &Sweeper{
		history:  history,
		days:     retentionDays,
		schedule: sched,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Horizon returns the retention cutoff relative to now: records strictly
// older than it are eligible for deletion.
func (s *Sweeper) Horizon() time.Time {
	return s.now().UTC().AddDate(0, 0, -s.days)
}

// RunOnce purges history older than the retention horizon and returns the
// number of records deleted.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	at := s.now().UTC()
	horizon := at.AddDate(0, 0, -s.days)

	deleted, err := s.history.PurgeOlderThan(ctx, horizon)

	s.mu.Lock()
	s.last = SweepResult{At: at, Horizon: horizon, Deleted: deleted, Err: err}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("retention sweep failed", "horizon", horizon, "error", err)
		return 0, fmt.Errorf("purge older than %s: %w", horizon.Format(time.RFC3339), err)
	}
	s.logger.Info("retention sweep complete", "horizon", horizon, "deleted", deleted)
	return deleted, nil
}

// Last returns the outcome of the most recent sweep. At is zero if no sweep
// has run.
func (s *Sweeper) Last() SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start schedules the sweep. Start is idempotent; if Stop was called before
// Start, Start is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	ctx := s.ctx
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		_, _ = s.RunOnce(ctx)
	}))
	s.cron.Start()
	s.logger.Info("retention sweeper started", "retention_days", s.days, "next", s.schedule.Next(s.now()))
}

// Stop cancels a running sweep and waits for it to return. Stop is
// idempotent and safe to call before Start.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("retention sweeper stopped")
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
