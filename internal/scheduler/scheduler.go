// Package scheduler implements the cron tick loop (spec §4.F): it
// enqueues a Job for every Schedule whose next_run has arrived. Grounded
// on the teacher's internal/job.Scheduler Run() loop, but the
// hardcoded parseCronNext switch over six literal cron strings is
// replaced with internal/cronexpr, the single parser shared with
// schedule validation so the two can never disagree on what a cron
// expression means.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/ratchet-run/ratchet/internal/cronexpr"
	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/queue"
	"github.com/ratchet-run/ratchet/internal/schedule"
)

// Config tunes the tick loop's polling and refresh cadence.
type Config struct {
	RefreshInterval time.Duration // how often to reload the enabled-schedule set from Postgres
	MinSleep        time.Duration // floor on the sleep between wakeups, to avoid a busy loop on clock skew
	MaxSleep        time.Duration // ceiling on the sleep, so newly-created schedules are picked up promptly
}

func DefaultConfig() Config {
	return Config{
		RefreshInterval: 30 * time.Second,
		MinSleep:        100 * time.Millisecond,
		MaxSleep:        15 * time.Second,
	}
}

// ScheduleStore is the scheduler's dependency on internal/schedule.
// Satisfied by *schedule.Repository.
type ScheduleStore interface {
	ListEnabled(ctx context.Context) ([]*schedule.Schedule, error)
	RecordFire(ctx context.Context, id ids.ScheduleID, firedAt, nextRun time.Time) error
}

// JobEnqueuer is the scheduler's dependency on internal/queue.
// Satisfied by *queue.Repository.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, taskID ids.TaskID, input json.RawMessage, opts queue.EnqueueOptions) (*queue.Job, error)
}

var (
	_ ScheduleStore = (*schedule.Repository)(nil)
	_ JobEnqueuer   = (*queue.Repository)(nil)
)

// Scheduler maintains an in-memory, next-run-ordered view of enabled
// schedules and sleeps until the earliest one is due, rather than
// polling Postgres on a fixed tick (spec §4.F: "one tick task,
// sleep-until-next"). The view is refreshed periodically so schedules
// created or edited by another process are picked up within
// RefreshInterval.
type Scheduler struct {
	schedules ScheduleStore
	queue     JobEnqueuer
	cfg       Config
	logger    *slog.Logger

	entries []entry // sorted ascending by nextRun
}

type entry struct {
	id      ids.ScheduleID
	nextRun time.Time
	expr    *cronexpr.Expr
	sched   *schedule.Schedule
}

func New(schedules ScheduleStore, q JobEnqueuer, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.MinSleep <= 0 {
		cfg.MinSleep = 100 * time.Millisecond
	}
	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = 15 * time.Second
	}
	return &Scheduler{schedules: schedules, queue: q, cfg: cfg, logger: logger}
}

// Run blocks, firing due schedules until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.reload(ctx); err != nil {
		return err
	}

	lastRefresh := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		if time.Since(lastRefresh) >= s.cfg.RefreshInterval {
			if err := s.reload(ctx); err != nil {
				s.logger.Error("failed to reload schedules, keeping stale view", "error", err)
			} else {
				lastRefresh = now
			}
		}

		s.fireDue(ctx, now)

		sleep := s.cfg.MaxSleep
		if len(s.entries) > 0 {
			if d := time.Until(s.entries[0].nextRun); d < sleep {
				sleep = d
			}
		}
		if remaining := s.cfg.RefreshInterval - time.Since(lastRefresh); remaining < sleep {
			sleep = remaining
		}
		if sleep < s.cfg.MinSleep {
			sleep = s.cfg.MinSleep
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// reload rebuilds the in-memory entry set from every enabled schedule.
func (s *Scheduler) reload(ctx context.Context) error {
	list, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		return err
	}

	entries := make([]entry, 0, len(list))
	for _, sc := range list {
		expr, err := cronexpr.Parse(sc.CronExpression)
		if err != nil {
			s.logger.Error("schedule has unparseable cron expression, skipping", "schedule_id", sc.ID, "cron", sc.CronExpression, "error", err)
			continue
		}
		entries = append(entries, entry{id: sc.ID, nextRun: sc.NextRun, expr: expr, sched: sc})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].nextRun.Before(entries[j].nextRun) })
	s.entries = entries
	return nil
}

// fireDue enqueues a Job for every entry whose nextRun has arrived,
// then reinserts it with its freshly computed next occurrence. A
// schedule whose next_run fell in the past while the scheduler was
// down fires exactly once on the first tick after restart (the natural
// consequence of computing next_run from "now" at fire time rather than
// walking forward from the missed tick), never a burst of catch-up
// jobs.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	i := 0
	for ; i < len(s.entries); i++ {
		if s.entries[i].nextRun.After(now) {
			break
		}
	}
	if i == 0 {
		return
	}

	due := s.entries[:i]
	remaining := append([]entry{}, s.entries[i:]...)
	for idx := range due {
		due[idx].nextRun = s.fire(ctx, due[idx], now)
	}
	remaining = append(remaining, due...)
	sort.Slice(remaining, func(a, b int) bool { return remaining[a].nextRun.Before(remaining[b].nextRun) })
	s.entries = remaining
}

// fire enqueues one Job for e and returns its next occurrence.
func (s *Scheduler) fire(ctx context.Context, e entry, now time.Time) time.Time {
	nextRun := e.expr.Next(now)

	idemKey := "schedule-" + e.id.String() + "-" + now.UTC().Format("2006-01-02T15:04")
	opts := queue.EnqueueOptions{
		Priority:           e.sched.Priority,
		MaxRetries:         e.sched.MaxRetries,
		OutputDestinations: e.sched.OutputDestinations,
		ScheduleID:         &e.id,
		IdempotencyKey:     idemKey,
		TimeoutMs:          e.sched.TimeoutMs,
	}
	_, err := s.queue.Enqueue(ctx, e.sched.TaskID, e.sched.Input, opts)
	if err != nil && err != queue.ErrDuplicate {
		s.logger.Error("failed to enqueue scheduled job", "schedule_id", e.id, "task_id", e.sched.TaskID, "error", err)
	} else {
		s.logger.Info("schedule fired", "schedule_id", e.id, "task_id", e.sched.TaskID, "next_run", nextRun)
	}

	if err := s.schedules.RecordFire(ctx, e.id, now, nextRun); err != nil {
		s.logger.Error("failed to record schedule fire", "schedule_id", e.id, "error", err)
	}
	return nextRun
}
