package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/ratchet-run/ratchet/internal/cronexpr"
	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/validate"
)

// Service validates a Schedule's cron expression through
// internal/cronexpr before it ever reaches the repository, so a
// Schedule row can never carry an expression the scheduler's tick loop
// would fail to parse (spec §9: "single cron parser").
type Service struct {
	repo   Store
	logger *slog.Logger
}

func NewService(repo Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Create validates req.CronExpression, computes the initial NextRun,
// and persists the Schedule enabled.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Schedule, error) {
	if err := validate.Field("cron_expression", validate.CronExpression, req.CronExpression); err != nil {
		return nil, err
	}
	expr, err := cronexpr.Parse(req.CronExpression)
	if err != nil {
		return nil, err
	}
	return s.repo.Create(ctx, req, expr.Next(time.Now().UTC()))
}

// Update validates a new cron expression (if changed) and recomputes
// NextRun before persisting.
func (s *Service) Update(ctx context.Context, sched *Schedule) error {
	if err := validate.Field("cron_expression", validate.CronExpression, sched.CronExpression); err != nil {
		return err
	}
	expr, err := cronexpr.Parse(sched.CronExpression)
	if err != nil {
		return err
	}
	sched.NextRun = expr.Next(time.Now().UTC())
	return s.repo.Update(ctx, sched)
}

func (s *Service) SetEnabled(ctx context.Context, id ids.ScheduleID, enabled bool) error {
	return s.repo.SetEnabled(ctx, id, enabled)
}

func (s *Service) Delete(ctx context.Context, id ids.ScheduleID) error {
	return s.repo.Delete(ctx, id)
}

func (s *Service) GetByID(ctx context.Context, id ids.ScheduleID) (*Schedule, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*Schedule, error) {
	return s.repo.List(ctx)
}
