package output

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ratchet-run/ratchet/internal/ids"
)

// AttemptRecorder persists DeliveryAttempts, typically *Repository.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a *DeliveryAttempt) error
}

// Router delivers a completed Execution's output to each of its
// OutputDestinations in order (spec §5: "Output deliveries for one
// Execution run sequentially across destinations by index"). A
// process-wide semaphore bounds how many deliveries (across
// concurrently-finishing Executions) run at once, per
// max_concurrent_deliveries.
type Router struct {
	repo   AttemptRecorder
	logger *slog.Logger
	sem    chan struct{}
}

func NewRouter(repo AttemptRecorder, maxConcurrentDeliveries int, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrentDeliveries <= 0 {
		maxConcurrentDeliveries = 8
	}
	return &Router{repo: repo, logger: logger, sem: make(chan struct{}, maxConcurrentDeliveries)}
}

// Deliver runs every destination's delivery sequentially and returns
// the full set of DeliveryAttempts recorded. A destination failure
// never aborts delivery to the remaining destinations and never
// returns an error to the caller: per spec §4.H, "a destination
// failure does NOT fail the execution; it is surfaced via the attempt
// record."
func (r *Router) Deliver(ctx context.Context, executionID ids.ExecutionID, output json.RawMessage, destinations []Destination, tmplCtx Context) []DeliveryAttempt {
	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	tmplCtx.OutputData = string(output)
	tmplCtx.OutputSize = len(output)

	var all []DeliveryAttempt
	for idx, dest := range destinations {
		all = append(all, r.deliverOne(ctx, executionID, idx, dest, output, tmplCtx)...)
	}
	return all
}

func (r *Router) deliverOne(ctx context.Context, executionID ids.ExecutionID, idx int, dest Destination, output json.RawMessage, tmplCtx Context) []DeliveryAttempt {
	var attempts []DeliveryAttempt
	record := func(a DeliveryAttempt) {
		a.ID = ids.NewDestinationID()
		a.ExecutionID = executionID
		a.DestinationIndex = idx
		a.At = time.Now().UTC()
		attempts = append(attempts, a)
		if r.repo != nil {
			if err := r.repo.RecordAttempt(ctx, &a); err != nil {
				r.logger.Error("failed to record delivery attempt", "execution_id", executionID, "destination_index", idx, "error", err)
			}
		}
	}

	switch dest.Kind {
	case KindFilesystem:
		fs := dest.Filesystem
		body, err := Serialize(fs.Format, output, fs.TemplateBody, tmplCtx)
		if err != nil {
			record(DeliveryAttempt{AttemptNumber: 1, Status: AttemptFailed, Error: err.Error()})
			return attempts
		}
		if err := deliverFilesystem(ctx, fs, body, tmplCtx); err != nil {
			record(DeliveryAttempt{AttemptNumber: 1, Status: AttemptFailed, Error: err.Error()})
			return attempts
		}
		record(DeliveryAttempt{AttemptNumber: 1, Status: AttemptSuccess})
		return attempts

	case KindWebhook:
		wh := dest.Webhook
		body, err := Serialize(wh.Format, output, wh.TemplateBody, tmplCtx)
		if err != nil {
			record(DeliveryAttempt{AttemptNumber: 1, Status: AttemptFailed, Error: err.Error()})
			return attempts
		}
		_ = deliverWebhook(ctx, wh, body, tmplCtx, func(attemptNum int, statusCode *int, attemptErr error, final bool) {
			if !final {
				record(DeliveryAttempt{AttemptNumber: attemptNum + 1, Status: AttemptRetrying, Error: attemptErr.Error()})
				return
			}
			// The last try there will ever be for this destination:
			// never Retrying, whatever the outcome (spec §3's
			// DeliveryAttempt status is {Success, Retrying, Failed}).
			if attemptErr != nil {
				record(DeliveryAttempt{AttemptNumber: attemptNum + 1, Status: AttemptFailed, Error: attemptErr.Error()})
				return
			}
			status := AttemptSuccess
			if statusCode != nil && (*statusCode < 200 || *statusCode >= 300) {
				status = AttemptFailed
			}
			record(DeliveryAttempt{AttemptNumber: attemptNum + 1, Status: status, StatusCode: statusCode})
		})
		return attempts

	default:
		record(DeliveryAttempt{AttemptNumber: 1, Status: AttemptFailed, Error: "unknown destination kind"})
		return attempts
	}
}
