// Package cronexpr is the single cron expression parser shared by
// schedule validation and the scheduler tick loop. Spec §9 calls out
// the risk of validation and scheduling drifting apart if they use two
// different parsers; this package exists so there is only one to keep
// in sync.
package cronexpr

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ratchet-run/ratchet/internal/rerrors"
)

// parser accepts the standard five-field cron syntax only; the
// "@every"/"@hourly" style descriptors are rejected. It treats "*/1" in
// any field identically to "*", which robfig/cron/v3 already does
// natively via its step-parsing logic.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Expr is a parsed, reusable cron expression.
type Expr struct {
	raw string
	sched cron.Schedule
}

// Parse validates and parses a cron expression. Returns a
// rerrors.KindScheduleParse error on malformed input.
func Parse(expr string) (*Expr, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, rerrors.New(rerrors.KindScheduleParse, "cronexpr", err)
	}
	return &Expr{raw: expr, sched: sched}, nil
}

// Validate reports whether expr is a syntactically valid cron
// expression, without retaining a parsed schedule.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// Next returns the next activation time strictly after from.
func (e *Expr) Next(from time.Time) time.Time {
	return e.sched.Next(from)
}

// String returns the original expression text.
func (e *Expr) String() string { return e.raw }
