package cronexpr

import (
	"testing"
	"time"

	"github.com/ratchet-run/ratchet/internal/rerrors"
)

func TestParseValidExpression(t *testing.T) {
	e, err := Parse("*/2 * * * *")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.String() != "*/2 * * * *" {
		t.Fatalf("expected String() to return the original expression, got %q", e.String())
	}
}

func TestParseRejectsMalformedExpression(t *testing.T) {
	_, err := Parse("not a cron expr")
	if err == nil {
		t.Fatal("expected an error for a malformed cron expression")
	}
	if rerrors.KindOf(err) != rerrors.KindScheduleParse {
		t.Fatalf("expected KindScheduleParse, got %v", rerrors.KindOf(err))
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("* * * * *"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate(""); err == nil {
		t.Fatal("expected an error for an empty expression")
	}
}

// Per spec §9/E5: "*/1 * * * *" must be accepted equivalently to
// "* * * * *" — both fire on every minute boundary.
func TestEveryOneMinuteEquivalentToStar(t *testing.T) {
	star, err := Parse("* * * * *")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	slashOne, err := Parse("*/1 * * * *")
	if err != nil {
		t.Fatalf("*/1 * * * * must be accepted, got error: %v", err)
	}

	from := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	if got, want := slashOne.Next(from), star.Next(from); !got.Equal(want) {
		t.Fatalf("expected */1 and * to produce the same next-run time, got %v vs %v", got, want)
	}
}

func TestNextRunIsTwoMinutesApartForEveryTwoMinutes(t *testing.T) {
	e, err := Parse("*/2 * * * *")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := e.Next(from)
	second := e.Next(first)
	if diff := second.Sub(first); diff != 2*time.Minute {
		t.Fatalf("expected consecutive fires 2m apart, got %v", diff)
	}
}

func TestNextIsStrictlyAfterFrom(t *testing.T) {
	e, err := Parse("0 0 * * *")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	next := e.Next(from)
	if !next.After(from) {
		t.Fatalf("expected next run strictly after 'from', got %v (from=%v)", next, from)
	}
}
