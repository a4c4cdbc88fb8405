package execstore

import "testing"

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %v to be terminal per spec §4.G", s)
		}
	}
	nonTerminal := []Status{StatusPending, StatusRunning}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %v to not be terminal", s)
		}
	}
}

func TestExecutionIsTerminalDelegatesToStatus(t *testing.T) {
	e := &Execution{Status: StatusRunning}
	if e.IsTerminal() {
		t.Fatal("a running execution must not report terminal")
	}
	e.Status = StatusCompleted
	if !e.IsTerminal() {
		t.Fatal("a completed execution must report terminal")
	}
}
