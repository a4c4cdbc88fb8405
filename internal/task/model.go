// Package task implements the Task entity (spec §3): an immutable,
// versioned JavaScript program with input/output JSON schemas and a
// content fingerprint used for dedup and circuit breaking.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/ratchet-run/ratchet/internal/ids"
)

var ErrNotFound = errors.New("task: not found")
var ErrReferenced = errors.New("task: still referenced by a live job or enabled schedule")

// TestCase is a named input/expected-output pair shipped with a task,
// used by the registry collaborator's validation step (external to
// this package, but carried on the Task record since it travels with
// the source).
type TestCase struct {
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input"`
	ExpectedOutput json.RawMessage `json:"expected_output,omitempty"`
}

// Task is immutable once created; "editing" a task creates a new
// version row sharing the same Name (see Service.NewVersion).
type Task struct {
	ID           ids.TaskID      `json:"id"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	SourceCode   string          `json:"source_code"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
	Enabled      bool            `json:"enabled"`
	TestCases    []TestCase      `json:"test_cases,omitempty"`
	Fingerprint  string          `json:"fingerprint"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsDeleted reports whether the task has been tombstoned.
func (t *Task) IsDeleted() bool { return t.DeletedAt != nil }

// Fingerprint computes the SHA-256 content fingerprint of a task's
// code and schemas per spec §4.I: sha256(code || input_schema ||
// output_schema). Order matters. The worker never recomputes it; its
// compile cache is keyed by the fingerprint it is sent.
func Fingerprint(code string, inputSchema, outputSchema json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(code))
	h.Write(inputSchema)
	h.Write(outputSchema)
	return hex.EncodeToString(h.Sum(nil))
}
