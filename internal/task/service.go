package task

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/validate"
)

// CreateRequest contains data for creating the first version of a
// named task.
type CreateRequest struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	SourceCode   string          `json:"source_code"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
	TestCases    []TestCase      `json:"test_cases,omitempty"`
}

// Service implements Task business logic: creation and versioning
// validate schemas and compute the content fingerprint before the
// repository ever sees the row; deletion is a soft tombstone.
type Service struct {
	repo Store
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{repo: NewRepository(pool)}
}

// NewServiceWithStore builds a Service over an arbitrary Store,
// bypassing the Postgres-backed constructor — used by tests to inject
// an in-memory fake.
func NewServiceWithStore(store Store) *Service {
	return &Service{repo: store}
}

// Create validates req and persists the first version of a task.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Task, error) {
	if err := validate.Field("name", validate.TaskName, req.Name); err != nil {
		return nil, err
	}
	if err := validate.NonEmpty("source_code", req.SourceCode); err != nil {
		return nil, err
	}
	if err := validate.Field("source_code", validate.GenericString, req.SourceCode); err != nil {
		return nil, err
	}
	if _, err := CompileSchema("input", req.InputSchema); err != nil {
		return nil, err
	}
	if _, err := CompileSchema("output", req.OutputSchema); err != nil {
		return nil, err
	}

	t := &Task{
		Name:         req.Name,
		Version:      req.Version,
		SourceCode:   req.SourceCode,
		InputSchema:  req.InputSchema,
		OutputSchema: req.OutputSchema,
		Enabled:      true,
		TestCases:    req.TestCases,
		Fingerprint:  Fingerprint(req.SourceCode, req.InputSchema, req.OutputSchema),
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// NewVersionRequest carries the fields that may change between
// versions; unset fields inherit the prior version's value.
type NewVersionRequest struct {
	Version      string
	SourceCode   *string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	TestCases    []TestCase
}

// NewVersion creates a new Task row sharing prior.Name, per spec §3:
// a task is "mutated" only by creating a new version, never in place.
func (s *Service) NewVersion(ctx context.Context, priorID ids.TaskID, req *NewVersionRequest) (*Task, error) {
	prior, err := s.repo.GetByID(ctx, priorID)
	if err != nil {
		return nil, err
	}

	code := prior.SourceCode
	if req.SourceCode != nil {
		code = *req.SourceCode
	}
	inputSchema := prior.InputSchema
	if req.InputSchema != nil {
		inputSchema = req.InputSchema
	}
	outputSchema := prior.OutputSchema
	if req.OutputSchema != nil {
		outputSchema = req.OutputSchema
	}
	testCases := prior.TestCases
	if req.TestCases != nil {
		testCases = req.TestCases
	}

	if err := validate.Field("source_code", validate.GenericString, code); err != nil {
		return nil, err
	}
	if _, err := CompileSchema("input", inputSchema); err != nil {
		return nil, err
	}
	if _, err := CompileSchema("output", outputSchema); err != nil {
		return nil, err
	}

	next := &Task{
		Name:         prior.Name,
		Version:      req.Version,
		SourceCode:   code,
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
		Enabled:      true,
		TestCases:    testCases,
		Fingerprint:  Fingerprint(code, inputSchema, outputSchema),
	}
	if err := s.repo.Create(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Service) GetByID(ctx context.Context, id ids.TaskID) (*Task, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetLatestByName(ctx context.Context, name string) (*Task, error) {
	return s.repo.GetLatestByName(ctx, name)
}

func (s *Service) ListVersions(ctx context.Context, name string) ([]*Task, error) {
	return s.repo.ListVersions(ctx, name)
}

func (s *Service) List(ctx context.Context, limit int, before *string) ([]*Task, error) {
	return s.repo.List(ctx, limit, before)
}

func (s *Service) SetEnabled(ctx context.Context, id ids.TaskID, enabled bool) error {
	return s.repo.SetEnabled(ctx, id, enabled)
}

// Delete tombstones a task, refusing while it is still referenced by
// a live job or enabled schedule.
func (s *Service) Delete(ctx context.Context, id ids.TaskID) error {
	return s.repo.SoftDelete(ctx, id)
}
