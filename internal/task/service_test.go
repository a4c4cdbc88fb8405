package task

import (
	"context"
	"sync"
	"testing"

	"github.com/ratchet-run/ratchet/internal/ids"
)

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[ids.TaskID]*Task
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[ids.TaskID]*Task)}
}

func (f *fakeTaskStore) Create(ctx context.Context, t *Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.ID = ids.NewTaskID()
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeTaskStore) GetByID(ctx context.Context, id ids.TaskID) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, ErrNotFound
}

func (f *fakeTaskStore) GetLatestByName(ctx context.Context, name string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *Task
	for _, t := range f.tasks {
		if t.Name == name && (latest == nil || t.Version > latest.Version) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (f *fakeTaskStore) ListVersions(ctx context.Context, name string) ([]*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Task
	for _, t := range f.tasks {
		if t.Name == name {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTaskStore) List(ctx context.Context, limit int, before *string) ([]*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTaskStore) SetEnabled(ctx context.Context, id ids.TaskID, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		t.Enabled = enabled
	}
	return nil
}

func (f *fakeTaskStore) SoftDelete(ctx context.Context, id ids.TaskID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	return nil
}

var _ Store = (*fakeTaskStore)(nil)

func TestServiceCreateComputesFingerprint(t *testing.T) {
	svc := NewServiceWithStore(newFakeTaskStore())

	got, err := svc.Create(context.Background(), &CreateRequest{
		Name:       "addition",
		Version:    "v1",
		SourceCode: "export default (a, b) => a + b;",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := Fingerprint(got.SourceCode, got.InputSchema, got.OutputSchema)
	if got.Fingerprint != want {
		t.Fatalf("expected fingerprint %q, got %q", want, got.Fingerprint)
	}
	if !got.Enabled {
		t.Fatal("a newly created task should be enabled")
	}
}

func TestServiceCreateRejectsInvalidName(t *testing.T) {
	svc := NewServiceWithStore(newFakeTaskStore())
	_, err := svc.Create(context.Background(), &CreateRequest{
		Name:       "1-starts-with-digit",
		SourceCode: "x",
	})
	if err == nil {
		t.Fatal("expected an error for a task name starting with a digit")
	}
}

func TestServiceCreateRejectsMalformedSchema(t *testing.T) {
	svc := NewServiceWithStore(newFakeTaskStore())
	_, err := svc.Create(context.Background(), &CreateRequest{
		Name:        "addition",
		SourceCode:  "x",
		InputSchema: []byte(`{not json`),
	})
	if err == nil {
		t.Fatal("expected an error for a malformed input schema")
	}
}

// NewVersion must inherit every field the caller did not override, and
// must recompute the fingerprint when source code changes (spec §3:
// "a task is mutated only by creating a new version").
func TestServiceNewVersionInheritsUnsetFieldsAndRecomputesFingerprint(t *testing.T) {
	store := newFakeTaskStore()
	svc := NewServiceWithStore(store)

	prior, err := svc.Create(context.Background(), &CreateRequest{
		Name:         "addition",
		Version:      "v1",
		SourceCode:   "export default (a, b) => a + b;",
		OutputSchema: []byte(`{"type":"number"}`),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newCode := "export default (a, b) => a + b + 1;"
	next, err := svc.NewVersion(context.Background(), prior.ID, &NewVersionRequest{
		Version:    "v2",
		SourceCode: &newCode,
	})
	if err != nil {
		t.Fatalf("NewVersion: %v", err)
	}
	if next.Name != prior.Name {
		t.Fatalf("expected the new version to inherit Name %q, got %q", prior.Name, next.Name)
	}
	if string(next.OutputSchema) != string(prior.OutputSchema) {
		t.Fatal("expected the new version to inherit the unchanged output schema")
	}
	if next.Fingerprint == prior.Fingerprint {
		t.Fatal("expected the fingerprint to change along with the source code")
	}
}
