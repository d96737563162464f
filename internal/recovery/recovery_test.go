package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/FlowDesk/StagePipe/internal/store"
)

type fakeRecoverable struct {
	name  string
	err   error
	calls int
}

func (f *fakeRecoverable) Name() string { return f.name }

func (f *fakeRecoverable) Recover(ctx context.Context) error {
	f.calls++
	return f.err
}

func TestManagerRunsEveryComponent(t *testing.T) {
	m := NewManager()
	a := &fakeRecoverable{name: "a"}
	b := &fakeRecoverable{name: "b"}
	m.Register(a)
	m.Register(b)

	if err := m.RecoverAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", a.calls, b.calls)
	}
}

func TestManagerContinuesPastFailures(t *testing.T) {
	m := NewManager()
	failing := &fakeRecoverable{name: "failing", err: errors.New("boom")}
	healthy := &fakeRecoverable{name: "healthy"}
	m.Register(failing)
	m.Register(healthy)

	if err := m.RecoverAll(context.Background()); err == nil {
		t.Error("expected a summary error when a component fails")
	}
	if healthy.calls != 1 {
		t.Errorf("healthy component not run after failure, calls = %d", healthy.calls)
	}
}

func saveCollection(t *testing.T, st store.Store, prospectID string, statuses ...models.StepStatus) {
	t.Helper()
	steps := make([]models.Step, len(statuses))
	for i, status := range statuses {
		steps[i] = models.Step{ID: "s" + string(rune('0'+i)), Status: status}
	}
	err := st.SaveStepCollection(models.StepCollection{
		ProspectID:  prospectID,
		ProjectType: "residential",
		Steps:       steps,
	})
	if err != nil {
		t.Fatalf("failed to seed collection: %v", err)
	}
}

func TestStepActivationRepairsStrandedPipeline(t *testing.T) {
	st := store.NewInMemoryStore()
	saveCollection(t, st, "stranded", models.StepStatusCompleted, models.StepStatusPending, models.StepStatusPending)

	if err := NewStepActivation(st).Recover(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, _ := st.GetStepCollection("stranded", "residential")
	if c.ActiveStepIndex() != 1 {
		t.Errorf("active step = %d, want 1", c.ActiveStepIndex())
	}
	if c.Version != 2 {
		t.Errorf("version = %d, want 2 after repair", c.Version)
	}
}

func TestStepActivationLeavesHealthyPipelinesAlone(t *testing.T) {
	st := store.NewInMemoryStore()
	saveCollection(t, st, "active", models.StepStatusInProgress, models.StepStatusPending)
	saveCollection(t, st, "finished", models.StepStatusCompleted, models.StepStatusCompleted)

	if err := NewStepActivation(st).Recover(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	active, _ := st.GetStepCollection("active", "residential")
	if active.Version != 1 {
		t.Errorf("active pipeline version = %d, want untouched 1", active.Version)
	}
	finished, _ := st.GetStepCollection("finished", "residential")
	if finished.Version != 1 {
		t.Errorf("finished pipeline version = %d, want untouched 1", finished.Version)
	}
	if finished.ActiveStepIndex() != -1 {
		t.Error("finished pipeline should stay without an active step")
	}
}
