package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/FlowDesk/StagePipe/internal/store"
)

func countByStatus(steps []models.Step, status models.StepStatus) int {
	n := 0
	for _, s := range steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

func threeSteps() []models.Step {
	return []models.Step{
		{ID: "s0", Name: "Intake", Status: models.StepStatusPending},
		{ID: "s1", Name: "Offer", Status: models.StepStatusPending},
		{ID: "s2", Name: "Closing", Status: models.StepStatusPending},
	}
}

func TestInitialize(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewStateMachine(st)

	c, err := m.Initialize(context.Background(), "p1", "residential", threeSteps())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Steps[0].Status != models.StepStatusInProgress {
		t.Errorf("first step = %s, want in_progress", c.Steps[0].Status)
	}
	if countByStatus(c.Steps, models.StepStatusInProgress) != 1 {
		t.Error("expected exactly one in_progress step")
	}
	if countByStatus(c.Steps, models.StepStatusPending) != 2 {
		t.Error("expected remaining steps pending")
	}
	if c.Version != 1 {
		t.Errorf("version = %d, want 1", c.Version)
	}
}

func TestInitializeValidation(t *testing.T) {
	m := NewStateMachine(store.NewInMemoryStore())
	if _, err := m.Initialize(context.Background(), "", "residential", threeSteps()); !errors.Is(err, models.ErrEmptyProspectID) {
		t.Errorf("empty prospect = %v, want ErrEmptyProspectID", err)
	}
	if _, err := m.Initialize(context.Background(), "p1", "", threeSteps()); !errors.Is(err, models.ErrEmptyProjectType) {
		t.Errorf("empty project = %v, want ErrEmptyProjectType", err)
	}
}

func TestInitializeAlreadyInitialized(t *testing.T) {
	m := NewStateMachine(store.NewInMemoryStore())
	if _, err := m.Initialize(context.Background(), "p1", "residential", threeSteps()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Initialize(context.Background(), "p1", "residential", threeSteps()); !errors.Is(err, models.ErrVersionConflict) {
		t.Errorf("second initialize = %v, want ErrVersionConflict", err)
	}
}

func TestCompleteAndProceed(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewStateMachine(st)
	if _, err := m.Initialize(context.Background(), "p1", "residential", threeSteps()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.CompleteAndProceed(context.Background(), "p1", "residential", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, _ := st.GetStepCollection("p1", "residential")
	if c.Steps[0].Status != models.StepStatusCompleted {
		t.Errorf("step 0 = %s, want completed", c.Steps[0].Status)
	}
	if c.Steps[1].Status != models.StepStatusInProgress {
		t.Errorf("step 1 = %s, want in_progress", c.Steps[1].Status)
	}
	if countByStatus(c.Steps, models.StepStatusInProgress) != 1 {
		t.Error("expected exactly one in_progress step")
	}
}

func TestCompleteAndProceedLastStep(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewStateMachine(st)
	if _, err := m.Initialize(context.Background(), "p1", "residential", threeSteps()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := m.CompleteAndProceed(context.Background(), "p1", "residential", i); err != nil {
			t.Fatalf("advance %d: unexpected error: %v", i, err)
		}
	}
	c, _ := st.GetStepCollection("p1", "residential")
	if countByStatus(c.Steps, models.StepStatusCompleted) != 3 {
		t.Error("expected every step completed")
	}
	if countByStatus(c.Steps, models.StepStatusInProgress) != 0 {
		t.Error("no step should remain in_progress after the final advance")
	}
}

func TestCompleteAndProceedOutOfRange(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewStateMachine(st)
	if _, err := m.Initialize(context.Background(), "p1", "residential", threeSteps()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.CompleteAndProceed(context.Background(), "p1", "residential", 3); !errors.Is(err, models.ErrStepIndexOutOfRange) {
		t.Errorf("out of range = %v, want ErrStepIndexOutOfRange", err)
	}
	if err := m.CompleteAndProceed(context.Background(), "p1", "residential", -1); !errors.Is(err, models.ErrStepIndexOutOfRange) {
		t.Errorf("negative index = %v, want ErrStepIndexOutOfRange", err)
	}
}

func TestCompleteAndProceedMissingCollection(t *testing.T) {
	m := NewStateMachine(store.NewInMemoryStore())
	// no collection: logged and ignored
	if err := m.CompleteAndProceed(context.Background(), "ghost", "residential", 0); err != nil {
		t.Errorf("missing collection should be a no-op, got %v", err)
	}
}

func TestSetStatusOverride(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewStateMachine(st)
	if _, err := m.Initialize(context.Background(), "p1", "residential", threeSteps()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// manual override does not cascade
	if err := m.SetStatus(context.Background(), "p1", "residential", 2, models.StepStatusCompleted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, _ := st.GetStepCollection("p1", "residential")
	if c.Steps[2].Status != models.StepStatusCompleted {
		t.Errorf("step 2 = %s, want completed", c.Steps[2].Status)
	}
	if c.Steps[0].Status != models.StepStatusInProgress {
		t.Error("override must not touch other steps")
	}

	if err := m.SetStatus(context.Background(), "p1", "residential", 0, "paused"); !errors.Is(err, models.ErrInvalidStepStatus) {
		t.Errorf("invalid status = %v, want ErrInvalidStepStatus", err)
	}
}

func TestGlobalStageProjection(t *testing.T) {
	st := store.NewInMemoryStore()
	m := NewStateMachine(st)
	steps := []models.Step{
		{ID: "s0", Name: "Intake", GlobalStepID: "stage-intake"},
		{ID: "s1", Name: "Offer", GlobalStepID: "stage-offer"},
		{ID: "s2", Name: "Closing"},
	}
	if _, err := m.Initialize(context.Background(), "p1", "residential", steps); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stage, _ := st.GetGlobalStage("p1"); stage != "stage-intake" {
		t.Errorf("stage after init = %q, want stage-intake", stage)
	}

	if err := m.CompleteAndProceed(context.Background(), "p1", "residential", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stage, _ := st.GetGlobalStage("p1"); stage != "stage-offer" {
		t.Errorf("stage after advance = %q, want stage-offer", stage)
	}

	// activating a step without a global id leaves the stage untouched
	if err := m.CompleteAndProceed(context.Background(), "p1", "residential", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stage, _ := st.GetGlobalStage("p1"); stage != "stage-offer" {
		t.Errorf("stage after final advance = %q, want stage-offer", stage)
	}
}
