package forms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/FlowDesk/StagePipe/internal/store"
)

func TestCreatePanel(t *testing.T) {
	st := store.NewInMemoryStore()
	tr := NewTracker(st)

	panel, err := tr.CreatePanel("p1", "residential", "intake", 2, "prompt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if panel.ID == "" || panel.Status != models.FormPanelPending {
		t.Errorf("unexpected panel: %+v", panel)
	}

	stored, _ := st.GetFormPanel(panel.ID)
	if stored == nil || stored.FormID != "intake" || stored.StepIndex != 2 || stored.PromptID != "prompt-1" {
		t.Errorf("stored panel mismatch: %+v", stored)
	}
}

func TestSubmitLifecycle(t *testing.T) {
	st := store.NewInMemoryStore()
	tr := NewTracker(st)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.WithClock(func() time.Time { return now })

	var listenerPanels []models.FormPanel
	tr.OnSubmit(func(ctx context.Context, panel models.FormPanel, formData models.FormData) {
		listenerPanels = append(listenerPanels, panel)
	})

	panel, err := tr.CreatePanel("p1", "residential", "intake", 0, "prompt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	submitted, err := tr.Submit(context.Background(), panel.ID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if submitted.Status != models.FormPanelSubmitted {
		t.Errorf("status = %s, want submitted", submitted.Status)
	}
	if !submitted.LastSubmittedAt.Equal(now) {
		t.Errorf("LastSubmittedAt = %v, want %v", submitted.LastSubmittedAt, now)
	}
	if len(listenerPanels) != 1 || listenerPanels[0].ID != panel.ID {
		t.Errorf("listener saw %+v", listenerPanels)
	}

	// a submitted panel cannot be submitted again
	if _, err := tr.Submit(context.Background(), panel.ID, nil); !errors.Is(err, models.ErrPanelTransition) {
		t.Errorf("double submit = %v, want ErrPanelTransition", err)
	}
}

func TestSubmitUnknownPanelIsNoop(t *testing.T) {
	tr := NewTracker(store.NewInMemoryStore())
	fired := false
	tr.OnSubmit(func(ctx context.Context, panel models.FormPanel, formData models.FormData) { fired = true })

	panel, err := tr.Submit(context.Background(), "missing", nil)
	if err != nil || panel != nil {
		t.Errorf("unknown panel = %+v, %v, want nil no-op", panel, err)
	}
	if fired {
		t.Error("listener fired for unknown panel")
	}
}

func TestSetStatusTransitions(t *testing.T) {
	st := store.NewInMemoryStore()
	tr := NewTracker(st)
	panel, err := tr.CreatePanel("p1", "residential", "intake", 0, "prompt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// pending panels cannot be resolved directly
	if _, err := tr.SetStatus(panel.ID, models.FormPanelApproved); !errors.Is(err, models.ErrPanelTransition) {
		t.Errorf("approving pending panel = %v, want ErrPanelTransition", err)
	}

	if _, err := tr.Submit(context.Background(), panel.ID, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rejected, err := tr.SetStatus(panel.ID, models.FormPanelRejected)
	if err != nil || rejected.Status != models.FormPanelRejected {
		t.Fatalf("reject = %+v, %v", rejected, err)
	}

	// rejected panels accept a resubmission, then approval
	if _, err := tr.Submit(context.Background(), panel.ID, nil); err != nil {
		t.Fatalf("resubmit after reject: %v", err)
	}
	approved, err := tr.SetStatus(panel.ID, models.FormPanelApproved)
	if err != nil || approved.Status != models.FormPanelApproved {
		t.Fatalf("approve = %+v, %v", approved, err)
	}
}

func TestSetStatusUnknownPanelIsNoop(t *testing.T) {
	tr := NewTracker(store.NewInMemoryStore())
	panel, err := tr.SetStatus("missing", models.FormPanelApproved)
	if err != nil || panel != nil {
		t.Errorf("unknown panel = %+v, %v, want nil no-op", panel, err)
	}
}
