// Package forms tracks the lifecycle of client-facing form instances.
//
// A form panel is created when a show_form action fires, submitted by the
// client, and resolved by verification (automatic, AI, or operator
// approve/reject). Rejected panels may be resubmitted.
package forms

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/FlowDesk/StagePipe/internal/store"
	"github.com/google/uuid"
)

// SubmitListener is invoked after a panel transitions to submitted.
type SubmitListener func(ctx context.Context, panel models.FormPanel, formData models.FormData)

// Tracker manages form panel state transitions.
type Tracker struct {
	store    store.Store
	onSubmit SubmitListener
	now      func() time.Time
}

// NewTracker creates a tracker over the given store.
func NewTracker(st store.Store) *Tracker {
	return &Tracker{store: st, now: time.Now}
}

// WithClock overrides the tracker's time source (tests).
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// OnSubmit registers the listener notified after each successful submission.
func (t *Tracker) OnSubmit(listener SubmitListener) {
	t.onSubmit = listener
}

// CreatePanel opens a new pending panel for a form shown on a step.
func (t *Tracker) CreatePanel(prospectID, projectType, formID string, stepIndex int, promptID string) (*models.FormPanel, error) {
	panel := models.FormPanel{
		ID:          uuid.NewString(),
		ProspectID:  prospectID,
		ProjectType: projectType,
		FormID:      formID,
		StepIndex:   stepIndex,
		PromptID:    promptID,
		Status:      models.FormPanelPending,
		CreatedAt:   t.now(),
	}
	if err := t.store.SaveFormPanel(panel); err != nil {
		return nil, fmt.Errorf("failed to create form panel: %w", err)
	}
	slog.Debug("Tracker.CreatePanel created", "panelID", panel.ID, "formID", formID, "stepIndex", stepIndex)
	return &panel, nil
}

// Submit records a client submission on a panel, stamps LastSubmittedAt, and
// notifies the submit listener. An unknown panel id is logged and treated as
// a no-op.
func (t *Tracker) Submit(ctx context.Context, panelID string, formData models.FormData) (*models.FormPanel, error) {
	panel, err := t.store.GetFormPanel(panelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load form panel %s: %w", panelID, err)
	}
	if panel == nil {
		slog.Warn("Tracker.Submit unknown panel, ignoring", "panelID", panelID)
		return nil, nil
	}
	if !models.CanTransitionFormPanel(panel.Status, models.FormPanelSubmitted) {
		slog.Warn("Tracker.Submit invalid transition", "panelID", panelID, "from", panel.Status)
		return nil, models.ErrPanelTransition
	}

	panel.Status = models.FormPanelSubmitted
	panel.LastSubmittedAt = t.now()
	if err := t.store.SaveFormPanel(*panel); err != nil {
		return nil, fmt.Errorf("failed to save submitted panel %s: %w", panelID, err)
	}
	slog.Info("Tracker.Submit panel submitted", "panelID", panelID, "formID", panel.FormID, "stepIndex", panel.StepIndex)

	if t.onSubmit != nil {
		t.onSubmit(ctx, *panel, formData)
	}
	return panel, nil
}

// SetStatus resolves a submitted panel to approved or rejected. An unknown
// panel id is logged and treated as a no-op.
func (t *Tracker) SetStatus(panelID string, status models.FormPanelStatus) (*models.FormPanel, error) {
	panel, err := t.store.GetFormPanel(panelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load form panel %s: %w", panelID, err)
	}
	if panel == nil {
		slog.Warn("Tracker.SetStatus unknown panel, ignoring", "panelID", panelID, "status", status)
		return nil, nil
	}
	if !models.CanTransitionFormPanel(panel.Status, status) {
		slog.Warn("Tracker.SetStatus invalid transition", "panelID", panelID, "from", panel.Status, "to", status)
		return nil, models.ErrPanelTransition
	}

	panel.Status = status
	if err := t.store.SaveFormPanel(*panel); err != nil {
		return nil, fmt.Errorf("failed to save panel %s: %w", panelID, err)
	}
	slog.Debug("Tracker.SetStatus updated", "panelID", panelID, "status", status)
	return panel, nil
}
