// Package pipeline implements the forward-advancing step transition logic
// for a prospect's project, including the projection onto the cross-project
// kanban stage.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/FlowDesk/StagePipe/internal/store"
)

// StateMachine mutates the step collection for a (prospect, project) pair.
// Automatic progression is monotonic (pending → in_progress → completed);
// manual overrides may set any status directly.
type StateMachine struct {
	store store.Store
}

// NewStateMachine creates a state machine over the given store.
func NewStateMachine(st store.Store) *StateMachine {
	return &StateMachine{store: st}
}

// Initialize seeds the step collection from a project template, forcing the
// first step in_progress. Fails if a collection already exists for the pair.
func (m *StateMachine) Initialize(ctx context.Context, prospectID, projectType string, templateSteps []models.Step) (*models.StepCollection, error) {
	if prospectID == "" {
		return nil, models.ErrEmptyProspectID
	}
	if projectType == "" {
		return nil, models.ErrEmptyProjectType
	}

	steps := make([]models.Step, len(templateSteps))
	copy(steps, templateSteps)
	for i := range steps {
		steps[i].Status = models.StepStatusPending
	}
	if len(steps) > 0 {
		steps[0].Status = models.StepStatusInProgress
	}

	c := models.StepCollection{
		ProspectID:  prospectID,
		ProjectType: projectType,
		Steps:       steps,
		Version:     0,
	}
	if err := m.store.SaveStepCollection(c); err != nil {
		return nil, fmt.Errorf("failed to initialize step collection: %w", err)
	}
	slog.Info("StateMachine.Initialize collection created", "prospectID", prospectID, "projectType", projectType, "steps", len(steps))

	if len(steps) > 0 && steps[0].GlobalStepID != "" {
		m.projectGlobalStage(prospectID, steps[0].GlobalStepID)
	}
	return m.store.GetStepCollection(prospectID, projectType)
}

// CompleteAndProceed marks the step at stepIndex completed and, when a next
// step exists, moves it to in_progress. The full array is written back under
// compare-and-swap; concurrent writers surface as ErrVersionConflict.
func (m *StateMachine) CompleteAndProceed(ctx context.Context, prospectID, projectType string, stepIndex int) error {
	c, err := m.store.GetStepCollection(prospectID, projectType)
	if err != nil {
		return fmt.Errorf("failed to load step collection: %w", err)
	}
	if c == nil {
		slog.Warn("StateMachine.CompleteAndProceed no collection, ignoring", "prospectID", prospectID, "projectType", projectType)
		return nil
	}
	if stepIndex < 0 || stepIndex >= len(c.Steps) {
		return models.ErrStepIndexOutOfRange
	}

	c.Steps[stepIndex].Status = models.StepStatusCompleted
	var activated *models.Step
	if stepIndex+1 < len(c.Steps) {
		c.Steps[stepIndex+1].Status = models.StepStatusInProgress
		activated = &c.Steps[stepIndex+1]
	}

	if err := m.store.SaveStepCollection(*c); err != nil {
		return fmt.Errorf("failed to save step collection: %w", err)
	}
	slog.Info("StateMachine.CompleteAndProceed advanced", "prospectID", prospectID, "projectType", projectType, "completed", stepIndex, "activated", stepIndex+1 < len(c.Steps))

	if activated != nil && activated.GlobalStepID != "" {
		m.projectGlobalStage(prospectID, activated.GlobalStepID)
	}
	return nil
}

// SetStatus is the manual override of a single step's status with no
// cascading. Activating a step that carries a global step id still projects
// the prospect onto that kanban stage.
func (m *StateMachine) SetStatus(ctx context.Context, prospectID, projectType string, stepIndex int, status models.StepStatus) error {
	if !models.IsValidStepStatus(status) {
		return models.ErrInvalidStepStatus
	}
	c, err := m.store.GetStepCollection(prospectID, projectType)
	if err != nil {
		return fmt.Errorf("failed to load step collection: %w", err)
	}
	if c == nil {
		slog.Warn("StateMachine.SetStatus no collection, ignoring", "prospectID", prospectID, "projectType", projectType)
		return nil
	}
	if stepIndex < 0 || stepIndex >= len(c.Steps) {
		return models.ErrStepIndexOutOfRange
	}

	c.Steps[stepIndex].Status = status
	if err := m.store.SaveStepCollection(*c); err != nil {
		return fmt.Errorf("failed to save step collection: %w", err)
	}
	slog.Info("StateMachine.SetStatus overrode step", "prospectID", prospectID, "projectType", projectType, "stepIndex", stepIndex, "status", status)

	if status == models.StepStatusInProgress && c.Steps[stepIndex].GlobalStepID != "" {
		m.projectGlobalStage(prospectID, c.Steps[stepIndex].GlobalStepID)
	}
	return nil
}

// projectGlobalStage is a side effect outside the per-project collection;
// its failure never unwinds the step transition that caused it.
func (m *StateMachine) projectGlobalStage(prospectID, globalStepID string) {
	if err := m.store.SetGlobalStage(prospectID, globalStepID); err != nil {
		slog.Warn("StateMachine failed to project global stage", "error", err, "prospectID", prospectID, "globalStepID", globalStepID)
		return
	}
	slog.Debug("StateMachine projected global stage", "prospectID", prospectID, "globalStepID", globalStepID)
}
