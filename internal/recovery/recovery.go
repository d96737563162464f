// Package recovery repairs engine state after an unclean restart.
//
// Components register themselves with a Manager; the manager runs every
// registered repair once during startup, before the API starts serving.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/FlowDesk/StagePipe/internal/store"
)

// Recoverable is a component that can repair its own state at startup.
type Recoverable interface {
	// Name identifies the component in logs.
	Name() string
	// Recover inspects stored state and repairs what an interrupted run
	// left inconsistent.
	Recover(ctx context.Context) error
}

// Manager runs registered recovery passes.
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates an empty recovery manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a component to the startup recovery run.
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll runs every registered repair. A failing component is logged and
// skipped; the summary error reports how many failed.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll starting recovery", "components", len(m.recoverables))

	failed := 0
	for _, r := range m.recoverables {
		if err := r.Recover(ctx); err != nil {
			slog.Error("Manager.RecoverAll component recovery failed", "error", err, "component", r.Name())
			failed++
			continue
		}
		slog.Debug("Manager.RecoverAll component recovered", "component", r.Name())
	}

	slog.Info("Manager.RecoverAll recovery completed", "recovered", len(m.recoverables)-failed, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d failed components out of %d", failed, len(m.recoverables))
	}
	return nil
}

// StepActivation restores the single-active-step invariant: every pipeline
// that still has pending steps must have exactly one step in progress. A
// pipeline whose steps are all completed is finished and left alone.
type StepActivation struct {
	st store.Store
}

// NewStepActivation creates the step activation repair over the given store.
func NewStepActivation(st store.Store) *StepActivation {
	return &StepActivation{st: st}
}

// Name identifies the repair in logs.
func (r *StepActivation) Name() string { return "step-activation" }

// Recover scans all step collections and activates the first pending step of
// any pipeline left without an active one.
func (r *StepActivation) Recover(ctx context.Context) error {
	collections, err := r.st.ListStepCollections()
	if err != nil {
		return fmt.Errorf("failed to list step collections: %w", err)
	}

	repaired := 0
	for _, c := range collections {
		if c.ActiveStepIndex() != -1 {
			continue
		}
		pending := -1
		for i, step := range c.Steps {
			if step.Status == models.StepStatusPending {
				pending = i
				break
			}
		}
		if pending == -1 {
			// All steps completed, the pipeline is finished.
			continue
		}

		c.Steps[pending].Status = models.StepStatusInProgress
		if err := r.st.SaveStepCollection(c); err != nil {
			if errors.Is(err, models.ErrVersionConflict) {
				// Another writer got there first; its state wins.
				slog.Debug("StepActivation.Recover skipped on version conflict", "prospectID", c.ProspectID, "projectType", c.ProjectType)
				continue
			}
			return fmt.Errorf("failed to repair collection for %s/%s: %w", c.ProspectID, c.ProjectType, err)
		}
		slog.Info("StepActivation.Recover activated stranded step", "prospectID", c.ProspectID, "projectType", c.ProjectType, "stepIndex", pending)
		repaired++
	}

	if repaired > 0 {
		slog.Info("StepActivation.Recover repaired pipelines", "count", repaired)
	}
	return nil
}
