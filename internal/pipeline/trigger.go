// Package pipeline implements step progression.
//
// This file implements the auto-completion trigger: the glue watching form
// submissions, checklist completion, and operator approve/reject, and
// conditionally advancing the step state machine.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/FlowDesk/StagePipe/internal/forms"
	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/FlowDesk/StagePipe/internal/store"
	"github.com/FlowDesk/StagePipe/internal/util"
	"github.com/FlowDesk/StagePipe/internal/verify"
	"github.com/google/uuid"
)

// Dedup and staleness windows. These are debouncing heuristics, not
// transactional locks; true concurrent callers can still double-fire.
const (
	// DefaultStalenessWindow ignores submissions observed this long after
	// they were made (prevents replaying on reconnect).
	DefaultStalenessWindow = 10 * time.Second
	// DefaultDedupWindow suppresses an identical chat message sent to the
	// same channel within this window.
	DefaultDedupWindow = 2 * time.Second
)

// verificationTaskTitle prefixes the operator verification tasks this
// trigger creates and closes.
const verificationTaskTitle = "Verify form"

// ConfigSource provides read-only step configuration lookups.
type ConfigSource interface {
	GetStepConfig(ctx context.Context, promptID string) (*models.StepConfig, error)
}

// AutoCompletionTrigger observes completion events and conditionally invokes
// the step state machine.
type AutoCompletionTrigger struct {
	machine         *StateMachine
	tracker         *forms.Tracker
	store           store.Store
	configs         ConfigSource
	verifier        verify.Verifier // optional; nil falls back to human review
	stalenessWindow time.Duration
	dedupWindow     time.Duration
	now             func() time.Time
}

// NewAutoCompletionTrigger creates a trigger over its collaborators. The
// verifier may be nil; "ai" verification then degrades to human review.
func NewAutoCompletionTrigger(machine *StateMachine, tracker *forms.Tracker, st store.Store, configs ConfigSource, verifier verify.Verifier) *AutoCompletionTrigger {
	return &AutoCompletionTrigger{
		machine:         machine,
		tracker:         tracker,
		store:           st,
		configs:         configs,
		verifier:        verifier,
		stalenessWindow: DefaultStalenessWindow,
		dedupWindow:     DefaultDedupWindow,
		now:             time.Now,
	}
}

// WithWindows overrides the staleness and dedup windows (tests, tuning).
func (t *AutoCompletionTrigger) WithWindows(staleness, dedup time.Duration) *AutoCompletionTrigger {
	t.stalenessWindow = staleness
	t.dedupWindow = dedup
	return t
}

// WithClock overrides the trigger's time source (tests).
func (t *AutoCompletionTrigger) WithClock(now func() time.Time) *AutoCompletionTrigger {
	t.now = now
	return t
}

// HandleSubmission reacts to a form panel transitioning to submitted.
//
// Submissions older than the staleness window are ignored. With verification
// mode "none" and autoCompleteStep set, the step advances immediately; mode
// "ai" consults the verifier; everything else holds the panel for operator
// review behind a verification task.
func (t *AutoCompletionTrigger) HandleSubmission(ctx context.Context, panel models.FormPanel, formData models.FormData) {
	if t.now().Sub(panel.LastSubmittedAt) > t.stalenessWindow {
		slog.Debug("Trigger ignoring stale submission", "panelID", panel.ID, "lastSubmittedAt", panel.LastSubmittedAt)
		return
	}

	cfg, action := t.resolveAction(ctx, panel)
	if action == nil {
		return
	}

	switch models.NormalizeVerificationMode(action.VerificationMode) {
	case models.VerificationNone:
		if !action.AutoCompleteStep {
			t.holdForReview(cfg, panel)
			return
		}
		if _, err := t.tracker.SetStatus(panel.ID, models.FormPanelApproved); err != nil {
			slog.Warn("Trigger auto-approve status update failed", "error", err, "panelID", panel.ID)
		}
		if err := t.machine.CompleteAndProceed(ctx, panel.ProspectID, panel.ProjectType, panel.StepIndex); err != nil {
			slog.Error("Trigger auto-completion failed", "error", err, "panelID", panel.ID, "stepIndex", panel.StepIndex)
		}

	case models.VerificationAI:
		if t.verifier == nil {
			slog.Warn("Trigger has no verifier for ai mode, holding for review", "panelID", panel.ID)
			t.holdForReview(cfg, panel)
			return
		}
		result, err := t.verifier.VerifyForm(ctx, panel, formData)
		if err != nil {
			// A verifier failure must never auto-advance; fall back to
			// operator review.
			slog.Warn("Trigger AI verification failed, holding for review", "error", err, "panelID", panel.ID)
			t.holdForReview(cfg, panel)
			return
		}
		if result.Approved {
			t.Approve(ctx, panel.ID)
		} else {
			t.Reject(ctx, panel.ID, result.Reason)
		}

	case models.VerificationHuman:
		t.holdForReview(cfg, panel)
	}
}

// HandleChecklist reacts to an operator checking checklist items. The check
// state is recomputed server-side against the configured items before any
// advance: every configured item id must appear in checkedItemIDs.
func (t *AutoCompletionTrigger) HandleChecklist(ctx context.Context, prospectID, projectType, promptID string, stepIndex int, actionID string, checkedItemIDs []string) {
	cfg, err := t.configs.GetStepConfig(ctx, promptID)
	if err != nil || cfg == nil {
		slog.Warn("Trigger checklist config lookup failed", "error", err, "promptID", promptID)
		return
	}
	var action *models.Action
	for i := range cfg.Actions {
		if cfg.Actions[i].ID == actionID {
			action = &cfg.Actions[i]
			break
		}
	}
	if action == nil {
		slog.Warn("Trigger checklist action not found, ignoring", "promptID", promptID, "actionID", actionID)
		return
	}
	if action.HasClientAction || len(action.Checklist) == 0 || !action.AutoCompleteStep {
		return
	}

	checked := make(map[string]bool, len(checkedItemIDs))
	for _, id := range checkedItemIDs {
		checked[id] = true
	}
	for _, item := range action.Checklist {
		if !checked[item.ID] {
			return
		}
	}

	t.recordChecklistDone(prospectID, projectType, promptID, actionID)
	if err := t.machine.CompleteAndProceed(ctx, prospectID, projectType, stepIndex); err != nil {
		slog.Error("Trigger checklist completion advance failed", "error", err, "promptID", promptID, "stepIndex", stepIndex)
	}
}

// Approve resolves a submitted panel as approved: closes the matching
// verification task, advances the step when configured, and sends the
// configured approval message. Repeated calls are tolerated but only the
// first approval advances; the chat message is deduplicated within the dedup
// window. An unknown panel id is a no-op.
func (t *AutoCompletionTrigger) Approve(ctx context.Context, panelID string) {
	panel, err := t.store.GetFormPanel(panelID)
	if err != nil {
		slog.Error("Trigger.Approve panel load failed", "error", err, "panelID", panelID)
		return
	}
	if panel == nil {
		slog.Warn("Trigger.Approve unknown panel, ignoring", "panelID", panelID)
		return
	}
	// Only the submitted -> approved transition may advance the pipeline.
	// A repeated Approve on an already-approved panel would otherwise
	// re-activate a step the pipeline has long moved past.
	transitioned := panel.Status == models.FormPanelSubmitted
	if transitioned {
		if _, err := t.tracker.SetStatus(panelID, models.FormPanelApproved); err != nil {
			slog.Error("Trigger.Approve status update failed", "error", err, "panelID", panelID)
			return
		}
	} else if panel.Status != models.FormPanelApproved {
		slog.Warn("Trigger.Approve panel not submitted, ignoring", "panelID", panelID, "status", panel.Status)
		return
	}

	cfg, action := t.resolveAction(ctx, *panel)
	if action == nil {
		return
	}
	t.closeVerificationTask(cfg, *panel)

	if transitioned && action.AutoCompleteStep {
		if err := t.machine.CompleteAndProceed(ctx, panel.ProspectID, panel.ProjectType, panel.StepIndex); err != nil {
			slog.Error("Trigger.Approve advance failed", "error", err, "panelID", panelID, "stepIndex", panel.StepIndex)
		}
	}
	if action.ApprovalMessage != "" {
		t.sendDedupedMessage(panel.ProspectID, panel.ProjectType, action.ApprovalMessage)
	}
	slog.Info("Trigger.Approve panel approved", "panelID", panelID, "formID", panel.FormID)
}

// Reject resolves a submitted panel as rejected: closes the matching
// verification task and sends the configured rejection message with the
// reason appended. Files the client uploaded earlier are kept; rejection only
// reopens the form. An unknown panel id is a no-op.
func (t *AutoCompletionTrigger) Reject(ctx context.Context, panelID, reason string) {
	panel, err := t.tracker.SetStatus(panelID, models.FormPanelRejected)
	if err != nil {
		slog.Error("Trigger.Reject status update failed", "error", err, "panelID", panelID)
		return
	}
	if panel == nil {
		return
	}

	cfg, action := t.resolveAction(ctx, *panel)
	if action == nil {
		return
	}
	t.closeVerificationTask(cfg, *panel)

	text := action.RejectionMessage
	if reason != "" {
		if text != "" {
			text = text + " " + reason
		} else {
			text = reason
		}
	}
	if text != "" {
		t.sendDedupedMessage(panel.ProspectID, panel.ProjectType, text)
	}
	slog.Info("Trigger.Reject panel rejected", "panelID", panelID, "formID", panel.FormID, "reason", reason)
}

// resolveAction loads the panel's step config and locates the owning action
// by form id. Unresolvable configurations are logged and yield nil.
func (t *AutoCompletionTrigger) resolveAction(ctx context.Context, panel models.FormPanel) (*models.StepConfig, *models.Action) {
	cfg, err := t.configs.GetStepConfig(ctx, panel.PromptID)
	if err != nil || cfg == nil {
		slog.Warn("Trigger config lookup failed", "error", err, "promptID", panel.PromptID, "panelID", panel.ID)
		return nil, nil
	}
	for i := range cfg.Actions {
		if cfg.Actions[i].FormID == panel.FormID {
			return cfg, &cfg.Actions[i]
		}
	}
	slog.Warn("Trigger no action owns form, ignoring", "promptID", panel.PromptID, "formID", panel.FormID)
	return nil, nil
}

// holdForReview opens the operator verification task for a held submission,
// unless a pending one already exists.
func (t *AutoCompletionTrigger) holdForReview(cfg *models.StepConfig, panel models.FormPanel) {
	existing, err := t.store.FindTask(panel.ProspectID, cfg.ProjectID, panel.StepIndex, verificationTaskTitle, models.TaskStatusPending)
	if err != nil {
		slog.Warn("Trigger verification task lookup failed", "error", err, "panelID", panel.ID)
		return
	}
	if existing != nil {
		return
	}
	err = t.store.SaveTask(models.Task{
		ID:        uuid.NewString(),
		ContactID: panel.ProspectID,
		ProjectID: cfg.ProjectID,
		StepIndex: panel.StepIndex,
		Title:     fmt.Sprintf("%s %s", verificationTaskTitle, panel.FormID),
		Status:    models.TaskStatusPending,
		CreatedAt: t.now(),
	})
	if err != nil {
		slog.Warn("Trigger verification task creation failed", "error", err, "panelID", panel.ID)
		return
	}
	slog.Debug("Trigger opened verification task", "panelID", panel.ID, "formID", panel.FormID)
}

// closeVerificationTask marks the matching pending verification task done.
func (t *AutoCompletionTrigger) closeVerificationTask(cfg *models.StepConfig, panel models.FormPanel) {
	task, err := t.store.FindTask(panel.ProspectID, cfg.ProjectID, panel.StepIndex, verificationTaskTitle, models.TaskStatusPending)
	if err != nil {
		slog.Warn("Trigger verification task lookup failed", "error", err, "panelID", panel.ID)
		return
	}
	if task == nil {
		return
	}
	if err := t.store.SetTaskStatus(task.ID, models.TaskStatusDone); err != nil {
		slog.Warn("Trigger verification task close failed", "error", err, "taskID", task.ID)
		return
	}
	slog.Debug("Trigger closed verification task", "taskID", task.ID, "panelID", panel.ID)
}

// sendDedupedMessage appends a chat message unless an identical one was sent
// to the same channel within the dedup window.
func (t *AutoCompletionTrigger) sendDedupedMessage(prospectID, projectType, text string) {
	now := t.now()
	messages, err := t.store.GetChatMessages(prospectID, projectType)
	if err != nil {
		slog.Warn("Trigger dedup scan failed, sending anyway", "error", err, "prospectID", prospectID)
	} else {
		for _, m := range messages {
			if m.Text == text && now.Sub(m.Timestamp) <= t.dedupWindow {
				slog.Debug("Trigger suppressing duplicate message", "prospectID", prospectID, "text", text)
				return
			}
		}
	}
	err = t.store.AddChatMessage(models.ChatMessage{
		ID:          util.GenerateMessageID(),
		ProspectID:  prospectID,
		ProjectType: projectType,
		Sender:      "stagepipe",
		Text:        text,
		Timestamp:   now,
	})
	if err != nil {
		slog.Error("Trigger message send failed", "error", err, "prospectID", prospectID)
	}
}

// recordChecklistDone writes the audit record the advance decision is based
// on; skipped when already present.
func (t *AutoCompletionTrigger) recordChecklistDone(prospectID, projectType, promptID, actionID string) {
	title := fmt.Sprintf("Checklist completed for action %s", actionID)
	exists, err := t.store.HasHistoryEvent(prospectID, projectType, "checklist_completed", title)
	if err != nil || exists {
		return
	}
	err = t.store.AddHistoryEvent(models.HistoryEvent{
		ID:          util.GenerateEventID(),
		ProspectID:  prospectID,
		ProjectType: projectType,
		EventType:   "checklist_completed",
		Title:       title,
		Metadata:    map[string]string{"prompt_id": promptID, "action_id": actionID},
		CreatedBy:   "stagepipe",
		CreatedAt:   t.now(),
	})
	if err != nil {
		slog.Warn("Trigger checklist event write failed", "error", err, "promptID", promptID, "actionID", actionID)
	}
}
