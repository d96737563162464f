// Package sequencer picks and executes exactly one pending action from a
// step's configured action list.
//
// Multi-action chaining is driven externally: when an action's completion is
// observed, the caller re-invokes the sequencer, optionally naming the action
// that should run next. The sequencer never executes more than one action per
// call.
package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/FlowDesk/StagePipe/internal/forms"
	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/FlowDesk/StagePipe/internal/signature"
	"github.com/FlowDesk/StagePipe/internal/store"
	"github.com/FlowDesk/StagePipe/internal/util"
)

// ProspectDirectory provides read-only prospect identity lookups.
type ProspectDirectory interface {
	GetProspect(ctx context.Context, prospectID string) (*models.Prospect, error)
}

// DocumentGenerator produces the signable document for a template. Contract
// generation itself is an external collaborator; only the file reference
// flows back into the engine.
type DocumentGenerator interface {
	GenerateDocument(ctx context.Context, prospectID, projectType, templateID string) (fileID string, err error)
}

// Request carries the context for one ExecuteNext invocation.
type Request struct {
	ProspectID       string
	ProjectType      string
	OrganizationID   string
	Config           models.StepConfig
	FormData         models.FormData
	SpecificActionID string // force-replay/chain this exact action, skipping idempotency
}

// Result reports what a call executed. A no-op (every action already sent)
// leaves Executed false.
type Result struct {
	Executed    bool
	Action      *models.Action
	PanelID     string
	ProcedureID string
}

// Sequencer executes configured step actions with at-most-once semantics per
// (promptID, stepIndex, actionID).
type Sequencer struct {
	store        store.Store
	tracker      *forms.Tracker
	orchestrator *signature.Orchestrator
	prospects    ProspectDirectory
	documents    DocumentGenerator
	now          func() time.Time
}

// NewSequencer creates a sequencer over its collaborators.
func NewSequencer(st store.Store, tracker *forms.Tracker, orchestrator *signature.Orchestrator, prospects ProspectDirectory, documents DocumentGenerator) *Sequencer {
	return &Sequencer{
		store:        st,
		tracker:      tracker,
		orchestrator: orchestrator,
		prospects:    prospects,
		documents:    documents,
		now:          time.Now,
	}
}

// WithClock overrides the sequencer's time source (tests).
func (s *Sequencer) WithClock(now func() time.Time) *Sequencer {
	s.now = now
	return s
}

// ExecuteNext executes at most one action from the request's step config.
//
// Without SpecificActionID it scans the actions sorted by Order ascending
// (stable for ties), skips every already-sent action, executes the first
// unsent one, and stops. With SpecificActionID it locates that exact action
// and executes it unconditionally, failing with ErrActionNotFound when
// absent; this path exists solely to chain the action immediately following
// one whose completion was just observed.
func (s *Sequencer) ExecuteNext(ctx context.Context, req Request) (*Result, error) {
	sorted := req.Config.SortedActions()

	if req.SpecificActionID != "" {
		for i := range sorted {
			if sorted[i].ID == req.SpecificActionID {
				return s.execute(ctx, req, sorted[i])
			}
		}
		slog.Warn("Sequencer.ExecuteNext specific action not found", "promptID", req.Config.PromptID, "actionID", req.SpecificActionID)
		return nil, models.ErrActionNotFound
	}

	for i := range sorted {
		sent, err := s.alreadySent(req, sorted[i])
		if err != nil {
			return nil, err
		}
		if sent {
			slog.Debug("Sequencer.ExecuteNext skipping sent action", "promptID", req.Config.PromptID, "actionID", sorted[i].ID)
			continue
		}
		return s.execute(ctx, req, sorted[i])
	}

	slog.Debug("Sequencer.ExecuteNext nothing pending", "promptID", req.Config.PromptID, "stepIndex", req.Config.StepIndex)
	return &Result{Executed: false}, nil
}

// alreadySent checks the first-class sent marker, then falls back to the
// legacy chat log heuristic: a message with the same promptID and stepIndex
// carrying either identical text or, for show_form actions, the same formID.
// The legacy scan keeps logs written before sent markers idempotent.
func (s *Sequencer) alreadySent(req Request, action models.Action) (bool, error) {
	marked, err := s.store.HasSentMarker(req.Config.PromptID, req.Config.StepIndex, action.ID)
	if err != nil {
		return false, fmt.Errorf("failed to check sent marker: %w", err)
	}
	if marked {
		return true, nil
	}

	messages, err := s.store.GetChatMessages(req.ProspectID, req.ProjectType)
	if err != nil {
		return false, fmt.Errorf("failed to read chat log: %w", err)
	}
	actionType := models.NormalizeActionType(action.Type)
	for _, m := range messages {
		if m.PromptID != req.Config.PromptID || m.StepIndex != req.Config.StepIndex {
			continue
		}
		if action.Message != "" && m.Text == action.Message {
			return true, nil
		}
		if actionType == models.ActionTypeShowForm && m.FormID != "" && m.FormID == action.FormID {
			return true, nil
		}
	}
	return false, nil
}

// execute performs the action's side effects. Side effects are independent,
// not transactional: a later failure does not retract an earlier one.
func (s *Sequencer) execute(ctx context.Context, req Request, action models.Action) (*Result, error) {
	if err := action.Validate(); err != nil {
		return nil, fmt.Errorf("invalid action %s: %w", action.ID, err)
	}

	result := &Result{Executed: true, Action: &action}
	switch models.NormalizeActionType(action.Type) {
	case models.ActionTypeMessage:
		if err := s.appendChatMessage(req, action, action.Message, ""); err != nil {
			return nil, err
		}

	case models.ActionTypeShowForm:
		if err := s.appendChatMessage(req, action, action.Message, action.FormID); err != nil {
			return nil, err
		}
		panel, err := s.tracker.CreatePanel(req.ProspectID, req.ProjectType, action.FormID, req.Config.StepIndex, req.Config.PromptID)
		if err != nil {
			// The chat entry stays; the failure is surfaced on its own.
			slog.Error("Sequencer form panel creation failed", "error", err, "actionID", action.ID, "formID", action.FormID)
			return nil, err
		}
		result.PanelID = panel.ID
		s.recordFormSentEvent(req, action)

	case models.ActionTypeStartSignature:
		if req.OrganizationID == "" {
			slog.Error("Sequencer start_signature without organization id", "promptID", req.Config.PromptID, "actionID", action.ID)
			return nil, models.ErrMissingOrganization
		}
		procedureID, err := s.startSignature(ctx, req, action)
		if err != nil {
			return nil, err
		}
		result.ProcedureID = procedureID
	}

	if err := s.store.AddSentMarker(models.SentMarker{
		PromptID:  req.Config.PromptID,
		StepIndex: req.Config.StepIndex,
		ActionID:  action.ID,
		SentAt:    s.now(),
	}); err != nil {
		slog.Warn("Sequencer failed to record sent marker", "error", err, "promptID", req.Config.PromptID, "actionID", action.ID)
	}
	slog.Info("Sequencer executed action", "promptID", req.Config.PromptID, "stepIndex", req.Config.StepIndex, "actionID", action.ID, "type", models.NormalizeActionType(action.Type))
	return result, nil
}

func (s *Sequencer) appendChatMessage(req Request, action models.Action, text, formID string) error {
	err := s.store.AddChatMessage(models.ChatMessage{
		ID:          util.GenerateMessageID(),
		ProspectID:  req.ProspectID,
		ProjectType: req.ProjectType,
		Sender:      signature.EngineSender,
		Text:        text,
		FormID:      formID,
		PromptID:    req.Config.PromptID,
		StepIndex:   req.Config.StepIndex,
		ActionID:    action.ID,
		Timestamp:   s.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to append chat message for action %s: %w", action.ID, err)
	}
	return nil
}

// recordFormSentEvent writes the "form sent" history event. The title carries
// the step index so the same form configured on a later step still gets its
// own event. A failure here is reported but does not retract the chat entry
// or the panel.
func (s *Sequencer) recordFormSentEvent(req Request, action models.Action) {
	title := fmt.Sprintf("Form %s sent (step %d)", action.FormID, req.Config.StepIndex)
	exists, err := s.store.HasHistoryEvent(req.ProspectID, req.ProjectType, "form_sent", title)
	if err != nil {
		slog.Warn("Sequencer form sent event check failed", "error", err, "formID", action.FormID)
		return
	}
	if exists {
		return
	}
	err = s.store.AddHistoryEvent(models.HistoryEvent{
		ID:          util.GenerateEventID(),
		ProspectID:  req.ProspectID,
		ProjectType: req.ProjectType,
		EventType:   "form_sent",
		Title:       title,
		Metadata:    map[string]string{"form_id": action.FormID, "prompt_id": req.Config.PromptID, "action_id": action.ID},
		CreatedBy:   signature.EngineSender,
		CreatedAt:   s.now(),
	})
	if err != nil {
		slog.Warn("Sequencer form sent event write failed", "error", err, "formID", action.FormID)
	}
}

func (s *Sequencer) startSignature(ctx context.Context, req Request, action models.Action) (string, error) {
	prospect, err := s.prospects.GetProspect(ctx, req.ProspectID)
	if err != nil {
		return "", fmt.Errorf("failed to look up prospect %s: %w", req.ProspectID, err)
	}
	if prospect == nil {
		return "", fmt.Errorf("prospect %s not found", req.ProspectID)
	}

	fileID, err := s.documents.GenerateDocument(ctx, req.ProspectID, req.ProjectType, action.TemplateID)
	if err != nil {
		return "", fmt.Errorf("failed to generate document from template %s: %w", action.TemplateID, err)
	}

	var cosigners []signature.SignerDetails
	if action.CosignersConfig != nil {
		cosigners = signature.ExtractCosigners(req.FormData, req.ProjectType, *action.CosignersConfig)
	}

	principal := signature.SignerDetails{Name: prospect.Name, Email: prospect.Email, Phone: prospect.Phone}
	procedure, err := s.orchestrator.Create(ctx, fileID, req.ProspectID, req.ProjectType, principal, cosigners, req.OrganizationID)
	if err != nil {
		return "", err
	}
	return procedure.ID, nil
}
