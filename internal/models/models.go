// Package models defines the core data structures for StagePipe.
//
// It includes the pipeline step types, the configured action types, and the
// validation logic shared across modules.
package models

import (
	"errors"
	"sort"
	"time"
)

// Prospect is a lead tracked through one or more projects. Identity fields
// feed the principal signer roster; OrganizationID scopes signature
// procedures.
type Prospect struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Phone          string `json:"phone,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// StepStatus represents the lifecycle state of a pipeline step.
type StepStatus string

const (
	// StepStatusPending marks a step that has not been reached yet.
	StepStatusPending StepStatus = "pending"
	// StepStatusInProgress marks the single currently active step.
	StepStatusInProgress StepStatus = "in_progress"
	// StepStatusCompleted marks a finished step.
	StepStatusCompleted StepStatus = "completed"
)

// IsValidStepStatus checks if the given step status is supported.
func IsValidStepStatus(s StepStatus) bool {
	switch s {
	case StepStatusPending, StepStatusInProgress, StepStatusCompleted:
		return true
	default:
		return false
	}
}

// Step is one stage of a prospect's project pipeline.
type Step struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       StepStatus `json:"status"`
	Icon         string     `json:"icon,omitempty"`
	GlobalStepID string     `json:"global_step_id,omitempty"` // cross-project kanban stage, if any
}

// StepCollection is the ordered step array for a (prospect, project) pair.
// Version is an optimistic-concurrency token: replace operations only succeed
// when the caller presents the version it read.
type StepCollection struct {
	ProspectID  string    `json:"prospect_id"`
	ProjectType string    `json:"project_type"`
	Steps       []Step    `json:"steps"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ActiveStepIndex returns the index of the single in_progress step, or -1
// when no step is active.
func (c *StepCollection) ActiveStepIndex() int {
	for i, s := range c.Steps {
		if s.Status == StepStatusInProgress {
			return i
		}
	}
	return -1
}

// ActionType defines what side effect an action performs when executed.
type ActionType string

const (
	// ActionTypeMessage appends a chat message only.
	ActionTypeMessage ActionType = "message"
	// ActionTypeShowForm attaches a form to the chat and opens a form panel.
	ActionTypeShowForm ActionType = "show_form"
	// ActionTypeStartSignature starts a multi-signer signing procedure.
	ActionTypeStartSignature ActionType = "start_signature"
)

// IsValidActionType checks if the given action type is supported.
func IsValidActionType(t ActionType) bool {
	switch t {
	case ActionTypeMessage, ActionTypeShowForm, ActionTypeStartSignature:
		return true
	default:
		return false
	}
}

// NormalizeActionType maps legacy stored values onto the current set.
// Historic step configurations used "none" for plain message actions.
func NormalizeActionType(t ActionType) ActionType {
	if t == "" || t == "none" {
		return ActionTypeMessage
	}
	return t
}

// VerificationMode governs whether a submitted form auto-advances its step.
type VerificationMode string

const (
	// VerificationNone auto-approves submissions without review.
	VerificationNone VerificationMode = "none"
	// VerificationHuman holds submissions for operator approve/reject.
	VerificationHuman VerificationMode = "human"
	// VerificationAI runs submissions through the AI verifier.
	VerificationAI VerificationMode = "ai"
)

// NormalizeVerificationMode applies the default (human) to empty values.
func NormalizeVerificationMode(m VerificationMode) VerificationMode {
	if m == "" {
		return VerificationHuman
	}
	return m
}

// ChecklistItem is one operator-facing checklist entry on an action.
type ChecklistItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// CosignersConfig describes how cosigner rows are extracted from submitted
// form data using the repeater field convention.
type CosignersConfig struct {
	FormID     string `json:"form_id"`
	CountField string `json:"count_field"`
	NameField  string `json:"name_field"`
	EmailField string `json:"email_field"`
	PhoneField string `json:"phone_field"`
}

// Action is one automated unit configured on a pipeline step.
type Action struct {
	ID               string           `json:"id"`
	Order            int              `json:"order"`
	Type             ActionType       `json:"type"`
	Message          string           `json:"message,omitempty"`
	FormID           string           `json:"form_id,omitempty"`
	TemplateID       string           `json:"template_id,omitempty"`
	Checklist        []ChecklistItem  `json:"checklist,omitempty"`
	VerificationMode VerificationMode `json:"verification_mode,omitempty"`
	AutoCompleteStep bool             `json:"auto_complete_step,omitempty"`
	HasClientAction  bool             `json:"has_client_action,omitempty"`
	CosignersConfig  *CosignersConfig `json:"cosigners_config,omitempty"`
	ApprovalMessage  string           `json:"approval_message,omitempty"`
	RejectionMessage string           `json:"rejection_message,omitempty"`
}

// StepConfig is the configured ordered action list for one (project, step
// index) pair. Historically called a "prompt" in the admin tooling, so the
// identifier is kept as PromptID throughout.
type StepConfig struct {
	PromptID  string   `json:"prompt_id"`
	ProjectID string   `json:"project_id"`
	StepIndex int      `json:"step_index"`
	Actions   []Action `json:"actions"`
}

// Error variables for better error handling and testability
var (
	ErrEmptyProspectID     = errors.New("prospect id cannot be empty")
	ErrEmptyProjectType    = errors.New("project type cannot be empty")
	ErrEmptyActionID       = errors.New("action id cannot be empty")
	ErrInvalidActionType   = errors.New("invalid action type")
	ErrMissingFormID       = errors.New("form id is required for show_form actions")
	ErrMissingTemplateID   = errors.New("template id is required for start_signature actions")
	ErrActionNotFound      = errors.New("action not found")
	ErrMissingOrganization = errors.New("organization id is required")
	ErrVersionConflict     = errors.New("step collection version conflict")
	ErrStepIndexOutOfRange = errors.New("step index out of range")
	ErrInvalidStepStatus   = errors.New("invalid step status")
	ErrPanelNotFound       = errors.New("form panel not found")
	ErrPanelTransition     = errors.New("invalid form panel status transition")
	ErrProcedureNotFound   = errors.New("signature procedure not found")
	ErrTaskNotFound        = errors.New("task not found")
	ErrEmptyPrincipal      = errors.New("principal signer requires a name and email")
	ErrEmptyFileID         = errors.New("file id cannot be empty")
)

// Validate performs validation on an Action after type normalization.
func (a *Action) Validate() error {
	if a.ID == "" {
		return ErrEmptyActionID
	}
	t := NormalizeActionType(a.Type)
	if !IsValidActionType(t) {
		return ErrInvalidActionType
	}
	switch t {
	case ActionTypeMessage:
		// message body may legitimately be empty (placeholder actions)
	case ActionTypeShowForm:
		if a.FormID == "" {
			return ErrMissingFormID
		}
	case ActionTypeStartSignature:
		if a.TemplateID == "" {
			return ErrMissingTemplateID
		}
	}
	return nil
}

// SortedActions returns the actions ordered by Order ascending. The sort is
// stable: actions sharing an Order value keep their configured sequence.
func (c *StepConfig) SortedActions() []Action {
	sorted := make([]Action, len(c.Actions))
	copy(sorted, c.Actions)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	return sorted
}
