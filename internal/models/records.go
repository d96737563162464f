// Package models defines record types persisted by the engine: form panels,
// signature procedures, chat messages, history events, sent markers, and
// verification tasks.
package models

import "time"

// FormPanelStatus represents the lifecycle state of a client-facing form
// instance.
type FormPanelStatus string

const (
	FormPanelPending   FormPanelStatus = "pending"
	FormPanelSubmitted FormPanelStatus = "submitted"
	FormPanelApproved  FormPanelStatus = "approved"
	FormPanelRejected  FormPanelStatus = "rejected"
)

// CanTransitionFormPanel reports whether a form panel status transition is
// allowed: pending→submitted→{approved|rejected}; rejected panels may be
// resubmitted.
func CanTransitionFormPanel(from, to FormPanelStatus) bool {
	switch from {
	case FormPanelPending:
		return to == FormPanelSubmitted
	case FormPanelSubmitted:
		return to == FormPanelApproved || to == FormPanelRejected
	case FormPanelRejected:
		return to == FormPanelSubmitted
	default:
		return false
	}
}

// FormPanel tracks one client-facing form instance and its verification
// outcome.
type FormPanel struct {
	ID              string          `json:"id"`
	ProspectID      string          `json:"prospect_id"`
	ProjectType     string          `json:"project_type"`
	FormID          string          `json:"form_id"`
	StepIndex       int             `json:"step_index"`
	PromptID        string          `json:"prompt_id"`
	Status          FormPanelStatus `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	LastSubmittedAt time.Time       `json:"last_submitted_at,omitempty"`
}

// SignerRole distinguishes the prospect from additional extracted signers.
type SignerRole string

const (
	SignerRolePrincipal SignerRole = "principal"
	SignerRoleCosigner  SignerRole = "cosigner"
)

// SignerStatus represents one signer's progress within a procedure.
type SignerStatus string

const (
	SignerStatusPending SignerStatus = "pending"
	SignerStatusSigned  SignerStatus = "signed"
)

// Signer is one participant in a signature procedure. Each signer carries its
// own access token; the external signing endpoint enforces the token TTL.
type Signer struct {
	Role         SignerRole   `json:"role"`
	Name         string       `json:"name"`
	Email        string       `json:"email"`
	Phone        string       `json:"phone,omitempty"`
	AccessToken  string       `json:"access_token"`
	RequiresAuth bool         `json:"requires_auth"`
	Status       SignerStatus `json:"status"`
	SignedAt     *time.Time   `json:"signed_at,omitempty"`
}

// ProcedureStatus represents the overall state of a signature procedure.
type ProcedureStatus string

const (
	ProcedureStatusPending   ProcedureStatus = "pending"
	ProcedureStatusCompleted ProcedureStatus = "completed"
	ProcedureStatusCanceled  ProcedureStatus = "canceled"
)

// SignatureProcedure is a multi-signer signing workflow over a generated
// document.
type SignatureProcedure struct {
	ID                   string          `json:"id"`
	ProspectID           string          `json:"prospect_id"`
	ProjectType          string          `json:"project_type"`
	FileID               string          `json:"file_id"`
	AccessToken          string          `json:"access_token"`
	AccessTokenExpiresAt time.Time       `json:"access_token_expires_at"`
	Status               ProcedureStatus `json:"status"`
	Signers              []Signer        `json:"signers"`
	OrganizationID       string          `json:"organization_id"`
	CreatedAt            time.Time       `json:"created_at"`
}

// ChatMessage is one entry in the append-only chat log for a
// (prospect, project) pair. Engine-generated entries are tagged with the
// prompt id, step index, and action id that produced them.
type ChatMessage struct {
	ID          string    `json:"id"`
	ProspectID  string    `json:"prospect_id"`
	ProjectType string    `json:"project_type"`
	Sender      string    `json:"sender"`
	Text        string    `json:"text,omitempty"`
	FormID      string    `json:"form_id,omitempty"`
	FileRef     string    `json:"file_ref,omitempty"`
	PromptID    string    `json:"prompt_id,omitempty"`
	StepIndex   int       `json:"step_index,omitempty"`
	ActionID    string    `json:"action_id,omitempty"`
	ProcedureID string    `json:"procedure_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// HistoryEvent is one append-only audit record.
type HistoryEvent struct {
	ID          string            `json:"id"`
	ProspectID  string            `json:"prospect_id"`
	ProjectType string            `json:"project_type"`
	EventType   string            `json:"event_type"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedBy   string            `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at"`
}

// SentMarker is a first-class idempotency record for an executed action,
// keyed independently of message content so templated message bodies cannot
// defeat the already-sent check.
type SentMarker struct {
	PromptID  string    `json:"prompt_id"`
	StepIndex int       `json:"step_index"`
	ActionID  string    `json:"action_id"`
	SentAt    time.Time `json:"sent_at"`
}

// TaskStatus represents the state of a verification task in the calendar
// collaborator.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusDone keeps the legacy wire value expected by the calendar
	// collaborator.
	TaskStatusDone TaskStatus = "effectue"
)

// Task is a verification task visible to operators on the calendar.
type Task struct {
	ID        string     `json:"id"`
	ContactID string     `json:"contact_id"`
	ProjectID string     `json:"project_id"`
	StepIndex int        `json:"step_index"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}
