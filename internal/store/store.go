// Package store provides storage backends for StagePipe.
//
// It persists step collections, form panels, signature procedures, the chat
// log, history events, sent markers, and verification tasks. Backends share a
// push-based change notifier so operators viewing the same prospect converge
// without polling.
package store

import (
	"strings"

	"github.com/FlowDesk/StagePipe/internal/models"
)

// Store defines the persistence operations used by the progression engine.
type Store interface {
	// Step collections. SaveStepCollection is compare-and-swap on Version:
	// a collection read at version N is only written back if the stored
	// version is still N, and the stored version becomes N+1. A collection
	// with Version 0 is created; creation fails if one already exists.
	GetStepCollection(prospectID, projectType string) (*models.StepCollection, error)
	SaveStepCollection(c models.StepCollection) error
	// SubscribeSteps returns a channel receiving every saved collection for
	// the given pair, plus a cancel function releasing the subscription.
	SubscribeSteps(prospectID, projectType string) (<-chan models.StepCollection, func())
	// ListStepCollections returns every stored collection. Used by the
	// startup repair pass.
	ListStepCollections() ([]models.StepCollection, error)

	// Form panels.
	SaveFormPanel(p models.FormPanel) error
	GetFormPanel(id string) (*models.FormPanel, error)
	FindFormPanel(prospectID, projectType, formID string, stepIndex int) (*models.FormPanel, error)

	// Signature procedures.
	SaveSignatureProcedure(p models.SignatureProcedure) error
	GetSignatureProcedure(id string) (*models.SignatureProcedure, error)
	FindPendingProcedure(fileID, prospectID string) (*models.SignatureProcedure, error)
	// ListPendingProcedures returns every procedure still awaiting
	// signatures. Used by the token expiry sweep.
	ListPendingProcedures() ([]models.SignatureProcedure, error)

	// Chat log (append-only, ordered).
	AddChatMessage(m models.ChatMessage) error
	GetChatMessages(prospectID, projectType string) ([]models.ChatMessage, error)

	// History/audit events.
	AddHistoryEvent(e models.HistoryEvent) error
	HasHistoryEvent(prospectID, projectType, eventType, title string) (bool, error)

	// Sent markers (first-class action idempotency records).
	AddSentMarker(m models.SentMarker) error
	HasSentMarker(promptID string, stepIndex int, actionID string) (bool, error)

	// Verification tasks.
	SaveTask(t models.Task) error
	FindTask(contactID, projectID string, stepIndex int, titlePattern string, status models.TaskStatus) (*models.Task, error)
	SetTaskStatus(taskID string, status models.TaskStatus) error

	// Global kanban stage projection.
	SetGlobalStage(prospectID, globalStepID string) error
	GetGlobalStage(prospectID string) (string, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType determines the database type from a DSN string.
// Returns "postgres" for PostgreSQL connection strings, "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}
