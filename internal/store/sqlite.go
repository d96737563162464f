// Package store provides storage backends for StagePipe.
//
// This file implements an SQLite-backed store for the progression engine's
// records.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/FlowDesk/StagePipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store implementation backed by SQLite.
type SQLiteStore struct {
	db       *sql.DB
	notifier *stepNotifier
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, notifier: newStepNotifier()}, nil
}

// GetStepCollection returns the collection for a (prospect, project) pair,
// or nil when none exists.
func (s *SQLiteStore) GetStepCollection(prospectID, projectType string) (*models.StepCollection, error) {
	row := s.db.QueryRow(
		`SELECT steps_json, version, updated_at FROM step_collections WHERE prospect_id = ? AND project_type = ?`,
		prospectID, projectType)

	var stepsJSON string
	c := models.StepCollection{ProspectID: prospectID, ProjectType: projectType}
	err := row.Scan(&stepsJSON, &c.Version, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetStepCollection scan failed", "error", err, "prospectID", prospectID)
		return nil, fmt.Errorf("failed to scan step collection: %w", err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &c.Steps); err != nil {
		slog.Error("SQLiteStore GetStepCollection unmarshal failed", "error", err, "prospectID", prospectID)
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	return &c, nil
}

// SaveStepCollection performs a compare-and-swap write keyed on Version and
// publishes the saved collection to subscribers.
func (s *SQLiteStore) SaveStepCollection(c models.StepCollection) error {
	if c.ProspectID == "" {
		return models.ErrEmptyProspectID
	}
	if c.ProjectType == "" {
		return models.ErrEmptyProjectType
	}

	stepsJSON, err := json.Marshal(c.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	now := time.Now()

	if c.Version == 0 {
		_, err = s.db.Exec(
			`INSERT INTO step_collections (prospect_id, project_type, steps_json, version, updated_at) VALUES (?, ?, ?, 1, ?)`,
			c.ProspectID, c.ProjectType, string(stepsJSON), now)
		if err != nil {
			slog.Warn("SQLiteStore SaveStepCollection insert failed", "error", err, "prospectID", c.ProspectID, "projectType", c.ProjectType)
			return models.ErrVersionConflict
		}
	} else {
		res, err := s.db.Exec(
			`UPDATE step_collections SET steps_json = ?, version = version + 1, updated_at = ? WHERE prospect_id = ? AND project_type = ? AND version = ?`,
			string(stepsJSON), now, c.ProspectID, c.ProjectType, c.Version)
		if err != nil {
			slog.Error("SQLiteStore SaveStepCollection update failed", "error", err, "prospectID", c.ProspectID)
			return fmt.Errorf("failed to update step collection: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check update result: %w", err)
		}
		if affected == 0 {
			slog.Warn("SQLiteStore SaveStepCollection version conflict", "prospectID", c.ProspectID, "projectType", c.ProjectType, "presented", c.Version)
			return models.ErrVersionConflict
		}
	}

	saved := c
	saved.Version = c.Version + 1
	saved.UpdatedAt = now
	s.notifier.publish(saved)
	slog.Debug("SQLiteStore SaveStepCollection succeeded", "prospectID", c.ProspectID, "projectType", c.ProjectType, "version", saved.Version)
	return nil
}

// SubscribeSteps registers a subscriber for step collection saves.
func (s *SQLiteStore) SubscribeSteps(prospectID, projectType string) (<-chan models.StepCollection, func()) {
	return s.notifier.subscribe(prospectID, projectType)
}

// ListStepCollections returns every stored collection.
func (s *SQLiteStore) ListStepCollections() ([]models.StepCollection, error) {
	rows, err := s.db.Query(`SELECT prospect_id, project_type, steps_json, version, updated_at FROM step_collections`)
	if err != nil {
		slog.Error("SQLiteStore ListStepCollections query failed", "error", err)
		return nil, fmt.Errorf("failed to query step collections: %w", err)
	}
	defer rows.Close()

	var out []models.StepCollection
	for rows.Next() {
		var c models.StepCollection
		var stepsJSON string
		if err := rows.Scan(&c.ProspectID, &c.ProjectType, &stepsJSON, &c.Version, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step collection row: %w", err)
		}
		if err := json.Unmarshal([]byte(stepsJSON), &c.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate step collection rows: %w", err)
	}
	return out, nil
}

// SaveFormPanel inserts or updates a form panel.
func (s *SQLiteStore) SaveFormPanel(p models.FormPanel) error {
	var lastSubmitted interface{}
	if !p.LastSubmittedAt.IsZero() {
		lastSubmitted = p.LastSubmittedAt
	}
	_, err := s.db.Exec(
		`INSERT INTO form_panels (id, prospect_id, project_type, form_id, step_index, prompt_id, status, created_at, last_submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, last_submitted_at = excluded.last_submitted_at`,
		p.ID, p.ProspectID, p.ProjectType, p.FormID, p.StepIndex, p.PromptID, p.Status, p.CreatedAt, lastSubmitted)
	if err != nil {
		slog.Error("SQLiteStore SaveFormPanel failed", "error", err, "panelID", p.ID)
		return fmt.Errorf("failed to save form panel %s: %w", p.ID, err)
	}
	return nil
}

func scanFormPanel(row *sql.Row) (*models.FormPanel, error) {
	var p models.FormPanel
	var lastSubmitted sql.NullTime
	err := row.Scan(&p.ID, &p.ProspectID, &p.ProjectType, &p.FormID, &p.StepIndex, &p.PromptID, &p.Status, &p.CreatedAt, &lastSubmitted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan form panel: %w", err)
	}
	if lastSubmitted.Valid {
		p.LastSubmittedAt = lastSubmitted.Time
	}
	return &p, nil
}

// GetFormPanel returns a panel by id, or nil when absent.
func (s *SQLiteStore) GetFormPanel(id string) (*models.FormPanel, error) {
	row := s.db.QueryRow(
		`SELECT id, prospect_id, project_type, form_id, step_index, prompt_id, status, created_at, last_submitted_at FROM form_panels WHERE id = ?`, id)
	return scanFormPanel(row)
}

// FindFormPanel locates the panel for a form within one step of a prospect's
// project, or nil when absent.
func (s *SQLiteStore) FindFormPanel(prospectID, projectType, formID string, stepIndex int) (*models.FormPanel, error) {
	row := s.db.QueryRow(
		`SELECT id, prospect_id, project_type, form_id, step_index, prompt_id, status, created_at, last_submitted_at
		 FROM form_panels WHERE prospect_id = ? AND project_type = ? AND form_id = ? AND step_index = ?
		 ORDER BY created_at DESC LIMIT 1`,
		prospectID, projectType, formID, stepIndex)
	return scanFormPanel(row)
}

// SaveSignatureProcedure inserts or updates a signature procedure.
func (s *SQLiteStore) SaveSignatureProcedure(p models.SignatureProcedure) error {
	signersJSON, err := json.Marshal(p.Signers)
	if err != nil {
		return fmt.Errorf("failed to marshal signers: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO signature_procedures (id, prospect_id, project_type, file_id, access_token, access_token_expires_at, status, signers_json, organization_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, signers_json = excluded.signers_json`,
		p.ID, p.ProspectID, p.ProjectType, p.FileID, p.AccessToken, p.AccessTokenExpiresAt, p.Status, string(signersJSON), p.OrganizationID, p.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveSignatureProcedure failed", "error", err, "procedureID", p.ID)
		return fmt.Errorf("failed to save signature procedure %s: %w", p.ID, err)
	}
	return nil
}

func scanProcedure(row *sql.Row) (*models.SignatureProcedure, error) {
	var p models.SignatureProcedure
	var signersJSON string
	err := row.Scan(&p.ID, &p.ProspectID, &p.ProjectType, &p.FileID, &p.AccessToken, &p.AccessTokenExpiresAt, &p.Status, &signersJSON, &p.OrganizationID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan signature procedure: %w", err)
	}
	if err := json.Unmarshal([]byte(signersJSON), &p.Signers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signers: %w", err)
	}
	return &p, nil
}

// GetSignatureProcedure returns a procedure by id, or nil when absent.
func (s *SQLiteStore) GetSignatureProcedure(id string) (*models.SignatureProcedure, error) {
	row := s.db.QueryRow(
		`SELECT id, prospect_id, project_type, file_id, access_token, access_token_expires_at, status, signers_json, organization_id, created_at
		 FROM signature_procedures WHERE id = ?`, id)
	return scanProcedure(row)
}

// FindPendingProcedure returns the pending procedure for a (file, prospect)
// pair, or nil when none is active.
func (s *SQLiteStore) FindPendingProcedure(fileID, prospectID string) (*models.SignatureProcedure, error) {
	row := s.db.QueryRow(
		`SELECT id, prospect_id, project_type, file_id, access_token, access_token_expires_at, status, signers_json, organization_id, created_at
		 FROM signature_procedures WHERE file_id = ? AND prospect_id = ? AND status = ?
		 ORDER BY created_at DESC LIMIT 1`,
		fileID, prospectID, models.ProcedureStatusPending)
	return scanProcedure(row)
}

// ListPendingProcedures returns every procedure still awaiting signatures.
func (s *SQLiteStore) ListPendingProcedures() ([]models.SignatureProcedure, error) {
	rows, err := s.db.Query(
		`SELECT id, prospect_id, project_type, file_id, access_token, access_token_expires_at, status, signers_json, organization_id, created_at
		 FROM signature_procedures WHERE status = ?`, models.ProcedureStatusPending)
	if err != nil {
		slog.Error("SQLiteStore ListPendingProcedures query failed", "error", err)
		return nil, fmt.Errorf("failed to query pending procedures: %w", err)
	}
	defer rows.Close()

	var out []models.SignatureProcedure
	for rows.Next() {
		var p models.SignatureProcedure
		var signersJSON string
		if err := rows.Scan(&p.ID, &p.ProspectID, &p.ProjectType, &p.FileID, &p.AccessToken, &p.AccessTokenExpiresAt, &p.Status, &signersJSON, &p.OrganizationID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signature procedure row: %w", err)
		}
		if err := json.Unmarshal([]byte(signersJSON), &p.Signers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signers: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate signature procedure rows: %w", err)
	}
	return out, nil
}

// AddChatMessage appends a message to the ordered chat log.
func (s *SQLiteStore) AddChatMessage(m models.ChatMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO chat_messages (id, prospect_id, project_type, sender, text, form_id, file_ref, prompt_id, step_index, action_id, procedure_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProspectID, m.ProjectType, m.Sender, m.Text, m.FormID, m.FileRef, m.PromptID, m.StepIndex, m.ActionID, m.ProcedureID, m.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore AddChatMessage failed", "error", err, "messageID", m.ID)
		return fmt.Errorf("failed to insert chat message %s: %w", m.ID, err)
	}
	return nil
}

// GetChatMessages returns the chat log for a (prospect, project) pair in
// append order.
func (s *SQLiteStore) GetChatMessages(prospectID, projectType string) ([]models.ChatMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, prospect_id, project_type, sender, text, form_id, file_ref, prompt_id, step_index, action_id, procedure_id, timestamp
		 FROM chat_messages WHERE prospect_id = ? AND project_type = ? ORDER BY timestamp, id`,
		prospectID, projectType)
	if err != nil {
		slog.Error("SQLiteStore GetChatMessages query failed", "error", err)
		return nil, fmt.Errorf("failed to query chat messages: %w", err)
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.ProspectID, &m.ProjectType, &m.Sender, &m.Text, &m.FormID, &m.FileRef, &m.PromptID, &m.StepIndex, &m.ActionID, &m.ProcedureID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan chat message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat message rows: %w", err)
	}
	return messages, nil
}

// AddHistoryEvent appends an audit event.
func (s *SQLiteStore) AddHistoryEvent(e models.HistoryEvent) error {
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal history metadata: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO history_events (id, prospect_id, project_type, event_type, title, description, metadata_json, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProspectID, e.ProjectType, e.EventType, e.Title, e.Description, string(metadataJSON), e.CreatedBy, e.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddHistoryEvent failed", "error", err, "eventID", e.ID)
		return fmt.Errorf("failed to insert history event %s: %w", e.ID, err)
	}
	return nil
}

// HasHistoryEvent reports whether an event with the given type and title was
// already recorded for the pair.
func (s *SQLiteStore) HasHistoryEvent(prospectID, projectType, eventType, title string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM history_events WHERE prospect_id = ? AND project_type = ? AND event_type = ? AND title = ?`,
		prospectID, projectType, eventType, title).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check history event: %w", err)
	}
	return count > 0, nil
}

// AddSentMarker records that an action was executed. Inserting an existing
// marker is a no-op.
func (s *SQLiteStore) AddSentMarker(m models.SentMarker) error {
	_, err := s.db.Exec(
		`INSERT INTO sent_markers (prompt_id, step_index, action_id, sent_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(prompt_id, step_index, action_id) DO NOTHING`,
		m.PromptID, m.StepIndex, m.ActionID, m.SentAt)
	if err != nil {
		slog.Error("SQLiteStore AddSentMarker failed", "error", err, "promptID", m.PromptID, "actionID", m.ActionID)
		return fmt.Errorf("failed to insert sent marker: %w", err)
	}
	return nil
}

// HasSentMarker reports whether an action execution was already recorded.
func (s *SQLiteStore) HasSentMarker(promptID string, stepIndex int, actionID string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM sent_markers WHERE prompt_id = ? AND step_index = ? AND action_id = ?`,
		promptID, stepIndex, actionID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check sent marker: %w", err)
	}
	return count > 0, nil
}

// SaveTask inserts or updates a verification task.
func (s *SQLiteStore) SaveTask(t models.Task) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, contact_id, project_id, step_index, title, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, title = excluded.title`,
		t.ID, t.ContactID, t.ProjectID, t.StepIndex, t.Title, t.Status, t.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveTask failed", "error", err, "taskID", t.ID)
		return fmt.Errorf("failed to save task %s: %w", t.ID, err)
	}
	return nil
}

// FindTask locates a task by contact, project, step, title substring, and
// status, or nil when absent.
func (s *SQLiteStore) FindTask(contactID, projectID string, stepIndex int, titlePattern string, status models.TaskStatus) (*models.Task, error) {
	row := s.db.QueryRow(
		`SELECT id, contact_id, project_id, step_index, title, status, created_at FROM tasks
		 WHERE contact_id = ? AND project_id = ? AND step_index = ? AND status = ? AND title LIKE ?
		 ORDER BY created_at LIMIT 1`,
		contactID, projectID, stepIndex, status, "%"+titlePattern+"%")
	var t models.Task
	err := row.Scan(&t.ID, &t.ContactID, &t.ProjectID, &t.StepIndex, &t.Title, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return &t, nil
}

// SetTaskStatus updates a task's status.
func (s *SQLiteStore) SetTaskStatus(taskID string, status models.TaskStatus) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = ? WHERE id = ?`, status, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check task update result: %w", err)
	}
	if affected == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

// SetGlobalStage projects a prospect onto a cross-project kanban stage.
func (s *SQLiteStore) SetGlobalStage(prospectID, globalStepID string) error {
	_, err := s.db.Exec(
		`INSERT INTO global_stages (prospect_id, global_step_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(prospect_id) DO UPDATE SET global_step_id = excluded.global_step_id, updated_at = excluded.updated_at`,
		prospectID, globalStepID, time.Now())
	if err != nil {
		slog.Error("SQLiteStore SetGlobalStage failed", "error", err, "prospectID", prospectID)
		return fmt.Errorf("failed to set global stage for %s: %w", prospectID, err)
	}
	return nil
}

// GetGlobalStage returns the prospect's current kanban stage, or empty.
func (s *SQLiteStore) GetGlobalStage(prospectID string) (string, error) {
	var stage string
	err := s.db.QueryRow(`SELECT global_step_id FROM global_stages WHERE prospect_id = ?`, prospectID).Scan(&stage)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query global stage: %w", err)
	}
	return stage, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
