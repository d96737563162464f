// Package store provides storage backends for StagePipe.
//
// This file implements a PostgreSQL-backed store for the progression engine's
// records.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/FlowDesk/StagePipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store implementation backed by PostgreSQL.
type PostgresStore struct {
	db       *sql.DB
	notifier *stepNotifier
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db, notifier: newStepNotifier()}, nil
}

// GetStepCollection returns the collection for a (prospect, project) pair,
// or nil when none exists.
func (s *PostgresStore) GetStepCollection(prospectID, projectType string) (*models.StepCollection, error) {
	row := s.db.QueryRow(
		`SELECT steps_json, version, updated_at FROM step_collections WHERE prospect_id = $1 AND project_type = $2`,
		prospectID, projectType)

	var stepsJSON string
	c := models.StepCollection{ProspectID: prospectID, ProjectType: projectType}
	err := row.Scan(&stepsJSON, &c.Version, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetStepCollection scan failed", "error", err, "prospectID", prospectID)
		return nil, fmt.Errorf("failed to scan step collection: %w", err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &c.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	return &c, nil
}

// SaveStepCollection performs a compare-and-swap write keyed on Version and
// publishes the saved collection to subscribers.
func (s *PostgresStore) SaveStepCollection(c models.StepCollection) error {
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
			`INSERT INTO step_collections (prospect_id, project_type, steps_json, version, updated_at) VALUES ($1, $2, $3, 1, $4)`,
			c.ProspectID, c.ProjectType, string(stepsJSON), now)
		if err != nil {
			slog.Warn("PostgresStore SaveStepCollection insert failed", "error", err, "prospectID", c.ProspectID, "projectType", c.ProjectType)
			return models.ErrVersionConflict
		}
	} else {
		res, err := s.db.Exec(
			`UPDATE step_collections SET steps_json = $1, version = version + 1, updated_at = $2 WHERE prospect_id = $3 AND project_type = $4 AND version = $5`,
			string(stepsJSON), now, c.ProspectID, c.ProjectType, c.Version)
		if err != nil {
			slog.Error("PostgresStore SaveStepCollection update failed", "error", err, "prospectID", c.ProspectID)
			return fmt.Errorf("failed to update step collection: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check update result: %w", err)
		}
		if affected == 0 {
			slog.Warn("PostgresStore SaveStepCollection version conflict", "prospectID", c.ProspectID, "projectType", c.ProjectType, "presented", c.Version)
			return models.ErrVersionConflict
		}
	}

	saved := c
	saved.Version = c.Version + 1
	saved.UpdatedAt = now
	s.notifier.publish(saved)
	return nil
}

// SubscribeSteps registers a subscriber for step collection saves.
func (s *PostgresStore) SubscribeSteps(prospectID, projectType string) (<-chan models.StepCollection, func()) {
	return s.notifier.subscribe(prospectID, projectType)
}

// ListStepCollections returns every stored collection.
func (s *PostgresStore) ListStepCollections() ([]models.StepCollection, error) {
	rows, err := s.db.Query(`SELECT prospect_id, project_type, steps_json, version, updated_at FROM step_collections`)
	if err != nil {
		slog.Error("PostgresStore ListStepCollections query failed", "error", err)
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
func (s *PostgresStore) SaveFormPanel(p models.FormPanel) error {
	var lastSubmitted interface{}
	if !p.LastSubmittedAt.IsZero() {
		lastSubmitted = p.LastSubmittedAt
	}
	_, err := s.db.Exec(
		`INSERT INTO form_panels (id, prospect_id, project_type, form_id, step_index, prompt_id, status, created_at, last_submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, last_submitted_at = EXCLUDED.last_submitted_at`,
		p.ID, p.ProspectID, p.ProjectType, p.FormID, p.StepIndex, p.PromptID, p.Status, p.CreatedAt, lastSubmitted)
	if err != nil {
		slog.Error("PostgresStore SaveFormPanel failed", "error", err, "panelID", p.ID)
		return fmt.Errorf("failed to save form panel %s: %w", p.ID, err)
	}
	return nil
}

// GetFormPanel returns a panel by id, or nil when absent.
func (s *PostgresStore) GetFormPanel(id string) (*models.FormPanel, error) {
	row := s.db.QueryRow(
		`SELECT id, prospect_id, project_type, form_id, step_index, prompt_id, status, created_at, last_submitted_at FROM form_panels WHERE id = $1`, id)
	return scanFormPanel(row)
}

// FindFormPanel locates the panel for a form within one step of a prospect's
// project, or nil when absent.
func (s *PostgresStore) FindFormPanel(prospectID, projectType, formID string, stepIndex int) (*models.FormPanel, error) {
	row := s.db.QueryRow(
		`SELECT id, prospect_id, project_type, form_id, step_index, prompt_id, status, created_at, last_submitted_at
		 FROM form_panels WHERE prospect_id = $1 AND project_type = $2 AND form_id = $3 AND step_index = $4
		 ORDER BY created_at DESC LIMIT 1`,
		prospectID, projectType, formID, stepIndex)
	return scanFormPanel(row)
}

// SaveSignatureProcedure inserts or updates a signature procedure.
func (s *PostgresStore) SaveSignatureProcedure(p models.SignatureProcedure) error {
	signersJSON, err := json.Marshal(p.Signers)
	if err != nil {
		return fmt.Errorf("failed to marshal signers: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO signature_procedures (id, prospect_id, project_type, file_id, access_token, access_token_expires_at, status, signers_json, organization_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, signers_json = EXCLUDED.signers_json`,
		p.ID, p.ProspectID, p.ProjectType, p.FileID, p.AccessToken, p.AccessTokenExpiresAt, p.Status, string(signersJSON), p.OrganizationID, p.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveSignatureProcedure failed", "error", err, "procedureID", p.ID)
		return fmt.Errorf("failed to save signature procedure %s: %w", p.ID, err)
	}
	return nil
}

// GetSignatureProcedure returns a procedure by id, or nil when absent.
func (s *PostgresStore) GetSignatureProcedure(id string) (*models.SignatureProcedure, error) {
	row := s.db.QueryRow(
		`SELECT id, prospect_id, project_type, file_id, access_token, access_token_expires_at, status, signers_json, organization_id, created_at
		 FROM signature_procedures WHERE id = $1`, id)
	return scanProcedure(row)
}

// FindPendingProcedure returns the pending procedure for a (file, prospect)
// pair, or nil when none is active.
func (s *PostgresStore) FindPendingProcedure(fileID, prospectID string) (*models.SignatureProcedure, error) {
	row := s.db.QueryRow(
		`SELECT id, prospect_id, project_type, file_id, access_token, access_token_expires_at, status, signers_json, organization_id, created_at
		 FROM signature_procedures WHERE file_id = $1 AND prospect_id = $2 AND status = $3
		 ORDER BY created_at DESC LIMIT 1`,
		fileID, prospectID, models.ProcedureStatusPending)
	return scanProcedure(row)
}

// ListPendingProcedures returns every procedure still awaiting signatures.
func (s *PostgresStore) ListPendingProcedures() ([]models.SignatureProcedure, error) {
	rows, err := s.db.Query(
		`SELECT id, prospect_id, project_type, file_id, access_token, access_token_expires_at, status, signers_json, organization_id, created_at
		 FROM signature_procedures WHERE status = $1`, models.ProcedureStatusPending)
	if err != nil {
		slog.Error("PostgresStore ListPendingProcedures query failed", "error", err)
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
func (s *PostgresStore) AddChatMessage(m models.ChatMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO chat_messages (id, prospect_id, project_type, sender, text, form_id, file_ref, prompt_id, step_index, action_id, procedure_id, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.ProspectID, m.ProjectType, m.Sender, m.Text, m.FormID, m.FileRef, m.PromptID, m.StepIndex, m.ActionID, m.ProcedureID, m.Timestamp)
	if err != nil {
		slog.Error("PostgresStore AddChatMessage failed", "error", err, "messageID", m.ID)
		return fmt.Errorf("failed to insert chat message %s: %w", m.ID, err)
	}
	return nil
}

// GetChatMessages returns the chat log for a (prospect, project) pair in
// append order.
func (s *PostgresStore) GetChatMessages(prospectID, projectType string) ([]models.ChatMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, prospect_id, project_type, sender, text, form_id, file_ref, prompt_id, step_index, action_id, procedure_id, timestamp
		 FROM chat_messages WHERE prospect_id = $1 AND project_type = $2 ORDER BY timestamp, id`,
		prospectID, projectType)
	if err != nil {
		slog.Error("PostgresStore GetChatMessages query failed", "error", err)
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
func (s *PostgresStore) AddHistoryEvent(e models.HistoryEvent) error {
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal history metadata: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO history_events (id, prospect_id, project_type, event_type, title, description, metadata_json, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ProspectID, e.ProjectType, e.EventType, e.Title, e.Description, string(metadataJSON), e.CreatedBy, e.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddHistoryEvent failed", "error", err, "eventID", e.ID)
		return fmt.Errorf("failed to insert history event %s: %w", e.ID, err)
	}
	return nil
}

// HasHistoryEvent reports whether an event with the given type and title was
// already recorded for the pair.
func (s *PostgresStore) HasHistoryEvent(prospectID, projectType, eventType, title string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM history_events WHERE prospect_id = $1 AND project_type = $2 AND event_type = $3 AND title = $4`,
		prospectID, projectType, eventType, title).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check history event: %w", err)
	}
	return count > 0, nil
}

// AddSentMarker records that an action was executed. Inserting an existing
// marker is a no-op.
func (s *PostgresStore) AddSentMarker(m models.SentMarker) error {
	_, err := s.db.Exec(
		`INSERT INTO sent_markers (prompt_id, step_index, action_id, sent_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (prompt_id, step_index, action_id) DO NOTHING`,
		m.PromptID, m.StepIndex, m.ActionID, m.SentAt)
	if err != nil {
		slog.Error("PostgresStore AddSentMarker failed", "error", err, "promptID", m.PromptID, "actionID", m.ActionID)
		return fmt.Errorf("failed to insert sent marker: %w", err)
	}
	return nil
}

// HasSentMarker reports whether an action execution was already recorded.
func (s *PostgresStore) HasSentMarker(promptID string, stepIndex int, actionID string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM sent_markers WHERE prompt_id = $1 AND step_index = $2 AND action_id = $3`,
		promptID, stepIndex, actionID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check sent marker: %w", err)
	}
	return count > 0, nil
}

// SaveTask inserts or updates a verification task.
func (s *PostgresStore) SaveTask(t models.Task) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, contact_id, project_id, step_index, title, status, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, title = EXCLUDED.title`,
		t.ID, t.ContactID, t.ProjectID, t.StepIndex, t.Title, t.Status, t.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveTask failed", "error", err, "taskID", t.ID)
		return fmt.Errorf("failed to save task %s: %w", t.ID, err)
	}
	return nil
}

// FindTask locates a task by contact, project, step, title substring, and
// status, or nil when absent.
func (s *PostgresStore) FindTask(contactID, projectID string, stepIndex int, titlePattern string, status models.TaskStatus) (*models.Task, error) {
	row := s.db.QueryRow(
		`SELECT id, contact_id, project_id, step_index, title, status, created_at FROM tasks
		 WHERE contact_id = $1 AND project_id = $2 AND step_index = $3 AND status = $4 AND title LIKE $5
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
func (s *PostgresStore) SetTaskStatus(taskID string, status models.TaskStatus) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = $1 WHERE id = $2`, status, taskID)
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
func (s *PostgresStore) SetGlobalStage(prospectID, globalStepID string) error {
	_, err := s.db.Exec(
		`INSERT INTO global_stages (prospect_id, global_step_id, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (prospect_id) DO UPDATE SET global_step_id = EXCLUDED.global_step_id, updated_at = EXCLUDED.updated_at`,
		prospectID, globalStepID, time.Now())
	if err != nil {
		slog.Error("PostgresStore SetGlobalStage failed", "error", err, "prospectID", prospectID)
		return fmt.Errorf("failed to set global stage for %s: %w", prospectID, err)
	}
	return nil
}

// GetGlobalStage returns the prospect's current kanban stage, or empty.
func (s *PostgresStore) GetGlobalStage(prospectID string) (string, error) {
	var stage string
	err := s.db.QueryRow(`SELECT global_step_id FROM global_stages WHERE prospect_id = $1`, prospectID).Scan(&stage)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query global stage: %w", err)
	}
	return stage, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
