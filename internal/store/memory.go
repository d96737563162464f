// Package store provides storage backends for StagePipe.
//
// This file implements an in-memory store used for tests and single-process
// deployments without a database.
package store

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/FlowDesk/StagePipe/internal/models"
)

// InMemoryStore is a thread-safe in-memory implementation of Store.
type InMemoryStore struct {
	mu           sync.RWMutex
	collections  map[string]models.StepCollection
	panels       map[string]models.FormPanel
	procedures   map[string]models.SignatureProcedure
	messages     map[string][]models.ChatMessage
	history      map[string][]models.HistoryEvent
	sentMarkers  map[string]models.SentMarker
	tasks        map[string]models.Task
	globalStages map[string]string
	notifier     *stepNotifier
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		collections:  make(map[string]models.StepCollection),
		panels:       make(map[string]models.FormPanel),
		procedures:   make(map[string]models.SignatureProcedure),
		messages:     make(map[string][]models.ChatMessage),
		history:      make(map[string][]models.HistoryEvent),
		sentMarkers:  make(map[string]models.SentMarker),
		tasks:        make(map[string]models.Task),
		globalStages: make(map[string]string),
		notifier:     newStepNotifier(),
	}
}

func sentMarkerKey(promptID string, stepIndex int, actionID string) string {
	return fmt.Sprintf("%s|%d|%s", promptID, stepIndex, actionID)
}

// GetStepCollection returns the collection for a (prospect, project) pair,
// or nil when none exists.
func (s *InMemoryStore) GetStepCollection(prospectID, projectType string) (*models.StepCollection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[stepKey(prospectID, projectType)]
	if !ok {
		return nil, nil
	}
	out := cloneCollection(c)
	return &out, nil
}

// SaveStepCollection performs a compare-and-swap write keyed on Version and
// publishes the saved collection to subscribers.
func (s *InMemoryStore) SaveStepCollection(c models.StepCollection) error {
	if c.ProspectID == "" {
		return models.ErrEmptyProspectID
	}
	if c.ProjectType == "" {
		return models.ErrEmptyProjectType
	}

	s.mu.Lock()
	key := stepKey(c.ProspectID, c.ProjectType)
	existing, exists := s.collections[key]
	if exists && existing.Version != c.Version {
		s.mu.Unlock()
		slog.Warn("InMemoryStore SaveStepCollection version conflict", "prospectID", c.ProspectID, "projectType", c.ProjectType, "stored", existing.Version, "presented", c.Version)
		return models.ErrVersionConflict
	}
	if !exists && c.Version != 0 {
		s.mu.Unlock()
		return models.ErrVersionConflict
	}
	saved := cloneCollection(c)
	saved.Version = c.Version + 1
	saved.UpdatedAt = time.Now()
	s.collections[key] = saved
	s.mu.Unlock()

	s.notifier.publish(saved)
	slog.Debug("InMemoryStore SaveStepCollection succeeded", "prospectID", c.ProspectID, "projectType", c.ProjectType, "version", saved.Version)
	return nil
}

// SubscribeSteps registers a subscriber for step collection saves.
func (s *InMemoryStore) SubscribeSteps(prospectID, projectType string) (<-chan models.StepCollection, func()) {
	return s.notifier.subscribe(prospectID, projectType)
}

// ListStepCollections returns every stored collection.
func (s *InMemoryStore) ListStepCollections() ([]models.StepCollection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.StepCollection, 0, len(s.collections))
	for _, c := range s.collections {
		out = append(out, cloneCollection(c))
	}
	return out, nil
}

// SaveFormPanel inserts or updates a form panel.
func (s *InMemoryStore) SaveFormPanel(p models.FormPanel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panels[p.ID] = p
	return nil
}

// GetFormPanel returns a panel by id, or nil when absent.
func (s *InMemoryStore) GetFormPanel(id string) (*models.FormPanel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.panels[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// FindFormPanel locates the panel for a form within one step of a prospect's
// project, or nil when absent.
func (s *InMemoryStore) FindFormPanel(prospectID, projectType, formID string, stepIndex int) (*models.FormPanel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.panels {
		if p.ProspectID == prospectID && p.ProjectType == projectType && p.FormID == formID && p.StepIndex == stepIndex {
			out := p
			return &out, nil
		}
	}
	return nil, nil
}

// SaveSignatureProcedure inserts or updates a signature procedure.
func (s *InMemoryStore) SaveSignatureProcedure(p models.SignatureProcedure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := p
	stored.Signers = append([]models.Signer(nil), p.Signers...)
	s.procedures[p.ID] = stored
	return nil
}

// GetSignatureProcedure returns a procedure by id, or nil when absent.
func (s *InMemoryStore) GetSignatureProcedure(id string) (*models.SignatureProcedure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procedures[id]
	if !ok {
		return nil, nil
	}
	out := p
	out.Signers = append([]models.Signer(nil), p.Signers...)
	return &out, nil
}

// ListPendingProcedures returns every procedure still awaiting signatures.
func (s *InMemoryStore) ListPendingProcedures() ([]models.SignatureProcedure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SignatureProcedure
	for _, p := range s.procedures {
		if p.Status == models.ProcedureStatusPending {
			copied := p
			copied.Signers = append([]models.Signer(nil), p.Signers...)
			out = append(out, copied)
		}
	}
	return out, nil
}

// FindPendingProcedure returns the pending procedure for a (file, prospect)
// pair, or nil when none is active.
func (s *InMemoryStore) FindPendingProcedure(fileID, prospectID string) (*models.SignatureProcedure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.procedures {
		if p.FileID == fileID && p.ProspectID == prospectID && p.Status == models.ProcedureStatusPending {
			out := p
			out.Signers = append([]models.Signer(nil), p.Signers...)
			return &out, nil
		}
	}
	return nil, nil
}

// AddChatMessage appends a message to the ordered chat log.
func (s *InMemoryStore) AddChatMessage(m models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stepKey(m.ProspectID, m.ProjectType)
	s.messages[key] = append(s.messages[key], m)
	return nil
}

// GetChatMessages returns the chat log for a (prospect, project) pair in
// append order.
func (s *InMemoryStore) GetChatMessages(prospectID, projectType string) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := stepKey(prospectID, projectType)
	return append([]models.ChatMessage(nil), s.messages[key]...), nil
}

// AddHistoryEvent appends an audit event.
func (s *InMemoryStore) AddHistoryEvent(e models.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stepKey(e.ProspectID, e.ProjectType)
	s.history[key] = append(s.history[key], e)
	return nil
}

// HasHistoryEvent reports whether an event with the given type and title was
// already recorded for the pair.
func (s *InMemoryStore) HasHistoryEvent(prospectID, projectType, eventType, title string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.history[stepKey(prospectID, projectType)] {
		if e.EventType == eventType && e.Title == title {
			return true, nil
		}
	}
	return false, nil
}

// AddSentMarker records that an action was executed.
func (s *InMemoryStore) AddSentMarker(m models.SentMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentMarkers[sentMarkerKey(m.PromptID, m.StepIndex, m.ActionID)] = m
	return nil
}

// HasSentMarker reports whether an action execution was already recorded.
func (s *InMemoryStore) HasSentMarker(promptID string, stepIndex int, actionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sentMarkers[sentMarkerKey(promptID, stepIndex, actionID)]
	return ok, nil
}

// SaveTask inserts or updates a verification task.
func (s *InMemoryStore) SaveTask(t models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

// FindTask locates a task by contact, project, step, title substring, and
// status, or nil when absent.
func (s *InMemoryStore) FindTask(contactID, projectID string, stepIndex int, titlePattern string, status models.TaskStatus) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.ContactID == contactID && t.ProjectID == projectID && t.StepIndex == stepIndex &&
			t.Status == status && strings.Contains(t.Title, titlePattern) {
			out := t
			return &out, nil
		}
	}
	return nil, nil
}

// SetTaskStatus updates a task's status.
func (s *InMemoryStore) SetTaskStatus(taskID string, status models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return models.ErrTaskNotFound
	}
	t.Status = status
	s.tasks[taskID] = t
	return nil
}

// SetGlobalStage projects a prospect onto a cross-project kanban stage.
func (s *InMemoryStore) SetGlobalStage(prospectID, globalStepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalStages[prospectID] = globalStepID
	return nil
}

// GetGlobalStage returns the prospect's current kanban stage, or empty.
func (s *InMemoryStore) GetGlobalStage(prospectID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalStages[prospectID], nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func cloneCollection(c models.StepCollection) models.StepCollection {
	out := c
	out.Steps = append([]models.Step(nil), c.Steps...)
	return out
}
