// Package config holds the engine's step configuration registry.
//
// Step configurations (the ordered actions per pipeline step) and the
// prospect directory are owned by the CRM; the engine only reads them. The
// registry keeps an in-memory copy, seeded from a JSON file at boot and
// updatable over the API.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/FlowDesk/StagePipe/internal/models"
)

// Registry serves step configuration and prospect lookups.
type Registry struct {
	mu        sync.RWMutex
	steps     map[string]models.StepConfig
	prospects map[string]models.Prospect
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		steps:     make(map[string]models.StepConfig),
		prospects: make(map[string]models.Prospect),
	}
}

// registryFile is the on-disk seed format.
type registryFile struct {
	StepConfigs []models.StepConfig `json:"step_configs"`
	Prospects   []models.Prospect   `json:"prospects"`
}

// LoadFile seeds the registry from a JSON file. Existing entries with the
// same keys are replaced.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cfg := range file.StepConfigs {
		r.steps[cfg.PromptID] = cfg
	}
	for _, p := range file.Prospects {
		r.prospects[p.ID] = p
	}
	slog.Info("Registry.LoadFile configuration loaded", "path", path, "stepConfigs", len(file.StepConfigs), "prospects", len(file.Prospects))
	return nil
}

// GetStepConfig returns the configuration for a prompt id, or nil when none
// is registered.
func (r *Registry) GetStepConfig(ctx context.Context, promptID string) (*models.StepConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.steps[promptID]
	if !ok {
		return nil, nil
	}
	out := cfg
	out.Actions = append([]models.Action(nil), cfg.Actions...)
	return &out, nil
}

// UpsertStepConfig validates and stores a step configuration.
func (r *Registry) UpsertStepConfig(cfg models.StepConfig) error {
	if cfg.PromptID == "" {
		return fmt.Errorf("step config is missing prompt id")
	}
	for i := range cfg.Actions {
		if err := cfg.Actions[i].Validate(); err != nil {
			return fmt.Errorf("action %s is invalid: %w", cfg.Actions[i].ID, err)
		}
	}
	r.mu.Lock()
	r.steps[cfg.PromptID] = cfg
	r.mu.Unlock()
	slog.Debug("Registry.UpsertStepConfig stored", "promptID", cfg.PromptID, "actions", len(cfg.Actions))
	return nil
}

// GetProspect returns a prospect by id, or nil when unknown.
func (r *Registry) GetProspect(ctx context.Context, prospectID string) (*models.Prospect, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prospects[prospectID]
	if !ok {
		return nil, nil
	}
	out := p
	return &out, nil
}

// UpsertProspect stores a prospect directory entry.
func (r *Registry) UpsertProspect(p models.Prospect) error {
	if p.ID == "" {
		return models.ErrEmptyProspectID
	}
	r.mu.Lock()
	r.prospects[p.ID] = p
	r.mu.Unlock()
	return nil
}
