// Package docgen is the client for the external document generation service.
//
// Contract rendering happens outside the engine; this client only requests a
// render for a template and returns the resulting file reference.
package docgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultRequestTimeout bounds one generation request.
const DefaultRequestTimeout = 30 * time.Second

// Opts holds configuration options for the document service client.
type Opts struct {
	BaseURL string
	Timeout time.Duration
}

// Option defines a configuration option for the document service client.
type Option func(*Opts)

// WithBaseURL sets the document service base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Service generates documents through the document service HTTP API.
type Service struct {
	baseURL string
	client  *http.Client
}

// NewService creates a document service client. BaseURL is required.
func NewService(opts ...Option) (*Service, error) {
	cfg := Opts{Timeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("document service base URL not set")
	}
	return &Service{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type generateRequest struct {
	ProspectID  string `json:"prospect_id"`
	ProjectType string `json:"project_type"`
	TemplateID  string `json:"template_id"`
}

type generateResponse struct {
	FileID string `json:"file_id"`
}

// GenerateDocument asks the document service to render templateID for a
// prospect and returns the file reference.
func (s *Service) GenerateDocument(ctx context.Context, prospectID, projectType, templateID string) (string, error) {
	body, err := json.Marshal(generateRequest{
		ProspectID:  prospectID,
		ProjectType: projectType,
		TemplateID:  templateID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("document generation request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("document service returned status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode generation response: %w", err)
	}
	if out.FileID == "" {
		return "", fmt.Errorf("document service returned empty file id")
	}
	return out.FileID, nil
}

// Disabled is the generator used when no document service is configured.
// Every generation attempt fails, which blocks start_signature actions
// without affecting the rest of the engine.
type Disabled struct{}

// GenerateDocument always fails.
func (Disabled) GenerateDocument(ctx context.Context, prospectID, projectType, templateID string) (string, error) {
	return "", fmt.Errorf("document service not configured")
}

// MockGenerator is a test double recording generation requests.
type MockGenerator struct {
	FileID    string
	Err       error
	Templates []string
}

// GenerateDocument returns the configured file id or error.
func (m *MockGenerator) GenerateDocument(ctx context.Context, prospectID, projectType, templateID string) (string, error) {
	m.Templates = append(m.Templates, templateID)
	if m.Err != nil {
		return "", m.Err
	}
	if m.FileID != "" {
		return m.FileID, nil
	}
	return "file_" + templateID, nil
}
