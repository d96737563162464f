// Package testutil provides common test utilities and helpers for StagePipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/FlowDesk/StagePipe/internal/api"
	"github.com/FlowDesk/StagePipe/internal/config"
	"github.com/FlowDesk/StagePipe/internal/docgen"
	"github.com/FlowDesk/StagePipe/internal/forms"
	"github.com/FlowDesk/StagePipe/internal/notify"
	"github.com/FlowDesk/StagePipe/internal/pipeline"
	"github.com/FlowDesk/StagePipe/internal/sequencer"
	"github.com/FlowDesk/StagePipe/internal/signature"
	"github.com/FlowDesk/StagePipe/internal/store"
)

// Env bundles a fully wired engine over in-memory dependencies. Fields are
// exported so tests can reach into individual modules.
type Env struct {
	Store        *store.InMemoryStore
	Registry     *config.Registry
	Machine      *pipeline.StateMachine
	Tracker      *forms.Tracker
	Orchestrator *signature.Orchestrator
	Sequencer    *sequencer.Sequencer
	Trigger      *pipeline.AutoCompletionTrigger
	Dispatcher   *notify.MockDispatcher
	Documents    *docgen.MockGenerator
	Server       *api.Server
}

// NewEnv creates a test environment with in-memory dependencies.
// This centralizes the wiring logic used across multiple test files.
func NewEnv() *Env {
	st := store.NewInMemoryStore()
	registry := config.NewRegistry()
	dispatcher := notify.NewMockDispatcher()
	documents := &docgen.MockGenerator{}

	machine := pipeline.NewStateMachine(st)
	tracker := forms.NewTracker(st)
	orchestrator := signature.NewOrchestrator(st, dispatcher, "https://sign.example.com")
	seq := sequencer.NewSequencer(st, tracker, orchestrator, registry, documents)
	trigger := pipeline.NewAutoCompletionTrigger(machine, tracker, st, registry, nil)
	tracker.OnSubmit(trigger.HandleSubmission)

	return &Env{
		Store:        st,
		Registry:     registry,
		Machine:      machine,
		Tracker:      tracker,
		Orchestrator: orchestrator,
		Sequencer:    seq,
		Trigger:      trigger,
		Dispatcher:   dispatcher,
		Documents:    documents,
		Server:       api.NewServer(st, machine, tracker, seq, trigger, registry, ""),
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}
