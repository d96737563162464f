package docgen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewServiceRequiresBaseURL(t *testing.T) {
	if _, err := NewService(); err == nil {
		t.Error("expected an error without a base URL")
	}
}

func TestGenerateDocument(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/generate" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		json.NewEncoder(w).Encode(generateResponse{FileID: "file-42"})
	}))
	defer srv.Close()

	svc, err := NewService(WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fileID, err := svc.GenerateDocument(context.Background(), "p1", "residential", "contract-v2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fileID != "file-42" {
		t.Errorf("fileID = %q, want file-42", fileID)
	}
	if got.ProspectID != "p1" || got.ProjectType != "residential" || got.TemplateID != "contract-v2" {
		t.Errorf("unexpected request payload: %+v", got)
	}
}

func TestGenerateDocumentServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "template not found", http.StatusNotFound)
	}))
	defer srv.Close()

	svc, err := NewService(WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.GenerateDocument(context.Background(), "p1", "residential", "missing"); err == nil {
		t.Error("expected an error for a non-200 response")
	}
}

func TestGenerateDocumentEmptyFileID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{})
	}))
	defer srv.Close()

	svc, err := NewService(WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.GenerateDocument(context.Background(), "p1", "residential", "contract-v2"); err == nil {
		t.Error("expected an error for an empty file id")
	}
}

func TestDisabledGeneratorFails(t *testing.T) {
	if _, err := (Disabled{}).GenerateDocument(context.Background(), "p1", "residential", "contract-v2"); err == nil {
		t.Error("expected the disabled generator to fail")
	}
}
