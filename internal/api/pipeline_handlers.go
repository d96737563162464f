package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/FlowDesk/StagePipe/internal/models"
)

type initPipelineRequest struct {
	ProspectID  string        `json:"prospect_id"`
	ProjectType string        `json:"project_type"`
	Steps       []models.Step `json:"steps"`
}

// initPipelineHandler handles POST /pipeline/init.
func (s *Server) initPipelineHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.initPipelineHandler: processing init request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.initPipelineHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req initPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.initPipelineHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ProspectID == "" || req.ProjectType == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: prospect_id, project_type"))
		return
	}
	if len(req.Steps) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: steps"))
		return
	}

	collection, err := s.machine.Initialize(r.Context(), req.ProspectID, req.ProjectType, req.Steps)
	if err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			slog.Warn("Server.initPipelineHandler: pipeline already initialized", "prospectID", req.ProspectID, "projectType", req.ProjectType)
			writeJSONResponse(w, http.StatusConflict, models.Error("Pipeline already initialized"))
			return
		}
		slog.Error("Server.initPipelineHandler: initialization failed", "error", err, "prospectID", req.ProspectID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to initialize pipeline"))
		return
	}
	slog.Info("Server.initPipelineHandler: pipeline initialized", "prospectID", req.ProspectID, "projectType", req.ProjectType, "steps", len(collection.Steps))
	writeJSONResponse(w, http.StatusCreated, models.Success(collection))
}

type replaceStepsRequest struct {
	ProspectID  string        `json:"prospect_id"`
	ProjectType string        `json:"project_type"`
	Steps       []models.Step `json:"steps"`
	Version     int64         `json:"version"`
}

// stepsHandler handles GET and PUT on /pipeline/steps.
func (s *Server) stepsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getStepsHandler(w, r)
	case http.MethodPut:
		s.replaceStepsHandler(w, r)
	default:
		w.Header().Set("Allow", "GET, PUT")
		slog.Warn("Server.stepsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// getStepsHandler handles GET /pipeline/steps?prospect_id=&project_type=.
func (s *Server) getStepsHandler(w http.ResponseWriter, r *http.Request) {
	prospectID := r.URL.Query().Get("prospect_id")
	projectType := r.URL.Query().Get("project_type")
	if prospectID == "" || projectType == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameters: prospect_id, project_type"))
		return
	}
	collection, err := s.st.GetStepCollection(prospectID, projectType)
	if err != nil {
		slog.Error("Server.getStepsHandler: fetch failed", "error", err, "prospectID", prospectID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch steps"))
		return
	}
	if collection == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Pipeline not found"))
		return
	}
	slog.Debug("Server.getStepsHandler: steps fetched", "prospectID", prospectID, "count", len(collection.Steps))
	writeJSONResponse(w, http.StatusOK, models.Success(collection))
}

// replaceStepsHandler handles PUT /pipeline/steps with compare-and-swap on
// the collection version. A stale version yields 409.
func (s *Server) replaceStepsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req replaceStepsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.replaceStepsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ProspectID == "" || req.ProjectType == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: prospect_id, project_type"))
		return
	}
	for _, step := range req.Steps {
		if !models.IsValidStepStatus(step.Status) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid step status: "+string(step.Status)))
			return
		}
	}

	err := s.st.SaveStepCollection(models.StepCollection{
		ProspectID:  req.ProspectID,
		ProjectType: req.ProjectType,
		Steps:       req.Steps,
		Version:     req.Version,
	})
	if err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			slog.Warn("Server.replaceStepsHandler: version conflict", "prospectID", req.ProspectID, "version", req.Version)
			writeJSONResponse(w, http.StatusConflict, models.Error("Step collection was modified concurrently, re-read and retry"))
			return
		}
		slog.Error("Server.replaceStepsHandler: save failed", "error", err, "prospectID", req.ProspectID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save steps"))
		return
	}
	collection, err := s.st.GetStepCollection(req.ProspectID, req.ProjectType)
	if err != nil {
		slog.Error("Server.replaceStepsHandler: re-read failed", "error", err, "prospectID", req.ProspectID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch saved steps"))
		return
	}
	slog.Info("Server.replaceStepsHandler: steps replaced", "prospectID", req.ProspectID, "version", collection.Version)
	writeJSONResponse(w, http.StatusOK, models.Success(collection))
}

type advanceRequest struct {
	ProspectID  string `json:"prospect_id"`
	ProjectType string `json:"project_type"`
	StepIndex   int    `json:"step_index"`
}

// advanceHandler handles POST /pipeline/advance: completes the given step
// and activates the next one.
func (s *Server) advanceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.advanceHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.advanceHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ProspectID == "" || req.ProjectType == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: prospect_id, project_type"))
		return
	}

	if err := s.machine.CompleteAndProceed(r.Context(), req.ProspectID, req.ProjectType, req.StepIndex); err != nil {
		switch {
		case errors.Is(err, models.ErrStepIndexOutOfRange):
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Step index out of range"))
		case errors.Is(err, models.ErrVersionConflict):
			writeJSONResponse(w, http.StatusConflict, models.Error("Step collection was modified concurrently, retry"))
		default:
			slog.Error("Server.advanceHandler: advance failed", "error", err, "prospectID", req.ProspectID, "stepIndex", req.StepIndex)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to advance step"))
		}
		return
	}
	collection, err := s.st.GetStepCollection(req.ProspectID, req.ProjectType)
	if err != nil {
		slog.Error("Server.advanceHandler: re-read failed", "error", err, "prospectID", req.ProspectID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch steps"))
		return
	}
	slog.Info("Server.advanceHandler: step advanced", "prospectID", req.ProspectID, "stepIndex", req.StepIndex)
	writeJSONResponse(w, http.StatusOK, models.Success(collection))
}

type setStatusRequest struct {
	ProspectID  string            `json:"prospect_id"`
	ProjectType string            `json:"project_type"`
	StepIndex   int               `json:"step_index"`
	Status      models.StepStatus `json:"status"`
}

// setStatusHandler handles POST /pipeline/status: a manual operator override
// of one step's status, without cascading.
func (s *Server) setStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.setStatusHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.setStatusHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !models.IsValidStepStatus(req.Status) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid step status: "+string(req.Status)))
		return
	}

	if err := s.machine.SetStatus(r.Context(), req.ProspectID, req.ProjectType, req.StepIndex, req.Status); err != nil {
		switch {
		case errors.Is(err, models.ErrStepIndexOutOfRange):
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Step index out of range"))
		case errors.Is(err, models.ErrVersionConflict):
			writeJSONResponse(w, http.StatusConflict, models.Error("Step collection was modified concurrently, retry"))
		default:
			slog.Error("Server.setStatusHandler: update failed", "error", err, "prospectID", req.ProspectID, "stepIndex", req.StepIndex)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update step status"))
		}
		return
	}
	slog.Info("Server.setStatusHandler: status updated", "prospectID", req.ProspectID, "stepIndex", req.StepIndex, "status", req.Status)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Step status updated", nil))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
	})
}
