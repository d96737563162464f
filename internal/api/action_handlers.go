package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/FlowDesk/StagePipe/internal/sequencer"
)

type executeActionRequest struct {
	ProspectID     string          `json:"prospect_id"`
	ProjectType    string          `json:"project_type"`
	OrganizationID string          `json:"organization_id,omitempty"`
	PromptID       string          `json:"prompt_id"`
	ActionID       string          `json:"action_id,omitempty"`
	FormData       models.FormData `json:"form_data,omitempty"`
}

// executeActionHandler handles POST /actions/execute: runs the next unsent
// action of the prompt's configuration, or the named action when action_id
// is set.
func (s *Server) executeActionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.executeActionHandler: processing execute request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.executeActionHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req executeActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.executeActionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ProspectID == "" || req.ProjectType == "" || req.PromptID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: prospect_id, project_type, prompt_id"))
		return
	}

	cfg, err := s.registry.GetStepConfig(r.Context(), req.PromptID)
	if err != nil {
		slog.Error("Server.executeActionHandler: config lookup failed", "error", err, "promptID", req.PromptID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load step configuration"))
		return
	}
	if cfg == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No configuration for prompt "+req.PromptID))
		return
	}

	result, err := s.sequencer.ExecuteNext(r.Context(), sequencer.Request{
		ProspectID:       req.ProspectID,
		ProjectType:      req.ProjectType,
		OrganizationID:   req.OrganizationID,
		Config:           *cfg,
		FormData:         req.FormData,
		SpecificActionID: req.ActionID,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrActionNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Action not found: "+req.ActionID))
		case errors.Is(err, models.ErrMissingOrganization):
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: organization_id"))
		case errors.Is(err, models.ErrInvalidActionType),
			errors.Is(err, models.ErrMissingFormID),
			errors.Is(err, models.ErrMissingTemplateID),
			errors.Is(err, models.ErrEmptyActionID):
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		default:
			slog.Error("Server.executeActionHandler: execution failed", "error", err, "promptID", req.PromptID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to execute action"))
		}
		return
	}
	if !result.Executed {
		slog.Debug("Server.executeActionHandler: nothing to execute", "promptID", req.PromptID)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("All actions already executed", result))
		return
	}
	slog.Info("Server.executeActionHandler: action executed", "promptID", req.PromptID, "actionID", result.Action.ID, "type", result.Action.Type)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

type checklistRequest struct {
	ProspectID     string   `json:"prospect_id"`
	ProjectType    string   `json:"project_type"`
	PromptID       string   `json:"prompt_id"`
	StepIndex      int      `json:"step_index"`
	ActionID       string   `json:"action_id"`
	CheckedItemIDs []string `json:"checked_item_ids"`
}

// checklistHandler handles POST /checklist: reports operator checklist state
// for an action and lets the trigger auto-complete the step when every
// configured item is checked.
func (s *Server) checklistHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.checklistHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req checklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.checklistHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ProspectID == "" || req.ProjectType == "" || req.PromptID == "" || req.ActionID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: prospect_id, project_type, prompt_id, action_id"))
		return
	}

	s.trigger.HandleChecklist(r.Context(), req.ProspectID, req.ProjectType, req.PromptID, req.StepIndex, req.ActionID, req.CheckedItemIDs)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Checklist state recorded", nil))
}
