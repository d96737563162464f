package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/FlowDesk/StagePipe/internal/models"
)

// formsHandler routes /forms/{id} and /forms/{id}/{verb}.
func (s *Server) formsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.formsHandler invoked", "method", r.Method, "path", r.URL.Path)

	path := strings.TrimPrefix(r.URL.Path, "/forms/")
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Missing form panel id"))
		return
	}
	panelID := segments[0]

	if len(segments) == 1 {
		// /forms/{id}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
			return
		}
		s.getFormPanelHandler(w, r, panelID)
		return
	}

	if len(segments) == 2 {
		// /forms/{id}/{verb}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
			return
		}
		switch segments[1] {
		case "submit":
			s.submitFormHandler(w, r, panelID)
		case "approve":
			s.approveFormHandler(w, r, panelID)
		case "reject":
			s.rejectFormHandler(w, r, panelID)
		default:
			writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown form endpoint"))
		}
		return
	}

	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown form endpoint"))
}

// getFormPanelHandler handles GET /forms/{id}.
func (s *Server) getFormPanelHandler(w http.ResponseWriter, r *http.Request, panelID string) {
	panel, err := s.st.GetFormPanel(panelID)
	if err != nil {
		slog.Error("Server.getFormPanelHandler: fetch failed", "error", err, "panelID", panelID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch form panel"))
		return
	}
	if panel == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Form panel not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(panel))
}

type submitFormRequest struct {
	FormData models.FormData `json:"form_data"`
}

// submitFormHandler handles POST /forms/{id}/submit. The submission runs the
// panel's transition to submitted and hands the panel to the auto-completion
// trigger through the tracker's submit listener.
func (s *Server) submitFormHandler(w http.ResponseWriter, r *http.Request, panelID string) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req submitFormRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.submitFormHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	panel, err := s.tracker.Submit(r.Context(), panelID, req.FormData)
	if err != nil {
		if errors.Is(err, models.ErrPanelTransition) {
			writeJSONResponse(w, http.StatusConflict, models.Error("Form panel cannot be submitted in its current status"))
			return
		}
		slog.Error("Server.submitFormHandler: submit failed", "error", err, "panelID", panelID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to submit form"))
		return
	}
	if panel == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Form panel not found"))
		return
	}
	slog.Info("Server.submitFormHandler: form submitted", "panelID", panelID, "formID", panel.FormID)
	writeJSONResponse(w, http.StatusOK, models.Success(panel))
}

// approveFormHandler handles POST /forms/{id}/approve.
func (s *Server) approveFormHandler(w http.ResponseWriter, r *http.Request, panelID string) {
	s.trigger.Approve(r.Context(), panelID)
	panel, err := s.st.GetFormPanel(panelID)
	if err != nil {
		slog.Error("Server.approveFormHandler: fetch failed", "error", err, "panelID", panelID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch form panel"))
		return
	}
	if panel == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Form panel not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(panel))
}

type rejectFormRequest struct {
	Reason string `json:"reason"`
}

// rejectFormHandler handles POST /forms/{id}/reject.
func (s *Server) rejectFormHandler(w http.ResponseWriter, r *http.Request, panelID string) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req rejectFormRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.rejectFormHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	s.trigger.Reject(r.Context(), panelID, req.Reason)
	panel, err := s.st.GetFormPanel(panelID)
	if err != nil {
		slog.Error("Server.rejectFormHandler: fetch failed", "error", err, "panelID", panelID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch form panel"))
		return
	}
	if panel == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Form panel not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(panel))
}

// proceduresHandler handles GET /procedures/{id}.
func (s *Server) proceduresHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.proceduresHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	procedureID := strings.TrimPrefix(r.URL.Path, "/procedures/")
	if procedureID == "" || strings.Contains(procedureID, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown procedure endpoint"))
		return
	}
	procedure, err := s.st.GetSignatureProcedure(procedureID)
	if err != nil {
		slog.Error("Server.proceduresHandler: fetch failed", "error", err, "procedureID", procedureID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch procedure"))
		return
	}
	if procedure == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Procedure not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(procedure))
}

// upsertConfigHandler handles POST /configs: registers or replaces a step
// configuration.
func (s *Server) upsertConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.upsertConfigHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var cfg models.StepConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		slog.Warn("Server.upsertConfigHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.registry.UpsertStepConfig(cfg); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Info("Server.upsertConfigHandler: step config stored", "promptID", cfg.PromptID, "actions", len(cfg.Actions))
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Step configuration stored", nil))
}

// upsertProspectHandler handles POST /prospects: registers or replaces a
// prospect directory entry.
func (s *Server) upsertProspectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.upsertProspectHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var p models.Prospect
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		slog.Warn("Server.upsertProspectHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := s.registry.UpsertProspect(p); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Info("Server.upsertProspectHandler: prospect stored", "prospectID", p.ID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Prospect stored", nil))
}
