// Package signature builds and dispatches multi-signer signing procedures
// from generated documents.
//
// A procedure has one principal signer (the prospect) plus any cosigners
// extracted from submitted form data. Each signer receives its own access
// token; the external signing endpoint enforces the token TTL.
package signature

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/FlowDesk/StagePipe/internal/fields"
	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/FlowDesk/StagePipe/internal/notify"
	"github.com/FlowDesk/StagePipe/internal/store"
	"github.com/FlowDesk/StagePipe/internal/util"
	"github.com/google/uuid"
)

// DefaultTokenTTL is how long signer access tokens stay valid.
const DefaultTokenTTL = 7 * 24 * time.Hour

// EngineSender identifies engine-generated chat entries.
const EngineSender = "stagepipe"

// SignerDetails carries the identity of one signer before roster assembly.
type SignerDetails struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// Orchestrator creates signature procedures and dispatches signer invites.
type Orchestrator struct {
	store       store.Store
	dispatcher  notify.Dispatcher
	signBaseURL string
	tokenTTL    time.Duration
	now         func() time.Time
}

// NewOrchestrator creates an orchestrator over the given store and invite
// dispatcher.
func NewOrchestrator(st store.Store, dispatcher notify.Dispatcher, signBaseURL string) *Orchestrator {
	return &Orchestrator{
		store:       st,
		dispatcher:  dispatcher,
		signBaseURL: signBaseURL,
		tokenTTL:    DefaultTokenTTL,
		now:         time.Now,
	}
}

// WithClock overrides the orchestrator's time source (tests).
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Create builds and persists a signature procedure for the given document.
//
// Idempotency: if a pending procedure already exists for (fileID, prospectID)
// it is returned unchanged. Invite dispatch is best-effort; a dispatch failure
// is logged and does not roll the procedure back. The chat message carrying
// the principal's signing link is guarded by an existence check on the
// procedure id.
func (o *Orchestrator) Create(ctx context.Context, fileID, prospectID, projectType string, principal SignerDetails, cosigners []SignerDetails, organizationID string) (*models.SignatureProcedure, error) {
	if organizationID == "" {
		return nil, models.ErrMissingOrganization
	}
	if fileID == "" {
		return nil, models.ErrEmptyFileID
	}
	if principal.Name == "" || principal.Email == "" {
		return nil, models.ErrEmptyPrincipal
	}

	existing, err := o.store.FindPendingProcedure(fileID, prospectID)
	if err != nil {
		return nil, fmt.Errorf("failed to check for pending procedure: %w", err)
	}
	if existing != nil {
		slog.Debug("Orchestrator.Create returning existing pending procedure", "procedureID", existing.ID, "fileID", fileID, "prospectID", prospectID)
		return existing, nil
	}

	now := o.now()
	expiresAt := now.Add(o.tokenTTL)

	signers := make([]models.Signer, 0, 1+len(cosigners))
	principalToken := uuid.NewString()
	signers = append(signers, models.Signer{
		Role:         models.SignerRolePrincipal,
		Name:         principal.Name,
		Email:        principal.Email,
		Phone:        principal.Phone,
		AccessToken:  principalToken,
		RequiresAuth: true,
		Status:       models.SignerStatusPending,
	})
	for _, c := range cosigners {
		signers = append(signers, models.Signer{
			Role:        models.SignerRoleCosigner,
			Name:        c.Name,
			Email:       c.Email,
			Phone:       c.Phone,
			AccessToken: uuid.NewString(),
			Status:      models.SignerStatusPending,
		})
	}

	procedure := models.SignatureProcedure{
		ID:                   uuid.NewString(),
		ProspectID:           prospectID,
		ProjectType:          projectType,
		FileID:               fileID,
		AccessToken:          principalToken,
		AccessTokenExpiresAt: expiresAt,
		Status:               models.ProcedureStatusPending,
		Signers:              signers,
		OrganizationID:       organizationID,
		CreatedAt:            now,
	}
	if err := o.store.SaveSignatureProcedure(procedure); err != nil {
		return nil, fmt.Errorf("failed to save signature procedure: %w", err)
	}
	slog.Info("Orchestrator.Create procedure created", "procedureID", procedure.ID, "fileID", fileID, "prospectID", prospectID, "signers", len(signers))

	// Best-effort invite dispatch. Failures never unwind the procedure.
	if sent, err := o.dispatcher.DispatchInvites(ctx, procedure); err != nil {
		slog.Warn("Orchestrator.Create invite dispatch failed", "error", err, "procedureID", procedure.ID)
	} else {
		slog.Debug("Orchestrator.Create invites dispatched", "procedureID", procedure.ID, "sent", sent)
	}

	if err := o.postSigningLinkMessage(procedure); err != nil {
		slog.Warn("Orchestrator.Create failed to post signing link message", "error", err, "procedureID", procedure.ID)
	}

	return &procedure, nil
}

// postSigningLinkMessage appends the principal's signing link to the chat,
// skipping the insert when a message already references this procedure.
func (o *Orchestrator) postSigningLinkMessage(procedure models.SignatureProcedure) error {
	existing, err := o.store.GetChatMessages(procedure.ProspectID, procedure.ProjectType)
	if err != nil {
		return fmt.Errorf("failed to read chat log: %w", err)
	}
	for _, m := range existing {
		if m.ProcedureID == procedure.ID {
			slog.Debug("Orchestrator signing link message already present", "procedureID", procedure.ID)
			return nil
		}
	}
	link := notify.SigningLink(o.signBaseURL, procedure.ID, procedure.AccessToken)
	return o.store.AddChatMessage(models.ChatMessage{
		ID:          util.GenerateMessageID(),
		ProspectID:  procedure.ProspectID,
		ProjectType: procedure.ProjectType,
		Sender:      EngineSender,
		Text:        fmt.Sprintf("Your document is ready to sign: %s", link),
		FileRef:     procedure.FileID,
		ProcedureID: procedure.ID,
		Timestamp:   o.now(),
	})
}

// ExpireOverdue cancels pending procedures whose access tokens have passed
// their expiry. It returns the number of procedures canceled. Run
// periodically; each sweep is independent and a partial failure only skips
// the affected procedure.
func (o *Orchestrator) ExpireOverdue(ctx context.Context) (int, error) {
	pending, err := o.store.ListPendingProcedures()
	if err != nil {
		return 0, fmt.Errorf("failed to list pending procedures: %w", err)
	}

	now := o.now()
	expired := 0
	for _, p := range pending {
		if p.AccessTokenExpiresAt.IsZero() || p.AccessTokenExpiresAt.After(now) {
			continue
		}
		p.Status = models.ProcedureStatusCanceled
		if err := o.store.SaveSignatureProcedure(p); err != nil {
			slog.Warn("Orchestrator.ExpireOverdue failed to cancel procedure", "error", err, "procedureID", p.ID)
			continue
		}
		if err := o.store.AddHistoryEvent(models.HistoryEvent{
			ID:          uuid.NewString(),
			ProspectID:  p.ProspectID,
			ProjectType: p.ProjectType,
			EventType:   "signature_expired",
			Title:       fmt.Sprintf("Signature procedure %s expired", p.ID),
			CreatedBy:   EngineSender,
			CreatedAt:   now,
		}); err != nil {
			slog.Warn("Orchestrator.ExpireOverdue failed to record history event", "error", err, "procedureID", p.ID)
		}
		slog.Info("Orchestrator.ExpireOverdue procedure canceled", "procedureID", p.ID, "prospectID", p.ProspectID, "expiredAt", p.AccessTokenExpiresAt)
		expired++
	}
	return expired, nil
}

// ExtractCosigners reads cosigner rows from submitted form data using the
// repeater field convention. A row is included only when both name and email
// are non-empty; phone is optional and incomplete rows are silently dropped.
func ExtractCosigners(formData models.FormData, projectType string, config models.CosignersConfig) []SignerDetails {
	values := formData.Values(projectType, config.FormID)
	count := fields.RepeatCount(models.FormField{ID: config.CountField}, values)

	cosigners := make([]SignerDetails, 0, count)
	for i := 0; i < count; i++ {
		name := values[fields.RepeaterKey(config.CountField, i, config.NameField)]
		email := values[fields.RepeaterKey(config.CountField, i, config.EmailField)]
		phone := values[fields.RepeaterKey(config.CountField, i, config.PhoneField)]
		if name == "" || email == "" {
			slog.Debug("ExtractCosigners dropping incomplete row", "index", i, "name_set", name != "", "email_set", email != "")
			continue
		}
		cosigners = append(cosigners, SignerDetails{Name: name, Email: email, Phone: phone})
	}
	return cosigners
}
