// Package notify delivers signer invite notifications.
//
// This file implements invite delivery over WhatsApp.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/FlowDesk/StagePipe/internal/whatsapp"
)

// WhatsAppDispatcher sends cosigner invites as WhatsApp messages.
type WhatsAppDispatcher struct {
	sender      whatsapp.Sender
	signBaseURL string
}

// NewWhatsAppDispatcher creates a WhatsApp-backed dispatcher.
func NewWhatsAppDispatcher(sender whatsapp.Sender, signBaseURL string) *WhatsAppDispatcher {
	return &WhatsAppDispatcher{sender: sender, signBaseURL: signBaseURL}
}

// DispatchInvites sends one WhatsApp message per cosigner that has a phone
// number. Cosigners without a phone are skipped.
func (d *WhatsAppDispatcher) DispatchInvites(ctx context.Context, procedure models.SignatureProcedure) (int, error) {
	sent := 0
	for _, signer := range procedure.Signers {
		if signer.Role != models.SignerRoleCosigner {
			continue
		}
		if signer.Phone == "" {
			slog.Debug("WhatsAppDispatcher skipping cosigner without phone", "procedureID", procedure.ID, "email", signer.Email)
			continue
		}
		link := SigningLink(d.signBaseURL, procedure.ID, signer.AccessToken)
		body := fmt.Sprintf("Hello %s, a document is waiting for your signature: %s", signer.Name, link)
		if err := d.sender.SendMessage(ctx, signer.Phone, body); err != nil {
			slog.Warn("WhatsAppDispatcher invite send failed", "error", err, "procedureID", procedure.ID, "to", signer.Phone)
			continue
		}
		sent++
	}
	slog.Debug("WhatsAppDispatcher invites dispatched", "procedureID", procedure.ID, "sent", sent)
	return sent, nil
}
