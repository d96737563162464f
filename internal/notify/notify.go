// Package notify delivers signer invite notifications for signature
// procedures.
//
// Dispatch is fire-and-forget from the engine's perspective: failures are
// logged by callers and never unwind the owning procedure.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/FlowDesk/StagePipe/internal/models"
)

// Dispatcher defines a pluggable invite delivery abstraction.
type Dispatcher interface {
	// DispatchInvites sends a signing invite to every cosigner of the
	// procedure and returns the number of invites sent. Partial delivery is
	// reported through the count, not an error.
	DispatchInvites(ctx context.Context, procedure models.SignatureProcedure) (int, error)
}

// NoopDispatcher drops invites. It stands in when no delivery channel is
// configured; signers then only receive links through the chat log.
type NoopDispatcher struct{}

// DispatchInvites drops the invites and reports zero sent.
func (NoopDispatcher) DispatchInvites(ctx context.Context, procedure models.SignatureProcedure) (int, error) {
	slog.Debug("NoopDispatcher.DispatchInvites no delivery channel configured", "procedureID", procedure.ID)
	return 0, nil
}

// MockDispatcher records dispatched procedures for tests.
type MockDispatcher struct {
	mu         sync.Mutex
	Dispatched []string // procedure ids in dispatch order
	Err        error    // returned from DispatchInvites when set
}

// NewMockDispatcher creates an empty mock dispatcher.
func NewMockDispatcher() *MockDispatcher {
	return &MockDispatcher{}
}

// DispatchInvites records the procedure id and counts its cosigners.
func (d *MockDispatcher) DispatchInvites(ctx context.Context, procedure models.SignatureProcedure) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return 0, d.Err
	}
	d.Dispatched = append(d.Dispatched, procedure.ID)
	sent := 0
	for _, s := range procedure.Signers {
		if s.Role == models.SignerRoleCosigner {
			sent++
		}
	}
	return sent, nil
}

// DispatchCount returns how many procedures were dispatched.
func (d *MockDispatcher) DispatchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Dispatched)
}
