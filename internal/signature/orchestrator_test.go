package signature

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/FlowDesk/StagePipe/internal/notify"
	"github.com/FlowDesk/StagePipe/internal/store"
)

func newOrchestrator() (*Orchestrator, *store.InMemoryStore, *notify.MockDispatcher) {
	st := store.NewInMemoryStore()
	dispatcher := notify.NewMockDispatcher()
	o := NewOrchestrator(st, dispatcher, "https://sign.example.com")
	return o, st, dispatcher
}

func principal() SignerDetails {
	return SignerDetails{Name: "Ada Lovelace", Email: "ada@example.com", Phone: "+15550001"}
}

func TestCreateProcedure(t *testing.T) {
	o, st, dispatcher := newOrchestrator()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	o.WithClock(func() time.Time { return now })

	cosigners := []SignerDetails{{Name: "Grace Hopper", Email: "grace@example.com", Phone: "+15550002"}}
	proc, err := o.Create(context.Background(), "file-1", "p1", "residential", principal(), cosigners, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if proc.Status != models.ProcedureStatusPending {
		t.Errorf("status = %s, want pending", proc.Status)
	}
	if len(proc.Signers) != 2 {
		t.Fatalf("signers = %d, want 2", len(proc.Signers))
	}
	p := proc.Signers[0]
	if p.Role != models.SignerRolePrincipal || !p.RequiresAuth || p.AccessToken == "" {
		t.Errorf("unexpected principal: %+v", p)
	}
	if proc.AccessToken != p.AccessToken {
		t.Error("procedure access token must be the principal's token")
	}
	c := proc.Signers[1]
	if c.Role != models.SignerRoleCosigner || c.RequiresAuth || c.AccessToken == "" {
		t.Errorf("unexpected cosigner: %+v", c)
	}
	if c.AccessToken == p.AccessToken {
		t.Error("each signer must carry its own token")
	}
	if got := proc.AccessTokenExpiresAt; !got.Equal(now.Add(DefaultTokenTTL)) {
		t.Errorf("token expiry = %v, want 7 days out", got)
	}

	if dispatcher.DispatchCount() != 1 {
		t.Errorf("dispatch count = %d, want 1", dispatcher.DispatchCount())
	}

	// the signing link lands in the chat exactly once
	msgs, _ := st.GetChatMessages("p1", "residential")
	if len(msgs) != 1 || msgs[0].ProcedureID != proc.ID {
		t.Fatalf("unexpected chat log: %+v", msgs)
	}
	if !strings.Contains(msgs[0].Text, proc.ID) || !strings.Contains(msgs[0].Text, proc.AccessToken) {
		t.Errorf("signing link message missing procedure reference: %q", msgs[0].Text)
	}
}

func TestCreateProcedureIdempotent(t *testing.T) {
	o, st, dispatcher := newOrchestrator()

	first, err := o.Create(context.Background(), "file-1", "p1", "residential", principal(), nil, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := o.Create(context.Background(), "file-1", "p1", "residential", principal(), nil, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected the pending procedure to be reused, got %s and %s", first.ID, second.ID)
	}
	if dispatcher.DispatchCount() != 1 {
		t.Errorf("dispatch count = %d, want 1", dispatcher.DispatchCount())
	}
	msgs, _ := st.GetChatMessages("p1", "residential")
	if len(msgs) != 1 {
		t.Errorf("signing link posted %d times, want 1", len(msgs))
	}

	// a different file starts a separate procedure
	third, err := o.Create(context.Background(), "file-2", "p1", "residential", principal(), nil, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.ID == first.ID {
		t.Error("distinct files must not share a procedure")
	}
}

func TestCreateProcedureValidation(t *testing.T) {
	o, _, _ := newOrchestrator()
	ctx := context.Background()

	if _, err := o.Create(ctx, "file-1", "p1", "residential", principal(), nil, ""); !errors.Is(err, models.ErrMissingOrganization) {
		t.Errorf("missing organization = %v, want ErrMissingOrganization", err)
	}
	if _, err := o.Create(ctx, "", "p1", "residential", principal(), nil, "org-1"); !errors.Is(err, models.ErrEmptyFileID) {
		t.Errorf("empty file id = %v, want ErrEmptyFileID", err)
	}
	if _, err := o.Create(ctx, "file-1", "p1", "residential", SignerDetails{Name: "Ada"}, nil, "org-1"); !errors.Is(err, models.ErrEmptyPrincipal) {
		t.Errorf("principal without email = %v, want ErrEmptyPrincipal", err)
	}
}

func TestCreateProcedureDispatchFailureDoesNotUnwind(t *testing.T) {
	o, st, dispatcher := newOrchestrator()
	dispatcher.Err = errors.New("twilio unavailable")

	proc, err := o.Create(context.Background(), "file-1", "p1", "residential", principal(), nil, "org-1")
	if err != nil {
		t.Fatalf("dispatch failure must not fail creation: %v", err)
	}
	stored, _ := st.GetSignatureProcedure(proc.ID)
	if stored == nil {
		t.Fatal("procedure not persisted despite dispatch failure")
	}
}

func TestExtractCosigners(t *testing.T) {
	cfg := models.CosignersConfig{
		FormID:     "cosigner-form",
		CountField: "cosigners",
		NameField:  "name",
		EmailField: "email",
		PhoneField: "phone",
	}
	formData := models.FormData{
		"residential": {
			"cosigner-form": {
				"cosigners":                "2",
				"cosigners_repeat_0_name":  "Grace Hopper",
				"cosigners_repeat_0_email": "grace@example.com",
				"cosigners_repeat_1_name":  "No Email",
				"cosigners_repeat_1_phone": "+15550003",
			},
		},
	}

	got := ExtractCosigners(formData, "residential", cfg)
	if len(got) != 1 {
		t.Fatalf("cosigners = %d, want 1 (row without email dropped)", len(got))
	}
	if got[0].Name != "Grace Hopper" || got[0].Email != "grace@example.com" || got[0].Phone != "" {
		t.Errorf("unexpected cosigner: %+v", got[0])
	}
}

func TestExtractCosignersMalformedCount(t *testing.T) {
	cfg := models.CosignersConfig{FormID: "f", CountField: "cosigners", NameField: "name", EmailField: "email"}
	formData := models.FormData{"residential": {"f": {"cosigners": "lots"}}}
	if got := ExtractCosigners(formData, "residential", cfg); len(got) != 0 {
		t.Errorf("malformed count yielded %d cosigners", len(got))
	}
}

func TestExtractCosignersHugeCount(t *testing.T) {
	cfg := models.CosignersConfig{FormID: "f", CountField: "cosigners", NameField: "name", EmailField: "email"}
	formData := models.FormData{"residential": {"f": {
		"cosigners":                "30000000000",
		"cosigners_repeat_0_name":  "Grace Hopper",
		"cosigners_repeat_0_email": "grace@example.com",
	}}}

	// The count comes straight from submitted form data; it must be clamped,
	// not used to size allocations.
	got := ExtractCosigners(formData, "residential", cfg)
	if len(got) != 1 {
		t.Fatalf("cosigners = %d, want 1", len(got))
	}
	if got[0].Name != "Grace Hopper" {
		t.Errorf("unexpected cosigner: %+v", got[0])
	}
}

func TestExpireOverdue(t *testing.T) {
	o, st, _ := newOrchestrator()
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	o.WithClock(func() time.Time { return created })

	stale, err := o.Create(context.Background(), "file-old", "p1", "residential", principal(), nil, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fresh, err := o.Create(context.Background(), "file-new", "p2", "residential", principal(), nil, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Advance past the stale procedure's TTL, but extend the fresh one so it
	// stays valid.
	o.WithClock(func() time.Time { return created.Add(DefaultTokenTTL + time.Hour) })
	extended, _ := st.GetSignatureProcedure(fresh.ID)
	extended.AccessTokenExpiresAt = created.Add(2 * DefaultTokenTTL)
	if err := st.SaveSignatureProcedure(*extended); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expired, err := o.ExpireOverdue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expired != 1 {
		t.Errorf("expired = %d, want 1", expired)
	}

	got, _ := st.GetSignatureProcedure(stale.ID)
	if got.Status != models.ProcedureStatusCanceled {
		t.Errorf("stale procedure status = %s, want canceled", got.Status)
	}
	kept, _ := st.GetSignatureProcedure(fresh.ID)
	if kept.Status != models.ProcedureStatusPending {
		t.Errorf("fresh procedure status = %s, want pending", kept.Status)
	}

	found, _ := st.HasHistoryEvent("p1", "residential", "signature_expired", "Signature procedure "+stale.ID+" expired")
	if !found {
		t.Error("expected an expiry history event for the stale procedure")
	}

	// Nothing left to expire on the next sweep.
	expired, err = o.ExpireOverdue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expired != 0 {
		t.Errorf("second sweep expired = %d, want 0", expired)
	}
}
