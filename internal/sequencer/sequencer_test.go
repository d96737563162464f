package sequencer

import (
	"context"
	"errors"
	"testing"

	"github.com/FlowDesk/StagePipe/internal/config"
	"github.com/FlowDesk/StagePipe/internal/docgen"
	"github.com/FlowDesk/StagePipe/internal/forms"
	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/FlowDesk/StagePipe/internal/notify"
	"github.com/FlowDesk/StagePipe/internal/signature"
	"github.com/FlowDesk/StagePipe/internal/store"
)

type seqEnv struct {
	store      *store.InMemoryStore
	registry   *config.Registry
	dispatcher *notify.MockDispatcher
	documents  *docgen.MockGenerator
	sequencer  *Sequencer
}

func newSeqEnv(t *testing.T) *seqEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	registry := config.NewRegistry()
	dispatcher := notify.NewMockDispatcher()
	documents := &docgen.MockGenerator{FileID: "file-42"}
	tracker := forms.NewTracker(st)
	orchestrator := signature.NewOrchestrator(st, dispatcher, "https://sign.example.com")
	seq := NewSequencer(st, tracker, orchestrator, registry, documents)

	err := registry.UpsertProspect(models.Prospect{
		ID:    "p1",
		Name:  "Ada Lovelace",
		Email: "ada@example.com",
		Phone: "+15550001",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return &seqEnv{store: st, registry: registry, dispatcher: dispatcher, documents: documents, sequencer: seq}
}

func (e *seqEnv) request(cfg models.StepConfig) Request {
	return Request{
		ProspectID:     "p1",
		ProjectType:    "residential",
		OrganizationID: "org-1",
		Config:         cfg,
	}
}

func messageConfig() models.StepConfig {
	return models.StepConfig{
		PromptID:  "prompt-1",
		ProjectID: "proj-1",
		StepIndex: 0,
		Actions: []models.Action{
			{ID: "a", Order: 2, Type: models.ActionTypeMessage, Message: "second"},
			{ID: "b", Order: 1, Type: models.ActionTypeMessage, Message: "first"},
		},
	}
}

func TestExecuteNextHonorsOrder(t *testing.T) {
	env := newSeqEnv(t)
	req := env.request(messageConfig())

	result, err := env.sequencer.ExecuteNext(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Executed || result.Action.ID != "b" {
		t.Fatalf("expected action b to run first, got %+v", result)
	}

	msgs, _ := env.store.GetChatMessages("p1", "residential")
	if len(msgs) != 1 || msgs[0].Text != "first" {
		t.Errorf("unexpected chat log: %+v", msgs)
	}
}

func TestExecuteNextIdempotency(t *testing.T) {
	env := newSeqEnv(t)
	req := env.request(messageConfig())

	first, err := env.sequencer.ExecuteNext(context.Background(), req)
	if err != nil || first.Action.ID != "b" {
		t.Fatalf("first call = %+v, %v", first, err)
	}
	second, err := env.sequencer.ExecuteNext(context.Background(), req)
	if err != nil || second.Action.ID != "a" {
		t.Fatalf("second call = %+v, %v", second, err)
	}
	third, err := env.sequencer.ExecuteNext(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.Executed {
		t.Errorf("third call executed %s again", third.Action.ID)
	}

	msgs, _ := env.store.GetChatMessages("p1", "residential")
	if len(msgs) != 2 {
		t.Errorf("chat log has %d messages, want 2", len(msgs))
	}
}

func TestExecuteNextLegacyChatFallback(t *testing.T) {
	env := newSeqEnv(t)
	req := env.request(messageConfig())

	// a pre-marker log entry: same prompt, step, and text, but no sent marker
	err := env.store.AddChatMessage(models.ChatMessage{
		ID:          "legacy-1",
		ProspectID:  "p1",
		ProjectType: "residential",
		Sender:      "stagepipe",
		Text:        "first",
		PromptID:    "prompt-1",
		StepIndex:   0,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := env.sequencer.ExecuteNext(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Action.ID != "a" {
		t.Errorf("expected legacy entry to suppress b, executed %s", result.Action.ID)
	}
}

func TestExecuteNextSpecificAction(t *testing.T) {
	env := newSeqEnv(t)
	req := env.request(messageConfig())

	// execute b normally, then force it again by id: the specific path
	// ignores idempotency
	if _, err := env.sequencer.ExecuteNext(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req.SpecificActionID = "b"
	result, err := env.sequencer.ExecuteNext(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Executed || result.Action.ID != "b" {
		t.Fatalf("expected forced replay of b, got %+v", result)
	}

	req.SpecificActionID = "missing"
	if _, err := env.sequencer.ExecuteNext(context.Background(), req); !errors.Is(err, models.ErrActionNotFound) {
		t.Errorf("unknown specific action = %v, want ErrActionNotFound", err)
	}
}

func TestExecuteNextShowFormCreatesPanel(t *testing.T) {
	env := newSeqEnv(t)
	cfg := models.StepConfig{
		PromptID:  "prompt-1",
		ProjectID: "proj-1",
		StepIndex: 1,
		Actions: []models.Action{
			{ID: "f1", Order: 1, Type: models.ActionTypeShowForm, FormID: "intake", Message: "Please fill in the intake form"},
		},
	}
	req := env.request(cfg)

	result, err := env.sequencer.ExecuteNext(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PanelID == "" {
		t.Fatal("expected a panel id")
	}

	panel, _ := env.store.GetFormPanel(result.PanelID)
	if panel == nil || panel.FormID != "intake" || panel.Status != models.FormPanelPending {
		t.Fatalf("unexpected panel: %+v", panel)
	}
	if panel.StepIndex != 1 || panel.PromptID != "prompt-1" {
		t.Errorf("panel carries wrong origin: %+v", panel)
	}

	msgs, _ := env.store.GetChatMessages("p1", "residential")
	if len(msgs) != 1 || msgs[0].FormID != "intake" {
		t.Errorf("chat entry missing form reference: %+v", msgs)
	}
	has, _ := env.store.HasHistoryEvent("p1", "residential", "form_sent", "Form intake sent (step 1)")
	if !has {
		t.Error("expected a form_sent history event")
	}
}

func TestFormSentEventRecordedPerStep(t *testing.T) {
	env := newSeqEnv(t)
	formCfg := func(promptID string, step int) models.StepConfig {
		return models.StepConfig{
			PromptID:  promptID,
			ProjectID: "proj-1",
			StepIndex: step,
			Actions: []models.Action{
				{ID: "f1", Order: 1, Type: models.ActionTypeShowForm, FormID: "intake", Message: "Please fill in the intake form"},
			},
		}
	}

	if _, err := env.sequencer.ExecuteNext(context.Background(), env.request(formCfg("prompt-1", 1))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.sequencer.ExecuteNext(context.Background(), env.request(formCfg("prompt-2", 3))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// the same form on a later step gets its own event
	for _, title := range []string{"Form intake sent (step 1)", "Form intake sent (step 3)"} {
		has, _ := env.store.HasHistoryEvent("p1", "residential", "form_sent", title)
		if !has {
			t.Errorf("missing form_sent history event %q", title)
		}
	}
}

func signatureConfig() models.StepConfig {
	return models.StepConfig{
		PromptID:  "prompt-1",
		ProjectID: "proj-1",
		StepIndex: 2,
		Actions: []models.Action{
			{ID: "s1", Order: 1, Type: models.ActionTypeStartSignature, TemplateID: "tmpl-7"},
		},
	}
}

func TestExecuteNextStartSignature(t *testing.T) {
	env := newSeqEnv(t)
	req := env.request(signatureConfig())

	result, err := env.sequencer.ExecuteNext(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ProcedureID == "" {
		t.Fatal("expected a procedure id")
	}
	if len(env.documents.Templates) != 1 || env.documents.Templates[0] != "tmpl-7" {
		t.Errorf("document generation requests: %v", env.documents.Templates)
	}

	proc, _ := env.store.GetSignatureProcedure(result.ProcedureID)
	if proc == nil || proc.FileID != "file-42" || proc.OrganizationID != "org-1" {
		t.Fatalf("unexpected procedure: %+v", proc)
	}
	if len(proc.Signers) != 1 || proc.Signers[0].Role != models.SignerRolePrincipal {
		t.Errorf("unexpected signers: %+v", proc.Signers)
	}
}

func TestExecuteNextStartSignatureRequiresOrganization(t *testing.T) {
	env := newSeqEnv(t)
	req := env.request(signatureConfig())
	req.OrganizationID = ""

	if _, err := env.sequencer.ExecuteNext(context.Background(), req); !errors.Is(err, models.ErrMissingOrganization) {
		t.Errorf("missing organization = %v, want ErrMissingOrganization", err)
	}
}

func TestExecuteNextStartSignatureUnknownProspect(t *testing.T) {
	env := newSeqEnv(t)
	req := env.request(signatureConfig())
	req.ProspectID = "ghost"

	if _, err := env.sequencer.ExecuteNext(context.Background(), req); err == nil {
		t.Error("expected an error for an unknown prospect")
	}
}

func TestExecuteNextInvalidActionFails(t *testing.T) {
	env := newSeqEnv(t)
	cfg := models.StepConfig{
		PromptID:  "prompt-1",
		StepIndex: 0,
		Actions: []models.Action{
			{ID: "bad", Order: 1, Type: models.ActionTypeShowForm}, // no form id
		},
	}
	if _, err := env.sequencer.ExecuteNext(context.Background(), env.request(cfg)); !errors.Is(err, models.ErrMissingFormID) {
		t.Errorf("invalid action = %v, want ErrMissingFormID", err)
	}
}

func TestExecuteNextCosignersFromFormData(t *testing.T) {
	env := newSeqEnv(t)
	cfg := signatureConfig()
	cfg.Actions[0].CosignersConfig = &models.CosignersConfig{
		FormID:     "cosigner-form",
		CountField: "cosigners",
		NameField:  "name",
		EmailField: "email",
		PhoneField: "phone",
	}
	req := env.request(cfg)
	req.FormData = models.FormData{
		"residential": {
			"cosigner-form": {
				"cosigners":                "2",
				"cosigners_repeat_0_name":  "Grace Hopper",
				"cosigners_repeat_0_email": "grace@example.com",
				"cosigners_repeat_0_phone": "+15550002",
				"cosigners_repeat_1_name":  "Missing Email",
			},
		},
	}

	result, err := env.sequencer.ExecuteNext(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	proc, _ := env.store.GetSignatureProcedure(result.ProcedureID)
	if len(proc.Signers) != 2 {
		t.Fatalf("signers = %d, want principal plus one cosigner", len(proc.Signers))
	}
	cosigner := proc.Signers[1]
	if cosigner.Role != models.SignerRoleCosigner || cosigner.Name != "Grace Hopper" || cosigner.Phone != "+15550002" {
		t.Errorf("unexpected cosigner: %+v", cosigner)
	}
}
