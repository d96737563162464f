package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/FlowDesk/StagePipe/internal/models"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeMessageCreator struct {
	sent   []twilioApi.CreateMessageParams
	failTo string // CreateMessage fails for this recipient
}

func (f *fakeMessageCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if params.To != nil && *params.To == f.failTo && f.failTo != "" {
		return nil, errors.New("twilio: unreachable number")
	}
	f.sent = append(f.sent, *params)
	return &twilioApi.ApiV2010Message{}, nil
}

func testProcedure() models.SignatureProcedure {
	return models.SignatureProcedure{
		ID: "proc-1",
		Signers: []models.Signer{
			{Role: models.SignerRolePrincipal, Name: "Ada Lovelace", Phone: "+15550001", AccessToken: "tok-principal"},
			{Role: models.SignerRoleCosigner, Name: "Grace Hopper", Phone: "+15550002", AccessToken: "tok-grace"},
			{Role: models.SignerRoleCosigner, Name: "Mary Jackson", Email: "mary@example.com", AccessToken: "tok-mary"},
			{Role: models.SignerRoleCosigner, Name: "Katherine Johnson", Phone: "+15550003", AccessToken: "tok-katherine"},
		},
	}
}

func TestSigningLink(t *testing.T) {
	got := SigningLink("https://sign.example.com", "proc-1", "tok-abc")
	want := "https://sign.example.com/sign/proc-1?token=tok-abc"
	if got != want {
		t.Errorf("SigningLink = %q, want %q", got, want)
	}
}

func TestDispatchInvitesCosignersOnly(t *testing.T) {
	api := &fakeMessageCreator{}
	d := &TwilioDispatcher{api: api, fromNumber: "+15559999", signBaseURL: "https://sign.example.com"}

	sent, err := d.DispatchInvites(context.Background(), testProcedure())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Principal and the phoneless cosigner are skipped.
	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	if len(api.sent) != 2 {
		t.Fatalf("CreateMessage called %d times, want 2", len(api.sent))
	}
	first := api.sent[0]
	if first.To == nil || *first.To != "+15550002" {
		t.Errorf("first invite sent to %v, want +15550002", first.To)
	}
	if first.From == nil || *first.From != "+15559999" {
		t.Errorf("first invite from %v, want +15559999", first.From)
	}
	wantLink := SigningLink("https://sign.example.com", "proc-1", "tok-grace")
	if first.Body == nil || !strings.Contains(*first.Body, wantLink) {
		t.Errorf("invite body missing signing link %q: %v", wantLink, first.Body)
	}
	if !strings.Contains(*first.Body, "Grace Hopper") {
		t.Errorf("invite body missing signer name: %q", *first.Body)
	}
}

func TestDispatchInvitesContinuesPastFailures(t *testing.T) {
	api := &fakeMessageCreator{failTo: "+15550002"}
	d := &TwilioDispatcher{api: api, fromNumber: "+15559999", signBaseURL: "https://sign.example.com"}

	sent, err := d.DispatchInvites(context.Background(), testProcedure())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 1 {
		t.Errorf("sent = %d, want 1 after one delivery failure", sent)
	}
}

func TestNewTwilioDispatcherValidation(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewTwilioDispatcher(); err == nil {
		t.Error("expected an error without credentials")
	}
	if _, err := NewTwilioDispatcher(WithAccountSID("AC123"), WithAuthToken("secret")); err == nil {
		t.Error("expected an error without a from number")
	}
	d, err := NewTwilioDispatcher(
		WithAccountSID("AC123"),
		WithAuthToken("secret"),
		WithFromNumber("+15559999"),
		WithSignBaseURL("https://sign.example.com"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.fromNumber != "+15559999" || d.signBaseURL != "https://sign.example.com" {
		t.Errorf("dispatcher misconfigured: %+v", d)
	}
}

type fakeWhatsAppSender struct {
	sent map[string]string // phone -> body
}

func (f *fakeWhatsAppSender) SendMessage(ctx context.Context, phone, body string) error {
	if f.sent == nil {
		f.sent = make(map[string]string)
	}
	if _, dup := f.sent[phone]; dup {
		return fmt.Errorf("duplicate send to %s", phone)
	}
	f.sent[phone] = body
	return nil
}

func TestWhatsAppDispatchInvites(t *testing.T) {
	sender := &fakeWhatsAppSender{}
	d := NewWhatsAppDispatcher(sender, "https://sign.example.com")

	sent, err := d.DispatchInvites(context.Background(), testProcedure())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	body, ok := sender.sent["+15550003"]
	if !ok {
		t.Fatal("no message sent to +15550003")
	}
	if !strings.Contains(body, "tok-katherine") {
		t.Errorf("message missing access token: %q", body)
	}
}
