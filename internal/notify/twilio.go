// Package notify delivers signer invite notifications.
//
// This file implements invite delivery over SMS using the Twilio API.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/FlowDesk/StagePipe/internal/models"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Invite delivery channels.
const (
	ChannelTwilio   = "twilio"
	ChannelWhatsApp = "whatsapp"
)

// Opts holds configuration options for invite dispatchers.
type Opts struct {
	Channel       string // delivery channel, ChannelTwilio by default
	AccountSID    string
	AuthToken     string
	FromNumber    string
	SignBaseURL   string
	WhatsAppDBDSN string // whatsmeow session database
}

// Option defines a configuration option for invite dispatchers.
type Option func(*Opts)

// WithChannel selects the invite delivery channel.
func WithChannel(channel string) Option {
	return func(o *Opts) { o.Channel = channel }
}

// WithWhatsAppDBDSN sets the whatsmeow session database connection string.
func WithWhatsAppDBDSN(dsn string) Option {
	return func(o *Opts) { o.WhatsAppDBDSN = dsn }
}

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithSignBaseURL sets the base URL signing links are built from.
func WithSignBaseURL(base string) Option {
	return func(o *Opts) { o.SignBaseURL = base }
}

// messageCreator is the minimal Twilio API surface used by the dispatcher.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioDispatcher sends cosigner invites as SMS messages via Twilio.
type TwilioDispatcher struct {
	api         messageCreator
	fromNumber  string
	signBaseURL string
}

// NewTwilioDispatcher creates a Twilio-backed dispatcher, falling back to
// environment variables for unset options.
func NewTwilioDispatcher(opts ...Option) (*TwilioDispatcher, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.SignBaseURL == "" {
		cfg.SignBaseURL = os.Getenv("SIGN_BASE_URL")
	}
	slog.Debug("Twilio dispatcher config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioDispatcher{
		api:         client.Api,
		fromNumber:  cfg.FromNumber,
		signBaseURL: cfg.SignBaseURL,
	}, nil
}

// SigningLink builds the per-signer signing URL from a base URL, procedure id,
// and access token.
func SigningLink(baseURL, procedureID, accessToken string) string {
	return fmt.Sprintf("%s/sign/%s?token=%s", baseURL, procedureID, accessToken)
}

// DispatchInvites sends one SMS per cosigner that has a phone number.
// Cosigners without a phone are skipped (email-only cosigners are invited by
// the external signing endpoint itself).
func (d *TwilioDispatcher) DispatchInvites(ctx context.Context, procedure models.SignatureProcedure) (int, error) {
	sent := 0
	for _, signer := range procedure.Signers {
		if signer.Role != models.SignerRoleCosigner {
			continue
		}
		if signer.Phone == "" {
			slog.Debug("TwilioDispatcher skipping cosigner without phone", "procedureID", procedure.ID, "email", signer.Email)
			continue
		}
		link := SigningLink(d.signBaseURL, procedure.ID, signer.AccessToken)
		body := fmt.Sprintf("Hello %s, a document is waiting for your signature: %s", signer.Name, link)

		params := &twilioApi.CreateMessageParams{}
		params.SetTo(signer.Phone)
		params.SetFrom(d.fromNumber)
		params.SetBody(body)
		if _, err := d.api.CreateMessage(params); err != nil {
			slog.Warn("TwilioDispatcher invite send failed", "error", err, "procedureID", procedure.ID, "to", signer.Phone)
			continue
		}
		sent++
	}
	slog.Debug("TwilioDispatcher invites dispatched", "procedureID", procedure.ID, "sent", sent)
	return sent, nil
}
