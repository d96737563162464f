// Package api provides HTTP handlers and the main API server logic for
// StagePipe.
//
// It exposes RESTful endpoints for pipeline step state, action execution,
// form panel review, and signature procedures. The API wires together the
// store, state machine, sequencer, form tracker, signature orchestrator, and
// auto-completion trigger.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/FlowDesk/StagePipe/internal/config"
	"github.com/FlowDesk/StagePipe/internal/docgen"
	"github.com/FlowDesk/StagePipe/internal/forms"
	"github.com/FlowDesk/StagePipe/internal/notify"
	"github.com/FlowDesk/StagePipe/internal/pipeline"
	"github.com/FlowDesk/StagePipe/internal/recovery"
	"github.com/FlowDesk/StagePipe/internal/scheduler"
	"github.com/FlowDesk/StagePipe/internal/sequencer"
	"github.com/FlowDesk/StagePipe/internal/signature"
	"github.com/FlowDesk/StagePipe/internal/store"
	"github.com/FlowDesk/StagePipe/internal/verify"
	"github.com/FlowDesk/StagePipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultAPIAddr is the default API server listen address
	DefaultAPIAddr = ":8080"
	// DefaultReadHeaderTimeout bounds header reads on incoming requests
	DefaultReadHeaderTimeout = 10 * time.Second
	// TokenExpirySchedule is the cron expression for the signature token
	// expiry sweep (hourly, on the hour)
	TokenExpirySchedule = "0 * * * *"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr        string
	SignBaseURL string
	ConfigPath  string
	DocServURL  string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithSignBaseURL sets the base URL signing links are built from.
func WithSignBaseURL(base string) Option {
	return func(o *Opts) { o.SignBaseURL = base }
}

// WithConfigPath sets the JSON file the step config registry is seeded from.
func WithConfigPath(path string) Option {
	return func(o *Opts) { o.ConfigPath = path }
}

// WithDocServiceURL sets the document generation service base URL.
func WithDocServiceURL(url string) Option {
	return func(o *Opts) { o.DocServURL = url }
}

// Server hosts the StagePipe HTTP API.
type Server struct {
	st        store.Store
	machine   *pipeline.StateMachine
	tracker   *forms.Tracker
	sequencer *sequencer.Sequencer
	trigger   *pipeline.AutoCompletionTrigger
	registry  *config.Registry
	addr      string
}

// NewServer creates an API server over pre-built collaborators.
func NewServer(st store.Store, machine *pipeline.StateMachine, tracker *forms.Tracker, seq *sequencer.Sequencer, trigger *pipeline.AutoCompletionTrigger, registry *config.Registry, addr string) *Server {
	if addr == "" {
		addr = DefaultAPIAddr
	}
	return &Server{
		st:        st,
		machine:   machine,
		tracker:   tracker,
		sequencer: seq,
		trigger:   trigger,
		registry:  registry,
		addr:      addr,
	}
}

// Handler returns the server's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/pipeline/init", s.initPipelineHandler)
	mux.HandleFunc("/pipeline/steps", s.stepsHandler)
	mux.HandleFunc("/pipeline/advance", s.advanceHandler)
	mux.HandleFunc("/pipeline/status", s.setStatusHandler)
	mux.HandleFunc("/actions/execute", s.executeActionHandler)
	mux.HandleFunc("/forms/", s.formsHandler)
	mux.HandleFunc("/checklist", s.checklistHandler)
	mux.HandleFunc("/procedures/", s.proceduresHandler)
	mux.HandleFunc("/configs", s.upsertConfigHandler)
	mux.HandleFunc("/prospects", s.upsertProspectHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// ListenAndServe runs the API server until the listener fails.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	slog.Info("StagePipe API listening", "addr", s.addr)
	return srv.ListenAndServe()
}

// Run builds every module from its options and starts the API server. It
// blocks until the server exits.
func Run(storeOpts []store.Option, notifyOpts []notify.Option, verifyOpts []verify.Option, apiOpts []Option) error {
	var apiCfg Opts
	for _, opt := range apiOpts {
		opt(&apiCfg)
	}

	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			slog.Warn("Failed to close store", "error", cerr)
		}
	}()

	registry := config.NewRegistry()
	if apiCfg.ConfigPath != "" {
		if err := registry.LoadFile(apiCfg.ConfigPath); err != nil {
			return fmt.Errorf("failed to load step configuration: %w", err)
		}
	}

	dispatcher := buildDispatcher(notifyOpts)
	verifier := buildVerifier(verifyOpts)
	documents := buildDocumentGenerator(apiCfg)

	machine := pipeline.NewStateMachine(st)
	tracker := forms.NewTracker(st)
	orchestrator := signature.NewOrchestrator(st, dispatcher, apiCfg.SignBaseURL)
	seq := sequencer.NewSequencer(st, tracker, orchestrator, registry, documents)
	trigger := pipeline.NewAutoCompletionTrigger(machine, tracker, st, registry, verifier)
	tracker.OnSubmit(trigger.HandleSubmission)

	// Repair state left behind by an interrupted run before serving.
	manager := recovery.NewManager()
	manager.Register(recovery.NewStepActivation(st))
	if err := manager.RecoverAll(context.Background()); err != nil {
		slog.Warn("Startup recovery reported failures", "error", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob("token-expiry-sweep", TokenExpirySchedule, func() {
		if expired, err := orchestrator.ExpireOverdue(context.Background()); err != nil {
			slog.Warn("Signature token expiry sweep failed", "error", err)
		} else if expired > 0 {
			slog.Info("Signature token expiry sweep canceled procedures", "count", expired)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule token expiry sweep: %w", err)
	}

	server := NewServer(st, machine, tracker, seq, trigger, registry, apiCfg.Addr)
	return server.ListenAndServe()
}

// buildStore selects a backend from the configured DSN. No DSN means the
// in-memory store.
func buildStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("No database DSN configured, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		slog.Info("Using PostgreSQL store")
		return store.NewPostgresStore(storeOpts...)
	}
	slog.Info("Using SQLite store", "path", cfg.DSN)
	return store.NewSQLiteStore(storeOpts...)
}

// buildDispatcher creates the invite dispatcher for the configured channel,
// degrading to a no-op when the channel is not configured.
func buildDispatcher(notifyOpts []notify.Option) notify.Dispatcher {
	var cfg notify.Opts
	for _, opt := range notifyOpts {
		opt(&cfg)
	}

	if cfg.Channel == notify.ChannelWhatsApp {
		client, err := whatsapp.NewClient(whatsapp.WithDBDSN(cfg.WhatsAppDBDSN))
		if err != nil {
			slog.Warn("WhatsApp dispatcher not configured, invites will not be delivered", "error", err)
			return notify.NoopDispatcher{}
		}
		signBaseURL := cfg.SignBaseURL
		if signBaseURL == "" {
			signBaseURL = os.Getenv("SIGN_BASE_URL")
		}
		return notify.NewWhatsAppDispatcher(client, signBaseURL)
	}

	dispatcher, err := notify.NewTwilioDispatcher(notifyOpts...)
	if err != nil {
		slog.Warn("Twilio dispatcher not configured, invites will not be delivered", "error", err)
		return notify.NoopDispatcher{}
	}
	return dispatcher
}

// buildVerifier creates the AI form verifier; without an API key the "ai"
// verification mode degrades to human review.
func buildVerifier(verifyOpts []verify.Option) verify.Verifier {
	client, err := verify.NewClient(verifyOpts...)
	if err != nil {
		slog.Warn("AI verifier not configured, ai verification mode degrades to human review", "error", err)
		return nil
	}
	return client
}

// buildDocumentGenerator creates the document service client; without a URL
// start_signature actions fail until one is configured.
func buildDocumentGenerator(cfg Opts) sequencer.DocumentGenerator {
	if cfg.DocServURL == "" {
		slog.Warn("Document service not configured, start_signature actions will fail")
		return docgen.Disabled{}
	}
	svc, err := docgen.NewService(docgen.WithBaseURL(cfg.DocServURL))
	if err != nil {
		slog.Warn("Document service client initialization failed", "error", err)
		return docgen.Disabled{}
	}
	return svc
}
