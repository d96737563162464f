package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/FlowDesk/StagePipe/internal/api"
	"github.com/FlowDesk/StagePipe/internal/lockfile"
	"github.com/FlowDesk/StagePipe/internal/notify"
	"github.com/FlowDesk/StagePipe/internal/store"
	"github.com/FlowDesk/StagePipe/internal/verify"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for StagePipe state data
	DefaultStateDir = "/var/lib/stagepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "stagepipe.db"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Guard the state directory against a second instance when using
	// file-based storage
	if usesFileStorage(flags) {
		lock, err := lockfile.Acquire(*flags.stateDir)
		if err != nil {
			slog.Error("Failed to lock state directory", "error", err, "state_dir", *flags.stateDir)
			os.Exit(1)
		}
		defer lock.Release()
	}

	// Build module options
	storeOpts := buildStoreOptions(flags)
	notifyOpts := buildNotifyOptions(flags)
	verifyOpts := buildVerifyOptions(flags)
	apiOpts := buildAPIOptions(flags)

	// Start the service
	slog.Info("Bootstrapping StagePipe with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "notify", len(notifyOpts), "verify", len(verifyOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := api.Run(storeOpts, notifyOpts, verifyOpts, apiOpts); err != nil {
		slog.Error("StagePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("StagePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	OpenAIKey     string
	APIAddr       string
	SignBaseURL   string
	ConfigPath    string
	DocServiceURL string
	TwilioFrom    string
	InviteChannel string
	WhatsAppDSN   string
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	openaiKey     *string
	apiAddr       *string
	signBaseURL   *string
	configPath    *string
	docServiceURL *string
	twilioFrom    *string
	inviteChannel *string
	whatsappDSN   *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("STAGEPIPE_STATE_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		APIAddr:       os.Getenv("API_ADDR"),
		SignBaseURL:   os.Getenv("SIGN_BASE_URL"),
		ConfigPath:    os.Getenv("STEP_CONFIG_PATH"),
		DocServiceURL: os.Getenv("DOC_SERVICE_URL"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		InviteChannel: os.Getenv("INVITE_CHANNEL"),
		WhatsAppDSN:   os.Getenv("WHATSAPP_DB_DSN"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No STAGEPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("STAGEPIPE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"STAGEPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"SIGN_BASE_URL", config.SignBaseURL,
		"STEP_CONFIG_PATH", config.ConfigPath,
		"DOC_SERVICE_URL", config.DocServiceURL)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for StagePipe data (overrides $STAGEPIPE_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the store (overrides $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for form verification (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		signBaseURL:   flag.String("sign-base-url", config.SignBaseURL, "base URL for signing links (overrides $SIGN_BASE_URL)"),
		configPath:    flag.String("config-file", config.ConfigPath, "JSON file with step configurations and prospects (overrides $STEP_CONFIG_PATH)"),
		docServiceURL: flag.String("doc-service-url", config.DocServiceURL, "document generation service URL (overrides $DOC_SERVICE_URL)"),
		twilioFrom:    flag.String("twilio-from", config.TwilioFrom, "Twilio sending number for signer invites (overrides $TWILIO_FROM_NUMBER)"),
		inviteChannel: flag.String("invite-channel", config.InviteChannel, "signer invite delivery channel: twilio or whatsapp (overrides $INVITE_CHANNEL)"),
		whatsappDSN:   flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow session database DSN for WhatsApp invites (overrides $WHATSAPP_DB_DSN)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"signBaseURL", *flags.signBaseURL,
		"configPath", *flags.configPath,
		"docServiceURL", *flags.docServiceURL)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// usesFileStorage reports whether the DSN points at file-based storage.
func usesFileStorage(flags Flags) bool {
	return *flags.dbDSN != "" && !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=")
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	// Ensure state directory exists if we're using a file-based DSN
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
		slog.Debug("State directory created successfully", "state_dir", stateDir)
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		slog.Debug("Configuring store DSN", "dsn_type", store.DetectDSNType(*flags.dbDSN))
		storeOpts = append(storeOpts, store.WithDSN(*flags.dbDSN))
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildNotifyOptions constructs invite dispatcher configuration options.
// Account SID and auth token come from the Twilio environment variables.
func buildNotifyOptions(flags Flags) []notify.Option {
	var notifyOpts []notify.Option
	if *flags.twilioFrom != "" {
		notifyOpts = append(notifyOpts, notify.WithFromNumber(*flags.twilioFrom))
	}
	if *flags.signBaseURL != "" {
		notifyOpts = append(notifyOpts, notify.WithSignBaseURL(*flags.signBaseURL))
	}
	if *flags.inviteChannel != "" {
		notifyOpts = append(notifyOpts, notify.WithChannel(*flags.inviteChannel))
	}
	if *flags.whatsappDSN != "" {
		notifyOpts = append(notifyOpts, notify.WithWhatsAppDBDSN(*flags.whatsappDSN))
	}
	return notifyOpts
}

// buildVerifyOptions constructs AI verifier configuration options
func buildVerifyOptions(flags Flags) []verify.Option {
	var verifyOpts []verify.Option
	if *flags.openaiKey != "" {
		verifyOpts = append(verifyOpts, verify.WithAPIKey(*flags.openaiKey))
	}
	return verifyOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.signBaseURL != "" {
		apiOpts = append(apiOpts, api.WithSignBaseURL(*flags.signBaseURL))
	}
	if *flags.configPath != "" {
		apiOpts = append(apiOpts, api.WithConfigPath(*flags.configPath))
	}
	if *flags.docServiceURL != "" {
		apiOpts = append(apiOpts, api.WithDocServiceURL(*flags.docServiceURL))
	}
	return apiOpts
}
