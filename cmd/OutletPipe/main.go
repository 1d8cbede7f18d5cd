package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/flow"
	"github.com/BTreeMap/OutletPipe/internal/messaging"
	"github.com/BTreeMap/OutletPipe/internal/scheduler"
	"github.com/BTreeMap/OutletPipe/internal/store"
	"github.com/BTreeMap/OutletPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for OutletPipe state data
	DefaultStateDir = "/var/lib/outletpipe"
	// DefaultAppDBFileName is the default SQLite database for sessions and records
	DefaultAppDBFileName = "outletpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Supported transport providers.
const (
	ProviderTwilio    = "twilio"
	ProviderWhatsmeow = "whatsmeow"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping OutletPipe", "provider", *flags.provider, "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("OutletPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("OutletPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	LogLevel         string
	StateDir         string
	ApplicationDSN   string
	WhatsAppDSN      string
	RedisURL         string
	OpenAIKey        string
	OpenAIModel      string
	APIAddr          string
	AdminToken       string
	PublicURL        string
	TwilioAuthToken  string
	Provider         string
	CatalogFile      string
	EnvelopeRequired bool
	EnvelopeStrict   bool
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	InboundRetention time.Duration
	SessionWindow    time.Duration
	EventDeadline    time.Duration
	PoolSize         int
	ReminderCron     string
	ReopenTemplate   string
	SupabaseURL      string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput    *string
	numeric     *bool
	stateDir    *string
	dbDSN       *string
	waDSN       *string
	provider    *string
	openaiKey   *string
	apiAddr     *string
	catalogFile *string
	idleTimeout *time.Duration
}

// initializeLogger sets up structured logging. Unknown levels fall back to info.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
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
		LogLevel:         os.Getenv("LOG_LEVEL"),
		StateDir:         os.Getenv("OUTLETPIPE_STATE_DIR"),
		ApplicationDSN:   os.Getenv("DATABASE_DSN"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		RedisURL:         os.Getenv("REDIS_URL"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		APIAddr:          os.Getenv("API_ADDR"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		PublicURL:        os.Getenv("PUBLIC_URL"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		Provider:         strings.ToLower(strings.TrimSpace(os.Getenv("PROVIDER"))),
		CatalogFile:      os.Getenv("CATALOG_FILE"),
		EnvelopeRequired: util.ParseBoolEnv("ENVELOPE_REQUIRED", true),
		EnvelopeStrict:   util.ParseBoolEnv("ENVELOPE_STRICT", true),
		IdleTimeout:      util.ParseDurationEnv("IDLE_TIMEOUT", scheduler.DefaultIdleTimeout),
		SweepInterval:    util.ParseDurationEnv("SWEEP_INTERVAL", scheduler.DefaultSweepInterval),
		InboundRetention: util.ParseDurationEnv("INBOUND_RETENTION", store.DefaultInboundRetention),
		SessionWindow:    util.ParseDurationEnv("SESSION_WINDOW", messaging.DefaultSessionWindow),
		EventDeadline:    util.ParseDurationEnv("EVENT_DEADLINE", flow.DefaultEventDeadline),
		PoolSize:         util.ParseIntEnv("POOL_SIZE", flow.DefaultPoolSize),
		ReminderCron:     os.Getenv("REMINDER_CRON"),
		ReopenTemplate:   os.Getenv("TEMPLATE_REOPEN"),
		SupabaseURL:      os.Getenv("SUPABASE_URL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No OUTLETPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// DATABASE_DSN wins over the older DATABASE_URL name.
	if config.ApplicationDSN == "" {
		config.ApplicationDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDSN == "" {
		config.ApplicationDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDSN)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = defaultWhatsAppDSN(config.StateDir)
	}

	if config.Provider == "" {
		config.Provider = ProviderWhatsmeow
		if util.ParseBoolEnv("USE_TWILIO", false) || os.Getenv("TWILIO_ACCOUNT_SID") != "" {
			config.Provider = ProviderTwilio
		}
	}
	if config.ReminderCron == "" {
		config.ReminderCron = scheduler.DefaultReminderCron
	}

	slog.Debug("environment variables loaded",
		"OUTLETPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDSN != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"ADMIN_TOKEN_SET", config.AdminToken != "",
		"PROVIDER", config.Provider,
		"CATALOG_FILE", config.CatalogFile,
		"ENVELOPE_REQUIRED", config.EnvelopeRequired,
		"ENVELOPE_STRICT", config.EnvelopeStrict,
		"IDLE_TIMEOUT", config.IdleTimeout,
		"SUPABASE_URL_SET", config.SupabaseURL != "")

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:    flag.String("qr-output", "", "path to write the whatsmeow login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for OutletPipe data (overrides $OUTLETPIPE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.ApplicationDSN, "application database DSN (overrides $DATABASE_DSN or $DATABASE_URL)"),
		waDSN:       flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		provider:    flag.String("provider", config.Provider, "transport provider: twilio or whatsmeow (overrides $PROVIDER)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		catalogFile: flag.String("catalog", config.CatalogFile, "YAML role menu and template catalog (overrides $CATALOG_FILE)"),
		idleTimeout: flag.Duration("idle-timeout", config.IdleTimeout, "idle session logout threshold (overrides $IDLE_TIMEOUT)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"provider", *flags.provider,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"catalog", *flags.catalogFile,
		"idleTimeout", *flags.idleTimeout)

	// Follow a --state-dir override for DSNs that were only defaulted.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.waDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.waDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
		slog.Debug("Updated default DSNs for state directory override", "state_dir", *flags.stateDir)
	}
	return flags
}

// ensureDirectoriesExist creates the state directory and the parent directory
// of a file-based application database.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if store.DetectDSNType(*flags.dbDSN) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(*flags.dbDSN, "file:")))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func validateProvider(name string) error {
	switch name {
	case ProviderTwilio, ProviderWhatsmeow:
		return nil
	default:
		return errors.New("provider must be " + ProviderTwilio + " or " + ProviderWhatsmeow + ", got " + name)
	}
}
