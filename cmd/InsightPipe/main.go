package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/InsightPipe/internal/store"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for InsightPipe state data
	DefaultStateDir = "/var/lib/insightpipe"
	// DefaultDBFileName is the default SQLite session database filename
	DefaultDBFileName = "insightpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultChannel is the messaging channel used when none is configured
	DefaultChannel = "line"
)

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))
	config := loadEnvironmentConfig()
	// .env may have set LOG_LEVEL
	initializeLogger(config.LogLevel)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping InsightPipe", "channel", flags.Channel, "state_dir", flags.StateDir, "dsn_set", flags.DatabaseDSN != "", "api_addr", flags.APIAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("InsightPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("InsightPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir            string
	DatabaseDSN         string
	WhatsAppDSN         string
	APIAddr             string
	AdminToken          string
	CatalogFile         string
	SurveyMode          string
	InterimFeedback     string
	OpenAIKey           string
	OpenAIModel         string
	OpenAIFallbackModel string
	AnthropicKey        string
	AnthropicModel      string
	GenAIDebug          bool
	LineAccessToken     string
	LineChannelSecret   string
	TwilioAccountSID    string
	TwilioAuthToken     string
	TwilioFromNumber    string
	TwilioWebhookURL    string
	Channel             string
	MaxConcurrentEvents int64
	LogLevel            string
}

// Flags holds the final settings after command line overrides
type Flags struct {
	Config
	QROutput    string
	NumericCode bool
}

// initializeLogger sets up structured logging at the configured level (debug by default)
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// parseLogLevel maps LOG_LEVEL to a slog level, defaulting to debug.
func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if s == "" {
		return slog.LevelDebug
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return slog.LevelDebug
	}
	return level
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:            os.Getenv("INSIGHTPIPE_STATE_DIR"),
		DatabaseDSN:         os.Getenv("DATABASE_URL"),
		WhatsAppDSN:         os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:             os.Getenv("API_ADDR"),
		AdminToken:          os.Getenv("ADMIN_TOKEN"),
		CatalogFile:         os.Getenv("CATALOG_FILE"),
		SurveyMode:          os.Getenv("SURVEY_MODE"),
		InterimFeedback:     os.Getenv("INTERIM_FEEDBACK"),
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:         os.Getenv("OPENAI_MODEL"),
		OpenAIFallbackModel: os.Getenv("OPENAI_FALLBACK_MODEL"),
		AnthropicKey:        os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:      os.Getenv("ANTHROPIC_MODEL"),
		LineAccessToken:     os.Getenv("LINE_CHANNEL_ACCESS_TOKEN"),
		LineChannelSecret:   os.Getenv("LINE_CHANNEL_SECRET"),
		TwilioAccountSID:    os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:    os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL:    os.Getenv("TWILIO_WEBHOOK_URL"),
		Channel:             strings.ToLower(os.Getenv("MESSAGING_CHANNEL")),
		LogLevel:            os.Getenv("LOG_LEVEL"),
	}

	if v, ok := parseBool(os.Getenv("GENAI_DEBUG")); ok {
		config.GenAIDebug = v
	}
	if v := os.Getenv("MAX_CONCURRENT_EVENTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.MaxConcurrentEvents = n
		} else {
			slog.Warn("Ignoring invalid MAX_CONCURRENT_EVENTS", "value", v)
		}
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No INSIGHTPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.Channel == "" {
		config.Channel = DefaultChannel
	}

	slog.Debug("environment variables loaded",
		"INSIGHTPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"API_ADDR", config.APIAddr,
		"ADMIN_TOKEN_SET", config.AdminToken != "",
		"CATALOG_FILE", config.CatalogFile,
		"MESSAGING_CHANNEL", config.Channel,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"ANTHROPIC_API_KEY_SET", config.AnthropicKey != "",
		"LINE_CREDENTIALS_SET", config.LineAccessToken != "" && config.LineChannelSecret != "",
		"TWILIO_CREDENTIALS_SET", config.TwilioAccountSID != "" && config.TwilioAuthToken != "")

	return config
}

// parseCommandLineFlags applies command line overrides to the environment config.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{Config: config}

	fs.StringVar(&flags.StateDir, "state-dir", config.StateDir, "state directory for InsightPipe data (overrides $INSIGHTPIPE_STATE_DIR)")
	fs.StringVar(&flags.DatabaseDSN, "db-dsn", config.DatabaseDSN, "session database DSN; a file path selects SQLite, a postgres URL selects PostgreSQL, \"memory\" keeps sessions in memory (overrides $DATABASE_URL)")
	fs.StringVar(&flags.WhatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.AdminToken, "admin-token", config.AdminToken, "bearer token for the /sessions admin endpoints; they are disabled when empty (overrides $ADMIN_TOKEN)")
	fs.StringVar(&flags.CatalogFile, "catalog", config.CatalogFile, "survey definition YAML file (overrides $CATALOG_FILE)")
	fs.StringVar(&flags.Channel, "channel", config.Channel, "messaging channel: line, twilio or whatsapp (overrides $MESSAGING_CHANNEL)")
	fs.StringVar(&flags.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&flags.AnthropicKey, "anthropic-api-key", config.AnthropicKey, "Anthropic API key (overrides $ANTHROPIC_API_KEY)")
	fs.BoolVar(&flags.GenAIDebug, "genai-debug", config.GenAIDebug, "write generation requests and responses to <state-dir>/debug (overrides $GENAI_DEBUG)")
	fs.Int64Var(&flags.MaxConcurrentEvents, "max-concurrent-events", config.MaxConcurrentEvents, "maximum number of users processed at once (overrides $MAX_CONCURRENT_EVENTS)")
	fs.StringVar(&flags.QROutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&flags.NumericCode, "numeric-code", false, "use a numeric WhatsApp login code instead of a QR code")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	flags.Channel = strings.ToLower(flags.Channel)

	switch flags.DatabaseDSN {
	case "":
		flags.DatabaseDSN = filepath.Join(flags.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", flags.DatabaseDSN)
	case "memory":
		flags.DatabaseDSN = ""
		slog.Debug("In-memory session store requested")
	}
	if flags.WhatsAppDSN == "" {
		flags.WhatsAppDSN = "file:" + filepath.Join(flags.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("flags parsed",
		"stateDir", flags.StateDir,
		"dbDSN_set", flags.DatabaseDSN != "",
		"channel", flags.Channel,
		"apiAddr", flags.APIAddr,
		"genaiDebug", flags.GenAIDebug,
		"maxConcurrentEvents", flags.MaxConcurrentEvents)
	return flags, nil
}

// parseBool accepts true/1/yes/on and false/0/no/off, case-insensitively.
// ok is false for empty or unrecognized input.
func parseBool(s string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// usesFileStore reports whether dsn selects a SQLite file that must be guarded by the state lock.
func usesFileStore(dsn string) bool {
	return dsn != "" && store.DetectDSNType(dsn) == "sqlite3"
}

// validateChannel rejects unknown channel names early with a readable error.
func validateChannel(name string) error {
	switch name {
	case "line", "twilio", "whatsapp":
		return nil
	default:
		return fmt.Errorf("unknown messaging channel %q (want line, twilio or whatsapp)", name)
	}
}
