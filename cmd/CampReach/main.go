package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fieldhouse/CampReach/internal/api"
	"github.com/fieldhouse/CampReach/internal/campaign"
	"github.com/fieldhouse/CampReach/internal/channel"
	"github.com/fieldhouse/CampReach/internal/engine"
	"github.com/fieldhouse/CampReach/internal/lockfile"
	"github.com/fieldhouse/CampReach/internal/queue"
	"github.com/fieldhouse/CampReach/internal/scheduler"
	"github.com/fieldhouse/CampReach/internal/store"
	"github.com/fieldhouse/CampReach/internal/twilio"
	"github.com/fieldhouse/CampReach/internal/util"
	"github.com/fieldhouse/CampReach/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CampReach state data
	DefaultStateDir = "/var/lib/campreach"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "campreach.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := os.MkdirAll(*flags.stateDir, 0o755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		os.Exit(1)
	}

	// Two instances polling one database would double-send.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire instance lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := run(flags); err != nil && err != context.Canceled {
		slog.Error("CampReach failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CampReach exited successfully")
}

func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := time.LoadLocation(*flags.timezone)
	if err != nil {
		slog.Error("Invalid timezone", "error", err, "timezone", *flags.timezone)
		return err
	}

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := buildRegistry(flags)

	settings := engine.Settings{
		QuietStart:        *flags.quietStart,
		QuietEnd:          *flags.quietEnd,
		QuietEnabled:      *flags.quietEnabled,
		Location:          loc,
		StatusCallbackURL: *flags.statusCallbackURL,
	}
	disp := engine.NewDispatcher(st, registry, settings)

	q, err := buildQueue(flags)
	if err != nil {
		return err
	}
	defer q.Close()

	var campaignOpts []campaign.Option
	if *flags.statusCallbackURL != "" {
		campaignOpts = append(campaignOpts, campaign.WithStatusCallbackURL(*flags.statusCallbackURL))
	}
	runner := campaign.NewRunner(st, registry, q, campaignOpts...)
	// With a dedicated worker fleet, this process only publishes campaign
	// jobs; otherwise it consumes them in-line.
	if !*flags.workerOnly {
		if err := runner.Start(); err != nil {
			slog.Error("Failed to start campaign runner", "error", err)
			return err
		}
	}

	sched := scheduler.NewScheduler(loc)
	defer sched.Stop()
	scanner := scheduler.NewScanner(st, disp, loc)
	if err := scanner.Schedule(sched, *flags.scanCron); err != nil {
		slog.Error("Failed to schedule daily scan", "error", err)
		return err
	}

	go func() {
		if err := disp.Run(ctx); err != nil && err != context.Canceled {
			slog.Error("Dispatcher stopped unexpectedly", "error", err)
		}
	}()

	srv := api.NewServer(st, disp, runner, buildAPIOptions(flags)...)
	slog.Info("Bootstrapping CampReach", "api_addr", *flags.apiAddr, "timezone", *flags.timezone, "quiet_enabled", *flags.quietEnabled)
	return srv.Run(ctx)
}

// Config holds environment configuration
type Config struct {
	DatabaseURL       string
	StateDir          string
	APIAddr           string
	AMQPURL           string
	WhatsAppDSN       string
	Timezone          string
	ScanCron          string
	StatusCallbackURL string
	QuietStart        int
	QuietEnd          int
	QuietEnabled      bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir          *string
	dbDSN             *string
	apiAddr           *string
	amqpURL           *string
	whatsappEnabled   *bool
	whatsappDSN       *string
	qrOutput          *string
	numeric           *bool
	timezone          *string
	scanCron          *string
	statusCallbackURL *string
	quietStart        *int
	quietEnd          *int
	quietEnabled      *bool
	workerOnly        *bool
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("CAMPREACH_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StateDir:          os.Getenv("CAMPREACH_STATE_DIR"),
		APIAddr:           os.Getenv("API_ADDR"),
		AMQPURL:           os.Getenv("AMQP_URL"),
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		Timezone:          os.Getenv("CAMPREACH_TIMEZONE"),
		ScanCron:          os.Getenv("SCAN_CRON"),
		StatusCallbackURL: os.Getenv("STATUS_CALLBACK_URL"),
		QuietStart:        parseIntEnv("QUIET_HOURS_START", 21),
		QuietEnd:          parseIntEnv("QUIET_HOURS_END", 8),
		QuietEnabled:      util.ParseBoolEnv("QUIET_HOURS_ENABLED", true),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.Timezone == "" {
		config.Timezone = "Local"
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CAMPREACH_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"AMQP_URL_SET", config.AMQPURL != "",
		"TIMEZONE", config.Timezone,
		"QUIET_HOURS", config.QuietEnabled)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:          flag.String("state-dir", config.StateDir, "state directory for CampReach data (overrides $CAMPREACH_STATE_DIR)"),
		dbDSN:             flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		apiAddr:           flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		amqpURL:           flag.String("amqp-url", config.AMQPURL, "AMQP broker URL for campaign jobs (overrides $AMQP_URL)"),
		whatsappEnabled:   flag.Bool("whatsapp", false, "enable the WhatsApp channel"),
		whatsappDSN:       flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow database DSN (overrides $WHATSAPP_DB_DSN)"),
		qrOutput:          flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:           flag.Bool("numeric-code", false, "use a numeric WhatsApp login code instead of a QR code"),
		timezone:          flag.String("timezone", config.Timezone, "business timezone for quiet hours and date triggers (overrides $CAMPREACH_TIMEZONE)"),
		scanCron:          flag.String("scan-cron", config.ScanCron, "cron spec for the daily date-proximity scan (overrides $SCAN_CRON)"),
		statusCallbackURL: flag.String("status-callback-url", config.StatusCallbackURL, "public URL for provider status callbacks (overrides $STATUS_CALLBACK_URL)"),
		quietStart:        flag.Int("quiet-start", config.QuietStart, "quiet hours start (overrides $QUIET_HOURS_START)"),
		quietEnd:          flag.Int("quiet-end", config.QuietEnd, "quiet hours end (overrides $QUIET_HOURS_END)"),
		quietEnabled:      flag.Bool("quiet-enabled", config.QuietEnabled, "enable quiet hours (overrides $QUIET_HOURS_ENABLED)"),
		workerOnly:        flag.Bool("defer-campaign-worker", false, "leave campaign job consumption to dedicated workers"),
	}

	flag.Parse()
	return flags
}

// buildStore opens the backend matching the DSN.
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildRegistry wires every configured provider into the channel registry.
// Twilio credentials come from the environment; missing credentials leave
// those channels unconfigured rather than failing startup.
func buildRegistry(flags Flags) *channel.Registry {
	twilioClient := twilio.NewClient()
	senders := []channel.Sender{
		twilio.NewSMSSender(twilioClient),
		twilio.NewVoiceSender(twilioClient),
	}

	if *flags.whatsappEnabled {
		waOpts := buildWhatsAppOptions(flags)
		waClient, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			slog.Error("Failed to initialize WhatsApp client; channel disabled", "error", err)
		} else {
			senders = append(senders, whatsapp.NewSender(waClient))
		}
	}

	return channel.NewRegistry(senders...)
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildQueue selects the campaign job transport: AMQP when a broker URL is
// configured, in-process otherwise.
func buildQueue(flags Flags) (queue.Queue, error) {
	if *flags.amqpURL == "" {
		slog.Debug("No AMQP URL provided, using in-process campaign queue")
		return queue.NewInMemoryQueue(), nil
	}
	q, err := queue.NewAMQPQueue(queue.WithAMQPURL(*flags.amqpURL))
	if err != nil {
		slog.Error("Failed to connect to AMQP broker", "error", err)
		return nil, err
	}
	return q, nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// parseIntEnv reads an integer environment variable with a fallback.
func parseIntEnv(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Invalid integer environment variable, using fallback", "key", key, "value", raw, "fallback", fallback)
		return fallback
	}
	return n
}
