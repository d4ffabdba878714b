// Command worker consumes campaign recipient jobs from the AMQP queue and
// delivers them. Run alongside the main CampReach process (started with
// -defer-campaign-worker) to scale bulk sends horizontally.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/fieldhouse/CampReach/internal/campaign"
	"github.com/fieldhouse/CampReach/internal/channel"
	"github.com/fieldhouse/CampReach/internal/queue"
	"github.com/fieldhouse/CampReach/internal/store"
	"github.com/fieldhouse/CampReach/internal/twilio"
	"github.com/fieldhouse/CampReach/internal/util"
	"github.com/fieldhouse/CampReach/internal/whatsapp"
)

func main() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("CAMPREACH_DEBUG", false) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	dbDSN := flag.String("db-dsn", os.Getenv("DATABASE_URL"), "database DSN (overrides $DATABASE_URL)")
	amqpURL := flag.String("amqp-url", os.Getenv("AMQP_URL"), "AMQP broker URL (overrides $AMQP_URL)")
	statusCallbackURL := flag.String("status-callback-url", os.Getenv("STATUS_CALLBACK_URL"), "public URL for provider status callbacks (overrides $STATUS_CALLBACK_URL)")
	whatsappEnabled := flag.Bool("whatsapp", false, "enable the WhatsApp channel")
	whatsappDSN := flag.String("whatsapp-db-dsn", os.Getenv("WHATSAPP_DB_DSN"), "whatsmeow database DSN (overrides $WHATSAPP_DB_DSN)")
	flag.Parse()

	if *dbDSN == "" {
		slog.Error("DATABASE_URL is required; the worker shares the main instance's database")
		os.Exit(1)
	}
	if *amqpURL == "" {
		slog.Error("AMQP_URL is required; the worker only consumes queued campaign jobs")
		os.Exit(1)
	}

	if err := run(*dbDSN, *amqpURL, *statusCallbackURL, *whatsappEnabled, *whatsappDSN); err != nil {
		slog.Error("Campaign worker failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Campaign worker exited")
}

func run(dbDSN, amqpURL, statusCallbackURL string, whatsappEnabled bool, whatsappDSN string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	var err error
	if store.DetectDSNType(dbDSN) == "postgres" {
		st, err = store.NewPostgresStore(store.WithPostgresDSN(dbDSN))
	} else {
		st, err = store.NewSQLiteStore(store.WithSQLiteDSN(dbDSN))
	}
	if err != nil {
		return err
	}
	defer st.Close()

	twilioClient := twilio.NewClient()
	senders := []channel.Sender{
		twilio.NewSMSSender(twilioClient),
		twilio.NewVoiceSender(twilioClient),
	}
	if whatsappEnabled {
		var waOpts []whatsapp.Option
		if whatsappDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(whatsappDSN))
		}
		waClient, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			slog.Error("Failed to initialize WhatsApp client; channel disabled", "error", err)
		} else {
			senders = append(senders, whatsapp.NewSender(waClient))
		}
	}
	registry := channel.NewRegistry(senders...)

	q, err := queue.NewAMQPQueue(queue.WithAMQPURL(amqpURL))
	if err != nil {
		return err
	}
	defer q.Close()

	var opts []campaign.Option
	if statusCallbackURL != "" {
		opts = append(opts, campaign.WithStatusCallbackURL(statusCallbackURL))
	}
	runner := campaign.NewRunner(st, registry, q, opts...)
	if err := runner.Start(); err != nil {
		return err
	}

	slog.Info("Campaign worker consuming", "queue", queue.TopicCampaignSends)
	<-ctx.Done()
	slog.Info("Campaign worker shutting down")
	return nil
}
