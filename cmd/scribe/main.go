package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quillworks/scribe/internal/api"
	"github.com/quillworks/scribe/internal/config"
	"github.com/quillworks/scribe/internal/docmerge"
	"github.com/quillworks/scribe/internal/ingest"
	"github.com/quillworks/scribe/internal/model"
	"github.com/quillworks/scribe/internal/notify"
	"github.com/quillworks/scribe/internal/queue"
	slackalert "github.com/quillworks/scribe/internal/slack"
	"github.com/quillworks/scribe/internal/store"
	"github.com/quillworks/scribe/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	slog.Info("scribe starting",
		"port", cfg.Port,
		"nats_url", cfg.NatsURL,
		"model", cfg.ModelName,
		"process_interval", cfg.ProcessInterval,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Connect to Postgres and apply schema.
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		slog.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	// Step 2: Core engines.
	transcripts := transcript.NewManager(db)
	merger := docmerge.NewEngine(db)
	jobQueue := queue.NewQueue(db)

	// Step 3: Connect to NATS and start ingesting.
	ing, err := ingest.New(cfg.NatsURL, transcripts, jobQueue)
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer ing.Close()

	// Conditionally create Slack alerter for terminal job failures.
	var slackAlerter *slackalert.Alerter
	if cfg.SlackBotToken != "" && cfg.SlackAlertChannel != "" {
		slackAlerter = slackalert.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel)
		slog.Info("Slack job alerter enabled", "channel", cfg.SlackAlertChannel)
	}
	publisher := notify.NewPublisher(ing.Publish, alerterOrNil(slackAlerter))

	// Step 4: Model client and processor.
	modelClient := model.NewClient(cfg.ModelEndpoint, cfg.ModelAPIKey, cfg.ModelName)
	processor := queue.NewProcessor(db, merger, modelClient,
		publisher, publisher, publisher,
		queue.Config{Temperature: cfg.ModelTemperature},
	)

	if err := ing.Start(); err != nil {
		slog.Error("failed to start ingester", "error", err)
		os.Exit(1)
	}
	slog.Info("NATS ingester started")

	// Step 5: Optional background processing loop.
	if cfg.ProcessInterval > 0 {
		go runProcessLoop(ctx, processor, cfg.ProcessInterval, cfg.ProcessBatchLimit)
		slog.Info("background processor started",
			"interval", cfg.ProcessInterval,
			"batch_limit", cfg.ProcessBatchLimit,
		)
	}

	// Step 6: Start HTTP API.
	srv := api.NewServer(db, jobQueue, processor, merger, transcripts, cfg.Port)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("scribe ready", "port", cfg.Port)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("shutting down", "signal", sig)
	cancel()
	slog.Info("scribe stopped")
}

// alerterOrNil avoids handing the publisher a typed nil.
func alerterOrNil(a *slackalert.Alerter) notify.SlackAlerter {
	if a == nil {
		return nil
	}
	return a
}

func runProcessLoop(ctx context.Context, p *queue.Processor, interval time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outcomes := p.ProcessBatch(ctx, limit, false)
			for _, out := range outcomes {
				if out.Reason == queue.ReasonEmpty {
					continue
				}
				slog.Debug("processed job",
					"job_id", out.JobID,
					"processed", out.Processed,
					"reason", out.Reason,
				)
			}
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
