package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/gatekeeper/internal/app"
	"github.com/odyssey-erp/gatekeeper/internal/auth"
	jobmetrics "github.com/odyssey-erp/gatekeeper/internal/jobs"
	"github.com/odyssey-erp/gatekeeper/internal/mail"
	"github.com/odyssey-erp/gatekeeper/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open runtime", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	renderer, err := mail.NewRenderer()
	if err != nil {
		logger.Error("init mail renderer", slog.Any("error", err))
		os.Exit(1)
	}
	var sender mail.Sender = mail.LogSender{Logger: logger}
	if cfg.SMTPHost != "" {
		sender = mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		})
	} else {
		logger.Warn("SMTP_HOST not set, emails will only be logged")
	}

	metrics := jobmetrics.NewMetrics(nil)
	mailer := jobs.NewMailer(renderer, sender, logger, metrics)
	purge := jobs.NewPurgeResetTokensJob(auth.NewRepository(rt.DB), logger, metrics)

	var cron []jobs.CronRegistration
	if cfg.AuthResetTokenTTL > 0 {
		purgeTask, err := jobs.NewPurgeResetTokensTask(cfg.AuthResetTokenTTL)
		if err != nil {
			logger.Error("build purge task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{Spec: "@hourly", Task: purgeTask, Options: []asynq.Option{asynq.MaxRetry(3)}})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   rt.QueueOpt(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    jobs.DefaultHandlers(mailer, purge),
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
