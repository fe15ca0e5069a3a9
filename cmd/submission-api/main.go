package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DEFRA/forms-submission-api-sub000/internal/config"
	"github.com/DEFRA/forms-submission-api-sub000/internal/consumer"
	"github.com/DEFRA/forms-submission-api-sub000/internal/database"
	"github.com/DEFRA/forms-submission-api-sub000/internal/files"
	"github.com/DEFRA/forms-submission-api-sub000/internal/forms"
	"github.com/DEFRA/forms-submission-api-sub000/internal/httpserver"
	"github.com/DEFRA/forms-submission-api-sub000/internal/janitor"
	"github.com/DEFRA/forms-submission-api-sub000/internal/logger"
	"github.com/DEFRA/forms-submission-api-sub000/internal/notify"
	"github.com/DEFRA/forms-submission-api-sub000/internal/objectstore"
	"github.com/DEFRA/forms-submission-api-sub000/internal/queue"
	"github.com/DEFRA/forms-submission-api-sub000/internal/saveexit"
	"github.com/DEFRA/forms-submission-api-sub000/internal/scheduler"
	"github.com/DEFRA/forms-submission-api-sub000/internal/submissions"
)

func main() {
	logger.Init("submission-api")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal(ctx, "failed to load configuration", err)
	}

	db, err := database.NewClient(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize database client", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal(ctx, "failed to apply database schema", err)
	}

	store, err := objectstore.New(ctx, cfg.GCSSigningEmail, cfg.GCSSigningPrivateKey)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize object store client", err)
	}
	defer store.Close()

	q := queue.New(db)
	fileRepo := files.NewRepository(db)
	fileSvc := files.NewService(fileRepo, store, cfg)
	saveExitRepo := saveexit.NewRepository(db)
	saveExitSvc := saveexit.NewService(saveExitRepo, time.Now)
	submissionRepo := submissions.NewRepository(db)

	submissionConsumer := consumer.NewSubmissionConsumer(q, db, submissionRepo, cfg, time.Now)
	saveExitConsumer := consumer.NewSaveAndExitConsumer(q, db, saveExitRepo, cfg, time.Now)

	notifier := notify.NewService(cfg.NotifierURL, cfg.NotifierAPIKey)
	formsSvc := forms.NewService(cfg.FormsManagerURL)
	expiryScheduler := scheduler.New(saveExitRepo, formsSvc, notifier, cfg, time.Now)

	tables := janitor.Tables(saveExitRepo, submissionRepo)
	tables["queue_messages"] = q
	sweeper := janitor.New(cfg.JanitorInterval, tables)

	server := httpserver.NewServer(cfg, fileSvc, saveExitSvc, submissionRepo)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: server.Handler()}

	logger.Info(ctx, "starting submission api", logger.Fields{
		"port":          cfg.Port,
		"poll_interval": cfg.PollInterval.String(),
		"max_batch":     cfg.MaxBatch,
		"log_level":     cfg.LogLevel,
	})

	go submissionConsumer.Run(ctx)
	go saveExitConsumer.Run(ctx)
	sweeper.Start(ctx)
	if err := expiryScheduler.Start(ctx); err != nil {
		logger.Fatal(ctx, "failed to start expiry scheduler", err)
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(ctx, "http server failed", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info(ctx, "received shutdown signal", logger.Fields{"signal": sig.String()})

	cancel()
	expiryScheduler.Stop()
	sweeper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "http server shutdown failed", err)
	}

	logger.Info(context.Background(), "submission api shutdown complete")
}
