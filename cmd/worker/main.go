package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/merchantforge/poflow/internal/bootstrap"
	"github.com/merchantforge/poflow/internal/config"
	"github.com/merchantforge/poflow/internal/core/domain"
	"github.com/merchantforge/poflow/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "poflow-worker")
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics("poflow-worker")
	metricsServer := &http.Server{
		Addr:    ":" + cfg.WorkerMetricsPort,
		Handler: workerMetrics.Handler(),
	}
	go func() {
		app.Logger.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Logger.Error("worker_metrics_error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	stageTimeout := time.Duration(cfg.StageJobTimeoutSeconds) * time.Second

	// Both subscriptions block until shutdown; the image lane runs beside
	// the stage lane.
	go func() {
		err := app.Queue.SubscribeImageJobs(ctx, func(handlerCtx context.Context, job domain.ImageJob) error {
			jobCtx, cancel := context.WithTimeout(handlerCtx, time.Minute)
			defer cancel()

			handleErr := app.ImageStage.ProcessImageJob(jobCtx, job)
			workerMetrics.FinishImageJob("poflow-worker", handleErr)
			return handleErr
		})
		if err != nil {
			app.Logger.Error("worker_image_subscribe_error", "error", err)
		}
	}()

	app.Logger.Info("worker_subscribed",
		"stage_subject", cfg.NATSStageSubject,
		"image_subject", cfg.NATSImageSubject,
	)

	err = app.Queue.SubscribeStageJobs(ctx, func(handlerCtx context.Context, job domain.StageJob) error {
		workerMetrics.StartStage()
		workerMetrics.ObserveQueueLag("poflow-worker", string(job.Stage), time.Since(job.EnqueuedAt))

		jobCtx, cancel := context.WithTimeout(handlerCtx, stageTimeout)
		defer cancel()

		start := time.Now()
		handleErr := app.Orchestrator.HandleStageJob(jobCtx, job)
		workerMetrics.FinishStage("poflow-worker", string(job.Stage), time.Since(start), handleErr)
		return handleErr
	})
	if err != nil {
		log.Fatalf("worker stage subscribe error: %v", err)
	}
}
