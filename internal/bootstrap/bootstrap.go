package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/merchantforge/poflow/internal/config"
	"github.com/merchantforge/poflow/internal/core/ports"
	"github.com/merchantforge/poflow/internal/core/usecase"
	"github.com/merchantforge/poflow/internal/infrastructure/docfile"
	"github.com/merchantforge/poflow/internal/infrastructure/images"
	"github.com/merchantforge/poflow/internal/infrastructure/parser"
	"github.com/merchantforge/poflow/internal/infrastructure/polock"
	"github.com/merchantforge/poflow/internal/infrastructure/pricing"
	"github.com/merchantforge/poflow/internal/infrastructure/queue/nats"
	"github.com/merchantforge/poflow/internal/infrastructure/repository/postgres"
	"github.com/merchantforge/poflow/internal/infrastructure/resilience"
	"github.com/merchantforge/poflow/internal/infrastructure/shopify"
	"github.com/merchantforge/poflow/internal/infrastructure/stagestore"
	"github.com/merchantforge/poflow/internal/infrastructure/storage/localfs"
	"github.com/merchantforge/poflow/internal/observability/logging"
)

// App wires the pipeline's collaborators once and hands the entry points to
// the api and worker binaries.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Orchestrator *usecase.Orchestrator
	ImageStage   *usecase.ImageAttachmentStage
	Queue        *nats.Queue
	Storage      ports.ObjectStorage

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, service string) (*App, error) {
	logger := logging.NewJSONLogger(service, cfg.LogLevel)
	slog.SetDefault(logger)

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	runs := postgres.NewWorkflowRepository(db, time.Duration(cfg.WorkflowTTLHours)*time.Hour)
	pos := postgres.NewPurchaseOrderRepository(db)
	store := stagestore.NewPostgres(db, time.Duration(cfg.StageResultTTLMinutes)*time.Minute)

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	queue, err := nats.New(cfg.NATSURL, cfg.NATSStageSubject, cfg.NATSImageSubject)
	if err != nil {
		return nil, fmt.Errorf("init stage queue: %w", err)
	}

	progress := usecase.NewProgressProjector(nats.NewNotifier(queue, cfg.NATSProgressPrefix), logger)
	exec := resilience.NewExecutor(resilience.DefaultConfig())
	locks := polock.New(polock.Options{
		MaxAge: time.Duration(cfg.LockMaxAgeMinutes) * time.Minute,
		Poll:   time.Duration(cfg.LockPollMillis) * time.Millisecond,
	})

	docParser := parser.New(parser.Config{
		BaseURL: cfg.ParserURL,
		Model:   cfg.ParserModel,
	})
	imageSearch := images.New(images.Config{
		BaseURL:       cfg.ImageSearchURL,
		RatePerSecond: cfg.ImageSearchRPS,
		Burst:         cfg.ImageSearchBurst,
	})
	pricingClient := pricing.New(cfg.PricingURL)
	shopifyClient := shopify.New(cfg.ShopifyURL, cfg.ShopifyToken)
	inspector := docfile.NewInspector()

	imageStage := usecase.NewImageAttachmentStage(pos, imageSearch, queue, progress, logger)
	orchestrator := usecase.NewOrchestrator(
		runs, pos, store, queue, locks, progress, logger,
		usecase.NewAIParsingStage(docParser, storage, inspector, pos, progress, exec, logger),
		usecase.NewDatabaseSaveStage(pos, progress, exec, logger),
		usecase.NewProductDraftCreationStage(pos, pricingClient, progress, exec, logger),
		imageStage,
		usecase.NewShopifySyncStage(pos, shopifyClient, progress, exec, logger),
		usecase.NewStatusUpdateStage(pos, progress, cfg.ReviewConfidenceThreshold, logger),
	)

	return &App{
		Config:       cfg,
		Logger:       logger,
		Orchestrator: orchestrator,
		ImageStage:   imageStage,
		Queue:        queue,
		Storage:      storage,

		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
