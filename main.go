package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/domain/proration"
	"github.com/meterline/meterline/internal/idempotency"
	"github.com/meterline/meterline/internal/lock"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/processor"
	"github.com/meterline/meterline/internal/pubsub/memory"
	repo "github.com/meterline/meterline/internal/repository/postgres"
	"github.com/meterline/meterline/internal/service"
	"github.com/meterline/meterline/internal/types"
	"github.com/meterline/meterline/internal/worker"
)

func init() {
	time.Local = time.UTC
}

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.NewLogger(logger.Config{Level: cfg.Logging.Level})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	db, err := postgres.New(cfg.Postgres, logr)
	if err != nil {
		logr.Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	repos := repo.NewRepositories(db, logr)
	bus := memory.NewPubSub(logr)
	defer bus.Close()

	params := service.ServiceParams{
		Logger:      logr,
		Config:      cfg,
		DB:          db,
		Cache:       cache.NewInMemoryCache(),
		Guard:       lock.NewPostgresManager(db, logr),
		Idempotency: idempotency.NewGenerator(),
		Processor:   processor.NewStripeAdapter(cfg.Stripe.SecretKey, logr),
		Publisher:   bus,
		Proration:   proration.NewCalculator(types.StrategyDayBased),

		CustomerRepo:    repos.Customer,
		FeatureRepo:     repos.Feature,
		ProductRepo:     repos.Product,
		PriceRepo:       repos.Price,
		EntitlementRepo: repos.Entitlement,
		CusProductRepo:  repos.CusProduct,
		BalanceRepo:     repos.Balance,
		InvoiceRepo:     repos.Invoice,
	}
	if err := params.Validate(); err != nil {
		logr.Fatalw("invalid service wiring", "error", err)
	}

	ledger := service.NewLedgerService(params)
	planner := service.NewPlannerService(params)
	scheduler := service.NewSchedulerService(params, planner, ledger)
	reconciliation := service.NewReconciliationService(params, scheduler, ledger, planner)

	// Constructed for embedding callers; the HTTP surface lives outside
	// this binary.
	_ = service.NewAttachService(params, planner, ledger, scheduler)
	_ = service.NewCustomerService(params)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode := cfg.Deployment.Mode
	logr.Infow("starting", "mode", mode)

	switch mode {
	case types.ModeLocal, types.ModeWorker:
		runner := worker.NewRunner(logr, cfg.Worker, ledger, reconciliation, bus)
		if err := runner.Start(ctx); err != nil {
			logr.Fatalw("worker stopped", "error", err)
		}
	case types.ModeAPI:
		// The engine is consumed as a library by the API deployment; this
		// binary only hosts the background loops.
		logr.Warnw("api mode has no in-binary surface; idling until shutdown")
		<-ctx.Done()
	default:
		logr.Fatalw("unknown run mode", "mode", mode)
	}

	logr.Infow("shutdown complete")
}
