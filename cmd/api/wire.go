package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/inaiurai/settlement/internal/bulk"
	"github.com/inaiurai/settlement/internal/cache"
	"github.com/inaiurai/settlement/internal/campaigns"
	"github.com/inaiurai/settlement/internal/config"
	"github.com/inaiurai/settlement/internal/dashboard"
	"github.com/inaiurai/settlement/internal/database"
	"github.com/inaiurai/settlement/internal/database/migrations"
	"github.com/inaiurai/settlement/internal/enrollments"
	"github.com/inaiurai/settlement/internal/execution"
	"github.com/inaiurai/settlement/internal/handlers"
	"github.com/inaiurai/settlement/internal/invoices"
	"github.com/inaiurai/settlement/internal/ledger"
	"github.com/inaiurai/settlement/internal/notify"
	"github.com/inaiurai/settlement/internal/overdue"
	"github.com/inaiurai/settlement/internal/remote"
	"github.com/inaiurai/settlement/internal/repository"
	"github.com/inaiurai/settlement/internal/store/memstore"
	"github.com/inaiurai/settlement/internal/verification"
)

type application struct {
	handler *handlers.Handler
	closers []func()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// shared holds the collaborators both storage drivers use.
type shared struct {
	balances  ledger.BalanceCache
	locker    invoices.Locker
	renderer  invoices.Renderer
	verifier  enrollments.Verifier
	proofs    *verification.ProofValidator
	publisher notify.Publisher
	closers   []func()
}

func buildShared(ctx context.Context, cfg config.Config, logger *slog.Logger) (*shared, error) {
	s := &shared{locker: invoices.NewLocalLocker(), publisher: notify.LogPublisher{Logger: logger}}

	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, "", cfg.RedisDB)
		if err != nil {
			slog.Warn("Redis unavailable; running without balance cache and with in-process locks", "error", err)
		} else {
			s.balances = cache.NewBalances(rdb, cfg.BalanceCacheTTL)
			s.locker = cache.NewLocker(rdb)
			s.closers = append(s.closers, func() { _ = rdb.Close() })
			slog.Info("Connected to Redis", "addr", cfg.RedisAddr)
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp, err := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		s.publisher = kp
		s.closers = append(s.closers, func() { _ = kp.Close() })
	}

	proofs, err := verification.NewProofValidator(cfg.Verification.SchemaPath)
	if err != nil {
		return nil, err
	}
	s.proofs = proofs

	if cfg.Verification.URL != "" {
		rc := remote.NewClient(cfg.Verification.URL, cfg.Verification.Timeout, cfg.Verification.MaxTries, logger)
		s.verifier = verification.NewClient(rc)
	} else {
		slog.Warn("VERIFICATION_URL not set; submissions are stored without OCR confidence")
	}
	if cfg.Invoices.RendererURL != "" {
		rc := remote.NewClient(cfg.Invoices.RendererURL, cfg.Invoices.RendererTimeout, cfg.Verification.MaxTries, logger)
		s.renderer = invoices.NewPDFRenderer(rc)
	}
	return s, nil
}

func enrollmentConfig(cfg config.Config) (enrollments.Config, error) {
	rate, err := cfg.GSTRate()
	if err != nil {
		return enrollments.Config{}, err
	}
	return enrollments.Config{
		GSTRate:                 rate,
		MaxRejections:           cfg.Settlement.MaxRejections,
		DefaultSubmissionWindow: cfg.Settlement.DefaultSubmissionWindow,
		ResubmissionWindow:      cfg.Settlement.ResubmissionWindow,
		OperationTimeout:        cfg.Settlement.OperationTimeout,
	}, nil
}

func schedules(cfg config.Config) execution.Schedules {
	return execution.Schedules{
		WeeklyInvoiceOffset: cfg.Jobs.WeeklyRunOffset,
		ExpirySweep:         cfg.Jobs.ExpirySweepEvery,
		InvoiceOverdueSweep: cfg.Jobs.OverdueSweepEvery,
	}
}

func buildPostgres(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	app := &application{closers: []func(){pool.Close}}

	if err := pool.Ping(ctx); err != nil {
		app.close()
		return nil, fmt.Errorf("cannot reach PostgreSQL (is it running?): %w", err)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := database.Migrate(ctx, pool, migrations.FS); err != nil {
		app.close()
		return nil, err
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		app.close()
		return nil, fmt.Errorf("create River migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		app.close()
		return nil, fmt.Errorf("river migrate up: %w", err)
	}
	slog.Info("Migrations applied")

	sh, err := buildShared(ctx, cfg, logger)
	if err != nil {
		app.close()
		return nil, err
	}
	app.closers = append(app.closers, sh.closers...)

	ecfg, err := enrollmentConfig(cfg)
	if err != nil {
		app.close()
		return nil, err
	}

	// The outbox needs the River client, which needs the workers, which need the services.
	var riverClient *river.Client[pgx.Tx]
	outbox := execution.NewOutbox(execution.RiverInsert(&riverClient))

	ledgerSvc := ledger.NewService(pool, ledger.NewRepository(pool), sh.balances, logger)
	campaignRepo := repository.NewCampaignRepo(pool)
	enrollmentRepo := repository.NewEnrollmentRepo(pool)
	invoiceRepo := repository.NewInvoiceRepo(pool)

	enrollmentSvc := enrollments.NewService(enrollments.Deps{
		DB:        pool,
		Repo:      enrollmentRepo,
		Campaigns: campaignRepo,
		Ledger:    ledgerSvc,
		Notifier:  outbox,
		Verifier:  sh.verifier,
		Proofs:    sh.proofs,
		Logger:    logger,
	}, ecfg)
	invoiceSvc := invoices.NewService(invoiceRepo, sh.locker, sh.renderer, invoices.Config{
		PaymentTerms: cfg.Invoices.PaymentTerms,
		LockTTL:      cfg.Invoices.LockTTL,
	}, logger)

	workers := river.NewWorkers()
	execution.Register(workers,
		execution.NewNotifyTransitionWorker(sh.publisher),
		execution.NewWeeklyInvoiceWorker(invoiceSvc, logger),
		execution.NewExpirySweepWorker(enrollmentSvc, logger),
		execution.NewInvoiceOverdueWorker(invoiceSvc, logger),
	)
	riverClient, err = river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Jobs.MaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: execution.PeriodicJobs(schedules(cfg)),
		Logger:       logger,
	})
	if err != nil {
		app.close()
		return nil, fmt.Errorf("create River client: %w", err)
	}
	if err := riverClient.Start(ctx); err != nil {
		app.close()
		return nil, fmt.Errorf("start River client: %w", err)
	}
	app.closers = append(app.closers, func() {
		if err := riverClient.Stop(context.Background()); err != nil {
			slog.Error("River client stop failed", "error", err)
		}
	})

	monitor := overdue.NewMonitor(enrollmentRepo, cfg.Settlement.OverdueThreshold)
	app.handler = handlers.New(handlers.Deps{
		Enrollments: enrollmentSvc,
		Bulk:        bulk.NewCoordinator(enrollmentSvc, cfg.Settlement.BulkWorkers, logger),
		Overdue:     monitor,
		Wallet:      ledgerSvc,
		Invoices:    invoiceSvc,
		Campaigns:   campaigns.NewService(campaignRepo),
		Dashboard:   dashboard.NewService(ledgerSvc, enrollmentSvc, invoiceSvc, monitor),
		Logger:      logger,
	})
	return app, nil
}

// buildMemory runs the engine on the in-process store. State is lost on exit.
func buildMemory(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	sh, err := buildShared(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app := &application{closers: sh.closers}

	ecfg, err := enrollmentConfig(cfg)
	if err != nil {
		app.close()
		return nil, err
	}
	store := memstore.New()
	ledgerSvc := ledger.NewService(store, store, sh.balances, logger)
	enrollmentSvc := enrollments.NewService(enrollments.Deps{
		DB:        store,
		Repo:      store,
		Campaigns: store,
		Ledger:    ledgerSvc,
		Notifier:  notify.Inline{Publisher: sh.publisher, Logger: logger},
		Verifier:  sh.verifier,
		Proofs:    sh.proofs,
		Logger:    logger,
	}, ecfg)
	invoiceSvc := invoices.NewService(store, sh.locker, sh.renderer, invoices.Config{
		PaymentTerms: cfg.Invoices.PaymentTerms,
		LockTTL:      cfg.Invoices.LockTTL,
	}, logger)

	jobsCtx, stopJobs := context.WithCancel(ctx)
	go execution.RunLocal(jobsCtx, schedules(cfg), invoiceSvc, enrollmentSvc, logger)
	app.closers = append(app.closers, stopJobs)
	slog.Warn("Running on the memory storage driver; state is not persisted")

	monitor := overdue.NewMonitor(store, cfg.Settlement.OverdueThreshold)
	app.handler = handlers.New(handlers.Deps{
		Enrollments: enrollmentSvc,
		Bulk:        bulk.NewCoordinator(enrollmentSvc, cfg.Settlement.BulkWorkers, logger),
		Overdue:     monitor,
		Wallet:      ledgerSvc,
		Invoices:    invoiceSvc,
		Campaigns:   campaigns.NewService(store),
		Dashboard:   dashboard.NewService(ledgerSvc, enrollmentSvc, invoiceSvc, monitor),
		Logger:      logger,
	})
	return app, nil
}
