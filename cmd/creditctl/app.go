package main

import (
	"context"
	"errors"
	"os"

	"github.com/crosslogic/credits/internal/billing"
	"github.com/crosslogic/credits/internal/credits"
	"github.com/crosslogic/credits/internal/provider"
	"github.com/crosslogic/credits/pkg/breaker"
	"github.com/crosslogic/credits/pkg/database"
	"github.com/crosslogic/credits/pkg/idempotency"
	"go.uber.org/zap"
)

var errNoDatabase = errors.New("no database configured: pass --database-url or set DATABASE_URL")

// backend is what a command runs against. db is nil for in-memory backends.
type backend struct {
	db       *database.Database
	ledger   *credits.Ledger
	provider provider.Client
	close    func()
}

type app struct {
	databaseURL string
	verbose     bool
	logger      *zap.Logger

	// connect is replaced in tests.
	connect func(ctx context.Context, a *app) (*backend, error)
}

func newApp() *app {
	return &app{
		logger:  zap.NewNop(),
		connect: connectPostgres,
	}
}

func (a *app) setupLogger() error {
	if !a.verbose {
		return nil
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func connectPostgres(ctx context.Context, a *app) (*backend, error) {
	url := a.databaseURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		return nil, errNoDatabase
	}

	db, err := database.NewDatabaseFromURL(ctx, url)
	if err != nil {
		return nil, err
	}

	ledger := credits.NewLedger(credits.NewPostgresStore(db), nil, a.logger)

	// Purchase reconciliation asks the provider about stale checkouts.
	var client provider.Client
	if key := os.Getenv("STRIPE_SECRET_KEY"); key != "" {
		client = provider.NewStripeClient(key, breaker.New(breaker.DefaultConfig("stripe")), idempotency.NewGenerator(0), a.logger)
	}

	return &backend{
		db:       db,
		ledger:   ledger,
		provider: client,
		close:    db.Close,
	}, nil
}

func (b *backend) reconciler(cfg billing.ReconcilerConfig, logger *zap.Logger) *billing.Reconciler {
	return billing.NewReconciler(cfg, b.ledger, b.provider, logger)
}
