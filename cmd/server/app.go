package main

import (
	"fmt"
	"log"

	"github.com/fieldops/crm-engine/config"
	"github.com/fieldops/crm-engine/crm"
	"github.com/fieldops/crm-engine/quotes"
	"github.com/fieldops/crm-engine/reconcile"
	"github.com/fieldops/crm-engine/store/gormstore"
	"github.com/fieldops/crm-engine/store/sqlite"
)

// backend is a crm.Store owning a connection.
type backend interface {
	crm.Store
	Close() error
}

// app holds the services shared by every command.
type app struct {
	cfg        *config.Config
	store      backend
	ledger     *quotes.Ledger
	reconciler *reconcile.Reconciler
}

func loadConfig() (*config.Config, error) {
	var paths []string
	if configDir != "" {
		paths = append(paths, configDir)
	}
	return config.Load(paths...)
}

func openStore(cfg config.StoreConfig) (backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return gormstore.OpenPostgres(cfg.PostgresDSN)
	case config.DriverSQLite:
		return sqlite.New(cfg.SQLitePath)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func newApp(cfg *config.Config) (*app, error) {
	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	rate, err := cfg.Quotes.TaxRate()
	if err != nil {
		store.Close()
		return nil, err
	}

	ledger := quotes.NewLedger(store)
	ledger.DefaultTaxRate = rate

	reconciler := reconcile.NewReconciler(store, ledger)
	reconciler.Ambiguity = reconcile.ParseAmbiguityPolicy(cfg.Quotes.Ambiguity)
	ledger.OnAccepted = reconciler

	log.Printf("Store: %s, default tax rate: %s%%, ambiguity policy: %s",
		cfg.Store.Driver, rate, reconciler.Ambiguity)

	return &app{cfg: cfg, store: store, ledger: ledger, reconciler: reconciler}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Printf("Failed to close store: %v", err)
	}
}
