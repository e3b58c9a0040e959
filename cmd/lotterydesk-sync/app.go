package main

import (
	"github.com/kimhsiao/lotterydesk/internal/config"
	"github.com/kimhsiao/lotterydesk/internal/crypto"
	"github.com/kimhsiao/lotterydesk/internal/db"
	apperrors "github.com/kimhsiao/lotterydesk/internal/errors"
	"github.com/kimhsiao/lotterydesk/internal/logging"
	"github.com/kimhsiao/lotterydesk/internal/sync"
	"github.com/kimhsiao/lotterydesk/internal/sync/breaker"
	"github.com/kimhsiao/lotterydesk/internal/sync/queue"
	"github.com/kimhsiao/lotterydesk/internal/sync/synclog"
	"github.com/kimhsiao/lotterydesk/internal/sync/transport"
)

// app holds the stores every command needs.
type app struct {
	cfg   *config.Config
	db    *db.DB
	queue *queue.Store
	logs  *synclog.Store
}

// openApp opens and migrates the database.
func openApp(cfg *config.Config) (*app, error) {
	database, err := db.OpenAndMigrate(cfg.Database.DSN)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open sync database", err)
	}
	return &app{
		cfg:   cfg,
		db:    database,
		queue: queue.NewStore(database),
		logs:  synclog.NewStore(database, nil),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func (a *app) requireStore() (string, error) {
	if a.cfg.Store.ID == "" {
		return "", apperrors.New(apperrors.ErrSyncNotConfigured, "store id is not configured (set store.id or --store)")
	}
	return a.cfg.Store.ID, nil
}

// transports builds the default cloud transport plus one per routed entity
// type. Each route gets its own endpoint name and therefore its own breaker.
func (a *app) transports(storeID string) (*transport.Registry, error) {
	if a.cfg.Cloud.BaseURL == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "cloud.base_url is not configured")
	}
	apiKey, err := crypto.Reveal(a.cfg.Cloud.APIKey, crypto.MachineID())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "cloud.api_key could not be unsealed on this machine", err)
	}
	build := func(base string) (transport.Transport, error) {
		t, err := transport.NewHTTPTransport(transport.HTTPOptions{
			BaseURL:   base,
			StoreID:   storeID,
			APIKey:    apiKey,
			Timeout:   a.cfg.Cloud.Timeout,
			UserAgent: "lotterydesk-sync/" + Version,
		})
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid cloud transport", err)
		}
		return t, nil
	}

	def, err := build(a.cfg.Cloud.BaseURL)
	if err != nil {
		return nil, err
	}
	registry := transport.NewRegistry(def)
	for entityType, base := range a.cfg.Cloud.Routes {
		t, err := build(base)
		if err != nil {
			return nil, err
		}
		registry.Register(entityType, entityType, t)
	}
	return registry, nil
}

// engine wires a sync engine for the configured store.
func (a *app) engine() (*sync.Engine, *breaker.Registry, error) {
	storeID, err := a.requireStore()
	if err != nil {
		return nil, nil, err
	}
	transports, err := a.transports(storeID)
	if err != nil {
		return nil, nil, err
	}

	breakers := breaker.NewRegistry(a.cfg.Breaker, breaker.OnStateChange(func(name string, from, to breaker.State) {
		if to == breaker.StateOpen {
			logging.Warn("cloud endpoint unavailable, pausing pushes", map[string]interface{}{"endpoint": name})
		}
	}))

	engine, err := sync.NewEngine(sync.Config{
		StoreID:       storeID,
		BatchSize:     a.cfg.Sync.BatchSize,
		Concurrency:   a.cfg.Sync.Concurrency,
		StaleAfter:    a.cfg.Sync.StaleAfter,
		RetentionDays: a.cfg.Sync.RetentionDays,
		RunTimeout:    a.cfg.Sync.RunTimeout,
	}, sync.Deps{
		Queue:      a.queue,
		Logs:       a.logs,
		Transports: transports,
		Breakers:   breakers,
	})
	if err != nil {
		return nil, nil, err
	}
	return engine, breakers, nil
}
