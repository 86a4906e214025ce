package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/inventoryops/stocktake/internal/esindex"
	"github.com/inventoryops/stocktake/internal/model"
	"github.com/inventoryops/stocktake/internal/rabbit"
	"github.com/inventoryops/stocktake/internal/recon"
	"github.com/inventoryops/stocktake/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "stocktake.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initIndex() (esindex.Client, error) {
	return esindex.New(esindex.Config{
		Addresses: cfg.Elastic.Addresses,
		Username:  cfg.Elastic.Username,
		Password:  cfg.Elastic.Password,
		IDKey:     cfg.Recon.IDKey,
		SourceIndices: map[model.Source]string{
			model.SourceFBI:   cfg.Elastic.FBIIndex,
			model.SourceSTAC:  cfg.Elastic.STACIndex,
			model.SourceSTOCK: cfg.Elastic.STOCKIndex,
		},
		ResultsIndex: cfg.Elastic.ResultsIndex,
		Timeout:      time.Duration(cfg.Elastic.TimeoutSecs) * time.Second,
	})
}

func initPublisher() (rabbit.Publisher, error) {
	return rabbit.Dial(rabbit.Config{
		Host:           cfg.Rabbit.Host,
		Port:           cfg.Rabbit.Port,
		Vhost:          cfg.Rabbit.Vhost,
		Username:       cfg.Rabbit.Username,
		Password:       cfg.Rabbit.Password,
		Heartbeat:      time.Duration(cfg.Rabbit.HeartbeatSecs) * time.Second,
		Exchange:       cfg.Rabbit.Exchange,
		PublishTimeout: time.Duration(cfg.Rabbit.PublishTimeoutSecs) * time.Second,
		RatePerSec:     cfg.Rabbit.PublishRatePerSec,
	})
}

// engineEnv bundles the engine with the long-lived clients it borrows, so
// commands can close them in one place.
type engineEnv struct {
	Engine    *recon.Engine
	Store     store.Store
	Publisher rabbit.Publisher
}

func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	index, err := initIndex()
	if err != nil {
		st.Close()
		return nil, eris.Wrap(err, "init index client")
	}

	publisher, err := initPublisher()
	if err != nil {
		st.Close()
		return nil, eris.Wrap(err, "connect broker")
	}

	return &engineEnv{
		Engine:    recon.New(cfg, index, publisher, st),
		Store:     st,
		Publisher: publisher,
	}, nil
}

func (e *engineEnv) Close() {
	_ = e.Publisher.Close()
	_ = e.Store.Close()
}
