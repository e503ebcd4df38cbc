package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mklimuk/atelier-pilot/pkg/config"
	"github.com/mklimuk/atelier-pilot/pkg/conflict"
	"github.com/mklimuk/atelier-pilot/pkg/export"
	"github.com/mklimuk/atelier-pilot/pkg/lifecycle"
	"github.com/mklimuk/atelier-pilot/pkg/logging"
	"github.com/mklimuk/atelier-pilot/pkg/notify"
	"github.com/mklimuk/atelier-pilot/pkg/ordering"
	"github.com/mklimuk/atelier-pilot/pkg/store"
	"github.com/mklimuk/atelier-pilot/pkg/store/mongodb"
	"github.com/mklimuk/atelier-pilot/pkg/store/redisbus"
	"github.com/mklimuk/atelier-pilot/pkg/store/sqlite"
	"github.com/sirupsen/logrus"
)

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	hub      *store.Hub
	store    store.Store
	bridge   *redisbus.Bridge
	fanout   *notify.Fanout
	sync     *lifecycle.Synchronizer
	exporter *export.Exporter
	closers  []func() error
}

func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logging.Init(cfg.Log.Env, cfg.Log.Level); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, hub: store.NewHub(cfg.Redis.InstanceID)}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	if cfg.Redis.URL != "" {
		client, err := redisbus.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.bridge = redisbus.NewBridge(client, a.hub)
	}

	a.fanout = notify.NewFanout(cfg.Notify.Throttle)
	a.sync = lifecycle.New(a.store,
		ordering.NewService(a.store),
		conflict.NewDetector(a.store),
		lifecycle.WithNotifier(a.fanout))

	if cfg.Export.Enabled() {
		var git *export.GitManager
		if cfg.Export.RepoPath != "" {
			git = export.NewGitManager(cfg.Export.RepoPath, cfg.Export.Push)
		}
		a.exporter = export.NewExporter(a.store, cfg.Export.Dir, git)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case config.BackendMongo:
		s, err := mongodb.Open(ctx, a.cfg.Store.MongoURI, a.cfg.Store.MongoDB, a.hub)
		if err != nil {
			return err
		}
		if err := s.Initialize(ctx); err != nil {
			s.Close(ctx)
			return err
		}
		a.store = s
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.Close(ctx)
		})
	default:
		s, err := sqlite.Open(a.cfg.Store.SQLitePath, a.hub)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	}
	logrus.WithFields(logrus.Fields{
		"component": "server",
		"backend":   a.cfg.Store.Backend,
	}).Info("store opened")
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	if a.bridge != nil {
		errs = append(errs, a.bridge.Stop())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
