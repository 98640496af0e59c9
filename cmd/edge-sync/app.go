package main

import (
	"context"
	"path/filepath"

	"github.com/medtranslate/edge-sync/analytics"
	"github.com/medtranslate/edge-sync/edgesync"
	"github.com/medtranslate/edge-sync/logging"
	"github.com/medtranslate/edge-sync/modelsync"
	"github.com/medtranslate/edge-sync/optimizer"
	"github.com/medtranslate/edge-sync/storage/conflictlog"
	"github.com/medtranslate/edge-sync/storage/filestore"
	"github.com/medtranslate/edge-sync/transport/cloud"
)

// app holds the fully wired daemon.
type app struct {
	cfg       edgesync.Config
	engine    *edgesync.Engine
	scheduler *edgesync.Scheduler
	optimizer *optimizer.Optimizer
	tracker   *analytics.Tracker
	syncer    *modelsync.Syncer
	conflicts *conflictlog.Store
	logger    *logging.Logger

	closers []func() error
}

// buildApp wires every component from configuration. Stores open first so a
// bad data directory fails before anything network-facing starts.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := edgesync.LoadConfig(flagDataDir, flagConfigFile)
	if err != nil {
		return nil, err
	}
	logger := logging.Default().WithComponent("edge-sync")

	a := &app{cfg: cfg, logger: logger}

	syncStore, err := filestore.New(filestore.Config{Dir: cfg.SyncDir, Logger: logger})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, syncStore.Close)

	analyticsStore, err := filestore.New(filestore.Config{Dir: cfg.AnalyticsDir, Logger: logger})
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, analyticsStore.Close)

	configStore, err := filestore.New(filestore.Config{Dir: cfg.ConfigDir, Logger: logger})
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, configStore.Close)

	conflicts, err := conflictlog.New(conflictlog.DefaultConfig(
		filepath.Join(cfg.ConflictDir, "resolutions.db")))
	if err != nil {
		a.close()
		return nil, err
	}
	a.conflicts = conflicts
	a.closers = append(a.closers, conflicts.Close)

	client := cloud.New(cfg.CloudURL, cfg.DeviceID, cloud.WithLogger(logger))

	// The optimizer publishes storage_critical through the engine's event
	// bus; the engine does not exist yet, so the reference binds late.
	var engineRef *edgesync.Engine
	opt, err := optimizer.New(optimizer.Config{
		Dir:            cfg.FeedbackDir,
		Store:          configStore,
		UsageThreshold: cfg.UsageThreshold,
		Publish: func(event string, payload interface{}) {
			if engineRef != nil {
				engineRef.Events().Publish(edgesync.EventKind(event), payload)
			}
		},
		Logger: logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.optimizer = opt

	engine, err := edgesync.NewEngine(cfg, syncStore, client,
		edgesync.WithOptimizer(opt),
		edgesync.WithResolverOptions(edgesync.WithArchiver(conflicts)),
		edgesync.WithEngineLogger(logger),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = engine
	engineRef = engine

	a.scheduler = edgesync.NewScheduler(cfg, engine, logger)

	tracker, err := analytics.NewTracker(analytics.Config{
		Store:            analyticsStore,
		AnomalyThreshold: cfg.AnomalyThreshold,
		Logger:           logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.tracker = tracker

	var s3dl *modelsync.S3Downloader
	if cfg.ModelS3.Enabled {
		s3dl, err = modelsync.NewS3Downloader(ctx, modelsync.S3Config{
			Region:       cfg.ModelS3.Region,
			Endpoint:     cfg.ModelS3.Endpoint,
			UsePathStyle: cfg.ModelS3.PathStyle,
		})
		if err != nil {
			a.close()
			return nil, err
		}
	}

	syncer, err := modelsync.New(modelsync.Config{
		ModelDir: cfg.ModelDir,
		Store:    configStore,
		Client:   client,
		S3:       s3dl,
		Logger:   logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.syncer = syncer

	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}
