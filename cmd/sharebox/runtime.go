package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sharebox/sharebox/internal/config"
	"github.com/sharebox/sharebox/internal/crypto"
	"github.com/sharebox/sharebox/internal/health"
	"github.com/sharebox/sharebox/internal/logging"
	"github.com/sharebox/sharebox/internal/metastore"
	"github.com/sharebox/sharebox/internal/store"
	syncengine "github.com/sharebox/sharebox/internal/sync"
)

// runtime bundles the components every subcommand besides a bare config
// check needs: the loaded config, a component logger, the optional crypto
// manager, the object store, the metadata store, and a sync engine wired
// with Prometheus metrics.
type runtime struct {
	cfg     *config.Config
	logger  zerolog.Logger
	crypto  *crypto.Manager
	store   *store.Store
	meta    *metastore.Store
	engine  *syncengine.Engine
	metrics *health.Metrics
}

// statusAdapter converts syncengine.Engine's status snapshot into the
// health package's own Status type, since internal/health intentionally
// does not import internal/sync.
type statusAdapter struct {
	engine *syncengine.Engine
}

func (a statusAdapter) GetStatus() health.Status {
	st := a.engine.GetStatus()
	return health.Status{
		Running:      st.Running,
		QueueSize:    st.QueueSize,
		FilesTracked: st.FilesTracked,
		CacheDir:     st.CacheDir,
		LastSync:     st.LastSync,
	}
}

// buildRuntime loads configuration at configPath and constructs every
// component needed to run the daemon or inspect its state. The sync engine
// is constructed but not started; callers that need it running call
// engine.Start themselves.
func buildRuntime(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{Level: cfg.App.LogLevel, Format: "console"})

	var cm *crypto.Manager
	if cfg.Encryption.Enabled {
		cm, err = crypto.New(cfg.Encryption.Password, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize encryption: %w", err)
		}
	}

	objectStore, err := store.New(ctx, cfg.R2.BucketName, cfg.App.DeviceName, store.Config{
		Region:          cfg.R2.Region,
		Endpoint:        cfg.R2.EndpointURL,
		AccessKeyID:     cfg.R2.AccessKeyID,
		SecretAccessKey: cfg.R2.SecretAccessKey,
		ForcePathStyle:  true,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to object store: %w", err)
	}

	meta := metastore.New(cfg.Sync.LocalCacheDir, logger)
	if err := meta.Load(); err != nil {
		return nil, fmt.Errorf("load metadata store: %w", err)
	}

	metrics := health.NewMetrics()

	engine := syncengine.New(syncengine.Config{
		CacheDir:         cfg.Sync.LocalCacheDir,
		Device:           cfg.App.DeviceName,
		MaxFileSize:      cfg.Sync.MaxFileSize,
		ExcludedPatterns: cfg.ExcludedPatterns(),
		SyncInterval:     durationFromSeconds(cfg.Sync.SyncInterval),
	}, objectStore, meta, cm, logger)
	engine.SetMetrics(metrics)

	return &runtime{
		cfg:     cfg,
		logger:  logger,
		crypto:  cm,
		store:   objectStore,
		meta:    meta,
		engine:  engine,
		metrics: metrics,
	}, nil
}

func durationFromSeconds(seconds int) (d time.Duration) {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
