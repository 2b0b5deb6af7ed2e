package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/joshdurbin/strava-mirror/internal/auth"
	"github.com/joshdurbin/strava-mirror/internal/cache"
	"github.com/joshdurbin/strava-mirror/internal/config"
	"github.com/joshdurbin/strava-mirror/internal/logging"
	"github.com/joshdurbin/strava-mirror/internal/metrics"
	"github.com/joshdurbin/strava-mirror/internal/notify"
	"github.com/joshdurbin/strava-mirror/internal/strava"
	"github.com/joshdurbin/strava-mirror/internal/workers"
)

const (
	// refreshCheckInterval is how often tokens nearing expiry are renewed.
	refreshCheckInterval = 10 * time.Minute
	hubBuffer            = 64
	snapshotDebounce     = 2 * time.Second
)

// daemon holds the components shared by serve and mcp.
type daemon struct {
	conf     *config.Config
	store    auth.Store
	metrics  metrics.Recorder
	hub      *notify.Hub
	snapshot *notify.SnapshotFile
	orch     *workers.Orchestrator

	closers []func()
}

// openStore opens the configured token backend.
func openStore(ctx context.Context, conf *config.Config) (auth.Store, func(), error) {
	switch conf.Tokens.Backend {
	case "sqlite":
		s, err := auth.OpenSQLiteStore(ctx, conf.Tokens.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return auth.NewFileStore(conf.Tokens.Path), func() {}, nil
	}
}

func newDaemon(ctx context.Context, conf *config.Config) (*daemon, error) {
	log := logging.Logger
	d := &daemon{conf: conf}

	store, closeStore, err := openStore(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("opening token store: %w", err)
	}
	d.store = store
	d.closers = append(d.closers, closeStore)
	log.Info().Str("backend", conf.Tokens.Backend).Str("path", conf.Tokens.Path).Msg("token store opened")

	d.metrics = metrics.New(conf.Metrics.Enabled)

	client := strava.NewClient(conf.API.BaseURL, strava.RetryConfig{
		MaxRetries: conf.API.RateLimitRetries,
		MinWait:    conf.API.RateLimitMinWait,
		MaxWait:    conf.API.RateLimitMaxWait,
	}).OnRateLimit(workers.RateLimitRecorder(d.metrics))

	var activities *cache.Activities
	if conf.Cache.Enabled {
		activities, err = cache.NewActivities(cache.NewInstrumentedProvider(conf.Cache, d.metrics))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("creating activity cache: %w", err)
		}
		d.closers = append(d.closers, activities.Close)
		log.Info().Int("size_mb", conf.Cache.SizeMB).Dur("ttl", conf.Cache.TTL).Msg("activity cache enabled")
	}

	d.hub = notify.NewHub(hubBuffer)
	if conf.Snapshot.Path != "" {
		d.snapshot, err = notify.NewSnapshotFile(conf.Snapshot.Path)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("opening snapshot: %w", err)
		}
		d.closers = append(d.closers, d.snapshot.Close)
		notify.RestoreSnapshot(d.hub, d.snapshot)
	}

	d.orch = workers.New(workers.Options{
		Store:        store,
		API:          client,
		OAuth:        auth.NewFlow(conf.API.OAuthBaseURL),
		Hub:          d.hub,
		Cache:        activities,
		Metrics:      d.metrics,
		RedirectURI:  conf.RedirectURI(),
		AuthPage:     conf.AuthPage(),
		RefreshCheck: refreshCheckInterval,
	})
	return d, nil
}

// registerStatic registers the modules listed in the config file. A bad
// entry is logged and reported on its identifier; the others still run.
func (d *daemon) registerStatic(ctx context.Context) {
	now := time.Now()
	for _, m := range d.conf.Modules {
		log := logging.ForModule(m.Identifier)
		cfg, err := m.ModuleConfig(now)
		if err != nil {
			log.Error().Err(err).Msg("skipping module from config file")
			d.hub.Publish(notify.NewError(m.Identifier, err.Error()))
			continue
		}
		if err := d.orch.RegisterConfig(ctx, m.Identifier, cfg); err != nil {
			log.Error().Err(err).Msg("failed to register module from config file")
		}
	}
}

// persist saves the retained events until ctx is done. It returns at once
// when no snapshot path is configured.
func (d *daemon) persist(ctx context.Context) {
	if d.snapshot == nil {
		return
	}
	notify.Persist(ctx, d.hub, d.snapshot, snapshotDebounce)
}

// Close stops the orchestrator and releases the backends in reverse order.
func (d *daemon) Close() {
	if d.orch != nil {
		d.orch.Stop()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}
