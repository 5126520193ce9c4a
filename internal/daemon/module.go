package daemon

import (
	"context"

	"github.com/RehanRiaz5383/lmsinbox/internal/bus"
	"github.com/RehanRiaz5383/lmsinbox/internal/config"
	"github.com/RehanRiaz5383/lmsinbox/internal/controller"
	"github.com/RehanRiaz5383/lmsinbox/internal/lock"
	"github.com/RehanRiaz5383/lmsinbox/internal/logging"
	"github.com/RehanRiaz5383/lmsinbox/internal/profile"
	"github.com/RehanRiaz5383/lmsinbox/internal/rest"
	"github.com/RehanRiaz5383/lmsinbox/internal/store"
	"github.com/RehanRiaz5383/lmsinbox/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	ConfigPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideRESTClient,
			provideChannel,
			provideController,
			provideMirror,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CacheDBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRESTClient(cfg *config.Config) *rest.Client {
	return rest.NewClient(cfg.BaseURL, cfg.Token)
}

func provideChannel(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Manager {
	return transport.NewManager(transport.DeriveURL(cfg.BaseURL), cfg.Token, b, logger)
}

func provideController(client *rest.Client, ch *transport.Manager, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *controller.Controller {
	return controller.New(client, ch, b, logger, controller.Options{
		SelfID:          cfg.UserID,
		RefreshDebounce: cfg.RefreshDebounce(),
	})
}

func provideMirror(db *store.DB, ctrl *controller.Controller, b *bus.Bus, logger *zap.Logger) *Mirror {
	return NewMirror(db, ctrl.Directory(), ctrl.Timeline(), b, logger)
}

func registerLifecycle(lc fx.Lifecycle, ctrl *controller.Controller, mirror *Mirror, ch *transport.Manager, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The mirror must be live before the controller's initial
			// directory refresh so the first snapshot lands in the cache.
			mirror.Start(context.Background())

			if err := ctrl.Start(context.Background()); err != nil {
				logger.Warn("initial directory refresh failed", zap.Error(err))
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			ctrl.Stop()
			mirror.Stop()
			ch.Disconnect()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
