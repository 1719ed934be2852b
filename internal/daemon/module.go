// Package daemon composes the sync core into a runnable fx application:
// config, logging, the persistent cache, the in-memory components, the
// gateway connection, and the engine that ties them together.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/cache"
	"chatsync/internal/config"
	"chatsync/internal/engine"
	"chatsync/internal/lock"
	"chatsync/internal/logging"
	"chatsync/internal/outbox"
	"chatsync/internal/presence"
	"chatsync/internal/remote"
	"chatsync/internal/remote/wslog"
	"chatsync/internal/roster"
	"chatsync/internal/session"
	"chatsync/internal/store"
	"chatsync/internal/unread"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideCache,
			provideOutbox,
			provideStore,
			providePresence,
			provideUnread,
			provideGateway,
			provideRoster,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if cfg.User.ID == "" {
		return nil, errors.New("config: user.id is required")
	}
	if cfg.Remote.URL == "" {
		return nil, errors.New("config: remote.url is required")
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := cache.Open(dbPath)
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

func provideOutbox() *outbox.Manager {
	return outbox.NewManager()
}

func provideStore(cfg *config.Config, ob *outbox.Manager, b *bus.Bus) *store.Store {
	return store.New(cfg.User.ID, ob, b)
}

func providePresence(cfg *config.Config, b *bus.Bus) *presence.Tracker {
	ttl := cfg.Send.TypingTTL()
	if ttl <= 0 {
		ttl = presence.DefaultTTL
	}
	return presence.NewTracker(ttl, b)
}

func provideUnread(b *bus.Bus) *unread.Counter {
	return unread.NewCounter(b)
}

func provideGateway(cfg *config.Config, logger *zap.Logger) (*wslog.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	logger.Info("connecting to gateway", zap.String("url", cfg.Remote.URL))
	return wslog.Dial(ctx, cfg.Remote.URL, logger)
}

func provideRoster(un *unread.Counter, gw *wslog.Client, b *bus.Bus, logger *zap.Logger) *roster.Roster {
	return roster.New(un, gw, b, logger)
}

func provideEngine(
	cfg *config.Config,
	gw *wslog.Client,
	st *store.Store,
	ob *outbox.Manager,
	pr *presence.Tracker,
	un *unread.Counter,
	ro *roster.Roster,
	db *cache.DB,
	b *bus.Bus,
	logger *zap.Logger,
) *engine.Engine {
	retry := outbox.DefaultRetryPolicy
	if cfg.Send.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Send.MaxAttempts
	}
	if cfg.Send.Backoff() > 0 {
		retry.Base = cfg.Send.Backoff()
	}
	return engine.New(engine.Params{
		Self:          cfg.User.ID,
		Log:           gw,
		Blobs:         gw,
		Store:         st,
		Outbox:        ob,
		Presence:      pr,
		Unread:        un,
		Roster:        ro,
		Cache:         db,
		Bus:           b,
		Logger:        logger,
		Retry:         retry,
		ReconnectBase: cfg.Send.ReconnectBase(),
	})
}

func registerLifecycle(
	lc fx.Lifecycle,
	eng *engine.Engine,
	ro *roster.Roster,
	gw *wslog.Client,
	db *cache.DB,
	lk *lock.Lock,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := eng.Start(context.Background()); err != nil {
				return err
			}
			// Reattach to every cached conversation so their streams
			// resume without user action.
			for _, c := range ro.Conversations() {
				if err := eng.Open(c.ID); err != nil {
					logger.Warn("reopen conversation failed",
						zap.String("conversation", c.ID), zap.Error(err))
				}
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			eng.Stop()
			_ = gw.Close()
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

// interface conformance
var _ remote.Log = (*wslog.Client)(nil)
var _ remote.BlobStore = (*wslog.Client)(nil)
