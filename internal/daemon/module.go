package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/config"
	"github.com/matheus3301/relay/internal/fanout"
	"github.com/matheus3301/relay/internal/heartbeat"
	"github.com/matheus3301/relay/internal/instance"
	"github.com/matheus3301/relay/internal/lock"
	"github.com/matheus3301/relay/internal/logging"
	"github.com/matheus3301/relay/internal/presence"
	"github.com/matheus3301/relay/internal/queue"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/relay"
	"github.com/matheus3301/relay/internal/store"
	"github.com/matheus3301/relay/internal/transport"
)

// Params holds the resolved instance settings passed to the fx module.
type Params struct {
	InstanceName string
	ConfigPath   string // optional; empty = <instance dir>/relay.toml
	SocketPath   string // optional override for testing; empty = config or default
}

// Identity names this process in presence references and bus events. Two
// processes of the same named instance never share an id.
type Identity struct {
	ID string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideIdentity,
			provideLock,
			provideStore,
			provideBus,
			providePresence,
			provideQueue,
			registry.New,
			provideFanout,
			provideCore,
			provideHeartbeat,
			provideTransport,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if err := instance.EnsureDir(p.InstanceName); err != nil {
		return nil, err
	}
	path := p.ConfigPath
	if path == "" {
		path = instance.ConfigPath(p.InstanceName)
	}
	cfg, err := config.Resolve(path, instance.EnvPath(p.InstanceName))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.LogPath == "" {
		cfg.LogPath = instance.LogPath(p.InstanceName)
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = instance.DBPath(p.InstanceName)
	}
	if p.SocketPath != "" {
		cfg.AdminSocket = p.SocketPath
	}
	if cfg.AdminSocket == "" {
		cfg.AdminSocket = instance.SocketPath(p.InstanceName)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath, p.InstanceName, cfg.LogLevel)
}

func provideIdentity(p Params) Identity {
	return Identity{ID: p.InstanceName + "-" + uuid.NewString()[:8]}
}

// provideLock guards the SQLite file. Redis instances share state on
// purpose and take no lock, so the result is nil.
func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if cfg.Store.Backend != config.BackendSQLite {
		return nil, nil
	}
	logger.Info("acquiring instance lock", zap.String("instance", p.InstanceName))
	l, err := lock.Acquire(instance.LockPath(p.InstanceName), p.InstanceName)
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired", zap.String("path", l.Path()))
	return l, nil
}

// provideStore depends on the lock so SQLite is only opened while held.
func provideStore(cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		db, result, err := store.OpenMigrated(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		if result.Changed {
			logger.Info("migrations applied", zap.Uint("version", result.Version))
		} else {
			logger.Info("migrations up to date", zap.Uint("version", result.Version))
		}
		logger.Info("store initialized", zap.String("backend", cfg.Store.Backend), zap.String("path", cfg.Store.SQLitePath))
		return db, nil
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rs, err := store.NewRedisStore(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.Info("store initialized", zap.String("backend", cfg.Store.Backend))
		return rs, nil
	}
}

// provideBus pairs the bus with the store backend: Redis pub/sub over the
// store's client, or the in-process bus for single-instance SQLite.
func provideBus(st store.Store) bus.Bus {
	if rs, ok := st.(*store.RedisStore); ok {
		return bus.NewRedis(rs.Client())
	}
	return bus.NewLocal(256)
}

func providePresence(st store.Store, cfg *config.Config) *presence.Store {
	return presence.New(st, cfg.Presence.StaleAfter.Duration)
}

func provideQueue(st store.Store, cfg *config.Config) *queue.Queue {
	return queue.New(st, cfg.Queue.GlobalMax)
}

func provideFanout(b bus.Bus, cfg *config.Config, logger *zap.Logger) *fanout.Adapter {
	return fanout.New(b, cfg.Bus.Channel, logger)
}

func provideCore(id Identity, p *presence.Store, q *queue.Queue, r *registry.Registry, f *fanout.Adapter, logger *zap.Logger) *relay.Core {
	return relay.New(relay.Config{InstanceID: id.ID}, p, q, r, f, logger)
}

func provideHeartbeat(p *presence.Store, core *relay.Core, cfg *config.Config, logger *zap.Logger) *heartbeat.Worker {
	return heartbeat.NewWorker(p, core.InstanceID(), cfg.Presence.HeartbeatInterval.Duration, core.NotifyOffline, logger)
}

func provideTransport(cfg *config.Config, core *relay.Core, st store.Store, b bus.Bus, logger *zap.Logger) *transport.Server {
	open := func(c registry.Conn) transport.Session { return core.Open(c) }
	return transport.NewServer(transport.Options{
		Addr:         cfg.ListenAddr,
		WriteTimeout: cfg.Transport.WriteTimeout.Duration,
		ReadLimit:    cfg.Transport.ReadLimit,
		PingInterval: cfg.Transport.PingInterval.Duration,
		SendBuffer:   cfg.Transport.SendBuffer,
	}, open, map[string]transport.Pinger{"store": st, "bus": b}, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, web *transport.Server, core *relay.Core, worker *heartbeat.Worker, st store.Store, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("starting relay", zap.String("instance_id", core.InstanceID()))

			// Heartbeat first so this instance counts as live before any
			// connection attaches under it.
			worker.Start(context.Background())

			if err := core.Start(context.Background()); err != nil {
				worker.Stop()
				return fmt.Errorf("subscribe: %w", err)
			}
			if err := web.Start(); err != nil {
				worker.Stop()
				_ = core.Shutdown(context.Background())
				return err
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("admin server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)

			// Closing every websocket detaches the local bindings before the
			// core retires this instance.
			var err error
			if stopErr := web.Stop(ctx); stopErr != nil {
				logger.Warn("transport stop", zap.Error(stopErr))
			}
			worker.Stop()
			if shutdownErr := core.Shutdown(ctx); shutdownErr != nil {
				logger.Warn("relay shutdown", zap.Error(shutdownErr))
			}
			err = multierr.Append(err, st.Close())
			err = multierr.Append(err, lk.Release())
			if err != nil {
				logger.Warn("error releasing resources", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
