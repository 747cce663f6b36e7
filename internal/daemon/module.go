package daemon

import (
	"context"
	"net/url"
	"time"

	"github.com/matheus3301/duet/internal/api"
	"github.com/matheus3301/duet/internal/attachment"
	"github.com/matheus3301/duet/internal/bus"
	"github.com/matheus3301/duet/internal/config"
	"github.com/matheus3301/duet/internal/datadir"
	"github.com/matheus3301/duet/internal/dispatch"
	"github.com/matheus3301/duet/internal/gateway"
	"github.com/matheus3301/duet/internal/lock"
	"github.com/matheus3301/duet/internal/logging"
	"github.com/matheus3301/duet/internal/metrics"
	"github.com/matheus3301/duet/internal/presence"
	"github.com/matheus3301/duet/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds command-line overrides passed to the fx module. Empty fields
// fall back to the config file, then to built-in defaults.
type Params struct {
	ConfigPath string
	Addr       string
	DataDir    string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideLock,
			provideStore,
			provideBus,
			provideMetrics,
			provideAdmitter,
			providePresence,
			provideDispatcher,
			provideGateway,
			provideThreadService,
			provideStatusService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = datadir.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if p.Addr != "" {
		cfg.ListenAddr = p.Addr
	}
	cfg.DataDir = datadir.Resolve(p.DataDir, cfg.DataDir)
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(datadir.LogPath(cfg.DataDir), cfg.LogLevel)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := datadir.EnsureDir(cfg.DataDir); err != nil {
		return nil, err
	}
	logger.Info("acquiring data directory lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(datadir.LockPath(cfg.DataDir), cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	logger.Info("data directory lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by two daemons.
func provideStore(cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := datadir.DBPath(cfg.DataDir)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideAdmitter(cfg *config.Config) *attachment.Admitter {
	return attachment.NewAdmitter(cfg.Limits.MaxAttachmentBytes)
}

func providePresence(db *store.DB) *presence.Registry {
	return presence.New(db)
}

func provideDispatcher(db *store.DB, b *bus.Bus, admitter *attachment.Admitter, m *metrics.Metrics, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(db, b, admitter, m, logger.Named("dispatch"))
}

func provideGateway(cfg *config.Config, db *store.DB, reg *presence.Registry, b *bus.Bus, d *dispatch.Dispatcher, m *metrics.Metrics, logger *zap.Logger) *gateway.Gateway {
	opts := gateway.Options{
		MaxFrameBytes:      cfg.Limits.MaxFrameBytes,
		MaxAttachmentBytes: cfg.Limits.MaxAttachmentBytes,
		SendRate:           cfg.Limits.SendRatePerSec,
		SendBurst:          cfg.Limits.SendBurst,
		OutboundBuffer:     cfg.Limits.OutboundBuffer,
		OriginPatterns:     originHosts(cfg.Origins),
	}
	return gateway.New(opts, db, reg, b, d, m, logger.Named("gateway"))
}

func provideThreadService(db *store.DB, logger *zap.Logger) *api.ThreadService {
	return api.NewThreadService(db, logger.Named("api"))
}

func provideStatusService(reg *presence.Registry, db *store.DB) *api.StatusService {
	return api.NewStatusService(reg, db)
}

// originHosts turns CORS origins into the host patterns the websocket
// handshake matches against.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			srv.Stop(stopCtx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
