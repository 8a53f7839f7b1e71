// Package app assembles a client session from its components and runs
// their lifecycle under fx.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/carechat/carechat/internal/bus"
	"github.com/carechat/carechat/internal/config"
	"github.com/carechat/carechat/internal/conversation"
	"github.com/carechat/carechat/internal/lock"
	"github.com/carechat/carechat/internal/logging"
	"github.com/carechat/carechat/internal/outbox"
	"github.com/carechat/carechat/internal/presence"
	"github.com/carechat/carechat/internal/restapi"
	"github.com/carechat/carechat/internal/session"
	"github.com/carechat/carechat/internal/status"
	"github.com/carechat/carechat/internal/store"
	intsync "github.com/carechat/carechat/internal/sync"
	"github.com/carechat/carechat/internal/timeline"
	"github.com/carechat/carechat/internal/transport"
	"github.com/carechat/carechat/internal/typing"
	"github.com/carechat/carechat/internal/wire"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile settings passed to the fx module.
type Params struct {
	Profile string
	Console bool           // also log to stderr
	Config  *config.Config // optional; nil = load ~/.carechat/config.toml
}

// Module returns the fx module for a client session.
func Module(p Params) fx.Option {
	return fx.Module("carechat",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideIdentity,
			provideTransport,
			provideREST,
			provideTimeline,
			providePresence,
			provideTyping,
			provideSender,
			provideManager,
			provideDirectory,
			NewClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOrDefault(session.ConfigPath()); err != nil {
			return nil, err
		}
		cfg.ApplyEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile, p.Console)
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(logger)
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("lock_id", l.ID))
	return l, nil
}

// provideStore depends on the lock so a second client never migrates a
// directory that is in use.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	path := session.DirectoryDBPath(p.Profile)
	db, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("directory ready",
		zap.String("path", path),
		zap.Uint("version", result.Version),
		zap.Bool("migrated", result.Changed))
	return db, nil
}

func provideIdentity(cfg *config.Config, logger *zap.Logger) (transport.Identity, error) {
	id, err := transport.ParseIdentity(cfg.Token)
	if err != nil {
		return transport.Identity{}, err
	}
	if id.Expired(time.Now()) {
		logger.Warn("access token has expired", zap.Time("expires_at", id.ExpiresAt))
	}
	logger.Info("signed in", zap.String("user_id", id.UserID), zap.String("name", id.Name))
	return id, nil
}

func provideTransport(cfg *config.Config, b *bus.Bus, m *status.Machine, logger *zap.Logger) *transport.Conn {
	return transport.New(transport.Options{
		URL:                  cfg.ServerURL,
		MaxReconnectInterval: cfg.ReconnectMaxInterval.Duration,
	}, b, m, logger.Named("transport"))
}

func provideREST(cfg *config.Config, logger *zap.Logger) *restapi.Client {
	return restapi.New(cfg.APIURL, cfg.Token, 15*time.Second, logger.Named("rest"))
}

func provideTimeline(id transport.Identity, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *timeline.Engine {
	return timeline.New(id.UserID, timeline.Options{
		MatchWindow: cfg.MatchWindow.Duration,
		AckTimeout:  cfg.AckTimeout.Duration,
	}, b, logger.Named("timeline"))
}

func providePresence(conn *transport.Conn, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, conn, logger.Named("presence"))
}

func provideTyping(id transport.Identity, cfg *config.Config, conn *transport.Conn, b *bus.Bus, logger *zap.Logger) *typing.Coordinator {
	return typing.New(typing.Identity{UserID: id.UserID, UserName: id.Name}, typing.Options{
		Idle:   cfg.TypingIdle.Duration,
		MaxAge: cfg.TypingMaxAge.Duration,
	}, conn, b, logger.Named("typing"))
}

func provideSender(conn *transport.Conn, engine *timeline.Engine, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(conn, engine, b, logger.Named("outbox"), 0)
}

func provideManager(engine *timeline.Engine, conn *transport.Conn, rest *restapi.Client, sender *outbox.Sender, typist *typing.Coordinator, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *conversation.Manager {
	return conversation.NewManager(engine, conn, rest, sender, typist, b, logger.Named("conversation"), cfg.HistoryLimit)
}

func provideDirectory(db *store.DB, id transport.Identity, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, id.UserID, b, logger.Named("directory"))
}

// components groups what registerLifecycle starts and stops.
type components struct {
	fx.In

	Config    *config.Config
	Lock      *lock.Lock
	DB        *store.DB
	Conn      *transport.Conn
	REST      *restapi.Client
	Timeline  *timeline.Engine
	Presence  *presence.Tracker
	Typing    *typing.Coordinator
	Sender    *outbox.Sender
	Manager   *conversation.Manager
	Directory *intsync.Engine
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, c components) {
	var (
		detach []func()
		cancel context.CancelFunc
	)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			// The timeline must see a message before the manager
			// acknowledges it.
			detach = append(detach,
				c.Timeline.Attach(),
				c.Presence.Attach(),
				c.Typing.Attach(),
				c.Manager.Attach(),
				c.Bus.On(bus.KindConnection, announceOnline(c.Presence, c.Logger)),
			)

			c.Timeline.Start(ctx)
			c.Typing.Start(ctx)
			c.Sender.Start(ctx)
			c.Directory.Start(ctx)

			go refreshDirectory(ctx, c.REST, c.Directory, c.Logger)
			go func() {
				if _, err := c.Conn.Connect(ctx, c.Config.Token); err != nil {
					c.Logger.Warn("initial connect failed, retrying in background", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.Manager.Close(ctx)
			if c.Conn.Connected() {
				_ = c.Presence.SetOwnStatus(ctx, wire.StatusOffline)
			}
			c.Conn.Disconnect()
			if cancel != nil {
				cancel()
			}
			c.Sender.Stop()
			c.Typing.Stop()
			c.Timeline.Stop()
			c.Directory.Stop()
			for i := len(detach) - 1; i >= 0; i-- {
				detach[i]()
			}

			err := errors.Join(c.DB.Close(), c.Lock.Release())
			if err != nil {
				c.Logger.Warn("shutdown incomplete", zap.Error(err))
			}
			c.Logger.Info("session stopped")
			_ = c.Logger.Sync()
			return nil
		},
	})
}

// announceOnline tells the server the user is online every time the stream
// comes up.
func announceOnline(t *presence.Tracker, logger *zap.Logger) bus.Handler {
	return func(evt bus.Event) {
		ch, ok := evt.Payload.(status.StatusChange)
		if !ok || ch.To != status.Connected {
			return
		}
		if err := t.SetOwnStatus(context.Background(), wire.StatusOnline); err != nil {
			logger.Debug("announce online failed", zap.Error(err))
		}
	}
}

func refreshDirectory(ctx context.Context, rest *restapi.Client, dir *intsync.Engine, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	list, err := rest.ListConversations(ctx)
	if err != nil {
		logger.Warn("conversation listing failed", zap.Error(err))
		return
	}
	if err := dir.ReplaceConversations(list); err != nil {
		logger.Error("failed to store conversations", zap.Error(err))
		return
	}
	logger.Info("conversations listed", zap.Int("count", len(list)))
}
