package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/api"
	"github.com/safar/quotesync/internal/approval"
	"github.com/safar/quotesync/internal/auth"
	"github.com/safar/quotesync/internal/clock"
	"github.com/safar/quotesync/internal/config"
	"github.com/safar/quotesync/internal/database"
	"github.com/safar/quotesync/internal/events"
	"github.com/safar/quotesync/internal/lockout"
	"github.com/safar/quotesync/internal/logging"
	"github.com/safar/quotesync/internal/notice"
	"github.com/safar/quotesync/internal/presence"
	"github.com/safar/quotesync/internal/quote"
	"github.com/safar/quotesync/internal/store"
	"github.com/safar/quotesync/internal/store/dynamo"
	"github.com/safar/quotesync/internal/store/memory"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			newDirectory,
			newTierTable,
			newBackends,
			newNotices,
			newQuoteManager,
			newStateMachine,
			newTracker,
			newLockout,
			newServer,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		fx.Invoke(runSweeper, runHTTP),
	)
	app.Run()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.AppEnv, cfg.LogLevel)
}

func newDirectory(cfg *config.Config) (*auth.Directory, *config.Directory, error) {
	raw, err := config.ReadDirectoryFile(cfg.Directory)
	if err != nil {
		return nil, nil, err
	}
	dir, err := auth.NewDirectory(raw)
	if err != nil {
		return nil, nil, err
	}
	return dir, raw, nil
}

func newTierTable(raw *config.Directory) (*approval.TierTable, error) {
	return approval.NewTierTable(raw.Tiers)
}

// backends holds the driver-selected collaborators.
type backends struct {
	quotes    quote.Repository
	audit     approval.AuditLog
	presence  presence.Store
	transport events.Transport
}

func newBackends(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*backends, error) {
	clk := clock.System{}
	b := &backends{}

	var db *sql.DB
	if cfg.Store.Driver == "postgres" || cfg.Presence.Driver == "postgres" {
		var err error
		db, err = database.NewConnection(context.Background(), &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return db.Close() }})
		log.Info("connected to database")
	}

	switch cfg.Store.Driver {
	case "postgres":
		b.quotes = store.NewQuoteStore(db)
		b.audit = store.NewAuditLog(db)
		b.transport = events.NewPGTransport(db, cfg.Database.URL, cfg.Events.Channel, log,
			events.WithReconnect(cfg.Events.MinReconnect, cfg.Events.MaxReconnect))
	default:
		b.quotes = memory.NewQuoteStore(clk)
		b.audit = memory.NewAuditLog()
		b.transport = events.NewBus()
	}

	switch cfg.Presence.Driver {
	case "postgres":
		b.presence = store.NewPresenceStore(db)
	case "dynamodb":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := dynamo.NewClient(ctx, dynamo.Options{
			Region:   cfg.Presence.AWSRegion,
			Endpoint: cfg.Presence.DynamoEndpoint,
		})
		if err != nil {
			return nil, err
		}
		b.presence = dynamo.NewPresenceStore(client, cfg.Presence.DynamoTable, cfg.Presence.TTL, clk)
	default:
		b.presence = memory.NewPresenceStore(clk)
	}

	log.Info("backends selected",
		zap.String("store", cfg.Store.Driver),
		zap.String("presence", cfg.Presence.Driver),
	)
	return b, nil
}

func newNotices(log *zap.Logger) (*notice.Feed, notice.Sink) {
	feed := notice.NewFeed(1024)
	return feed, notice.Fanout{feed, notice.NewZapSink(log)}
}

func newQuoteManager(b *backends, sink notice.Sink, log *zap.Logger) *quote.Manager {
	return quote.NewManager(b.quotes, b.transport, sink, clock.System{}, clock.UUIDGenerator{}, log)
}

func newStateMachine(quotes *quote.Manager, b *backends, dir *auth.Directory, tiers *approval.TierTable, sink notice.Sink, log *zap.Logger) *approval.StateMachine {
	return approval.NewStateMachine(quotes, b.audit, dir, tiers, sink, clock.System{}, clock.UUIDGenerator{}, "manager", log)
}

func newTracker(cfg *config.Config, b *backends, log *zap.Logger) *presence.Tracker {
	pcfg := presence.DefaultConfig()
	pcfg.HeartbeatInterval = cfg.Presence.HeartbeatInterval
	pcfg.TTL = cfg.Presence.TTL
	return presence.NewTracker(b.presence, b.transport, clock.System{}, pcfg, log)
}

func newLockout(cfg *config.Config, log *zap.Logger) *lockout.Service {
	return lockout.NewService(lockout.NewMemoryStore(), lockout.Config{
		MaxAttempts: cfg.Lockout.MaxAttempts,
		Duration:    cfg.Lockout.Duration,
	}, clock.System{}, log)
}

func newServer(quotes *quote.Manager, machine *approval.StateMachine, tracker *presence.Tracker, dir *auth.Directory, lock *lockout.Service, feed *notice.Feed, log *zap.Logger) *api.Server {
	return api.NewServer(quotes, machine, tracker, dir, lock, feed, log)
}

func runHTTP(lc fx.Lifecycle, cfg *config.Config, s *api.Server, log *zap.Logger) {
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("server starting", zap.String("port", cfg.Server.Port))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
