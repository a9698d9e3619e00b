package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redislib "github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	apiHandler "github.com/fastygo/orgcore/api/handler"
	"github.com/fastygo/orgcore/internal/config"
	"github.com/fastygo/orgcore/internal/infrastructure/dns"
	"github.com/fastygo/orgcore/internal/infrastructure/journal"
	"github.com/fastygo/orgcore/internal/infrastructure/mailer"
	"github.com/fastygo/orgcore/internal/infrastructure/monitor"
	pgInfra "github.com/fastygo/orgcore/internal/infrastructure/postgres"
	redisInfra "github.com/fastygo/orgcore/internal/infrastructure/redis"
	"github.com/fastygo/orgcore/internal/middleware"
	"github.com/fastygo/orgcore/internal/router"
	"github.com/fastygo/orgcore/internal/services"
	"github.com/fastygo/orgcore/internal/services/lifecycle"
	"github.com/fastygo/orgcore/pkg/httpcontext"
	"github.com/fastygo/orgcore/pkg/logger"
	"github.com/fastygo/orgcore/repository"
	"github.com/fastygo/orgcore/repository/memory"
	"github.com/fastygo/orgcore/repository/postgres"
	redisRepo "github.com/fastygo/orgcore/repository/redis"
	"github.com/fastygo/orgcore/usecase"
	"github.com/fastygo/orgcore/usecase/authz"
	"github.com/fastygo/orgcore/usecase/bootstrap"
	"github.com/fastygo/orgcore/usecase/events"
	"github.com/fastygo/orgcore/usecase/projection"
)

func main() {
	issueFor := flag.String("issue-token", "", "print a signed token for the given principal and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{
		Level:    cfg.Logger.Level,
		Encoding: cfg.Logger.Encoding,
	})
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer zapLogger.Sync()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := lifecycle.New(cfg.Context.ShutdownTimeout, zapLogger)
	manager.Listen(cancel)

	if err := pgInfra.RunMigrations(cfg, zapLogger); err != nil {
		zapLogger.Fatal("migrations failed", zap.Error(err))
	}

	var (
		store repository.Store
		pool  *pgxpool.Pool
	)
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err = pgInfra.NewPool(appCtx, cfg.Database, cfg.AppName, zapLogger)
		if err != nil {
			zapLogger.Fatal("postgres connection failed", zap.Error(err))
		}
		manager.Register("postgres", func(ctx context.Context) error {
			pgInfra.Close(pool, zapLogger)
			return nil
		})
		store = postgres.NewStore(pool)
	default:
		zapLogger.Warn("using in-memory event store; state is lost on restart")
		store = memory.NewStore()
	}

	var (
		redisClient *redislib.Client
		cache       repository.PermissionCache
		locker      repository.Locker
	)
	redisClient, err = redisInfra.NewClient(appCtx, cfg.Redis)
	switch {
	case err == nil:
		manager.Register("redis", lifecycle.Closer(redisClient.Close))
		cache = redisRepo.NewPermissionCache(redisClient, cfg.Events.PermissionCacheTTL)
		locker = redisRepo.NewLocker(redisClient)
	case cfg.Storage.Driver == "memory":
		zapLogger.Warn("redis unavailable; running without permission cache and workflow locks", zap.Error(err))
	default:
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}

	eventRouter, err := events.NewRouter(projection.Processors()...)
	if err != nil {
		zapLogger.Fatal("event router is incomplete", zap.Error(err))
	}
	eventLog := events.NewService(store, eventRouter, zapLogger.Named("events"), events.Config{
		MaxOrderingRetries:   cfg.Events.MaxOrderingRetries,
		MaxCascadeDepth:      cfg.Events.MaxCascadeDepth,
		OrderingRetryBackoff: cfg.Events.OrderingRetryBackoff,
	})

	permissions := authz.NewService(store, cache, zapLogger.Named("authz"))
	eventLog.Subscribe(permissions)
	tokens := authz.NewTokenIssuer(permissions, cfg.JWT.Secret, cfg.JWT.TokenTTL).WithIssuer(cfg.JWT.Issuer)

	if *issueFor != "" {
		token, err := tokens.SignToken(appCtx, *issueFor)
		if err != nil {
			zapLogger.Fatal("token issue failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stdout, token)
		return
	}

	journalStore, err := journal.Open(cfg.Workflow.JournalPath, "workflows")
	if err != nil {
		zapLogger.Fatal("failed to open workflow journal", zap.Error(err))
	}
	manager.Register("journal", lifecycle.Closer(journalStore.Close))

	deps := bootstrap.Deps{
		Store:    store,
		Events:   eventLog,
		Notifier: mailer.New(mailerConfig(cfg.SMTP), zapLogger.Named("mailer")),
		Journal:  journalStore,
		Locker:   locker,
		Logger:   zapLogger.Named("bootstrap"),
	}
	if cfg.DNS.Provider == "http" {
		deps.DNS = dns.NewHTTPProvider(dns.ProviderConfig{
			BaseURL: cfg.DNS.APIURL,
			Zone:    cfg.DNS.Zone,
			Token:   cfg.DNS.APIToken,
			Timeout: cfg.DNS.Timeout,
		}, zapLogger.Named("dns"))
		deps.Resolvers = dns.NewResolvers(cfg.DNS.Resolvers, cfg.DNS.Timeout)
	}

	engine, err := bootstrap.NewEngine(deps, engineConfig(cfg))
	if err != nil {
		zapLogger.Fatal("workflow engine misconfigured", zap.Error(err))
	}
	manager.Register("workflows", engine.Shutdown)

	if n, err := engine.RecoverInterrupted(appCtx); err != nil {
		zapLogger.Error("interrupted workflow recovery failed", zap.Error(err))
	} else if n > 0 {
		zapLogger.Warn("compensated interrupted workflows", zap.Int("count", n))
	}

	mon := monitor.New(cfg.Storage.Driver, pool, redisClient, journalStore, 10*time.Second, zapLogger)
	mon.Start()
	manager.Register("monitor", func(ctx context.Context) error {
		mon.Stop()
		return nil
	})

	sweeper := services.NewSweeper(eventLog, engine, journalStore, mon, zapLogger.Named("sweeper"), services.SweeperConfig{
		Interval:         cfg.Events.SweepInterval,
		BatchSize:        cfg.Events.SweepBatchSize,
		JournalRetention: cfg.Workflow.JournalRetention,
	})
	sweeper.Start()
	manager.Register("sweeper", func(ctx context.Context) error {
		sweeper.Stop(ctx)
		return nil
	})

	dispatcher := usecase.NewDispatcher()
	usecase.Register(dispatcher, usecase.Services{
		Events:    eventLog,
		Workflows: engine,
		Authz:     permissions,
		Tokens:    tokens,
	})
	commands, queries := dispatcher.Names()
	zapLogger.Debug("dispatcher ready", zap.Strings("commands", commands), zap.Strings("queries", queries))

	ctxAdapter := httpcontext.NewAdapter(cfg.Context.RequestTimeout)

	handlers := router.Handlers{
		Events:    apiHandler.NewEventHandler(dispatcher, ctxAdapter, zapLogger),
		Workflows: apiHandler.NewWorkflowHandler(dispatcher, ctxAdapter, zapLogger),
		Authz:     apiHandler.NewAuthzHandler(dispatcher, ctxAdapter, zapLogger),
		Health:    apiHandler.NewHealthHandler(mon, ctxAdapter, zapLogger),
	}

	authMiddleware := middleware.JWTAuth(cfg.JWT.Secret, zapLogger)
	if cfg.JWT.Disabled {
		zapLogger.Warn("jwt authentication disabled")
		authMiddleware = middleware.Anonymous("anonymous")
	}
	r := router.New(handlers, authMiddleware)

	server := &fasthttp.Server{
		Handler:      r.Handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		Concurrency:  cfg.HTTP.MaxConn,
		Name:         cfg.AppName,
	}

	go func() {
		zapLogger.Info("server started", zap.String("address", cfg.Address()), zap.String("storage", cfg.Storage.Driver))
		if err := server.ListenAndServe(cfg.Address()); err != nil {
			zapLogger.Fatal("server crashed", zap.Error(err))
		}
	}()

	manager.Register("http_server", func(ctx context.Context) error {
		return server.ShutdownWithContext(ctx)
	})

	<-appCtx.Done()

	if err := manager.Shutdown(context.Background()); err != nil {
		zapLogger.Error("graceful shutdown error", zap.Error(err))
	}
}

func engineConfig(cfg *config.Config) bootstrap.Config {
	w := cfg.Workflow
	return bootstrap.Config{
		BaseDomain:   cfg.DNS.BaseDomain,
		RecordTarget: cfg.DNS.RecordTarget,
		Quorum:       w.Quorum,
		Activity: bootstrap.RetryPolicy{
			Timeout:         w.ActivityTimeout,
			MaxAttempts:     w.ActivityAttempts,
			InitialInterval: w.BackoffInitial,
			MaxInterval:     w.BackoffMax,
		},
		Verification: bootstrap.RetryPolicy{
			Timeout:         w.ActivityTimeout,
			MaxAttempts:     w.VerifyAttempts,
			InitialInterval: w.VerifyInterval,
			MaxInterval:     w.BackoffMax,
		},
		CompensationTimeout: w.CompensationTimeout,
		LockTTL:             w.LockTTL,
		InvitationTTL:       w.InvitationTTL,
	}
}

func mailerConfig(c config.SMTPConfig) mailer.Config {
	return mailer.Config{
		Host:      c.Host,
		Port:      c.Port,
		Username:  c.Username,
		Password:  c.Password,
		From:      c.From,
		InviteURL: c.InviteURL,
	}
}
