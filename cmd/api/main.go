package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"tradeguard.io/internal/audit"
	"tradeguard.io/internal/auth"
	"tradeguard.io/internal/config"
	"tradeguard.io/internal/httpapi"
	"tradeguard.io/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	// Инициализация observability (метрики, JSON-логгер)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	for _, w := range cfg.Warnings {
		obs.Warn("config_warning", map[string]any{"warning": w})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("tradeguard-api: %v", err)
	}
	obs.Info("stopped", nil)
}

func run(ctx context.Context, cfg *config.Config) error {
	var (
		db  *sql.DB
		rdb redis.UniversalClient
		err error
	)
	if cfg.PGDSN != "" {
		if db, err = audit.OpenPG(cfg.PGDSN); err != nil {
			return err
		}
		defer db.Close()
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	authOpts := []auth.Option{
		auth.WithSecrets(cfg.Auth.AccessSecret, cfg.Auth.RefreshSecret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithLockoutPolicy(cfg.Auth.MaxFailedAttempts, cfg.Auth.LockoutDuration),
	}
	var users httpapi.UserDirectory
	if db != nil {
		creds := auth.NewPGCredentialStore(db)
		authOpts = append(authOpts, auth.WithCredentialStore(creds))
		users = creds
	}
	if rdb != nil {
		authOpts = append(authOpts,
			auth.WithTokenStore(auth.NewRedisTokenStore(rdb, "")),
			auth.WithLockoutStore(auth.NewRedisLockoutStore(rdb, "")),
		)
	}
	tokens, err := auth.NewManager(authOpts...)
	if err != nil {
		return err
	}
	engine, err := auth.NewEngine()
	if err != nil {
		return err
	}

	stream := audit.NewAlertStream()
	alerters := audit.MultiAlerter{audit.LogAlerter{}, stream}
	if len(cfg.KafkaBrokers) > 0 {
		kafka := audit.NewKafkaAlerter(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
		alerters = append(alerters, kafka)
	}
	auditOpts := []audit.Option{
		audit.WithAlerter(alerters),
		audit.WithQueue(cfg.Audit.QueueSize, cfg.Audit.Workers),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
		audit.WithAlertThreshold(cfg.Audit.AlertThreshold),
		audit.WithRateLimitLowMark(cfg.Audit.RateLimitLowMark),
	}
	if db != nil {
		auditOpts = append(auditOpts, audit.WithStore(audit.NewPGStore(db)))
	}
	pipeline, err := audit.NewPipeline(auditOpts...)
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{DB: db, Redis: rdb}
	limiter := httpapi.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	api, err := httpapi.New(httpapi.Deps{
		Tokens:             tokens,
		Engine:             engine,
		Audit:              pipeline,
		Alerts:             stream,
		Users:              users,
		Ready:              probe,
		Limiter:            limiter,
		Version:            version,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// SSE handlers never return on their own, Shutdown would wait them out
	srv.RegisterOnShutdown(stream.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		limiter.Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		obs.Info("http_listen", map[string]any{"addr": srv.Addr, "version": version, "env": cfg.Env})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcSrv, hs := httpapi.NewGRPCServer(tokens, nil)
		g.Go(func() error {
			httpapi.WatchReadiness(gctx, probe, hs, 10*time.Second)
			return nil
		})
		g.Go(func() error {
			obs.Info("grpc_listen", map[string]any{"addr": cfg.GRPCAddr})
			return grpcSrv.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	// graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("shutting_down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		// очередь аудита дренируется со своим таймаутом
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
		if perr := pipeline.Close(drainCtx); perr != nil {
			obs.Error("audit_drain_failed", map[string]any{"error": perr.Error()})
		}
		return err
	})

	return g.Wait()
}
