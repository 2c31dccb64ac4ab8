package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"agrimap.org/internal/audit"
	"agrimap.org/internal/config"
	"agrimap.org/internal/httpapi"
	"agrimap.org/internal/obs"
	"agrimap.org/internal/presence"
	"agrimap.org/internal/ratelimit"
	"agrimap.org/internal/session"
	"agrimap.org/internal/token"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AGRIMAP_JWT_SECRET is required")
	}

	var db *sql.DB
	if cfg.PGDSN != "" {
		db, err = sql.Open("pgx", cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if db == nil {
		log.Fatal("AGRIMAP_PG_DSN is required")
	}

	creds := session.NewPGCredentialStore(db)
	tokens := session.NewPGTokenStore(db)

	signer, err := token.NewSigner(cfg.JWTSecret,
		token.WithIssuer(cfg.JWTIssuer),
		token.WithTTL(cfg.AccessTTL),
	)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	limitCfg := ratelimit.Config{
		Login:   ratelimit.Limit{MaxRequests: cfg.LoginRateMax, Window: cfg.LoginRateWindow},
		Refresh: ratelimit.Limit{MaxRequests: cfg.RefreshRateMax, Window: cfg.RefreshRateWindow},
	}
	var (
		limiter ratelimit.Limiter
		tracker presence.Tracker
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewRedis(rdb, limitCfg)
		tracker = presence.NewRedis(rdb, cfg.PresenceWindow)
	} else {
		limiter = ratelimit.NewLocal(limitCfg)
		tracker = presence.NewLocal(cfg.PresenceWindow)
	}

	dispatcher := audit.NewDispatcher(audit.Config{
		BufferSize: cfg.AuditBuffer,
		DropIfFull: true,
	}, audit.Fanout(audit.LogSink{}, audit.NewPGSink(db)))
	defer dispatcher.Close()

	svcOpts := []session.Option{
		session.WithRefreshTTL(cfg.RefreshTTL),
		session.WithRotation(cfg.RotateOnRefresh),
		session.WithReplayCascade(cfg.ReplayCascade),
		session.WithRequireDeviceID(cfg.RequireDeviceID),
		session.WithBinding(session.BindingConfig{
			IPBinding: cfg.IPBinding,
			UABinding: cfg.UABinding,
			UAMode:    session.UABindingMode(cfg.UABindingMode),
		}),
		session.WithRateLimiter(limiter),
		session.WithPresence(tracker),
		session.WithAudit(dispatcher),
	}
	if cfg.SingleDevice {
		policy, err := session.ParseSingleDevicePolicy(cfg.SingleDevicePolicy)
		if err != nil {
			log.Fatalf("single device policy: %v", err)
		}
		svcOpts = append(svcOpts, session.WithSingleDevice(policy))
	}

	if !cfg.RotateOnRefresh {
		log.Println("refresh rotation disabled: reusing token values weakens replay detection")
	}

	svc, err := session.NewService(creds, tokens, signer, svcOpts...)
	if err != nil {
		log.Fatalf("session service: %v", err)
	}

	api := httpapi.New(httpapi.Options{
		Service:    svc,
		Signer:     signer,
		Ready:      httpapi.ReadyProbe{DB: db},
		Version:    version,
		RefreshTTL: cfg.RefreshTTL,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting agrimap-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}
