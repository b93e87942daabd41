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

	"authgate.dev/internal/audit"
	"authgate.dev/internal/auth"
	"authgate.dev/internal/config"
	"authgate.dev/internal/httpapi"
	"authgate.dev/internal/obs"
	"authgate.dev/internal/stream"
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

	// Stores. Postgres when a DSN is configured, in-memory otherwise.
	var (
		db         *sql.DB
		userStore  auth.Store
		eventStore audit.Store
	)
	if cfg.DSN != "" {
		db, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		userStore = auth.NewPGStore(db)
		eventStore = audit.NewPGStore(db)
	} else {
		obs.LogEvent("warn", "memory_store", map[string]any{
			"detail": "AUTHGATE_PG_DSN not set, state will not survive restarts",
		})
		userStore = auth.NewMemoryStore()
		eventStore = audit.NewMemoryStore()
	}

	roles, err := config.LoadRoleTable(cfg.RolesFile)
	if err != nil {
		log.Fatalf("roles: %v", err)
	}

	minterOpts := []auth.MinterOption{
		auth.WithTokenTTL(cfg.TokenTTL),
	}
	switch cfg.Alg {
	case "HS256":
		minterOpts = append(minterOpts, auth.WithSecret(cfg.Secret))
	case "RS256":
		priv, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			log.Fatalf("read private key: %v", err)
		}
		pub, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			log.Fatalf("read public key: %v", err)
		}
		minterOpts = append(minterOpts, auth.WithRS256Keys(string(priv), string(pub)))
		if cfg.KeyID != "" {
			minterOpts = append(minterOpts, auth.WithKeyID(cfg.KeyID))
		}
	}
	minter, err := auth.NewMinter(cfg.Issuer, cfg.Audience, minterOpts...)
	if err != nil {
		log.Fatalf("minter: %v", err)
	}

	guard := auth.NewBruteForceGuard(cfg.MaxAttempts, cfg.FailureWindow, cfg.LockoutPeriod)
	limiter := auth.NewSlidingLimiter(cfg.SustainedCap, cfg.SustainedWindow, cfg.BurstCap, cfg.BurstWindow)

	live := stream.New[audit.Event]()
	auditLog := audit.NewLogger(eventStore,
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithLiveStream(live),
	)

	svc, err := auth.NewService(userStore, roles, minter, guard, limiter, auditLog)
	if err != nil {
		log.Fatalf("service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	created, password, err := svc.EnsureDefaultAdmin(ctx, "Administrators")
	cancel()
	if err != nil {
		log.Fatalf("bootstrap admin: %v", err)
	}
	if created {
		// Printed once. There is no other way to recover this password.
		obs.LogEvent("warn", "default_admin_created", map[string]any{
			"username": "admin",
			"password": password,
		})
	}

	api := httpapi.New(svc, live, httpapi.ReadyProbe{DB: db}, version, httpapi.Options{
		RatePerSecond: cfg.HTTPRateLimit,
		RateBurst:     cfg.HTTPRateBurst,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Aged-out lockout and rate limit state is dropped in the background.
	pruneDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				guard.Prune()
				limiter.Prune()
			case <-pruneDone:
				return
			}
		}
	}()

	if cfg.RolesFile != "" {
		svc.SystemEvent(audit.EventConfigChange, map[string]any{"roles_file": cfg.RolesFile})
	}

	obs.LogEvent("info", "server_starting", map[string]any{
		"version": version,
		"addr":    cfg.Addr,
		"alg":     cfg.Alg,
	})
	svc.SystemEvent(audit.EventServerStart, map[string]any{"version": version, "addr": cfg.Addr})

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.LogEvent("info", "server_stopping", nil)
	svc.SystemEvent(audit.EventServerStop, nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	close(pruneDone)
	auditLog.Close()
	if db != nil {
		_ = db.Close()
	}
	obs.LogEvent("info", "server_stopped", nil)
}
