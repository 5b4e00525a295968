package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/longhouse-sh/control-plane/internal/auth"
	"github.com/longhouse-sh/control-plane/internal/billing"
	"github.com/longhouse-sh/control-plane/internal/clock"
	"github.com/longhouse-sh/control-plane/internal/config"
	"github.com/longhouse-sh/control-plane/internal/deploy"
	"github.com/longhouse-sh/control-plane/internal/events"
	"github.com/longhouse-sh/control-plane/internal/health"
	"github.com/longhouse-sh/control-plane/internal/logging"
	"github.com/longhouse-sh/control-plane/internal/metrics"
	"github.com/longhouse-sh/control-plane/internal/proxy"
	"github.com/longhouse-sh/control-plane/internal/reconciler"
	"github.com/longhouse-sh/control-plane/internal/runtime"
	"github.com/longhouse-sh/control-plane/internal/secrets"
	"github.com/longhouse-sh/control-plane/internal/store"
	"github.com/longhouse-sh/control-plane/internal/web"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	sessions, err := auth.OpenSessions(cfg.SessionDBPath)
	if err != nil {
		log.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	mint, err := secrets.NewMint(cfg.EnvelopeKey, cfg.RootDomain)
	if err != nil {
		log.Error("failed to initialise secret mint", "error", err)
		os.Exit(1)
	}
	tokens, err := secrets.NewTokenMinter(cfg.SSOSigningKey)
	if err != nil {
		log.Error("failed to initialise token minter", "error", err)
		os.Exit(1)
	}

	client, err := runtime.NewClient(cfg.RuntimeEndpoint, nil)
	if err != nil {
		log.Error("failed to create runtime client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	adapter := runtime.NewAdapter(client, runtime.Options{
		Network:      cfg.ProxyNetwork,
		DataRoot:     cfg.DataRoot,
		PublishPorts: cfg.PublishPorts,
	}, log)

	var publisher proxy.Publisher
	switch cfg.ProxyMode {
	case "file":
		publisher = proxy.NewFilePublisher(cfg.ProxyFileDir, cfg.RootDomain, 0, log)
	default:
		publisher = proxy.NewLabelPublisher(cfg.ProxyProvider, cfg.RootDomain, 0)
	}

	clk := clock.Real{}
	bus := events.New()

	rec := reconciler.New(db, adapter, publisher, mintAdapter{mint}, clk, log, bus)
	pool := reconciler.NewPool(rec, cfg.ReconcileWorkers, clk, log)
	sweeper := reconciler.NewSweeper(db, pool, log, bus)
	prober := health.NewProber(db, adapter, clk, log, bus, pool.Enqueue,
		cfg.ProbeInterval, cfg.ProbeFailureThreshold, proxy.DefaultInstancePort)
	deployer := deploy.New(db, adapter, pool.Enqueue, clk, log, bus)

	policy, err := billing.LoadPolicy(cfg.BillingPolicyFile)
	if err != nil {
		log.Error("failed to load billing policy", "error", err)
		os.Exit(1)
	}
	billingHandler := billing.NewHandler(cfg.BillingWebhookSecret, db, policy, bus, pool.Enqueue, log)

	authSvc := auth.NewService(auth.ServiceConfig{
		Tenants:       tenantAdapter{db},
		Sessions:      sessions,
		Log:           log,
		CookieSecure:  true,
		SessionExpiry: 7 * 24 * time.Hour,
	})
	oidcProvider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
		Enabled:      cfg.OIDCIssuer != "",
		IssuerURL:    cfg.OIDCIssuer,
		ClientID:     cfg.OIDCClientID,
		ClientSecret: cfg.OIDCClientSecret,
		RedirectURL:  fmt.Sprintf("https://control.%s/auth/oidc/callback", cfg.RootDomain),
	})
	if err != nil {
		log.Error("failed to initialise oidc provider", "error", err)
		os.Exit(1)
	}

	srv := web.NewServer(cfg.ListenAddr, web.Dependencies{
		Instances:   db,
		Tenants:     db,
		Deployments: db,
		BillingLog:  db,

		Auth:     authSvc,
		OIDC:     oidcProvider,
		Billing:  billingHandler,
		Deployer: deployer,
		Secrets:  mint,
		Tokens:   tokens,
		Enqueue:  pool.Enqueue,
		EventBus: bus,
		Store:    db,
		Runtime:  client,
		Log:      log,

		AdminToken:      cfg.AdminToken,
		RootDomain:      cfg.RootDomain,
		DefaultImageRef: cfg.InstanceImageRef,
		DataRoot:        cfg.DataRoot,
		CookieSecure:    true,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Error("web server error", "error", err)
			cancel()
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Reconcile the world as it is before accepting the steady-state loop.
	if err := rec.StartupReconcile(ctx, pool, cfg.AdoptOrphans); err != nil {
		log.Error("startup reconciliation failed", "error", err)
		os.Exit(1)
	}

	if err := sweeper.Start(cfg.ResweepInterval); err != nil {
		log.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	go func() {
		if err := prober.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("health prober exited", "error", err)
		}
	}()

	go sessionJanitor(ctx, authSvc, log)
	if cfg.TextfilePath != "" {
		go textfileWriter(ctx, cfg.TextfilePath, log)
	}

	log.Info("control plane started", "version", version, "workers", cfg.ReconcileWorkers)

	pool.Run(ctx)
	log.Info("control plane stopped")
}

// sessionJanitor prunes expired tenant sessions hourly.
func sessionJanitor(ctx context.Context, svc *auth.Service, log *logging.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := svc.CleanupExpiredSessions(); err != nil {
				log.Warn("session cleanup failed", "error", err)
			} else if n > 0 {
				log.Info("expired sessions removed", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// textfileWriter exports metrics for a node-exporter textfile collector.
func textfileWriter(ctx context.Context, path string, log *logging.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("failed to write metrics textfile", "path", path, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
