package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-psp-orders/internal/checkout"
	"github.com/ariefcatur/go-psp-orders/internal/config"
	"github.com/ariefcatur/go-psp-orders/internal/fulfillment"
	"github.com/ariefcatur/go-psp-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-psp-orders/internal/kafka"
	"github.com/ariefcatur/go-psp-orders/internal/merchants"
	"github.com/ariefcatur/go-psp-orders/internal/orchestrator"
	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/ariefcatur/go-psp-orders/internal/postgres"
	"github.com/ariefcatur/go-psp-orders/internal/psp"
	"github.com/ariefcatur/go-psp-orders/internal/psp/paypal"
	"github.com/ariefcatur/go-psp-orders/internal/psp/stripe"
	"github.com/ariefcatur/go-psp-orders/internal/reconcile"
	"github.com/ariefcatur/go-psp-orders/internal/redisx"
	"github.com/ariefcatur/go-psp-orders/internal/storefront"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", cfg.ServiceName)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	if cfg.MigrationsEnabled {
		if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
			log.Error("migrate", "err", err)
			os.Exit(1)
		}
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("db connect", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer, one writer for every lifecycle topic
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(ctx)
	events := orders.Events{Publisher: prod, Producer: cfg.ServiceName}

	// Providers
	pspClient := &http.Client{Timeout: cfg.PSPTimeout}
	registry := psp.NewRegistry(
		stripe.New(stripe.Config{
			BaseURL:       cfg.Stripe.BaseURL,
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
		}, pspClient, log),
		paypal.New(paypal.Config{
			BaseURL:       cfg.PayPal.BaseURL,
			AccessToken:   cfg.PayPal.AccessToken,
			WebhookSecret: cfg.PayPal.WebhookSecret,
			ReturnURL:     cfg.PayPal.ReturnURL,
			CancelURL:     cfg.PayPal.CancelURL,
		}, pspClient, log),
	)

	store := orders.NewCachedStore(&orders.Repo{DB: db}, rdb, log)
	directory := merchants.NewCachedDirectory(&merchants.Repo{DB: db}, rdb, log)
	shop := storefront.New(storefront.Config{
		BaseURL:       cfg.Storefront.BaseURL,
		AccessToken:   cfg.Storefront.AccessToken,
		WebhookSecret: cfg.Storefront.WebhookSecret,
		RPS:           cfg.Storefront.RPS,
		Timeout:       cfg.Storefront.Timeout,
	}, nil, log)

	orch := orchestrator.New(registry, store,
		orchestrator.WithLogger(log),
		orchestrator.WithAttemptTimeout(cfg.PSPTimeout),
		orchestrator.WithCascadePolicy(orchestrator.ParseCascadePolicy(cfg.PSPCascadePolicy)),
		orchestrator.WithAttemptHook(events.Attempted),
	)

	checkoutSvc := &checkout.Service{
		Store:        store,
		Snapshots:    store,
		Merchants:    directory,
		Orchestrator: orch,
		Registry:     registry,
		Redis:        rdb,
		Events:       events,
		Log:          log,
	}
	fulfillSvc := &fulfillment.Service{
		Store:      store,
		Merchants:  directory,
		Storefront: shop,
		Events:     events,
		Log:        log,
	}
	rec := &reconcile.Reconciler{
		Store:      store,
		Registry:   registry,
		Storefront: shop,
		Redis:      rdb,
		Events:     events,
		Log:        log,
	}

	// a create runs every configured provider in turn, so the request budget
	// has to cover all of them
	timeout := time.Duration(len(registry.Names())+1) * cfg.PSPTimeout
	router := httpx.NewRouter(timeout,
		&httpx.OrdersHandler{Checkout: checkoutSvc, Fulfillment: fulfillSvc, Log: log},
		&httpx.WebhooksHandler{Reconciler: rec, Registry: registry, Log: log},
	)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr, "providers", registry.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), timeout)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()
	cancel()
	prod.WaitClosed()
}
