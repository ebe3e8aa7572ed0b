package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-psp-orders/internal/config"
	"github.com/ariefcatur/go-psp-orders/internal/fulfillment"
	kafkax "github.com/ariefcatur/go-psp-orders/internal/kafka"
	"github.com/ariefcatur/go-psp-orders/internal/merchants"
	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/ariefcatur/go-psp-orders/internal/postgres"
	"github.com/ariefcatur/go-psp-orders/internal/redisx"
	"github.com/ariefcatur/go-psp-orders/internal/storefront"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", cfg.ServiceName+"-fulfillment")
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("db", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// the producer outlives ctx so events from in-flight messages still flush
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(context.Background())

	store := orders.NewCachedStore(&orders.Repo{DB: db}, rdb, log)
	shop := storefront.New(storefront.Config{
		BaseURL:     cfg.Storefront.BaseURL,
		AccessToken: cfg.Storefront.AccessToken,
		RPS:         cfg.Storefront.RPS,
		Timeout:     cfg.Storefront.Timeout,
	}, nil, log)
	svc := &fulfillment.Service{
		Store:      store,
		Merchants:  merchants.NewCachedDirectory(&merchants.Repo{DB: db}, rdb, log),
		Storefront: shop,
		Events:     orders.Events{Publisher: prod, Producer: cfg.ServiceName + "-fulfillment"},
		Log:        log,
	}
	handler := &fulfillment.Consumer{Service: svc, Redis: rdb}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.FulfillmentGroup, orders.TopicOrderPaid, cfg.FulfillmentWorkers, log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info("fulfillment consumer started", "group", cfg.FulfillmentGroup,
			"topic", orders.TopicOrderPaid, "workers", cfg.FulfillmentWorkers)
		if err := cons.Start(ctx, handler.HandleOrderPaid); err != nil {
			log.Error("consumer exit", "err", err)
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting down consumer")
	cancel()
	<-done
	prod.Close()
	prod.WaitClosed()
}
