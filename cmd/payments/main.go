package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/addressbook"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/api"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/banking"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/budget"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/config"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/gateway"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/ledger/backend"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/metrics"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/payment"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/priceguide"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/redemption"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/registry"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/rules"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/store"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/voucher"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}
	st := store.New(rdb, cfg.Payment.LockExpiry(), log)

	// ── Ledger backend ────────────────────────────────────────────────────────
	led, closeLedger, err := backend.Open(cfg)
	if err != nil {
		log.Fatal("ledger init failed", zap.String("backend", cfg.Ledger.Backend), zap.Error(err))
	}
	defer closeLedger()
	if !led.IsConnected(ctx) {
		log.Warn("ledger not reachable at startup; ledger operations will fail until it recovers",
			zap.String("backend", cfg.Ledger.Backend))
	}
	contract, err := backend.Contract(ctx, cfg, led, log)
	if err != nil {
		log.Fatal("voucher contract", zap.Error(err))
	}

	// ── Metrics ───────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ── Domain services ───────────────────────────────────────────────────────
	book := addressbook.New(rdb)
	bl := budget.New(st, log)
	vouchers := voucher.NewManager(st, led, bl, book, voucher.Config{
		Contract:       contract,
		ConfirmTimeout: cfg.Payment.ConfirmTimeout(),
		PollInterval:   cfg.Payment.PollInterval(),
	}, m, log)

	providers := registry.NewClient(cfg.Services.RegistryURL, cfg.Services.RegistryKey)
	validator := rules.New(
		priceguide.NewClient(cfg.Services.PriceGuideURL, log),
		providers,
		providers,
		m,
		log,
	)
	gw := gateway.NewClient(cfg.Services.GatewayURL, cfg.Services.GatewayKey)
	payments := payment.New(st, validator, vouchers, bl, led, gw, book, m, log)
	redemptions := redemption.New(st, banking.NewClient(cfg.Services.BankingURL, cfg.Services.BankingKey, log), m, log)

	// ── Goroutines ────────────────────────────────────────────────────────────
	go payments.RunReconciler(ctx, cfg.Payment.ReconcileInterval())
	go redemptions.Run(ctx)
	go redemptions.RunReconciler(ctx, cfg.Payment.ReconcileInterval())

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", api.Health(led))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	api.NewHandler(st, vouchers, payments, redemptions, book, log).Register(r.Group("/api"))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("ledger", cfg.Ledger.Backend),
			zap.String("contract", contract),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
