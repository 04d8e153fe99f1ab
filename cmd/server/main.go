package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/freight-dispatch/internal/config"
	"github.com/example/freight-dispatch/internal/dispatch"
	"github.com/example/freight-dispatch/internal/geo"
	httpapi "github.com/example/freight-dispatch/internal/http"
	"github.com/example/freight-dispatch/internal/ledger"
	"github.com/example/freight-dispatch/internal/logging"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/nearby"
	"github.com/example/freight-dispatch/internal/notify"
	"github.com/example/freight-dispatch/internal/payments"
	"github.com/example/freight-dispatch/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var led ledger.Ledger
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		pg, err := ledger.NewPostgresLedger(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		led = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory ledger")
		led = ledger.NewMemoryLedger()
	}

	var gateway payments.Gateway = payments.NopGateway{}
	if os.Getenv("STRIPE_API_KEY") != "" {
		gateway = payments.NewStripeGateway(cfg.StripeCurrency)
	}

	wsreg := notify.NewWSRegistry()
	sinks := notify.Fanout{&notify.WSSink{Registry: wsreg}}
	if len(cfg.KafkaBrokers) > 0 {
		ks := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.EventTopic)
		defer ks.Close()
		sinks = append(sinks, ks)
	}

	co := dispatch.NewCoordinator(led, gateway, sinks, logger)
	co.FeePercent = cfg.FeePercent
	co.AutoAcceptTTL = cfg.AutoAcceptTTL

	var carrierIndex *geo.RedisCarrierIndex
	var locators fanoutLocator
	if cfg.RedisAddr != "" {
		carrierIndex = geo.NewRedisCarrierIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer carrierIndex.Close()
		locators = append(locators, carrierIndex)
	}
	if len(cfg.KafkaBrokers) > 0 {
		lp := notify.NewLocationProducer(cfg.KafkaBrokers, cfg.LocationTopic)
		defer lp.Close()
		locators = append(locators, lp)
	}
	if len(locators) > 0 {
		co.Locations = locators
	}

	cache := nearby.NewCache(cfg.NearbyTTL)
	defer cache.Close()
	nb := nearby.NewService(led, cache, cfg.FeePercent)
	nb.Limit = cfg.NearbyLimit
	nb.DefaultRadiusKm = cfg.DefaultRadiusKm

	srv := httpapi.NewServer(co, led, nb, tracking.NewRecorder(led), wsreg, cfg.WebhookSecret, logger)
	if carrierIndex != nil {
		srv.Carriers = carrierIndex
	}

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("freight-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// fanoutLocator pushes location updates to every configured sink.
type fanoutLocator []dispatch.CarrierLocator

func (f fanoutLocator) Upsert(ctx context.Context, c models.Carrier) error {
	var first error
	for _, l := range f {
		if err := l.Upsert(ctx, c); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_schema.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
