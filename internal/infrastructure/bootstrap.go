package infrastructure

import (
	"fmt"
	"log/slog"

	"actcredits/internal/config"
	"actcredits/internal/metrics"
	"actcredits/internal/model"
	"actcredits/internal/payments"
	"actcredits/internal/repository"
	"actcredits/internal/service"
	transportAMQP "actcredits/internal/transport/amqp"
	transportGRPC "actcredits/internal/transport/grpc"
	transportHTTP "actcredits/internal/transport/http"
	transportNATS "actcredits/internal/transport/nats"
	"actcredits/internal/worker"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// core holds the pieces shared by the server and the one-shot commands.
type core struct {
	ledger  *service.Ledger
	cache   leaseCache
	nc      *nats.Conn
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	catalog model.Catalog
}

type leaseCache interface {
	service.BalanceCache
	worker.Leaser
}

// wireCore opens the store, the optional cache and bus, and builds the ledger.
// On error everything opened so far is already closed.
func wireCore(cfg *config.Config) (*core, func(), error) {
	var cleanupFns []func()
	fail := func(err error) (*core, func(), error) {
		runCleanup(cleanupFns)()
		return nil, nil, err
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	store, err := openStore(cfg)
	if err != nil {
		return fail(err)
	}
	cleanupFns = append(cleanupFns, store.Close)

	c := &core{cache: repository.NopCache{}}
	if addr := cfg.RedisAddr(); addr != "" {
		rdb, err := connectRedis(addr)
		if err != nil {
			return fail(err)
		}
		cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
		c.cache = repository.NewRedisCache(rdb, cfg.CacheTTL)
	}

	// ── Bus ───────────────────────────────────────────────────────────────────
	var bus repository.MessageBus = repository.NopBus{}
	switch cfg.BusProvider {
	case "nats":
		c.nc, err = connectNats(cfg.NatsAddr())
		if err != nil {
			return fail(err)
		}
		cleanupFns = append(cleanupFns, c.nc.Close)
		bus = transportNATS.NewBus(c.nc)
	case "amqp":
		amqpBus, err := transportAMQP.Dial(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fail(err)
		}
		cleanupFns = append(cleanupFns, amqpBus.Close)
		bus = amqpBus
	}

	// ── Ledger ────────────────────────────────────────────────────────────────
	c.reg = prometheus.NewRegistry()
	c.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.metrics = metrics.MustNew(c.reg)

	c.catalog = model.DefaultCatalog().WithPriceIDs(cfg.StripePrices)
	c.ledger = service.NewLedger(store, bus, c.cache, c.metrics, c.catalog)
	c.ledger.SetSweepLimit(cfg.SweepLimit)

	return c, runCleanup(cleanupFns), nil
}

// OpenLedger wires only the ledger, for commands that run one operation and exit.
func OpenLedger(cfg *config.Config) (*service.Ledger, func(), error) {
	c, cleanup, err := wireCore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return c.ledger, cleanup, nil
}

// Bootstrap initialises all dependencies from cfg and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(cfg *config.Config) (*App, func(), error) {
	c, cleanup, err := wireCore(cfg)
	if err != nil {
		return nil, nil, err
	}
	var svc service.LedgerService = c.ledger

	var servers []Server

	if cfg.SweepEnabled() {
		sweeper, err := worker.NewExpirySweeper(svc, c.cache, cfg.SweepSchedule, cfg.SweepLeaseTTL)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		servers = append(servers, sweeper)
	} else {
		slog.Info("expiry sweeper not started", "reason", "ACT_SWEEP_SCHEDULE=off")
	}

	if c.nc != nil {
		servers = append(servers, transportNATS.NewHandler(svc, c.nc))
	}
	if addr, err := cfg.GRPCAddr(); err == nil {
		servers = append(servers, transportGRPC.NewServer(addr, svc))
	}
	if addr, err := cfg.ApiAddr(); err == nil {
		billing := payments.NewClient(cfg.StripeSecretKey, c.catalog, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)
		webhook := transportHTTP.NewWebhookHandler(
			payments.NewVerifier(cfg.StripeWebhookSecret, c.catalog),
			payments.NewProcessor(svc, c.metrics),
		)
		router := transportHTTP.NewRouter(transportHTTP.RouterConfig{
			Handler:        transportHTTP.NewHandler(svc, billing),
			Webhook:        webhook,
			Auth:           transportHTTP.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
			Metrics:        c.metrics,
			Gatherer:       c.reg,
			AllowedOrigins: cfg.AllowedOrigins,
		})
		servers = append(servers, transportHTTP.NewServer(addr, router))
	} else {
		slog.Info("HTTP API not started", "reason", err)
	}

	slog.Info("application wired",
		"store", cfg.StoreDriver,
		"bus", cfg.BusProvider,
		"redis", cfg.RedisAddr() != "",
		"servers", len(servers),
	)
	return NewApp(servers), cleanup, nil
}

func openStore(cfg *config.Config) (repository.Store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		return repository.NewSQLiteRepo(cfg.SQLitePath)
	case "postgres":
		db, err := connectPostgres(cfg.DSN())
		if err != nil {
			return nil, err
		}
		return repository.NewLedgerRepo(db), nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
