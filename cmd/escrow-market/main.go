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

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/Checker-Finance/escrow-market/internal/api"
	"github.com/Checker-Finance/escrow-market/internal/auth"
	"github.com/Checker-Finance/escrow-market/internal/config"
	"github.com/Checker-Finance/escrow-market/internal/dispatch"
	"github.com/Checker-Finance/escrow-market/internal/eventbus"
	"github.com/Checker-Finance/escrow-market/internal/events"
	"github.com/Checker-Finance/escrow-market/internal/feed"
	"github.com/Checker-Finance/escrow-market/internal/jobs"
	"github.com/Checker-Finance/escrow-market/internal/market"
	"github.com/Checker-Finance/escrow-market/internal/publisher"
	"github.com/Checker-Finance/escrow-market/internal/rabbitmq"
	"github.com/Checker-Finance/escrow-market/internal/rate"
	internalsecrets "github.com/Checker-Finance/escrow-market/internal/secrets"
	"github.com/Checker-Finance/escrow-market/internal/store"
	"github.com/Checker-Finance/escrow-market/pkg/logger"
	"github.com/Checker-Finance/escrow-market/pkg/secrets"
	"github.com/Checker-Finance/escrow-market/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Info("starting [escrow-market]...")

	// --- Secrets (optional AWS Secrets Manager override) ---
	stopCleaner := make(chan struct{})
	adminTokens := api.StaticToken(cfg.AdminToken)
	if cfg.SecretsName != "" {
		awsProvider, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		secretCache := secrets.NewCache[config.Secrets](cfg.CacheTTL)
		go secretCache.StartCleaner(cfg.CleanupFreq, stopCleaner)

		resolver := internalsecrets.NewResolver(logg.Desugar(), awsProvider, secretCache, config.ParseSecrets)
		sec, err := resolver.Resolve(ctx, cfg.SecretsName)
		if err != nil {
			logg.Fatalw("failed to resolve service secrets", "name", cfg.SecretsName, "error", err)
		}
		cfg.Apply(sec)

		// admin token follows rotation within one cache TTL
		name := cfg.SecretsName
		adminTokens = func(ctx context.Context) (string, error) {
			s, err := resolver.Resolve(ctx, name)
			return s.AdminToken, err
		}
	}
	if err := cfg.Validate(); err != nil {
		logg.Fatalw("invalid configuration", "error", err)
	}

	// --- Store ---
	var st store.Store
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		logg.Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, store.PGPoolConfig{
			MaxConns:          int32(cfg.PGMaxConns),
			MinConns:          int32(cfg.PGMinConns),
			MaxConnLifetime:   cfg.PGMaxConnLifetime,
			MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
			HealthCheckPeriod: cfg.PGHealthCheckPeriod,
		}, logg.Desugar())
		if err != nil {
			logg.Fatalw("failed to init postgres store", "error", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			logg.Fatalw("failed to migrate postgres schema", "error", err)
		}
		st = pg
	default:
		logg.Warn("using in-memory store; state is lost on restart")
		st = store.NewMemory(logg.Desugar())
	}

	// --- Redis (listing cache + nonce guard) ---
	var nonces auth.NonceGuard = auth.NewMemoryNonceGuard(cfg.NonceTTL)
	if cfg.RedisAddr != "" {
		rdb, err := store.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RedisPass)
		if err != nil {
			logg.Fatalw("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
		}
		st = store.NewCached(st, rdb, cfg.ListingCacheTTL, logg.Desugar())
		nonces = auth.NewRedisNonceGuard(rdb, cfg.NonceTTL)
	}

	// --- Event fan-out: NATS JetStream, then in-process bus ---
	bus := eventbus.New()
	hub := feed.NewHub(logg.Desugar(), cfg.AllowedOrigins...)
	hub.Attach(bus)

	var (
		nc      *nats.Conn
		durable events.Sink
	)
	if cfg.NATSURL != "" {
		var err error
		nc, err = nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "error", err)
		}
		pub, err := publisher.New(nc, cfg.ServiceName, cfg.Currency, publisher.StreamConfig{
			Name:             cfg.StreamName,
			DuplicatesWindow: cfg.DuplicatesWindow,
		})
		if err != nil {
			logg.Fatalw("failed to init publisher", "error", err)
		}
		durable = pub
	} else {
		logg.Warn("NATS_URL not configured; events stay in-process")
	}
	emitter := events.New(durable, bus, logg.Desugar())

	// --- Core ---
	engine := market.NewEngine(st, emitter, logg.Desugar())
	if err := engine.SyncActiveListings(ctx); err != nil {
		logg.Warnw("failed to seed active listings gauge", "error", err)
	}
	dispatcher := dispatch.New(auth.NewVerifier(nonces), engine, logg.Desugar())

	// --- RabbitMQ (commands in, events out) ---
	var (
		amqpPub      *rabbitmq.Publisher
		amqpConsumer *rabbitmq.Consumer
	)
	if cfg.RabbitMQURL != "" {
		var err error
		amqpPub, err = rabbitmq.NewPublisher(cfg.RabbitMQURL, cfg.EventsExchange, cfg.Currency, bus, logg.Desugar())
		if err != nil {
			logg.Fatalw("failed to init RabbitMQ publisher", "error", err)
		}
		amqpConsumer, err = rabbitmq.NewConsumer(cfg.RabbitMQURL, dispatcher, logg.Desugar())
		if err != nil {
			logg.Fatalw("failed to init RabbitMQ consumer", "error", err)
		}
		if err := amqpConsumer.Start(ctx); err != nil {
			logg.Fatalw("failed to start RabbitMQ consumer", "error", err)
		}
	}

	// --- Background jobs ---
	relay := jobs.NewOutboxRelay(logg.Desugar(), st, emitter, cfg.RelayInterval, cfg.RelayBatch, cfg.RelayMinAge)
	rateMgr := rate.NewManager(rate.Config{
		RequestsPerSecond: cfg.RateRPS,
		Burst:             cfg.RateBurst,
		IdleTTL:           cfg.RateIdleTTL,
	})

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})
	api.RegisterRoutes(app, api.Deps{
		Logger:  logg.Desugar(),
		Market:  api.NewMarketHandler(logg.Desugar(), dispatcher, engine, cfg.Currency),
		Custody: api.NewCustodyHandler(logg.Desugar(), st, cfg.Currency),
		Store:   st,
		NATS:    nc,
		Admin:   adminTokens,
		Limiter: rateMgr,
	})

	// --- Websocket feed (net/http; fiber's adaptor cannot hijack) ---
	var feedSrv *http.Server
	if cfg.FeedPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		feedSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.FeedPort),
			Handler:           mux,
			ReadHeaderTimeout: cfg.HTTPReadTimeout,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		return app.Listen(fmt.Sprintf(":%d", cfg.Port))
	})
	if feedSrv != nil {
		g.Go(func() error {
			logg.Infof("websocket feed listening on :%d/ws", cfg.FeedPort)
			if err := feedSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		relay.Start(gctx)
		return nil
	})
	g.Go(func() error {
		rateMgr.StartPruner(time.Minute, stopCleaner)
		return nil
	})

	logg.Infow("[escrow-market] running",
		"env", cfg.Env,
		"store", cfg.StoreBackend,
		"redis", cfg.RedisAddr != "",
		"nats", cfg.NATSURL != "",
		"rabbitmq", cfg.RabbitMQURL != "",
		"currency", cfg.Currency.Symbol)

	// --- Shutdown on signal or first server failure ---
	g.Go(func() error {
		<-gctx.Done()
		logg.Info("shutting down [escrow-market]...")

		close(stopCleaner)
		relay.Stop()
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logg.Warnw("fiber.shutdown_failed", "error", err)
		}
		if feedSrv != nil {
			if err := feedSrv.Shutdown(shutdownCtx); err != nil {
				logg.Warnw("feed.shutdown_failed", "error", err)
			}
		}
		if amqpConsumer != nil {
			if err := amqpConsumer.Close(); err != nil {
				logg.Warnw("rabbitmq.consumer_close_failed", "error", err)
			}
		}
		if amqpPub != nil {
			if err := amqpPub.Close(); err != nil {
				logg.Warnw("rabbitmq.publisher_close_failed", "error", err)
			}
		}
		if nc != nil {
			if err := nc.Drain(); err != nil {
				logg.Warnw("nats.drain_failed", "error", err)
			}
		}
		if err := st.Close(); err != nil {
			logg.Warnw("store.close_failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logg.Errorw("[escrow-market] exited with error", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}
