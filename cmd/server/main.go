package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kevin07696/recurring-billing/internal/adapters/gateway"
	"github.com/kevin07696/recurring-billing/internal/adapters/memory"
	"github.com/kevin07696/recurring-billing/internal/adapters/mock"
	natsAdapter "github.com/kevin07696/recurring-billing/internal/adapters/nats"
	"github.com/kevin07696/recurring-billing/internal/adapters/postgres"
	"github.com/kevin07696/recurring-billing/internal/adapters/redislock"
	stripeAdapter "github.com/kevin07696/recurring-billing/internal/adapters/stripe"
	"github.com/kevin07696/recurring-billing/internal/adapters/webhook"
	"github.com/kevin07696/recurring-billing/internal/config"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	cronHandler "github.com/kevin07696/recurring-billing/internal/handlers/cron"
	"github.com/kevin07696/recurring-billing/internal/services/billing"
	"github.com/kevin07696/recurring-billing/internal/services/catalog"
	invoiceService "github.com/kevin07696/recurring-billing/internal/services/invoice"
	subscriptionService "github.com/kevin07696/recurring-billing/internal/services/subscription"
	pkghttp "github.com/kevin07696/recurring-billing/pkg/http"
	"github.com/kevin07696/recurring-billing/pkg/middleware"
	"github.com/kevin07696/recurring-billing/pkg/observability"
	"github.com/kevin07696/recurring-billing/pkg/shutdown"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
)

const healthServiceName = "billing.v1.RecurringBilling"

// repositories groups the persistence ports, backed by PostgreSQL or memory
type repositories struct {
	plans          ports.PlanRepository
	customers      ports.CustomerRepository
	paymentMethods ports.PaymentMethodRepository
	subscriptions  ports.SubscriptionRepository
	invoices       ports.InvoiceRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewZap(cfg.Server.Environment, cfg.Logger.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting recurring billing service",
		zap.String("version", "0.1.0"),
		zap.String("environment", cfg.Server.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMgr := shutdown.NewManager(logger, cfg.Server.ShutdownTimeout)
	healthChecker := observability.NewHealthChecker()
	secretStore := initSecretStore(ctx, cfg.Secrets, logger)

	// Persistence
	repos := initRepositories(ctx, cfg, secretStore, healthChecker, shutdownMgr, logger)

	// Outbound events
	notifier := initNotifier(ctx, cfg, secretStore, shutdownMgr, logger)

	// Services
	clock := timeutil.SystemClock{}
	portsLogger := observability.NewZapLogger(logger)
	policy := domain.DefaultDunningPolicy()

	catalogCfg := catalog.DefaultConfig()
	catalogCfg.CacheTTL = cfg.Catalog.CacheTTL
	catalogSvc := catalog.NewService(repos.plans, catalogCfg, clock, portsLogger)
	if cfg.Catalog.SeedFile != "" {
		result, err := catalogSvc.LoadSeedFile(ctx, cfg.Catalog.SeedFile)
		if err != nil {
			logger.Fatal("Failed to load plan catalog seed", zap.Error(err), zap.String("file", cfg.Catalog.SeedFile))
		}
		logger.Info("Plan catalog seeded",
			zap.Int("created", result.Created),
			zap.Int("existing", result.Existing),
			zap.Int("deactivated", result.Deactivated),
		)
	}

	invoiceSvc := invoiceService.NewService(repos.invoices, policy, clock, portsLogger)
	subscriptionSvc := subscriptionService.NewService(
		repos.subscriptions,
		repos.customers,
		catalogSvc,
		invoiceSvc,
		notifier,
		policy,
		clock,
		portsLogger,
	)

	scheduler := billing.NewScheduler(
		repos.subscriptions,
		catalogSvc,
		invoiceSvc,
		subscriptionSvc,
		initGateway(ctx, cfg, secretStore, logger),
		billing.NewCustomerPaymentMethodResolver(repos.customers, repos.paymentMethods),
		notifier,
		initTickLocker(ctx, cfg, healthChecker, shutdownMgr, logger),
		schedulerConfig(cfg.Billing, cfg.Redis),
		clock,
		portsLogger,
	)

	// Servers
	cronSecret := mustResolve(ctx, secretStore, cfg.CronSecretPath, cfg.CronSecret, "cron", logger)
	if cronSecret == "" {
		logger.Warn("CRON_SECRET not set, manual billing trigger is disabled")
	}

	httpMux := http.NewServeMux()
	cronHandler.NewBillingHandler(scheduler, logger, cronSecret, cfg.Billing.ClaimLease).Routes(httpMux)
	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.HTTPPort)),
		Handler:           middleware.NewRateLimiter(1, 5, logger).Middleware(httpMux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	opsServer := observability.NewOpsServer(strconv.Itoa(cfg.Server.MetricsPort), healthChecker, nil)

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(observability.UnaryServerInterceptor()),
		grpc.StreamInterceptor(observability.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(healthServiceName, healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return observability.ServeOps(gctx, opsServer, logger)
	})

	g.Go(func() error {
		logger.Info("HTTP cron server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	shutdownMgr.Register("http_server", httpServer.Shutdown)

	g.Go(func() error {
		listener, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort)))
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		logger.Info("gRPC health server listening", zap.String("address", listener.Addr().String()))
		return grpcServer.Serve(listener)
	})
	shutdownMgr.Register("grpc_server", func(ctx context.Context) error {
		healthServer.Shutdown()
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
			return nil
		case <-ctx.Done():
			grpcServer.Stop()
			return ctx.Err()
		}
	})

	if cfg.Billing.Enabled {
		if err := scheduler.Start(gctx); err != nil {
			logger.Fatal("Failed to start billing scheduler", zap.Error(err))
		}
		// registered last so it stops first
		shutdownMgr.Register("billing_scheduler", scheduler.Stop)
	} else {
		logger.Warn("Billing scheduler disabled, sweeps run only through the cron endpoint")
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down servers...")
		return shutdownMgr.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		logger.Error("Service exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	logger.Info("Servers stopped")
}

// initRepositories connects to PostgreSQL when DB_HOST is set, otherwise
// falls back to the in-memory store
func initRepositories(
	ctx context.Context,
	cfg *config.Config,
	secretStore ports.SecretStore,
	healthChecker *observability.HealthChecker,
	shutdownMgr *shutdown.Manager,
	logger *zap.Logger,
) repositories {
	if !cfg.Database.UsePostgres() {
		logger.Warn("DB_HOST not set, using in-memory store - data is lost on restart")
		store := memory.NewStore()
		return repositories{
			plans:          store.Plans(),
			customers:      store.Customers(),
			paymentMethods: store.PaymentMethods(),
			subscriptions:  store.Subscriptions(),
			invoices:       store.Invoices(),
		}
	}

	password := mustResolve(ctx, secretStore, cfg.Database.PasswordPath, cfg.Database.Password, "database", logger)
	poolCfg := postgres.DefaultPoolConfig(cfg.Database.ConnectionString(password))
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MinConns = cfg.Database.MinConns

	pool, err := postgres.NewPool(ctx, poolCfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	shutdownMgr.RegisterNoErr("database", pool.Close)
	healthChecker.Register("database", pool.Ping)

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	logger.Info("Database connection established", zap.String("database", cfg.Database.Database))
	return postgresRepositories(pool)
}

func postgresRepositories(pool *pgxpool.Pool) repositories {
	db := postgres.NewDBExecutor(pool)
	return repositories{
		plans:          postgres.NewPlanRepository(db),
		customers:      postgres.NewCustomerRepository(db),
		paymentMethods: postgres.NewPaymentMethodRepository(db),
		subscriptions:  postgres.NewSubscriptionRepository(db),
		invoices:       postgres.NewInvoiceRepository(db),
	}
}

// initGateway returns Stripe behind a circuit breaker, or the sandbox gateway
// when no API key is configured
func initGateway(ctx context.Context, cfg *config.Config, secretStore ports.SecretStore, logger *zap.Logger) ports.PaymentGateway {
	apiKey := mustResolve(ctx, secretStore, cfg.Stripe.APIKeyPath, cfg.Stripe.APIKey, "stripe", logger)

	var next ports.PaymentGateway
	if apiKey == "" {
		if cfg.Server.Environment == "production" {
			logger.Fatal("STRIPE_API_KEY or STRIPE_API_KEY_PATH is required in production")
		}
		logger.Warn("Stripe API key not set, using sandbox payment gateway")
		next = mock.NewGateway(logger)
	} else {
		next = stripeAdapter.NewGateway(stripeAdapter.Config{
			APIKey:     apiKey,
			BaseURL:    cfg.Stripe.BaseURL,
			HTTPClient: pkghttp.NewClient(pkghttp.GatewayClientConfig()),
		}, logger)
	}

	breakerCfg := gateway.DefaultCircuitBreakerConfig()
	breakerCfg.MaxFailures = cfg.Stripe.BreakerMaxFailures
	breakerCfg.Timeout = cfg.Stripe.BreakerTimeout
	return gateway.NewBreakerGateway(next, breakerCfg, logger)
}

// initNotifier fans billing events out to the configured webhook endpoint and NATS
func initNotifier(
	ctx context.Context,
	cfg *config.Config,
	secretStore ports.SecretStore,
	shutdownMgr *shutdown.Manager,
	logger *zap.Logger,
) ports.WebhookNotifier {
	var sinks []ports.WebhookNotifier

	if cfg.NATS.URL != "" {
		conn, err := natsAdapter.Connect(ctx, cfg.NATS.URL, "recurring-billing", logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		shutdownMgr.Register("nats", func(context.Context) error {
			return conn.Drain()
		})
		sinks = append(sinks, natsAdapter.NewPublisher(conn, cfg.NATS.SubjectPrefix, logger))
	}

	if cfg.Webhook.URL != "" {
		secret := mustResolve(ctx, secretStore, cfg.Webhook.SecretPath, cfg.Webhook.Secret, "webhook", logger)
		notifier := webhook.NewNotifier(webhook.Config{
			URL:         cfg.Webhook.URL,
			Secret:      secret,
			QueueSize:   cfg.Webhook.QueueSize,
			MaxAttempts: cfg.Webhook.MaxAttempts,
		}, pkghttp.NewClient(pkghttp.WebhookClientConfig()), logger)
		notifier.Start(ctx)
		shutdownMgr.Register("webhook_notifier", notifier.Close)
		sinks = append(sinks, notifier)
	}

	if len(sinks) == 0 {
		logger.Warn("No webhook URL or NATS URL configured, billing events are not delivered")
	}
	return webhook.NewMultiNotifier(sinks...)
}

// initTickLocker returns a Redis lock when REDIS_URL is set. Without it only
// the in-process guard prevents overlapping sweeps.
func initTickLocker(
	ctx context.Context,
	cfg *config.Config,
	healthChecker *observability.HealthChecker,
	shutdownMgr *shutdown.Manager,
	logger *zap.Logger,
) ports.TickLocker {
	if cfg.Redis.URL == "" {
		return nil
	}

	client, err := redislock.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	shutdownMgr.RegisterCloser("redis", client)
	healthChecker.Register("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})

	return redislock.NewTickLocker(client, cfg.Redis.LockKey, logger)
}

func schedulerConfig(b config.BillingConfig, r config.RedisConfig) billing.Config {
	cfg := billing.DefaultConfig()
	cfg.TickInterval = b.TickInterval
	cfg.ItemPause = b.ItemPause
	cfg.GatewayTimeout = b.GatewayTimeout
	cfg.ClaimLease = b.ClaimLease
	cfg.BatchSize = b.BatchSize
	cfg.LockTTL = r.LockTTL
	return cfg
}
