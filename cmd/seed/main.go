package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kevin07696/recurring-billing/internal/adapters/postgres"
	"github.com/kevin07696/recurring-billing/internal/adapters/secrets"
	"github.com/kevin07696/recurring-billing/internal/config"
	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/domain/ports"
	"github.com/kevin07696/recurring-billing/internal/services/catalog"
	"github.com/kevin07696/recurring-billing/pkg/observability"
	"github.com/kevin07696/recurring-billing/pkg/timeutil"
)

// customerSeed is the YAML layout of test customers and their stored payment methods:
//
//	customers:
//	  - id: cus_demo
//	    email: demo@example.com
//	    gateway_customer_id: cus_Stripe123
//	    payment_methods:
//	      - id: pm_demo
//	        gateway_token: pm_card_visa
//	        default: true
type customerSeed struct {
	Customers []struct {
		ID                string `yaml:"id"`
		Email             string `yaml:"email"`
		Name              string `yaml:"name"`
		GatewayCustomerID string `yaml:"gateway_customer_id"`
		PaymentMethods    []struct {
			ID           string `yaml:"id"`
			GatewayToken string `yaml:"gateway_token"`
			Default      bool   `yaml:"default"`
		} `yaml:"payment_methods"`
	} `yaml:"customers"`
}

func main() {
	plansFile := flag.String("plans", "deploy/seed/plans.yaml", "plan catalog seed file")
	customersFile := flag.String("customers", "", "optional test customer seed file")
	flag.Parse()

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

	if !cfg.Database.UsePostgres() {
		logger.Fatal("DB_HOST is required to seed the database")
	}

	ctx := context.Background()
	store, err := secrets.New(ctx, secrets.ConfigFromSettings(cfg.Secrets), logger)
	if err != nil {
		logger.Fatal("Failed to initialize secret store", zap.Error(err))
	}
	password, err := secrets.Resolve(ctx, store, cfg.Database.PasswordPath, cfg.Database.Password)
	if err != nil {
		logger.Fatal("Failed to resolve database password", zap.Error(err))
	}

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(cfg.Database.ConnectionString(password)), logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("Failed to apply migrations", zap.Error(err))
	}

	db := postgres.NewDBExecutor(pool)
	catalogSvc := catalog.NewService(postgres.NewPlanRepository(db), catalog.DefaultConfig(), timeutil.SystemClock{}, observability.NewZapLogger(logger))

	result, err := catalogSvc.LoadSeedFile(ctx, *plansFile)
	if err != nil {
		logger.Fatal("Failed to seed plans", zap.String("file", *plansFile), zap.Error(err))
	}
	logger.Info("Plans seeded",
		zap.Int("created", result.Created),
		zap.Int("existing", result.Existing),
		zap.Int("deactivated", result.Deactivated),
	)

	if *customersFile == "" {
		return
	}
	created, err := seedCustomers(ctx, *customersFile, postgres.NewCustomerRepository(db), postgres.NewPaymentMethodRepository(db))
	if err != nil {
		logger.Fatal("Failed to seed customers", zap.String("file", *customersFile), zap.Error(err))
	}
	logger.Info("Customers seeded", zap.Int("created", created))
}

// seedCustomers creates customers that do not exist yet, with their payment methods
func seedCustomers(ctx context.Context, path string, customers ports.CustomerRepository, methods ports.PaymentMethodRepository) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read customer seed: %w", err)
	}

	var seed customerSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("decode customer seed: %w", err)
	}

	created := 0
	for _, sc := range seed.Customers {
		_, err := customers.GetByID(ctx, sc.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrCustomerNotFound) {
			return created, err
		}

		customer := &domain.Customer{
			ID:                sc.ID,
			Email:             sc.Email,
			Name:              sc.Name,
			GatewayCustomerID: sc.GatewayCustomerID,
		}
		for _, pm := range sc.PaymentMethods {
			if pm.Default {
				id := pm.ID
				customer.DefaultPaymentMethodID = &id
			}
		}
		if err := customers.Create(ctx, customer); err != nil {
			return created, err
		}

		for _, pm := range sc.PaymentMethods {
			ref := &domain.PaymentMethodReference{
				ID:                pm.ID,
				CustomerID:        sc.ID,
				GatewayToken:      pm.GatewayToken,
				GatewayCustomerID: sc.GatewayCustomerID,
			}
			if err := methods.Create(ctx, sc.ID, ref); err != nil {
				return created, err
			}
		}
		created++
	}
	return created, nil
}
