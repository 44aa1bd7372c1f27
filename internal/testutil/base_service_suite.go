package testutil

import (
	"context"
	"time"

	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/domain/balance"
	"github.com/meterline/meterline/internal/domain/cusproduct"
	"github.com/meterline/meterline/internal/domain/customer"
	"github.com/meterline/meterline/internal/domain/entitlement"
	"github.com/meterline/meterline/internal/domain/feature"
	"github.com/meterline/meterline/internal/domain/invoice"
	"github.com/meterline/meterline/internal/domain/price"
	"github.com/meterline/meterline/internal/domain/product"
	"github.com/meterline/meterline/internal/lock"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/types"
	"github.com/stretchr/testify/suite"
)

// Stores holds all the repository interfaces backed by in-memory stores
type Stores struct {
	CustomerRepo    customer.Repository
	FeatureRepo     feature.Repository
	ProductRepo     product.Repository
	PriceRepo       price.Repository
	EntitlementRepo entitlement.Repository
	CusProductRepo  cusproduct.Repository
	BalanceRepo     balance.Repository
	InvoiceRepo     invoice.Repository
}

// BaseServiceTestSuite provides common functionality for all service test suites
type BaseServiceTestSuite struct {
	suite.Suite
	ctx       context.Context
	stores    Stores
	db        postgres.IClient
	logger    *logger.Logger
	config    *config.Configuration
	guard     lock.Manager
	cache     cache.Cache
	processor *FakeProcessor
	now       time.Time
}

// SetupSuite is called once before running the tests in the suite
func (s *BaseServiceTestSuite) SetupSuite() {
	var err error
	s.logger, err = logger.NewLogger(logger.Config{Level: types.LogLevelInfo})
	if err != nil {
		s.T().Fatalf("failed to create logger: %v", err)
	}

	s.config = &config.Configuration{
		Deployment: config.DeploymentConfig{Mode: types.ModeLocal},
		Logging:    config.LoggingConfig{Level: types.LogLevelInfo},
		Guard:      config.GuardConfig{TTL: 30 * time.Second},
		Worker:     config.WorkerConfig{PoolSize: 2, Interval: time.Minute},
	}
}

// SetupTest is called before each test
func (s *BaseServiceTestSuite) SetupTest() {
	s.ctx = SetupContext()
	s.setupStores()
	s.now = time.Now().UTC()
}

// TearDownTest is called after each test
func (s *BaseServiceTestSuite) TearDownTest() {
	s.clearStores()
}

func (s *BaseServiceTestSuite) setupStores() {
	prices := NewInMemoryPriceStore()
	entitlements := NewInMemoryEntitlementStore()

	s.stores = Stores{
		CustomerRepo:    NewInMemoryCustomerStore(),
		FeatureRepo:     NewInMemoryFeatureStore(),
		ProductRepo:     NewInMemoryProductStore(prices, entitlements),
		PriceRepo:       prices,
		EntitlementRepo: entitlements,
		CusProductRepo:  NewInMemoryCusProductStore(),
		BalanceRepo:     NewInMemoryBalanceStore(),
		InvoiceRepo:     NewInMemoryInvoiceStore(),
	}

	s.db = NewMockPostgresClient()
	s.guard = lock.NewInMemoryManager(s.logger)
	s.cache = cache.NewInMemoryCache()
	s.processor = NewFakeProcessor()
}

func (s *BaseServiceTestSuite) clearStores() {
	s.stores.CustomerRepo.(*InMemoryCustomerStore).Clear()
	s.stores.FeatureRepo.(*InMemoryFeatureStore).Clear()
	s.stores.ProductRepo.(*InMemoryProductStore).Clear()
	s.stores.PriceRepo.(*InMemoryPriceStore).Clear()
	s.stores.EntitlementRepo.(*InMemoryEntitlementStore).Clear()
	s.stores.CusProductRepo.(*InMemoryCusProductStore).Clear()
	s.stores.BalanceRepo.(*InMemoryBalanceStore).Clear()
	s.stores.InvoiceRepo.(*InMemoryInvoiceStore).Clear()
}

// GetContext returns the test context
func (s *BaseServiceTestSuite) GetContext() context.Context {
	return s.ctx
}

// GetConfig returns the test configuration
func (s *BaseServiceTestSuite) GetConfig() *config.Configuration {
	return s.config
}

// GetStores returns all test repositories
func (s *BaseServiceTestSuite) GetStores() Stores {
	return s.stores
}

// GetDB returns the test database client
func (s *BaseServiceTestSuite) GetDB() postgres.IClient {
	return s.db
}

// GetLogger returns the test logger
func (s *BaseServiceTestSuite) GetLogger() *logger.Logger {
	return s.logger
}

// GetGuard returns the in-memory concurrency guard
func (s *BaseServiceTestSuite) GetGuard() lock.Manager {
	return s.guard
}

// GetCache returns the test cache
func (s *BaseServiceTestSuite) GetCache() cache.Cache {
	return s.cache
}

// GetProcessor returns the fake billing processor
func (s *BaseServiceTestSuite) GetProcessor() *FakeProcessor {
	return s.processor
}

// GetNow returns the current test time
func (s *BaseServiceTestSuite) GetNow() time.Time {
	return s.now
}
