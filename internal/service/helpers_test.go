package service

import (
	"github.com/meterline/meterline/internal/domain/proration"
	"github.com/meterline/meterline/internal/idempotency"
	"github.com/meterline/meterline/internal/testutil"
	"github.com/meterline/meterline/internal/types"
)

// testServiceParams builds ServiceParams from the suite's in-memory
// infrastructure. Every service test suite starts from this.
func testServiceParams(s *testutil.BaseServiceTestSuite) ServiceParams {
	stores := s.GetStores()
	return ServiceParams{
		Logger:      s.GetLogger(),
		Config:      s.GetConfig(),
		DB:          s.GetDB(),
		Cache:       s.GetCache(),
		Guard:       s.GetGuard(),
		Idempotency: idempotency.NewGenerator(),
		Processor:   s.GetProcessor(),
		Proration:   proration.NewCalculator(types.StrategyDayBased),

		CustomerRepo:    stores.CustomerRepo,
		FeatureRepo:     stores.FeatureRepo,
		ProductRepo:     stores.ProductRepo,
		PriceRepo:       stores.PriceRepo,
		EntitlementRepo: stores.EntitlementRepo,
		CusProductRepo:  stores.CusProductRepo,
		BalanceRepo:     stores.BalanceRepo,
		InvoiceRepo:     stores.InvoiceRepo,
	}
}
