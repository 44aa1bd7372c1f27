package service

import (
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
	"github.com/meterline/meterline/internal/domain/proration"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/idempotency"
	"github.com/meterline/meterline/internal/lock"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/processor"
	"github.com/meterline/meterline/internal/pubsub"
)

// ServiceParams bundles common dependencies so service constructors stay
// stable as dependencies grow.
type ServiceParams struct {
	Logger *logger.Logger
	Config *config.Configuration
	DB     postgres.IClient
	Cache  cache.Cache

	Guard       lock.Manager
	Idempotency *idempotency.Generator
	Processor   processor.Adapter
	Publisher   pubsub.Publisher
	Proration   proration.Calculator

	CustomerRepo    customer.Repository
	FeatureRepo     feature.Repository
	ProductRepo     product.Repository
	PriceRepo       price.Repository
	EntitlementRepo entitlement.Repository
	CusProductRepo  cusproduct.Repository
	BalanceRepo     balance.Repository
	InvoiceRepo     invoice.Repository
}

// Validate checks the dependencies every service needs. Optional ones
// (publisher, cache) are checked by the services that use them.
func (p ServiceParams) Validate() error {
	if p.Logger == nil {
		return ierr.NewError("logger is required").Mark(ierr.ErrSystem)
	}
	if p.DB == nil {
		return ierr.NewError("db client is required").Mark(ierr.ErrSystem)
	}
	if p.Config == nil {
		return ierr.NewError("config is required").Mark(ierr.ErrSystem)
	}
	return nil
}
