package postgres

import (
	"database/sql"
	"encoding/json"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
)

// Repositories bundles every storage implementation behind one constructor
// so wiring stays in one place.
type Repositories struct {
	Customer    *customerRepository
	Feature     *featureRepository
	Product     *productRepository
	Price       *priceRepository
	Entitlement *entitlementRepository
	CusProduct  *cusProductRepository
	Balance     *balanceRepository
	Invoice     *invoiceRepository
}

func NewRepositories(db postgres.IClient, log *logger.Logger) *Repositories {
	return &Repositories{
		Customer:    NewCustomerRepository(db, log),
		Feature:     NewFeatureRepository(db, log),
		Product:     NewProductRepository(db, log),
		Price:       NewPriceRepository(db, log),
		Entitlement: NewEntitlementRepository(db, log),
		CusProduct:  NewCusProductRepository(db, log),
		Balance:     NewBalanceRepository(db, log),
		Invoice:     NewInvoiceRepository(db, log),
	}
}

// notFound converts sql.ErrNoRows into the marked not-found error the
// service layer branches on.
func notFound(err error, entity, id string) error {
	if err == sql.ErrNoRows {
		return ierr.NewErrorf("%s not found", entity).
			WithHint("The requested record does not exist").
			WithReportableDetails(map[string]any{
				"id": id,
			}).
			Mark(ierr.ErrNotFound)
	}
	return ierr.WithError(err).
		WithHintf("Failed to query %s", entity).
		Mark(ierr.ErrDatabase)
}

func dbErr(err error, hint string) error {
	return ierr.WithError(err).
		WithHint(hint).
		Mark(ierr.ErrDatabase)
}

// marshalJSONB serializes an optional document column; nil stays NULL.
func marshalJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to serialize document column").
			Mark(ierr.ErrSystem)
	}
	return data, nil
}

func unmarshalJSONB(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to parse document column").
			Mark(ierr.ErrSystem)
	}
	return nil
}
