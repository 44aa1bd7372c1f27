package invoice

import (
	"time"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

// InvoiceItem is an append-only audit record of an invoice item created on
// the external processor, used for idempotent display of billing history.
type InvoiceItem struct {
	ID                string `db:"id" json:"id"`
	CustomerID        string `db:"customer_id" json:"customer_id"`
	CustomerProductID string `db:"customer_product_id" json:"customer_product_id,omitempty"`
	PriceID           string `db:"price_id" json:"price_id,omitempty"`

	ProcessorInvoiceItemID string `db:"processor_invoice_item_id" json:"processor_invoice_item_id"`
	IdempotencyKey         string `db:"idempotency_key" json:"idempotency_key"`

	Description string          `db:"description" json:"description"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	Currency    string          `db:"currency" json:"currency"`
	Quantity    decimal.Decimal `db:"quantity" json:"quantity"`
	PeriodStart time.Time       `db:"period_start" json:"period_start"`
	PeriodEnd   time.Time       `db:"period_end" json:"period_end"`

	EnvironmentID string `db:"environment_id" json:"environment_id"`
	types.BaseModel
}

// Validate performs validation on the invoice item record
func (i *InvoiceItem) Validate() error {
	if i.CustomerID == "" {
		return ierr.NewError("customer_id is required").
			WithHint("Please provide a valid customer ID").
			Mark(ierr.ErrValidation)
	}
	if i.Currency == "" {
		return ierr.NewError("currency is required").
			WithHint("Please provide a valid currency").
			Mark(ierr.ErrValidation)
	}
	return nil
}
