package proration

import (
	"time"

	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

// Params holds all necessary input for calculating proration for a single
// price on a customer product.
type Params struct {
	// Billing period context
	CustomerProductID  string
	PriceID            string
	PlanPayInAdvance   bool      // whether payment for the item was collected up front
	CurrentPeriodStart time.Time // start of the current billing period
	CurrentPeriodEnd   time.Time // end of the current billing period

	// Change details
	Action          types.ProrationAction
	OldPriceID      string          // empty for add_item
	NewPriceID      string          // empty for cancellation/remove_item
	OldQuantity     decimal.Decimal // zero for add_item
	NewQuantity     decimal.Decimal // zero for remove_item/cancellation
	OldPricePerUnit decimal.Decimal
	NewPricePerUnit decimal.Decimal
	ProrationDate   time.Time // effective instant of the change

	// Configuration
	Behavior         types.ProrationBehavior
	Strategy         types.ProrationStrategy
	CustomerTimezone string

	// Credit capping across multiple changes in the same period
	OriginalAmountPaid    decimal.Decimal // amount originally paid for the item in this period
	PreviousCreditsIssued decimal.Decimal // credits already issued against that payment
}

// LineItem represents a single credit or charge produced by a proration
// calculation. Credits carry a negative amount.
type LineItem struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	StartDate   time.Time       `json:"start_date"`
	EndDate     time.Time       `json:"end_date"`
	Quantity    decimal.Decimal `json:"quantity"`
	PriceID     string          `json:"price_id"`
	IsCredit    bool            `json:"is_credit"`
}

// Result holds the output of a proration calculation. It is a pure value;
// nothing is persisted or pushed to the processor until a caller applies it.
type Result struct {
	CreditItems   []LineItem
	ChargeItems   []LineItem
	NetAmount     decimal.Decimal // sum of charges minus sum of credits
	Currency      string
	Action        types.ProrationAction
	ProrationDate time.Time
}
