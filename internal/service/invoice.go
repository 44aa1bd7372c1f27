package service

import (
	"context"

	"github.com/meterline/meterline/internal/domain/cusproduct"
	"github.com/meterline/meterline/internal/domain/invoice"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/processor"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

// pushInvoiceItem creates a processor invoice item and its local audit
// record. An already-used idempotency key means the item was pushed by an
// earlier attempt; it is skipped and reports a zero amount.
func pushInvoiceItem(ctx context.Context, deps ServiceParams, cp *cusproduct.CustomerProduct, item processor.InvoiceItemParams) (decimal.Decimal, error) {
	if existing, err := deps.InvoiceRepo.GetByIdempotencyKey(ctx, item.IdempotencyKey); err == nil && existing != nil {
		return decimal.Zero, nil
	} else if err != nil && !ierr.IsNotFound(err) {
		return decimal.Zero, err
	}

	processorItemID, err := deps.Processor.CreateInvoiceItem(ctx, item)
	if err != nil {
		return decimal.Zero, err
	}

	if err := deps.InvoiceRepo.Create(ctx, newInvoiceItemRecord(ctx, cp, item, processorItemID)); err != nil {
		return decimal.Zero, err
	}
	return item.Amount, nil
}

// newInvoiceItemRecord builds the local append-only audit record for an
// invoice item that was pushed to the processor.
func newInvoiceItemRecord(ctx context.Context, cp *cusproduct.CustomerProduct, item processor.InvoiceItemParams, processorItemID string) *invoice.InvoiceItem {
	rec := &invoice.InvoiceItem{
		ID:                     types.GenerateUUIDWithPrefix(types.UUIDPrefixInvoiceItem),
		ProcessorInvoiceItemID: processorItemID,
		IdempotencyKey:         item.IdempotencyKey,
		Description:            item.Description,
		Amount:                 item.Amount,
		Currency:               item.Currency,
		Quantity:               decimal.NewFromInt(1),
		PeriodStart:            item.PeriodStart,
		PeriodEnd:              item.PeriodEnd,
		BaseModel:              types.GetDefaultBaseModel(ctx),
	}
	if cp != nil {
		rec.CustomerID = cp.CustomerID
		rec.CustomerProductID = cp.ID
		rec.EnvironmentID = cp.EnvironmentID
	}
	if pid, ok := item.Metadata["price_id"]; ok {
		rec.PriceID = pid
	}
	return rec
}
