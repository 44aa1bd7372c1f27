package testutil

import (
	"context"
	"fmt"
	"sync"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/processor"
)

// FakeProcessor implements processor.Adapter against in-memory subscription
// fixtures. It records every mutating call so tests can assert on what was
// pushed to the billing processor, and lets tests steer payment outcomes.
type FakeProcessor struct {
	mu sync.Mutex

	subscriptions map[string]*processor.Subscription
	seq           int

	// PaymentStatus is returned by item updates; zero value means succeeded.
	PaymentStatus processor.PaymentStatus
	// Errors injected per method; nil means success.
	RetrieveErr error
	UpdateErr   error

	ItemUpdates  []processor.UpdateItemsParams
	InvoiceItems []processor.InvoiceItemParams
	Schedules    []processor.ScheduleParams
	Released     []string
	Canceled     []FakeCancellation
	Uncanceled   []string
}

// FakeCancellation records one CancelSubscription call.
type FakeCancellation struct {
	SubscriptionRef string
	AtPeriodEnd     bool
}

var _ processor.Adapter = (*FakeProcessor)(nil)

// NewFakeProcessor creates a new fake processor adapter
func NewFakeProcessor() *FakeProcessor {
	return &FakeProcessor{subscriptions: make(map[string]*processor.Subscription)}
}

// SetSubscription installs or replaces a subscription fixture.
func (f *FakeProcessor) SetSubscription(sub *processor.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[sub.ID] = cloneSubscription(sub)
}

// RemoveSubscription drops a fixture, making retrievals return not-found.
func (f *FakeProcessor) RemoveSubscription(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscriptions, id)
}

func cloneSubscription(sub *processor.Subscription) *processor.Subscription {
	copied := *sub
	copied.Items = append([]processor.SubscriptionItem(nil), sub.Items...)
	return &copied
}

func (f *FakeProcessor) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_test_%d", prefix, f.seq)
}

func (f *FakeProcessor) RetrieveSubscription(ctx context.Context, subscriptionRef string) (*processor.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.RetrieveErr != nil {
		return nil, f.RetrieveErr
	}
	sub, ok := f.subscriptions[subscriptionRef]
	if !ok {
		return nil, ierr.NewError("subscription not found").
			WithReportableDetails(map[string]any{"subscription_ref": subscriptionRef}).
			Mark(ierr.ErrNotFound)
	}
	return cloneSubscription(sub), nil
}

func (f *FakeProcessor) CreateOrUpdateSubscriptionItems(ctx context.Context, params processor.UpdateItemsParams) (*processor.UpdateItemsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.UpdateErr != nil {
		return nil, f.UpdateErr
	}
	f.ItemUpdates = append(f.ItemUpdates, params)

	sub, ok := f.subscriptions[params.SubscriptionRef]
	if !ok {
		sub = &processor.Subscription{ID: params.SubscriptionRef, Status: "active"}
		f.subscriptions[sub.ID] = sub
	}

	status := f.PaymentStatus
	if status == "" {
		status = processor.PaymentStatusSucceeded
	}
	if status == processor.PaymentStatusSucceeded {
		f.applyItemChanges(sub, params.Items)
	}

	return &processor.UpdateItemsResult{
		Subscription:  cloneSubscription(sub),
		PaymentStatus: status,
	}, nil
}

func (f *FakeProcessor) applyItemChanges(sub *processor.Subscription, changes []processor.ItemChange) {
	for _, change := range changes {
		switch {
		case change.Deleted:
			items := sub.Items[:0]
			for _, item := range sub.Items {
				if item.ID != change.ItemID {
					items = append(items, item)
				}
			}
			sub.Items = items
		case change.ItemID != "":
			for i := range sub.Items {
				if sub.Items[i].ID == change.ItemID {
					sub.Items[i].Quantity = change.Quantity
					if change.PriceRef != "" {
						sub.Items[i].PriceRef = change.PriceRef
					}
				}
			}
		default:
			sub.Items = append(sub.Items, processor.SubscriptionItem{
				ID:       f.nextID("si"),
				PriceRef: change.PriceRef,
				Quantity: change.Quantity,
			})
		}
	}
}

func (f *FakeProcessor) CreateInvoiceItem(ctx context.Context, params processor.InvoiceItemParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.InvoiceItems = append(f.InvoiceItems, params)
	return f.nextID("ii"), nil
}

func (f *FakeProcessor) CreateSchedule(ctx context.Context, params processor.ScheduleParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Schedules = append(f.Schedules, params)
	id := f.nextID("sched")
	if sub, ok := f.subscriptions[params.SubscriptionRef]; ok {
		sub.ScheduleID = id
	}
	return id, nil
}

func (f *FakeProcessor) ReleaseSchedule(ctx context.Context, scheduleRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Released = append(f.Released, scheduleRef)
	for _, sub := range f.subscriptions {
		if sub.ScheduleID == scheduleRef {
			sub.ScheduleID = ""
		}
	}
	return nil
}

func (f *FakeProcessor) CancelSubscription(ctx context.Context, subscriptionRef string, atPeriodEnd bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Canceled = append(f.Canceled, FakeCancellation{SubscriptionRef: subscriptionRef, AtPeriodEnd: atPeriodEnd})
	sub, ok := f.subscriptions[subscriptionRef]
	if !ok {
		return nil
	}
	if atPeriodEnd {
		sub.CancelAtPeriodEnd = true
	} else {
		sub.Status = "canceled"
	}
	return nil
}

func (f *FakeProcessor) UncancelSubscription(ctx context.Context, subscriptionRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Uncanceled = append(f.Uncanceled, subscriptionRef)
	if sub, ok := f.subscriptions[subscriptionRef]; ok {
		sub.CancelAtPeriodEnd = false
	}
	return nil
}
