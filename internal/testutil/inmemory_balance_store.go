package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meterline/meterline/internal/domain/balance"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// InMemoryBalanceStore implements balance.Repository. Deduct, DeductRollover
// and AdvanceReset mutate stored rows under the store mutex so they stay
// atomic the way the SQL statements are, and register numeric compensations
// so a rolled-back transaction restores exactly what it took.
type InMemoryBalanceStore struct {
	mu   sync.RWMutex
	rows map[string]*balance.CustomerEntitlement
}

// NewInMemoryBalanceStore creates a new in-memory ledger store
func NewInMemoryBalanceStore() *InMemoryBalanceStore {
	return &InMemoryBalanceStore{rows: make(map[string]*balance.CustomerEntitlement)}
}

func cloneBalanceRow(ce *balance.CustomerEntitlement) *balance.CustomerEntitlement {
	copied := *ce
	if ce.Entities != nil {
		copied.Entities = make(map[string]*balance.EntityBalance, len(ce.Entities))
		for k, v := range ce.Entities {
			eb := *v
			copied.Entities[k] = &eb
		}
	}
	if ce.Rollovers != nil {
		copied.Rollovers = make([]*balance.Rollover, len(ce.Rollovers))
		for i, ro := range ce.Rollovers {
			r := *ro
			copied.Rollovers[i] = &r
		}
	}
	if ce.Replaceables != nil {
		copied.Replaceables = make([]*balance.Replaceable, len(ce.Replaceables))
		for i, rp := range ce.Replaceables {
			r := *rp
			copied.Replaceables[i] = &r
		}
	}
	if ce.UsageLimit != nil {
		limit := *ce.UsageLimit
		copied.UsageLimit = &limit
	}
	if ce.NextResetAt != nil {
		at := *ce.NextResetAt
		copied.NextResetAt = &at
	}
	return &copied
}

func balanceNotFound(id string) error {
	return ierr.NewError("ledger row not found").
		WithReportableDetails(map[string]any{"id": id}).
		Mark(ierr.ErrNotFound)
}

func (s *InMemoryBalanceStore) Create(ctx context.Context, ce *balance.CustomerEntitlement) (*balance.CustomerEntitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rows[ce.ID]; exists {
		return nil, ierr.NewError("ledger row already exists").
			WithReportableDetails(map[string]any{"id": ce.ID}).
			Mark(ierr.ErrAlreadyExists)
	}
	s.rows[ce.ID] = cloneBalanceRow(ce)
	id := ce.ID
	registerUndo(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.rows, id)
	})
	return ce, nil
}

func (s *InMemoryBalanceStore) CreateBulk(ctx context.Context, rows []*balance.CustomerEntitlement) ([]*balance.CustomerEntitlement, error) {
	for _, ce := range rows {
		if _, err := s.Create(ctx, ce); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (s *InMemoryBalanceStore) Get(ctx context.Context, id string) (*balance.CustomerEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ce, exists := s.rows[id]
	if !exists {
		return nil, balanceNotFound(id)
	}
	return cloneBalanceRow(ce), nil
}

func (s *InMemoryBalanceStore) Update(ctx context.Context, ce *balance.CustomerEntitlement) (*balance.CustomerEntitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.rows[ce.ID]
	if !exists {
		return nil, balanceNotFound(ce.ID)
	}
	s.rows[ce.ID] = cloneBalanceRow(ce)
	id := ce.ID
	registerUndo(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.rows[id] = prev
	})
	return ce, nil
}

func (s *InMemoryBalanceStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.rows[id]
	if !exists {
		return balanceNotFound(id)
	}
	delete(s.rows, id)
	registerUndo(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.rows[id] = prev
	})
	return nil
}

func (s *InMemoryBalanceStore) ListByCustomer(ctx context.Context, customerID string) ([]*balance.CustomerEntitlement, error) {
	return s.list(func(ce *balance.CustomerEntitlement) bool {
		return ce.CustomerID == customerID
	}), nil
}

func (s *InMemoryBalanceStore) ListByCustomerProductIDs(ctx context.Context, customerProductIDs []string) ([]*balance.CustomerEntitlement, error) {
	if len(customerProductIDs) == 0 {
		return nil, nil
	}
	return s.list(func(ce *balance.CustomerEntitlement) bool {
		return lo.Contains(customerProductIDs, ce.CustomerProductID)
	}), nil
}

func (s *InMemoryBalanceStore) list(match func(*balance.CustomerEntitlement) bool) []*balance.CustomerEntitlement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*balance.CustomerEntitlement
	for _, ce := range s.rows {
		if match(ce) {
			out = append(out, cloneBalanceRow(ce))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Deduct mirrors the SQL semantics: the floor rejects uncapped deductions
// that do not fit, and caps capped ones at what fits, possibly zero.
func (s *InMemoryBalanceStore) Deduct(ctx context.Context, params balance.DeductParams) (*balance.DeductResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ce, exists := s.rows[params.CustomerEntitlementID]
	if !exists {
		return nil, balanceNotFound(params.CustomerEntitlementID)
	}

	current := &ce.Balance
	if params.EntityID != "" {
		if ce.Entities == nil {
			ce.Entities = map[string]*balance.EntityBalance{}
		}
		eb, ok := ce.Entities[params.EntityID]
		if !ok {
			eb = &balance.EntityBalance{}
			ce.Entities[params.EntityID] = eb
		}
		current = &eb.Balance
	}

	take := params.Amount
	if params.MinBalance != nil {
		headroom := current.Sub(*params.MinBalance)
		if headroom.LessThan(take) {
			if !params.Capped {
				return nil, insufficientBalanceErr(params.CustomerEntitlementID)
			}
			take = decimal.Max(headroom, decimal.Zero)
		}
	}
	*current = current.Sub(take)

	result := &balance.DeductResult{NewBalance: *current, Deducted: take}
	id, entityID, taken := params.CustomerEntitlementID, params.EntityID, take
	registerUndo(ctx, func() {
		s.addBack(id, entityID, taken)
	})
	return result, nil
}

// addBack is the Deduct compensation: it re-credits the amount actually
// taken rather than restoring a snapshot, so concurrent transactions'
// deductions survive another transaction's rollback.
func (s *InMemoryBalanceStore) addBack(id, entityID string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ce, exists := s.rows[id]
	if !exists {
		return
	}
	if entityID != "" {
		if eb, ok := ce.Entities[entityID]; ok {
			eb.Balance = eb.Balance.Add(amount)
		}
		return
	}
	ce.Balance = ce.Balance.Add(amount)
}

func (s *InMemoryBalanceStore) DeductRollover(ctx context.Context, customerEntitlementID, rolloverID string, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ce, exists := s.rows[customerEntitlementID]
	if !exists {
		return decimal.Zero, balanceNotFound(customerEntitlementID)
	}

	taken := decimal.Zero
	for _, ro := range ce.Rollovers {
		if ro.ID != rolloverID {
			continue
		}
		taken = decimal.Min(amount, ro.Balance)
		ro.Balance = ro.Balance.Sub(taken)
		break
	}
	if taken.IsZero() {
		return decimal.Zero, nil
	}

	id, bucket, amt := customerEntitlementID, rolloverID, taken
	registerUndo(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		ce, exists := s.rows[id]
		if !exists {
			return
		}
		for _, ro := range ce.Rollovers {
			if ro.ID == bucket {
				ro.Balance = ro.Balance.Add(amt)
				return
			}
		}
	})
	return taken, nil
}

func (s *InMemoryBalanceStore) AdvanceReset(ctx context.Context, id string, expectedResetAt time.Time, newBalance decimal.Decimal, nextResetAt time.Time, rollovers []*balance.Rollover) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ce, exists := s.rows[id]
	if !exists {
		return false, nil
	}
	if ce.NextResetAt == nil || !ce.NextResetAt.Equal(expectedResetAt) {
		return false, nil
	}

	prev := cloneBalanceRow(ce)
	ce.Balance = newBalance
	ce.Rollovers = nil
	for _, ro := range rollovers {
		r := *ro
		ce.Rollovers = append(ce.Rollovers, &r)
	}
	ce.Replaceables = nil
	at := nextResetAt
	ce.NextResetAt = &at

	registerUndo(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.rows[id] = prev
	})
	return true, nil
}

func (s *InMemoryBalanceStore) ListDueForReset(ctx context.Context, now time.Time, limit int) ([]*balance.CustomerEntitlement, error) {
	due := s.list(func(ce *balance.CustomerEntitlement) bool {
		return ce.NextResetAt != nil && !ce.NextResetAt.After(now)
	})
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextResetAt.Equal(*due[j].NextResetAt) {
			return due[i].NextResetAt.Before(*due[j].NextResetAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func insufficientBalanceErr(id string) error {
	return ierr.NewError("insufficient balance").
		WithHint("The deduction does not fit within the allowed balance").
		WithReportableDetails(map[string]any{
			"customer_entitlement_id": id,
		}).
		Mark(ierr.ErrInsufficientBalance)
}

// Clear removes all ledger rows
func (s *InMemoryBalanceStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[string]*balance.CustomerEntitlement)
}
