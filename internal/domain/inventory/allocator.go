package inventory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Allocate plans how a required quantity of a drug would be drawn from
// the ledger, earliest expiry first. Lots without an expiry date sort
// last; ties break on receipt order so the plan is deterministic. The
// result is exploratory: nothing is reserved, and the dispense
// transaction re-verifies every lot under lock before committing.
func (s *Service) Allocate(ctx context.Context, drugID uuid.UUID, requiredQty int) (*AllocationResult, error) {
	if drugID == uuid.Nil {
		return nil, fmt.Errorf("drug_id is required")
	}
	if requiredQty <= 0 {
		return nil, fmt.Errorf("required quantity must be positive")
	}

	candidates, err := s.repo.ListAllocatable(ctx, drugID)
	if err != nil {
		return nil, fmt.Errorf("list allocatable lots: %w", err)
	}

	now := s.now()
	eligible := candidates[:0:0]
	for _, l := range candidates {
		if l.Allocatable(now) {
			eligible = append(eligible, l)
		}
	}
	sortFEFO(eligible)

	result := &AllocationResult{
		DrugID:      drugID,
		Requested:   requiredQty,
		Allocations: []Allocation{},
	}
	remaining := requiredQty
	for _, l := range eligible {
		if remaining == 0 {
			break
		}
		take := l.QuantityOnHand
		if take > remaining {
			take = remaining
		}
		result.Allocations = append(result.Allocations, Allocation{
			LotID:       l.ID,
			BatchNumber: l.BatchNumber,
			ExpiryDate:  l.ExpiryDate,
			Quantity:    take,
		})
		remaining -= take
	}

	result.Fulfilled = remaining == 0
	result.ShortBy = remaining
	return result, nil
}

// sortFEFO orders lots first-expiry-first-out: expiry ascending, undated
// lots last, then receipt time, then creation time.
func sortFEFO(lots []*Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		switch {
		case a.ExpiryDate == nil && b.ExpiryDate == nil:
			// both undated, fall through to receipt order
		case a.ExpiryDate == nil:
			return false
		case b.ExpiryDate == nil:
			return true
		case !a.ExpiryDate.Equal(*b.ExpiryDate):
			return a.ExpiryDate.Before(*b.ExpiryDate)
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
