package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
)

// ImportPlan stores a plan delivered by the external plan sync.
//
// A new plan is created with its categories as given. For a plan already
// known, only descriptive fields (number, status, window) are refreshed;
// balances belong to the budget ledger and are never overwritten. A category
// first seen on re-import is added and its Spent is taken from the plan's
// RemainingBudget.
func (s *Store) ImportPlan(ctx context.Context, snap domain.PlanSnapshot) (*domain.Plan, error) {
	if err := validateSnapshot(snap); err != nil {
		return nil, err
	}
	keys := []string{PlanKey(snap.PlanID)}
	for _, c := range snap.Categories {
		keys = append(keys, CategoryKey(c.ID))
	}

	var out *domain.Plan
	err := s.Atomic(ctx, keys, func(tx *Tx) error {
		existing, err := tx.Plan(snap.PlanID)
		switch {
		case err == nil:
			existing.PlanNumber = snap.PlanNumber
			existing.Status = snap.Status
			existing.StartDate = snap.StartDate
			existing.EndDate = snap.EndDate
			for _, cs := range snap.Categories {
				c, err := tx.Category(cs.ID)
				if errors.Is(err, domain.ErrNotFound) {
					// Spend already booked against a new category comes out
					// of the plan as it would have on first import.
					existing.RemainingBudget = existing.RemainingBudget.Sub(cs.Spent)
					if existing.RemainingBudget.IsNegative() {
						return fmt.Errorf("%w: category %s spends %s beyond the plan's remaining budget",
							ErrInvalidSnapshot, cs.ID, cs.Spent)
					}
					if err := tx.PutCategory(categoryFromSnapshot(snap.PlanID, cs)); err != nil {
						return err
					}
					continue
				}
				if err != nil {
					return err
				}
				if c.PlanID != snap.PlanID {
					return fmt.Errorf("%w: category %s belongs to plan %s", ErrInvalidSnapshot, cs.ID, c.PlanID)
				}
				c.AllowedServices = cs.AllowedServices
				c.BlockedServices = cs.BlockedServices
				if err := tx.PutCategory(c); err != nil {
					return err
				}
			}
			out = existing
			return tx.PutPlan(existing)
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		committed := decimal.Zero
		for _, cs := range snap.Categories {
			committed = committed.Add(cs.Spent)
			if err := tx.PutCategory(categoryFromSnapshot(snap.PlanID, cs)); err != nil {
				return err
			}
		}
		out = &domain.Plan{
			ID:              snap.PlanID,
			ParticipantID:   snap.ParticipantID,
			PlanNumber:      snap.PlanNumber,
			TotalBudget:     snap.TotalBudget,
			RemainingBudget: snap.TotalBudget.Sub(committed),
			Status:          snap.Status,
			StartDate:       snap.StartDate,
			EndDate:         snap.EndDate,
		}
		return tx.PutPlan(out)
	})
	if err != nil {
		return nil, fmt.Errorf("import plan %s: %w", snap.PlanID, err)
	}
	return out, nil
}

func categoryFromSnapshot(planID string, cs domain.CategorySnapshot) *domain.Category {
	return &domain.Category{
		ID:              cs.ID,
		PlanID:          planID,
		Code:            cs.Code,
		Allocated:       cs.Allocated,
		Spent:           cs.Spent,
		Remaining:       cs.Remaining,
		AllowedServices: cs.AllowedServices,
		BlockedServices: cs.BlockedServices,
	}
}

// ErrInvalidSnapshot wraps every plan snapshot rejection.
var ErrInvalidSnapshot = errors.New("invalid plan snapshot")

func validateSnapshot(snap domain.PlanSnapshot) error {
	if snap.PlanID == "" || snap.ParticipantID == "" {
		return fmt.Errorf("%w: plan_id and participant_id are required", ErrInvalidSnapshot)
	}
	if snap.EndDate.Before(snap.StartDate) {
		return fmt.Errorf("%w: end_date before start_date", ErrInvalidSnapshot)
	}
	if snap.TotalBudget.IsNegative() {
		return fmt.Errorf("%w: negative total_budget", ErrInvalidSnapshot)
	}
	allocated := decimal.Zero
	for _, c := range snap.Categories {
		if c.ID == "" {
			return fmt.Errorf("%w: category without id", ErrInvalidSnapshot)
		}
		if c.Spent.IsNegative() || c.Remaining.IsNegative() {
			return fmt.Errorf("%w: category %s has a negative balance", ErrInvalidSnapshot, c.ID)
		}
		if !c.Allocated.Equal(c.Spent.Add(c.Remaining)) {
			return fmt.Errorf("%w: category %s allocated %s != spent %s + remaining %s",
				ErrInvalidSnapshot, c.ID, c.Allocated, c.Spent, c.Remaining)
		}
		allocated = allocated.Add(c.Allocated)
	}
	if allocated.GreaterThan(snap.TotalBudget) {
		return fmt.Errorf("%w: categories allocate %s of %s", ErrInvalidSnapshot, allocated, snap.TotalBudget)
	}
	return nil
}
