// Package budget keeps plan and category balances consistent.
//
// Category funds move remaining → spent when a voucher is minted (Reserve)
// and back on Release. The plan's remaining budget drops only when a payment
// is committed, so it always equals total budget minus committed payments.
package budget

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/store"
)

const (
	scopeCommit  = "budget"
	scopeRelease = "release"
)

type Ledger struct {
	st  *store.Store
	log *zap.Logger
}

func New(st *store.Store, log *zap.Logger) *Ledger {
	return &Ledger{st: st, log: log}
}

// Reserve moves amount from the category's remaining to spent.
func (l *Ledger) Reserve(ctx context.Context, categoryID string, amount decimal.Decimal) error {
	if err := positive(amount); err != nil {
		return err
	}
	err := l.st.Atomic(ctx, []string{store.CategoryKey(categoryID)}, func(tx *store.Tx) error {
		c, err := tx.Category(categoryID)
		if err != nil {
			return err
		}
		if err := debitCategory(c, amount); err != nil {
			return err
		}
		return tx.PutCategory(c)
	})
	if err != nil {
		return fmt.Errorf("reserve %s on %s: %w", amount, categoryID, err)
	}
	return nil
}

// Release returns a reservation to the category's remaining balance.
func (l *Ledger) Release(ctx context.Context, categoryID string, amount decimal.Decimal) error {
	return l.ReleaseRef(ctx, categoryID, amount, "")
}

// ReleaseRef is Release made idempotent by ref; a replayed ref is a no-op.
func (l *Ledger) ReleaseRef(ctx context.Context, categoryID string, amount decimal.Decimal, ref string) error {
	if err := positive(amount); err != nil {
		return err
	}
	keys := []string{store.CategoryKey(categoryID)}
	if ref != "" {
		keys = append(keys, store.AppliedKey(scopeRelease, ref))
	}
	err := l.st.Atomic(ctx, keys, func(tx *store.Tx) error {
		if done, err := tx.Applied(scopeRelease, ref); err != nil || done {
			return err
		}
		c, err := tx.Category(categoryID)
		if err != nil {
			return err
		}
		if c.Spent.LessThan(amount) {
			return &domain.InsufficientBudgetError{Scope: "reservation", ID: categoryID, Requested: amount, Available: c.Spent}
		}
		c.Spent = c.Spent.Sub(amount)
		c.Remaining = c.Remaining.Add(amount)
		tx.MarkApplied(scopeRelease, ref)
		return tx.PutCategory(c)
	})
	if err != nil {
		return fmt.Errorf("release %s on %s: %w", amount, categoryID, err)
	}
	l.log.Debug("budget released", zap.String("category", categoryID), zap.String("amount", amount.String()))
	return nil
}

// CommitSpend records a confirmed payment against reserved category funds by
// decrementing the plan's remaining budget. A replayed ref is a no-op.
func (l *Ledger) CommitSpend(ctx context.Context, categoryID string, amount decimal.Decimal, ref string) error {
	return l.commit(ctx, categoryID, amount, ref, false)
}

// CommitDirect reserves and commits in one step, for rails that never mint a voucher.
func (l *Ledger) CommitDirect(ctx context.Context, categoryID string, amount decimal.Decimal, ref string) error {
	return l.commit(ctx, categoryID, amount, ref, true)
}

func (l *Ledger) commit(ctx context.Context, categoryID string, amount decimal.Decimal, ref string, direct bool) error {
	if err := positive(amount); err != nil {
		return err
	}
	cat, err := l.st.GetCategory(ctx, categoryID)
	if err != nil {
		return fmt.Errorf("commit on %s: %w", categoryID, err)
	}
	keys := []string{store.CategoryKey(categoryID), store.PlanKey(cat.PlanID)}
	if ref != "" {
		keys = append(keys, store.AppliedKey(scopeCommit, ref))
	}

	err = l.st.Atomic(ctx, keys, func(tx *store.Tx) error {
		if done, err := tx.Applied(scopeCommit, ref); err != nil || done {
			return err
		}
		p, err := tx.Plan(cat.PlanID)
		if err != nil {
			return err
		}
		if p.RemainingBudget.LessThan(amount) {
			return &domain.InsufficientBudgetError{Scope: "plan", ID: p.ID, Requested: amount, Available: p.RemainingBudget}
		}
		if direct {
			c, err := tx.Category(categoryID)
			if err != nil {
				return err
			}
			if err := debitCategory(c, amount); err != nil {
				return err
			}
			if err := tx.PutCategory(c); err != nil {
				return err
			}
		}
		p.RemainingBudget = p.RemainingBudget.Sub(amount)
		tx.MarkApplied(scopeCommit, ref)
		return tx.PutPlan(p)
	})
	if err != nil {
		return fmt.Errorf("commit %s on %s: %w", amount, categoryID, err)
	}
	l.log.Info("budget committed",
		zap.String("category", categoryID),
		zap.String("amount", amount.String()),
		zap.String("ref", ref),
		zap.Bool("direct", direct),
	)
	return nil
}

// Snapshot returns the category and its plan as currently stored.
func (l *Ledger) Snapshot(ctx context.Context, categoryID string) (*domain.Plan, *domain.Category, error) {
	c, err := l.st.GetCategory(ctx, categoryID)
	if err != nil {
		return nil, nil, err
	}
	p, err := l.st.GetPlan(ctx, c.PlanID)
	if err != nil {
		return nil, nil, err
	}
	return p, c, nil
}

func debitCategory(c *domain.Category, amount decimal.Decimal) error {
	if c.Remaining.LessThan(amount) {
		return &domain.InsufficientBudgetError{Scope: "category", ID: c.ID, Requested: amount, Available: c.Remaining}
	}
	c.Remaining = c.Remaining.Sub(amount)
	c.Spent = c.Spent.Add(amount)
	return nil
}

func positive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive, got %s", amount)
	}
	return nil
}
