// Package storetest provides a miniredis-backed store and plan fixtures.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/store"
)

// New starts a miniredis instance scoped to t.
func New(t testing.TB) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return store.New(rdb, 10*time.Second, zap.NewNop()), mr
}

const (
	PlanID        = "plan-1"
	CategoryID    = "cat-core"
	ParticipantID = "part-1"
	ServiceCode   = "01_011_0107_1_1"
)

// PlanStart and PlanEnd bound the fixture plan.
var (
	PlanStart = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	PlanEnd   = time.Date(2027, 6, 30, 23, 59, 59, 0, time.UTC)
)

// Snapshot is an ACTIVE plan of totalBudget with one category holding allocated.
func Snapshot(totalBudget, allocated int64) domain.PlanSnapshot {
	return domain.PlanSnapshot{
		PlanID:        PlanID,
		ParticipantID: ParticipantID,
		PlanNumber:    "430000001",
		Status:        domain.PlanActive,
		StartDate:     PlanStart,
		EndDate:       PlanEnd,
		TotalBudget:   decimal.NewFromInt(totalBudget),
		Categories: []domain.CategorySnapshot{{
			ID:              CategoryID,
			Code:            "CORE",
			Allocated:       decimal.NewFromInt(allocated),
			Spent:           decimal.Zero,
			Remaining:       decimal.NewFromInt(allocated),
			AllowedServices: []string{ServiceCode},
		}},
	}
}

// SeedPlan imports Snapshot(totalBudget, allocated).
func SeedPlan(t testing.TB, s *store.Store, totalBudget, allocated int64) {
	t.Helper()
	if _, err := s.ImportPlan(context.Background(), Snapshot(totalBudget, allocated)); err != nil {
		t.Fatalf("seed plan: %v", err)
	}
}

// Balances reads plan remaining and category (spent, remaining).
func Balances(t testing.TB, s *store.Store) (planRemaining, spent, remaining decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	p, err := s.GetPlan(ctx, PlanID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	c, err := s.GetCategory(ctx, CategoryID)
	if err != nil {
		t.Fatalf("get category: %v", err)
	}
	return p.RemainingBudget, c.Spent, c.Remaining
}

// Dec parses a decimal literal.
func Dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
