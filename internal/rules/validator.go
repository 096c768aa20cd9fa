// Package rules decides whether a proposed payment may proceed.
//
// Five independent checks run in a fixed order and every one is always
// evaluated, so a caller sees all violations at once.
package rules

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/metrics"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/registry"
)

// Check names, in evaluation order.
const (
	CheckTime       = "time"
	CheckPriceGuide = "price_guide"
	CheckProvider   = "provider"
	CheckCategory   = "category"
	CheckWorker     = "worker"
)

type PriceGuide interface {
	MaxPrice(ctx context.Context, code string) (decimal.Decimal, error)
}

type ProviderRegistry interface {
	Provider(ctx context.Context, id string) (*registry.Provider, error)
}

type WorkerRegistry interface {
	Worker(ctx context.Context, id string) (*registry.Worker, error)
}

// Input is everything a verdict depends on. At is the service date.
type Input struct {
	Plan        *domain.Plan
	Category    *domain.Category
	ProviderID  string
	Worker      domain.WorkerRef
	ServiceCode string
	Amount      decimal.Decimal
	At          time.Time
}

type Validator struct {
	prices    PriceGuide
	providers ProviderRegistry
	workers   WorkerRegistry
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func New(prices PriceGuide, providers ProviderRegistry, workers WorkerRegistry, m *metrics.Metrics, log *zap.Logger) *Validator {
	return &Validator{prices: prices, providers: providers, workers: workers, metrics: m, log: log}
}

// ProviderCategory is the registration group a support item belongs to: the
// leading segment of the item number, e.g. "01" for "01_011_0107_1_1".
func ProviderCategory(serviceCode string) string {
	group, _, _ := strings.Cut(serviceCode, "_")
	return group
}

// Validate runs every check and aggregates the outcome.
func (v *Validator) Validate(ctx context.Context, in Input) domain.Verdict {
	verdict := domain.Verdict{Valid: true}
	add := func(name string, errs []string) {
		res := domain.CheckResult{Name: name, Valid: len(errs) == 0}
		if !res.Valid {
			res.Error = strings.Join(errs, "; ")
			verdict.Valid = false
			verdict.Errors = append(verdict.Errors, errs...)
		}
		verdict.Checks = append(verdict.Checks, res)
	}

	add(CheckTime, v.checkTime(in))
	priceErrs, degraded := v.checkPrice(ctx, in)
	if degraded != "" {
		verdict.Degraded = append(verdict.Degraded, degraded)
	}
	add(CheckPriceGuide, priceErrs)
	add(CheckProvider, v.checkProvider(ctx, in))
	add(CheckCategory, v.checkCategory(in))
	add(CheckWorker, v.checkWorker(ctx, in))
	return verdict
}

func (v *Validator) checkTime(in Input) []string {
	var errs []string
	if in.Plan == nil {
		return []string{"plan not found"}
	}
	if in.Plan.Status != domain.PlanActive {
		errs = append(errs, fmt.Sprintf("plan %s is %s, not ACTIVE", in.Plan.ID, in.Plan.Status))
	}
	if !in.Plan.Covers(in.At) {
		errs = append(errs, fmt.Sprintf("service date %s outside plan period %s to %s",
			in.At.Format(time.DateOnly), in.Plan.StartDate.Format(time.DateOnly), in.Plan.EndDate.Format(time.DateOnly)))
	}
	return errs
}

// checkPrice degrades to a pass when the price guide cannot answer.
func (v *Validator) checkPrice(ctx context.Context, in Input) ([]string, string) {
	limit, err := v.prices.MaxPrice(ctx, in.ServiceCode)
	if err != nil {
		v.metrics.IncrementPriceGuideDegraded()
		v.log.Warn("price guide check degraded to pass",
			zap.String("service_code", in.ServiceCode),
			zap.Error(err),
		)
		return nil, fmt.Sprintf("%s: %v", CheckPriceGuide, err)
	}
	if in.Amount.GreaterThan(limit) {
		return []string{fmt.Sprintf("amount %s exceeds price guide limit %s for %s", in.Amount, limit, in.ServiceCode)}, ""
	}
	return nil, ""
}

func (v *Validator) checkProvider(ctx context.Context, in Input) []string {
	p, err := v.providers.Provider(ctx, in.ProviderID)
	if errors.Is(err, registry.ErrNotFound) {
		return []string{fmt.Sprintf("provider %s is not registered", in.ProviderID)}
	}
	if err != nil {
		return []string{fmt.Sprintf("provider %s could not be verified: %v", in.ProviderID, err)}
	}
	var errs []string
	if !p.Registered {
		errs = append(errs, fmt.Sprintf("provider %s is not registered", in.ProviderID))
	}
	if p.Status != registry.StatusActive {
		errs = append(errs, fmt.Sprintf("provider %s status is %s", in.ProviderID, p.Status))
	}
	if !p.ExpiresAt.IsZero() && in.At.After(p.ExpiresAt) {
		errs = append(errs, fmt.Sprintf("provider %s registration expired %s", in.ProviderID, p.ExpiresAt.Format(time.DateOnly)))
	}
	if group := ProviderCategory(in.ServiceCode); !slices.Contains(p.ServiceCategories, group) {
		errs = append(errs, fmt.Sprintf("provider %s is not registered for group %s", in.ProviderID, group))
	}
	return errs
}

func (v *Validator) checkCategory(in Input) []string {
	c := in.Category
	if c == nil {
		return []string{"category not found"}
	}
	var errs []string
	if slices.Contains(c.BlockedServices, in.ServiceCode) {
		errs = append(errs, fmt.Sprintf("service %s is blocked in category %s", in.ServiceCode, c.Code))
	}
	if len(c.AllowedServices) > 0 && !slices.Contains(c.AllowedServices, in.ServiceCode) {
		errs = append(errs, fmt.Sprintf("service %s is not allowed in category %s", in.ServiceCode, c.Code))
	}
	return errs
}

func (v *Validator) checkWorker(ctx context.Context, in Input) []string {
	id, ok := in.Worker.Get()
	if !ok {
		return nil
	}
	w, err := v.workers.Worker(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return []string{fmt.Sprintf("worker %s has no screening record", id)}
	}
	if err != nil {
		return []string{fmt.Sprintf("worker %s could not be verified: %v", id, err)}
	}
	if !w.HasVerification || w.Status != registry.StatusActive {
		return []string{fmt.Sprintf("worker %s screening is not active", id)}
	}
	return nil
}
