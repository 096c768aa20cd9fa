package rules

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/metrics"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/registry"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakePrices struct {
	limits map[string]decimal.Decimal
	err    error
}

func (f *fakePrices) MaxPrice(_ context.Context, code string) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	l, ok := f.limits[code]
	if !ok {
		return decimal.Zero, errors.New("item not found")
	}
	return l, nil
}

type fakeRegistry struct {
	providers map[string]*registry.Provider
	workers   map[string]*registry.Worker
	calls     int
}

func (f *fakeRegistry) Provider(_ context.Context, id string) (*registry.Provider, error) {
	f.calls++
	p, ok := f.providers[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return p, nil
}

func (f *fakeRegistry) Worker(_ context.Context, id string) (*registry.Worker, error) {
	f.calls++
	w, ok := f.workers[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return w, nil
}

const code = "01_011_0107_1_1"

var at = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

func fixtures() (*fakePrices, *fakeRegistry, Input) {
	prices := &fakePrices{limits: map[string]decimal.Decimal{code: decimal.RequireFromString("67.56")}}
	reg := &fakeRegistry{
		providers: map[string]*registry.Provider{
			"prov-1": {ID: "prov-1", Registered: true, Status: registry.StatusActive, ServiceCategories: []string{"01"},
				ExpiresAt: time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
		workers: map[string]*registry.Worker{
			"w-ok":    {ID: "w-ok", HasVerification: true, Status: registry.StatusActive},
			"w-lapse": {ID: "w-lapse", HasVerification: true, Status: "EXPIRED"},
		},
	}
	in := Input{
		Plan: &domain.Plan{
			ID: "plan-1", Status: domain.PlanActive,
			StartDate: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
			EndDate:   time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC),
		},
		Category:    &domain.Category{ID: "cat-1", Code: "CORE", AllowedServices: []string{code}},
		ProviderID:  "prov-1",
		ServiceCode: code,
		Amount:      decimal.NewFromInt(60),
		At:          at,
	}
	return prices, reg, in
}

func newValidator(prices PriceGuide, reg *fakeRegistry) *Validator {
	return New(prices, reg, reg, nil, zap.NewNop())
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestValidate_AllPass(t *testing.T) {
	prices, reg, in := fixtures()
	got := newValidator(prices, reg).Validate(context.Background(), in)

	if !got.Valid || len(got.Errors) != 0 {
		t.Fatalf("verdict: got %+v", got)
	}
	names := make([]string, len(got.Checks))
	for i, c := range got.Checks {
		names[i] = c.Name
	}
	want := []string{CheckTime, CheckPriceGuide, CheckProvider, CheckCategory, CheckWorker}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("check order: got %v want %v", names, want)
	}
}

func TestValidate_NeverShortCircuits(t *testing.T) {
	prices, reg, in := fixtures()
	in.Plan.Status = domain.PlanSuspended
	in.Amount = decimal.NewFromInt(100)
	in.Category.BlockedServices = []string{code}
	in.Worker = domain.Worker("w-lapse")

	got := newValidator(prices, reg).Validate(context.Background(), in)
	if got.Valid {
		t.Fatal("expected invalid verdict")
	}
	failed := map[string]bool{}
	for _, c := range got.Checks {
		if !c.Valid {
			failed[c.Name] = true
		}
	}
	for _, name := range []string{CheckTime, CheckPriceGuide, CheckCategory, CheckWorker} {
		if !failed[name] {
			t.Errorf("check %s should have failed: %+v", name, got.Checks)
		}
	}
	if failed[CheckProvider] {
		t.Errorf("provider check should pass")
	}
	if len(got.Errors) != 4 {
		t.Errorf("errors: got %d %v want 4", len(got.Errors), got.Errors)
	}
}

func TestValidate_Idempotent(t *testing.T) {
	prices, reg, in := fixtures()
	in.Amount = decimal.NewFromInt(1000)
	v := newValidator(prices, reg)

	first := v.Validate(context.Background(), in)
	second := v.Validate(context.Background(), in)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("verdicts differ:\n%+v\n%+v", first, second)
	}
}

func TestValidate_PriceGuideOutageDegradesToPass(t *testing.T) {
	prices, reg, in := fixtures()
	prices.err = errors.New("connection refused")
	m := metrics.New(prometheus.NewRegistry())
	v := New(prices, reg, reg, m, zap.NewNop())

	got := v.Validate(context.Background(), in)
	if !got.Valid {
		t.Fatalf("outage must not block payment: %+v", got)
	}
	if len(got.Degraded) != 1 || !strings.HasPrefix(got.Degraded[0], CheckPriceGuide) {
		t.Errorf("degraded: got %v", got.Degraded)
	}
	if n := testutil.ToFloat64(m.PriceGuideDegraded); n != 1 {
		t.Errorf("degraded counter: got %v want 1", n)
	}
}

func TestValidate_ProviderChecks(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*registry.Provider, *Input)
	}{
		{"unregistered", func(p *registry.Provider, _ *Input) { p.Registered = false }},
		{"suspended", func(p *registry.Provider, _ *Input) { p.Status = "SUSPENDED" }},
		{"expired", func(p *registry.Provider, _ *Input) { p.ExpiresAt = at.Add(-time.Hour) }},
		{"wrong group", func(p *registry.Provider, _ *Input) { p.ServiceCategories = []string{"15"} }},
		{"unknown", func(_ *registry.Provider, in *Input) { in.ProviderID = "prov-missing" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prices, reg, in := fixtures()
			tc.mutate(reg.providers["prov-1"], &in)
			got := newValidator(prices, reg).Validate(context.Background(), in)
			if got.Valid || got.Checks[2].Valid {
				t.Errorf("provider check should fail: %+v", got.Checks[2])
			}
		})
	}
}

func TestValidate_CategoryAllowList(t *testing.T) {
	prices, reg, in := fixtures()
	in.Category.AllowedServices = []string{"01_002_0107_1_1"}

	got := newValidator(prices, reg).Validate(context.Background(), in)
	if got.Checks[3].Valid {
		t.Errorf("category check should fail for service outside allow-list")
	}

	in.Category.AllowedServices = nil
	got = newValidator(prices, reg).Validate(context.Background(), in)
	if !got.Checks[3].Valid {
		t.Errorf("empty allow-list admits any service: %+v", got.Checks[3])
	}
}

func TestValidate_NoWorkerSkipsLookup(t *testing.T) {
	prices, reg, in := fixtures()
	in.Worker = domain.NoWorker

	got := newValidator(prices, reg).Validate(context.Background(), in)
	if !got.Checks[4].Valid {
		t.Errorf("worker check: got %+v", got.Checks[4])
	}
	if reg.calls != 1 {
		t.Errorf("registry calls: got %d want 1 (provider only)", reg.calls)
	}

	in.Worker = domain.Worker("w-ok")
	if got := newValidator(prices, reg).Validate(context.Background(), in); !got.Valid {
		t.Errorf("verified worker should pass: %+v", got)
	}
}

func TestProviderCategory(t *testing.T) {
	if got := ProviderCategory("15_056_0128_1_3"); got != "15" {
		t.Errorf("got %q want 15", got)
	}
	if got := ProviderCategory("nogroup"); got != "nogroup" {
		t.Errorf("got %q", got)
	}
}
