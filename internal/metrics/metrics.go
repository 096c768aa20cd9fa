package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the payment engine.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	PaymentsTotal      *prometheus.CounterVec
	PaymentDuration    *prometheus.HistogramVec
	ValidationFailures prometheus.Counter
	PriceGuideDegraded prometheus.Counter
	VouchersMinted     prometheus.Counter
	VoucherHolds       prometheus.Counter
	ReconcileTotal     *prometheus.CounterVec
	RedemptionsTotal   *prometheus.CounterVec
	LedgerUnavailable  *prometheus.CounterVec
}

// New registers every metric on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PaymentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_executed_total",
			Help: "Payments reaching a final or pending state, by rail and outcome",
		}, []string{"method", "status"}),
		PaymentDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payments_execute_duration_seconds",
			Help:    "Duration of Execute including ledger confirmation",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		ValidationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "payments_validation_failures_total",
			Help: "Payments rejected by rule validation",
		}),
		PriceGuideDegraded: f.NewCounter(prometheus.CounterOpts{
			Name: "rules_price_guide_degraded_total",
			Help: "Price checks passed because the price guide could not be consulted",
		}),
		VouchersMinted: f.NewCounter(prometheus.CounterOpts{
			Name: "vouchers_minted_total",
			Help: "Vouchers minted on the ledger",
		}),
		VoucherHolds: f.NewCounter(prometheus.CounterOpts{
			Name: "vouchers_pending_holds_total",
			Help: "Voucher debits left pending after a confirmation timeout",
		}),
		ReconcileTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_reconciled_total",
			Help: "Reconciliation outcomes for PROCESSING payments",
		}, []string{"outcome"}),
		RedemptionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "redemptions_processed_total",
			Help: "Redemption payouts by final status",
		}, []string{"status"}),
		LedgerUnavailable: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_unavailable_total",
			Help: "Ledger calls that failed because the backend was unreachable",
		}, []string{"op"}),
	}
}

func (m *Metrics) ObservePayment(method, status string, start time.Time) {
	if m == nil {
		return
	}
	m.PaymentsTotal.WithLabelValues(method, status).Inc()
	m.PaymentDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementValidationFailures() {
	if m == nil {
		return
	}
	m.ValidationFailures.Inc()
}

func (m *Metrics) IncrementPriceGuideDegraded() {
	if m == nil {
		return
	}
	m.PriceGuideDegraded.Inc()
}

func (m *Metrics) IncrementVouchersMinted() {
	if m == nil {
		return
	}
	m.VouchersMinted.Inc()
}

func (m *Metrics) IncrementVoucherHolds() {
	if m == nil {
		return
	}
	m.VoucherHolds.Inc()
}

func (m *Metrics) IncrementReconcile(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementRedemptions(status string) {
	if m == nil {
		return
	}
	m.RedemptionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncrementLedgerUnavailable(op string) {
	if m == nil {
		return
	}
	m.LedgerUnavailable.WithLabelValues(op).Inc()
}
