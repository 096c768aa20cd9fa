// Package redemption turns a provider's completed transactions into a single
// bank payout.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/banking"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/metrics"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/store"
)

var (
	// ErrIneligibleTransaction is returned when a requested transaction is not a
	// COMPLETED payment to the requesting provider.
	ErrIneligibleTransaction = errors.New("transaction not redeemable")
	// ErrPayoutPending is returned when the bank has not given a final answer.
	// The redemption stays PROCESSING with its claims held until Reconcile
	// resolves it.
	ErrPayoutPending = errors.New("payout outcome pending")
)

const popTimeout = 5 * time.Second

type Bank interface {
	VerifyAccount(ctx context.Context, bank domain.BankDetails) error
	Payout(ctx context.Context, bank domain.BankDetails, amount decimal.Decimal, reference string) (*banking.PayoutResult, error)
	PayoutStatus(ctx context.Context, reference string) (*banking.PayoutResult, error)
}

type Processor struct {
	st      *store.Store
	bank    Bank
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

func New(st *store.Store, bank Bank, m *metrics.Metrics, log *zap.Logger) *Processor {
	return &Processor{st: st, bank: bank, metrics: m, log: log, now: time.Now}
}

// Request claims txnIDs for one payout to bank and queues it.
func (p *Processor) Request(ctx context.Context, providerID string, txnIDs []string, bank domain.BankDetails) (*domain.Redemption, error) {
	if len(txnIDs) == 0 {
		return nil, fmt.Errorf("redemption for %s: no transactions", providerID)
	}
	ids := slices.Clone(txnIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	total := decimal.Zero
	for _, id := range ids {
		txn, err := p.st.GetTransaction(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("redemption txn %s: %w", id, err)
		}
		if txn.ProviderID != providerID {
			return nil, fmt.Errorf("txn %s paid to another provider: %w", id, ErrIneligibleTransaction)
		}
		if txn.Status != domain.TxnCompleted {
			return nil, fmt.Errorf("txn %s is %s: %w", id, txn.Status, ErrIneligibleTransaction)
		}
		total = total.Add(txn.Amount)
	}

	if err := p.bank.VerifyAccount(ctx, bank); err != nil {
		return nil, fmt.Errorf("verify payout account: %w", err)
	}

	now := p.now().UTC()
	r := &domain.Redemption{
		ID:             uuid.NewString(),
		ProviderID:     providerID,
		TransactionIDs: ids,
		TotalAmount:    total,
		Status:         domain.RedemptionPending,
		Bank:           bank,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.st.CreateRedemption(ctx, r); err != nil {
		return nil, err
	}
	if err := p.st.EnqueueRedemption(ctx, r.ID); err != nil {
		// Still PENDING; Process can be driven directly.
		p.log.Error("enqueue redemption", zap.String("redemption", r.ID), zap.Error(err))
	}

	p.metrics.IncrementRedemptions(string(r.Status))
	p.log.Info("redemption requested",
		zap.String("redemption", r.ID),
		zap.String("provider", providerID),
		zap.Int("transactions", len(ids)),
		zap.String("total", total.String()),
	)
	return r, nil
}

// Process pays out a PENDING redemption. Only a definite refusal from the
// bank fails it and releases the claims; any other error leaves it
// PROCESSING for Reconcile.
func (p *Processor) Process(ctx context.Context, id string) (*domain.Redemption, error) {
	unlock, err := p.st.Lock(ctx, store.RedemptionLock(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := p.st.GetRedemption(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != domain.RedemptionPending {
		return r, &domain.TransactionStateError{ID: id, Expected: string(domain.RedemptionPending), Actual: string(r.Status)}
	}
	r.Status = domain.RedemptionProcessing
	if err := p.save(ctx, r); err != nil {
		return nil, err
	}

	res, err := p.bank.Payout(ctx, r.Bank, r.TotalAmount, r.ID)
	// The request may have reached the bank; record its outcome regardless.
	return p.settle(context.WithoutCancel(ctx), r, res, err)
}

// Reconcile asks the bank for the outcome of a PROCESSING redemption. A
// payout the bank never received is resent under the same reference.
func (p *Processor) Reconcile(ctx context.Context, id string) (*domain.Redemption, error) {
	unlock, err := p.st.Lock(ctx, store.RedemptionLock(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := p.st.GetRedemption(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != domain.RedemptionProcessing {
		return r, &domain.TransactionStateError{ID: id, Expected: string(domain.RedemptionProcessing), Actual: string(r.Status)}
	}

	res, err := p.bank.PayoutStatus(ctx, r.ID)
	switch {
	case errors.Is(err, banking.ErrPayoutNotFound):
		p.log.Info("redemption payout unknown to bank, resending", zap.String("redemption", r.ID))
		res, err = p.bank.Payout(ctx, r.Bank, r.TotalAmount, r.ID)
	case err != nil:
		// A failed lookup says nothing about the payout itself.
		return r, p.hold(context.WithoutCancel(ctx), r, err)
	}
	return p.settle(context.WithoutCancel(ctx), r, res, err)
}

func (p *Processor) settle(ctx context.Context, r *domain.Redemption, res *banking.PayoutResult, err error) (*domain.Redemption, error) {
	switch {
	case err != nil && refused(err):
		return r, p.fail(ctx, r, err)
	case err != nil:
		return r, p.hold(ctx, r, err)
	case res.Failed():
		return r, p.fail(ctx, r, fmt.Errorf("payout %s %s: %s", res.PaymentID, res.Status, res.Reason))
	case res.Status != banking.StatusCompleted:
		r.PayoutRef = res.PaymentID
		return r, p.hold(ctx, r, fmt.Errorf("payout %s is %s", res.PaymentID, res.Status))
	}

	now := p.now().UTC()
	r.Status = domain.RedemptionCompleted
	r.PayoutRef = res.PaymentID
	r.Error = ""
	r.CompletedAt = &now
	if err := p.save(ctx, r); err != nil {
		return nil, err
	}
	p.metrics.IncrementRedemptions(string(r.Status))
	p.log.Info("redemption paid",
		zap.String("redemption", r.ID),
		zap.String("payout_ref", r.PayoutRef),
		zap.String("status", res.Status),
	)
	return r, nil
}

// refused reports whether the bank turned the payout down without sending it.
func refused(err error) bool {
	return errors.Is(err, banking.ErrRefused) || errors.Is(err, banking.ErrAccountInvalid)
}

// hold keeps r PROCESSING with its claims in place.
func (p *Processor) hold(ctx context.Context, r *domain.Redemption, cause error) error {
	r.Error = cause.Error()
	if err := p.save(ctx, r); err != nil {
		p.log.Error("save pending redemption", zap.String("redemption", r.ID), zap.Error(err))
	}
	p.log.Warn("redemption payout unresolved", zap.String("redemption", r.ID), zap.Error(cause))
	return fmt.Errorf("redemption %s: %w", r.ID, errors.Join(ErrPayoutPending, cause))
}

func (p *Processor) fail(ctx context.Context, r *domain.Redemption, cause error) error {
	r.Status = domain.RedemptionFailed
	r.Error = cause.Error()
	if err := p.save(ctx, r); err != nil {
		return errors.Join(cause, err)
	}
	if err := p.st.ReleaseClaims(ctx, r.ID, r.TransactionIDs); err != nil {
		p.log.Error("release redemption claims", zap.String("redemption", r.ID), zap.Error(err))
	}
	p.metrics.IncrementRedemptions(string(r.Status))
	p.log.Warn("redemption failed", zap.String("redemption", r.ID), zap.Error(cause))
	return fmt.Errorf("redemption %s: %w", r.ID, cause)
}

func (p *Processor) save(ctx context.Context, r *domain.Redemption) error {
	r.UpdatedAt = p.now().UTC()
	if err := p.st.SaveRedemption(ctx, r); err != nil {
		return fmt.Errorf("save redemption %s: %w", r.ID, err)
	}
	return nil
}

func (p *Processor) Get(ctx context.Context, id string) (*domain.Redemption, error) {
	return p.st.GetRedemption(ctx, id)
}

// Run consumes the redemption queue until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	p.log.Info("redemption worker started", zap.String("queue", store.RedemptionQueueKey))

	for {
		if ctx.Err() != nil {
			p.log.Info("redemption worker stopped")
			return
		}

		id, err := p.st.PopRedemption(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("redemption worker: BLPOP", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if id == "" {
			continue
		}

		if _, err := p.Process(ctx, id); err != nil {
			var se *domain.TransactionStateError
			if errors.As(err, &se) || errors.Is(err, ErrPayoutPending) {
				// Already handled through the API, or left for the reconciler.
				continue
			}
			p.log.Error("redemption worker: process", zap.String("redemption", id), zap.Error(err))
		}
	}
}

// RunReconciler resolves PROCESSING redemptions every interval until ctx is done.
func (p *Processor) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.log.Info("redemption reconciler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			p.log.Info("redemption reconciler stopped")
			return
		case <-ticker.C:
			p.reconcileAll(ctx)
		}
	}
}

func (p *Processor) reconcileAll(ctx context.Context) {
	ids, err := p.st.ProcessingRedemptions(ctx)
	if err != nil {
		p.log.Error("redemption reconciler: list processing", zap.Error(err))
		return
	}
	for _, id := range ids {
		r, err := p.Reconcile(ctx, id)
		switch {
		case errors.Is(err, ErrPayoutPending), errors.Is(err, store.ErrLockTaken):
		case err != nil:
			p.log.Error("redemption reconciler: reconcile", zap.String("redemption", id), zap.Error(err))
		default:
			p.log.Info("redemption reconciler: settled", zap.String("redemption", id), zap.String("status", string(r.Status)))
		}
	}
}
