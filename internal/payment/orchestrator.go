// Package payment drives a payment through PENDING → PROCESSING →
// COMPLETED|FAILED, coordinating rule validation, voucher spend, gateway
// charges and budget commits.
//
// The external call of every rail completes before any local balance is
// committed. A ledger transfer that is not confirmed in time leaves the
// transaction PROCESSING for Reconcile.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/addressbook"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/gateway"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/ledger"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/metrics"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/rules"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/store"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/voucher"
)

// ErrPaymentPending is returned by Execute when the rail accepted the payment
// but has not confirmed it yet. The transaction stays PROCESSING.
var ErrPaymentPending = errors.New("payment awaiting confirmation")

// ErrParticipantMismatch is returned when the category does not belong to the
// paying participant's plan.
var ErrParticipantMismatch = errors.New("category does not belong to participant")

type Validator interface {
	Validate(ctx context.Context, in rules.Input) domain.Verdict
}

type Vouchers interface {
	Get(ctx context.Context, id string) (*domain.Voucher, error)
	Select(ctx context.Context, categoryID string, amount decimal.Decimal) (*domain.Voucher, error)
	ValidateRules(ctx context.Context, voucherID, serviceCode, providerID string, at time.Time) error
	SpendTracked(ctx context.Context, voucherID, from, to string, amount decimal.Decimal, ref string, submitted func(ctx context.Context, txRef string) error) (string, error)
	SettlePending(ctx context.Context, voucherID string, amount decimal.Decimal, ref string, confirmed bool) error
}

type Budget interface {
	Reserve(ctx context.Context, categoryID string, amount decimal.Decimal) error
	ReleaseRef(ctx context.Context, categoryID string, amount decimal.Decimal, ref string) error
	CommitSpend(ctx context.Context, categoryID string, amount decimal.Decimal, ref string) error
	CommitDirect(ctx context.Context, categoryID string, amount decimal.Decimal, ref string) error
}

type Gateway interface {
	Charge(ctx context.Context, method domain.PaymentMethod, req gateway.ChargeRequest) (*gateway.Charge, error)
	Status(ctx context.Context, method domain.PaymentMethod, id string) (*gateway.Charge, error)
}

type Addresses interface {
	Resolve(ctx context.Context, kind addressbook.Kind, id string) (string, error)
}

// Request is a payment initiation. VoucherID and Worker are optional; a zero
// ServiceDate means today.
type Request struct {
	ParticipantID string               `json:"participant_id"`
	ProviderID    string               `json:"provider_id"`
	ServiceCode   string               `json:"service_code"`
	Amount        decimal.Decimal      `json:"amount"`
	CategoryID    string               `json:"category_id"`
	VoucherID     string               `json:"voucher_id,omitempty"`
	Worker        domain.WorkerRef     `json:"worker_id"`
	Method        domain.PaymentMethod `json:"payment_method"`
	ServiceDate   time.Time            `json:"service_date"`
}

type Orchestrator struct {
	st        *store.Store
	validator Validator
	vouchers  Vouchers
	budget    Budget
	led       ledger.Adapter
	gw        Gateway
	addrs     Addresses
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
}

func New(
	st *store.Store,
	validator Validator,
	vouchers Vouchers,
	budget Budget,
	led ledger.Adapter,
	gw Gateway,
	addrs Addresses,
	m *metrics.Metrics,
	log *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		st:        st,
		validator: validator,
		vouchers:  vouchers,
		budget:    budget,
		led:       led,
		gw:        gw,
		addrs:     addrs,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

// ── initiate ──────────────────────────────────────────────────────────────────

// Initiate validates the request and records a PENDING transaction.
//
// When validation fails the transaction is still stored with the failing
// verdict and returned alongside a *domain.ValidationFailedError. Voucher
// resolution errors return no transaction.
func (o *Orchestrator) Initiate(ctx context.Context, req Request) (*domain.Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("initiate: amount must be positive, got %s", req.Amount)
	}
	if !req.Method.Valid() {
		return nil, fmt.Errorf("initiate: unknown payment method %q", req.Method)
	}
	if req.Method == "" {
		req.Method = domain.MethodVoucher
	}
	cat, err := o.st.GetCategory(ctx, req.CategoryID)
	if err != nil {
		return nil, fmt.Errorf("initiate: category %s: %w", req.CategoryID, err)
	}
	plan, err := o.st.GetPlan(ctx, cat.PlanID)
	if err != nil {
		return nil, fmt.Errorf("initiate: plan %s: %w", cat.PlanID, err)
	}
	if plan.ParticipantID != req.ParticipantID {
		return nil, fmt.Errorf("initiate: %s on plan %s: %w", req.ParticipantID, plan.ID, ErrParticipantMismatch)
	}

	at := req.ServiceDate
	if at.IsZero() {
		at = o.now().UTC()
	}
	now := o.now().UTC()
	txn := &domain.Transaction{
		ID:            uuid.NewString(),
		PlanID:        plan.ID,
		CategoryID:    cat.ID,
		ParticipantID: req.ParticipantID,
		ProviderID:    req.ProviderID,
		Worker:        req.Worker,
		ServiceCode:   req.ServiceCode,
		Amount:        req.Amount,
		Method:        req.Method,
		Status:        domain.TxnPending,
		ServiceDate:   at,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	verdict := o.validator.Validate(ctx, inputFor(txn, plan, cat))
	txn.Validation = &verdict
	if !verdict.Valid {
		o.metrics.IncrementValidationFailures()
		if err := o.st.SaveTransaction(ctx, txn); err != nil {
			return nil, fmt.Errorf("save txn %s: %w", txn.ID, err)
		}
		o.log.Info("payment rejected by rules",
			zap.String("txn", txn.ID),
			zap.Strings("errors", verdict.Errors),
		)
		return txn, &domain.ValidationFailedError{Errors: verdict.Errors}
	}

	if req.Method.UsesLedger() {
		v, err := o.resolveVoucher(ctx, req, at)
		if err != nil {
			return nil, err
		}
		txn.VoucherID = v.ID
	}

	if err := o.st.SaveTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("save txn %s: %w", txn.ID, err)
	}
	o.log.Info("payment initiated",
		zap.String("txn", txn.ID),
		zap.String("method", string(txn.Method)),
		zap.String("voucher", txn.VoucherID),
		zap.String("amount", txn.Amount.String()),
	)
	return txn, nil
}

func (o *Orchestrator) resolveVoucher(ctx context.Context, req Request, at time.Time) (*domain.Voucher, error) {
	if req.VoucherID == "" {
		return o.vouchers.Select(ctx, req.CategoryID, req.Amount)
	}
	v, err := o.vouchers.Get(ctx, req.VoucherID)
	if err != nil {
		return nil, err
	}
	if v.CategoryID != req.CategoryID {
		return nil, &domain.VoucherIneligibleError{VoucherID: v.ID, Reason: "belongs to category " + v.CategoryID}
	}
	if !v.Status.Spendable() {
		return nil, &domain.VoucherIneligibleError{VoucherID: v.ID, Reason: "status " + string(v.Status)}
	}
	if v.Available().LessThan(req.Amount) {
		return nil, &domain.InsufficientBudgetError{Scope: "voucher", ID: v.ID, Requested: req.Amount, Available: v.Available()}
	}
	if err := o.vouchers.ValidateRules(ctx, v.ID, req.ServiceCode, req.ProviderID, at); err != nil {
		return nil, err
	}
	return v, nil
}

func inputFor(txn *domain.Transaction, plan *domain.Plan, cat *domain.Category) rules.Input {
	return rules.Input{
		Plan:        plan,
		Category:    cat,
		ProviderID:  txn.ProviderID,
		Worker:      txn.Worker,
		ServiceCode: txn.ServiceCode,
		Amount:      txn.Amount,
		At:          txn.ServiceDate,
	}
}

// ── execute ───────────────────────────────────────────────────────────────────

// Execute moves a PENDING transaction through its rail. Rules are checked
// again first because plan state may have changed since Initiate.
func (o *Orchestrator) Execute(ctx context.Context, txnID string) (*domain.Transaction, error) {
	start := time.Now()
	unlock, err := o.st.Lock(ctx, store.TransactionLock(txnID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	txn, err := o.st.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status != domain.TxnPending {
		return txn, &domain.TransactionStateError{ID: txnID, Expected: string(domain.TxnPending), Actual: string(txn.Status)}
	}

	plan, cat, err := o.snapshot(ctx, txn.CategoryID)
	if err != nil {
		return nil, err
	}
	verdict := o.validator.Validate(ctx, inputFor(txn, plan, cat))
	txn.Validation = &verdict
	if !verdict.Valid {
		o.metrics.IncrementValidationFailures()
		ferr := &domain.ValidationFailedError{Errors: verdict.Errors}
		if err := o.fail(ctx, txn, ferr); err != nil {
			return nil, err
		}
		o.metrics.ObservePayment(string(txn.Method), string(txn.Status), start)
		return txn, ferr
	}

	txn.Status = domain.TxnProcessing
	if err := o.save(ctx, txn); err != nil {
		return nil, err
	}

	if txn.Method.UsesLedger() {
		err = o.executeVoucher(ctx, txn)
	} else {
		err = o.executeGateway(ctx, txn)
	}
	o.metrics.ObservePayment(string(txn.Method), string(txn.Status), start)
	return txn, err
}

func (o *Orchestrator) executeVoucher(ctx context.Context, txn *domain.Transaction) error {
	v, err := o.vouchers.Get(ctx, txn.VoucherID)
	if err != nil {
		return o.failWith(ctx, txn, err)
	}
	to, err := o.addrs.Resolve(ctx, addressbook.Provider, txn.ProviderID)
	if err != nil {
		return o.failWith(ctx, txn, err)
	}

	// The ref is persisted as soon as the ledger accepts the transfer so that
	// Reconcile can always find it.
	record := func(ctx context.Context, txRef string) error {
		txn.LedgerRef = txRef
		return o.save(ctx, txn)
	}
	txRef, err := o.vouchers.SpendTracked(ctx, v.ID, v.Owner, to, txn.Amount, txn.ID, record)
	if txRef == "" {
		if err != nil {
			return o.failWith(ctx, txn, err)
		}
		return fmt.Errorf("txn %s: spend returned no ledger ref", txn.ID)
	}

	// Dispatched: from here on the transaction only fails on a definitive
	// ledger rejection.
	ctx = context.WithoutCancel(ctx)
	txn.LedgerRef = txRef
	switch {
	case errors.Is(err, voucher.ErrConfirmationPending):
		if serr := o.save(ctx, txn); serr != nil {
			o.log.Error("save pending txn", zap.String("txn", txn.ID), zap.Error(serr))
		}
		o.log.Warn("payment pending ledger confirmation",
			zap.String("txn", txn.ID),
			zap.String("tx_ref", txRef),
			zap.Error(err),
		)
		return fmt.Errorf("txn %s: %w", txn.ID, ErrPaymentPending)
	case errors.Is(err, ledger.ErrRejected):
		return o.failWith(ctx, txn, err)
	case err != nil:
		_ = o.save(ctx, txn)
		return fmt.Errorf("txn %s: %w", txn.ID, err)
	}

	if err := o.budget.CommitSpend(ctx, txn.CategoryID, txn.Amount, txn.ID); err != nil {
		// The voucher is already debited; Reconcile replays the commit.
		_ = o.save(ctx, txn)
		return fmt.Errorf("txn %s: %w", txn.ID, err)
	}
	return o.complete(ctx, txn)
}

// executeGateway charges an external rail. The category lock keeps the
// remaining balance stable between the check and the commit.
func (o *Orchestrator) executeGateway(ctx context.Context, txn *domain.Transaction) error {
	unlock, err := o.st.Lock(ctx, store.CategoryLock(txn.CategoryID))
	if err != nil {
		return o.failWith(ctx, txn, err)
	}
	defer unlock()

	cat, err := o.st.GetCategory(ctx, txn.CategoryID)
	if err != nil {
		return o.failWith(ctx, txn, err)
	}
	if cat.Remaining.LessThan(txn.Amount) {
		return o.failWith(ctx, txn, &domain.InsufficientBudgetError{
			Scope: "category", ID: cat.ID, Requested: txn.Amount, Available: cat.Remaining,
		})
	}

	ch, err := o.gw.Charge(ctx, txn.Method, gateway.ChargeRequest{
		Amount:        txn.Amount,
		Reference:     txn.ID,
		ParticipantID: txn.ParticipantID,
		ProviderID:    txn.ProviderID,
	})
	if err != nil {
		return o.failWith(ctx, txn, err)
	}
	ctx = context.WithoutCancel(ctx)
	txn.GatewayRef = ch.ID

	switch {
	case ch.Succeeded():
		if err := o.budget.CommitDirect(ctx, txn.CategoryID, txn.Amount, txn.ID); err != nil {
			_ = o.save(ctx, txn)
			return fmt.Errorf("txn %s: %w", txn.ID, err)
		}
		return o.complete(ctx, txn)
	case ch.Pending():
		if err := o.budget.Reserve(ctx, txn.CategoryID, txn.Amount); err != nil {
			_ = o.save(ctx, txn)
			return fmt.Errorf("txn %s hold: %w", txn.ID, err)
		}
		txn.Reserved = true
		if err := o.save(ctx, txn); err != nil {
			return err
		}
		o.log.Warn("payment pending gateway confirmation",
			zap.String("txn", txn.ID),
			zap.String("charge", ch.ID),
		)
		return fmt.Errorf("txn %s: %w", txn.ID, ErrPaymentPending)
	default:
		return o.failWith(ctx, txn, fmt.Errorf("charge %s %s: %s", ch.ID, ch.Status, ch.Reason))
	}
}

// ── reconcile ─────────────────────────────────────────────────────────────────

// Reconcile asks the rail for the definitive outcome of a PROCESSING
// transaction and finishes it. Every side effect is keyed by the transaction
// id, so repeated calls are safe. An outcome that is still unknown returns
// ErrPaymentPending.
func (o *Orchestrator) Reconcile(ctx context.Context, txnID string) (*domain.Transaction, error) {
	unlock, err := o.st.Lock(ctx, store.TransactionLock(txnID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	txn, err := o.st.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status != domain.TxnProcessing {
		return txn, &domain.TransactionStateError{ID: txnID, Expected: string(domain.TxnProcessing), Actual: string(txn.Status)}
	}

	if txn.Method.UsesLedger() {
		err = o.reconcileVoucher(ctx, txn)
	} else {
		err = o.reconcileGateway(ctx, txn)
	}
	switch {
	case errors.Is(err, ErrPaymentPending):
		o.metrics.IncrementReconcile("pending")
	case err != nil:
		o.metrics.IncrementReconcile("error")
	default:
		o.metrics.IncrementReconcile(strings.ToLower(string(txn.Status)))
	}
	return txn, err
}

func (o *Orchestrator) reconcileVoucher(ctx context.Context, txn *domain.Transaction) error {
	if txn.LedgerRef == "" {
		// Interrupted before the transfer was submitted.
		return o.failWith(ctx, txn, errors.New("no ledger transfer recorded"))
	}
	rcpt, err := o.led.ValidateTransaction(ctx, txn.LedgerRef)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", txn.ID, err)
	}
	if rcpt.Pending {
		return fmt.Errorf("txn %s: %w", txn.ID, ErrPaymentPending)
	}
	if !rcpt.Success {
		if err := o.vouchers.SettlePending(ctx, txn.VoucherID, txn.Amount, txn.ID, false); err != nil {
			return err
		}
		return o.failWith(ctx, txn, fmt.Errorf("%w %s: %s", ledger.ErrRejected, txn.LedgerRef, rcpt.Error))
	}
	if err := o.vouchers.SettlePending(ctx, txn.VoucherID, txn.Amount, txn.ID, true); err != nil {
		return err
	}
	if err := o.budget.CommitSpend(ctx, txn.CategoryID, txn.Amount, txn.ID); err != nil {
		return err
	}
	return o.complete(ctx, txn)
}

func (o *Orchestrator) reconcileGateway(ctx context.Context, txn *domain.Transaction) error {
	ch, err := o.gw.Status(ctx, txn.Method, txn.GatewayRef)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", txn.ID, err)
	}
	switch {
	case ch.Pending():
		return fmt.Errorf("txn %s: %w", txn.ID, ErrPaymentPending)
	case ch.Succeeded():
		commit := o.budget.CommitDirect
		if txn.Reserved {
			commit = o.budget.CommitSpend
		}
		if err := commit(ctx, txn.CategoryID, txn.Amount, txn.ID); err != nil {
			return err
		}
		return o.complete(ctx, txn)
	default:
		if txn.Reserved {
			if err := o.budget.ReleaseRef(ctx, txn.CategoryID, txn.Amount, "txn:"+txn.ID); err != nil {
				return err
			}
		}
		return o.failWith(ctx, txn, fmt.Errorf("charge %s %s: %s", ch.ID, ch.Status, ch.Reason))
	}
}

// RunReconciler periodically reconciles every PROCESSING transaction.
func (o *Orchestrator) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.log.Info("reconciler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			o.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			o.reconcileAll(ctx)
		}
	}
}

func (o *Orchestrator) reconcileAll(ctx context.Context) {
	ids, err := o.st.ProcessingTransactions(ctx)
	if err != nil {
		o.log.Error("reconciler: list processing", zap.Error(err))
		return
	}
	for _, id := range ids {
		txn, err := o.Reconcile(ctx, id)
		switch {
		case errors.Is(err, ErrPaymentPending), errors.Is(err, store.ErrLockTaken):
		case err != nil:
			o.log.Error("reconciler: reconcile", zap.String("txn", id), zap.Error(err))
		default:
			o.log.Info("reconciler: settled", zap.String("txn", id), zap.String("status", string(txn.Status)))
		}
	}
}

// ── queries ───────────────────────────────────────────────────────────────────

func (o *Orchestrator) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return o.st.GetTransaction(ctx, id)
}

// ListByProvider returns the provider's transactions, oldest first.
func (o *Orchestrator) ListByProvider(ctx context.Context, providerID string) ([]*domain.Transaction, error) {
	ids, err := o.st.ProviderTransactions(ctx, providerID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Transaction, 0, len(ids))
	for _, id := range ids {
		t, err := o.st.GetTransaction(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (o *Orchestrator) snapshot(ctx context.Context, categoryID string) (*domain.Plan, *domain.Category, error) {
	cat, err := o.st.GetCategory(ctx, categoryID)
	if err != nil {
		return nil, nil, err
	}
	plan, err := o.st.GetPlan(ctx, cat.PlanID)
	if err != nil {
		return nil, nil, err
	}
	return plan, cat, nil
}

func (o *Orchestrator) save(ctx context.Context, txn *domain.Transaction) error {
	txn.UpdatedAt = o.now().UTC()
	if err := o.st.SaveTransaction(ctx, txn); err != nil {
		return fmt.Errorf("save txn %s: %w", txn.ID, err)
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, txn *domain.Transaction) error {
	now := o.now().UTC()
	txn.Status = domain.TxnCompleted
	txn.CompletedAt = &now
	txn.Error = ""
	if err := o.save(ctx, txn); err != nil {
		return err
	}
	o.log.Info("payment completed",
		zap.String("txn", txn.ID),
		zap.String("ledger_ref", txn.LedgerRef),
		zap.String("gateway_ref", txn.GatewayRef),
	)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, txn *domain.Transaction, cause error) error {
	txn.Status = domain.TxnFailed
	txn.Error = cause.Error()
	if err := o.save(ctx, txn); err != nil {
		return err
	}
	o.log.Warn("payment failed", zap.String("txn", txn.ID), zap.Error(cause))
	return nil
}

// failWith records cause on the transaction and returns it wrapped.
func (o *Orchestrator) failWith(ctx context.Context, txn *domain.Transaction, cause error) error {
	if err := o.fail(ctx, txn, cause); err != nil {
		return errors.Join(cause, err)
	}
	return fmt.Errorf("txn %s: %w", txn.ID, cause)
}
