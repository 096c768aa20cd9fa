// Package voucher mints, selects and spends budget-backed ledger tokens.
package voucher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/addressbook"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/ledger"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/metrics"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/store"
)

// ErrConfirmationPending is returned by Spend when the transfer was submitted
// but its local outcome is unresolved: not confirmed in time, or confirmed
// without the debit being recorded. The amount stays held on the voucher until
// SettlePending resolves it.
var ErrConfirmationPending = errors.New("voucher debit awaiting ledger confirmation")

// ErrPlanNotActive is returned when minting against a plan that is not ACTIVE.
var ErrPlanNotActive = errors.New("plan is not active")

const scopeDebit = "voucher"

// Budget is the part of the budget ledger the manager drives.
type Budget interface {
	Reserve(ctx context.Context, categoryID string, amount decimal.Decimal) error
	ReleaseRef(ctx context.Context, categoryID string, amount decimal.Decimal, ref string) error
}

// Addresses resolves parties to ledger addresses.
type Addresses interface {
	Resolve(ctx context.Context, kind addressbook.Kind, id string) (string, error)
}

type Config struct {
	// Contract is the deployed voucher-token contract address.
	Contract       string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

type Manager struct {
	st      *store.Store
	led     ledger.Adapter
	budget  Budget
	addrs   Addresses
	cfg     Config
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

func NewManager(st *store.Store, led ledger.Adapter, budget Budget, addrs Addresses, cfg Config, m *metrics.Metrics, log *zap.Logger) *Manager {
	return &Manager{
		st:      st,
		led:     led,
		budget:  budget,
		addrs:   addrs,
		cfg:     cfg,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// WithClock replaces the time source used for expiry decisions.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Tokenize reserves amount from the category and mints a voucher for the
// participant. If the mint fails the reservation is released.
func (m *Manager) Tokenize(ctx context.Context, categoryID, participantID string, amount decimal.Decimal) (*domain.Voucher, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("tokenize: amount must be positive, got %s", amount)
	}
	unlock, err := m.st.Lock(ctx, store.CategoryLock(categoryID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	cat, err := m.st.GetCategory(ctx, categoryID)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	plan, err := m.st.GetPlan(ctx, cat.PlanID)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	if plan.Status != domain.PlanActive {
		return nil, fmt.Errorf("tokenize on plan %s (%s): %w", plan.ID, plan.Status, ErrPlanNotActive)
	}
	if cat.Remaining.LessThan(amount) {
		return nil, &domain.InsufficientBudgetError{Scope: "category", ID: cat.ID, Requested: amount, Available: cat.Remaining}
	}
	owner, err := m.addrs.Resolve(ctx, addressbook.Participant, participantID)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}

	if err := m.budget.Reserve(ctx, categoryID, amount); err != nil {
		return nil, err
	}

	rules := ledger.TokenRules{
		EligibleServices: cat.AllowedServices,
		ValidFrom:        plan.StartDate,
		ValidUntil:       plan.EndDate,
		Cap:              amount,
	}
	rcpt, err := m.led.MintToken(ctx, m.cfg.Contract, owner, amount, rules)
	if err != nil {
		m.countUnavailable("mintToken", err)
		if rerr := m.budget.ReleaseRef(ctx, categoryID, amount, ""); rerr != nil {
			m.log.Error("release after failed mint",
				zap.String("category", categoryID),
				zap.String("amount", amount.String()),
				zap.Error(rerr),
			)
		}
		return nil, fmt.Errorf("mint voucher: %w", err)
	}

	seq, err := m.st.NextVoucherSeq(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	v := &domain.Voucher{
		ID:            uuid.NewString(),
		CategoryID:    categoryID,
		PlanID:        plan.ID,
		ParticipantID: participantID,
		Amount:        amount,
		Balance:       amount,
		Pending:       decimal.Zero,
		Status:        domain.VoucherMinted,
		Contract:      m.cfg.Contract,
		TokenID:       rcpt.TokenID,
		Owner:         owner,
		MintTxRef:     rcpt.TxRef,
		ExpiresAt:     plan.EndDate,
		Seq:           seq,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = m.st.Atomic(ctx, nil, func(tx *store.Tx) error {
		tx.IndexVoucher(v)
		return tx.PutVoucher(v)
	})
	if err != nil {
		m.log.Error("persist minted voucher",
			zap.String("token_id", rcpt.TokenID),
			zap.String("tx_ref", rcpt.TxRef),
			zap.Error(err),
		)
		return nil, fmt.Errorf("persist voucher: %w", err)
	}

	m.metrics.IncrementVouchersMinted()
	m.log.Info("voucher minted",
		zap.String("voucher", v.ID),
		zap.String("category", categoryID),
		zap.String("amount", amount.String()),
		zap.String("token_id", v.TokenID),
	)
	return v, nil
}

// Select returns the spendable voucher of the category that expires soonest
// and can cover amount. Ties on expiry go to the earliest minted.
func (m *Manager) Select(ctx context.Context, categoryID string, amount decimal.Decimal) (*domain.Voucher, error) {
	vs, err := m.st.CategoryVouchers(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	for _, v := range vs {
		if !v.Status.Spendable() || now.After(v.ExpiresAt) {
			continue
		}
		if v.Available().GreaterThanOrEqual(amount) {
			return v, nil
		}
	}
	return nil, fmt.Errorf("no voucher in %s covering %s: %w", categoryID, amount, domain.ErrVoucherNotFound)
}

// ValidateRules checks the ledger-held token rules against a proposed spend.
func (m *Manager) ValidateRules(ctx context.Context, voucherID, serviceCode, providerID string, at time.Time) error {
	v, err := m.st.GetVoucher(ctx, voucherID)
	if err != nil {
		return err
	}
	rules, err := m.led.GetTokenRules(ctx, v.Contract, v.TokenID)
	if err != nil {
		m.countUnavailable("getTokenRules", err)
		return fmt.Errorf("token rules of %s: %w", voucherID, err)
	}
	if len(rules.EligibleServices) > 0 && !slices.Contains(rules.EligibleServices, serviceCode) {
		return &domain.VoucherIneligibleError{VoucherID: voucherID, Reason: fmt.Sprintf("service %s not eligible", serviceCode)}
	}
	if len(rules.EligibleProviders) > 0 && !slices.Contains(rules.EligibleProviders, providerID) {
		return &domain.VoucherIneligibleError{VoucherID: voucherID, Reason: fmt.Sprintf("provider %s not eligible", providerID)}
	}
	if at.Before(rules.ValidFrom) || at.After(rules.ValidUntil) {
		return &domain.VoucherIneligibleError{VoucherID: voucherID, Reason: "outside validity window"}
	}
	return nil
}

// Spend transfers amount from the voucher owner to a provider and debits the
// voucher once the ledger confirms. The amount is held before the transfer is
// dispatched; every outcome after dispatch that is not a confirmed success or
// a definitive rejection keeps the hold and returns ErrConfirmationPending so
// the caller can reconcile by ledger ref.
func (m *Manager) Spend(ctx context.Context, voucherID, from, to string, amount decimal.Decimal, ref string) (string, error) {
	return m.SpendTracked(ctx, voucherID, from, to, amount, ref, nil)
}

// SpendTracked is Spend with a callback run as soon as the ledger accepts the
// transfer, before confirmation is awaited. A callback error does not stop
// the spend.
func (m *Manager) SpendTracked(ctx context.Context, voucherID, from, to string, amount decimal.Decimal, ref string, submitted func(ctx context.Context, txRef string) error) (string, error) {
	unlock, err := m.st.Lock(ctx, store.VoucherLock(voucherID))
	if err != nil {
		return "", err
	}
	defer unlock()

	v, err := m.st.GetVoucher(ctx, voucherID)
	if err != nil {
		return "", err
	}
	if err := m.spendable(v); err != nil {
		return "", err
	}
	if err := m.hold(ctx, voucherID, amount); err != nil {
		return "", err
	}

	txRef, err := m.led.TransferToken(ctx, v.Contract, from, to, amount)
	if err != nil {
		m.countUnavailable("transferToken", err)
		if rerr := m.debit(context.WithoutCancel(ctx), voucherID, amount, "", true, false); rerr != nil {
			m.log.Error("drop voucher hold after failed transfer", zap.String("voucher", voucherID), zap.Error(rerr))
		}
		return "", fmt.Errorf("transfer from voucher %s: %w", voucherID, err)
	}

	// Dispatched: local bookkeeping must finish even if the caller goes away.
	bg := context.WithoutCancel(ctx)
	if submitted != nil {
		if err := submitted(bg, txRef); err != nil {
			m.log.Error("record submitted transfer",
				zap.String("voucher", voucherID),
				zap.String("tx_ref", txRef),
				zap.Error(err),
			)
		}
	}

	_, err = ledger.AwaitConfirmation(ctx, m.led, txRef, m.cfg.ConfirmTimeout, m.cfg.PollInterval)
	switch {
	case err == nil:
		if err := m.debit(bg, voucherID, amount, ref, true, true); err != nil {
			return txRef, m.pending(voucherID, txRef, amount, err)
		}
		return txRef, nil
	case errors.Is(err, ledger.ErrRejected):
		if derr := m.debit(bg, voucherID, amount, ref, true, false); derr != nil {
			return txRef, m.pending(voucherID, txRef, amount, derr)
		}
		return txRef, fmt.Errorf("confirm transfer %s: %w", txRef, err)
	default:
		return txRef, m.pending(voucherID, txRef, amount, err)
	}
}

// pending reports a dispatched transfer whose local outcome is unresolved.
func (m *Manager) pending(voucherID, txRef string, amount decimal.Decimal, cause error) error {
	m.metrics.IncrementVoucherHolds()
	m.log.Warn("voucher debit pending confirmation",
		zap.String("voucher", voucherID),
		zap.String("tx_ref", txRef),
		zap.String("amount", amount.String()),
		zap.Error(cause),
	)
	if errors.Is(cause, ledger.ErrConfirmationTimeout) {
		return ErrConfirmationPending
	}
	return errors.Join(ErrConfirmationPending, cause)
}

// SettlePending resolves a hold left by an unconfirmed Spend. A confirmed
// transfer debits the balance; otherwise the hold is dropped. Replays of the
// same ref are no-ops.
func (m *Manager) SettlePending(ctx context.Context, voucherID string, amount decimal.Decimal, ref string, confirmed bool) error {
	unlock, err := m.st.Lock(ctx, store.VoucherLock(voucherID))
	if err != nil {
		return err
	}
	defer unlock()
	return m.debit(ctx, voucherID, amount, ref, true, confirmed)
}

func (m *Manager) hold(ctx context.Context, voucherID string, amount decimal.Decimal) error {
	return m.st.Atomic(ctx, []string{store.VoucherKey(voucherID)}, func(tx *store.Tx) error {
		v, err := tx.Voucher(voucherID)
		if err != nil {
			return err
		}
		if v.Available().LessThan(amount) {
			return &domain.InsufficientBudgetError{Scope: "voucher", ID: v.ID, Requested: amount, Available: v.Available()}
		}
		v.Pending = v.Pending.Add(amount)
		v.UpdatedAt = m.now().UTC()
		return tx.PutVoucher(v)
	})
}

// debit resolves a spend exactly once per ref. With fromHold the amount is
// taken off Pending first; apply=false drops the hold without debiting.
func (m *Manager) debit(ctx context.Context, voucherID string, amount decimal.Decimal, ref string, fromHold, apply bool) error {
	keys := []string{store.VoucherKey(voucherID)}
	if ref != "" {
		keys = append(keys, store.AppliedKey(scopeDebit, ref))
	}
	err := m.st.Atomic(ctx, keys, func(tx *store.Tx) error {
		if done, err := tx.Applied(scopeDebit, ref); err != nil || done {
			return err
		}
		v, err := tx.Voucher(voucherID)
		if err != nil {
			return err
		}
		if fromHold {
			if v.Pending.LessThan(amount) {
				return fmt.Errorf("voucher %s holds %s, cannot settle %s", voucherID, v.Pending, amount)
			}
			v.Pending = v.Pending.Sub(amount)
		}
		if apply {
			if v.Balance.LessThan(amount) {
				return &domain.InsufficientBudgetError{Scope: "voucher", ID: v.ID, Requested: amount, Available: v.Balance}
			}
			v.Balance = v.Balance.Sub(amount)
			if v.Balance.IsZero() {
				v.Status = domain.VoucherSpent
			} else if v.Status == domain.VoucherMinted {
				v.Status = domain.VoucherActive
			}
		}
		v.UpdatedAt = m.now().UTC()
		tx.MarkApplied(scopeDebit, ref)
		return tx.PutVoucher(v)
	})
	if err != nil {
		return fmt.Errorf("debit voucher %s: %w", voucherID, err)
	}
	return nil
}

func (m *Manager) spendable(v *domain.Voucher) error {
	if !v.Status.Spendable() {
		return &domain.VoucherIneligibleError{VoucherID: v.ID, Reason: "status " + string(v.Status)}
	}
	if m.now().After(v.ExpiresAt) {
		return &domain.VoucherIneligibleError{VoucherID: v.ID, Reason: "expired"}
	}
	return nil
}

// Revoke withdraws an unexpired voucher and returns its unspent balance to
// the category.
func (m *Manager) Revoke(ctx context.Context, voucherID string) (*domain.Voucher, error) {
	return m.retire(ctx, voucherID, domain.VoucherRevoked)
}

// ExpireDue retires every spendable voucher of the category whose expiry is
// before now and returns how many were expired. Vouchers with a pending hold
// are skipped until reconciliation settles them.
func (m *Manager) ExpireDue(ctx context.Context, categoryID string, now time.Time) (int, error) {
	vs, err := m.st.CategoryVouchers(ctx, categoryID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, v := range vs {
		if !v.ExpiresAt.Before(now) {
			// Index is expiry-ordered.
			break
		}
		if !v.Status.Spendable() || v.Pending.IsPositive() {
			continue
		}
		if _, err := m.retire(ctx, v.ID, domain.VoucherExpired); err != nil {
			var ie *domain.VoucherIneligibleError
			if errors.As(err, &ie) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *Manager) retire(ctx context.Context, voucherID string, status domain.VoucherStatus) (*domain.Voucher, error) {
	unlock, err := m.st.Lock(ctx, store.VoucherLock(voucherID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	v, err := m.st.GetVoucher(ctx, voucherID)
	if err != nil {
		return nil, err
	}
	if !v.Status.Spendable() {
		return nil, &domain.VoucherIneligibleError{VoucherID: v.ID, Reason: "already " + string(v.Status)}
	}
	if v.Pending.IsPositive() {
		return nil, &domain.VoucherIneligibleError{VoucherID: v.ID, Reason: "transfer pending confirmation"}
	}

	if v.Balance.IsPositive() {
		if err := m.budget.ReleaseRef(ctx, v.CategoryID, v.Balance, "retire:"+v.ID); err != nil {
			return nil, err
		}
	}
	err = m.st.Atomic(ctx, []string{store.VoucherKey(voucherID)}, func(tx *store.Tx) error {
		cur, err := tx.Voucher(voucherID)
		if err != nil {
			return err
		}
		cur.Status = status
		cur.UpdatedAt = m.now().UTC()
		v = cur
		return tx.PutVoucher(cur)
	})
	if err != nil {
		return nil, fmt.Errorf("retire voucher %s: %w", voucherID, err)
	}
	m.log.Info("voucher retired",
		zap.String("voucher", voucherID),
		zap.String("status", string(status)),
		zap.String("released", v.Balance.String()),
	)
	return v, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*domain.Voucher, error) {
	return m.st.GetVoucher(ctx, id)
}

func (m *Manager) ListByCategory(ctx context.Context, categoryID string) ([]*domain.Voucher, error) {
	return m.st.CategoryVouchers(ctx, categoryID)
}

func (m *Manager) countUnavailable(op string, err error) {
	if errors.Is(err, ledger.ErrUnavailable) {
		m.metrics.IncrementLedgerUnavailable(op)
	}
}
