package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PlanStatus is the lifecycle state of a funding plan.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "DRAFT"
	PlanActive    PlanStatus = "ACTIVE"
	PlanSuspended PlanStatus = "SUSPENDED"
	PlanExpired   PlanStatus = "EXPIRED"
	PlanCancelled PlanStatus = "CANCELLED"
)

// Plan is a participant's fixed funding allocation for a period.
// Rows are created by the external plan sync and mutated only by the budget ledger.
type Plan struct {
	ID              string          `json:"id"`
	ParticipantID   string          `json:"participant_id"`
	PlanNumber      string          `json:"plan_number"`
	TotalBudget     decimal.Decimal `json:"total_budget"`
	RemainingBudget decimal.Decimal `json:"remaining_budget"`
	Status          PlanStatus      `json:"status"`
	StartDate       time.Time       `json:"start_date"`
	EndDate         time.Time       `json:"end_date"`
}

// Covers reports whether t falls inside the plan window (inclusive).
func (p *Plan) Covers(t time.Time) bool {
	return !t.Before(p.StartDate) && !t.After(p.EndDate)
}

// Category is a sub-allocation of a plan restricted to a class of services.
// Allocated == Spent + Remaining holds after every mutation.
type Category struct {
	ID              string          `json:"id"`
	PlanID          string          `json:"plan_id"`
	Code            string          `json:"code"`
	Allocated       decimal.Decimal `json:"allocated"`
	Spent           decimal.Decimal `json:"spent"`
	Remaining       decimal.Decimal `json:"remaining"`
	AllowedServices []string        `json:"allowed_services,omitempty"`
	BlockedServices []string        `json:"blocked_services,omitempty"`
}

// Balanced reports whether the conservation invariant holds.
func (c *Category) Balanced() bool {
	return c.Allocated.Equal(c.Spent.Add(c.Remaining))
}

// VoucherStatus is the lifecycle state of a token voucher.
type VoucherStatus string

const (
	VoucherMinted  VoucherStatus = "MINTED"
	VoucherActive  VoucherStatus = "ACTIVE"
	VoucherSpent   VoucherStatus = "SPENT"
	VoucherExpired VoucherStatus = "EXPIRED"
	VoucherRevoked VoucherStatus = "REVOKED"
)

// Spendable reports whether vouchers in this state may be debited.
func (s VoucherStatus) Spendable() bool {
	return s == VoucherMinted || s == VoucherActive
}

// Voucher is a unit of spendable value minted against a category and tracked
// on the ledger by (Contract, TokenID).
type Voucher struct {
	ID            string          `json:"id"`
	CategoryID    string          `json:"category_id"`
	PlanID        string          `json:"plan_id"`
	ParticipantID string          `json:"participant_id"`
	Amount        decimal.Decimal `json:"amount"`
	Balance       decimal.Decimal `json:"balance"`
	Pending       decimal.Decimal `json:"pending"`
	Status        VoucherStatus   `json:"status"`
	Contract      string          `json:"contract"`
	TokenID       string          `json:"token_id"`
	Owner         string          `json:"owner"`
	MintTxRef     string          `json:"mint_tx_ref"`
	ExpiresAt     time.Time       `json:"expires_at"`
	Seq           int64           `json:"seq"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Available is the balance not held by an unconfirmed ledger transfer.
func (v *Voucher) Available() decimal.Decimal {
	return v.Balance.Sub(v.Pending)
}

// TxnStatus is the payment transaction state machine.
type TxnStatus string

const (
	TxnPending    TxnStatus = "PENDING"
	TxnProcessing TxnStatus = "PROCESSING"
	TxnCompleted  TxnStatus = "COMPLETED"
	TxnFailed     TxnStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s TxnStatus) Terminal() bool {
	return s == TxnCompleted || s == TxnFailed
}

// PaymentMethod selects the rail a transaction settles on.
type PaymentMethod string

const (
	MethodVoucher PaymentMethod = "voucher"
	MethodCard    PaymentMethod = "card"
	MethodPayPal  PaymentMethod = "paypal"
	MethodCrypto  PaymentMethod = "crypto"
)

// UsesLedger reports whether the method settles through a voucher on the ledger.
func (m PaymentMethod) UsesLedger() bool { return m == MethodVoucher || m == "" }

// Valid reports whether m is a known rail.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodVoucher, MethodCard, MethodPayPal, MethodCrypto, "":
		return true
	}
	return false
}

// WorkerRef is an optional support-worker reference. The zero value means no
// worker was involved in the service.
type WorkerRef struct {
	id string
}

// Worker returns a reference to the given worker; an empty id yields NoWorker.
func Worker(id string) WorkerRef { return WorkerRef{id: id} }

// NoWorker is the absent worker reference.
var NoWorker = WorkerRef{}

// Get returns the worker id and whether one is present.
func (w WorkerRef) Get() (string, bool) { return w.id, w.id != "" }

func (w WorkerRef) MarshalJSON() ([]byte, error) {
	if w.id == "" {
		return []byte("null"), nil
	}
	return json.Marshal(w.id)
}

func (w *WorkerRef) UnmarshalJSON(b []byte) error {
	var id *string
	if err := json.Unmarshal(b, &id); err != nil {
		return err
	}
	w.id = ""
	if id != nil {
		w.id = *id
	}
	return nil
}

// CheckResult is one rule check outcome.
type CheckResult struct {
	Name  string `json:"name"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Verdict is the aggregated rule-validation result attached to a transaction.
type Verdict struct {
	Valid    bool          `json:"valid"`
	Errors   []string      `json:"errors,omitempty"`
	Checks   []CheckResult `json:"checks"`
	Degraded []string      `json:"degraded,omitempty"`
}

// Transaction is one payment moving through PENDING → PROCESSING → COMPLETED|FAILED.
type Transaction struct {
	ID            string          `json:"id"`
	PlanID        string          `json:"plan_id"`
	CategoryID    string          `json:"category_id"`
	ParticipantID string          `json:"participant_id"`
	ProviderID    string          `json:"provider_id"`
	Worker        WorkerRef       `json:"worker_id"`
	VoucherID     string          `json:"voucher_id,omitempty"`
	ServiceCode   string          `json:"service_code"`
	Amount        decimal.Decimal `json:"amount"`
	Method        PaymentMethod   `json:"method"`
	Status        TxnStatus       `json:"status"`
	ServiceDate   time.Time       `json:"service_date"`
	Validation    *Verdict        `json:"validation,omitempty"`
	LedgerRef     string          `json:"ledger_ref,omitempty"`
	GatewayRef    string          `json:"gateway_ref,omitempty"`
	// Reserved is set when category funds were held for an unconfirmed gateway charge.
	Reserved    bool       `json:"reserved,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RedemptionStatus is the payout state of a redemption request.
type RedemptionStatus string

const (
	RedemptionPending    RedemptionStatus = "PENDING"
	RedemptionProcessing RedemptionStatus = "PROCESSING"
	RedemptionCompleted  RedemptionStatus = "COMPLETED"
	RedemptionFailed     RedemptionStatus = "FAILED"
)

// BankDetails is the payout destination. Either PayID or BSB+AccountNumber is set.
type BankDetails struct {
	AccountName   string `json:"account_name"`
	BSB           string `json:"bsb,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	PayID         string `json:"pay_id,omitempty"`
}

// Redemption converts a provider's completed transactions into one bank payout.
type Redemption struct {
	ID             string           `json:"id"`
	ProviderID     string           `json:"provider_id"`
	TransactionIDs []string         `json:"transaction_ids"`
	TotalAmount    decimal.Decimal  `json:"total_amount"`
	Status         RedemptionStatus `json:"status"`
	Bank           BankDetails      `json:"bank"`
	PayoutRef      string           `json:"payout_ref,omitempty"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// PlanSnapshot is the shape delivered by the external plan sync.
type PlanSnapshot struct {
	PlanID        string             `json:"plan_id"`
	ParticipantID string             `json:"participant_id"`
	PlanNumber    string             `json:"plan_number"`
	Status        PlanStatus         `json:"status"`
	StartDate     time.Time          `json:"start_date"`
	EndDate       time.Time          `json:"end_date"`
	TotalBudget   decimal.Decimal    `json:"total_budget"`
	Categories    []CategorySnapshot `json:"categories"`
}

// CategorySnapshot is one category row of a PlanSnapshot.
type CategorySnapshot struct {
	ID              string          `json:"id"`
	Code            string          `json:"code"`
	Allocated       decimal.Decimal `json:"allocated"`
	Spent           decimal.Decimal `json:"spent"`
	Remaining       decimal.Decimal `json:"remaining"`
	AllowedServices []string        `json:"allowed_services,omitempty"`
	BlockedServices []string        `json:"blocked_services,omitempty"`
}
