// Package ledger defines the contract every value-transfer backend implements.
//
// Domain code depends only on Adapter; the memory, evm and fabric
// sub-packages provide interchangeable backends. Adapters never retry:
// connection failures surface as *UnavailableError and the caller decides.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Adapter is the capability set shared by all ledger backends.
type Adapter interface {
	DeployContract(ctx context.Context, spec ContractSpec) (string, error)
	MintToken(ctx context.Context, contract, recipient string, amount decimal.Decimal, rules TokenRules) (MintReceipt, error)
	TransferToken(ctx context.Context, contract, from, to string, amount decimal.Decimal) (string, error)
	GetBalance(ctx context.Context, contract, address string) (decimal.Decimal, error)
	GetTokenRules(ctx context.Context, contract, tokenID string) (TokenRules, error)
	ValidateTransaction(ctx context.Context, txRef string) (Receipt, error)
	IsConnected(ctx context.Context) bool
}

// ContractSpec describes a voucher-token contract to deploy.
type ContractSpec struct {
	Name   string
	Symbol string
	// Issuer is the ledger address allowed to mint.
	Issuer string
}

// TokenRules are the spend restrictions stored alongside a minted token.
type TokenRules struct {
	EligibleServices  []string        `json:"eligible_services,omitempty"`
	EligibleProviders []string        `json:"eligible_providers,omitempty"`
	ValidFrom         time.Time       `json:"valid_from"`
	ValidUntil        time.Time       `json:"valid_until"`
	Cap               decimal.Decimal `json:"cap"`
}

// MintReceipt identifies a freshly minted token.
type MintReceipt struct {
	TxRef   string
	TokenID string
}

// Receipt is the ledger's view of a submitted transaction.
// Exactly one of Success, Pending, or a non-empty Error describes the outcome.
type Receipt struct {
	Success  bool
	Pending  bool
	BlockRef string
	Error    string
}

// ErrUnavailable matches every *UnavailableError via errors.Is.
var ErrUnavailable = errors.New("ledger unavailable")

// UnavailableError reports that the backend could not be reached. The
// operation may or may not have been applied remotely.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("ledger unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Unavailable wraps err as an *UnavailableError for op.
func Unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

// ErrConfirmationTimeout is returned by AwaitConfirmation when the ledger has
// not reached a definitive outcome within the allowed window.
var ErrConfirmationTimeout = errors.New("ledger confirmation timed out")

// ErrRejected wraps a definitive ledger failure for a submitted transaction.
var ErrRejected = errors.New("ledger rejected transaction")

// AwaitConfirmation polls ValidateTransaction until the ledger reports a final
// outcome or timeout elapses. Unavailable errors while polling are treated as
// "not yet known" because the transfer has already been dispatched.
func AwaitConfirmation(ctx context.Context, a Adapter, txRef string, timeout, interval time.Duration) (Receipt, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rcpt, err := a.ValidateTransaction(ctx, txRef)
		switch {
		case err != nil && !errors.Is(err, ErrUnavailable):
			return Receipt{}, fmt.Errorf("validate %s: %w", txRef, err)
		case err == nil && rcpt.Success:
			return rcpt, nil
		case err == nil && !rcpt.Pending:
			return rcpt, fmt.Errorf("%w %s: %s", ErrRejected, txRef, rcpt.Error)
		}

		select {
		case <-ctx.Done():
			return Receipt{Pending: true}, ErrConfirmationTimeout
		case <-deadline.C:
			return Receipt{Pending: true}, ErrConfirmationTimeout
		case <-ticker.C:
		}
	}
}
