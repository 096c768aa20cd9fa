package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVoucherNotFound = errors.New("voucher not found")
)

// ValidationFailedError carries every rule violation found for a payment.
// No state was mutated when it is returned.
type ValidationFailedError struct {
	Errors []string
}

func (e *ValidationFailedError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

// InsufficientBudgetError is returned when a decrement would take a balance below zero.
type InsufficientBudgetError struct {
	Scope     string // "category", "plan" or "voucher"
	ID        string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient %s budget on %s: requested %s, available %s",
		e.Scope, e.ID, e.Requested.String(), e.Available.String())
}

// VoucherIneligibleError is returned when a voucher cannot pay for a service.
type VoucherIneligibleError struct {
	VoucherID string
	Reason    string
}

func (e *VoucherIneligibleError) Error() string {
	return fmt.Sprintf("voucher %s ineligible: %s", e.VoucherID, e.Reason)
}

// TransactionStateError signals an attempted transition from the wrong state.
type TransactionStateError struct {
	ID       string
	Expected string
	Actual   string
}

func (e *TransactionStateError) Error() string {
	return fmt.Sprintf("%s: expected state %s, got %s", e.ID, e.Expected, e.Actual)
}

// DuplicateRedemptionClaimError lists transactions already claimed by another redemption.
type DuplicateRedemptionClaimError struct {
	TransactionIDs []string
}

func (e *DuplicateRedemptionClaimError) Error() string {
	return "transactions already claimed for redemption: " + strings.Join(e.TransactionIDs, ", ")
}
