// Package memory is the in-process reference ledger backend.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/ledger"
)

var (
	ErrUnknownContract = errors.New("unknown contract")
	ErrUnknownToken    = errors.New("unknown token")
	ErrUnknownTx       = errors.New("unknown transaction")
)

type contract struct {
	spec     ledger.ContractSpec
	balances map[string]decimal.Decimal
	tokens   map[string]ledger.TokenRules
	nextID   uint64
}

// Ledger keeps contracts, balances and receipts in memory. Every operation
// settles synchronously, so receipts are final as soon as they are returned.
type Ledger struct {
	mu        sync.Mutex
	online    bool
	contracts map[string]*contract
	receipts  map[string]ledger.Receipt
	height    uint64
}

var _ ledger.Adapter = (*Ledger)(nil)

func New() *Ledger {
	return &Ledger{
		online:    true,
		contracts: make(map[string]*contract),
		receipts:  make(map[string]ledger.Receipt),
	}
}

// SetOnline toggles simulated connectivity. While offline every call fails
// with a ledger.UnavailableError.
func (l *Ledger) SetOnline(online bool) {
	l.mu.Lock()
	l.online = online
	l.mu.Unlock()
}

func (l *Ledger) check(op string) error {
	if !l.online {
		return ledger.Unavailable(op, errors.New("memory ledger offline"))
	}
	return nil
}

func (l *Ledger) record(success bool, msg string) string {
	l.height++
	ref := "0x" + uuid.NewString()
	l.receipts[ref] = ledger.Receipt{
		Success:  success,
		BlockRef: strconv.FormatUint(l.height, 10),
		Error:    msg,
	}
	return ref
}

func (l *Ledger) DeployContract(_ context.Context, spec ledger.ContractSpec) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("deployContract"); err != nil {
		return "", err
	}
	addr := "mem:" + uuid.NewString()
	l.contracts[addr] = &contract{
		spec:     spec,
		balances: make(map[string]decimal.Decimal),
		tokens:   make(map[string]ledger.TokenRules),
	}
	l.record(true, "")
	return addr, nil
}

func (l *Ledger) MintToken(_ context.Context, addr, recipient string, amount decimal.Decimal, rules ledger.TokenRules) (ledger.MintReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("mintToken"); err != nil {
		return ledger.MintReceipt{}, err
	}
	c, ok := l.contracts[addr]
	if !ok {
		return ledger.MintReceipt{}, fmt.Errorf("mint on %s: %w", addr, ErrUnknownContract)
	}
	if !amount.IsPositive() {
		return ledger.MintReceipt{}, fmt.Errorf("mint amount must be positive, got %s", amount)
	}
	c.nextID++
	tokenID := strconv.FormatUint(c.nextID, 10)
	c.tokens[tokenID] = rules
	c.balances[recipient] = c.balances[recipient].Add(amount)
	return ledger.MintReceipt{TxRef: l.record(true, ""), TokenID: tokenID}, nil
}

func (l *Ledger) TransferToken(_ context.Context, addr, from, to string, amount decimal.Decimal) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("transferToken"); err != nil {
		return "", err
	}
	c, ok := l.contracts[addr]
	if !ok {
		return "", fmt.Errorf("transfer on %s: %w", addr, ErrUnknownContract)
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("transfer amount must be positive, got %s", amount)
	}
	if c.balances[from].LessThan(amount) {
		return "", fmt.Errorf("transfer %s from %s: insufficient token balance %s", amount, from, c.balances[from])
	}
	c.balances[from] = c.balances[from].Sub(amount)
	c.balances[to] = c.balances[to].Add(amount)
	return l.record(true, ""), nil
}

func (l *Ledger) GetBalance(_ context.Context, addr, address string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("getBalance"); err != nil {
		return decimal.Zero, err
	}
	c, ok := l.contracts[addr]
	if !ok {
		return decimal.Zero, fmt.Errorf("balance on %s: %w", addr, ErrUnknownContract)
	}
	return c.balances[address], nil
}

func (l *Ledger) GetTokenRules(_ context.Context, addr, tokenID string) (ledger.TokenRules, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("getTokenRules"); err != nil {
		return ledger.TokenRules{}, err
	}
	c, ok := l.contracts[addr]
	if !ok {
		return ledger.TokenRules{}, fmt.Errorf("rules on %s: %w", addr, ErrUnknownContract)
	}
	r, ok := c.tokens[tokenID]
	if !ok {
		return ledger.TokenRules{}, fmt.Errorf("rules for token %s: %w", tokenID, ErrUnknownToken)
	}
	return r, nil
}

func (l *Ledger) ValidateTransaction(_ context.Context, txRef string) (ledger.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check("validateTransaction"); err != nil {
		return ledger.Receipt{}, err
	}
	r, ok := l.receipts[txRef]
	if !ok {
		return ledger.Receipt{}, fmt.Errorf("receipt %s: %w", txRef, ErrUnknownTx)
	}
	return r, nil
}

func (l *Ledger) IsConnected(context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}
