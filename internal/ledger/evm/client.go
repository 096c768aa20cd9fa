// Package evm is the ledger backend for EVM-compatible chains.
package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/config"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/ledger"
)

// tokenDecimals is the fixed-point scale of the on-chain voucher token (cents).
const tokenDecimals = 2

// VoucherTokenABI is the interface of the voucher-token contract.
const VoucherTokenABI = `[
{"type":"constructor","inputs":[{"name":"name","type":"string"},{"name":"symbol","type":"string"},{"name":"issuer","type":"address"}],"stateMutability":"nonpayable"},
{"type":"function","name":"mint","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"services","type":"string[]"},{"name":"providers","type":"string[]"},{"name":"validFrom","type":"uint64"},{"name":"validUntil","type":"uint64"}],"outputs":[{"name":"tokenId","type":"uint256"}],"stateMutability":"nonpayable"},
{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"},
{"type":"function","name":"balanceOf","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
{"type":"function","name":"rulesOf","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"services","type":"string[]"},{"name":"providers","type":"string[]"},{"name":"validFrom","type":"uint64"},{"name":"validUntil","type":"uint64"},{"name":"cap","type":"uint256"}],"stateMutability":"view"},
{"type":"event","name":"TokenMinted","inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false}
]`

// Client implements ledger.Adapter over go-ethereum JSON-RPC. Mints and
// deployments wait to be mined; transfers return once submitted and are
// confirmed through ValidateTransaction.
type Client struct {
	eth         *ethclient.Client
	abi         abi.ABI
	chainID     *big.Int
	issuerKey   *ecdsa.PrivateKey
	bytecode    []byte
	mintTimeout time.Duration
}

var _ ledger.Adapter = (*Client)(nil)

func NewClient(cfg *config.Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.EVM.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.EVM.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse issuer private key: %w", err)
	}

	var bytecode []byte
	if cfg.EVM.TokenBytecode != "" {
		bytecode, err = hex.DecodeString(strings.TrimPrefix(cfg.EVM.TokenBytecode, "0x"))
		if err != nil {
			return nil, fmt.Errorf("decode token bytecode: %w", err)
		}
	}

	return newClient(eth, privKey, big.NewInt(cfg.EVM.ChainID), bytecode,
		time.Duration(cfg.EVM.MintTimeoutSec)*time.Second)
}

func newClient(eth *ethclient.Client, key *ecdsa.PrivateKey, chainID *big.Int, bytecode []byte, mintTimeout time.Duration) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(VoucherTokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse voucher token abi: %w", err)
	}
	if mintTimeout <= 0 {
		mintTimeout = time.Minute
	}
	return &Client{
		eth:         eth,
		abi:         parsed,
		chainID:     chainID,
		issuerKey:   key,
		bytecode:    bytecode,
		mintTimeout: mintTimeout,
	}, nil
}

// IssuerAddress returns the address that signs mints and transfers.
func (c *Client) IssuerAddress() common.Address {
	return crypto.PubkeyToAddress(c.issuerKey.PublicKey)
}

// transactOpts builds a *bind.TransactOpts signed by the issuer key.
func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.issuerKey, c.chainID)
	if err != nil {
		return nil, err
	}
	auth.Context = ctx
	return auth, nil
}

func (c *Client) bound(contract string) (*bind.BoundContract, common.Address, error) {
	if !common.IsHexAddress(contract) {
		return nil, common.Address{}, fmt.Errorf("invalid contract address %q", contract)
	}
	addr := common.HexToAddress(contract)
	return bind.NewBoundContract(addr, c.abi, c.eth, c.eth, c.eth), addr, nil
}

func (c *Client) DeployContract(ctx context.Context, spec ledger.ContractSpec) (string, error) {
	if len(c.bytecode) == 0 {
		return "", errors.New("deploy: token bytecode not configured")
	}
	issuer := c.IssuerAddress()
	if spec.Issuer != "" {
		if !common.IsHexAddress(spec.Issuer) {
			return "", fmt.Errorf("deploy: invalid issuer %q", spec.Issuer)
		}
		issuer = common.HexToAddress(spec.Issuer)
	}
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return "", fmt.Errorf("build tx opts: %w", err)
	}
	addr, tx, _, err := bind.DeployContract(opts, c.abi, c.bytecode, c.eth, spec.Name, spec.Symbol, issuer)
	if err != nil {
		return "", classify("deployContract", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.mintTimeout)
	defer cancel()
	if _, err := bind.WaitDeployed(waitCtx, c.eth, tx); err != nil {
		return "", classify("deployContract", fmt.Errorf("wait deployed %s: %w", tx.Hash().Hex(), err))
	}
	return addr.Hex(), nil
}

func (c *Client) MintToken(ctx context.Context, contract, recipient string, amount decimal.Decimal, rules ledger.TokenRules) (ledger.MintReceipt, error) {
	bc, addr, err := c.bound(contract)
	if err != nil {
		return ledger.MintReceipt{}, err
	}
	if !common.IsHexAddress(recipient) {
		return ledger.MintReceipt{}, fmt.Errorf("mint: invalid recipient %q", recipient)
	}
	units, err := ToUnits(amount)
	if err != nil {
		return ledger.MintReceipt{}, err
	}
	capUnits, err := ToUnits(rules.Cap)
	if err != nil {
		return ledger.MintReceipt{}, err
	}
	if capUnits.Cmp(units) != 0 {
		return ledger.MintReceipt{}, fmt.Errorf("mint: cap %s must equal amount %s", rules.Cap, amount)
	}

	opts, err := c.transactOpts(ctx)
	if err != nil {
		return ledger.MintReceipt{}, fmt.Errorf("build tx opts: %w", err)
	}
	tx, err := bc.Transact(opts, "mint",
		common.HexToAddress(recipient),
		units,
		nonNil(rules.EligibleServices),
		nonNil(rules.EligibleProviders),
		uint64(rules.ValidFrom.Unix()),
		uint64(rules.ValidUntil.Unix()),
	)
	if err != nil {
		return ledger.MintReceipt{}, classify("mintToken", err)
	}

	// Wait for receipt
	waitCtx, cancel := context.WithTimeout(ctx, c.mintTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.eth, tx)
	if err != nil {
		return ledger.MintReceipt{}, classify("mintToken", fmt.Errorf("wait mined: %w", err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ledger.MintReceipt{}, fmt.Errorf("mint tx reverted: %s", tx.Hash().Hex())
	}

	tokenID, err := c.mintedTokenID(addr, receipt)
	if err != nil {
		return ledger.MintReceipt{}, err
	}
	return ledger.MintReceipt{TxRef: tx.Hash().Hex(), TokenID: tokenID.String()}, nil
}

// mintedTokenID extracts tokenId from the TokenMinted event in receipt.
func (c *Client) mintedTokenID(contract common.Address, receipt *types.Receipt) (*big.Int, error) {
	topic := c.abi.Events["TokenMinted"].ID
	for _, l := range receipt.Logs {
		if l.Address == contract && len(l.Topics) >= 2 && l.Topics[0] == topic {
			return new(big.Int).SetBytes(l.Topics[1].Bytes()), nil
		}
	}
	return nil, fmt.Errorf("mint %s: TokenMinted event not found", receipt.TxHash.Hex())
}

func (c *Client) TransferToken(ctx context.Context, contract, from, to string, amount decimal.Decimal) (string, error) {
	bc, _, err := c.bound(contract)
	if err != nil {
		return "", err
	}
	for _, a := range []string{from, to} {
		if !common.IsHexAddress(a) {
			return "", fmt.Errorf("transfer: invalid address %q", a)
		}
	}
	units, err := ToUnits(amount)
	if err != nil {
		return "", err
	}
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return "", fmt.Errorf("build tx opts: %w", err)
	}
	tx, err := bc.Transact(opts, "transferFrom", common.HexToAddress(from), common.HexToAddress(to), units)
	if err != nil {
		return "", classify("transferToken", err)
	}
	return tx.Hash().Hex(), nil
}

func (c *Client) GetBalance(ctx context.Context, contract, address string) (decimal.Decimal, error) {
	bc, _, err := c.bound(contract)
	if err != nil {
		return decimal.Zero, err
	}
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("balance: invalid address %q", address)
	}
	var out []interface{}
	if err := bc.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", common.HexToAddress(address)); err != nil {
		return decimal.Zero, classify("getBalance", err)
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, fmt.Errorf("balanceOf: unexpected output %T", out[0])
	}
	return FromUnits(bal), nil
}

func (c *Client) GetTokenRules(ctx context.Context, contract, tokenID string) (ledger.TokenRules, error) {
	bc, _, err := c.bound(contract)
	if err != nil {
		return ledger.TokenRules{}, err
	}
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return ledger.TokenRules{}, fmt.Errorf("invalid token id %q", tokenID)
	}
	var out []interface{}
	if err := bc.Call(&bind.CallOpts{Context: ctx}, &out, "rulesOf", id); err != nil {
		return ledger.TokenRules{}, classify("getTokenRules", err)
	}
	if len(out) != 5 {
		return ledger.TokenRules{}, fmt.Errorf("rulesOf: expected 5 outputs, got %d", len(out))
	}
	services, _ := out[0].([]string)
	providers, _ := out[1].([]string)
	from, _ := out[2].(uint64)
	until, _ := out[3].(uint64)
	capUnits, _ := out[4].(*big.Int)
	if capUnits == nil {
		capUnits = new(big.Int)
	}
	return ledger.TokenRules{
		EligibleServices:  services,
		EligibleProviders: providers,
		ValidFrom:         time.Unix(int64(from), 0).UTC(),
		ValidUntil:        time.Unix(int64(until), 0).UTC(),
		Cap:               FromUnits(capUnits),
	}, nil
}

func (c *Client) ValidateTransaction(ctx context.Context, txRef string) (ledger.Receipt, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txRef))
	if errors.Is(err, ethereum.NotFound) {
		return ledger.Receipt{Pending: true}, nil
	}
	if err != nil {
		return ledger.Receipt{}, classify("validateTransaction", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ledger.Receipt{BlockRef: receipt.BlockNumber.String(), Error: "transaction reverted"}, nil
	}
	return ledger.Receipt{Success: true, BlockRef: receipt.BlockNumber.String()}, nil
}

func (c *Client) IsConnected(ctx context.Context) bool {
	_, err := c.eth.ChainID(ctx)
	return err == nil
}

// ToUnits converts a dollar amount to integer token units (cents).
func ToUnits(d decimal.Decimal) (*big.Int, error) {
	scaled := d.Shift(tokenDecimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", d, tokenDecimals)
	}
	if scaled.IsNegative() {
		return nil, fmt.Errorf("amount %s is negative", d)
	}
	return scaled.BigInt(), nil
}

// FromUnits converts integer token units back to a dollar amount.
func FromUnits(u *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(u, -tokenDecimals)
}

// classify separates transport failures from answers the node gave us. A
// JSON-RPC error (revert, nonce too low) is definitive; anything else means
// the node could not be reached.
func classify(op string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return ledger.Unavailable(op, err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
