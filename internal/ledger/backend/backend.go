// Package backend opens the ledger adapter named by LEDGER_BACKEND.
package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/config"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/ledger"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/ledger/evm"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/ledger/fabric"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/ledger/memory"
)

// Token metadata used when a voucher contract is deployed.
const (
	TokenName   = "NDIS Support Voucher"
	TokenSymbol = "NDV"
)

// Open returns the configured adapter and a func releasing its connection.
func Open(cfg *config.Config) (ledger.Adapter, func(), error) {
	switch cfg.Ledger.Backend {
	case config.BackendMemory, "":
		return memory.New(), func() {}, nil
	case config.BackendEVM:
		c, err := evm.NewClient(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("evm backend: %w", err)
		}
		return c, func() {}, nil
	case config.BackendFabric:
		c, conn, err := fabric.Dial(cfg)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = conn.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

// Issuer is the ledger identity allowed to mint on a deployed contract.
func Issuer(cfg *config.Config, led ledger.Adapter) string {
	switch c := led.(type) {
	case *evm.Client:
		return c.IssuerAddress().Hex()
	case *fabric.Client:
		return cfg.Fabric.Identity
	default:
		return "issuer"
	}
}

// Deploy creates a new voucher-token contract and returns its address.
func Deploy(ctx context.Context, cfg *config.Config, led ledger.Adapter) (string, error) {
	addr, err := led.DeployContract(ctx, ledger.ContractSpec{
		Name:   TokenName,
		Symbol: TokenSymbol,
		Issuer: Issuer(cfg, led),
	})
	if err != nil {
		return "", fmt.Errorf("deploy voucher contract: %w", err)
	}
	return addr, nil
}

// Contract returns the configured voucher contract. The memory backend starts
// empty on every boot, so a fresh contract is deployed for it; the persistent
// backends require VOUCHER_CONTRACT from a prior cmd/deploy run.
func Contract(ctx context.Context, cfg *config.Config, led ledger.Adapter, log *zap.Logger) (string, error) {
	if _, ok := led.(*memory.Ledger); ok {
		addr, err := Deploy(ctx, cfg, led)
		if err != nil {
			return "", err
		}
		log.Info("memory ledger contract deployed", zap.String("contract", addr))
		return addr, nil
	}
	if cfg.Ledger.ContractAddress == "" {
		return "", fmt.Errorf("VOUCHER_CONTRACT is required for the %s backend", cfg.Ledger.Backend)
	}
	return cfg.Ledger.ContractAddress, nil
}
