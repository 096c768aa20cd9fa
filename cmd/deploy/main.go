// Command deploy deploys the voucher-token contract on a ledger backend.
//
// For evm the bytecode comes from a Foundry artifact; for fabric the chaincode
// must already be installed and the deploy instantiates a token namespace.
// Print the resulting address and set it as VOUCHER_CONTRACT.
//
// Usage:
//   go run ./cmd/deploy/ --backend evm --rpc <url> --key <hex> --chain-id <id> [--artifact <path>]
//   go run ./cmd/deploy/ --backend fabric --target <host:port> --identity <msp>
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/config"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/ledger/backend"
)

func main() {
	kind := flag.String("backend", config.BackendEVM, "ledger backend: evm or fabric")
	rpcURL := flag.String("rpc", "http://127.0.0.1:8545", "EVM RPC endpoint")
	keyHex := flag.String("key", "", "issuer private key (hex, with or without 0x)")
	chainID := flag.Int64("chain-id", 1337, "chain ID")
	artifact := flag.String("artifact", "contracts/out/VoucherToken.sol/VoucherToken.json", "Foundry artifact with the token bytecode")
	target := flag.String("target", "127.0.0.1:7051", "Fabric gateway address")
	identity := flag.String("identity", "", "Fabric issuer identity")
	channel := flag.String("channel", "ndis", "Fabric channel")
	code := flag.String("chaincode", "voucher", "Fabric chaincode name")
	flag.Parse()

	cfg := &config.Config{}
	cfg.Ledger.Backend = *kind
	cfg.EVM.MintTimeoutSec = 300

	switch *kind {
	case config.BackendEVM:
		if *keyHex == "" {
			fmt.Fprintln(os.Stderr, "error: --key is required")
			os.Exit(1)
		}
		cfg.EVM.RPCURL = *rpcURL
		cfg.EVM.PrivateKey = *keyHex
		cfg.EVM.ChainID = *chainID
		cfg.EVM.TokenBytecode = loadBytecode(*artifact)
	case config.BackendFabric:
		if *identity == "" {
			fmt.Fprintln(os.Stderr, "error: --identity is required")
			os.Exit(1)
		}
		cfg.Fabric.Target = *target
		cfg.Fabric.Identity = *identity
		cfg.Fabric.Channel = *channel
		cfg.Fabric.Chaincode = *code
	default:
		fmt.Fprintf(os.Stderr, "error: cannot deploy a persistent contract on backend %q\n", *kind)
		os.Exit(1)
	}

	// ── ledger client ─────────────────────────────────────────────────────────
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	led, closeLedger, err := backend.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open ledger: %v\n", err)
		os.Exit(1)
	}
	defer closeLedger()
	if !led.IsConnected(ctx) {
		fmt.Fprintf(os.Stderr, "ledger %s not reachable\n", *kind)
		os.Exit(1)
	}

	// ── deploy ────────────────────────────────────────────────────────────────
	issuer := backend.Issuer(cfg, led)
	fmt.Printf("Backend : %s\n", *kind)
	fmt.Printf("Issuer  : %s\n", issuer)
	fmt.Printf("\nDeploying %s (%s)...\n", backend.TokenName, backend.TokenSymbol)

	addr, err := backend.Deploy(ctx, cfg, led)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Contract: %s\n", addr)

	out, _ := json.MarshalIndent(map[string]string{
		"backend":  *kind,
		"issuer":   issuer,
		"contract": addr,
	}, "", "  ")
	fmt.Printf("\n%s\n\nexport VOUCHER_CONTRACT=%s\n", out, addr)

}

// loadBytecode reads the creation bytecode out of a Foundry build artifact.
func loadBytecode(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read artifact %s: %v\n", path, err)
		os.Exit(1)
	}
	var artifact struct {
		Bytecode struct {
			Object string `json:"object"`
		} `json:"bytecode"`
	}
	if err := json.Unmarshal(raw, &artifact); err != nil {
		fmt.Fprintf(os.Stderr, "parse artifact %s: %v\n", path, err)
		os.Exit(1)
	}
	if artifact.Bytecode.Object == "" {
		fmt.Fprintf(os.Stderr, "artifact %s has no bytecode\n", path)
		os.Exit(1)
	}
	return artifact.Bytecode.Object
}
