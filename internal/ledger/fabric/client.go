// Package fabric is the ledger backend for a permissioned chaincode network.
//
// The network is reached through a chaincode gateway exposing two unary gRPC
// methods, Submit (ordered, state-changing) and Evaluate (query). Requests
// and responses are google.protobuf.Struct so no generated stubs are needed.
package fabric

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/config"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/ledger"
)

const (
	ServiceName    = "ledger.v1.Chaincode"
	SubmitMethod   = "/" + ServiceName + "/Submit"
	EvaluateMethod = "/" + ServiceName + "/Evaluate"
)

// Chaincode function names.
const (
	FnInstantiate = "InstantiateToken"
	FnMint        = "Mint"
	FnTransfer    = "Transfer"
	FnBalanceOf   = "BalanceOf"
	FnRulesOf     = "RulesOf"
	FnTxStatus    = "TxStatus"
	FnPing        = "Ping"
)

// Transaction validation codes reported by TxStatus.
const (
	TxValid   = "VALID"
	TxPending = "PENDING"
)

// Client implements ledger.Adapter against the chaincode gateway.
type Client struct {
	conn      grpc.ClientConnInterface
	channel   string
	chaincode string
	identity  string
}

var _ ledger.Adapter = (*Client)(nil)

// Dial opens a gRPC connection to the gateway named in cfg.
func Dial(cfg *config.Config) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(cfg.Fabric.Target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("fabric: grpc dial %s: %w", cfg.Fabric.Target, err)
	}
	return NewClient(conn, cfg.Fabric.Channel, cfg.Fabric.Chaincode, cfg.Fabric.Identity), conn, nil
}

func NewClient(conn grpc.ClientConnInterface, channel, chaincode, identity string) *Client {
	return &Client{conn: conn, channel: channel, chaincode: chaincode, identity: identity}
}

func (c *Client) invoke(ctx context.Context, method, fn string, args map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{
		"channel":   c.channel,
		"chaincode": c.chaincode,
		"identity":  c.identity,
		"function":  fn,
		"args":      args,
	})
	if err != nil {
		return nil, fmt.Errorf("fabric: encode %s: %w", fn, err)
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
			return nil, ledger.Unavailable(fn, err)
		}
		return nil, fmt.Errorf("fabric: %s: %w", fn, err)
	}
	return resp, nil
}

func (c *Client) DeployContract(ctx context.Context, spec ledger.ContractSpec) (string, error) {
	resp, err := c.invoke(ctx, SubmitMethod, FnInstantiate, map[string]any{
		"name":   spec.Name,
		"symbol": spec.Symbol,
		"issuer": spec.Issuer,
	})
	if err != nil {
		return "", err
	}
	return field(resp, "contract")
}

func (c *Client) MintToken(ctx context.Context, contract, recipient string, amount decimal.Decimal, rules ledger.TokenRules) (ledger.MintReceipt, error) {
	resp, err := c.invoke(ctx, SubmitMethod, FnMint, map[string]any{
		"contract":    contract,
		"recipient":   recipient,
		"amount":      amount.String(),
		"services":    anySlice(rules.EligibleServices),
		"providers":   anySlice(rules.EligibleProviders),
		"valid_from":  rules.ValidFrom.UTC().Format(time.RFC3339),
		"valid_until": rules.ValidUntil.UTC().Format(time.RFC3339),
		"cap":         rules.Cap.String(),
	})
	if err != nil {
		return ledger.MintReceipt{}, err
	}
	txID, err := field(resp, "tx_id")
	if err != nil {
		return ledger.MintReceipt{}, err
	}
	tokenID, err := field(resp, "token_id")
	if err != nil {
		return ledger.MintReceipt{}, err
	}
	return ledger.MintReceipt{TxRef: txID, TokenID: tokenID}, nil
}

func (c *Client) TransferToken(ctx context.Context, contract, from, to string, amount decimal.Decimal) (string, error) {
	resp, err := c.invoke(ctx, SubmitMethod, FnTransfer, map[string]any{
		"contract": contract,
		"from":     from,
		"to":       to,
		"amount":   amount.String(),
	})
	if err != nil {
		return "", err
	}
	return field(resp, "tx_id")
}

func (c *Client) GetBalance(ctx context.Context, contract, address string) (decimal.Decimal, error) {
	resp, err := c.invoke(ctx, EvaluateMethod, FnBalanceOf, map[string]any{
		"contract": contract,
		"address":  address,
	})
	if err != nil {
		return decimal.Zero, err
	}
	raw, err := field(resp, "balance")
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func (c *Client) GetTokenRules(ctx context.Context, contract, tokenID string) (ledger.TokenRules, error) {
	resp, err := c.invoke(ctx, EvaluateMethod, FnRulesOf, map[string]any{
		"contract": contract,
		"token_id": tokenID,
	})
	if err != nil {
		return ledger.TokenRules{}, err
	}
	m := resp.AsMap()
	rules := ledger.TokenRules{
		EligibleServices:  stringSlice(m["services"]),
		EligibleProviders: stringSlice(m["providers"]),
	}
	if rules.ValidFrom, err = timeField(resp, "valid_from"); err != nil {
		return ledger.TokenRules{}, err
	}
	if rules.ValidUntil, err = timeField(resp, "valid_until"); err != nil {
		return ledger.TokenRules{}, err
	}
	capRaw, err := field(resp, "cap")
	if err != nil {
		return ledger.TokenRules{}, err
	}
	if rules.Cap, err = decimal.NewFromString(capRaw); err != nil {
		return ledger.TokenRules{}, fmt.Errorf("fabric: cap: %w", err)
	}
	return rules, nil
}

func (c *Client) ValidateTransaction(ctx context.Context, txRef string) (ledger.Receipt, error) {
	resp, err := c.invoke(ctx, EvaluateMethod, FnTxStatus, map[string]any{"tx_id": txRef})
	if err != nil {
		return ledger.Receipt{}, err
	}
	code, err := field(resp, "status")
	if err != nil {
		return ledger.Receipt{}, err
	}
	block, _ := field(resp, "block")
	switch code {
	case TxValid:
		return ledger.Receipt{Success: true, BlockRef: block}, nil
	case TxPending:
		return ledger.Receipt{Pending: true}, nil
	default:
		return ledger.Receipt{BlockRef: block, Error: code}, nil
	}
}

func (c *Client) IsConnected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := c.invoke(ctx, EvaluateMethod, FnPing, map[string]any{})
	return err == nil
}

func field(s *structpb.Struct, name string) (string, error) {
	v, ok := s.GetFields()[name]
	if !ok {
		return "", fmt.Errorf("fabric: response missing %q", name)
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("fabric: response field %q is not a string", name)
	}
	return str.StringValue, nil
}

func timeField(s *structpb.Struct, name string) (time.Time, error) {
	raw, err := field(s, name)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("fabric: %s: %w", name, err)
	}
	return t, nil
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func stringSlice(v any) []string {
	list, _ := v.([]any)
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
