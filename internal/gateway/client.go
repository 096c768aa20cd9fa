// Package gateway charges non-ledger rails: card, PayPal and crypto exchange.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
)

// Charge statuses.
const (
	StatusSucceeded = "succeeded"
	StatusPending   = "pending"
	StatusFailed    = "failed"
)

type ChargeRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Reference     string          `json:"reference"`
	ParticipantID string          `json:"participant_id"`
	ProviderID    string          `json:"provider_id"`
}

type Charge struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (c *Charge) Succeeded() bool { return c.Status == StatusSucceeded }
func (c *Charge) Pending() bool   { return c.Status == StatusPending }

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// Charge submits a payment on the given rail. Reference is the idempotency key.
func (c *Client) Charge(ctx context.Context, method domain.PaymentMethod, req ChargeRequest) (*Charge, error) {
	if method.UsesLedger() {
		return nil, fmt.Errorf("gateway: method %q settles on the ledger", method)
	}
	if req.Currency == "" {
		req.Currency = "AUD"
	}
	resp, err := c.do(ctx, http.MethodPost, "/"+string(method)+"/charges", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway %s charge %s: status %d", method, req.Reference, resp.StatusCode)
	}
	var ch Charge
	return &ch, json.NewDecoder(resp.Body).Decode(&ch)
}

// Status fetches the current state of a charge.
func (c *Client) Status(ctx context.Context, method domain.PaymentMethod, id string) (*Charge, error) {
	resp, err := c.do(ctx, http.MethodGet, "/"+string(method)+"/charges/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway %s status %s: status %d", method, id, resp.StatusCode)
	}
	var ch Charge
	return &ch, json.NewDecoder(resp.Body).Decode(&ch)
}
