// Package banking verifies payout destinations and sends provider payouts.
package banking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
)

var (
	// ErrAccountInvalid is returned when the bank rejects a payout destination.
	ErrAccountInvalid = errors.New("banking: account verification failed")
	// ErrRefused wraps a 4xx response: the bank read the request and did not act on it.
	ErrRefused = errors.New("banking: request refused")
	// ErrPayoutNotFound is returned when the bank holds no payout for a reference.
	ErrPayoutNotFound = errors.New("banking: payout not found")
)

// Payout statuses reported by the bank.
const (
	StatusCompleted = "COMPLETED"
	StatusPending   = "PENDING"
	StatusFailed    = "FAILED"
	StatusRejected  = "REJECTED"
)

type PayoutRequest struct {
	AccountName   string          `json:"account_name"`
	BSB           string          `json:"bsb,omitempty"`
	AccountNumber string          `json:"account_number,omitempty"`
	PayID         string          `json:"pay_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Reference     string          `json:"reference"`
}

type PayoutResult struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// Failed reports whether the bank definitively refused the payout.
func (r *PayoutResult) Failed() bool {
	return r.Status == StatusFailed || r.Status == StatusRejected
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

func NewClient(baseURL, apiKey string, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "banking",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: func(err error) bool {
				return err == nil || clientError(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		// Not a verdict on the request itself.
		return fmt.Errorf("banking %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &StatusError{Method: req.Method, Path: req.URL.Path, Code: resp.StatusCode}
	case resp.StatusCode >= 300:
		return fmt.Errorf("banking %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StatusError is a 4xx response from the bank.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("banking %s %s: status %d", e.Method, e.Path, e.Code)
}

func (e *StatusError) Unwrap() error { return ErrRefused }

// clientError reports errors the bank answered deliberately; they do not
// count against the breaker.
func clientError(err error) bool {
	return errors.Is(err, ErrAccountInvalid) || errors.Is(err, ErrRefused) || errors.Is(err, ErrPayoutNotFound)
}

// VerifyAccount checks that the destination can receive payouts.
func (c *Client) VerifyAccount(ctx context.Context, bank domain.BankDetails) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		var vr verifyResponse
		if err := c.post(ctx, "/accounts/verify", bank, &vr); err != nil {
			return nil, err
		}
		if !vr.Valid {
			return nil, fmt.Errorf("%w: %s", ErrAccountInvalid, vr.Reason)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("verify account: %w", err)
	}
	return nil
}

// Payout sends amount to the destination under reference. The bank treats
// reference as an idempotency key.
func (c *Client) Payout(ctx context.Context, bank domain.BankDetails, amount decimal.Decimal, reference string) (*PayoutResult, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		var pr PayoutResult
		err := c.post(ctx, "/payouts", PayoutRequest{
			AccountName:   bank.AccountName,
			BSB:           bank.BSB,
			AccountNumber: bank.AccountNumber,
			PayID:         bank.PayID,
			Amount:        amount,
			Reference:     reference,
		}, &pr)
		if err != nil {
			return nil, err
		}
		return &pr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("payout %s: %w", reference, err)
	}
	return res.(*PayoutResult), nil
}

// PayoutStatus looks up the payout sent under reference. ErrPayoutNotFound
// means the bank never accepted it.
func (c *Client) PayoutStatus(ctx context.Context, reference string) (*PayoutResult, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		var pr PayoutResult
		err := c.get(ctx, "/payouts/"+url.PathEscape(reference), &pr)
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, ErrPayoutNotFound
		}
		if err != nil {
			return nil, err
		}
		return &pr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("payout status %s: %w", reference, err)
	}
	return res.(*PayoutResult), nil
}
