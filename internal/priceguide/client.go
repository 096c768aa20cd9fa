// Package priceguide looks up NDIS support-item price limits.
package priceguide

import (
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
)

// ErrItemNotFound is returned when the price guide has no entry for a code.
var ErrItemNotFound = errors.New("priceguide: support item not found")

// Item is one support-item row of the price guide.
type Item struct {
	Code     string          `json:"code"`
	Name     string          `json:"name"`
	Unit     string          `json:"unit"`
	MaxPrice decimal.Decimal `json:"max_price"`
}

type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewClient(baseURL string, log *zap.Logger) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		log:     log,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "priceguide",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A missing item is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrItemNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Item fetches the price-guide row for code.
func (c *Client) Item(ctx context.Context, code string) (*Item, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.fetch(ctx, code)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("price guide unavailable (circuit breaker): %w", err)
		}
		return nil, err
	}
	return res.(*Item), nil
}

// MaxPrice returns the price ceiling for code.
func (c *Client) MaxPrice(ctx context.Context, code string) (decimal.Decimal, error) {
	it, err := c.Item(ctx, code)
	if err != nil {
		return decimal.Zero, err
	}
	return it.MaxPrice, nil
}

func (c *Client) fetch(ctx context.Context, code string) (*Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/items/"+url.PathEscape(code), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", code, ErrItemNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("price guide GET %s: status %d", code, resp.StatusCode)
	}
	var it Item
	if err := json.NewDecoder(resp.Body).Decode(&it); err != nil {
		return nil, fmt.Errorf("decode price item %s: %w", code, err)
	}
	return &it, nil
}
