package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when the registry has no record for an id.
var ErrNotFound = errors.New("registry: not found")

// Provider is a registered NDIS provider as reported by the registry.
type Provider struct {
	ID                string    `json:"id"`
	Registered        bool      `json:"registered"`
	Status            string    `json:"status"`
	ServiceCategories []string  `json:"service_categories"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// Worker is a support worker's screening record.
type Worker struct {
	ID              string `json:"id"`
	HasVerification bool   `json:"has_verification"`
	Status          string `json:"status"`
}

// StatusActive is the registry status of a provider or worker in good standing.
const StatusActive = "ACTIVE"

// Client is an authenticated provider/worker registry REST client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
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
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("GET %s: %w", path, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("registry GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Provider(ctx context.Context, id string) (*Provider, error) {
	var p Provider
	if err := c.get(ctx, "/providers/"+url.PathEscape(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) Worker(ctx context.Context, id string) (*Worker, error) {
	var w Worker
	if err := c.get(ctx, "/workers/"+url.PathEscape(id), &w); err != nil {
		return nil, err
	}
	return &w, nil
}
