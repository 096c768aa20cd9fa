package banking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
)

func mockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

var testBank = domain.BankDetails{AccountName: "Acme Supports", BSB: "062-000", AccountNumber: "12345678"}

// ── VerifyAccount ─────────────────────────────────────────────────────────────

func TestVerifyAccount_Valid(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		var got domain.BankDetails
		json.NewDecoder(r.Body).Decode(&got)
		if got.BSB != "062-000" {
			t.Errorf("bsb: got %q", got.BSB)
		}
		w.Write([]byte(`{"valid":true}`))
	})
	if err := NewClient(srv.URL, "k", zap.NewNop()).VerifyAccount(context.Background(), testBank); err != nil {
		t.Fatalf("VerifyAccount: %v", err)
	}
}

func TestVerifyAccount_InvalidDoesNotTrip(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"valid":false,"reason":"closed account"}`))
	})
	c := NewClient(srv.URL, "k", zap.NewNop())
	for i := 0; i < 5; i++ {
		if err := c.VerifyAccount(context.Background(), testBank); !errors.Is(err, ErrAccountInvalid) {
			t.Fatalf("want ErrAccountInvalid, got %v", err)
		}
	}
	if c.cb.State() != gobreaker.StateClosed {
		t.Errorf("breaker: got %s want closed", c.cb.State())
	}
}

// ── Payout ────────────────────────────────────────────────────────────────────

func TestPayout_OK(t *testing.T) {
	var got PayoutRequest
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payouts" || r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("request: %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"payment_id":"pay-77","status":"COMPLETED"}`))
	})

	res, err := NewClient(srv.URL, "k", zap.NewNop()).Payout(context.Background(), testBank, decimal.RequireFromString("520.50"), "red-1")
	if err != nil {
		t.Fatalf("Payout: %v", err)
	}
	if res.PaymentID != "pay-77" || res.Failed() {
		t.Errorf("result: got %+v", res)
	}
	if got.Reference != "red-1" || !got.Amount.Equal(decimal.RequireFromString("520.50")) {
		t.Errorf("payout request: got %+v", got)
	}
}

func TestPayout_Rejected(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"payment_id":"pay-78","status":"REJECTED","reason":"limit"}`))
	})
	res, err := NewClient(srv.URL, "k", zap.NewNop()).Payout(context.Background(), testBank, decimal.NewFromInt(1), "red-2")
	if err != nil {
		t.Fatalf("Payout: %v", err)
	}
	if !res.Failed() {
		t.Errorf("REJECTED must count as failed: %+v", res)
	}
}

func TestPayout_BreakerOpens(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := NewClient(srv.URL, "k", zap.NewNop())
	for i := 0; i < 3; i++ {
		_, _ = c.Payout(context.Background(), testBank, decimal.NewFromInt(1), "r")
	}
	if _, err := c.Payout(context.Background(), testBank, decimal.NewFromInt(1), "r"); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("want ErrOpenState, got %v", err)
	}
}

func TestPayout_ClientErrorIsRefusal(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	c := NewClient(srv.URL, "k", zap.NewNop())
	for i := 0; i < 5; i++ {
		_, err := c.Payout(context.Background(), testBank, decimal.NewFromInt(1), "r")
		var se *StatusError
		if !errors.Is(err, ErrRefused) || !errors.As(err, &se) || se.Code != http.StatusUnprocessableEntity {
			t.Fatalf("want ErrRefused 422, got %v", err)
		}
	}
	if c.cb.State() != gobreaker.StateClosed {
		t.Errorf("breaker: got %s want closed", c.cb.State())
	}
}

func TestPayout_ServerErrorIsNotRefusal(t *testing.T) {
	for _, code := range []int{http.StatusBadGateway, http.StatusTooManyRequests, http.StatusRequestTimeout} {
		srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		})
		_, err := NewClient(srv.URL, "k", zap.NewNop()).Payout(context.Background(), testBank, decimal.NewFromInt(1), "r")
		if err == nil || errors.Is(err, ErrRefused) {
			t.Errorf("status %d: got %v want an uncertain error", code, err)
		}
	}
}

// ── PayoutStatus ──────────────────────────────────────────────────────────────

func TestPayoutStatus_Found(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/payouts/red-1" {
			t.Errorf("request: %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"payment_id":"pay-90","status":"PENDING"}`))
	})
	res, err := NewClient(srv.URL, "k", zap.NewNop()).PayoutStatus(context.Background(), "red-1")
	if err != nil {
		t.Fatalf("PayoutStatus: %v", err)
	}
	if res.PaymentID != "pay-90" || res.Status != StatusPending {
		t.Errorf("result: got %+v", res)
	}
}

func TestPayoutStatus_NotFound(t *testing.T) {
	srv := mockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := NewClient(srv.URL, "k", zap.NewNop())
	for i := 0; i < 5; i++ {
		if _, err := c.PayoutStatus(context.Background(), "red-404"); !errors.Is(err, ErrPayoutNotFound) {
			t.Fatalf("want ErrPayoutNotFound, got %v", err)
		}
	}
	if c.cb.State() != gobreaker.StateClosed {
		t.Errorf("breaker: got %s want closed", c.cb.State())
	}
}
