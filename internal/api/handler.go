// Package api exposes the payment engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/addressbook"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/banking"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/ledger"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/payment"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/redemption"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/store"
	"github.com/mapableau-jonathan/mapableau-sub000/internal/voucher"
)

// Handler wires the engine's operations onto a Gin router group.
type Handler struct {
	st          *store.Store
	vouchers    *voucher.Manager
	payments    *payment.Orchestrator
	redemptions *redemption.Processor
	addrs       *addressbook.Book
	log         *zap.Logger
}

func NewHandler(
	st *store.Store,
	vouchers *voucher.Manager,
	payments *payment.Orchestrator,
	redemptions *redemption.Processor,
	addrs *addressbook.Book,
	log *zap.Logger,
) *Handler {
	return &Handler{st: st, vouchers: vouchers, payments: payments, redemptions: redemptions, addrs: addrs, log: log}
}

func (h *Handler) Register(rg *gin.RouterGroup) {
	// ── Plans and categories ───────────────────────────────────────────────
	rg.PUT("/plans/:id", h.handleImportPlan)
	rg.GET("/plans/:id", h.handleGetPlan)
	rg.GET("/categories/:id", h.handleGetCategory)
	rg.GET("/categories/:id/vouchers", h.handleListVouchers)
	rg.POST("/categories/:id/vouchers", h.handleTokenize)
	rg.POST("/categories/:id/expire", h.handleExpire)

	// ── Vouchers ───────────────────────────────────────────────────────────
	rg.GET("/vouchers/:id", h.handleGetVoucher)
	rg.POST("/vouchers/:id/revoke", h.handleRevoke)

	// ── Ledger addresses ───────────────────────────────────────────────────
	rg.PUT("/addresses/:kind/:id", h.handleSetAddress)

	// ── Payments ───────────────────────────────────────────────────────────
	rg.POST("/payments", h.handleInitiate)
	rg.GET("/payments/:id", h.handleGetPayment)
	rg.POST("/payments/:id/execute", h.handleExecute)
	rg.POST("/payments/:id/reconcile", h.handleReconcile)
	rg.GET("/providers/:id/payments", h.handleProviderPayments)

	// ── Redemptions ────────────────────────────────────────────────────────
	rg.POST("/redemptions", h.handleRequestRedemption)
	rg.GET("/redemptions/:id", h.handleGetRedemption)
	rg.POST("/redemptions/:id/process", h.handleProcessRedemption)
	rg.POST("/redemptions/:id/reconcile", h.handleReconcileRedemption)
}

// Health reports ledger connectivity alongside liveness.
func Health(led ledger.Adapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		connected := led.IsConnected(ctx)
		status := http.StatusOK
		if !connected {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ok": connected, "ledger": connected})
	}
}

// ── Plans and categories ──────────────────────────────────────────────────────

func (h *Handler) handleImportPlan(c *gin.Context) {
	var snap domain.PlanSnapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	snap.PlanID = c.Param("id")
	plan, err := h.st.ImportPlan(c.Request.Context(), snap)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (h *Handler) handleGetPlan(c *gin.Context) {
	plan, err := h.st.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (h *Handler) handleGetCategory(c *gin.Context) {
	cat, err := h.st.GetCategory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cat)
}

func (h *Handler) handleListVouchers(c *gin.Context) {
	vs, err := h.vouchers.ListByCategory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, vs)
}

type tokenizeRequest struct {
	ParticipantID string          `json:"participant_id" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
}

func (h *Handler) handleTokenize(c *gin.Context) {
	var req tokenizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	v, err := h.vouchers.Tokenize(c.Request.Context(), c.Param("id"), req.ParticipantID, req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (h *Handler) handleExpire(c *gin.Context) {
	n, err := h.vouchers.ExpireDue(c.Request.Context(), c.Param("id"), time.Now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

// ── Vouchers ──────────────────────────────────────────────────────────────────

func (h *Handler) handleGetVoucher(c *gin.Context) {
	v, err := h.vouchers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) handleRevoke(c *gin.Context) {
	v, err := h.vouchers.Revoke(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// ── Ledger addresses ──────────────────────────────────────────────────────────

func (h *Handler) handleSetAddress(c *gin.Context) {
	var body struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	kind, id := addressbook.Kind(c.Param("kind")), c.Param("id")
	if err := h.addrs.Set(c.Request.Context(), kind, id, body.Address); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "id": id, "address": body.Address})
}

// ── Payments ──────────────────────────────────────────────────────────────────

func (h *Handler) handleInitiate(c *gin.Context) {
	var req payment.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	txn, err := h.payments.Initiate(c.Request.Context(), req)
	if err != nil {
		h.writeTxnError(c, txn, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func (h *Handler) handleGetPayment(c *gin.Context) {
	txn, err := h.payments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *Handler) handleExecute(c *gin.Context) {
	txn, err := h.payments.Execute(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeTxnError(c, txn, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *Handler) handleReconcile(c *gin.Context) {
	txn, err := h.payments.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeTxnError(c, txn, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *Handler) handleProviderPayments(c *gin.Context) {
	txns, err := h.payments.ListByProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txns)
}

// writeTxnError includes the transaction record when one exists, so the
// caller sees the persisted verdict or PROCESSING state.
func (h *Handler) writeTxnError(c *gin.Context, txn *domain.Transaction, err error) {
	if errors.Is(err, payment.ErrPaymentPending) && txn != nil {
		c.JSON(http.StatusAccepted, txn)
		return
	}
	status, body := errorBody(err)
	if txn != nil {
		body["transaction"] = txn
		if status == http.StatusInternalServerError && txn.Status == domain.TxnFailed {
			status = http.StatusBadGateway
			body["error"] = "payment failed, no funds moved"
		}
	}
	h.logServerError(c, status, err)
	c.JSON(status, body)
}

// ── Redemptions ───────────────────────────────────────────────────────────────

type redemptionRequest struct {
	ProviderID     string             `json:"provider_id" binding:"required"`
	TransactionIDs []string           `json:"transaction_ids" binding:"required"`
	Bank           domain.BankDetails `json:"bank"`
}

func (h *Handler) handleRequestRedemption(c *gin.Context) {
	var req redemptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Bank.PayID == "" && (req.Bank.BSB == "" || req.Bank.AccountNumber == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bank requires pay_id or bsb and account_number"})
		return
	}
	r, err := h.redemptions.Request(c.Request.Context(), req.ProviderID, req.TransactionIDs, req.Bank)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, r)
}

func (h *Handler) handleGetRedemption(c *gin.Context) {
	r, err := h.redemptions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) handleProcessRedemption(c *gin.Context) {
	r, err := h.redemptions.Process(c.Request.Context(), c.Param("id"))
	h.writeRedemption(c, r, err)
}

func (h *Handler) handleReconcileRedemption(c *gin.Context) {
	r, err := h.redemptions.Reconcile(c.Request.Context(), c.Param("id"))
	h.writeRedemption(c, r, err)
}

// writeRedemption answers 202 while the payout outcome is still open.
func (h *Handler) writeRedemption(c *gin.Context, r *domain.Redemption, err error) {
	if err == nil {
		c.JSON(http.StatusOK, r)
		return
	}
	if errors.Is(err, redemption.ErrPayoutPending) && r != nil {
		c.JSON(http.StatusAccepted, r)
		return
	}
	status, body := errorBody(err)
	if r != nil {
		body["redemption"] = r
	}
	h.logServerError(c, status, err)
	c.JSON(status, body)
}

// ── Errors ────────────────────────────────────────────────────────────────────

func (h *Handler) writeError(c *gin.Context, err error) {
	status, body := errorBody(err)
	h.logServerError(c, status, err)
	c.JSON(status, body)
}

func (h *Handler) logServerError(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
}

// errorBody maps the error taxonomy to an HTTP status and JSON body.
func errorBody(err error) (int, gin.H) {
	var (
		vf  *domain.ValidationFailedError
		ib  *domain.InsufficientBudgetError
		ie  *domain.VoucherIneligibleError
		se  *domain.TransactionStateError
		dup *domain.DuplicateRedemptionClaimError
	)
	switch {
	case errors.As(err, &vf):
		return http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "errors": vf.Errors}
	case errors.As(err, &ib):
		return http.StatusConflict, gin.H{
			"error": "insufficient_budget", "message": err.Error(),
			"scope": ib.Scope, "requested": ib.Requested, "available": ib.Available,
		}
	case errors.As(err, &ie):
		return http.StatusUnprocessableEntity, gin.H{"error": "voucher_ineligible", "reason": ie.Reason}
	case errors.As(err, &se):
		return http.StatusConflict, gin.H{"error": "invalid_state", "expected": se.Expected, "actual": se.Actual}
	case errors.As(err, &dup):
		return http.StatusConflict, gin.H{"error": "duplicate_claim", "transaction_ids": dup.TransactionIDs}
	case errors.Is(err, domain.ErrVoucherNotFound):
		return http.StatusNotFound, gin.H{"error": "voucher_not_found", "message": err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()}
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable", "message": err.Error()}
	case errors.Is(err, store.ErrLockTaken), errors.Is(err, store.ErrConflict):
		return http.StatusConflict, gin.H{"error": "busy", "message": err.Error()}
	case errors.Is(err, store.ErrInvalidSnapshot),
		errors.Is(err, addressbook.ErrInvalidKind):
		return http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()}
	case errors.Is(err, voucher.ErrPlanNotActive),
		errors.Is(err, payment.ErrParticipantMismatch),
		errors.Is(err, redemption.ErrIneligibleTransaction),
		errors.Is(err, addressbook.ErrUnknownAddress),
		errors.Is(err, banking.ErrAccountInvalid),
		errors.Is(err, banking.ErrRefused):
		return http.StatusUnprocessableEntity, gin.H{"error": "rejected", "message": err.Error()}
	default:
		return http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()}
	}
}
