package handler

import (
	"nova-ledger/internal/adapter/http/dto"
	"nova-ledger/internal/adapter/http/middleware"
	"nova-ledger/internal/core/ports"
	"nova-ledger/pkg/apperror"
	"nova-ledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PayoutHandler handles cash-out endpoints.
type PayoutHandler struct {
	payoutSvc    ports.PayoutService
	reconcileSvc ports.ReconcileService
}

// NewPayoutHandler creates a new PayoutHandler.
func NewPayoutHandler(payoutSvc ports.PayoutService, reconcileSvc ports.ReconcileService) *PayoutHandler {
	return &PayoutHandler{payoutSvc: payoutSvc, reconcileSvc: reconcileSvc}
}

// CreatePayout handles POST /api/v1/payouts.
func (h *PayoutHandler) CreatePayout(c *gin.Context) {
	owner, ok := middleware.Owner(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	var req dto.PayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	result, err := h.payoutSvc.CreatePayout(c.Request.Context(), ports.PayoutRequest{
		Owner:          owner,
		Amount:         req.Amount,
		Destination:    req.Destination,
		IdempotencyKey: c.GetHeader(middleware.HeaderIdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, dto.PayoutResponse{
		PayoutID: result.PayoutID.String(),
		Status:   string(result.Status),
	})
}

// GetPayoutStatus handles GET /api/v1/payouts/:id.
func (h *PayoutHandler) GetPayoutStatus(c *gin.Context) {
	payoutID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.Validation("invalid payout id"))
		return
	}

	result, err := h.payoutSvc.GetPayoutStatus(c.Request.Context(), payoutID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.PayoutStatusResponse{
		PayoutID:            result.PayoutID.String(),
		Status:              result.Status,
		Reference:           result.Reference,
		NoTransferConfirmed: result.NoTransferConfirmed,
	})
}

// Reconcile handles POST /api/v1/admin/payouts/:id/reconcile. Operator-driven
// resolution of a stuck payout without waiting for the sweep.
func (h *PayoutHandler) Reconcile(c *gin.Context) {
	payoutID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, apperror.Validation("invalid payout id"))
		return
	}

	payout, err := h.reconcileSvc.Reconcile(c.Request.Context(), payoutID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.PayoutStatusResponse{
		PayoutID:            payout.ID.String(),
		Status:              payout.DisplayStatus(),
		Reference:           payout.ExternalRef,
		NoTransferConfirmed: payout.NoTransferConfirmed,
	})
}
