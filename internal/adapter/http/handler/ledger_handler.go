package handler

import (
	"strconv"

	"nova-ledger/internal/adapter/http/dto"
	"nova-ledger/internal/adapter/http/middleware"
	"nova-ledger/internal/core/domain"
	"nova-ledger/internal/core/ports"
	"nova-ledger/pkg/apperror"
	"nova-ledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// LedgerHandler handles balance and ledger mutation endpoints.
type LedgerHandler struct {
	ledgerSvc ports.LedgerService
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(ledgerSvc ports.LedgerService) *LedgerHandler {
	return &LedgerHandler{ledgerSvc: ledgerSvc}
}

// GrantReward handles POST /api/v1/rewards/grant. Operator/service tokens
// only: rewards are granted by the platform, never self-served.
func (h *LedgerHandler) GrantReward(c *gin.Context) {
	var req dto.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	result, err := h.ledgerSvc.GrantReward(c.Request.Context(), ports.GrantRequest{
		Owner:          domain.OwnerRef{Type: domain.OwnerType(req.OwnerType), ID: req.OwnerID},
		Amount:         req.Amount,
		Source:         req.Source,
		IdempotencyKey: c.GetHeader(middleware.HeaderIdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, toGrantResponse(result))
}

// AdminGrant handles POST /api/v1/admin/grants.
func (h *LedgerHandler) AdminGrant(c *gin.Context) {
	owner, ok := middleware.Owner(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	var req dto.AdminGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	result, err := h.ledgerSvc.AdminGrant(c.Request.Context(), ports.AdminGrantRequest{
		Owner:          domain.OwnerRef{Type: domain.OwnerType(req.OwnerType), ID: req.OwnerID},
		Amount:         req.Amount,
		Operator:       owner.ID,
		Reason:         req.Reason,
		IdempotencyKey: c.GetHeader(middleware.HeaderIdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, toGrantResponse(result))
}

// Topup handles POST /api/v1/topup.
func (h *LedgerHandler) Topup(c *gin.Context) {
	owner, ok := middleware.Owner(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	var req dto.TopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	result, err := h.ledgerSvc.Topup(c.Request.Context(), ports.TopupRequest{
		Owner:          owner,
		Amount:         req.Amount,
		IdempotencyKey: c.GetHeader(middleware.HeaderIdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, dto.MutationResponse{
		Entry:      toEntryResponse(result.Entry),
		NewBalance: result.NewBalance,
	})
}

// Redeem handles POST /api/v1/redeem. The debited account is always the
// caller's own.
func (h *LedgerHandler) Redeem(c *gin.Context) {
	owner, ok := middleware.Owner(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	var req dto.RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	result, err := h.ledgerSvc.Redeem(c.Request.Context(), ports.RedeemRequest{
		From:           owner,
		To:             domain.OwnerRef{Type: domain.OwnerTypeMerchant, ID: req.MerchantID},
		Amount:         req.Amount,
		IdempotencyKey: c.GetHeader(middleware.HeaderIdempotencyKey),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, dto.RedeemResponse{
		DebitEntry:  toEntryResponse(result.DebitEntry),
		CreditEntry: toEntryResponse(result.CreditEntry),
		NewBalance:  result.FromBalance,
	})
}

// GetBalance handles GET /api/v1/balance.
func (h *LedgerHandler) GetBalance(c *gin.Context) {
	owner, ok := middleware.Owner(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	balance, err := h.ledgerSvc.GetBalance(c.Request.Context(), owner)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.BalanceResponse{Balance: balance})
}

// GetHistory handles GET /api/v1/ledger. Entries come back newest first;
// limit defaults to 50 and is capped at 200.
func (h *LedgerHandler) GetHistory(c *gin.Context) {
	owner, ok := middleware.Owner(c)
	if !ok {
		response.Error(c, apperror.ErrInvalidToken())
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.Error(c, apperror.Validation("limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := h.ledgerSvc.GetHistory(c.Request.Context(), owner, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	resp := dto.HistoryResponse{Entries: make([]dto.EntryResponse, 0, len(entries))}
	for i := range entries {
		resp.Entries = append(resp.Entries, *toEntryResponse(&entries[i]))
	}
	response.OK(c, resp)
}

func toGrantResponse(result *ports.GrantResult) dto.GrantResponse {
	return dto.GrantResponse{
		Entry:      toEntryResponse(result.Entry),
		NewBalance: result.NewBalance,
		Blocked:    result.Blocked,
		Reason:     result.Reason,
	}
}

func toEntryResponse(entry *domain.LedgerEntry) *dto.EntryResponse {
	if entry == nil {
		return nil
	}
	return &dto.EntryResponse{
		ID:        entry.ID.String(),
		Amount:    entry.Amount,
		Kind:      string(entry.Kind),
		CreatedAt: entry.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}
