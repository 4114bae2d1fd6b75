package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nova-ledger/internal/core/domain"
	"nova-ledger/internal/core/ports"
	"nova-ledger/internal/metrics"
	"nova-ledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// PayoutServiceImpl implements ports.PayoutService. The debit is reserved
// locally before the provider is called; the provider outcome then drives the
// state machine: succeeded, failed (with a committed reversal), or unknown
// when the outcome is indeterminate. An unknown payout is never reversed here;
// only the reconciler may resolve it.
type PayoutServiceImpl struct {
	accountRepo ports.AccountRepository
	ledgerRepo  ports.LedgerRepository
	payoutRepo  ports.PayoutRepository
	provider    ports.PaymentProvider
	guard       *idempotencyGuard
	transactor  ports.DBTransactor
	minAmount   int64
	maxAmount   int64
	dailyCap    int64
	log         zerolog.Logger
}

// NewPayoutService creates a new PayoutServiceImpl.
func NewPayoutService(
	accountRepo ports.AccountRepository,
	ledgerRepo ports.LedgerRepository,
	payoutRepo ports.PayoutRepository,
	provider ports.PaymentProvider,
	transactor ports.DBTransactor,
	allowDerivedKeys bool,
	minAmount, maxAmount, dailyCap int64,
	log zerolog.Logger,
) *PayoutServiceImpl {
	return &PayoutServiceImpl{
		accountRepo: accountRepo,
		ledgerRepo:  ledgerRepo,
		payoutRepo:  payoutRepo,
		provider:    provider,
		guard:       newIdempotencyGuard(nil, nil, allowDerivedKeys, log),
		transactor:  transactor,
		minAmount:   minAmount,
		maxAmount:   maxAmount,
		dailyCap:    dailyCap,
		log:         log,
	}
}

// CreatePayout runs one cash-out attempt end to end.
//
// Deduplication goes through the payouts table rather than the generic
// idempotency store: a payout's status changes after creation, so a frozen
// response snapshot would go stale. Replaying the key returns the payout's
// current state instead.
func (s *PayoutServiceImpl) CreatePayout(ctx context.Context, req ports.PayoutRequest) (*ports.PayoutResult, error) {
	if req.Amount < s.minAmount || req.Amount > s.maxAmount {
		return nil, apperror.ErrAmountOutOfBounds(s.minAmount, s.maxAmount)
	}

	requestHash, payload, err := fingerprint(struct {
		Owner       domain.OwnerRef `json:"owner"`
		Amount      int64           `json:"amount"`
		Destination string          `json:"destination"`
	}{req.Owner, req.Amount, req.Destination})
	if err != nil {
		return nil, err
	}

	key, err := s.guard.resolveKey(req.IdempotencyKey, payload)
	if err != nil {
		return nil, err
	}

	if result, err := s.dedupByKey(ctx, key, requestHash); err != nil || result != nil {
		return result, err
	}

	payout, err := s.reserveDebit(ctx, req, key, requestHash)
	if err != nil {
		// A racing retry can slip past the lookup above and lose to the
		// unique index on the key; replay the winner's payout instead of
		// surfacing a storage error.
		if errors.Is(err, ports.ErrDuplicateKey) {
			if result, derr := s.dedupByKey(ctx, key, requestHash); derr != nil || result != nil {
				return result, derr
			}
		}
		return nil, err
	}

	// The row lock is released before the provider call; a slow provider must
	// not serialize unrelated mutations on the account.
	transfer := s.initiateTransfer(ctx, req.Destination, req.Amount, payout.ID)

	status, err := s.settleInitiation(ctx, payout, transfer)
	if err != nil {
		return nil, err
	}
	return &ports.PayoutResult{PayoutID: payout.ID, Status: status}, nil
}

// dedupByKey resolves a reused idempotency key against the payouts table.
// It returns (nil, nil) when the key is unused, or when the previous attempt
// is a confirmed failure and a fresh payout is permitted.
func (s *PayoutServiceImpl) dedupByKey(ctx context.Context, key, requestHash string) (*ports.PayoutResult, error) {
	existing, err := s.payoutRepo.GetLatestByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("idempotency lookup: %w", err))
	}
	if existing == nil {
		return nil, nil
	}
	if existing.RequestHash != requestHash {
		return nil, apperror.ErrIdempotencyConflict()
	}
	if !existing.Retryable() {
		if existing.Status == domain.PayoutStatusFailed {
			// Failed but the provider never confirmed non-execution. The
			// funds stay reserved until reconciliation settles it.
			return nil, apperror.ErrPayoutNotRetryable()
		}
		metrics.IdempotencyHits.WithLabelValues(string(domain.OperationPayout)).Inc()
		return &ports.PayoutResult{PayoutID: existing.ID, Status: existing.Status}, nil
	}
	// Confirmed failure: the reversal restored the funds, so a fresh attempt
	// under the same key is a brand-new payout.
	s.log.Info().
		Str("previous_payout_id", existing.ID.String()).
		Str("key", key).
		Msg("retrying confirmed-failed payout under same key")
	return nil, nil
}

// reserveDebit creates the pending payout row and its payout_debit entry in
// one transaction, enforcing the daily cap and available funds under the
// account row lock.
func (s *PayoutServiceImpl) reserveDebit(ctx context.Context, req ports.PayoutRequest, key, requestHash string) (*domain.Payout, error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	account, err := s.accountRepo.GetOrCreateForUpdate(ctx, dbTx, req.Owner)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock account: %w", err))
	}
	if !account.Active {
		return nil, apperror.ErrAccountInactive()
	}

	debitedToday, err := s.ledgerRepo.SumDebitsSince(ctx, dbTx, account.ID, domain.EntryKindPayoutDebit, startOfDayUTC(time.Now()))
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("daily cap check: %w", err))
	}
	if debitedToday+req.Amount > s.dailyCap {
		metrics.LedgerMutations.WithLabelValues(string(domain.EntryKindPayoutDebit), "daily_cap").Inc()
		return nil, apperror.ErrDailyCapExceeded()
	}

	if account.Balance < req.Amount {
		metrics.LedgerMutations.WithLabelValues(string(domain.EntryKindPayoutDebit), "insufficient_funds").Inc()
		return nil, apperror.ErrInsufficientFunds()
	}

	now := time.Now().UTC()
	payout := &domain.Payout{
		ID:             uuid.New(),
		AccountID:      account.ID,
		Amount:         req.Amount,
		Status:         domain.PayoutStatusPending,
		IdempotencyKey: key,
		RequestHash:    requestHash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.payoutRepo.Create(ctx, dbTx, payout); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create payout: %w", err))
	}

	entry := &domain.LedgerEntry{
		ID:             uuid.New(),
		AccountID:      account.ID,
		Amount:         -req.Amount,
		Kind:           domain.EntryKindPayoutDebit,
		IdempotencyKey: &key,
		Context: &domain.EntryContext{
			Version: domain.EntryContextVersion,
			Payout:  &domain.PayoutContext{PayoutID: payout.ID},
		},
		CreatedAt: now,
	}
	if err := s.ledgerRepo.Create(ctx, dbTx, entry); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create debit entry: %w", err))
	}
	if err := s.accountRepo.UpdateBalance(ctx, dbTx, account.ID, account.Balance-req.Amount); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("update balance: %w", err))
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}

	metrics.LedgerMutations.WithLabelValues(string(domain.EntryKindPayoutDebit), "committed").Inc()
	metrics.PayoutTransitions.WithLabelValues(string(domain.PayoutStatusPending)).Inc()

	s.log.Info().
		Str("payout_id", payout.ID.String()).
		Str("owner", req.Owner.ID).
		Int64("amount", req.Amount).
		Msg("payout debit reserved")

	return payout, nil
}

// initiateTransfer calls the provider. The token derived from the payout id is
// the provider-side idempotency key, so a duplicated call cannot move money
// twice, and it doubles as the reconciler's lookup reference.
func (s *PayoutServiceImpl) initiateTransfer(ctx context.Context, destination string, amount int64, payoutID uuid.UUID) *ports.ProviderTransfer {
	timer := prometheus.NewTimer(metrics.ProviderCallDuration.WithLabelValues("initiate_transfer"))
	transfer, err := s.provider.InitiateTransfer(ctx, destination, amount, domain.ProviderTokenFor(payoutID))
	timer.ObserveDuration()
	if err != nil {
		// The contract maps transport failures to ambiguous, so this branch
		// should not trigger. Treat it as ambiguous anyway.
		s.log.Error().Err(err).Str("payout_id", payoutID.String()).Msg("provider returned unexpected error on initiate")
		return &ports.ProviderTransfer{Status: ports.TransferAmbiguous}
	}
	return transfer
}

// settleInitiation applies the provider's initiation outcome to the payout.
func (s *PayoutServiceImpl) settleInitiation(ctx context.Context, payout *domain.Payout, transfer *ports.ProviderTransfer) (domain.PayoutStatus, error) {
	ref := externalRef(transfer)

	switch transfer.Status {
	case ports.TransferSucceeded:
		if err := s.transition(ctx, payout.ID, domain.PayoutStatusSucceeded, ref, false, nil); err != nil {
			return "", err
		}
		s.log.Info().Str("payout_id", payout.ID.String()).Msg("payout succeeded")
		return domain.PayoutStatusSucceeded, nil

	case ports.TransferFailed:
		// The provider confirmed no money moved: reverse the debit and allow a
		// fresh attempt under the same key.
		if err := s.reverseAndFail(ctx, payout.ID, ref); err != nil {
			return "", err
		}
		s.log.Info().Str("payout_id", payout.ID.String()).Msg("payout failed, debit reversed")
		return domain.PayoutStatusFailed, nil

	default:
		// Indeterminate. Funds stay reserved until the reconciler learns the
		// authoritative outcome from the provider.
		if err := s.transition(ctx, payout.ID, domain.PayoutStatusUnknown, ref, false, nil); err != nil {
			return "", err
		}
		s.log.Warn().Str("payout_id", payout.ID.String()).Msg("payout outcome indeterminate, awaiting reconciliation")
		return domain.PayoutStatusUnknown, nil
	}
}

// transition moves a payout to a new status in its own short transaction.
func (s *PayoutServiceImpl) transition(ctx context.Context, payoutID uuid.UUID, status domain.PayoutStatus, ref *string, confirmed bool, reconciledAt *time.Time) error {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if err := s.payoutRepo.UpdateOutcome(ctx, dbTx, payoutID, status, ref, confirmed, reconciledAt); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update payout: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}
	metrics.PayoutTransitions.WithLabelValues(string(status)).Inc()
	return nil
}

// reverseAndFail writes the payout_reversal entry and the failed transition in
// one transaction. The ReversalExists check under the payout row lock makes
// the reversal exactly-once even when racing the reconciler.
func (s *PayoutServiceImpl) reverseAndFail(ctx context.Context, payoutID uuid.UUID, ref *string) error {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	payout, err := s.payoutRepo.GetByIDForUpdate(ctx, dbTx, payoutID)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("lock payout: %w", err))
	}
	if payout == nil {
		return apperror.ErrNotFound("payout")
	}

	exists, err := s.ledgerRepo.ReversalExists(ctx, dbTx, payoutID)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("reversal check: %w", err))
	}
	if !exists {
		account, err := s.accountRepo.GetByIDForUpdate(ctx, dbTx, payout.AccountID)
		if err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("lock account: %w", err))
		}
		entry := &domain.LedgerEntry{
			ID:        uuid.New(),
			AccountID: payout.AccountID,
			Amount:    payout.Amount,
			Kind:      domain.EntryKindPayoutReversal,
			Context: &domain.EntryContext{
				Version: domain.EntryContextVersion,
				Payout:  &domain.PayoutContext{PayoutID: payoutID},
			},
			CreatedAt: time.Now().UTC(),
		}
		if err := s.ledgerRepo.Create(ctx, dbTx, entry); err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("create reversal entry: %w", err))
		}
		if err := s.accountRepo.UpdateBalance(ctx, dbTx, payout.AccountID, account.Balance+payout.Amount); err != nil {
			return apperror.ErrDatabaseError(fmt.Errorf("update balance: %w", err))
		}
		metrics.LedgerMutations.WithLabelValues(string(domain.EntryKindPayoutReversal), "committed").Inc()
	}

	if err := s.payoutRepo.UpdateOutcome(ctx, dbTx, payoutID, domain.PayoutStatusFailed, ref, true, nil); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update payout: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}
	metrics.PayoutTransitions.WithLabelValues(string(domain.PayoutStatusFailed)).Inc()
	return nil
}

// GetPayoutStatus returns the owner-facing view of a payout.
func (s *PayoutServiceImpl) GetPayoutStatus(ctx context.Context, payoutID uuid.UUID) (*ports.PayoutStatusResult, error) {
	payout, err := s.payoutRepo.GetByID(ctx, payoutID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("load payout: %w", err))
	}
	if payout == nil {
		return nil, apperror.ErrNotFound("payout")
	}
	return &ports.PayoutStatusResult{
		PayoutID:            payout.ID,
		Status:              payout.DisplayStatus(),
		Reference:           payout.ExternalRef,
		NoTransferConfirmed: payout.NoTransferConfirmed,
	}, nil
}

func externalRef(transfer *ports.ProviderTransfer) *string {
	if transfer.Reference == "" {
		return nil
	}
	ref := transfer.Reference
	return &ref
}

// startOfDayUTC is the rolling daily cap window boundary.
func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
