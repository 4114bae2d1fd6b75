package service

import (
	"context"
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

const sweepBatchSize = 100

// ReconcileServiceImpl implements ports.ReconcileService. It resolves
// `unknown` payouts against the provider's authoritative transfer state. Every
// step is idempotent: reconciling a payout any number of times, concurrently
// or not, converges on the same terminal state with at most one reversal.
type ReconcileServiceImpl struct {
	accountRepo ports.AccountRepository
	ledgerRepo  ports.LedgerRepository
	payoutRepo  ports.PayoutRepository
	provider    ports.PaymentProvider
	events      ports.EventSink
	transactor  ports.DBTransactor
	staleness   time.Duration
	log         zerolog.Logger
}

// NewReconcileService creates a new ReconcileServiceImpl.
func NewReconcileService(
	accountRepo ports.AccountRepository,
	ledgerRepo ports.LedgerRepository,
	payoutRepo ports.PayoutRepository,
	provider ports.PaymentProvider,
	events ports.EventSink,
	transactor ports.DBTransactor,
	staleness time.Duration,
	log zerolog.Logger,
) *ReconcileServiceImpl {
	return &ReconcileServiceImpl{
		accountRepo: accountRepo,
		ledgerRepo:  ledgerRepo,
		payoutRepo:  payoutRepo,
		provider:    provider,
		events:      events,
		transactor:  transactor,
		staleness:   staleness,
		log:         log,
	}
}

// Reconcile resolves one payout against the provider. Payouts already
// succeeded or failed are left untouched; a pending payout is still inside the
// creation flow and is skipped too. If the provider cannot answer, the payout
// stays unknown with only its reconciled_at stamp advanced.
func (s *ReconcileServiceImpl) Reconcile(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	payout, err := s.payoutRepo.GetByID(ctx, payoutID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("load payout: %w", err))
	}
	if payout == nil {
		return nil, apperror.ErrNotFound("payout")
	}
	if payout.Status != domain.PayoutStatusUnknown {
		return payout, nil
	}

	// The provider token assigned at initiation is the fallback reference for
	// payouts whose initiate call never returned one.
	ref := domain.ProviderTokenFor(payout.ID)
	if payout.ExternalRef != nil {
		ref = *payout.ExternalRef
	}

	timer := prometheus.NewTimer(metrics.ProviderCallDuration.WithLabelValues("get_transfer"))
	transfer, err := s.provider.GetTransfer(ctx, ref)
	timer.ObserveDuration()
	if err != nil {
		// Provider unreachable: no information gained, so no transition. The
		// stamp keeps the sweep from hammering the same payout.
		s.log.Warn().Err(err).Str("payout_id", payout.ID.String()).Msg("provider lookup failed, payout stays unknown")
		if stampErr := s.stampReconciled(ctx, payout); stampErr != nil {
			return nil, stampErr
		}
		stamped, loadErr := s.payoutRepo.GetByID(ctx, payoutID)
		if loadErr != nil {
			return nil, apperror.ErrDatabaseError(fmt.Errorf("reload payout: %w", loadErr))
		}
		return stamped, nil
	}

	switch transfer.Status {
	case ports.TransferSucceeded:
		// Money moved. The debit stands; the reserved funds are spent.
		err = s.finalize(ctx, payout.ID, domain.PayoutStatusSucceeded, externalRef(transfer))
	case ports.TransferFailed:
		// Provider confirmed non-execution. Reverse the debit exactly once.
		err = s.reverseAndConfirmFailed(ctx, payout.ID, externalRef(transfer))
	default:
		// Still in flight on the provider side. Check again next sweep.
		s.log.Info().Str("payout_id", payout.ID.String()).Msg("transfer still ambiguous at provider")
		err = s.stampReconciled(ctx, payout)
	}
	if err != nil {
		return nil, err
	}

	resolved, err := s.payoutRepo.GetByID(ctx, payoutID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("reload payout: %w", err))
	}
	if resolved != nil && resolved.Status != domain.PayoutStatusUnknown {
		s.publishReconciled(ctx, resolved)
	}
	return resolved, nil
}

// finalize transitions an unknown payout to a terminal status. The status is
// rechecked under the row lock so a racing reconciler cannot double-apply.
func (s *ReconcileServiceImpl) finalize(ctx context.Context, payoutID uuid.UUID, status domain.PayoutStatus, ref *string) error {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	payout, err := s.payoutRepo.GetByIDForUpdate(ctx, dbTx, payoutID)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("lock payout: %w", err))
	}
	if payout == nil || payout.Status != domain.PayoutStatusUnknown {
		return nil
	}

	now := time.Now().UTC()
	if err := s.payoutRepo.UpdateOutcome(ctx, dbTx, payoutID, status, ref, false, &now); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update payout: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}
	metrics.PayoutTransitions.WithLabelValues(string(status)).Inc()
	s.log.Info().Str("payout_id", payoutID.String()).Str("status", string(status)).Msg("payout reconciled")
	return nil
}

// reverseAndConfirmFailed applies a confirmed provider failure: one reversal
// entry, balance restore, and the failed transition, all in one transaction.
func (s *ReconcileServiceImpl) reverseAndConfirmFailed(ctx context.Context, payoutID uuid.UUID, ref *string) error {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	payout, err := s.payoutRepo.GetByIDForUpdate(ctx, dbTx, payoutID)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("lock payout: %w", err))
	}
	if payout == nil || payout.Status != domain.PayoutStatusUnknown {
		return nil
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

	now := time.Now().UTC()
	if err := s.payoutRepo.UpdateOutcome(ctx, dbTx, payoutID, domain.PayoutStatusFailed, ref, true, &now); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update payout: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}
	metrics.PayoutTransitions.WithLabelValues(string(domain.PayoutStatusFailed)).Inc()
	s.log.Info().Str("payout_id", payoutID.String()).Msg("payout failure confirmed, debit reversed")
	return nil
}

// stampReconciled advances reconciled_at without changing status.
func (s *ReconcileServiceImpl) stampReconciled(ctx context.Context, payout *domain.Payout) error {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	if err := s.payoutRepo.UpdateOutcome(ctx, dbTx, payout.ID, payout.Status, nil, payout.NoTransferConfirmed, &now); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("stamp payout: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func (s *ReconcileServiceImpl) publishReconciled(ctx context.Context, payout *domain.Payout) {
	detail := map[string]string{
		"status": string(payout.Status),
		"amount": fmt.Sprintf("%d", payout.Amount),
	}
	event := domain.NewEvent(domain.EventPayoutReconciled, &payout.AccountID, payout.ID.String(), detail)
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("payout_id", payout.ID.String()).Msg("failed to publish reconcile event")
	}
}

// SweepOnce reconciles one batch of stale unknown payouts.
func (s *ReconcileServiceImpl) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.staleness)
	stale, err := s.payoutRepo.ListStaleUnknown(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("list stale payouts: %w", err))
	}

	for i := range stale {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		if _, err := s.Reconcile(ctx, stale[i].ID); err != nil {
			// One stuck payout must not starve the rest of the batch.
			s.log.Error().Err(err).Str("payout_id", stale[i].ID.String()).Msg("sweep reconcile failed")
		}
	}
	return len(stale), nil
}

// RunSweeper runs the periodic reconciliation loop until ctx is cancelled.
func (s *ReconcileServiceImpl) RunSweeper(ctx context.Context, interval time.Duration) {
	s.log.Info().Dur("interval", interval).Msg("reconciliation sweeper started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("reconciliation sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("reconciliation sweep failed")
				continue
			}
			if n > 0 {
				s.log.Info().Int("examined", n).Msg("reconciliation sweep complete")
			}
		}
	}
}
