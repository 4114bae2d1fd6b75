package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"nova-ledger/internal/core/domain"
	"nova-ledger/internal/core/ports"
	"nova-ledger/internal/core/ports/mocks"
	"nova-ledger/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type reconcileDeps struct {
	accountRepo *mocks.MockAccountRepository
	ledgerRepo  *mocks.MockLedgerRepository
	payoutRepo  *mocks.MockPayoutRepository
	provider    *mocks.MockPaymentProvider
	events      *mocks.MockEventSink
	transactor  *mocks.MockDBTransactor
}

func newReconcileService(t *testing.T) (*ReconcileServiceImpl, *reconcileDeps) {
	t.Helper()
	ctrl := gomock.NewController(t)
	d := &reconcileDeps{
		accountRepo: mocks.NewMockAccountRepository(ctrl),
		ledgerRepo:  mocks.NewMockLedgerRepository(ctrl),
		payoutRepo:  mocks.NewMockPayoutRepository(ctrl),
		provider:    mocks.NewMockPaymentProvider(ctrl),
		events:      mocks.NewMockEventSink(ctrl),
		transactor:  mocks.NewMockDBTransactor(ctrl),
	}
	svc := NewReconcileService(
		d.accountRepo, d.ledgerRepo, d.payoutRepo, d.provider, d.events, d.transactor,
		10*time.Minute, logger.New("debug", false),
	)
	return svc, d
}

func unknownPayout() *domain.Payout {
	return &domain.Payout{
		ID:        uuid.New(),
		AccountID: uuid.New(),
		Amount:    5000,
		Status:    domain.PayoutStatusUnknown,
		CreatedAt: time.Now().Add(-time.Hour),
		UpdatedAt: time.Now().Add(-time.Hour),
	}
}

func TestReconcile_ProviderConfirmsSuccess(t *testing.T) {
	svc, d := newReconcileService(t)
	ctx := context.Background()
	tx := &mockTx{}
	payout := unknownPayout()

	d.payoutRepo.EXPECT().GetByID(ctx, payout.ID).Return(payout, nil)
	// No provider reference stored: lookup falls back to the derived token.
	d.provider.EXPECT().GetTransfer(ctx, domain.ProviderTokenFor(payout.ID)).
		Return(&ports.ProviderTransfer{Reference: "prov-ref-9", Status: ports.TransferSucceeded}, nil)

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.payoutRepo.EXPECT().GetByIDForUpdate(ctx, tx, payout.ID).Return(payout, nil)
	d.payoutRepo.EXPECT().UpdateOutcome(ctx, tx, payout.ID, domain.PayoutStatusSucceeded, gomock.Any(), false, gomock.Any()).Return(nil)

	resolved := &domain.Payout{ID: payout.ID, AccountID: payout.AccountID, Amount: 5000, Status: domain.PayoutStatusSucceeded}
	d.payoutRepo.EXPECT().GetByID(ctx, payout.ID).Return(resolved, nil)
	d.events.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, event *domain.Event) error {
			assert.Equal(t, domain.EventPayoutReconciled, event.Type)
			assert.Equal(t, "succeeded", event.Detail["status"])
			return nil
		})

	result, err := svc.Reconcile(ctx, payout.ID)
	require.NoError(t, err)
	// The debit stands: money moved, so no reversal is ever written.
	assert.Equal(t, domain.PayoutStatusSucceeded, result.Status)
}

func TestReconcile_ProviderConfirmsFailure(t *testing.T) {
	svc, d := newReconcileService(t)
	ctx := context.Background()
	tx := &mockTx{}
	payout := unknownPayout()

	d.payoutRepo.EXPECT().GetByID(ctx, payout.ID).Return(payout, nil)
	d.provider.EXPECT().GetTransfer(ctx, gomock.Any()).
		Return(&ports.ProviderTransfer{Status: ports.TransferFailed}, nil)

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.payoutRepo.EXPECT().GetByIDForUpdate(ctx, tx, payout.ID).Return(payout, nil)
	d.ledgerRepo.EXPECT().ReversalExists(ctx, tx, payout.ID).Return(false, nil)
	d.accountRepo.EXPECT().GetByIDForUpdate(ctx, tx, payout.AccountID).
		Return(&domain.Account{ID: payout.AccountID, Balance: 1000, Active: true}, nil)
	d.ledgerRepo.EXPECT().Create(ctx, tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ interface{}, entry *domain.LedgerEntry) error {
			assert.Equal(t, domain.EntryKindPayoutReversal, entry.Kind)
			assert.Equal(t, int64(5000), entry.Amount)
			return nil
		})
	d.accountRepo.EXPECT().UpdateBalance(ctx, tx, payout.AccountID, int64(6000)).Return(nil)
	d.payoutRepo.EXPECT().UpdateOutcome(ctx, tx, payout.ID, domain.PayoutStatusFailed, gomock.Any(), true, gomock.Any()).Return(nil)

	resolved := &domain.Payout{ID: payout.ID, AccountID: payout.AccountID, Amount: 5000, Status: domain.PayoutStatusFailed, NoTransferConfirmed: true}
	d.payoutRepo.EXPECT().GetByID(ctx, payout.ID).Return(resolved, nil)
	d.events.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	result, err := svc.Reconcile(ctx, payout.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutStatusFailed, result.Status)
	assert.True(t, result.NoTransferConfirmed)
}

func TestReconcile_ReversalIsExactlyOnce(t *testing.T) {
	svc, d := newReconcileService(t)
	ctx := context.Background()
	tx := &mockTx{}
	payout := unknownPayout()

	d.payoutRepo.EXPECT().GetByID(ctx, payout.ID).Return(payout, nil)
	d.provider.EXPECT().GetTransfer(ctx, gomock.Any()).
		Return(&ports.ProviderTransfer{Status: ports.TransferFailed}, nil)

	// A racing reconciler already committed the reversal: only the status
	// transition is applied, no second credit.
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.payoutRepo.EXPECT().GetByIDForUpdate(ctx, tx, payout.ID).Return(payout, nil)
	d.ledgerRepo.EXPECT().ReversalExists(ctx, tx, payout.ID).Return(true, nil)
	d.payoutRepo.EXPECT().UpdateOutcome(ctx, tx, payout.ID, domain.PayoutStatusFailed, gomock.Any(), true, gomock.Any()).Return(nil)

	resolved := &domain.Payout{ID: payout.ID, AccountID: payout.AccountID, Status: domain.PayoutStatusFailed, NoTransferConfirmed: true}
	d.payoutRepo.EXPECT().GetByID(ctx, payout.ID).Return(resolved, nil)
	d.events.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	_, err := svc.Reconcile(ctx, payout.ID)
	require.NoError(t, err)
}

func TestReconcile_TerminalPayoutUntouched(t *testing.T) {
	svc, d := newReconcileService(t)
	ctx := context.Background()
	payout := &domain.Payout{ID: uuid.New(), Status: domain.PayoutStatusSucceeded}

	d.payoutRepo.EXPECT().GetByID(ctx, payout.ID).Return(payout, nil)

	result, err := svc.Reconcile(ctx, payout.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutStatusSucceeded, result.Status)
}

func TestReconcile_ProviderUnreachableLeavesUnknown(t *testing.T) {
	svc, d := newReconcileService(t)
	ctx := context.Background()
	tx := &mockTx{}
	payout := unknownPayout()

	d.payoutRepo.EXPECT().GetByID(ctx, payout.ID).Return(payout, nil)
	d.provider.EXPECT().GetTransfer(ctx, gomock.Any()).Return(nil, errors.New("connection refused"))

	// Only the reconciled_at stamp advances.
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.payoutRepo.EXPECT().UpdateOutcome(ctx, tx, payout.ID, domain.PayoutStatusUnknown, gomock.Nil(), false, gomock.Any()).Return(nil)
	d.payoutRepo.EXPECT().GetByID(ctx, payout.ID).Return(payout, nil)

	result, err := svc.Reconcile(ctx, payout.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutStatusUnknown, result.Status)
}

func TestReconcile_StatusRecheckedUnderLock(t *testing.T) {
	svc, d := newReconcileService(t)
	ctx := context.Background()
	tx := &mockTx{}
	payout := unknownPayout()

	d.payoutRepo.EXPECT().GetByID(ctx, payout.ID).Return(payout, nil)
	d.provider.EXPECT().GetTransfer(ctx, gomock.Any()).
		Return(&ports.ProviderTransfer{Status: ports.TransferSucceeded}, nil)

	// Another reconciler resolved it between the read and the lock.
	alreadyDone := &domain.Payout{ID: payout.ID, AccountID: payout.AccountID, Status: domain.PayoutStatusSucceeded}
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.payoutRepo.EXPECT().GetByIDForUpdate(ctx, tx, payout.ID).Return(alreadyDone, nil)
	d.payoutRepo.EXPECT().GetByID(ctx, payout.ID).Return(alreadyDone, nil)
	d.events.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	_, err := svc.Reconcile(ctx, payout.ID)
	require.NoError(t, err)
}

func TestSweepOnce_ReconcilesStaleBatch(t *testing.T) {
	svc, d := newReconcileService(t)
	ctx := context.Background()
	tx := &mockTx{}
	p1 := unknownPayout()
	p2 := unknownPayout()

	d.payoutRepo.EXPECT().ListStaleUnknown(ctx, gomock.Any(), sweepBatchSize).
		Return([]domain.Payout{*p1, *p2}, nil)

	for _, p := range []*domain.Payout{p1, p2} {
		d.payoutRepo.EXPECT().GetByID(ctx, p.ID).Return(p, nil)
		d.provider.EXPECT().GetTransfer(ctx, gomock.Any()).
			Return(&ports.ProviderTransfer{Status: ports.TransferAmbiguous}, nil)
		d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
		d.payoutRepo.EXPECT().UpdateOutcome(ctx, tx, p.ID, domain.PayoutStatusUnknown, gomock.Nil(), false, gomock.Any()).Return(nil)
		d.payoutRepo.EXPECT().GetByID(ctx, p.ID).Return(p, nil)
	}

	n, err := svc.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
