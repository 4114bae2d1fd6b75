package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"nova-ledger/internal/core/domain"
	"nova-ledger/internal/core/ports"
	"nova-ledger/internal/core/ports/mocks"
	"nova-ledger/pkg/apperror"
	"nova-ledger/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type payoutDeps struct {
	accountRepo *mocks.MockAccountRepository
	ledgerRepo  *mocks.MockLedgerRepository
	payoutRepo  *mocks.MockPayoutRepository
	provider    *mocks.MockPaymentProvider
	transactor  *mocks.MockDBTransactor
}

func newPayoutService(t *testing.T) (*PayoutServiceImpl, *payoutDeps) {
	t.Helper()
	ctrl := gomock.NewController(t)
	d := &payoutDeps{
		accountRepo: mocks.NewMockAccountRepository(ctrl),
		ledgerRepo:  mocks.NewMockLedgerRepository(ctrl),
		payoutRepo:  mocks.NewMockPayoutRepository(ctrl),
		provider:    mocks.NewMockPaymentProvider(ctrl),
		transactor:  mocks.NewMockDBTransactor(ctrl),
	}
	svc := NewPayoutService(
		d.accountRepo, d.ledgerRepo, d.payoutRepo, d.provider, d.transactor,
		false, 100, 1000000, 5000000, logger.New("debug", false),
	)
	return svc, d
}

func payoutRequest() ports.PayoutRequest {
	return ports.PayoutRequest{
		Owner:          domain.OwnerRef{Type: domain.OwnerTypeDriver, ID: "driver-1"},
		Amount:         5000,
		Destination:    "bank-token-1",
		IdempotencyKey: "payout-key-1",
	}
}

func payoutRequestHash(t *testing.T, req ports.PayoutRequest) string {
	t.Helper()
	hash, _, err := fingerprint(struct {
		Owner       domain.OwnerRef `json:"owner"`
		Amount      int64           `json:"amount"`
		Destination string          `json:"destination"`
	}{req.Owner, req.Amount, req.Destination})
	require.NoError(t, err)
	return hash
}

// expectReserve wires the debit reservation transaction and returns a pointer
// that captures the created payout.
func expectReserve(ctx context.Context, d *payoutDeps, tx *mockTx, account *domain.Account) **domain.Payout {
	captured := new(*domain.Payout)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.accountRepo.EXPECT().GetOrCreateForUpdate(ctx, tx, gomock.Any()).Return(account, nil)
	d.ledgerRepo.EXPECT().SumDebitsSince(ctx, tx, account.ID, domain.EntryKindPayoutDebit, gomock.Any()).Return(int64(0), nil)
	d.payoutRepo.EXPECT().Create(ctx, tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ interface{}, p *domain.Payout) error {
			*captured = p
			return nil
		})
	d.ledgerRepo.EXPECT().Create(ctx, tx, gomock.Any()).Return(nil)
	d.accountRepo.EXPECT().UpdateBalance(ctx, tx, account.ID, account.Balance-5000).Return(nil)
	return captured
}

func TestCreatePayout_ProviderSucceeded(t *testing.T) {
	svc, d := newPayoutService(t)
	ctx := context.Background()
	tx := &mockTx{}
	account := driverAccount(20000)

	d.payoutRepo.EXPECT().GetLatestByIdempotencyKey(ctx, "payout-key-1").Return(nil, nil)
	captured := expectReserve(ctx, d, tx, account)

	d.provider.EXPECT().InitiateTransfer(ctx, "bank-token-1", int64(5000), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ int64, token string) (*ports.ProviderTransfer, error) {
			assert.Equal(t, domain.ProviderTokenFor((*captured).ID), token)
			return &ports.ProviderTransfer{Reference: "prov-ref-1", Status: ports.TransferSucceeded}, nil
		})

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.payoutRepo.EXPECT().UpdateOutcome(ctx, tx, gomock.Any(), domain.PayoutStatusSucceeded, gomock.Any(), false, gomock.Any()).Return(nil)

	result, err := svc.CreatePayout(ctx, payoutRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutStatusSucceeded, result.Status)
	assert.Equal(t, (*captured).ID, result.PayoutID)
}

func TestCreatePayout_ProviderFailedReversesDebit(t *testing.T) {
	svc, d := newPayoutService(t)
	ctx := context.Background()
	tx := &mockTx{}
	account := driverAccount(20000)

	d.payoutRepo.EXPECT().GetLatestByIdempotencyKey(ctx, "payout-key-1").Return(nil, nil)
	captured := expectReserve(ctx, d, tx, account)

	d.provider.EXPECT().InitiateTransfer(ctx, "bank-token-1", int64(5000), gomock.Any()).
		Return(&ports.ProviderTransfer{Status: ports.TransferFailed}, nil)

	// Reversal transaction: lock payout, check for existing reversal, credit
	// the amount back, then mark failed with confirmation.
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.payoutRepo.EXPECT().GetByIDForUpdate(ctx, tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ interface{}, id uuid.UUID) (*domain.Payout, error) {
			require.Equal(t, (*captured).ID, id)
			return *captured, nil
		})
	d.ledgerRepo.EXPECT().ReversalExists(ctx, tx, gomock.Any()).Return(false, nil)
	d.accountRepo.EXPECT().GetByIDForUpdate(ctx, tx, account.ID).
		Return(&domain.Account{ID: account.ID, Balance: 15000, Active: true}, nil)
	d.ledgerRepo.EXPECT().Create(ctx, tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ interface{}, entry *domain.LedgerEntry) error {
			assert.Equal(t, domain.EntryKindPayoutReversal, entry.Kind)
			assert.Equal(t, int64(5000), entry.Amount)
			return nil
		})
	d.accountRepo.EXPECT().UpdateBalance(ctx, tx, account.ID, int64(20000)).Return(nil)
	d.payoutRepo.EXPECT().UpdateOutcome(ctx, tx, gomock.Any(), domain.PayoutStatusFailed, gomock.Any(), true, gomock.Any()).Return(nil)

	result, err := svc.CreatePayout(ctx, payoutRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutStatusFailed, result.Status)
}

func TestCreatePayout_AmbiguousOutcomeStaysUnknown(t *testing.T) {
	svc, d := newPayoutService(t)
	ctx := context.Background()
	tx := &mockTx{}
	account := driverAccount(20000)

	d.payoutRepo.EXPECT().GetLatestByIdempotencyKey(ctx, "payout-key-1").Return(nil, nil)
	expectReserve(ctx, d, tx, account)

	// A timeout surfaces as ambiguous, never as a hard failure.
	d.provider.EXPECT().InitiateTransfer(ctx, "bank-token-1", int64(5000), gomock.Any()).
		Return(&ports.ProviderTransfer{Status: ports.TransferAmbiguous}, nil)

	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.payoutRepo.EXPECT().UpdateOutcome(ctx, tx, gomock.Any(), domain.PayoutStatusUnknown, gomock.Any(), false, gomock.Any()).Return(nil)

	result, err := svc.CreatePayout(ctx, payoutRequest())
	require.NoError(t, err)
	// The debit stands: no reversal without provider confirmation.
	assert.Equal(t, domain.PayoutStatusUnknown, result.Status)
}

func TestCreatePayout_AmountOutOfBounds(t *testing.T) {
	svc, _ := newPayoutService(t)

	for _, amount := range []int64{0, 50, 2000000} {
		req := payoutRequest()
		req.Amount = amount
		_, err := svc.CreatePayout(context.Background(), req)
		var appErr *apperror.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "PAYOUT_001", appErr.Code)
	}
}

func TestCreatePayout_DailyCapExceeded(t *testing.T) {
	svc, d := newPayoutService(t)
	ctx := context.Background()
	tx := &mockTx{}
	account := driverAccount(20000000)

	d.payoutRepo.EXPECT().GetLatestByIdempotencyKey(ctx, "payout-key-1").Return(nil, nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.accountRepo.EXPECT().GetOrCreateForUpdate(ctx, tx, gomock.Any()).Return(account, nil)
	d.ledgerRepo.EXPECT().SumDebitsSince(ctx, tx, account.ID, domain.EntryKindPayoutDebit, gomock.Any()).
		Return(int64(4999000), nil)

	_, err := svc.CreatePayout(ctx, payoutRequest())
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "PAYOUT_002", appErr.Code)
}

func TestCreatePayout_InsufficientFunds(t *testing.T) {
	svc, d := newPayoutService(t)
	ctx := context.Background()
	tx := &mockTx{}
	account := driverAccount(100)

	d.payoutRepo.EXPECT().GetLatestByIdempotencyKey(ctx, "payout-key-1").Return(nil, nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.accountRepo.EXPECT().GetOrCreateForUpdate(ctx, tx, gomock.Any()).Return(account, nil)
	d.ledgerRepo.EXPECT().SumDebitsSince(ctx, tx, account.ID, domain.EntryKindPayoutDebit, gomock.Any()).Return(int64(0), nil)

	_, err := svc.CreatePayout(ctx, payoutRequest())
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "LED_002", appErr.Code)
}

func TestCreatePayout_ReplayReturnsCurrentState(t *testing.T) {
	svc, d := newPayoutService(t)
	ctx := context.Background()
	req := payoutRequest()

	existing := &domain.Payout{
		ID:             uuid.New(),
		Status:         domain.PayoutStatusUnknown,
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    payoutRequestHash(t, req),
	}
	d.payoutRepo.EXPECT().GetLatestByIdempotencyKey(ctx, req.IdempotencyKey).Return(existing, nil)

	// No provider call, no new debit: the replay surfaces the live status.
	result, err := svc.CreatePayout(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, result.PayoutID)
	assert.Equal(t, domain.PayoutStatusUnknown, result.Status)
}

func TestCreatePayout_KeyReuseDifferentPayloadConflicts(t *testing.T) {
	svc, d := newPayoutService(t)
	ctx := context.Background()
	req := payoutRequest()

	d.payoutRepo.EXPECT().GetLatestByIdempotencyKey(ctx, req.IdempotencyKey).Return(&domain.Payout{
		ID:             uuid.New(),
		Status:         domain.PayoutStatusSucceeded,
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    "another-hash",
	}, nil)

	_, err := svc.CreatePayout(ctx, req)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "IDEM_002", appErr.Code)
}

func TestCreatePayout_ConfirmedFailurePermitsRetry(t *testing.T) {
	svc, d := newPayoutService(t)
	ctx := context.Background()
	tx := &mockTx{}
	account := driverAccount(20000)
	req := payoutRequest()

	d.payoutRepo.EXPECT().GetLatestByIdempotencyKey(ctx, req.IdempotencyKey).Return(&domain.Payout{
		ID:                  uuid.New(),
		Status:              domain.PayoutStatusFailed,
		NoTransferConfirmed: true,
		IdempotencyKey:      req.IdempotencyKey,
		RequestHash:         payoutRequestHash(t, req),
		CreatedAt:           time.Now().Add(-time.Hour),
	}, nil)

	captured := expectReserve(ctx, d, tx, account)
	d.provider.EXPECT().InitiateTransfer(ctx, "bank-token-1", int64(5000), gomock.Any()).
		Return(&ports.ProviderTransfer{Reference: "prov-ref-2", Status: ports.TransferSucceeded}, nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.payoutRepo.EXPECT().UpdateOutcome(ctx, tx, gomock.Any(), domain.PayoutStatusSucceeded, gomock.Any(), false, gomock.Any()).Return(nil)

	result, err := svc.CreatePayout(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, (*captured).ID, result.PayoutID)
}

func TestCreatePayout_UnconfirmedFailureNotRetryable(t *testing.T) {
	svc, d := newPayoutService(t)
	ctx := context.Background()
	req := payoutRequest()

	d.payoutRepo.EXPECT().GetLatestByIdempotencyKey(ctx, req.IdempotencyKey).Return(&domain.Payout{
		ID:                  uuid.New(),
		Status:              domain.PayoutStatusFailed,
		NoTransferConfirmed: false,
		IdempotencyKey:      req.IdempotencyKey,
		RequestHash:         payoutRequestHash(t, req),
	}, nil)

	_, err := svc.CreatePayout(ctx, req)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "PAYOUT_003", appErr.Code)
}

func TestCreatePayout_RacingRetryReplaysWinner(t *testing.T) {
	svc, d := newPayoutService(t)
	ctx := context.Background()
	tx := &mockTx{}
	account := driverAccount(20000)
	req := payoutRequest()

	winner := &domain.Payout{
		ID:             uuid.New(),
		AccountID:      account.ID,
		Amount:         req.Amount,
		Status:         domain.PayoutStatusPending,
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    payoutRequestHash(t, req),
	}

	// The first lookup sees nothing, then the insert loses to a concurrent
	// retry on the key's unique index, and the second lookup reads the
	// winner's committed payout.
	d.payoutRepo.EXPECT().GetLatestByIdempotencyKey(ctx, req.IdempotencyKey).Return(nil, nil)
	d.transactor.EXPECT().Begin(ctx).Return(tx, nil)
	d.accountRepo.EXPECT().GetOrCreateForUpdate(ctx, tx, gomock.Any()).Return(account, nil)
	d.ledgerRepo.EXPECT().SumDebitsSince(ctx, tx, account.ID, domain.EntryKindPayoutDebit, gomock.Any()).Return(int64(0), nil)
	d.payoutRepo.EXPECT().Create(ctx, tx, gomock.Any()).
		Return(fmt.Errorf("insert payout: %w", ports.ErrDuplicateKey))
	d.payoutRepo.EXPECT().GetLatestByIdempotencyKey(ctx, req.IdempotencyKey).Return(winner, nil)

	// No debit entry, no balance write, no provider call on the losing side.
	result, err := svc.CreatePayout(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, result.PayoutID)
	assert.Equal(t, domain.PayoutStatusPending, result.Status)
}

func TestGetPayoutStatus_UnknownPresentsAsProcessing(t *testing.T) {
	svc, d := newPayoutService(t)
	ctx := context.Background()
	payoutID := uuid.New()

	d.payoutRepo.EXPECT().GetByID(ctx, payoutID).Return(&domain.Payout{
		ID:     payoutID,
		Status: domain.PayoutStatusUnknown,
	}, nil)

	result, err := svc.GetPayoutStatus(ctx, payoutID)
	require.NoError(t, err)
	assert.Equal(t, "processing", result.Status)
	assert.False(t, result.NoTransferConfirmed)
}

func TestGetPayoutStatus_NotFound(t *testing.T) {
	svc, d := newPayoutService(t)
	ctx := context.Background()
	payoutID := uuid.New()

	d.payoutRepo.EXPECT().GetByID(ctx, payoutID).Return(nil, nil)

	_, err := svc.GetPayoutStatus(ctx, payoutID)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "LED_004", appErr.Code)
}
