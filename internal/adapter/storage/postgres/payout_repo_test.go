package postgres

import (
	"context"
	"testing"
	"time"

	"nova-ledger/internal/core/domain"
	"nova-ledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPayout() *domain.Payout {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.Payout{
		ID:             uuid.New(),
		AccountID:      uuid.New(),
		Amount:         5000,
		Status:         domain.PayoutStatusPending,
		IdempotencyKey: "payout-key-1",
		RequestHash:    "abc123",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func payoutColumnNames() []string {
	return []string{"id", "account_id", "amount", "status", "external_ref", "no_transfer_confirmed",
		"reconciled_at", "idempotency_key", "request_hash", "created_at", "updated_at"}
}

func payoutRow(p *domain.Payout) *pgxmock.Rows {
	return pgxmock.NewRows(payoutColumnNames()).AddRow(
		p.ID, p.AccountID, p.Amount, p.Status, p.ExternalRef, p.NoTransferConfirmed,
		p.ReconciledAt, p.IdempotencyKey, p.RequestHash, p.CreatedAt, p.UpdatedAt,
	)
}

func TestPayoutRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPayoutRepo(mock)
	p := newTestPayout()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payouts").
		WithArgs(p.ID, p.AccountID, p.Amount, p.Status, p.ExternalRef, p.NoTransferConfirmed,
			p.ReconciledAt, p.IdempotencyKey, p.RequestHash, p.CreatedAt, p.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.Create(context.Background(), tx, p)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutRepo_Create_DuplicateKey(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPayoutRepo(mock)
	p := newTestPayout()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payouts").
		WithArgs(p.ID, p.AccountID, p.Amount, p.Status, p.ExternalRef, p.NoTransferConfirmed,
			p.ReconciledAt, p.IdempotencyKey, p.RequestHash, p.CreatedAt, p.UpdatedAt).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_payouts_idempotency_key_active"})

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.Create(context.Background(), tx, p)
	assert.ErrorIs(t, err, ports.ErrDuplicateKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutRepo_GetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPayoutRepo(mock)
	p := newTestPayout()

	mock.ExpectQuery("SELECT .+ FROM payouts WHERE id").
		WithArgs(p.ID).
		WillReturnRows(payoutRow(p))

	result, err := repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, p.IdempotencyKey, result.IdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutRepo_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPayoutRepo(mock)
	id := uuid.New()

	mock.ExpectQuery("SELECT .+ FROM payouts WHERE id").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(payoutColumnNames()))

	result, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutRepo_GetByIDForUpdate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPayoutRepo(mock)
	p := newTestPayout()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM payouts WHERE id .+ FOR UPDATE").
		WithArgs(p.ID).
		WillReturnRows(payoutRow(p))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	result, err := repo.GetByIDForUpdate(context.Background(), tx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, p.ID, result.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutRepo_GetLatestByIdempotencyKey(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPayoutRepo(mock)
	p := newTestPayout()

	mock.ExpectQuery("SELECT .+ FROM payouts WHERE idempotency_key").
		WithArgs(p.IdempotencyKey).
		WillReturnRows(payoutRow(p))

	result, err := repo.GetLatestByIdempotencyKey(context.Background(), p.IdempotencyKey)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, p.ID, result.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutRepo_UpdateOutcome(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPayoutRepo(mock)
	id := uuid.New()
	ref := "prov-ref-1"
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payouts SET status").
		WithArgs(domain.PayoutStatusSucceeded, &ref, false, &now, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.UpdateOutcome(context.Background(), tx, id, domain.PayoutStatusSucceeded, &ref, false, &now)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutRepo_UpdateOutcome_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPayoutRepo(mock)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payouts SET status").
		WithArgs(domain.PayoutStatusFailed, (*string)(nil), true, (*time.Time)(nil), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.UpdateOutcome(context.Background(), tx, id, domain.PayoutStatusFailed, nil, true, nil)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutRepo_ListStaleUnknown(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPayoutRepo(mock)
	p1 := newTestPayout()
	p1.Status = domain.PayoutStatusUnknown
	p2 := newTestPayout()
	p2.Status = domain.PayoutStatusUnknown
	cutoff := time.Now().Add(-10 * time.Minute)

	rows := pgxmock.NewRows(payoutColumnNames()).
		AddRow(p1.ID, p1.AccountID, p1.Amount, p1.Status, p1.ExternalRef, p1.NoTransferConfirmed,
			p1.ReconciledAt, p1.IdempotencyKey, p1.RequestHash, p1.CreatedAt, p1.UpdatedAt).
		AddRow(p2.ID, p2.AccountID, p2.Amount, p2.Status, p2.ExternalRef, p2.NoTransferConfirmed,
			p2.ReconciledAt, p2.IdempotencyKey, p2.RequestHash, p2.CreatedAt, p2.UpdatedAt)

	mock.ExpectQuery("SELECT .+ FROM payouts").
		WithArgs(cutoff, 100).
		WillReturnRows(rows)

	payouts, err := repo.ListStaleUnknown(context.Background(), cutoff, 100)
	require.NoError(t, err)
	require.Len(t, payouts, 2)
	assert.Equal(t, p1.ID, payouts[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
