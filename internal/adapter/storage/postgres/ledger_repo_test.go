package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"nova-ledger/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntry() *domain.LedgerEntry {
	key := "grant-key-1"
	return &domain.LedgerEntry{
		ID:             uuid.New(),
		AccountID:      uuid.New(),
		Amount:         250,
		Kind:           domain.EntryKindEarn,
		IdempotencyKey: &key,
		Context: &domain.EntryContext{
			Version: domain.EntryContextVersion,
			Earn:    &domain.EarnContext{Source: "trip_bonus"},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestLedgerRepo_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerRepo(mock)
	e := newTestEntry()
	ctxJSON, err := json.Marshal(e.Context)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(e.ID, e.AccountID, e.Amount, e.Kind, e.CounterpartyAccountID,
			e.ExternalRef, e.IdempotencyKey, ctxJSON, e.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	err = repo.Create(context.Background(), tx, e)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_ListByAccount(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerRepo(mock)
	e := newTestEntry()
	ctxJSON, err := json.Marshal(e.Context)
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{"id", "account_id", "amount", "kind", "counterparty_account_id",
		"external_ref", "idempotency_key", "context", "created_at"}).
		AddRow(e.ID, e.AccountID, e.Amount, e.Kind, e.CounterpartyAccountID,
			e.ExternalRef, e.IdempotencyKey, ctxJSON, e.CreatedAt)

	mock.ExpectQuery("SELECT .+ FROM ledger_entries WHERE account_id").
		WithArgs(e.AccountID, 20).
		WillReturnRows(rows)

	entries, err := repo.ListByAccount(context.Background(), e.AccountID, 20)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, e.ID, entries[0].ID)
	require.NotNil(t, entries[0].Context)
	assert.Equal(t, "trip_bonus", entries[0].Context.Earn.Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_SumDebitsSince(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerRepo(mock)
	accountID := uuid.New()
	since := time.Now().UTC().Truncate(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(ABS\(amount\)\), 0\) FROM ledger_entries`).
		WithArgs(accountID, domain.EntryKindPayoutDebit, since).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(45000)))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	total, err := repo.SumDebitsSince(context.Background(), tx, accountID, domain.EntryKindPayoutDebit, since)
	require.NoError(t, err)
	assert.Equal(t, int64(45000), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_ReversalExists(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewLedgerRepo(mock)
	payoutID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(payoutID.String()).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	exists, err := repo.ReversalExists(context.Background(), tx, payoutID)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}
