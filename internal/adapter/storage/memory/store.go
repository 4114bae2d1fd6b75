// Package memory is the storage driver for the explicitly-flagged local/dev
// mode. The constructor refuses to run outside local mode, so non-durable
// storage can never be reached by configuration drift.
//
// The transactor holds the store mutex for the lifetime of a transaction,
// which serializes all mutations. Writes apply immediately; rollback is not
// supported, so services must perform every check before the first write —
// which they already do for the durable driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"nova-ledger/config"
	"nova-ledger/internal/core/domain"
	"nova-ledger/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store holds all local-mode state behind a single mutex.
type Store struct {
	mu           sync.Mutex
	accountsByID map[uuid.UUID]*domain.Account
	ownerIndex   map[string]uuid.UUID
	entries      []domain.LedgerEntry
	payouts      map[uuid.UUID]*domain.Payout
	idem         map[string]*domain.IdempotencyRecord
	cache        map[string]cacheItem
}

type cacheItem struct {
	value     []byte
	expiresAt time.Time
}

// New creates a memory store. It fails closed outside local mode.
func New(server config.ServerConfig) (*Store, error) {
	if !server.IsLocal() {
		return nil, fmt.Errorf("memory storage driver requires server.mode=%s", config.ModeLocal)
	}
	return &Store{
		accountsByID: make(map[uuid.UUID]*domain.Account),
		ownerIndex:   make(map[string]uuid.UUID),
		payouts:      make(map[uuid.UUID]*domain.Payout),
		idem:         make(map[string]*domain.IdempotencyRecord),
		cache:        make(map[string]cacheItem),
	}, nil
}

func ownerKey(o domain.OwnerRef) string {
	return string(o.Type) + ":" + o.ID
}

func idemKey(op domain.OperationType, key string) string {
	return string(op) + ":" + key
}

// --- Transactor ---

// memTx satisfies pgx.Tx just enough for the service layer, which only calls
// Commit and Rollback. Repository methods ignore the handle entirely.
type memTx struct {
	pgx.Tx
	store *Store
	done  sync.Once
}

func (t *memTx) Commit(_ context.Context) error {
	t.done.Do(t.store.mu.Unlock)
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	t.done.Do(t.store.mu.Unlock)
	return nil
}

// Transactor implements ports.DBTransactor over the store mutex.
type Transactor struct {
	store *Store
}

// NewTransactor creates a Transactor for the store.
func NewTransactor(s *Store) *Transactor {
	return &Transactor{store: s}
}

// Begin acquires the store mutex until Commit or Rollback.
func (t *Transactor) Begin(_ context.Context) (pgx.Tx, error) {
	t.store.mu.Lock()
	return &memTx{store: t.store}, nil
}

// --- Account repository ---

// AccountRepo implements ports.AccountRepository over the store.
type AccountRepo struct{ store *Store }

// NewAccountRepo creates an AccountRepo for the store.
func NewAccountRepo(s *Store) *AccountRepo { return &AccountRepo{store: s} }

func (r *AccountRepo) GetByOwner(_ context.Context, owner domain.OwnerRef) (*domain.Account, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	id, ok := r.store.ownerIndex[ownerKey(owner)]
	if !ok {
		return nil, nil
	}
	return copyAccount(r.store.accountsByID[id]), nil
}

func (r *AccountRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	a, ok := r.store.accountsByID[id]
	if !ok {
		return nil, nil
	}
	return copyAccount(a), nil
}

// GetOrCreateForUpdate runs under the transaction's store lock.
func (r *AccountRepo) GetOrCreateForUpdate(_ context.Context, _ pgx.Tx, owner domain.OwnerRef) (*domain.Account, error) {
	key := ownerKey(owner)
	if id, ok := r.store.ownerIndex[key]; ok {
		return copyAccount(r.store.accountsByID[id]), nil
	}
	now := time.Now().UTC()
	a := &domain.Account{
		ID:        uuid.New(),
		OwnerType: owner.Type,
		OwnerID:   owner.ID,
		Balance:   0,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.store.accountsByID[a.ID] = a
	r.store.ownerIndex[key] = a.ID
	return copyAccount(a), nil
}

func (r *AccountRepo) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*domain.Account, error) {
	a, ok := r.store.accountsByID[id]
	if !ok {
		return nil, nil
	}
	return copyAccount(a), nil
}

func (r *AccountRepo) UpdateBalance(_ context.Context, _ pgx.Tx, accountID uuid.UUID, newBalance int64) error {
	a, ok := r.store.accountsByID[accountID]
	if !ok {
		return fmt.Errorf("account not found: %s", accountID)
	}
	if newBalance < 0 {
		return fmt.Errorf("balance for %s would go negative", accountID)
	}
	a.Balance = newBalance
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func copyAccount(a *domain.Account) *domain.Account {
	c := *a
	return &c
}

// --- Ledger repository ---

// LedgerRepo implements ports.LedgerRepository over the store.
type LedgerRepo struct{ store *Store }

// NewLedgerRepo creates a LedgerRepo for the store.
func NewLedgerRepo(s *Store) *LedgerRepo { return &LedgerRepo{store: s} }

func (r *LedgerRepo) Create(_ context.Context, _ pgx.Tx, e *domain.LedgerEntry) error {
	r.store.entries = append(r.store.entries, *e)
	return nil
}

func (r *LedgerRepo) ListByAccount(_ context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []domain.LedgerEntry
	for i := len(r.store.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if r.store.entries[i].AccountID == accountID {
			out = append(out, r.store.entries[i])
		}
	}
	return out, nil
}

func (r *LedgerRepo) SumDebitsSince(_ context.Context, _ pgx.Tx, accountID uuid.UUID, kind domain.EntryKind, since time.Time) (int64, error) {
	var total int64
	for _, e := range r.store.entries {
		if e.AccountID == accountID && e.Kind == kind && !e.CreatedAt.Before(since) {
			if e.Amount < 0 {
				total -= e.Amount
			} else {
				total += e.Amount
			}
		}
	}
	return total, nil
}

func (r *LedgerRepo) ReversalExists(_ context.Context, _ pgx.Tx, payoutID uuid.UUID) (bool, error) {
	for _, e := range r.store.entries {
		if e.Kind == domain.EntryKindPayoutReversal &&
			e.Context != nil && e.Context.Payout != nil && e.Context.Payout.PayoutID == payoutID {
			return true, nil
		}
	}
	return false, nil
}

// --- Payout repository ---

// PayoutRepo implements ports.PayoutRepository over the store.
type PayoutRepo struct{ store *Store }

// NewPayoutRepo creates a PayoutRepo for the store.
func NewPayoutRepo(s *Store) *PayoutRepo { return &PayoutRepo{store: s} }

func (r *PayoutRepo) Create(_ context.Context, _ pgx.Tx, p *domain.Payout) error {
	for _, existing := range r.store.payouts {
		if existing.IdempotencyKey == p.IdempotencyKey && !existing.Retryable() {
			return fmt.Errorf("payout key %s: %w", p.IdempotencyKey, ports.ErrDuplicateKey)
		}
	}
	c := *p
	r.store.payouts[p.ID] = &c
	return nil
}

func (r *PayoutRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Payout, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.getLocked(id), nil
}

func (r *PayoutRepo) GetByIDForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*domain.Payout, error) {
	return r.getLocked(id), nil
}

func (r *PayoutRepo) getLocked(id uuid.UUID) *domain.Payout {
	p, ok := r.store.payouts[id]
	if !ok {
		return nil
	}
	c := *p
	return &c
}

func (r *PayoutRepo) GetLatestByIdempotencyKey(_ context.Context, key string) (*domain.Payout, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var latest *domain.Payout
	for _, p := range r.store.payouts {
		if p.IdempotencyKey != key {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	return &c, nil
}

func (r *PayoutRepo) UpdateOutcome(_ context.Context, _ pgx.Tx, id uuid.UUID, status domain.PayoutStatus, externalRef *string, noTransferConfirmed bool, reconciledAt *time.Time) error {
	p, ok := r.store.payouts[id]
	if !ok {
		return fmt.Errorf("payout not found: %s", id)
	}
	p.Status = status
	if externalRef != nil {
		p.ExternalRef = externalRef
	}
	p.NoTransferConfirmed = noTransferConfirmed
	if reconciledAt != nil {
		p.ReconciledAt = reconciledAt
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *PayoutRepo) ListStaleUnknown(_ context.Context, olderThan time.Time, limit int) ([]domain.Payout, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []domain.Payout
	for _, p := range r.store.payouts {
		ts := p.UpdatedAt
		if p.ReconciledAt != nil {
			ts = *p.ReconciledAt
		}
		if p.Status == domain.PayoutStatusUnknown && ts.Before(olderThan) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Idempotency repository ---

// IdempotencyRepo implements ports.IdempotencyRepository over the store.
type IdempotencyRepo struct{ store *Store }

// NewIdempotencyRepo creates an IdempotencyRepo for the store.
func NewIdempotencyRepo(s *Store) *IdempotencyRepo { return &IdempotencyRepo{store: s} }

func (r *IdempotencyRepo) Get(_ context.Context, op domain.OperationType, key string) (*domain.IdempotencyRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	rec, ok := r.store.idem[idemKey(op, key)]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	c := *rec
	return &c, nil
}

func (r *IdempotencyRepo) Create(_ context.Context, _ pgx.Tx, rec *domain.IdempotencyRecord) error {
	k := idemKey(rec.OperationType, rec.Key)
	if _, exists := r.store.idem[k]; exists {
		return fmt.Errorf("idempotency record %s: %w", k, ports.ErrDuplicateKey)
	}
	c := *rec
	r.store.idem[k] = &c
	return nil
}

// --- Idempotency cache ---

// IdempotencyCache implements ports.IdempotencyCache over the store, standing
// in for Redis in local mode.
type IdempotencyCache struct{ store *Store }

// NewIdempotencyCache creates an IdempotencyCache for the store.
func NewIdempotencyCache(s *Store) *IdempotencyCache { return &IdempotencyCache{store: s} }

func (c *IdempotencyCache) Get(_ context.Context, key string) ([]byte, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	item, ok := c.store.cache[key]
	if !ok || time.Now().After(item.expiresAt) {
		return nil, nil
	}
	return item.value, nil
}

func (c *IdempotencyCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.cache[key] = cacheItem{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}
