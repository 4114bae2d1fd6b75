package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nova-ledger/internal/core/domain"
	"nova-ledger/internal/core/ports"
	"nova-ledger/internal/metrics"
	"nova-ledger/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// LedgerServiceImpl implements ports.LedgerService. It is the only code path
// that mutates balances outside the payout state machine; every mutation runs
// under a row lock on the affected account(s) and commits its idempotency
// record in the same transaction.
type LedgerServiceImpl struct {
	accountRepo    ports.AccountRepository
	ledgerRepo     ports.LedgerRepository
	guard          *idempotencyGuard
	riskGate       ports.RiskGate
	signals        ports.FraudSignalSource
	events         ports.EventSink
	transactor     ports.DBTransactor
	blockThreshold float64
	log            zerolog.Logger
}

// NewLedgerService creates a new LedgerServiceImpl.
func NewLedgerService(
	accountRepo ports.AccountRepository,
	ledgerRepo ports.LedgerRepository,
	idempRepo ports.IdempotencyRepository,
	idempCache ports.IdempotencyCache,
	riskGate ports.RiskGate,
	signals ports.FraudSignalSource,
	events ports.EventSink,
	transactor ports.DBTransactor,
	allowDerivedKeys bool,
	blockThreshold float64,
	log zerolog.Logger,
) *LedgerServiceImpl {
	return &LedgerServiceImpl{
		accountRepo:    accountRepo,
		ledgerRepo:     ledgerRepo,
		guard:          newIdempotencyGuard(idempRepo, idempCache, allowDerivedKeys, log),
		riskGate:       riskGate,
		signals:        signals,
		events:         events,
		transactor:     transactor,
		blockThreshold: blockThreshold,
		log:            log,
	}
}

// GrantReward credits a driver with earned Nova, subject to the risk gate.
func (s *LedgerServiceImpl) GrantReward(ctx context.Context, req ports.GrantRequest) (*ports.GrantResult, error) {
	entryCtx := &domain.EntryContext{
		Version: domain.EntryContextVersion,
		Earn:    &domain.EarnContext{Source: req.Source},
	}
	return s.grant(ctx, domain.OperationGrant, req.Owner, req.Amount, req.IdempotencyKey, domain.EntryKindEarn, entryCtx, nil)
}

// AdminGrant credits an account on operator initiative. It passes the same
// risk gate as GrantReward and always emits an audit event.
func (s *LedgerServiceImpl) AdminGrant(ctx context.Context, req ports.AdminGrantRequest) (*ports.GrantResult, error) {
	entryCtx := &domain.EntryContext{
		Version:    domain.EntryContextVersion,
		AdminGrant: &domain.AdminGrantContext{Operator: req.Operator, Reason: req.Reason},
	}
	detail := map[string]string{"operator": req.Operator, "reason": req.Reason}
	return s.grant(ctx, domain.OperationAdminGrant, req.Owner, req.Amount, req.IdempotencyKey, domain.EntryKindAdminGrant, entryCtx, detail)
}

// grant is the shared reward-granting path. adminDetail is non-nil for
// operator-initiated grants and triggers an admin.mutation audit event.
func (s *LedgerServiceImpl) grant(ctx context.Context, op domain.OperationType, owner domain.OwnerRef, amount int64, key string, kind domain.EntryKind, entryCtx *domain.EntryContext, adminDetail map[string]string) (*ports.GrantResult, error) {
	if amount <= 0 {
		return nil, apperror.ErrInvalidAmount()
	}

	requestHash, payload, err := fingerprint(struct {
		Owner  domain.OwnerRef `json:"owner"`
		Amount int64           `json:"amount"`
		Kind   domain.EntryKind `json:"kind"`
	}{owner, amount, kind})
	if err != nil {
		return nil, err
	}

	key, err = s.guard.resolveKey(key, payload)
	if err != nil {
		return nil, err
	}

	if stored, err := s.guard.check(ctx, op, key, requestHash); err != nil {
		return nil, err
	} else if stored != nil {
		return unmarshalGrantResult(stored)
	}

	// The risk gate only guards driver-facing reward accrual.
	if owner.Type == domain.OwnerTypeDriver {
		blocked, result, err := s.consultRiskGate(ctx, op, owner, key, requestHash, entryCtx)
		if err != nil {
			return nil, err
		}
		if blocked {
			return result, nil
		}
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	account, err := s.accountRepo.GetOrCreateForUpdate(ctx, dbTx, owner)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock account: %w", err))
	}
	if !account.Active {
		return nil, apperror.ErrAccountInactive()
	}

	newBalance := account.Balance + amount
	entry := &domain.LedgerEntry{
		ID:             uuid.New(),
		AccountID:      account.ID,
		Amount:         amount,
		Kind:           kind,
		IdempotencyKey: &key,
		Context:        entryCtx,
		CreatedAt:      time.Now().UTC(),
	}

	result := &ports.GrantResult{Entry: entry, NewBalance: newBalance}
	respJSON, err := json.Marshal(result)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("marshal response: %w", err))
	}

	// The record is written before the ledger entry, so a racing retry with
	// the same key fails here before any balance effect and replays the
	// winner's stored outcome.
	if err := s.guard.record(ctx, dbTx, op, key, requestHash, respJSON); err != nil {
		dbTx.Rollback(ctx) //nolint:errcheck
		stored, replayErr := s.guard.replayOnDuplicate(ctx, op, key, requestHash, err)
		if replayErr != nil {
			return nil, replayErr
		}
		return unmarshalGrantResult(stored)
	}

	if err := s.ledgerRepo.Create(ctx, dbTx, entry); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create ledger entry: %w", err))
	}
	if err := s.accountRepo.UpdateBalance(ctx, dbTx, account.ID, newBalance); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("update balance: %w", err))
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}

	s.guard.cacheResult(ctx, op, key, requestHash, respJSON)
	metrics.LedgerMutations.WithLabelValues(string(kind), "committed").Inc()

	if adminDetail != nil {
		s.publish(ctx, domain.NewEvent(domain.EventAdminMutation, &account.ID, entry.ID.String(), adminDetail))
	}

	s.log.Info().
		Str("entry_id", entry.ID.String()).
		Str("owner", owner.ID).
		Str("kind", string(kind)).
		Int64("amount", amount).
		Msg("grant committed")

	return result, nil
}

// consultRiskGate runs the gate for one grant. A blocked grant is converted
// to a zero-effect success: no ledger entry, an unchanged balance, and a
// reason code instead of an error, so the block is indistinguishable from a
// zero-Nova grant to the caller.
func (s *LedgerServiceImpl) consultRiskGate(ctx context.Context, op domain.OperationType, owner domain.OwnerRef, key, requestHash string, entryCtx *domain.EntryContext) (bool, *ports.GrantResult, error) {
	signals, err := s.signals.Signals(ctx, owner)
	if err != nil {
		// Fail open on signal outage: blocking accrual on collaborator
		// downtime would leak the gate's existence through availability.
		s.log.Warn().Err(err).Str("owner", owner.ID).Msg("fraud signal source unavailable, skipping risk gate")
		return false, nil, nil
	}

	account, err := s.accountRepo.GetByOwner(ctx, owner)
	if err != nil {
		return false, nil, apperror.ErrDatabaseError(fmt.Errorf("load account: %w", err))
	}

	assessment := s.riskGate.Assess(ctx, account, signals)
	if entryCtx.Earn != nil {
		entryCtx.Earn.RiskScore = assessment.Score
	}
	if !assessment.Blocked(s.blockThreshold) {
		return false, nil, nil
	}

	var balance int64
	var accountID *uuid.UUID
	if account != nil {
		balance = account.Balance
		accountID = &account.ID
	}

	result := &ports.GrantResult{NewBalance: balance, Blocked: true, Reason: domain.RiskBlockReason}
	respJSON, err := json.Marshal(result)
	if err != nil {
		return false, nil, apperror.InternalError(fmt.Errorf("marshal response: %w", err))
	}

	// The blocked outcome is still recorded so a retry replays it instead of
	// re-running the gate against fresher signals.
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return false, nil, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck
	if err := s.guard.record(ctx, dbTx, op, key, requestHash, respJSON); err != nil {
		dbTx.Rollback(ctx) //nolint:errcheck
		stored, replayErr := s.guard.replayOnDuplicate(ctx, op, key, requestHash, err)
		if replayErr != nil {
			return false, nil, replayErr
		}
		replayed, replayErr := unmarshalGrantResult(stored)
		return true, replayed, replayErr
	}
	if err := dbTx.Commit(ctx); err != nil {
		return false, nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}
	s.guard.cacheResult(ctx, op, key, requestHash, respJSON)

	metrics.RiskBlocks.Inc()
	detail := map[string]string{"score": fmt.Sprintf("%.2f", assessment.Score)}
	for i, r := range assessment.Reasons {
		detail[fmt.Sprintf("reason_%d", i)] = r
	}
	s.publish(ctx, domain.NewEvent(domain.EventRiskBlock, accountID, owner.ID, detail))

	s.log.Info().
		Str("owner", owner.ID).
		Float64("score", assessment.Score).
		Strs("reasons", assessment.Reasons).
		Msg("grant blocked by risk gate")

	return true, result, nil
}

// Topup credits an account from an external purchase. Not risk gated.
func (s *LedgerServiceImpl) Topup(ctx context.Context, req ports.TopupRequest) (*ports.MutationResult, error) {
	if req.Amount <= 0 {
		return nil, apperror.ErrInvalidAmount()
	}

	requestHash, payload, err := fingerprint(struct {
		Owner  domain.OwnerRef `json:"owner"`
		Amount int64           `json:"amount"`
	}{req.Owner, req.Amount})
	if err != nil {
		return nil, err
	}

	key, err := s.guard.resolveKey(req.IdempotencyKey, payload)
	if err != nil {
		return nil, err
	}

	if stored, err := s.guard.check(ctx, domain.OperationTopup, key, requestHash); err != nil {
		return nil, err
	} else if stored != nil {
		result := &ports.MutationResult{}
		if err := json.Unmarshal(stored, result); err != nil {
			return nil, apperror.InternalError(fmt.Errorf("unmarshal stored result: %w", err))
		}
		return result, nil
	}

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

	newBalance := account.Balance + req.Amount
	entry := &domain.LedgerEntry{
		ID:             uuid.New(),
		AccountID:      account.ID,
		Amount:         req.Amount,
		Kind:           domain.EntryKindTopup,
		IdempotencyKey: &key,
		Context:        &domain.EntryContext{Version: domain.EntryContextVersion},
		CreatedAt:      time.Now().UTC(),
	}

	result := &ports.MutationResult{Entry: entry, NewBalance: newBalance}
	respJSON, err := json.Marshal(result)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("marshal response: %w", err))
	}
	if err := s.guard.record(ctx, dbTx, domain.OperationTopup, key, requestHash, respJSON); err != nil {
		dbTx.Rollback(ctx) //nolint:errcheck
		stored, replayErr := s.guard.replayOnDuplicate(ctx, domain.OperationTopup, key, requestHash, err)
		if replayErr != nil {
			return nil, replayErr
		}
		replayed := &ports.MutationResult{}
		if err := json.Unmarshal(stored, replayed); err != nil {
			return nil, apperror.InternalError(fmt.Errorf("unmarshal stored result: %w", err))
		}
		return replayed, nil
	}

	if err := s.ledgerRepo.Create(ctx, dbTx, entry); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create ledger entry: %w", err))
	}
	if err := s.accountRepo.UpdateBalance(ctx, dbTx, account.ID, newBalance); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("update balance: %w", err))
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}

	s.guard.cacheResult(ctx, domain.OperationTopup, key, requestHash, respJSON)
	metrics.LedgerMutations.WithLabelValues(string(domain.EntryKindTopup), "committed").Inc()

	s.log.Info().
		Str("entry_id", entry.ID.String()).
		Str("owner", req.Owner.ID).
		Int64("amount", req.Amount).
		Msg("topup committed")

	return result, nil
}

// Redeem moves Nova from a driver to a merchant as one atomic double entry.
// Either both legs commit or neither does; total currency across the two
// accounts is conserved.
func (s *LedgerServiceImpl) Redeem(ctx context.Context, req ports.RedeemRequest) (*ports.RedeemResult, error) {
	if req.Amount <= 0 {
		return nil, apperror.ErrInvalidAmount()
	}
	if req.From == req.To {
		return nil, apperror.ErrSelfTransfer()
	}

	requestHash, payload, err := fingerprint(struct {
		From   domain.OwnerRef `json:"from"`
		To     domain.OwnerRef `json:"to"`
		Amount int64           `json:"amount"`
	}{req.From, req.To, req.Amount})
	if err != nil {
		return nil, err
	}

	key, err := s.guard.resolveKey(req.IdempotencyKey, payload)
	if err != nil {
		return nil, err
	}

	if stored, err := s.guard.check(ctx, domain.OperationRedeem, key, requestHash); err != nil {
		return nil, err
	} else if stored != nil {
		result := &ports.RedeemResult{}
		if err := json.Unmarshal(stored, result); err != nil {
			return nil, apperror.InternalError(fmt.Errorf("unmarshal stored result: %w", err))
		}
		return result, nil
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	// Lock both accounts in a deterministic order so two opposed transfers
	// cannot deadlock.
	first, second := req.From, req.To
	if ownerLockKey(second) < ownerLockKey(first) {
		first, second = second, first
	}

	firstAcc, err := s.accountRepo.GetOrCreateForUpdate(ctx, dbTx, first)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock account: %w", err))
	}
	secondAcc, err := s.accountRepo.GetOrCreateForUpdate(ctx, dbTx, second)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock account: %w", err))
	}

	fromAcc, toAcc := firstAcc, secondAcc
	if first != req.From {
		fromAcc, toAcc = secondAcc, firstAcc
	}

	if !fromAcc.Active || !toAcc.Active {
		return nil, apperror.ErrAccountInactive()
	}
	if fromAcc.Balance < req.Amount {
		metrics.LedgerMutations.WithLabelValues(string(domain.EntryKindRedeem), "insufficient_funds").Inc()
		return nil, apperror.ErrInsufficientFunds()
	}

	now := time.Now().UTC()
	debit := &domain.LedgerEntry{
		ID:                    uuid.New(),
		AccountID:             fromAcc.ID,
		Amount:                -req.Amount,
		Kind:                  domain.EntryKindRedeem,
		CounterpartyAccountID: &toAcc.ID,
		IdempotencyKey:        &key,
		Context: &domain.EntryContext{
			Version: domain.EntryContextVersion,
			Redeem:  &domain.RedeemContext{CounterpartyOwner: req.To.ID},
		},
		CreatedAt: now,
	}
	credit := &domain.LedgerEntry{
		ID:                    uuid.New(),
		AccountID:             toAcc.ID,
		Amount:                req.Amount,
		Kind:                  domain.EntryKindEarn,
		CounterpartyAccountID: &fromAcc.ID,
		IdempotencyKey:        &key,
		Context: &domain.EntryContext{
			Version: domain.EntryContextVersion,
			Redeem:  &domain.RedeemContext{CounterpartyOwner: req.From.ID},
		},
		CreatedAt: now,
	}

	result := &ports.RedeemResult{
		DebitEntry:  debit,
		CreditEntry: credit,
		FromBalance: fromAcc.Balance - req.Amount,
		ToBalance:   toAcc.Balance + req.Amount,
	}
	respJSON, err := json.Marshal(result)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("marshal response: %w", err))
	}
	if err := s.guard.record(ctx, dbTx, domain.OperationRedeem, key, requestHash, respJSON); err != nil {
		dbTx.Rollback(ctx) //nolint:errcheck
		stored, replayErr := s.guard.replayOnDuplicate(ctx, domain.OperationRedeem, key, requestHash, err)
		if replayErr != nil {
			return nil, replayErr
		}
		replayed := &ports.RedeemResult{}
		if err := json.Unmarshal(stored, replayed); err != nil {
			return nil, apperror.InternalError(fmt.Errorf("unmarshal stored result: %w", err))
		}
		return replayed, nil
	}

	if err := s.ledgerRepo.Create(ctx, dbTx, debit); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create debit entry: %w", err))
	}
	if err := s.ledgerRepo.Create(ctx, dbTx, credit); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create credit entry: %w", err))
	}
	if err := s.accountRepo.UpdateBalance(ctx, dbTx, fromAcc.ID, fromAcc.Balance-req.Amount); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("update source balance: %w", err))
	}
	if err := s.accountRepo.UpdateBalance(ctx, dbTx, toAcc.ID, toAcc.Balance+req.Amount); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("update destination balance: %w", err))
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}

	s.guard.cacheResult(ctx, domain.OperationRedeem, key, requestHash, respJSON)
	metrics.LedgerMutations.WithLabelValues(string(domain.EntryKindRedeem), "committed").Inc()

	s.log.Info().
		Str("from", req.From.ID).
		Str("to", req.To.ID).
		Int64("amount", req.Amount).
		Msg("redeem committed")

	return result, nil
}

// GetBalance reads an account balance. A never-mutated account reads as zero.
func (s *LedgerServiceImpl) GetBalance(ctx context.Context, owner domain.OwnerRef) (int64, error) {
	account, err := s.accountRepo.GetByOwner(ctx, owner)
	if err != nil {
		return 0, apperror.ErrDatabaseError(fmt.Errorf("load account: %w", err))
	}
	if account == nil {
		return 0, nil
	}
	return account.Balance, nil
}

// GetHistory lists the account's most recent ledger entries, newest first.
// A never-mutated account reads as an empty history.
func (s *LedgerServiceImpl) GetHistory(ctx context.Context, owner domain.OwnerRef, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	account, err := s.accountRepo.GetByOwner(ctx, owner)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("load account: %w", err))
	}
	if account == nil {
		return []domain.LedgerEntry{}, nil
	}

	entries, err := s.ledgerRepo.ListByAccount(ctx, account.ID, limit)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("list ledger entries: %w", err))
	}
	return entries, nil
}

func (s *LedgerServiceImpl) publish(ctx context.Context, event *domain.Event) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("event_type", string(event.Type)).Msg("failed to publish audit event")
	}
}

// ownerLockKey is the total order used for multi-account lock acquisition.
func ownerLockKey(o domain.OwnerRef) string {
	return string(o.Type) + ":" + o.ID
}

func unmarshalGrantResult(data []byte) (*ports.GrantResult, error) {
	result := &ports.GrantResult{}
	if err := json.Unmarshal(data, result); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("unmarshal stored result: %w", err))
	}
	return result, nil
}
