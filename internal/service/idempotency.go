package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"nova-ledger/internal/core/domain"
	"nova-ledger/internal/core/ports"
	"nova-ledger/internal/metrics"
	"nova-ledger/pkg/apperror"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const idempotencyTTL = 24 * time.Hour

// cacheEnvelope is the Redis fast-path payload. It carries the request hash
// so key reuse with a different payload is caught without a database round
// trip.
type cacheEnvelope struct {
	RequestHash string          `json:"request_hash"`
	Response    json.RawMessage `json:"response"`
}

// idempotencyGuard deduplicates client-retried mutation requests. The durable
// record is written by the caller inside the mutation's own transaction; the
// guard owns key resolution, the two-layer lookup, and the best-effort cache
// fill.
type idempotencyGuard struct {
	repo         ports.IdempotencyRepository
	cache        ports.IdempotencyCache
	allowDerived bool // Local/dev mode only: synthesize a key from the payload
	log          zerolog.Logger
}

func newIdempotencyGuard(repo ports.IdempotencyRepository, cache ports.IdempotencyCache, allowDerived bool, log zerolog.Logger) *idempotencyGuard {
	return &idempotencyGuard{repo: repo, cache: cache, allowDerived: allowDerived, log: log}
}

// resolveKey enforces the key requirement. Outside local mode a missing key is
// a hard BadRequest; in local mode a deterministic key is derived from the
// request payload.
func (g *idempotencyGuard) resolveKey(key string, payload []byte) (string, error) {
	if key != "" {
		return key, nil
	}
	if !g.allowDerived {
		return "", apperror.ErrMissingIdempotencyKey()
	}
	return "derived-" + domain.FingerprintRequest(payload), nil
}

// check returns the stored response for (op, key) if one exists. A stored
// record with a different request hash is an IdempotencyConflict, never a
// silent replay.
func (g *idempotencyGuard) check(ctx context.Context, op domain.OperationType, key, requestHash string) ([]byte, error) {
	cacheKey := string(op) + ":" + key

	// Layer 1: Redis fast path.
	if cached, err := g.cache.Get(ctx, cacheKey); err != nil {
		g.log.Warn().Err(err).Str("key", cacheKey).Msg("redis idempotency check failed, falling through to DB")
	} else if cached != nil {
		var env cacheEnvelope
		if err := json.Unmarshal(cached, &env); err == nil {
			if env.RequestHash != requestHash {
				return nil, apperror.ErrIdempotencyConflict()
			}
			metrics.IdempotencyHits.WithLabelValues(string(op)).Inc()
			return env.Response, nil
		}
	}

	// Layer 2: durable record.
	rec, err := g.repo.Get(ctx, op, key)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("idempotency check: %w", err))
	}
	if rec == nil {
		return nil, nil
	}
	if rec.RequestHash != requestHash {
		return nil, apperror.ErrIdempotencyConflict()
	}
	metrics.IdempotencyHits.WithLabelValues(string(op)).Inc()
	return rec.ResponseJSON, nil
}

// record writes the durable idempotency record on the caller's transaction so
// it commits atomically with the ledger mutation it guards.
func (g *idempotencyGuard) record(ctx context.Context, tx pgx.Tx, op domain.OperationType, key, requestHash string, response []byte) error {
	now := time.Now().UTC()
	return g.repo.Create(ctx, tx, &domain.IdempotencyRecord{
		OperationType: op,
		Key:           key,
		RequestHash:   requestHash,
		ResponseJSON:  response,
		CreatedAt:     now,
		ExpiresAt:     now.Add(idempotencyTTL),
	})
}

// replayOnDuplicate resolves a record failure caused by a racing retry that
// committed the same (op, key) first: the stored outcome is re-read and
// returned, hash-checked like any other replay. The caller must have closed
// its transaction before calling. Any other record failure passes through as
// an internal storage error.
func (g *idempotencyGuard) replayOnDuplicate(ctx context.Context, op domain.OperationType, key, requestHash string, recordErr error) ([]byte, error) {
	if !errors.Is(recordErr, ports.ErrDuplicateKey) {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("save idempotency record: %w", recordErr))
	}
	rec, err := g.repo.Get(ctx, op, key)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("replay racing retry: %w", err))
	}
	if rec == nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("idempotency record missing after duplicate key: %w", recordErr))
	}
	if rec.RequestHash != requestHash {
		return nil, apperror.ErrIdempotencyConflict()
	}
	metrics.IdempotencyHits.WithLabelValues(string(op)).Inc()
	return rec.ResponseJSON, nil
}

// cacheResult fills the Redis fast path after commit. Best-effort.
func (g *idempotencyGuard) cacheResult(ctx context.Context, op domain.OperationType, key, requestHash string, response []byte) {
	env, err := json.Marshal(cacheEnvelope{RequestHash: requestHash, Response: response})
	if err != nil {
		return
	}
	cacheKey := string(op) + ":" + key
	if err := g.cache.Set(ctx, cacheKey, env, idempotencyTTL); err != nil {
		g.log.Warn().Err(err).Str("key", cacheKey).Msg("failed to cache idempotency result in redis")
	}
}

// fingerprint normalizes and hashes an operation payload.
func fingerprint(v any) (string, []byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", nil, apperror.InternalError(fmt.Errorf("fingerprint request: %w", err))
	}
	return domain.FingerprintRequest(payload), payload, nil
}
