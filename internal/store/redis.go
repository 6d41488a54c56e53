// internal/store/redis.go
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bitsage/vm31-relayer/pkg/errors"
	"github.com/bitsage/vm31-relayer/pkg/logging"
)

const (
	batchKeyPrefix = "batch:"
	idemKeyPrefix  = "idem:"
	rateKeyPrefix  = "rl:"
	noteKeyPrefix  = "note:"
	// pendingNotesKey is the set of commitments awaiting Merkle backfill.
	pendingNotesKey = "notes:pending"
)

// RedisStore implements Store against a shared Redis, giving the relayer a
// store that survives restarts and can be shared across replicas. Semantics
// match MemoryStore: SET NX EX for idempotency, INCR + EXPIRE per rate
// window, a SADD/SREM pending index for notes.
type RedisStore struct {
	client *redis.Client
	cipher *noteCipher
	logger *logging.Logger
}

// NewRedisStore connects to the Redis at url (redis:// form) and verifies the
// connection.
func NewRedisStore(url string, storageKey []byte, logger *logging.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.StoreBackend(err)
	}
	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.StoreBackend(err)
	}

	s := &RedisStore{client: client, logger: logger.WithComponent("store")}
	if len(storageKey) > 0 {
		cipher, err := newNoteCipher(storageKey)
		if err != nil {
			return nil, err
		}
		s.cipher = cipher
	}
	return s, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping verifies the backend is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SaveBatch implements BatchStore. Terminal-batch eviction is delegated to a
// 24h TTL; non-terminal records are saved without a TTL.
func (s *RedisStore) SaveBatch(ctx context.Context, rec *BatchRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.StoreBackend(err)
	}
	ttl := time.Duration(0)
	if rec.Status.Terminal() {
		ttl = terminalBatchTTL
	}
	return errors.StoreBackend(
		s.client.Set(ctx, batchKeyPrefix+rec.ID, raw, ttl).Err(),
	)
}

// GetBatch implements BatchStore.
func (s *RedisStore) GetBatch(ctx context.Context, id string) (*BatchRecord, error) {
	raw, err := s.client.Get(ctx, batchKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StoreBackend(err)
	}
	var rec BatchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.StoreBackend(err)
	}
	return &rec, nil
}

// UpdateStatus implements BatchStore.
func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status BatchStatus, extra StatusUpdate) error {
	rec, err := s.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.StoreNotFound(id)
	}
	if !CanTransition(rec.Status, status) {
		return errors.E(
			errors.Sprintf("illegal transition %s -> %s", rec.Status, status),
			errors.StoreDomain, "UpdateStatus",
		)
	}
	rec.Status = status
	extra.apply(rec)
	return s.SaveBatch(ctx, rec)
}

// CheckAndSet implements IdempotencyStore via SET NX EX. The NX set and the
// fallback GET race benignly: a losing writer always reads the winner's value.
func (s *RedisStore) CheckAndSet(ctx context.Context, key, result string) (string, bool, error) {
	wasSet, err := s.client.SetNX(ctx, idemKeyPrefix+key, result, idempotencyTTL).Result()
	if err != nil {
		return "", false, errors.StoreBackend(err)
	}
	if wasSet {
		return "", false, nil
	}
	existing, err := s.client.Get(ctx, idemKeyPrefix+key).Result()
	if err == redis.Nil {
		// Expired between SETNX and GET; treat as a fresh set
		if err := s.client.Set(ctx, idemKeyPrefix+key, result, idempotencyTTL).Err(); err != nil {
			return "", false, errors.StoreBackend(err)
		}
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.StoreBackend(err)
	}
	return existing, true, nil
}

// CheckRate implements RateLimitStore via INCR + EXPIRE. EXPIRE is set
// whenever the key has no TTL (its first request, or a first EXPIRE that
// failed), so the key cannot be orphaned and the window still ends on time.
func (s *RedisStore) CheckRate(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	pipe := s.client.Pipeline()
	countCmd := pipe.Incr(ctx, rateKeyPrefix+key)
	ttlCmd := pipe.TTL(ctx, rateKeyPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.StoreBackend(err)
	}
	if ttlCmd.Val() < 0 {
		if err := s.client.Expire(ctx, rateKeyPrefix+key, window).Err(); err != nil {
			return false, errors.StoreBackend(err)
		}
	}
	count, err := countCmd.Result()
	if err != nil {
		return false, errors.StoreBackend(err)
	}
	return count <= int64(limit), nil
}

// SaveNote implements NoteStore, maintaining the pending-notes index set.
func (s *RedisStore) SaveNote(ctx context.Context, rec *NoteRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.StoreBackend(err)
	}
	if s.cipher != nil {
		raw, err = s.cipher.seal(raw)
		if err != nil {
			return err
		}
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, noteKeyPrefix+rec.Commitment, raw, 0)
	if rec.Pending() {
		pipe.SAdd(ctx, pendingNotesKey, rec.Commitment)
	} else {
		pipe.SRem(ctx, pendingNotesKey, rec.Commitment)
	}
	_, err = pipe.Exec(ctx)
	return errors.StoreBackend(err)
}

// GetNote implements NoteStore.
func (s *RedisStore) GetNote(ctx context.Context, commitment string) (*NoteRecord, error) {
	raw, err := s.client.Get(ctx, noteKeyPrefix+commitment).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StoreBackend(err)
	}
	if s.cipher != nil {
		raw, err = s.cipher.open(raw)
		if err != nil {
			return nil, err
		}
	}
	var rec NoteRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.StoreBackend(err)
	}
	return &rec, nil
}

// ListPendingNotes implements NoteStore via the index set.
func (s *RedisStore) ListPendingNotes(ctx context.Context) ([]*NoteRecord, error) {
	commitments, err := s.client.SMembers(ctx, pendingNotesKey).Result()
	if err != nil {
		return nil, errors.StoreBackend(err)
	}

	out := make([]*NoteRecord, 0, len(commitments))
	for _, commitment := range commitments {
		rec, err := s.GetNote(ctx, commitment)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// Record gone; drop the stale index entry
			s.client.SRem(ctx, pendingNotesKey, commitment)
			continue
		}
		if rec.Pending() {
			out = append(out, rec)
		}
	}
	return out, nil
}

var _ Store = (*RedisStore)(nil)
