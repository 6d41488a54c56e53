// internal/store/memory.go
package store

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/bitsage/vm31-relayer/pkg/errors"
	"github.com/bitsage/vm31-relayer/pkg/logging"
)

const (
	// idempotencyTTL bounds how long a token deduplicates.
	idempotencyTTL = time.Hour
	// rateWindowTTL bounds how long an idle window survives.
	rateWindowTTL = time.Hour
	// terminalBatchTTL bounds how long finalized/failed batches are kept.
	terminalBatchTTL = 24 * time.Hour
	// evictionInterval is the background sweep cadence.
	evictionInterval = 5 * time.Minute
	// maxIdempotencyEntries is the capacity backstop before a forced sweep.
	maxIdempotencyEntries = 50_000
)

type idemEntry struct {
	result    string
	createdAt int64
}

type rateEntry struct {
	count       int
	windowStart int64
}

// MemoryStore is the volatile in-process store. All four namespaces live in
// sharded maps; the note namespace optionally encrypts values at rest.
type MemoryStore struct {
	batches     *shardedMap[*BatchRecord]
	idempotency *shardedMap[idemEntry]
	rateLimits  *shardedMap[rateEntry]
	notes       *shardedMap[[]byte]
	// pendingNotes indexes commitments whose Merkle root is still the
	// sentinel, so the backfill scan does not decrypt the whole namespace.
	pendingNotes *shardedMap[struct{}]

	cipher  *noteCipher
	casOps  atomic.Uint64
	logger  *logging.Logger
	nowFunc func() time.Time
}

// NewMemoryStore creates an in-memory store without at-rest encryption.
func NewMemoryStore(logger *logging.Logger) *MemoryStore {
	return &MemoryStore{
		batches:      newShardedMap[*BatchRecord](),
		idempotency:  newShardedMap[idemEntry](),
		rateLimits:   newShardedMap[rateEntry](),
		notes:        newShardedMap[[]byte](),
		pendingNotes: newShardedMap[struct{}](),
		logger:       logger.WithComponent("store"),
		nowFunc:      time.Now,
	}
}

// NewMemoryStoreWithEncryption creates an in-memory store that seals note
// record values under the given AES-256 key.
func NewMemoryStoreWithEncryption(logger *logging.Logger, key []byte) (*MemoryStore, error) {
	s := NewMemoryStore(logger)
	cipher, err := newNoteCipher(key)
	if err != nil {
		return nil, err
	}
	s.cipher = cipher
	return s, nil
}

// RunEviction sweeps expired entries every five minutes until ctx is done.
func (s *MemoryStore) RunEviction(ctx context.Context) {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *MemoryStore) evictExpired() {
	now := s.nowFunc().Unix()

	evictedIdem := s.idempotency.Retain(func(_ string, e idemEntry) bool {
		return now-e.createdAt < int64(idempotencyTTL/time.Second)
	})
	evictedRate := s.rateLimits.Retain(func(_ string, e rateEntry) bool {
		return now-e.windowStart < int64(rateWindowTTL/time.Second)
	})
	// Non-terminal batches are never evicted by age.
	evictedBatches := s.batches.Retain(func(_ string, rec *BatchRecord) bool {
		return !rec.Status.Terminal() || now-rec.CreatedAt < int64(terminalBatchTTL/time.Second)
	})

	if evictedIdem+evictedRate+evictedBatches > 0 {
		s.logger.Debug("store eviction complete",
			"idempotency", evictedIdem,
			"rate_windows", evictedRate,
			"batches", evictedBatches,
		)
	}
}

// SaveBatch implements BatchStore.
func (s *MemoryStore) SaveBatch(_ context.Context, rec *BatchRecord) error {
	cloned := *rec
	s.batches.Set(rec.ID, &cloned)
	return nil
}

// GetBatch implements BatchStore.
func (s *MemoryStore) GetBatch(_ context.Context, id string) (*BatchRecord, error) {
	rec, ok := s.batches.Get(id)
	if !ok {
		return nil, nil
	}
	cloned := *rec
	return &cloned, nil
}

// UpdateStatus implements BatchStore. The transition check runs under the
// shard lock so concurrent updaters cannot interleave an illegal sequence.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status BatchStatus, extra StatusUpdate) error {
	var updateErr error
	s.batches.Update(id, func(rec *BatchRecord, ok bool) (*BatchRecord, bool) {
		if !ok {
			updateErr = errors.StoreNotFound(id)
			return nil, false
		}
		if !CanTransition(rec.Status, status) {
			updateErr = errors.E(
				errors.Sprintf("illegal transition %s -> %s", rec.Status, status),
				errors.StoreDomain, "UpdateStatus",
			)
			return rec, true
		}
		next := *rec
		next.Status = status
		extra.apply(&next)
		return &next, true
	})
	return updateErr
}

// CheckAndSet implements IdempotencyStore with entry-level atomicity: two
// concurrent submissions with the same key serialize on the shard lock, so
// exactly one inserts and the other observes the cached value.
func (s *MemoryStore) CheckAndSet(_ context.Context, key, result string) (string, bool, error) {
	now := s.nowFunc().Unix()
	var cached string
	var existed bool

	s.idempotency.Update(key, func(e idemEntry, ok bool) (idemEntry, bool) {
		if ok && now-e.createdAt < int64(idempotencyTTL/time.Second) {
			cached = e.result
			existed = true
			return e, true
		}
		// Absent or expired: take the slot
		return idemEntry{result: result, createdAt: now}, true
	})

	// Capacity backstop, swept opportunistically off the common path
	if s.casOps.Add(1)%100 == 0 && s.idempotency.Len() > maxIdempotencyEntries {
		s.idempotency.Retain(func(_ string, e idemEntry) bool {
			return now-e.createdAt < int64(idempotencyTTL/time.Second)
		})
	}

	return cached, existed, nil
}

// CheckRate implements RateLimitStore. The window reset and increment run as
// one read-modify-write under the shard lock.
func (s *MemoryStore) CheckRate(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := s.nowFunc().Unix()
	allowed := true

	s.rateLimits.Update(key, func(e rateEntry, ok bool) (rateEntry, bool) {
		if !ok || now-e.windowStart >= int64(window/time.Second) {
			e = rateEntry{count: 0, windowStart: now}
		}
		if e.count >= limit {
			allowed = false
			return e, true
		}
		e.count++
		return e, true
	})

	return allowed, nil
}

// SaveNote implements NoteStore.
func (s *MemoryStore) SaveNote(_ context.Context, rec *NoteRecord) error {
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
	s.notes.Set(rec.Commitment, raw)

	if rec.Pending() {
		s.pendingNotes.Set(rec.Commitment, struct{}{})
	} else {
		s.pendingNotes.Delete(rec.Commitment)
	}
	return nil
}

// GetNote implements NoteStore.
func (s *MemoryStore) GetNote(_ context.Context, commitment string) (*NoteRecord, error) {
	raw, ok := s.notes.Get(commitment)
	if !ok {
		return nil, nil
	}
	return s.decodeNote(raw)
}

// ListPendingNotes implements NoteStore via the pending index.
func (s *MemoryStore) ListPendingNotes(ctx context.Context) ([]*NoteRecord, error) {
	var keys []string
	s.pendingNotes.Range(func(key string, _ struct{}) {
		keys = append(keys, key)
	})

	out := make([]*NoteRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := s.GetNote(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.Pending() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) decodeNote(raw []byte) (*NoteRecord, error) {
	if s.cipher != nil {
		var err error
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

var _ Store = (*MemoryStore)(nil)
