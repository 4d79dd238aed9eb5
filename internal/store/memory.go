package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantfold/strata/errs"
)

// MemoryStore is an in-memory implementation of Store. It honours the same CAS
// semantics as the database-backed store and is the default for tests and the
// paper runtime.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]*entry
	casRetries atomic.Uint64
}

type entry struct {
	mu     sync.Mutex
	record Record
}

// NewMemoryStore creates a memory-backed object store.
func NewMemoryStore() *MemoryStore {
	store := new(MemoryStore)
	store.records = make(map[string]*entry)
	return store
}

// Get returns the current record for the provided key.
func (s *MemoryStore) Get(ctx context.Context, key string) (Record, error) {
	if strings.TrimSpace(key) == "" {
		return Record{}, errs.New("store/memory", errs.CodeInvalid, errs.WithMessage("key required"))
	}
	if err := ctxErr(ctx, "get"); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	e, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return Record{}, errs.New("store/memory", errs.CodeNotFound, errs.WithMessage("record not found"), errs.WithField("key", key))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.Clone(), nil
}

// Put stores a new record, initialising the version counter. A key that
// already exists yields a conflict; updates go through CompareAndSwap.
func (s *MemoryStore) Put(ctx context.Context, record Record) (Record, error) {
	if err := record.Validate(); err != nil {
		return Record{}, err
	}
	if err := ctxErr(ctx, "put"); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	if _, exists := s.records[record.Key]; exists {
		s.mu.Unlock()
		return Record{}, errs.New("store/memory", errs.CodeConflict, errs.WithMessage("record already exists"), errs.WithField("key", record.Key))
	}
	e := new(entry)
	e.mu.Lock()
	s.records[record.Key] = e
	s.mu.Unlock()

	defer e.mu.Unlock()
	record.Version = 1
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	e.record = record.Clone()
	return e.record.Clone(), nil
}

// CompareAndSwap replaces the record if the stored version matches prevVersion.
func (s *MemoryStore) CompareAndSwap(ctx context.Context, prevVersion uint64, record Record) (Record, error) {
	if err := record.Validate(); err != nil {
		return Record{}, err
	}
	if err := ctxErr(ctx, "cas"); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	e, ok := s.records[record.Key]
	s.mu.RUnlock()
	if !ok {
		return Record{}, errs.New("store/memory", errs.CodeNotFound, errs.WithMessage("record not found"), errs.WithField("key", record.Key))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record.Version != prevVersion {
		s.casRetries.Add(1)
		return Record{}, errs.New("store/memory", errs.CodeConflict, errs.WithMessage("version mismatch"), errs.WithField("key", record.Key))
	}
	record.Version = prevVersion + 1
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	e.record = record.Clone()
	return e.record.Clone(), nil
}

// ListPrefix returns every record whose key starts with prefix, ordered by key.
func (s *MemoryStore) ListPrefix(ctx context.Context, prefix string) ([]Record, error) {
	if err := ctxErr(ctx, "list"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	matched := make([]*entry, 0)
	for key, e := range s.records {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	out := make([]Record, 0, len(matched))
	for _, e := range matched {
		e.mu.Lock()
		out = append(out, e.record.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// CASRetries reports how many compare-and-swap conflicts occurred.
func (s *MemoryStore) CASRetries() uint64 {
	return s.casRetries.Load()
}

func ctxErr(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("memory store %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}
