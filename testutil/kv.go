package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/c360/cloudkit/natsclient"
)

// MockKVStore is an in-memory bucket with KV revision semantics. It satisfies
// document.Bucket and returns the natsclient sentinel errors.
// Thread-safe for concurrent use from multiple goroutines.
type MockKVStore struct {
	mu       sync.Mutex
	entries  map[string]*natsclient.KVEntry
	revision uint64
	failures map[string]error
	calls    map[string]int

	// MaxRetries bounds UpdateWithRetry conflicts, like KVOptions.MaxRetries
	MaxRetries int
	// BeforeUpdate, when set, runs between the read and the write of UpdateWithRetry.
	// Tests use it to inject concurrent writes.
	BeforeUpdate func(key string, attempt int)
}

// NewMockKVStore creates an empty store
func NewMockKVStore() *MockKVStore {
	return &MockKVStore{
		entries:    make(map[string]*natsclient.KVEntry),
		failures:   make(map[string]error),
		calls:      make(map[string]int),
		MaxRetries: 10,
	}
}

// FailOn makes every call of method return err until cleared with a nil err
func (s *MockKVStore) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// Calls returns how often method was called
func (s *MockKVStore) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Len returns the number of live keys
func (s *MockKVStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// enter records the call and returns an injected failure. Callers hold s.mu.
func (s *MockKVStore) enter(ctx context.Context, method string) error {
	s.calls[method]++
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.failures[method]
}

func (s *MockKVStore) write(key string, value []byte) uint64 {
	s.revision++
	s.entries[key] = &natsclient.KVEntry{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Revision: s.revision,
	}
	return s.revision
}

// Get returns a copy of the entry
func (s *MockKVStore) Get(ctx context.Context, key string) (*natsclient.KVEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "Get"); err != nil {
		return nil, err
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return &natsclient.KVEntry{Key: e.Key, Value: append([]byte(nil), e.Value...), Revision: e.Revision}, nil
}

// Put writes value unconditionally
func (s *MockKVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "Put"); err != nil {
		return 0, err
	}
	return s.write(key, value), nil
}

// Create writes value only when key is absent
func (s *MockKVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "Create"); err != nil {
		return 0, err
	}
	if _, ok := s.entries[key]; ok {
		return 0, natsclient.ErrKVKeyExists
	}
	return s.write(key, value), nil
}

// Update writes value when the stored revision equals revision
func (s *MockKVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "Update"); err != nil {
		return 0, err
	}
	e, ok := s.entries[key]
	if !ok || e.Revision != revision {
		return 0, natsclient.ErrKVRevisionMismatch
	}
	return s.write(key, value), nil
}

// UpdateWithRetry reads key, applies fn and writes the result with a revision check,
// retrying on conflict. fn receives nil when the key does not exist.
func (s *MockKVStore) UpdateWithRetry(
	ctx context.Context, key string, fn func(current []byte) ([]byte, error),
) (uint64, error) {
	s.mu.Lock()
	err := s.enter(ctx, "UpdateWithRetry")
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		var (
			current  []byte
			revision uint64
			exists   bool
		)
		s.mu.Lock()
		if e, ok := s.entries[key]; ok {
			current = append([]byte(nil), e.Value...)
			revision = e.Revision
			exists = true
		}
		s.mu.Unlock()

		next, err := fn(current)
		if err != nil {
			return 0, err
		}

		if s.BeforeUpdate != nil {
			s.BeforeUpdate(key, attempt)
		}

		s.mu.Lock()
		e, ok := s.entries[key]
		switch {
		case !exists && !ok, exists && ok && e.Revision == revision:
			rev := s.write(key, next)
			s.mu.Unlock()
			return rev, nil
		}
		s.mu.Unlock()
	}
	return 0, natsclient.ErrKVMaxRetriesExceeded
}

// Delete removes key. Like a KV tombstone it succeeds for absent keys.
func (s *MockKVStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "Delete"); err != nil {
		return err
	}
	delete(s.entries, key)
	return nil
}

// Keys lists the live keys in lexical order
func (s *MockKVStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, "Keys"); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
