package natsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/cloudkit/pkg/retry"
)

// KV errors returned by KVStore in place of the driver's own
var (
	ErrKVKeyNotFound        = errors.New("kv: key not found")
	ErrKVKeyExists          = errors.New("kv: key already exists")
	ErrKVRevisionMismatch   = errors.New("kv: revision mismatch (concurrent update)")
	ErrKVMaxRetriesExceeded = errors.New("kv: max retries exceeded")
	ErrKVValueTooLarge      = errors.New("kv: value too large")
)

// KVEntry is a value with the revision it was read at
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions tunes a KVStore
type KVOptions struct {
	// MaxRetries bounds UpdateWithRetry conflicts after the first attempt
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// Timeout applies to every call; zero leaves ctx alone
	Timeout time.Duration
	// MaxValueSize rejects larger writes; zero disables the check
	MaxValueSize int
}

// DefaultKVOptions suits low-contention document writes
func DefaultKVOptions() KVOptions {
	return KVOptions{
		MaxRetries:    10,
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: time.Second,
		Timeout:       5 * time.Second,
		MaxValueSize:  1 << 20,
	}
}

// KVStore wraps a JetStream KV bucket with typed errors and CAS updates
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  *slog.Logger
}

// NewKVStore wraps an already bound bucket
func (m *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  m.logger.With("bucket", bucket.Bucket()),
	}
}

// OpenKVStore binds the bucket in cfg, creating it on first use, and wraps it
func (m *Client) OpenKVStore(
	ctx context.Context, cfg jetstream.KeyValueConfig, opts ...func(*KVOptions),
) (*KVStore, error) {
	bucket, err := m.keyValue(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return m.NewKVStore(bucket, opts...), nil
}

func (m *Client) keyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := m.jetStream()
	if err != nil {
		return nil, err
	}

	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		bucket, err = js.CreateKeyValue(ctx, cfg)
		switch {
		case isAlreadyExistsError(err):
			// another writer created it first
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
		case err == nil:
			m.logger.Info("Created KV bucket", "bucket", cfg.Bucket)
		}
	}
	m.observe(err)
	if err != nil {
		m.jsMetrics.recordError("open_kv")
		return nil, fmt.Errorf("open kv bucket %s: %w", cfg.Bucket, err)
	}
	return bucket, nil
}

// Name returns the bucket name
func (kv *KVStore) Name() string {
	return kv.bucket.Bucket()
}

func (kv *KVStore) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, kv.options.Timeout)
}

func (kv *KVStore) fits(value []byte) error {
	if limit := kv.options.MaxValueSize; limit > 0 && len(value) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrKVValueTooLarge, len(value), limit)
	}
	return nil
}

// translate maps driver errors for key onto the KV sentinels. conflict is what a CAS
// failure means for the calling operation.
func translate(op, key string, err, conflict error) error {
	switch {
	case err == nil:
		return nil
	case IsKVNotFoundError(err):
		return ErrKVKeyNotFound
	case conflict != nil && IsKVConflictError(err):
		return conflict
	}
	return fmt.Errorf("kv %s %s: %w", op, key, err)
}

// Get reads key with its revision
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		return nil, translate("get", key, err, nil)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put writes key unconditionally
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return kv.write(ctx, "put", key, value, nil, func(ctx context.Context) (uint64, error) {
		return kv.bucket.Put(ctx, key, value)
	})
}

// Create writes key only when it does not exist yet
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return kv.write(ctx, "create", key, value, ErrKVKeyExists, func(ctx context.Context) (uint64, error) {
		return kv.bucket.Create(ctx, key, value)
	})
}

// Update writes key only when its revision is still revision
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return kv.write(ctx, "update", key, value, ErrKVRevisionMismatch, func(ctx context.Context) (uint64, error) {
		return kv.bucket.Update(ctx, key, value, revision)
	})
}

func (kv *KVStore) write(
	ctx context.Context, op, key string, value []byte, conflict error,
	fn func(context.Context) (uint64, error),
) (uint64, error) {
	if err := kv.fits(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	rev, err := fn(ctx)
	if err != nil {
		return 0, translate(op, key, err, conflict)
	}
	kv.logger.Debug("KV write", "op", op, "key", key, "revision", rev)
	return rev, nil
}

// UpdateWithRetry is a read-modify-write of key under CAS. updateFn gets nil for a missing
// key, in which case its result is created. Conflicts are retried with backoff up to
// MaxRetries; an error from updateFn ends the loop and is returned unchanged.
func (kv *KVStore) UpdateWithRetry(
	ctx context.Context, key string, updateFn func(current []byte) ([]byte, error),
) (uint64, error) {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	cfg := retry.Config{
		MaxAttempts:  kv.options.MaxRetries + 1,
		InitialDelay: kv.options.RetryDelay,
		MaxDelay:     kv.options.MaxRetryDelay,
		Multiplier:   2,
		AddJitter:    true,
		OnRetry: func(attempt int, _ time.Duration, err error) {
			kv.logger.Debug("KV CAS conflict, retrying", "key", key, "attempt", attempt, "error", err)
		},
	}

	var fnErr error
	revision, err := retry.DoWithResult(ctx, cfg, func() (uint64, error) {
		var current []byte
		var rev uint64
		entry, err := kv.Get(ctx, key)
		switch {
		case err == nil:
			current, rev = entry.Value, entry.Revision
		case !errors.Is(err, ErrKVKeyNotFound):
			return 0, retry.NonRetryable(err)
		}

		next, err := updateFn(current)
		if err != nil {
			fnErr = err
			return 0, retry.NonRetryable(err)
		}
		if err := kv.fits(next); err != nil {
			return 0, retry.NonRetryable(err)
		}

		if rev == 0 {
			return kv.bucket.Create(ctx, key, next)
		}
		return kv.bucket.Update(ctx, key, next, rev)
	})

	switch {
	case fnErr != nil:
		return 0, fnErr
	case err == nil:
		return revision, nil
	case IsKVConflictError(err):
		return 0, ErrKVMaxRetriesExceeded
	case retry.IsNonRetryable(err):
		return 0, errors.Unwrap(err)
	}
	return 0, err
}

// Delete removes key by writing a tombstone. Deleting a missing key succeeds; callers that
// need the key to exist check with Get first.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		return translate("delete", key, err, nil)
	}
	kv.logger.Debug("KV delete", "key", key)
	return nil
}

// Keys lists the live keys; an empty bucket gives an empty slice
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	lister, err := kv.bucket.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	keys := []string{}
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

// IsKVNotFoundError reports a missing or deleted key, including server error 10037
func IsKVNotFoundError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrKVKeyNotFound),
		errors.Is(err, jetstream.ErrKeyNotFound),
		errors.Is(err, jetstream.ErrKeyDeleted):
		return true
	}
	return containsAny(err.Error(), "key not found", "10037")
}

// IsKVConflictError reports an existing key or a stale revision
func IsKVConflictError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrKVRevisionMismatch),
		errors.Is(err, ErrKVKeyExists),
		errors.Is(err, jetstream.ErrKeyExists):
		return true
	}
	return containsAny(err.Error(), "wrong last sequence", "key exists", "10071", "10058")
}

func containsAny(s string, parts ...string) bool {
	for _, p := range parts {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
