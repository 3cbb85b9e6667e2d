package document

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/cloudkit/errors"
	"github.com/c360/cloudkit/metric"
	"github.com/c360/cloudkit/natsclient"
)

// Bucket is the key/value store backing one collection. *natsclient.KVStore implements it.
type Bucket interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	UpdateWithRetry(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Opener returns the bucket for a collection, creating it if needed
type Opener func(ctx context.Context, collection string) (Bucket, error)

var (
	idPattern         = regexp.MustCompile(`^[-_=.a-zA-Z0-9]+$`)
	collectionPattern = regexp.MustCompile(`^[-_a-zA-Z0-9]+$`)
)

// Facade is the untyped document store. Use Collection for typed access.
type Facade struct {
	open        Opener
	logger      *slog.Logger
	metrics     *metric.Metrics
	concurrency int
	newID       func() string

	mu      sync.Mutex
	buckets map[string]Bucket

	schemaMu sync.RWMutex
	schemas  map[string]*gojsonschema.Schema
}

// Option configures a Facade
type Option func(*Facade)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(f *Facade) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetrics records per-operation metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(f *Facade) {
		f.metrics = m
	}
}

// WithQueryConcurrency bounds the parallel document reads of a query
func WithQueryConcurrency(n int) Option {
	return func(f *Facade) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithIDGenerator replaces the UUID generator used by Add
func WithIDGenerator(fn func() string) Option {
	return func(f *Facade) {
		if fn != nil {
			f.newID = fn
		}
	}
}

// New creates a document facade over open
func New(open Opener, opts ...Option) *Facade {
	f := &Facade{
		open:        open,
		logger:      slog.Default(),
		concurrency: 16,
		newID:       uuid.NewString,
		buckets:     make(map[string]Bucket),
		schemas:     make(map[string]*gojsonschema.Schema),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "documents")
	return f
}

// Path joins a collection and document id
func Path(collection, id string) string {
	return collection + "/" + id
}

func (f *Facade) bucket(ctx context.Context, collection string) (Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b, ok := f.buckets[collection]; ok {
		return b, nil
	}

	b, err := f.open(ctx, collection)
	if err != nil {
		return nil, err
	}
	f.buckets[collection] = b
	return b, nil
}

// Collections lists the collections opened through this facade
func (f *Facade) Collections() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.buckets))
	for name := range f.buckets {
		names = append(names, name)
	}
	return names
}

// Close forgets the opened buckets. The underlying connection is owned by the caller.
func (f *Facade) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets = make(map[string]Bucket)
}

// op tracks one facade operation for metrics
type op struct {
	f          *Facade
	name       string
	collection string
	start      time.Time
}

func (f *Facade) begin(name, collection string) op {
	return op{f: f, name: name, collection: collection, start: time.Now()}
}

func (o op) end(err error) error {
	o.f.metrics.RecordDocumentOp(o.collection, o.name, time.Since(o.start), err)
	if err != nil && !errors.IsNotFound(err) {
		o.f.logger.Debug("Document operation failed",
			"operation", o.name, "collection", o.collection, "error", err)
	}
	return err
}

func validateCollection(operation, collection string) error {
	if !collectionPattern.MatchString(collection) {
		return errors.NewDocumentError(errors.CodeInvalidArgument, operation, collection,
			fmt.Sprintf("invalid collection name %q", collection), nil)
	}
	return nil
}

func validatePath(operation, collection, id string) error {
	if err := validateCollection(operation, collection); err != nil {
		return err
	}
	if !idPattern.MatchString(id) || strings.HasPrefix(id, ".") || strings.HasSuffix(id, ".") {
		return errors.NewDocumentError(errors.CodeInvalidArgument, operation, Path(collection, id),
			fmt.Sprintf("invalid document id %q", id), nil)
	}
	return nil
}

// wrapError converts a store failure into a document error for path
func wrapError(operation, path string, err error) error {
	if err == nil {
		return nil
	}
	var pe *errors.PlatformError
	if errors.As(err, &pe) {
		return err
	}

	code := errors.CodeUnknown
	switch {
	case errors.Is(err, natsclient.ErrKVKeyNotFound):
		return notFound(operation, path)
	case errors.Is(err, natsclient.ErrKVKeyExists):
		code = errors.CodeAlreadyExists
	case errors.Is(err, natsclient.ErrKVMaxRetriesExceeded):
		code = errors.CodeResourceExhausted
	case errors.Is(err, natsclient.ErrKVValueTooLarge):
		code = errors.CodeInvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		code = errors.CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = errors.CodeCancelled
	case errors.Is(err, natsclient.ErrNotConnected),
		errors.Is(err, natsclient.ErrCircuitOpen),
		errors.Is(err, natsclient.ErrClientClosed):
		code = errors.CodeUnavailable
	}

	return errors.NewDocumentError(code, operation, path,
		fmt.Sprintf("document %s %s failed: %v", operation, path, err), err)
}

func notFound(operation, path string) error {
	return errors.NewDocumentError(errors.CodeNotFound, operation, path,
		fmt.Sprintf("document %s does not exist", path), natsclient.ErrKVKeyNotFound)
}

// GetRaw returns the stored JSON and its revision
func (f *Facade) GetRaw(ctx context.Context, collection, id string) (data []byte, revision uint64, err error) {
	o := f.begin("get", collection)
	defer func() { err = o.end(err) }()

	if err := validatePath("get", collection, id); err != nil {
		return nil, 0, err
	}
	path := Path(collection, id)

	b, err := f.bucket(ctx, collection)
	if err != nil {
		return nil, 0, wrapError("get", path, err)
	}

	entry, err := b.Get(ctx, id)
	if err != nil {
		return nil, 0, wrapError("get", path, err)
	}
	return entry.Value, entry.Revision, nil
}

// Exists reports whether the document exists
func (f *Facade) Exists(ctx context.Context, collection, id string) (bool, error) {
	_, _, err := f.GetRaw(ctx, collection, id)
	switch {
	case err == nil:
		return true, nil
	case errors.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// SetRaw writes data at collection/id. With merge, top-level fields of data are merged into
// the stored object; otherwise the document is replaced.
func (f *Facade) SetRaw(ctx context.Context, collection, id string, data []byte, merge bool) (rev uint64, err error) {
	o := f.begin("set", collection)
	defer func() { err = o.end(err) }()

	if err := validatePath("set", collection, id); err != nil {
		return 0, err
	}
	path := Path(collection, id)

	b, err := f.bucket(ctx, collection)
	if err != nil {
		return 0, wrapError("set", path, err)
	}

	if !merge {
		if err := f.validate(collection, "set", path, data); err != nil {
			return 0, err
		}
		rev, err := b.Put(ctx, id, data)
		return rev, wrapError("set", path, err)
	}

	fields, err := decodeObject("set", path, data)
	if err != nil {
		return 0, err
	}

	rev, err = b.UpdateWithRetry(ctx, id, func(current []byte) ([]byte, error) {
		doc := map[string]any{}
		if current != nil {
			existing, err := decodeObject("set", path, current)
			if err != nil {
				return nil, err
			}
			doc = existing
		}
		for k, v := range fields {
			doc[k] = v
		}
		return f.encode(collection, "set", path, doc)
	})
	return rev, wrapError("set", path, err)
}

// CreateRaw writes data only if collection/id does not exist
func (f *Facade) CreateRaw(ctx context.Context, collection, id string, data []byte) (rev uint64, err error) {
	o := f.begin("create", collection)
	defer func() { err = o.end(err) }()

	if err := validatePath("create", collection, id); err != nil {
		return 0, err
	}
	path := Path(collection, id)

	if err := f.validate(collection, "create", path, data); err != nil {
		return 0, err
	}

	b, err := f.bucket(ctx, collection)
	if err != nil {
		return 0, wrapError("create", path, err)
	}

	rev, err = b.Create(ctx, id, data)
	if errors.Is(err, natsclient.ErrKVKeyExists) {
		return 0, errors.NewDocumentError(errors.CodeAlreadyExists, "create", path,
			fmt.Sprintf("document %s already exists", path), err)
	}
	return rev, wrapError("create", path, err)
}

// AddRaw stores data under a generated id and returns the id
func (f *Facade) AddRaw(ctx context.Context, collection string, data []byte) (string, uint64, error) {
	id := f.newID()
	rev, err := f.CreateRaw(ctx, collection, id, data)
	if err != nil {
		return "", 0, err
	}
	return id, rev, nil
}

// UpdateFields merges fields into an existing document. Keys may be dotted paths addressing
// nested objects, which are created as needed. The write is a compare-and-set retried on
// conflict.
func (f *Facade) UpdateFields(ctx context.Context, collection, id string, fields map[string]any) (rev uint64, err error) {
	o := f.begin("update", collection)
	defer func() { err = o.end(err) }()

	if err := validatePath("update", collection, id); err != nil {
		return 0, err
	}
	path := Path(collection, id)

	if len(fields) == 0 {
		return 0, errors.NewDocumentError(errors.CodeInvalidArgument, "update", path,
			fmt.Sprintf("update of %s has no fields", path), nil)
	}
	normalized, err := normalize(fields)
	if err != nil {
		return 0, errors.NewDocumentError(errors.CodeInvalidArgument, "update", path,
			fmt.Sprintf("update of %s: %v", path, err), err)
	}
	updates := normalized.(map[string]any)

	b, err := f.bucket(ctx, collection)
	if err != nil {
		return 0, wrapError("update", path, err)
	}

	rev, err = b.UpdateWithRetry(ctx, id, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, notFound("update", path)
		}
		doc, err := decodeObject("update", path, current)
		if err != nil {
			return nil, err
		}
		for field, value := range updates {
			if err := setField(doc, field, value); err != nil {
				return nil, errors.NewDocumentError(errors.CodeInvalidArgument, "update", path,
					fmt.Sprintf("update of %s: %v", path, err), err)
			}
		}
		return f.encode(collection, "update", path, doc)
	})
	return rev, wrapError("update", path, err)
}

// Delete removes an existing document
func (f *Facade) Delete(ctx context.Context, collection, id string) (err error) {
	o := f.begin("delete", collection)
	defer func() { err = o.end(err) }()

	if err := validatePath("delete", collection, id); err != nil {
		return err
	}
	path := Path(collection, id)

	b, err := f.bucket(ctx, collection)
	if err != nil {
		return wrapError("delete", path, err)
	}

	// KV deletes are tombstones and succeed for absent keys
	if _, err := b.Get(ctx, id); err != nil {
		return wrapError("delete", path, err)
	}
	return wrapError("delete", path, b.Delete(ctx, id))
}
