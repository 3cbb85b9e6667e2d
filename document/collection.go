package document

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360/cloudkit/errors"
)

// Record is a typed document with its id and store revision
type Record[T any] struct {
	ID       string
	Data     T
	Revision uint64
}

// SetOptions controls Set. Merge combines top-level fields with the stored document
// instead of replacing it.
type SetOptions struct {
	Merge bool
}

// Collection gives typed access to one collection. T must marshal to JSON.
type Collection[T any] struct {
	f    *Facade
	name string
}

// NewCollection binds a typed collection to the facade
func NewCollection[T any](f *Facade, name string) *Collection[T] {
	return &Collection[T]{f: f, name: name}
}

// Name returns the collection name
func (c *Collection[T]) Name() string {
	return c.name
}

// Path returns the document path for id
func (c *Collection[T]) Path(id string) string {
	return Path(c.name, id)
}

func (c *Collection[T]) encode(operation, path string, data T) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.NewDocumentError(errors.CodeInvalidArgument, operation, path,
			fmt.Sprintf("encode %s: %v", path, err), err)
	}
	return raw, nil
}

func decodeRecord[T any](operation, path, id string, raw []byte, rev uint64) (*Record[T], error) {
	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.NewDocumentError(errors.CodeInternal, operation, path,
			fmt.Sprintf("decode %s: %v", path, err), errors.ErrDataCorrupted)
	}
	return &Record[T]{ID: id, Data: data, Revision: rev}, nil
}

// Get reads a document. A missing document is a not-found error.
func (c *Collection[T]) Get(ctx context.Context, id string) (*Record[T], error) {
	raw, rev, err := c.f.GetRaw(ctx, c.name, id)
	if err != nil {
		return nil, err
	}
	return decodeRecord[T]("get", c.Path(id), id, raw, rev)
}

// Exists reports whether the document exists
func (c *Collection[T]) Exists(ctx context.Context, id string) (bool, error) {
	return c.f.Exists(ctx, c.name, id)
}

// Set writes data at id, replacing the document unless opts.Merge is set. Setting the same
// payload twice leaves the same stored state.
func (c *Collection[T]) Set(ctx context.Context, id string, data T, opts ...SetOptions) (uint64, error) {
	var o SetOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	raw, err := c.encode("set", c.Path(id), data)
	if err != nil {
		return 0, err
	}
	return c.f.SetRaw(ctx, c.name, id, raw, o.Merge)
}

// Create writes data at id and fails with already-exists if the document is present
func (c *Collection[T]) Create(ctx context.Context, id string, data T) (uint64, error) {
	raw, err := c.encode("create", c.Path(id), data)
	if err != nil {
		return 0, err
	}
	return c.f.CreateRaw(ctx, c.name, id, raw)
}

// Add stores data under a generated id
func (c *Collection[T]) Add(ctx context.Context, data T) (string, error) {
	raw, err := c.encode("add", c.name, data)
	if err != nil {
		return "", err
	}
	id, _, err := c.f.AddRaw(ctx, c.name, raw)
	return id, err
}

// Update merges fields into an existing document. Keys may be dotted paths.
func (c *Collection[T]) Update(ctx context.Context, id string, fields map[string]any) (uint64, error) {
	return c.f.UpdateFields(ctx, c.name, id, fields)
}

// Delete removes an existing document
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	return c.f.Delete(ctx, c.name, id)
}

// Query returns the matching documents; no match is an empty slice
func (c *Collection[T]) Query(ctx context.Context, constraints ...Constraint) ([]Record[T], error) {
	raws, err := c.f.QueryRaw(ctx, c.name, constraints...)
	if err != nil {
		return nil, err
	}

	out := make([]Record[T], 0, len(raws))
	for _, raw := range raws {
		rec, err := decodeRecord[T]("query", c.Path(raw.ID), raw.ID, raw.Data, raw.Revision)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}
