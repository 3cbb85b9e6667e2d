// Package document stores JSON documents in named collections.
//
// A collection is a JetStream KV bucket; a document is one key holding a JSON object, and
// its revision is the KV revision. Collection[T] gives typed access:
//
//	users := document.NewCollection[User](docs, "users")
//	if _, err := users.Set(ctx, "alice", User{Name: "Alice", Age: 30}); err != nil {
//	    return err
//	}
//	adults, err := users.Query(ctx,
//	    document.Where("age", document.OpGreaterEqual, 18),
//	    document.OrderBy("name", document.Asc),
//	    document.Limit(10),
//	)
//
// Filters compile to a CEL expression evaluated against each document. A document for which
// the expression cannot be evaluated, for example because the field is missing or has another
// type, does not match. OrderBy drops documents lacking the ordering field.
//
// Update and merging Set are compare-and-set writes retried on revision conflicts. Collections
// with a registered JSON schema reject writes whose result does not validate.
package document
