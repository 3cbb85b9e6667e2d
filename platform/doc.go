// Package platform owns the connection to the platform and the facades built on it.
//
// A Manager connects on the first facade request, builds each facade once, and returns the
// cached instance afterwards:
//
//	mgr := platform.NewManager(*cfg, platform.WithLogger(logger))
//	defer mgr.Cleanup(context.Background())
//
//	docs, err := mgr.Documents(ctx)
//	fns, err := mgr.Functions(ctx)
//	msgs, err := mgr.Messaging(ctx)
//
// Cleanup stops every subscription and served function, closes the connection, and forgets
// the facades. Facades requested after Cleanup are new instances on a new connection.
package platform
