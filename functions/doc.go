// Package functions calls and serves remote functions over NATS request/reply.
//
// A function name in a region is reached at the subject functions.<region>.<name>. Functions
// are served by Host as nats.go micro endpoints, so failures travel in the standard micro
// error headers with codes prefixed by "functions/".
//
// Callers are cached per region:
//
//	fns := functions.New(client, functions.WithDefaultRegion("eu-west1"))
//	total, err := functions.InvokeWithRetry[Total](ctx, fns, "sum-order", order,
//	    functions.WithTimeout(5*time.Second),
//	    functions.WithMaxRetries(2),
//	)
//
// CallWithRetry does not retry permission-denied, invalid-argument and not-found. Other
// failures are retried after 1s, 2s, 4s and so on, capped at 10s.
package functions
