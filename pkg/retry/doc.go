// Package retry provides exponential backoff retry logic for transient failures.
//
// # Overview
//
// Do runs a function until it succeeds, returns an error marked NonRetryable, the context
// is cancelled, or MaxAttempts is reached. DoWithResult is the generic variant.
//
// # Remote call schedule
//
// Backoff builds the un-jittered schedule used for remote function calls, where the delay
// after the k-th failure is min(base*2^k, max):
//
//	cfg := retry.Backoff(maxRetries, time.Second, 10*time.Second)
//	err := retry.Do(ctx, cfg, call)
//
// MaxAttempts is maxRetries+1, so maxRetries=0 runs exactly once and never sleeps.
//
// # Testing
//
// Config.Sleep replaces the timer so tests can record delays without waiting, and
// Config.OnRetry observes each backoff decision.
//
// # Context Cancellation
//
// Retry stops as soon as the context is cancelled, either after an attempt or during the
// backoff wait.
package retry
