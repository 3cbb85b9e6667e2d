// Package worker provides a generic, thread-safe worker pool for concurrent task processing.
//
// A Pool runs a fixed number of goroutines that take items from a bounded queue. Submit is
// non-blocking and returns ErrQueueFull when the queue is at capacity; SubmitWait blocks
// until there is room, which gives natural backpressure to a producer such as a message
// consumer callback.
//
//	pool := worker.NewPool[*delivery](maxInFlight, maxInFlight, handle)
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(30 * time.Second)
//
// Stop lets workers finish the queued items before exiting. Statistics are always tracked
// (Stats); Prometheus metrics are registered when WithMetricsRegistry is given and removed
// again when the pool stops.
package worker
