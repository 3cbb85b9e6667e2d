package natsclient

import (
	"sync/atomic"
	"time"
)

const (
	defaultBreakerThreshold = 5
	initialBreakerBackoff   = time.Second
)

// breaker counts infrastructure failures. A round trips once threshold failures pile up
// without a success in between; the backoff grows with every tripped round.
type breaker struct {
	threshold  int32
	maxBackoff time.Duration

	total   atomic.Int32
	round   atomic.Int32
	backoff atomic.Int64
}

func newBreaker() *breaker {
	b := &breaker{threshold: defaultBreakerThreshold, maxBackoff: time.Minute}
	b.backoff.Store(int64(initialBreakerBackoff))
	return b
}

// fail counts one failure and reports whether it completed a round
func (b *breaker) fail() bool {
	b.total.Add(1)
	if b.round.Add(1) < b.threshold {
		return false
	}
	b.round.Store(0)
	return true
}

// escalate returns the backoff to wait now and doubles the next one, capped at maxBackoff
func (b *breaker) escalate() time.Duration {
	current := b.wait()
	b.backoff.Store(int64(min(current*2, b.maxBackoff)))
	return current
}

func (b *breaker) wait() time.Duration {
	return time.Duration(b.backoff.Load())
}

func (b *breaker) reset() {
	b.total.Store(0)
	b.round.Store(0)
	b.backoff.Store(int64(initialBreakerBackoff))
}
