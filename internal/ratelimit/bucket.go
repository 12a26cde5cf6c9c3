// Package ratelimit provides the optional byte-rate cap SPEC_FULL.md's
// RateLimitBPS config field applies to a tunnel's RELAYING traffic.
// Implementations SHOULD pause reads rather than drop or reorder frames
// when saturated (spec.md §5 Backpressure); Bucket.Take blocking the
// reader goroutine is how that's done here.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Bucket is a token-bucket byte-rate limiter, safe for concurrent use from
// multiple pump goroutines sharing one tunnel.
type Bucket struct {
	mu       sync.Mutex
	rateBps  int64
	capacity int64
	tokens   int64
	last     time.Time
}

// NewBucket creates a bucket with the given rate and burst, in bytes per
// second. If burst <= 0, it defaults to rateBps.
func NewBucket(rateBps, burst int64) *Bucket {
	if burst <= 0 {
		burst = rateBps
	}
	return &Bucket{rateBps: rateBps, capacity: burst, tokens: burst, last: time.Now()}
}

var errCanceled = errors.New("ratelimit: take canceled")

// Take blocks until n bytes worth of tokens are available or ctx is done,
// then consumes them. A nil Bucket or non-positive rate never blocks.
//
// n may exceed the bucket's capacity (a pump's read buffer is commonly
// larger than a low RateLimitBPS's burst) — such calls are drawn down in
// capacity-sized chunks so they still complete instead of blocking
// forever waiting for a token count the bucket can never hold at once.
func (b *Bucket) Take(ctx context.Context, n int64) error {
	if b == nil || b.rateBps <= 0 {
		return nil
	}
	for n > 0 {
		chunk := n
		if cap := b.capacity; chunk > cap {
			chunk = cap
		}
		sleep, ok := b.tryTake(chunk)
		if !ok {
			timer := time.NewTimer(sleep)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return errCanceled
			}
			continue
		}
		n -= chunk
	}
	return nil
}

// tryTake refills tokens for elapsed time and, if enough are available,
// consumes n and reports ok=true. Otherwise it reports how long the
// caller should wait before trying again.
func (b *Bucket) tryTake(n int64) (sleep time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(b.last); elapsed > 0 {
		if refill := (elapsed.Nanoseconds() * b.rateBps) / int64(time.Second); refill > 0 {
			b.tokens += refill
			if b.tokens > b.capacity {
				b.tokens = b.capacity
			}
			b.last = now
		}
	}

	if b.tokens >= n {
		b.tokens -= n
		return 0, true
	}

	deficit := n - b.tokens
	nsNeeded := (deficit * int64(time.Second)) / b.rateBps
	if nsNeeded < int64(time.Millisecond) {
		nsNeeded = int64(time.Millisecond)
	}
	return time.Duration(nsNeeded), false
}
