package llm

import (
	"context"
	"time"
)

// RateLimiter is a token bucket bounding outbound provider calls.
// Wait blocks until a token is available; callers never busy-wait.
type RateLimiter struct {
	tokens chan struct{}
	done   chan struct{}
}

// NewRateLimiter creates a limiter refilling at ratePerSec with the
// given burst capacity.
func NewRateLimiter(ratePerSec float64, burst int) *RateLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if burst < 1 {
		burst = 1
	}

	rl := &RateLimiter{
		tokens: make(chan struct{}, burst),
		done:   make(chan struct{}),
	}

	// Start full.
	for i := 0; i < burst; i++ {
		rl.tokens <- struct{}{}
	}

	interval := time.Duration(float64(time.Second) / ratePerSec)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rl.done:
				return
			case <-ticker.C:
				select {
				case rl.tokens <- struct{}{}:
				default: // bucket full
				}
			}
		}
	}()

	return rl
}

// Wait blocks until a token is available or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the refill goroutine.
func (rl *RateLimiter) Close() {
	close(rl.done)
}
