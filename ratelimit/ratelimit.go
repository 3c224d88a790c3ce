// Package ratelimit spaces outbound requests per request class.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Class identifies which request stream a wait belongs to. Listing-page and
// detail-page fetches are throttled independently.
type Class int

const (
	ListingPage Class = iota
	DetailPage
)

func (c Class) String() string {
	switch c {
	case ListingPage:
		return "listing"
	case DetailPage:
		return "detail"
	default:
		return "unknown"
	}
}

// Limiter enforces a minimum delay between consecutive requests of the same
// class. Burst is fixed at 1, so this is pure spacing: callers queue up FIFO
// behind the limiter. It is advisory backpressure, not a concurrency cap.
type Limiter struct {
	limiters map[Class]*rate.Limiter
}

func New(listingDelay, detailDelay time.Duration) *Limiter {
	if listingDelay <= 0 {
		listingDelay = time.Second
	}
	if detailDelay <= 0 {
		detailDelay = 500 * time.Millisecond
	}
	return &Limiter{
		limiters: map[Class]*rate.Limiter{
			ListingPage: rate.NewLimiter(rate.Every(listingDelay), 1),
			DetailPage:  rate.NewLimiter(rate.Every(detailDelay), 1),
		},
	}
}

// Wait blocks until the class's spacing has elapsed since the previous
// release, or until ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, class Class) error {
	lim, ok := l.limiters[class]
	if !ok {
		return fmt.Errorf("unknown rate limit class: %d", class)
	}
	return lim.Wait(ctx)
}
