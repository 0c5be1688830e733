package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/GoPolymarket/polyexec/internal/pkg/metrics"
	"golang.org/x/time/rate"
)

// Class is an exchange endpoint class with its own bucket.
type Class string

const (
	General     Class = "general"
	PlaceOrder  Class = "place_order"
	CancelOrder Class = "cancel_order"
)

var Classes = []Class{General, PlaceOrder, CancelOrder}

// Limits holds the per-class capacity over one window. Callers pass values
// that already sit below the exchange's published caps.
type Limits struct {
	Window      time.Duration
	General     float64
	PlaceOrder  float64
	CancelOrder float64
}

func DefaultLimits() Limits {
	return Limits{
		Window:      10 * time.Second,
		General:     7200,
		PlaceOrder:  2800,
		CancelOrder: 2400,
	}
}

type bucket struct {
	lim       *rate.Limiter
	maxTokens float64
	perSecond float64
}

// Limiter gates outbound exchange calls. Each class is an independent,
// lazily refilled bucket with its own lock.
type Limiter struct {
	buckets map[Class]*bucket
	now     func() time.Time
}

func New(l Limits) *Limiter {
	if l.Window <= 0 {
		l.Window = 10 * time.Second
	}
	caps := map[Class]float64{
		General:     l.General,
		PlaceOrder:  l.PlaceOrder,
		CancelOrder: l.CancelOrder,
	}
	rl := &Limiter{buckets: make(map[Class]*bucket, len(caps)), now: time.Now}
	for class, max := range caps {
		if max < 1 {
			max = 1
		}
		perSecond := max / l.Window.Seconds()
		rl.buckets[class] = &bucket{
			// Burst equal to capacity; rate.Limiter starts full.
			lim:       rate.NewLimiter(rate.Limit(perSecond), int(max)),
			maxTokens: float64(int(max)),
			perSecond: perSecond,
		}
	}
	return rl
}

func (rl *Limiter) bucket(class Class) (*bucket, error) {
	b, ok := rl.buckets[class]
	if !ok {
		return nil, fmt.Errorf("ratelimit: unknown class %q", class)
	}
	return b, nil
}

// TryAcquire consumes one token if one is available right now.
func (rl *Limiter) TryAcquire(class Class) bool {
	b, err := rl.bucket(class)
	if err != nil {
		return false
	}
	ok := b.lim.AllowN(rl.now(), 1)
	rl.observe(class, b)
	return ok
}

// Acquire blocks until a token of class is available and consumes it.
// waited reports whether the caller had to sleep. The wait has no upper
// bound other than ctx.
func (rl *Limiter) Acquire(ctx context.Context, class Class) (waited bool, err error) {
	b, err := rl.bucket(class)
	if err != nil {
		return false, err
	}
	for {
		now := rl.now()
		if b.lim.AllowN(now, 1) {
			rl.observe(class, b)
			if waited {
				metrics.RateLimitWaits.WithLabelValues(string(class)).Inc()
			}
			return waited, nil
		}

		// Another caller may take the token while we sleep, so loop and
		// re-check instead of assuming it is ours.
		deficit := 1 - b.lim.TokensAt(now)
		wait := time.Duration(deficit / b.perSecond * float64(time.Second))
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		waited = true

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
		}
	}
}

// Utilization returns 1 - tokens/max per class.
func (rl *Limiter) Utilization() map[Class]float64 {
	now := rl.now()
	out := make(map[Class]float64, len(rl.buckets))
	for class, b := range rl.buckets {
		out[class] = utilization(b, now)
	}
	return out
}

func utilization(b *bucket, now time.Time) float64 {
	tokens := b.lim.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}
	if tokens > b.maxTokens {
		tokens = b.maxTokens
	}
	return 1 - tokens/b.maxTokens
}

func (rl *Limiter) observe(class Class, b *bucket) {
	metrics.RateLimitUtilization.WithLabelValues(string(class)).Set(utilization(b, rl.now()))
}
