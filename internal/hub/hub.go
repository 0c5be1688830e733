package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/GoPolymarket/polyexec/internal/pkg/metrics"
	"github.com/google/uuid"
)

type Type string

const (
	TypeOpportunities Type = "opportunities"
	TypePairStatus    Type = "pair-status"
	TypeAccountStatus Type = "account-status"
	TypeSellSignal    Type = "sell-signal"
	TypeConnected     Type = "connected"
	TypeError         Type = "error"
	TypePong          Type = "pong"
)

// Snapshot types are the ones the producer publishes.
var SnapshotTypes = []Type{TypeOpportunities, TypePairStatus, TypeAccountStatus}

const DefaultCapacity = 256

var ErrClosed = errors.New("hub: closed")

// Envelope wraps one immutable payload. Seq is global across types.
type Envelope struct {
	Type    Type      `json:"type"`
	Payload any       `json:"payload,omitempty"`
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
}

// LaggedError tells a subscriber that Count envelopes of the types it
// subscribes to were overwritten before it read them.
type LaggedError struct {
	Count uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("hub: subscriber lagged, %d envelopes dropped", e.Count)
}

// Hub is a single-producer broadcast over a bounded ring. Publish never
// waits on subscribers; slow subscribers skip ahead.
type Hub struct {
	mu      sync.RWMutex
	ring    []Envelope
	next    uint64 // seq assigned to the next Publish
	latest  map[Type]Envelope
	counts  map[Type]uint64 // published per type
	notify  chan struct{}
	closed  bool
	subs    int
	nowFunc func() time.Time
}

func New(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		ring:    make([]Envelope, capacity),
		next:    1,
		latest:  make(map[Type]Envelope),
		counts:  make(map[Type]uint64),
		notify:  make(chan struct{}),
		nowFunc: time.Now,
	}
}

// Publish appends payload and wakes every waiting subscriber.
func (h *Hub) Publish(t Type, payload any) Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Envelope{}
	}
	env := Envelope{Type: t, Payload: payload, Seq: h.next, At: h.nowFunc()}
	h.ring[env.Seq%uint64(len(h.ring))] = env
	h.latest[t] = env
	h.counts[t]++
	h.next++

	close(h.notify)
	h.notify = make(chan struct{})
	return env
}

// Latest is a point-in-time read of the newest envelope of type t.
func (h *Hub) Latest(t Type) (Envelope, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	env, ok := h.latest[t]
	return env, ok
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.subs
}

// Close wakes every subscriber with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.notify)
}

// oldest returns the smallest seq still in the ring. Caller holds mu.
func (h *Hub) oldest() uint64 {
	capacity := uint64(len(h.ring))
	if h.next-1 <= capacity {
		return 1
	}
	return h.next - capacity
}

// countsBefore returns how many envelopes of each type have a seq below
// seq, which must not be older than oldest(). Caller holds mu.
func (h *Hub) countsBefore(seq uint64) map[Type]uint64 {
	out := make(map[Type]uint64, len(h.counts))
	for t, n := range h.counts {
		out[t] = n
	}
	for i := seq; i < h.next; i++ {
		out[h.ring[i%uint64(len(h.ring))].Type]--
	}
	return out
}

// Subscribe starts a subscription on types (all when empty). The first
// envelopes it yields are the latest of each matching type.
func (h *Hub) Subscribe(types ...Type) *Subscription {
	s := &Subscription{
		ID:   uuid.NewString(),
		hub:  h,
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}

	h.mu.Lock()
	s.cursor = h.next
	s.seen = h.countsBefore(h.next)
	h.subs++
	n := h.subs
	s.setFilterLocked(types)
	h.mu.Unlock()

	metrics.HubSubscribers.Set(float64(n))
	return s
}

// Subscription is one reader of the hub with its own cursor.
type Subscription struct {
	ID string

	hub    *Hub
	mu     sync.Mutex
	filter map[Type]struct{}
	cursor uint64
	seen   map[Type]uint64 // per-type envelopes below cursor
	// pending holds the initial point-in-time envelopes.
	pending   []Envelope
	done      chan struct{}
	wake      chan struct{}
	closeOnce sync.Once
}

// setFilterLocked requires hub.mu held.
func (s *Subscription) setFilterLocked(types []Type) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.filter = nil
	if len(types) > 0 {
		s.filter = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.filter[t] = struct{}{}
		}
	}

	s.pending = s.pending[:0]
	for t, env := range s.hub.latest {
		if s.matches(t) && env.Seq < s.cursor {
			s.pending = append(s.pending, env)
		}
	}
	sort.Slice(s.pending, func(i, j int) bool { return s.pending[i].Seq < s.pending[j].Seq })
}

// SetTypes changes the filter and re-queues the latest envelope of each
// matching type.
func (s *Subscription) SetTypes(types ...Type) {
	s.hub.mu.RLock()
	s.setFilterLocked(types)
	s.hub.mu.RUnlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) matches(t Type) bool {
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[t]
	return ok
}

// Next blocks until an envelope is available, ctx ends, or the subscription
// or hub closes. A LaggedError is returned once when envelopes matching the
// filter fell off the ring; the following call resumes at the oldest retained
// envelope. Overwritten envelopes of other types are skipped silently.
func (s *Subscription) Next(ctx context.Context) (Envelope, error) {
	for {
		select {
		case <-s.done:
			return Envelope{}, ErrClosed
		default:
		}

		h := s.hub
		h.mu.RLock()
		s.mu.Lock()
		if len(s.pending) > 0 {
			env := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			h.mu.RUnlock()
			return env, nil
		}

		if oldest := h.oldest(); s.cursor < oldest {
			before := h.countsBefore(oldest)
			var dropped uint64
			for t, n := range before {
				if s.matches(t) {
					dropped += n - s.seen[t]
				}
			}
			s.seen = before
			s.cursor = oldest
			if dropped > 0 {
				s.mu.Unlock()
				h.mu.RUnlock()
				metrics.HubLagged.Add(float64(dropped))
				return Envelope{}, &LaggedError{Count: dropped}
			}
		}

		for s.cursor < h.next {
			env := h.ring[s.cursor%uint64(len(h.ring))]
			s.cursor++
			s.seen[env.Type]++
			if s.matches(env.Type) {
				s.mu.Unlock()
				h.mu.RUnlock()
				return env, nil
			}
		}

		closed := h.closed
		wait := h.notify
		s.mu.Unlock()
		h.mu.RUnlock()

		if closed {
			return Envelope{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-s.done:
			return Envelope{}, ErrClosed
		case <-s.wake:
		case <-wait:
		}
	}
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		h := s.hub
		h.mu.Lock()
		h.subs--
		n := h.subs
		h.mu.Unlock()
		metrics.HubSubscribers.Set(float64(n))
	})
}
