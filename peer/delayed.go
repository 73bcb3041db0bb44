package peer

import (
	"context"
	"time"
)

// DelayedSource drains an inner Source until it reports exhaustion, then
// appends a fixed peer list to the candidate stream — but only once
// delay has elapsed since the DelayedSource was built, or immediately if
// delay is zero (spec.md §4.7 Fixed peers: fixed_peer_delay, "or
// immediately if DHT is disabled").
type DelayedSource struct {
	inner Source
	fixed []Peer
	pos   int
	ready time.Time
}

// NewDelayedSource builds a DelayedSource wrapping inner, with fixed
// appended to the queue once delay has passed.
func NewDelayedSource(inner Source, fixed []Peer, delay time.Duration) *DelayedSource {
	return &DelayedSource{
		inner: inner,
		fixed: fixed,
		ready: time.Now().Add(delay),
	}
}

// Next drains the inner source first; once it is exhausted for this
// call, and the delay has elapsed, it yields from the fixed list.
func (s *DelayedSource) Next(ctx context.Context) (Peer, bool) {
	if p, ok := s.inner.Next(ctx); ok {
		return p, true
	}
	if len(s.fixed) == 0 || time.Now().Before(s.ready) {
		return Peer{}, false
	}
	p := s.fixed[s.pos%len(s.fixed)]
	s.pos++
	return p, true
}
