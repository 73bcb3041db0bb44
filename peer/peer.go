// Package peer models the remote endpoints a downloader races against,
// and the sources that feed them in (spec.md §4.5/§7).
package peer

import (
	"context"
	"fmt"
)

// Peer identifies a reachable blob exchange endpoint.
type Peer struct {
	Address string
	TCPPort int
}

// Key returns the peer's identity as used for scoring/ignore bookkeeping
// (the same "address:port" shape the wire protocol and connection
// manager key connections by).
func (p Peer) Key() string {
	return fmt.Sprintf("%s:%d", p.Address, p.TCPPort)
}

func (p Peer) String() string { return p.Key() }

// Source supplies a stream of candidate peers for a blob. Implementations
// may be backed by a fixed list, a DHT crawl, or any other discovery
// mechanism; the downloader only needs to drain it non-blockingly.
type Source interface {
	// Next returns the next known peer, or ok=false if the source is
	// exhausted for now (not necessarily forever — a source may be
	// polled again later).
	Next(ctx context.Context) (p Peer, ok bool)
}

// StaticSource cycles forever through a fixed list of peers, suitable for
// a statically configured reflector or seed node list.
type StaticSource struct {
	peers []Peer
	pos   int
}

// NewStaticSource builds a Source over a fixed peer list.
func NewStaticSource(peers []Peer) *StaticSource {
	return &StaticSource{peers: peers}
}

// Next implements Source.
func (s *StaticSource) Next(ctx context.Context) (Peer, bool) {
	if len(s.peers) == 0 {
		return Peer{}, false
	}
	p := s.peers[s.pos%len(s.peers)]
	s.pos++
	return p, true
}

// ChannelSource adapts a channel of discovered peers (e.g. fed by a DHT
// crawl running elsewhere) into a Source.
type ChannelSource struct {
	ch <-chan Peer
}

// NewChannelSource builds a Source backed by ch.
func NewChannelSource(ch <-chan Peer) *ChannelSource {
	return &ChannelSource{ch: ch}
}

// Next implements Source.
func (s *ChannelSource) Next(ctx context.Context) (Peer, bool) {
	select {
	case p, ok := <-s.ch:
		return p, ok
	case <-ctx.Done():
		return Peer{}, false
	default:
		return Peer{}, false
	}
}
