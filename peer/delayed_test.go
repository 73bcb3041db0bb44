package peer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayedSourceWithheldUntilDelayElapses(t *testing.T) {
	inner := NewStaticSource(nil)
	fixed := []Peer{{Address: "9.9.9.9", TCPPort: 9}}
	s := NewDelayedSource(inner, fixed, 50*time.Millisecond)

	_, ok := s.Next(context.Background())
	require.False(t, ok)

	time.Sleep(60 * time.Millisecond)

	p, ok := s.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, "9.9.9.9:9", p.Key())
}

func TestDelayedSourceImmediateWhenZeroDelay(t *testing.T) {
	inner := NewStaticSource(nil)
	fixed := []Peer{{Address: "1.2.3.4", TCPPort: 4}}
	s := NewDelayedSource(inner, fixed, 0)

	p, ok := s.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, "1.2.3.4:4", p.Key())
}

func TestDelayedSourcePrefersInnerPeers(t *testing.T) {
	inner := NewStaticSource([]Peer{{Address: "5.5.5.5", TCPPort: 5}})
	fixed := []Peer{{Address: "6.6.6.6", TCPPort: 6}}
	s := NewDelayedSource(inner, fixed, 0)

	p, ok := s.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, "5.5.5.5:5", p.Key())
}
