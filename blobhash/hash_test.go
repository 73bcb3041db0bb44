package blobhash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsValidHexLength(t *testing.T) {
	valid := strings.Repeat("a", HexLength)
	require.True(t, IsValidHexLength(valid))

	require.False(t, IsValidHexLength(strings.Repeat("a", HexLength-1)))
	require.False(t, IsValidHexLength(strings.Repeat("a", HexLength+1)))
	require.False(t, IsValidHexLength(strings.Repeat("A", HexLength)))
	require.False(t, IsValidHexLength(strings.Repeat("g", HexLength)))
	require.False(t, IsValidHexLength(""))
}

func TestParseRoundTrip(t *testing.T) {
	h := FromBytes([]byte("hello world"))
	parsed, err := Parse(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not-a-hash")
	require.Error(t, err)
}

func TestFromReaderMatchesFromBytes(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	want := FromBytes(data)

	got, err := FromReader(strings.NewReader(string(data)))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDigesterIncremental(t *testing.T) {
	data := []byte("streamed in chunks")
	d := NewDigester()
	_, _ = d.Hash().Write(data[:5])
	_, _ = d.Hash().Write(data[5:])

	require.Equal(t, FromBytes(data), d.Digest())
}

func TestEqual(t *testing.T) {
	data := []byte("payload")
	require.True(t, Equal(data, FromBytes(data)))
	require.False(t, Equal(data, Zero))
}
