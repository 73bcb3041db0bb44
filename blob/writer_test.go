package blob

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blobmesh/blobmesh/blobhash"
)

func TestWriterCompletesOnExactLength(t *testing.T) {
	data := []byte("hello, blob exchange")
	h := blobhash.FromBytes(data)
	b := NewBufferBlob(h, false)
	require.NoError(t, b.SetLength(int64(len(data))))

	w, err := b.GetWriter("1.2.3.4", 3333)
	require.NoError(t, err)

	n, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	require.True(t, b.Verified())
	require.False(t, b.Writing())

	got, err := w.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestWriterTooBig(t *testing.T) {
	h := blobhash.FromBytes([]byte("x"))
	b := NewBufferBlob(h, false)
	require.NoError(t, b.SetLength(1))

	w, err := b.GetWriter("1.2.3.4", 1)
	require.NoError(t, err)

	_, err = w.Write([]byte("xy"))
	require.Error(t, err)
	require.IsType(t, BlobTooBigError{}, err)
}

func TestWriterInvalidHash(t *testing.T) {
	h := blobhash.FromBytes([]byte("correct"))
	b := NewBufferBlob(h, false)
	require.NoError(t, b.SetLength(int64(len("wrongxx"))))

	w, err := b.GetWriter("1.2.3.4", 1)
	require.NoError(t, err)

	_, err = w.Write([]byte("wrongxx"))
	require.Error(t, err)
	require.IsType(t, InvalidBlobHashError{}, err)
	require.False(t, b.Verified())
}

func TestSecondWriterSameKeyRejected(t *testing.T) {
	h := blobhash.FromBytes([]byte("payload"))
	b := NewBufferBlob(h, false)
	require.NoError(t, b.SetLength(int64(len("payload"))))

	_, err := b.GetWriter("peer", 80)
	require.NoError(t, err)

	_, err = b.GetWriter("peer", 80)
	require.ErrorIs(t, err, ErrAlreadyWriting)
}

func TestOnlyFirstWriterWins(t *testing.T) {
	data := []byte("race winner payload")
	h := blobhash.FromBytes(data)
	b := NewBufferBlob(h, false)
	require.NoError(t, b.SetLength(int64(len(data))))

	w1, err := b.GetWriter("peer1", 1)
	require.NoError(t, err)
	w2, err := b.GetWriter("peer2", 2)
	require.NoError(t, err)

	_, err = w1.Write(data)
	require.NoError(t, err)
	require.True(t, b.Verified())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = w2.Wait(ctx)
	require.Error(t, err)
}

func TestFailedWriteFreesPeerKeyForRetry(t *testing.T) {
	h := blobhash.FromBytes([]byte("correct"))
	b := NewBufferBlob(h, false)
	require.NoError(t, b.SetLength(int64(len("wrongxx"))))

	w, err := b.GetWriter("1.2.3.4", 1)
	require.NoError(t, err)
	_, err = w.Write([]byte("wrongxx"))
	require.IsType(t, InvalidBlobHashError{}, err)
	require.False(t, b.Writing())

	// The same peer key must be usable again immediately; a failed write
	// must not permanently wedge the blob.
	_, err = b.GetWriter("1.2.3.4", 1)
	require.NoError(t, err)
}

func TestCloseHandleAbandonsWriter(t *testing.T) {
	h := blobhash.FromBytes([]byte("abandoned"))
	b := NewBufferBlob(h, false)
	require.NoError(t, b.SetLength(int64(len("abandoned"))))

	w, err := b.GetWriter("peer", 1)
	require.NoError(t, err)
	w.CloseHandle()
	require.True(t, w.Closed())

	_, err = w.Write([]byte("x"))
	require.ErrorIs(t, err, ErrWriterClosed)

	// Closing is safe to call twice.
	w.CloseHandle()

	// And frees the peer key for a new writer.
	_, err = b.GetWriter("peer", 1)
	require.NoError(t, err)
}
