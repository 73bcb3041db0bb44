package blob

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blobmesh/blobmesh/blobhash"
	"github.com/blobmesh/blobmesh/config"
)

func TestFileBlobRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte{0xAB}, 4096)
	h := blobhash.FromBytes(data)

	b, err := NewFileBlob(dir, h, int64(len(data)), true, true)
	require.NoError(t, err)
	require.False(t, b.Verified())

	w, err := b.GetWriter("peer", 1)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.True(t, b.Verified())

	r, err := b.OpenReader()
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dir, h.String()))
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.NoError(t, r.Close())
}

func TestFileBlobVerifiedOnConstructionWhenSizeMatches(t *testing.T) {
	dir := t.TempDir()
	data := []byte("already on disk")
	h := blobhash.FromBytes(data)
	require.NoError(t, os.WriteFile(filepath.Join(dir, h.String()), data, 0o644))

	b, err := NewFileBlob(dir, h, int64(len(data)), true, false)
	require.NoError(t, err)
	require.True(t, b.Verified())
	require.Equal(t, int64(len(data)), b.Length())
}

func TestFileBlobDeletedWhenSizeConflicts(t *testing.T) {
	dir := t.TempDir()
	data := []byte("stale content, wrong size")
	h := blobhash.FromBytes([]byte("different hash target"))
	path := filepath.Join(dir, h.String())
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := NewFileBlob(dir, h, 4, true, false)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestMaxBlobSizeBoundary(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, config.MaxBlobSize)
	h := blobhash.FromBytes(data)
	b := NewBufferBlob(h, false)
	require.NoError(t, b.SetLength(int64(len(data))))

	w, err := b.GetWriter("peer", 1)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.True(t, b.Verified())
}

func TestOverMaxBlobSizeRejectedBySetLength(t *testing.T) {
	b := NewBufferBlob(blobhash.FromBytes([]byte("x")), false)
	err := b.SetLength(config.MaxBlobSize + 1)
	require.Error(t, err)
}

func TestSaveVerifiedTwiceIsNoOp(t *testing.T) {
	data := []byte("idempotent save")
	h := blobhash.FromBytes(data)
	b := NewBufferBlob(h, false)

	require.NoError(t, b.SaveVerified(data))
	require.True(t, b.Verified())
	require.NoError(t, b.SaveVerified(data))
	require.True(t, b.Verified())
}

func TestDeleteClearsVerified(t *testing.T) {
	dir := t.TempDir()
	data := []byte("to be deleted")
	h := blobhash.FromBytes(data)
	b, err := NewFileBlob(dir, h, int64(len(data)), true, true)
	require.NoError(t, err)

	require.NoError(t, b.SaveVerified(data))
	require.True(t, b.Verified())

	require.NoError(t, b.Delete())
	require.False(t, b.Verified())

	_, statErr := os.Stat(filepath.Join(dir, h.String()))
	require.True(t, os.IsNotExist(statErr))
}

func TestOpenReaderFailsWhenNotVerified(t *testing.T) {
	b := NewBufferBlob(blobhash.FromBytes([]byte("unverified")), false)
	_, err := b.OpenReader()
	require.ErrorIs(t, err, ErrNotVerified)
}

func TestDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0}, 32)
	iv := bytes.Repeat([]byte{1}, 16)
	plaintext := []byte("fourteen bytes") // 14 bytes, spec S1 scenario

	ciphertext, err := EncryptAESCBC(key, iv, plaintext)
	require.NoError(t, err)
	require.Equal(t, 16, len(ciphertext)) // 14 bytes padded to one 16-byte block

	h := blobhash.FromBytes(ciphertext)
	b := NewBufferBlob(h, true)
	require.NoError(t, b.SaveVerified(ciphertext))

	got, err := b.Decrypt(key, iv)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestIsWriteableFalseWhileFileExistsOrWriteInProgress(t *testing.T) {
	dir := t.TempDir()
	data := []byte("already on disk")
	h := blobhash.FromBytes(data)
	require.NoError(t, os.WriteFile(filepath.Join(dir, h.String()), data, 0o644))

	fileBlob, err := NewFileBlob(dir, h, int64(len(data)), true, false)
	require.NoError(t, err)
	require.False(t, fileBlob.IsWriteable(), "file already exists on disk")

	bufBlob := NewBufferBlob(blobhash.FromBytes([]byte("in flight")), false)
	require.NoError(t, bufBlob.SetLength(int64(len("in flight"))))
	require.True(t, bufBlob.IsWriteable())

	_, err = bufBlob.GetWriter("peer", 1)
	require.NoError(t, err)
	require.False(t, bufBlob.IsWriteable(), "an ingest is already in progress")
}

func TestSendFileRequiresVerified(t *testing.T) {
	b := NewBufferBlob(blobhash.FromBytes([]byte("x")), false)
	_, err := b.SendFile(context.Background(), &bytes.Buffer{})
	require.ErrorIs(t, err, ErrNotVerified)
}
