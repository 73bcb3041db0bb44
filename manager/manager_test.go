package manager

import (
	"encoding/hex"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blobmesh/blobmesh/blob"
	"github.com/blobmesh/blobmesh/blobhash"
	"github.com/blobmesh/blobmesh/store"
	"github.com/blobmesh/blobmesh/stream"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	idx, err := store.OpenBoltIndex(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return New(filepath.Join(dir, "blobs"), true, idx), dir
}

func TestGetBlobReturnsSameHandleOnSecondCall(t *testing.T) {
	m, _ := newTestManager(t)
	h := blobhash.FromBytes([]byte("payload"))

	b1, err := m.GetBlob(h, int64(len("payload")), false)
	require.NoError(t, err)
	b2, err := m.GetBlob(h, int64(len("payload")), false)
	require.NoError(t, err)
	require.Same(t, b1, b2)
}

func TestBlobCompletedPersistsToIndex(t *testing.T) {
	m, _ := newTestManager(t)
	data := []byte("some bytes to persist")
	h := blobhash.FromBytes(data)

	b, err := m.GetBlob(h, int64(len(data)), true)
	require.NoError(t, err)

	w, err := b.GetWriter("peer", 1)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)

	require.True(t, m.IsBlobVerified(h))
	require.Contains(t, m.CompletedBlobHashes(), h)

	status, err := m.index.GetBlobStatus(h.String())
	require.NoError(t, err)
	require.Equal(t, store.StatusFinished, status)
}

func TestDeleteBlobRemovesFromIndexAndDisk(t *testing.T) {
	m, _ := newTestManager(t)
	data := []byte("delete me")
	h := blobhash.FromBytes(data)

	b, err := m.GetBlob(h, int64(len(data)), true)
	require.NoError(t, err)
	w, err := b.GetWriter("peer", 1)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)

	require.NoError(t, m.DeleteBlob(h))
	require.False(t, m.IsBlobVerified(h))

	_, err = m.index.GetBlobStatus(h.String())
	require.Error(t, err)
}

func TestGetBlobUpgradesBufferBackedBlobToFileOnReacquire(t *testing.T) {
	m, _ := newTestManager(t) // saveBlobs true
	data := []byte("buffer then upgrade")
	h := blobhash.FromBytes(data)

	buf := blob.NewBufferBlob(h, true)
	require.NoError(t, buf.SetLength(int64(len(data))))
	w, err := buf.GetWriter("peer", 1)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.True(t, buf.Verified())

	m.mu.Lock()
	m.blobs[h] = buf
	m.mu.Unlock()

	upgraded, err := m.GetBlob(h, int64(len(data)), true)
	require.NoError(t, err)
	require.False(t, upgraded.IsBufferBacked())
	require.True(t, upgraded.Verified())

	r, err := upgraded.OpenReader()
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, data, got)
}

func TestDeleteBlobsRemovesBatchFromIndexAndDisk(t *testing.T) {
	m, _ := newTestManager(t)
	var hashes []blobhash.Hash
	for _, payload := range [][]byte{[]byte("first"), []byte("second"), []byte("third")} {
		h := blobhash.FromBytes(payload)
		b, err := m.GetBlob(h, int64(len(payload)), true)
		require.NoError(t, err)
		w, err := b.GetWriter("peer", 1)
		require.NoError(t, err)
		_, err = w.Write(payload)
		require.NoError(t, err)
		hashes = append(hashes, h)
	}

	require.NoError(t, m.DeleteBlobs(hashes, true))
	for _, h := range hashes {
		require.False(t, m.IsBlobVerified(h))
		_, err := m.index.GetBlobStatus(h.String())
		require.Error(t, err)
	}
}

func TestRecoverStreamRewritesSDBlobAndPersistsRow(t *testing.T) {
	m, _ := newTestManager(t)

	blobs := []stream.BlobInfo{
		{BlobNum: 0, Length: 16, IV: "aabb", BlobHash: "deadbeef"},
		{BlobNum: 1, Length: 0, IV: "ccdd"},
	}
	d := stream.NewDescriptor(hex.EncodeToString([]byte("mystream")), "6b6579", hex.EncodeToString([]byte("file.bin")), blobs)
	sorted, err := d.SortedJSON()
	require.NoError(t, err)
	sdHash := blobhash.FromBytes(sorted)

	recovered, err := m.RecoverStream(sdHash, d.StreamHash, d.StreamName, d.SuggestedFileName, d.Key, blobs)
	require.NoError(t, err)
	require.Equal(t, sdHash.String(), recovered.SDHash)

	sdBlob, err := m.GetBlob(sdHash, 0, false)
	require.NoError(t, err)
	require.True(t, sdBlob.Verified())
}

func TestSetupSeedsCompletedFromDiskScan(t *testing.T) {
	m, dir := newTestManager(t)
	_ = dir
	data := []byte("seeded on disk")
	h := blobhash.FromBytes(data)

	b, err := m.GetBlob(h, int64(len(data)), true)
	require.NoError(t, err)
	w, err := b.GetWriter("peer", 1)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)

	m.Stop()
	require.NoError(t, m.Setup())
	require.Contains(t, m.CompletedBlobHashes(), h)
}
