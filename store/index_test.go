package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *BoltIndex {
	t.Helper()
	idx, err := OpenBoltIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestAddBlobsInsertsAsPending(t *testing.T) {
	idx := openTestIndex(t)
	require.NoError(t, idx.AddBlobs([]BlobRow{{Hash: "abc", Length: 10}}, false))

	status, err := idx.GetBlobStatus("abc")
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)
}

func TestAddBlobsFinishedMarksExisting(t *testing.T) {
	idx := openTestIndex(t)
	require.NoError(t, idx.AddBlobs([]BlobRow{{Hash: "abc", Length: 10}}, false))
	require.NoError(t, idx.AddBlobs([]BlobRow{{Hash: "abc", Length: 10}}, true))

	status, err := idx.GetBlobStatus("abc")
	require.NoError(t, err)
	require.Equal(t, StatusFinished, status)
}

func TestSyncMissingBlobsDemotesAbsentFinished(t *testing.T) {
	idx := openTestIndex(t)
	require.NoError(t, idx.AddBlobs([]BlobRow{
		{Hash: "on-disk", Length: 1},
		{Hash: "gone", Length: 1},
	}, true))

	present := map[string]struct{}{"on-disk": {}}
	stillFinished, err := idx.SyncMissingBlobs(present)
	require.NoError(t, err)
	require.Contains(t, stillFinished, "on-disk")
	require.NotContains(t, stillFinished, "gone")

	status, err := idx.GetBlobStatus("gone")
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)
}

func TestDeleteBlobsFromDB(t *testing.T) {
	idx := openTestIndex(t)
	require.NoError(t, idx.AddBlobs([]BlobRow{{Hash: "x", Length: 1}}, true))
	require.NoError(t, idx.DeleteBlobsFromDB([]string{"x"}))

	_, err := idx.GetBlobStatus("x")
	require.Error(t, err)
}

func TestUpdateLastAnnounced(t *testing.T) {
	idx := openTestIndex(t)
	require.NoError(t, idx.AddBlobs([]BlobRow{{Hash: "x", Length: 1}}, true))

	now := time.Now().Truncate(time.Second)
	require.NoError(t, idx.UpdateLastAnnounced([]string{"x"}, now))
}

func TestAddStream(t *testing.T) {
	idx := openTestIndex(t)
	require.NoError(t, idx.AddStream(StreamRow{SDHash: "sd", StreamHash: "sh", StreamName: "name"}))
}
