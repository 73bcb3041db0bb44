package downloader

import (
	"context"
	"math"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blobmesh/blobmesh/blobhash"
	"github.com/blobmesh/blobmesh/client"
	"github.com/blobmesh/blobmesh/config"
	"github.com/blobmesh/blobmesh/connmgr"
	"github.com/blobmesh/blobmesh/manager"
	"github.com/blobmesh/blobmesh/peer"
	"github.com/blobmesh/blobmesh/server"
	"github.com/blobmesh/blobmesh/store"
)

func TestBanBackoffCapsAtThirtySeconds(t *testing.T) {
	require.Equal(t, time.Duration(0), banBackoff(0))
	require.InDelta(t, math.Pow(3, config.BanFactor), banBackoff(3).Seconds(), 0.001)
	require.Equal(t, 30*time.Second, banBackoff(100))
}

func TestRaceCapWidensInProbeMode(t *testing.T) {
	d := New(nil, connmgr.New(), config.Downloader{MaxConnectionsPerDownload: 4, MaxIdleConnections: 8}, 0)
	require.Equal(t, 4*config.ProbeMultiplier, d.raceCap())

	d.connections.Add("peer:1", client.New(connmgr.New()))
	require.Equal(t, 4, d.raceCap())
}

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	dir := t.TempDir()
	idx, err := store.OpenBoltIndex(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return manager.New(filepath.Join(dir, "blobs"), true, idx)
}

func TestDownloadBlobRacesASinglePeerToCompletion(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	hash := blobhash.FromBytes(data)

	serverMgr := newTestManager(t)
	serverBlob, err := serverMgr.GetBlob(hash, int64(len(data)), true)
	require.NoError(t, err)
	w, err := serverBlob.GetWriter("seed", 1)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.True(t, serverBlob.Verified())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_ = ln.Close()
	addr := ln.Addr().String()

	srv := server.NewServer(serverMgr, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.ListenAndServe(ctx, addr) }()
	time.Sleep(20 * time.Millisecond)

	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	clientMgr := newTestManager(t)
	clientBlob, err := clientMgr.GetBlob(hash, int64(len(data)), false)
	require.NoError(t, err)

	d := New(clientMgr, clientMgr.ConnMgr, config.DefaultDownloader(), 0)
	defer d.Close()

	src := peer.NewStaticSource([]peer.Peer{{Address: "127.0.0.1", TCPPort: port}})
	downloadCtx, downloadCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer downloadCancel()

	require.NoError(t, d.DownloadBlob(downloadCtx, clientBlob, src))
	require.True(t, clientBlob.Verified())
}
