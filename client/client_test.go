package client

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blobmesh/blobmesh/blobhash"
	"github.com/blobmesh/blobmesh/connmgr"
	"github.com/blobmesh/blobmesh/manager"
	"github.com/blobmesh/blobmesh/peer"
	"github.com/blobmesh/blobmesh/server"
	"github.com/blobmesh/blobmesh/store"
	"github.com/blobmesh/blobmesh/wire"
)

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	dir := t.TempDir()
	idx, err := store.OpenBoltIndex(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return manager.New(filepath.Join(dir, "blobs"), true, idx)
}

func startTestServer(t *testing.T, m *manager.Manager) peer.Peer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()

	srv := server.NewServer(m, "")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.ListenAndServe(ctx, addr) }()
	time.Sleep(20 * time.Millisecond)

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return peer.Peer{Address: host, TCPPort: port}
}

func TestDownloadBlobReturnsZeroForAlreadyVerified(t *testing.T) {
	m := newTestManager(t)
	data := []byte("already have this one")
	h := blobhash.FromBytes(data)
	b, err := m.GetBlob(h, int64(len(data)), true)
	require.NoError(t, err)
	w, err := b.GetWriter("seed", 1)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)

	c := New(connmgr.New())
	n, err := c.DownloadBlob(context.Background(), peer.Peer{Address: "127.0.0.1", TCPPort: 1}, b, 0)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDownloadBlobFetchesFromPeerAndReusesConnection(t *testing.T) {
	data := []byte("fetched over the wire, twice for connection reuse")
	h := blobhash.FromBytes(data)

	serverMgr := newTestManager(t)
	sb, err := serverMgr.GetBlob(h, int64(len(data)), true)
	require.NoError(t, err)
	sw, err := sb.GetWriter("seed", 1)
	require.NoError(t, err)
	_, err = sw.Write(data)
	require.NoError(t, err)

	p := startTestServer(t, serverMgr)

	clientMgr := newTestManager(t)
	cb, err := clientMgr.GetBlob(h, int64(len(data)), false)
	require.NoError(t, err)

	c := New(clientMgr.ConnMgr)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := c.DownloadBlob(ctx, p, cb, 0)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.True(t, cb.Verified())
	require.True(t, c.connected(p))

	conn := c.conn
	data2 := []byte("second blob on the reused connection")
	h2 := blobhash.FromBytes(data2)
	sb2, err := serverMgr.GetBlob(h2, int64(len(data2)), true)
	require.NoError(t, err)
	sw2, err := sb2.GetWriter("seed", 1)
	require.NoError(t, err)
	_, err = sw2.Write(data2)
	require.NoError(t, err)

	cb2, err := clientMgr.GetBlob(h2, int64(len(data2)), false)
	require.NoError(t, err)
	n, err = c.DownloadBlob(ctx, p, cb2, 0)
	require.NoError(t, err)
	require.Equal(t, int64(len(data2)), n)
	require.True(t, cb2.Verified())
	require.Same(t, conn, c.conn)
}

func TestDownloadBlobRejectsHashMismatchResponse(t *testing.T) {
	data := []byte("some bytes a malicious peer lies about")
	h := blobhash.FromBytes(data)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		_, _ = conn.Read(buf)

		resp := wire.Response{
			AvailableBlobs:      []string{h.String()},
			BlobDataPaymentRate: wire.RateAccepted,
			IncomingBlob:        &wire.IncomingBlob{BlobHash: "0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000", Length: int64(len(data))},
		}
		raw, _ := resp.Marshal()
		_, _ = conn.Write(raw)
		_, _ = conn.Write(data)
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	m := newTestManager(t)
	b, err := m.GetBlob(h, int64(len(data)), false)
	require.NoError(t, err)

	c := New(connmgr.New())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = c.DownloadBlob(ctx, peer.Peer{Address: host, TCPPort: port}, b, 0)
	require.Error(t, err)
	require.False(t, b.Verified())
}

func TestContainsHash(t *testing.T) {
	require.True(t, containsHash([]string{"a", "b"}, "b"))
	require.False(t, containsHash([]string{"a", "b"}, "c"))
	require.False(t, containsHash(nil, "c"))
}
