// Command blobd runs a standalone blob exchange node: it serves the raw
// TCP blob protocol of spec.md §4.4 out of a local blob directory and
// persistent index, and can fetch a single blob from a list of peers on
// demand. It is a thin bootstrap, not a full reflector or DHT
// participant — peer discovery beyond the -peer flag is an external
// concern (spec.md §6 Non-goals).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/blobmesh/blobmesh/blobctx"
	"github.com/blobmesh/blobmesh/blobhash"
	"github.com/blobmesh/blobmesh/config"
	"github.com/blobmesh/blobmesh/downloader"
	"github.com/blobmesh/blobmesh/manager"
	"github.com/blobmesh/blobmesh/peer"
	"github.com/blobmesh/blobmesh/server"
	"github.com/blobmesh/blobmesh/store"
	"github.com/blobmesh/blobmesh/version"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "show the version and exit")
		addr        = flag.String("addr", ":4444", "address to serve the blob exchange protocol on")
		debugAddr   = flag.String("debug-addr", "", "address for the debug HTTP surface (disabled if empty)")
		blobDir     = flag.String("blob-dir", "", "directory blobs are read from and written to")
		indexPath   = flag.String("index", "", "path to the persistent bolt index (defaults to <blob-dir>/index.db)")
		saveBlobs   = flag.Bool("save-blobs", true, "persist received blobs to blob-dir instead of holding them in memory")
		fetchHash   = flag.String("fetch", "", "if set, download this blob hash from -peer instead of serving")
		peers       = flag.String("peer", "", "comma-separated host:port list of fixed peers to download from")
	)
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		version.PrintVersion()
		return
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *blobDir == "" {
		fatalf("-blob-dir is required")
	}
	if *indexPath == "" {
		*indexPath = filepath.Join(*blobDir, "index.db")
	}
	if err := os.MkdirAll(*blobDir, 0o755); err != nil {
		fatalf("creating blob directory: %v", err)
	}

	idx, err := store.OpenBoltIndex(*indexPath)
	if err != nil {
		fatalf("opening index: %v", err)
	}
	defer idx.Close()

	m := manager.New(*blobDir, *saveBlobs, idx)
	if err := m.Setup(); err != nil {
		fatalf("reconciling blob directory against index: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	ctx = blobctx.WithLogger(ctx, logrus.NewEntry(logrus.StandardLogger()))

	if *fetchHash != "" {
		runFetch(ctx, m, *fetchHash, parsePeers(*peers))
		return
	}

	runServe(ctx, m, *addr, *debugAddr)
}

func runServe(ctx context.Context, m *manager.Manager, addr, debugAddr string) {
	srv := server.NewServer(m, "")

	if debugAddr != "" {
		go func() {
			blobctx.GetLogger(ctx).WithField("addr", debugAddr).Info("debug server listening")
			if err := http.ListenAndServe(debugAddr, srv.DebugHandler()); err != nil {
				blobctx.GetLogger(ctx).WithError(err).Error("debug server exited")
			}
		}()
	}

	if err := srv.ListenAndServe(ctx, addr); err != nil && ctx.Err() == nil {
		fatalf("blob server: %v", err)
	}
}

func runFetch(ctx context.Context, m *manager.Manager, hashStr string, fixed []peer.Peer) {
	if len(fixed) == 0 {
		fatalf("-fetch requires at least one -peer")
	}
	h, err := blobhash.Parse(hashStr)
	if err != nil {
		fatalf("invalid -fetch hash: %v", err)
	}

	b, err := m.GetBlob(h, 0, false)
	if err != nil {
		fatalf("acquiring blob handle: %v", err)
	}

	src := peer.NewDelayedSource(peer.NewStaticSource(nil), fixed, 0)
	d := downloader.New(m, m.ConnMgr, config.DefaultDownloader(), 0)
	defer d.Close()

	if err := d.DownloadBlob(ctx, b, src); err != nil {
		fatalf("downloading blob: %v", err)
	}
	blobctx.GetLogger(ctx).WithField("hash", h.String()).WithField("bytes", b.Length()).
		Info("blob downloaded")
}

func parsePeers(raw string) []peer.Peer {
	if raw == "" {
		return nil
	}
	var out []peer.Peer
	for _, part := range strings.Split(raw, ",") {
		host, portStr, err := splitHostPort(part)
		if err != nil {
			fatalf("invalid -peer entry %q: %v", part, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			fatalf("invalid -peer port %q: %v", part, err)
		}
		out = append(out, peer.Peer{Address: host, TCPPort: port})
	}
	return out
}

func splitHostPort(s string) (string, string, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port")
	}
	return s[:idx], s[idx+1:], nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:", os.Args[0], "[flags]")
	flag.PrintDefaults()
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
