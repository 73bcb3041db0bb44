// Package config collects the timeouts and size constants shared across
// the blob store and exchange subsystem. Values are plain defaulted Go
// structs, constructed in code — loading them from a file or environment
// is an external concern (spec.md §1 Non-goals).
package config

import "time"

// MaxBlobSize is the ceiling on a single blob's length: 2 MiB.
const MaxBlobSize = 2 * 1 << 20

// BanFactor is the exponent in the downloader's un-ignore backoff formula.
const BanFactor = 2.0

// DefaultDownloadDirName is the fallback suggested file name when stream
// descriptor sanitation reduces a name to empty.
const DefaultDownloadDirName = "lbry_download"

// Server holds the blob server's per-connection timeouts.
type Server struct {
	// IdleTimeout is how long a connection may sit without starting a
	// transfer before it is closed.
	IdleTimeout time.Duration
	// TransferTimeout bounds a single sendfile of blob bytes.
	TransferTimeout time.Duration
	// MaxRequestSize is the hard cap on a single incoming request, in bytes.
	MaxRequestSize int
}

// DefaultServer returns the spec's default server timeouts.
func DefaultServer() Server {
	return Server{
		IdleTimeout:     30 * time.Second,
		TransferTimeout: 60 * time.Second,
		MaxRequestSize:  1200,
	}
}

// Client holds the exchange client's per-request timeouts.
type Client struct {
	// ConnectTimeout bounds TCP establishment.
	ConnectTimeout time.Duration
	// PeerTimeout bounds waiting for a response or writer completion.
	PeerTimeout time.Duration
}

// DefaultClient returns reasonable client timeouts.
func DefaultClient() Client {
	return Client{
		ConnectTimeout: 10 * time.Second,
		PeerTimeout:    30 * time.Second,
	}
}

// Downloader holds the multi-peer downloader's tunables.
type Downloader struct {
	// MaxConnectionsPerDownload is the race cap while the downloader's
	// idle connection pool holds at least one connection.
	MaxConnectionsPerDownload int
	// FixedPeerDelay is the delay before a static peer list is offered,
	// when DHT is enabled. The Downloader does not read it; a caller
	// passes it to peer.NewDelayedSource.
	FixedPeerDelay time.Duration
	// MaxIdleConnections bounds the reusable idle-connection pool.
	MaxIdleConnections int
}

// DefaultDownloader returns the spec's default downloader tunables.
func DefaultDownloader() Downloader {
	return Downloader{
		MaxConnectionsPerDownload: 4,
		FixedPeerDelay:            2 * time.Second,
		MaxIdleConnections:        64,
	}
}

// ProbeMultiplier is how much wider the race cap is while the
// downloader's idle connection pool is empty (probe mode).
const ProbeMultiplier = 10
