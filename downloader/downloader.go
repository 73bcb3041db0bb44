// Package downloader implements the multi-peer blob race of spec.md
// §4.7: for a single hash, race requests against several candidate
// peers at once, scoring and backing off peers as results come in,
// until one of them completes the blob.
package downloader

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/blobmesh/blobmesh/blob"
	"github.com/blobmesh/blobmesh/blobctx"
	"github.com/blobmesh/blobmesh/client"
	"github.com/blobmesh/blobmesh/config"
	"github.com/blobmesh/blobmesh/connmgr"
	"github.com/blobmesh/blobmesh/manager"
	"github.com/blobmesh/blobmesh/peer"
)

// wakeInterval is how often the race loop wakes to re-evaluate the
// candidate set even if no task has completed yet (spec.md §4.7 step 4).
const wakeInterval = time.Second

// taskResult is what a single request_blob_from_peer-equivalent task
// reports back to the race loop.
type taskResult struct {
	p         peer.Peer
	bytes     int64
	elapsed   time.Duration
	conn      *client.Client
	err       error
}

// Downloader races connections against multiple peers to complete a
// single blob, reusing idle connections and remembering which peers
// are worth trying again (spec.md §4.7).
type Downloader struct {
	manager *manager.Manager
	connMgr *connmgr.Manager
	cfg     config.Downloader
	rate    float64

	mu                sync.Mutex
	activeConnections map[string]struct{}
	connections       *lru.Cache[string, *client.Client]
	scores            map[string]float64
	failures          map[string]int
	ignored           map[string]time.Time
}

// New builds a Downloader. rate is the payment rate offered in every
// blob request. The idle connection pool is bounded at
// cfg.MaxIdleConnections; evicted connections are closed rather than
// leaked, since a long-running downloader would otherwise accumulate an
// unbounded number of idle TCP connections across many DownloadBlob
// calls.
func New(m *manager.Manager, connMgr *connmgr.Manager, cfg config.Downloader, rate float64) *Downloader {
	size := cfg.MaxIdleConnections
	if size <= 0 {
		size = 1
	}
	connections, _ := lru.NewWithEvict(size, func(_ string, c *client.Client) {
		_ = c.Close()
	})
	return &Downloader{
		manager:           m,
		connMgr:           connMgr,
		cfg:               cfg,
		rate:              rate,
		activeConnections: make(map[string]struct{}),
		connections:       connections,
		scores:            make(map[string]float64),
		failures:          make(map[string]int),
		ignored:           make(map[string]time.Time),
	}
}

// Close releases every idle connection this Downloader currently holds.
func (d *Downloader) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, key := range d.connections.Keys() {
		if c, ok := d.connections.Get(key); ok {
			_ = c.Close()
		}
	}
	d.connections.Purge()
}

// DownloadBlob implements download_blob(hash) from spec.md §4.7: race
// candidate peers drawn from src until b is verified or ctx is done.
func (d *Downloader) DownloadBlob(ctx context.Context, b *blob.Blob, src peer.Source) error {
	if b.Verified() {
		return nil
	}

	log := blobctx.GetLoggerWithField(ctx, "hash", b.Hash().String())
	results := make(chan taskResult, 16)
	spawned := 0

	for {
		if b.Verified() {
			d.drainSpawned(results, spawned)
			return nil
		}

		d.clearIgnoredIfIdle()

		candidates := d.collectCandidates(ctx, src)
		raceCap := d.raceCap()

		for _, p := range candidates {
			if b.Verified() {
				break
			}
			d.mu.Lock()
			_, active := d.activeConnections[p.Key()]
			_, ign := d.ignoredLocked(p.Key())
			tooMany := len(d.activeConnections) >= raceCap
			if active || ign || tooMany {
				d.mu.Unlock()
				continue
			}
			d.activeConnections[p.Key()] = struct{}{}
			existing, _ := d.connections.Get(p.Key())
			d.connections.Remove(p.Key())
			d.mu.Unlock()

			spawned++
			go d.runTask(ctx, p, b, existing, results)
		}

		select {
		case res := <-results:
			spawned--
			d.applyResult(res, log)
		case <-time.After(wakeInterval):
		case <-ctx.Done():
			d.drainSpawned(results, spawned)
			return ctx.Err()
		}
	}
}

func (d *Downloader) drainSpawned(results chan taskResult, spawned int) {
	for i := 0; i < spawned; i++ {
		<-results
	}
}

func (d *Downloader) runTask(ctx context.Context, p peer.Peer, b *blob.Blob, existing *client.Client, results chan<- taskResult) {
	start := time.Now()
	c := existing
	if c == nil {
		c = client.New(d.connMgr)
	}
	n, err := c.DownloadBlob(ctx, p, b, d.rate)
	results <- taskResult{p: p, bytes: n, elapsed: time.Since(start), conn: c, err: err}
}

// applyResult updates scores/failures/ignored/connections for one
// completed task (spec.md §4.7 step 5).
func (d *Downloader) applyResult(res taskResult, log *logrus.Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := res.p.Key()
	delete(d.activeConnections, key)

	if res.err == nil && res.bytes > 0 {
		d.failures[key] = 0
		delete(d.ignored, key)
		d.scores[key] = bytesPerSecond(res.bytes, res.elapsed)
		d.connections.Add(key, res.conn)
		return
	}

	if res.err == nil {
		// Zero bytes with no error: the blob was already verified, or not
		// writeable (another task mid-ingest), by the time this task ran.
		// Keep the connection around; no penalty.
		d.connections.Add(key, res.conn)
		return
	}

	log.WithError(res.err).WithField("peer", res.p.String()).Debug("blob request failed")
	_ = res.conn.Close()
	if res.bytes == 0 {
		d.failures[key]++
		d.ignored[key] = time.Now()
	}
}

func bytesPerSecond(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 1
	}
	v := float64(n) / elapsed.Seconds()
	if v <= 0 {
		return 1
	}
	return v
}

// ignoredLocked reports whether key is still within its backoff window.
// Caller holds d.mu.
func (d *Downloader) ignoredLocked(key string) (time.Time, bool) {
	when, ok := d.ignored[key]
	if !ok {
		return time.Time{}, false
	}
	backoff := banBackoff(d.failures[key])
	if time.Since(when) >= backoff {
		return time.Time{}, false
	}
	return when, true
}

// banBackoff is the un-ignore window of spec.md §4.7: min(30s,
// failures^BAN_FACTOR) seconds.
func banBackoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	secs := math.Pow(float64(failures), config.BanFactor)
	if secs > 30 {
		secs = 30
	}
	return time.Duration(secs * float64(time.Second))
}

// clearIgnoredIfIdle garbage-collects the ignored set once there is
// nothing in flight and nothing idle to prefer over a fresh peer
// (spec.md §4.7 Backoff).
func (d *Downloader) clearIgnoredIfIdle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.activeConnections) == 0 && d.connections.Len() == 0 {
		d.ignored = make(map[string]time.Time)
	}
}

// maxCandidateStall bounds how many consecutive already-seen peers
// collectCandidates will tolerate from src before giving up on this call.
// Some Source implementations (StaticSource, DelayedSource) cycle their
// backing list forever rather than reporting exhaustion, so a plain
// "drain until ok=false" loop never returns once every distinct peer has
// been yielded once; this cap treats maxCandidateStall consecutive
// already-seen peers (however long the source's list is) as exhaustion
// for this call, without requiring every Source to track its own cycle
// boundary.
const maxCandidateStall = 64

// collectCandidates gathers idle connections plus whatever the source
// yields right now, sorted by score descending (spec.md §4.7 steps 2-3).
func (d *Downloader) collectCandidates(ctx context.Context, src peer.Source) []peer.Peer {
	d.mu.Lock()
	keys := d.connections.Keys()
	seen := make(map[string]struct{}, len(keys))
	candidates := make([]peer.Peer, 0, len(keys))
	for _, key := range keys {
		seen[key] = struct{}{}
		candidates = append(candidates, d.keyToPeerLocked(key))
	}
	d.mu.Unlock()

	stall := 0
	for {
		if ctx.Err() != nil {
			break
		}
		p, ok := src.Next(ctx)
		if !ok {
			break
		}
		if _, dup := seen[p.Key()]; dup {
			stall++
			if stall >= maxCandidateStall {
				break
			}
			continue
		}
		stall = 0
		seen[p.Key()] = struct{}{}
		candidates = append(candidates, p)
	}

	d.mu.Lock()
	scores := d.scores
	d.mu.Unlock()
	sort.SliceStable(candidates, func(i, j int) bool {
		return scores[candidates[i].Key()] > scores[candidates[j].Key()]
	})
	return candidates
}

// keyToPeerLocked recovers the Peer value for an idle connection's key.
// Caller holds d.mu.
func (d *Downloader) keyToPeerLocked(key string) peer.Peer {
	if c, ok := d.connections.Get(key); ok {
		return c.PeerAddr()
	}
	return peer.Peer{}
}

// raceCap implements spec.md §4.7's race cap: the full
// MaxConnectionsPerDownload while the idle connection pool (shared by
// every hash this Downloader fetches) holds any connection, or
// ProbeMultiplier times wider while it is empty.
func (d *Downloader) raceCap() int {
	d.mu.Lock()
	anyConnected := d.connections.Len() > 0
	d.mu.Unlock()
	if anyConnected {
		return d.cfg.MaxConnectionsPerDownload
	}
	return d.cfg.MaxConnectionsPerDownload * config.ProbeMultiplier
}
