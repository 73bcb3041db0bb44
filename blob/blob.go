// Package blob implements the content-addressed blob abstraction of
// spec.md §3/§4.1: a hash-verified chunk of at most config.MaxBlobSize
// bytes, backed either by a file (BlobFile) or an in-memory buffer
// (BlobBuffer), with single-writer/multi-reader discipline and a
// one-shot verified transition.
package blob

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/blobmesh/blobmesh/blobctx"
	"github.com/blobmesh/blobmesh/blobhash"
	"github.com/blobmesh/blobmesh/config"
)

// Store is the capability set a backend must provide. BlobFile and
// BlobBuffer are the two sealed variants (spec.md §9 "Dynamic duck-typed
// backends... become tagged variants of a sealed Blob interface").
type Store interface {
	// Exists reports whether content is already present, and its length,
	// at construction time.
	Exists() (ok bool, length int64)
	// IsWriteable reports whether this backend imposes its own additional
	// restriction on accepting new content (e.g. a file already present
	// on disk). Combined with the blob's own in-progress-write state in
	// Blob.IsWriteable.
	IsWriteable() bool
	// Write durably persists the full, already-verified content.
	Write(content []byte) error
	// Reader opens the persisted content for reading. Only called once
	// Verified is true.
	Reader() (io.ReadCloser, error)
	// SendTo streams the persisted content directly to w, honoring ctx's
	// deadline. Returns bytes written.
	SendTo(ctx context.Context, w io.Writer) (int64, error)
	// Delete removes the persisted content, if any.
	Delete() error
	// ReleaseReader is invoked when a reader opened via Reader is closed,
	// giving single-use backends (BlobBuffer) a chance to invalidate
	// themselves.
	ReleaseReader()
}

// CompletionSink is notified when a blob transitions to verified. Modeled
// on docker/go-events' Sink so a BlobManager can subscribe without this
// package depending on it.
type CompletionSink interface {
	Write(b *Blob) error
}

// CompletionSinkFunc adapts a function to a CompletionSink.
type CompletionSinkFunc func(b *Blob) error

// Write implements CompletionSink.
func (f CompletionSinkFunc) Write(b *Blob) error { return f(b) }

// Blob is the content-addressed chunk abstraction shared by both storage
// backends.
type Blob struct {
	hash   blobhash.Hash
	isMine bool

	store Store

	mu          sync.Mutex
	length      int64
	lengthKnown bool
	addedOn     time.Time
	verified    bool
	writing     bool
	writers     map[string]*Writer
	readers     int
	sinks       []CompletionSink
}

func newBlob(h blobhash.Hash, store Store, isMine bool) *Blob {
	b := &Blob{
		hash:    h,
		isMine:  isMine,
		store:   store,
		addedOn: time.Now(),
		writers: make(map[string]*Writer),
	}

	if ok, length := store.Exists(); ok {
		b.length = length
		b.lengthKnown = true
		b.verified = true
	}

	return b
}

// Hash returns the digest identifying this blob's content.
func (b *Blob) Hash() blobhash.Hash { return b.hash }

// IsMine reports whether this peer originated the content.
func (b *Blob) IsMine() bool { return b.isMine }

// AddedOn returns the blob's creation time.
func (b *Blob) AddedOn() time.Time { return b.addedOn }

// Length returns the blob's known byte length, or 0 if unknown.
func (b *Blob) Length() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// LengthKnown reports whether Length() is meaningful yet.
func (b *Blob) LengthKnown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lengthKnown
}

// Verified reports whether the blob's stored bytes are known to match its
// hash.
func (b *Blob) Verified() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.verified
}

// Writing reports whether an ingest is currently in progress.
func (b *Blob) Writing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writing
}

// IsWriteable reports whether the blob can currently accept a new
// writer: no ingest already in progress, and the backend imposes no
// additional restriction of its own (e.g. BlobFile while its file
// already exists on disk).
func (b *Blob) IsWriteable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.writing && b.store.IsWriteable()
}

// OnComplete registers a sink to be invoked (exactly once per blob
// lifetime) when the blob becomes verified. If the blob is already
// verified, the sink fires immediately.
func (b *Blob) OnComplete(sink CompletionSink) {
	b.mu.Lock()
	if b.verified {
		b.mu.Unlock()
		_ = sink.Write(b)
		return
	}
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// SetLength accepts length only if the blob's length was previously
// unknown and length is within [0, MaxBlobSize], or if length equals the
// already-known length; otherwise it is rejected.
func (b *Blob) SetLength(length int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if length < 0 || length > config.MaxBlobSize {
		return fmt.Errorf("blob: length %d out of range [0, %d]", length, config.MaxBlobSize)
	}

	if !b.lengthKnown {
		b.length = length
		b.lengthKnown = true
		return nil
	}

	if b.length != length {
		return ErrLengthMismatch{Known: b.length, Proposed: length}
	}

	return nil
}

// GetWriter returns a fresh Writer for an ingest identified by peer
// address/port, failing if a non-closed writer for the same key already
// exists (spec.md invariant 3). The blob's length must already be known.
func (b *Blob) GetWriter(peerAddress string, peerPort int) (*Writer, error) {
	key := fmt.Sprintf("%s:%d", peerAddress, peerPort)

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.writers[key]; ok && !existing.Closed() {
		return nil, ErrAlreadyWriting
	}
	if !b.lengthKnown {
		return nil, fmt.Errorf("blob: cannot open writer before length is known")
	}

	w := newWriter(b, key, b.hash, b.length)
	b.writers[key] = w
	b.writing = true
	return w, nil
}

// forgetWriter removes w from the writers map if it is still the
// registered writer for key.
func (b *Blob) forgetWriter(key string, w *Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writers[key] == w {
		delete(b.writers, key)
	}
	if len(b.writers) == 0 {
		b.writing = false
	}
}

// publish is invoked by a Writer the instant it completes successfully.
// The first writer to call publish wins: its bytes are persisted and all
// other in-flight writers for this blob are closed as losers.
func (b *Blob) publish(winner *Writer, data []byte) {
	b.mu.Lock()
	if b.verified {
		b.mu.Unlock()
		return
	}

	if err := b.store.Write(data); err != nil {
		blobctx.GetLogger(context.Background()).WithError(err).WithField("hash", b.hash).Error("blob: failed to persist verified content")
		if b.writers[winner.peerKey] == winner {
			delete(b.writers, winner.peerKey)
		}
		if len(b.writers) == 0 {
			b.writing = false
		}
		b.mu.Unlock()
		return
	}

	b.verified = true
	b.writing = false
	b.length = int64(len(data))
	b.lengthKnown = true

	losers := make([]*Writer, 0, len(b.writers))
	for _, w := range b.writers {
		if w != winner {
			losers = append(losers, w)
		}
	}
	b.writers = make(map[string]*Writer)
	sinks := append([]CompletionSink(nil), b.sinks...)
	b.mu.Unlock()

	for _, w := range losers {
		w.closeAsLoser()
	}

	for _, s := range sinks {
		if err := s.Write(b); err != nil {
			blobctx.GetLogger(context.Background()).WithError(err).Error("blob: completion sink failed")
		}
	}
}

// SaveVerified stores already-verified bytes directly, bypassing the
// writer protocol (used when bytes are produced locally, e.g. by
// stream.CreateStream). It is a no-op if the blob is already verified.
func (b *Blob) SaveVerified(data []byte) error {
	if blobhash.FromBytes(data) != b.hash {
		return invalidHash(b.hash)
	}

	b.mu.Lock()
	if b.verified {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	w := &Writer{blob: b, expectedHash: b.hash, expectedLength: int64(len(data)), digester: blobhash.NewDigester(), done: make(chan struct{})}
	_, err := w.Write(data)
	if err != nil && err != ErrWriterClosed {
		return err
	}
	return nil
}

// OpenReader opens a reader over the blob's verified content, failing if
// the blob is not verified.
func (b *Blob) OpenReader() (io.ReadCloser, error) {
	b.mu.Lock()
	if !b.verified {
		b.mu.Unlock()
		return nil, ErrNotVerified
	}
	b.readers++
	b.mu.Unlock()

	rc, err := b.store.Reader()
	if err != nil {
		b.mu.Lock()
		b.readers--
		b.mu.Unlock()
		return nil, err
	}

	return &releasingReader{ReadCloser: rc, blob: b}, nil
}

type releasingReader struct {
	io.ReadCloser
	blob   *Blob
	closed bool
}

func (r *releasingReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.ReadCloser.Close()
	r.blob.releaseReader()
	return err
}

func (b *Blob) releaseReader() {
	b.mu.Lock()
	b.readers--
	remaining := b.readers
	b.mu.Unlock()
	if remaining != 0 {
		return
	}

	b.store.ReleaseReader()

	// Single-use backends (BlobBuffer) drop their bytes here; reflect
	// that back onto verified so the blob's invariant (verified implies
	// bytes on storage match hash) keeps holding.
	b.mu.Lock()
	if ok, _ := b.store.Exists(); !ok {
		b.verified = false
	}
	b.mu.Unlock()
}

// SendFile streams the blob's verified bytes to w, returning bytes sent,
// or -1 if the connection was lost mid-transfer.
func (b *Blob) SendFile(ctx context.Context, w io.Writer) (int64, error) {
	if !b.Verified() {
		return 0, ErrNotVerified
	}
	n, err := b.store.SendTo(ctx, w)
	if err != nil {
		return -1, err
	}
	return n, nil
}

// Delete removes any backing bytes and clears verified. Apart from a
// buffer-backed blob dropping its bytes when its last reader closes (see
// releaseReader), this is the only path by which Verified transitions
// back to false.
func (b *Blob) Delete() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.store.Delete(); err != nil {
		return err
	}
	b.verified = false
	b.lengthKnown = false
	b.length = 0
	return nil
}
