package blob

import (
	"context"
	"sync"

	"github.com/blobmesh/blobmesh/blobhash"
)

// Writer streams untrusted bytes into a running digest and length
// counter, so network code never has to buffer a blob to disk before
// validating it. A faulty or malicious peer is detected at, or before,
// the last byte (see spec.md §4.2).
type Writer struct {
	blob           *Blob
	peerKey        string
	expectedHash   blobhash.Hash
	expectedLength int64

	mu       sync.Mutex
	digester blobhash.Digester
	buf      []byte
	closed   bool
	done     chan struct{}
	err      error
}

func newWriter(b *Blob, peerKey string, expectedHash blobhash.Hash, expectedLength int64) *Writer {
	return &Writer{
		blob:           b,
		peerKey:        peerKey,
		expectedHash:   expectedHash,
		expectedLength: expectedLength,
		digester:       blobhash.NewDigester(),
		done:           make(chan struct{}),
	}
}

// Write accepts the next chunk of blob bytes. It fails with BlobTooBigError
// if the accumulated bytes would exceed the expected length, and with
// InvalidBlobHashError if the digest does not match the target hash once
// expectedLength bytes have been received. On success at exactly
// expectedLength, the writer's completion is fulfilled and the winning
// bytes are published to the owning Blob.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		return 0, ErrWriterClosed
	}

	if int64(len(w.buf))+int64(len(p)) > w.expectedLength {
		err := BlobTooBigError{ExpectedLength: w.expectedLength, Received: int64(len(w.buf)) + int64(len(p))}
		w.failLocked(err)
		return 0, err
	}

	w.buf = append(w.buf, p...)
	_, _ = w.digester.Hash().Write(p)

	if int64(len(w.buf)) != w.expectedLength {
		w.mu.Unlock()
		return len(p), nil
	}

	digest := w.digester.Digest()
	if digest != w.expectedHash {
		err := InvalidBlobHashError{Hash: w.expectedHash.String()}
		w.failLocked(err)
		return len(p), err
	}

	data := w.buf
	w.closed = true
	close(w.done)
	w.mu.Unlock()

	w.blob.publish(w, data)
	return len(p), nil
}

// failLocked marks the writer terminally failed with err and removes it
// from the owning blob's writers map, so a failed peer key can be
// retried with a fresh GetWriter call (spec.md §4.1). Caller holds w.mu
// on entry; failLocked releases it before returning, since forgetWriter
// must not be called while w.mu is held (GetWriter locks the blob first
// and then the writer, so the reverse order here would deadlock).
func (w *Writer) failLocked(err error) {
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.err = err
	w.closed = true
	close(w.done)
	w.mu.Unlock()
	w.blob.forgetWriter(w.peerKey, w)
}

// closeAsLoser marks a writer closed because another writer for the same
// blob published first. Already removed from the blob's writers map by
// publish; no penalty, no further bookkeeping.
func (w *Writer) closeAsLoser() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.err = ErrWriterClosed
	w.closed = true
	close(w.done)
}

// CloseHandle abandons an in-progress writer. Safe to call multiple times;
// a closed writer's completion is never fulfilled if it hadn't already
// completed.
func (w *Writer) CloseHandle() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.err = ErrWriterClosed
	w.closed = true
	close(w.done)
	w.mu.Unlock()
	w.blob.forgetWriter(w.peerKey, w)
}

// Closed reports whether the writer can no longer accept bytes.
func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Wait blocks until the writer reaches a terminal state (published,
// failed, or closed) or ctx is done, and returns the published bytes or
// the terminal error.
func (w *Writer) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-w.done:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.err != nil {
			return nil, w.err
		}
		return w.buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
