package blob

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/blobmesh/blobmesh/blobhash"
)

// BufferStore is the in-memory Store backend: content lives in a byte
// slice guarded by a mutex, discarded once all readers release it.
// Grounded on storagedriver/inmemory/inmemory.go's map[string][]byte +
// sync.RWMutex shape, narrowed to a single blob's bytes.
type BufferStore struct {
	mu   sync.RWMutex
	data []byte
	set  bool
}

// NewBufferStore returns an empty BufferStore.
func NewBufferStore() *BufferStore {
	return &BufferStore{}
}

// Exists implements Store.
func (s *BufferStore) Exists() (bool, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return false, 0
	}
	return true, int64(len(s.data))
}

// IsWriteable implements Store. A buffer imposes no restriction of its
// own beyond the blob's shared in-progress-write state.
func (s *BufferStore) IsWriteable() bool {
	return true
}

// Write implements Store.
func (s *BufferStore) Write(content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(content))
	copy(buf, content)
	s.data = buf
	s.set = true
	return nil
}

// Reader implements Store.
func (s *BufferStore) Reader() (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

// SendTo implements Store.
func (s *BufferStore) SendTo(ctx context.Context, w io.Writer) (int64, error) {
	s.mu.RLock()
	data := s.data
	s.mu.RUnlock()

	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := io.Copy(w, bytes.NewReader(data))
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Delete implements Store.
func (s *BufferStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.set = false
	return nil
}

// ReleaseReader implements Store. Per spec.md §4.1 ("discarded when all
// readers release it... verification state is cleared on reader exit"),
// a BlobBuffer is single-use: once its last reader closes, the bytes are
// dropped.
func (s *BufferStore) ReleaseReader() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.set = false
}

// NewBufferBlob constructs a Blob backed by an in-memory buffer.
func NewBufferBlob(hash blobhash.Hash, isMine bool) *Blob {
	return newBlob(hash, NewBufferStore(), isMine)
}

// IsBufferBacked reports whether b is backed by an in-memory BufferStore
// rather than a file, so a BlobManager can detect when a buffer-backed
// blob needs upgrading to file storage (spec.md §4.8).
func (b *Blob) IsBufferBacked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.store.(*BufferStore)
	return ok
}
