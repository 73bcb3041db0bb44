package blob

import (
	"fmt"

	"github.com/blobmesh/blobmesh/blobhash"
)

// InvalidBlobHashError is raised when a hash string fails syntactic
// validation, or when a writer's accumulated digest does not match the
// target hash at the end of a write.
type InvalidBlobHashError struct {
	Hash string
}

func (e InvalidBlobHashError) Error() string {
	return fmt.Sprintf("invalid blob hash: %s", e.Hash)
}

// BlobTooBigError is raised when a writer receives more bytes than the
// blob's expected length.
type BlobTooBigError struct {
	ExpectedLength int64
	Received       int64
}

func (e BlobTooBigError) Error() string {
	return fmt.Sprintf("blob too big: received %d bytes, expected at most %d", e.Received, e.ExpectedLength)
}

// InvalidDataError signals malformed protocol data, such as a peer
// delivering excess bytes or reporting a length that contradicts one
// already known.
type InvalidDataError struct {
	Reason string
}

func (e InvalidDataError) Error() string {
	return fmt.Sprintf("invalid data: %s", e.Reason)
}

// ErrAlreadyWriting is returned by GetWriter when a non-closed writer for
// the same (peer_address, peer_port) already exists.
var ErrAlreadyWriting = fmt.Errorf("blob: writer already in progress for this peer")

// ErrWriterClosed is returned by Write/Wait once a writer has been closed
// or cancelled, including by Wait after CloseHandle abandoned a writer
// that never completed.
var ErrWriterClosed = fmt.Errorf("blob: writer closed")

// ErrNotVerified is returned by operations that require verified bytes
// (OpenReader, SendFile, Decrypt) on a blob that has none.
var ErrNotVerified = fmt.Errorf("blob: not verified")

// ErrLengthMismatch is returned by SetLength when the proposed length
// conflicts with an already-known length.
type ErrLengthMismatch struct {
	Known    int64
	Proposed int64
}

func (e ErrLengthMismatch) Error() string {
	return fmt.Sprintf("blob: length mismatch: known=%d proposed=%d", e.Known, e.Proposed)
}

func invalidHash(h blobhash.Hash) error {
	return InvalidBlobHashError{Hash: h.String()}
}
