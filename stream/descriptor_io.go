package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/blobmesh/blobmesh/blob"
	"github.com/blobmesh/blobmesh/blobhash"
)

// BlobConstructor builds an empty (unverified-or-verified) *blob.Blob for
// the given hash, deferring to whichever backend (file or buffer) the
// caller's BlobManager has chosen. Descriptor construction is backend
// agnostic; it only needs somewhere to put verified bytes.
type BlobConstructor func(h blobhash.Hash) *blob.Blob

// MakeSDBlob serializes d (sorted layout unless legacy is true),
// recomputes SDHash from the resulting bytes, writes it into a blob via
// newBlob, and returns both the populated blob and the bytes.
func MakeSDBlob(d *Descriptor, legacy bool, newBlob BlobConstructor) (*blob.Blob, []byte, error) {
	var (
		raw []byte
		err error
	)
	if legacy {
		raw, err = d.LegacyJSON()
	} else {
		raw, err = d.SortedJSON()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("stream: serializing descriptor: %w", err)
	}

	h := blobhash.FromBytes(raw)
	d.SDHash = h.String()

	b := newBlob(h)
	if err := b.SaveVerified(raw); err != nil {
		return nil, nil, fmt.Errorf("stream: saving sd-blob: %w", err)
	}
	return b, raw, nil
}

// FromStreamDescriptorBlob parses and validates a candidate sd-blob.
// Validation order follows the reference implementation's
// _from_stream_descriptor_blob (original_source/lbry/stream/descriptor.py):
// the terminator must be the last blob and have zero length and no hash;
// no earlier blob may have zero length; blob_num must be sequential; and
// the recomputed stream_hash must match the embedded value. On any
// failure sdBlob is deleted from local storage before the error is
// returned, per spec.md invariant 7.
func FromStreamDescriptorBlob(sdBlob *blob.Blob) (*Descriptor, error) {
	if !sdBlob.Verified() {
		return nil, InvalidDescriptorError{Reason: "sd-blob is not verified"}
	}

	r, err := sdBlob.OpenReader()
	if err != nil {
		return nil, fmt.Errorf("stream: opening sd-blob: %w", err)
	}
	raw, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		return nil, fmt.Errorf("stream: reading sd-blob: %w", err)
	}

	var wire wireDescriptor
	if err := json.Unmarshal(raw, &wire); err != nil {
		_ = sdBlob.Delete()
		return nil, InvalidDescriptorError{Reason: "not valid JSON"}
	}

	if err := validateBlobSequence(wire.Blobs); err != nil {
		_ = sdBlob.Delete()
		return nil, err
	}

	streamName, err := hexDecodeString(wire.StreamName)
	if err != nil {
		_ = sdBlob.Delete()
		return nil, InvalidDescriptorError{Reason: "stream_name is not valid hex"}
	}
	suggestedFileName, err := hexDecodeString(wire.SuggestedFileName)
	if err != nil {
		_ = sdBlob.Delete()
		return nil, InvalidDescriptorError{Reason: "suggested_file_name is not valid hex"}
	}

	blobs := make([]BlobInfo, len(wire.Blobs))
	for i, wb := range wire.Blobs {
		blobs[i] = BlobInfo{
			BlobNum:  wb.BlobNum,
			Length:   wb.Length,
			IV:       wb.IV,
			BlobHash: wb.BlobHash,
		}
	}

	recomputed := computeStreamHash(streamName, wire.Key, suggestedFileName, blobs)
	if recomputed != wire.StreamHash {
		_ = sdBlob.Delete()
		return nil, InvalidDescriptorError{Reason: "stream hash does not match stream metadata"}
	}

	return &Descriptor{
		StreamName:        streamName,
		Key:               wire.Key,
		SuggestedFileName: suggestedFileName,
		Blobs:             blobs,
		StreamHash:        wire.StreamHash,
		SDHash:            sdBlob.Hash().String(),
	}, nil
}

func validateBlobSequence(blobs []wireBlob) error {
	if len(blobs) == 0 {
		return InvalidDescriptorError{Reason: "stream has no blobs"}
	}

	last := blobs[len(blobs)-1]
	if last.Length != 0 {
		return InvalidDescriptorError{Reason: "does not end with a zero-length blob"}
	}
	if last.BlobHash != "" {
		return InvalidDescriptorError{Reason: "stream terminator blob should not have a hash"}
	}

	for i, b := range blobs[:len(blobs)-1] {
		if b.Length == 0 {
			return InvalidDescriptorError{Reason: "contains zero-length data blob"}
		}
		if b.BlobNum != i {
			return InvalidDescriptorError{Reason: "stream contains out of order or skipped blobs"}
		}
	}
	if last.BlobNum != len(blobs)-1 {
		return InvalidDescriptorError{Reason: "stream contains out of order or skipped blobs"}
	}

	return nil
}

// Recover rebuilds a Descriptor from an already-known blob list plus
// metadata (e.g. read back out of the local index) and reconciles it
// against sdBlob, an existing blob handle whose hash is fixed but whose
// bytes may be missing or stale. It tries both serializations in turn:
// whichever one hashes to sdBlob's own hash is the one sdBlob is
// (re)written with, exactly as original_source's StreamDescriptor.recover
// tries the current sort order before falling back to the old one. If
// neither serialization's hash matches sdBlob, the inputs don't actually
// describe sdBlob's content and recovery fails.
func Recover(sdBlob *blob.Blob, streamHash, streamName, suggestedFileName, key string, blobs []BlobInfo) (*Descriptor, error) {
	d := &Descriptor{
		StreamName:        streamName,
		Key:               key,
		SuggestedFileName: suggestedFileName,
		Blobs:             blobs,
		StreamHash:        streamHash,
	}

	sorted, err := d.SortedJSON()
	if err != nil {
		return nil, fmt.Errorf("stream: serializing recovered descriptor: %w", err)
	}
	legacy, err := d.LegacyJSON()
	if err != nil {
		return nil, fmt.Errorf("stream: serializing recovered descriptor (legacy): %w", err)
	}

	var raw []byte
	switch sdBlob.Hash() {
	case blobhash.FromBytes(sorted):
		raw = sorted
	case blobhash.FromBytes(legacy):
		raw = legacy
	default:
		return nil, InvalidDescriptorError{Reason: "recovered descriptor does not hash to the given sd-blob"}
	}

	if err := sdBlob.SaveVerified(raw); err != nil {
		return nil, fmt.Errorf("stream: rewriting sd-blob: %w", err)
	}
	d.SDHash = sdBlob.Hash().String()
	return d, nil
}
