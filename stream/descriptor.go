// Package stream implements the stream descriptor: the ordered blob
// manifest tying a sequence of encrypted blobs into a single logical
// stream, itself stored as a blob (spec.md §3/§4.3).
package stream

import (
	"crypto/sha512"
	"encoding/hex"
	"strconv"
	"time"
)

// BlobInfo is one element of a stream's blob list. The final element of
// a stream is the terminator: Length == 0 and BlobHash == "".
type BlobInfo struct {
	BlobNum  int       `json:"blob_num"`
	Length   int64     `json:"length"`
	IV       string    `json:"iv"`
	AddedOn  time.Time `json:"-"`
	BlobHash string    `json:"blob_hash,omitempty"`
	IsMine   bool      `json:"-"`
}

// IsTerminator reports whether this is the stream's zero-length final
// entry.
func (b BlobInfo) IsTerminator() bool {
	return b.Length == 0
}

// Descriptor is the manifest describing a stream.
type Descriptor struct {
	StreamName        string
	Key                string // symmetric key bytes, hex encoded; opaque to this package
	SuggestedFileName string
	Blobs             []BlobInfo
	StreamHash        string
	SDHash            string
}

// streamType is the constant "stream_type" field carried by both
// serializations.
const streamType = "lbryfile"

// NewDescriptor builds a Descriptor and computes its stream_hash. sd_hash
// is left empty until MakeSDBlob assigns it.
func NewDescriptor(streamName, key, suggestedFileName string, blobs []BlobInfo) *Descriptor {
	d := &Descriptor{
		StreamName:        streamName,
		Key:               key,
		SuggestedFileName: suggestedFileName,
		Blobs:             blobs,
	}
	d.StreamHash = d.computeStreamHash()
	return d
}

// computeStreamHash derives stream_hash per spec.md §3:
//
//	H( hex(stream_name) || key || hex(suggested_file_name) || H(sum_i H(blob_info_i)) )
//
// where each blob_info_i hash is (blob_hash if length>0 else "") ||
// str(blob_num) || iv || str(length). Grounded on the reference
// implementation's StreamDescriptor.calculate_stream_hash /
// get_blob_hashsum (original_source/lbry/stream/descriptor.py).
func (d *Descriptor) computeStreamHash() string {
	return computeStreamHash(d.StreamName, d.Key, d.SuggestedFileName, d.Blobs)
}

func computeStreamHash(streamName, key, suggestedFileName string, blobs []BlobInfo) string {
	blobsHash := sha512.New384()
	for _, b := range blobs {
		bh := sha512.New384()
		if b.Length != 0 {
			bh.Write([]byte(b.BlobHash))
		}
		bh.Write([]byte(strconv.Itoa(b.BlobNum)))
		bh.Write([]byte(b.IV))
		bh.Write([]byte(strconv.FormatInt(b.Length, 10)))
		blobsHash.Write(bh.Sum(nil))
	}

	h := sha512.New384()
	h.Write([]byte(hexEncodeString(streamName)))
	h.Write([]byte(key))
	h.Write([]byte(hexEncodeString(suggestedFileName)))
	h.Write(blobsHash.Sum(nil))
	return hex.EncodeToString(h.Sum(nil))
}

func hexEncodeString(s string) string {
	return hex.EncodeToString([]byte(s))
}

func hexDecodeString(s string) (string, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
