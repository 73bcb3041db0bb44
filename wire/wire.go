// Package wire implements the blob exchange wire protocol of spec.md
// §4.4/§7: a JSON object immediately followed by raw blob bytes, with no
// length-prefix or delimiter between them.
package wire

import (
	"bytes"
	"encoding/json"
)

// Price acceptance values exchanged under the "blob_data_payment_rate"
// key, grounded on BlobPriceResponse in
// original_source/lbry/blob_exchange/serialization.py.
const (
	RateAccepted = "RATE_ACCEPTED"
	RateTooLow   = "RATE_TOO_LOW"
	RateUnset    = "RATE_UNSET"
)

// MaxRequestSize bounds a single incoming JSON request frame (spec.md
// §6 Constants).
const MaxRequestSize = 1200

// Request is the set of fields a client may send in one frame. Any
// subset may be populated; zero value fields are omitted from the wire
// form.
type Request struct {
	RequestedBlobs  []string `json:"requested_blobs,omitempty"`
	LbrycrdAddress  *bool    `json:"lbrycrd_address,omitempty"`
	BlobDataPaymentRate *float64 `json:"blob_data_payment_rate,omitempty"`
	RequestedBlob   string   `json:"requested_blob,omitempty"`
}

// Marshal encodes r as a single JSON object frame.
func (r Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// NewBlobRequest bundles the three sub-messages a downloader sends in
// one frame to ask for a blob at a given price: availability, price, and
// the download request itself (original_source's
// BlobRequest.make_request_for_blob_hash).
func NewBlobRequest(blobHash string, paymentRate float64) Request {
	return Request{
		RequestedBlobs:      []string{blobHash},
		BlobDataPaymentRate: &paymentRate,
		RequestedBlob:       blobHash,
	}
}

// Response is the set of fields a server may send in one frame,
// optionally followed by raw blob bytes in the same write.
type Response struct {
	AvailableBlobs      []string `json:"available_blobs,omitempty"`
	LbrycrdAddress      string   `json:"lbrycrd_address,omitempty"`
	BlobDataPaymentRate string   `json:"blob_data_payment_rate,omitempty"`
	IncomingBlob        *IncomingBlob `json:"incoming_blob,omitempty"`
	Error               string   `json:"error,omitempty"`
}

// IncomingBlob announces the blob about to follow as raw bytes.
type IncomingBlob struct {
	BlobHash string `json:"blob_hash"`
	Length   int64  `json:"length"`
}

// Marshal encodes resp as a single JSON object frame.
func (resp Response) Marshal() ([]byte, error) {
	return json.Marshal(resp)
}

// ParseResponse scans buf for the first JSON object that decodes
// successfully and whose keys are a subset of the known response keys,
// returning it plus whatever bytes follow (which may be raw blob data,
// or more buffered-but-unparsed bytes if buf was truncated mid-frame).
// A nil Response with ok=false means buf does not yet contain a complete
// recognizable frame. Grounded on _parse_blob_response in
// original_source/lbry/blob_exchange/serialization.py: that function's
// scan-for-closing-brace approach is necessary because a bare
// json.Decoder on a streaming connection cannot tell "more JSON
// follows" apart from "blob bytes that happen to parse as JSON follow".
func ParseResponse(buf []byte) (resp *Response, rest []byte, ok bool) {
	pos := 0
	for {
		idx := bytes.IndexByte(buf[pos:], '}')
		if idx == -1 {
			return nil, buf, false
		}
		pos += idx + 1

		var candidate map[string]json.RawMessage
		if err := json.Unmarshal(buf[:pos], &candidate); err != nil {
			continue
		}
		if len(candidate) == 0 || !subsetOfResponseKeys(candidate) {
			return nil, buf, false
		}

		var r Response
		if err := json.Unmarshal(buf[:pos], &r); err != nil {
			return nil, buf, false
		}
		return &r, buf[pos:], true
	}
}

func subsetOfResponseKeys(candidate map[string]json.RawMessage) bool {
	for k := range candidate {
		switch k {
		case "available_blobs", "lbrycrd_address", "blob_data_payment_rate", "incoming_blob", "error":
		default:
			return false
		}
	}
	return true
}
