package stream

import (
	"bytes"
	"encoding/json"
)

// kv is one key/value pair of an orderedObject.
type kv struct {
	Key   string
	Value interface{}
}

// orderedObject marshals to a JSON object whose keys appear in exactly
// the slice order given, unlike map[string]interface{} (alphabetical) or
// a struct (declaration order, but verbose for two competing layouts).
// Needed because this package maintains two historical serializations
// side by side (spec.md §9: "never infer ordering from content").
type orderedObject []kv

func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func sortedBlobEntry(b BlobInfo) orderedObject {
	if b.BlobHash != "" {
		return orderedObject{
			{"blob_hash", b.BlobHash},
			{"blob_num", b.BlobNum},
			{"iv", b.IV},
			{"length", b.Length},
		}
	}
	return orderedObject{
		{"blob_num", b.BlobNum},
		{"iv", b.IV},
		{"length", b.Length},
	}
}

func legacyBlobEntry(b BlobInfo) orderedObject {
	if b.BlobHash != "" {
		return orderedObject{
			{"length", b.Length},
			{"blob_num", b.BlobNum},
			{"blob_hash", b.BlobHash},
			{"iv", b.IV},
		}
	}
	return orderedObject{
		{"length", b.Length},
		{"blob_num", b.BlobNum},
		{"iv", b.IV},
	}
}

// SortedJSON renders the descriptor using the current, alphabetically
// key-sorted layout.
func (d *Descriptor) SortedJSON() ([]byte, error) {
	blobs := make([]orderedObject, len(d.Blobs))
	for i, b := range d.Blobs {
		blobs[i] = sortedBlobEntry(b)
	}

	obj := orderedObject{
		{"blobs", blobs},
		{"key", d.Key},
		{"stream_hash", d.StreamHash},
		{"stream_name", hexEncodeString(d.StreamName)},
		{"stream_type", streamType},
		{"suggested_file_name", hexEncodeString(d.SuggestedFileName)},
	}
	return json.Marshal(obj)
}

// LegacyJSON renders the descriptor using the older fixed-field-order
// layout, preserved for streams authored before the sorted serializer was
// introduced.
func (d *Descriptor) LegacyJSON() ([]byte, error) {
	blobs := make([]orderedObject, len(d.Blobs))
	for i, b := range d.Blobs {
		blobs[i] = legacyBlobEntry(b)
	}

	obj := orderedObject{
		{"stream_name", hexEncodeString(d.StreamName)},
		{"blobs", blobs},
		{"stream_type", streamType},
		{"key", d.Key},
		{"suggested_file_name", hexEncodeString(d.SuggestedFileName)},
		{"stream_hash", d.StreamHash},
	}
	return json.Marshal(obj)
}

// wireDescriptor is the plain, order-agnostic shape used only for
// decoding: encoding/json ignores field order on Unmarshal, so a single
// struct suffices for both serializations.
type wireDescriptor struct {
	StreamName        string      `json:"stream_name"`
	Key               string      `json:"key"`
	SuggestedFileName string      `json:"suggested_file_name"`
	StreamHash        string      `json:"stream_hash"`
	Blobs             []wireBlob  `json:"blobs"`
}

type wireBlob struct {
	BlobNum  int    `json:"blob_num"`
	Length   int64  `json:"length"`
	IV       string `json:"iv"`
	BlobHash string `json:"blob_hash,omitempty"`
}
