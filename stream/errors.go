package stream

import "fmt"

// InvalidDescriptorError reports that a candidate sd-blob failed
// structural or hash validation (spec.md §4.3, invariant 7). When
// FromStreamDescriptorBlob rejects a verified sd-blob's content, it
// deletes that blob from local storage before returning this error;
// Recover returns it without touching storage.
type InvalidDescriptorError struct {
	Reason string
}

func (e InvalidDescriptorError) Error() string {
	return fmt.Sprintf("stream: invalid descriptor: %s", e.Reason)
}
