package downloader

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/blobmesh/blobmesh/blobhash"
	"github.com/blobmesh/blobmesh/peer"
	"github.com/blobmesh/blobmesh/stream"
)

// simultaneousBlobPullWindow bounds how many blobs of a stream may be
// in flight at once: a blob may not be requested until the blob
// preceding it by the length of the window has been fully received and
// decrypted. Adapted from the registry client's layer-pull sliding
// window, applied here to a stream's ordered blob list instead of an
// image's layer list.
const simultaneousBlobPullWindow = 4

// DownloadStream fetches every data blob named by desc in order, decrypts
// each with desc's key, and writes the reassembled plaintext to w. It is a
// supplemental convenience built on top of per-blob DownloadBlob: the
// wire protocol and the downloader race only ever operate one blob at a
// time, but a full stream needs all of its blobs in sequence.
func (d *Downloader) DownloadStream(ctx context.Context, desc *stream.Descriptor, src peer.Source, w io.Writer) error {
	key, err := hex.DecodeString(desc.Key)
	if err != nil {
		return fmt.Errorf("downloader: decoding stream key: %w", err)
	}

	dataBlobs := make([]stream.BlobInfo, 0, len(desc.Blobs))
	for _, bi := range desc.Blobs {
		if !bi.IsTerminator() {
			dataBlobs = append(dataBlobs, bi)
		}
	}

	errChans := make([]chan error, len(dataBlobs))
	plaintexts := make([][]byte, len(dataBlobs))
	for i := range errChans {
		errChans[i] = make(chan error, 1)
	}
	cancelCh := make(chan struct{})

	for i := 0; i < len(dataBlobs)+simultaneousBlobPullWindow; i++ {
		dependent := i - simultaneousBlobPullWindow
		if dependent >= 0 {
			if err := <-errChans[dependent]; err != nil {
				close(cancelCh)
				return err
			}
		}

		if i < len(dataBlobs) {
			go func(i int) {
				err := d.pullOneBlob(ctx, dataBlobs[i], key, src, plaintexts)
				select {
				case errChans[i] <- err:
				case <-cancelCh:
				}
			}(i)
		}
	}

	for _, pt := range plaintexts {
		if _, err := w.Write(pt); err != nil {
			return fmt.Errorf("downloader: writing reassembled stream: %w", err)
		}
	}
	return nil
}

func (d *Downloader) pullOneBlob(ctx context.Context, bi stream.BlobInfo, key []byte, src peer.Source, plaintexts [][]byte) error {
	h, err := blobhash.Parse(bi.BlobHash)
	if err != nil {
		return fmt.Errorf("downloader: invalid blob hash %q: %w", bi.BlobHash, err)
	}

	b, err := d.manager.GetBlob(h, bi.Length, false)
	if err != nil {
		return fmt.Errorf("downloader: acquiring blob handle for %d: %w", bi.BlobNum, err)
	}
	if err := d.DownloadBlob(ctx, b, src); err != nil {
		logrus.WithError(err).WithField("hash", bi.BlobHash).Warn("downloader: stream blob pull failed")
		return err
	}

	iv, err := hex.DecodeString(bi.IV)
	if err != nil {
		return fmt.Errorf("downloader: decoding iv for blob %d: %w", bi.BlobNum, err)
	}
	plaintext, err := b.Decrypt(key, iv)
	if err != nil {
		return fmt.Errorf("downloader: decrypting blob %d: %w", bi.BlobNum, err)
	}
	plaintexts[bi.BlobNum] = plaintext
	return nil
}
