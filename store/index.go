// Package store provides the persistent index of blob/stream metadata
// that survives process restarts, backing BlobManager's directory-scan
// reconciliation (spec.md §3.2/§4.8).
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	blobsBucket   = []byte("blobs")
	streamsBucket = []byte("streams")
)

// BlobStatus mirrors the status column of the reference implementation's
// blob table (original_source/lbry/extras/daemon/storage.py).
type BlobStatus string

const (
	StatusPending  BlobStatus = "pending"
	StatusFinished BlobStatus = "finished"
)

// BlobRow is one persisted blob record.
type BlobRow struct {
	Hash           string     `json:"hash"`
	Length         int64      `json:"length"`
	AddedOn        time.Time  `json:"added_on"`
	IsMine         bool       `json:"is_mine"`
	Status         BlobStatus `json:"status"`
	LastAnnounced  time.Time  `json:"last_announced,omitempty"`
}

// StreamRow is one persisted stream record.
type StreamRow struct {
	SDHash     string `json:"sd_hash"`
	StreamHash string `json:"stream_hash"`
	StreamName string `json:"stream_name"`
}

// Index is the persistence contract a BlobManager uses to survive
// restarts: it reconciles the on-disk blob directory against whatever
// this index believes is finished.
type Index interface {
	AddBlobs(rows []BlobRow, finished bool) error
	SyncMissingBlobs(presentOnDisk map[string]struct{}) (stillFinished map[string]struct{}, err error)
	DeleteBlobsFromDB(hashes []string) error
	GetBlobStatus(hash string) (BlobStatus, error)
	UpdateLastAnnounced(hashes []string, when time.Time) error
	AddStream(row StreamRow) error
	Close() error
}

// BoltIndex implements Index atop go.etcd.io/bbolt, following the
// bucket-per-entity / JSON-value convention used throughout the pack's
// bbolt-backed stores.
type BoltIndex struct {
	db *bolt.DB
}

// OpenBoltIndex opens (creating if needed) a bbolt database at path and
// ensures its buckets exist.
func OpenBoltIndex(path string) (*BoltIndex, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: opening index: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blobsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(streamsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: initializing buckets: %w", err)
	}

	return &BoltIndex{db: db}, nil
}

// Close releases the underlying database file.
func (idx *BoltIndex) Close() error {
	return idx.db.Close()
}

// AddBlobs inserts rows that are not already present, and optionally
// marks every row (whether newly inserted or pre-existing) as finished —
// mirroring the reference implementation's insert-or-ignore-then-update
// two-step (original_source's SQLiteStorage.add_blobs).
func (idx *BoltIndex) AddBlobs(rows []BlobRow, finished bool) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blobsBucket)
		for _, row := range rows {
			key := []byte(row.Hash)
			if existing := b.Get(key); existing == nil {
				if row.Status == "" {
					row.Status = StatusPending
				}
				if finished {
					row.Status = StatusFinished
				}
				raw, err := json.Marshal(row)
				if err != nil {
					return err
				}
				if err := b.Put(key, raw); err != nil {
					return err
				}
				continue
			}
			if finished {
				var existingRow BlobRow
				if err := json.Unmarshal(b.Get(key), &existingRow); err != nil {
					return err
				}
				existingRow.Status = StatusFinished
				raw, err := json.Marshal(existingRow)
				if err != nil {
					return err
				}
				if err := b.Put(key, raw); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// SyncMissingBlobs reconciles a directory scan (presentOnDisk) against
// rows this index believes are finished: any finished row no longer
// present on disk is demoted back to pending, and the returned set is
// the intersection — finished rows confirmed present — used to seed
// BlobManager's in-memory completed set (original_source's
// SQLiteStorage.sync_missing_blobs).
func (idx *BoltIndex) SyncMissingBlobs(presentOnDisk map[string]struct{}) (map[string]struct{}, error) {
	stillFinished := make(map[string]struct{})

	err := idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blobsBucket)
		return b.ForEach(func(k, v []byte) error {
			var row BlobRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.Status != StatusFinished {
				return nil
			}
			if _, present := presentOnDisk[row.Hash]; present {
				stillFinished[row.Hash] = struct{}{}
				return nil
			}
			row.Status = StatusPending
			raw, err := json.Marshal(row)
			if err != nil {
				return err
			}
			return b.Put(k, raw)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: syncing missing blobs: %w", err)
	}
	return stillFinished, nil
}

// DeleteBlobsFromDB removes rows for the given hashes.
func (idx *BoltIndex) DeleteBlobsFromDB(hashes []string) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blobsBucket)
		for _, h := range hashes {
			if err := b.Delete([]byte(h)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetBlobStatus returns the persisted status for hash, or an error if no
// row exists.
func (idx *BoltIndex) GetBlobStatus(hash string) (BlobStatus, error) {
	var status BlobStatus
	err := idx.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(blobsBucket).Get([]byte(hash))
		if raw == nil {
			return fmt.Errorf("store: no row for blob %s", hash)
		}
		var row BlobRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		status = row.Status
		return nil
	})
	return status, err
}

// UpdateLastAnnounced stamps hashes with when as their last DHT
// announcement time.
func (idx *BoltIndex) UpdateLastAnnounced(hashes []string, when time.Time) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blobsBucket)
		for _, h := range hashes {
			raw := b.Get([]byte(h))
			if raw == nil {
				continue
			}
			var row BlobRow
			if err := json.Unmarshal(raw, &row); err != nil {
				return err
			}
			row.LastAnnounced = when
			updated, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(h), updated); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddStream persists a stream descriptor's identifying metadata.
func (idx *BoltIndex) AddStream(row StreamRow) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return tx.Bucket(streamsBucket).Put([]byte(row.SDHash), raw)
	})
}
