package main

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fieldline/docsync/docsync"
)

var snapshotBucket = []byte("snapshots")

// SnapshotStore persists room snapshots to an embedded database, one value
// per storage id.
type SnapshotStore struct {
	db *bolt.DB
}

func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 2 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SnapshotStore{
		db: db,
	}, nil
}

// LoadSnapshot returns nil for a room with no persisted state.
func (self *SnapshotStore) LoadSnapshot(roomId string) (*docsync.RoomSnapshot, error) {
	var snapshot *docsync.RoomSnapshot
	err := self.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket).Get([]byte(roomId))
		if b == nil {
			return nil
		}
		decoded, err := docsync.DecodeSnapshot(b)
		if err != nil {
			return err
		}
		snapshot = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (self *SnapshotStore) SaveSnapshot(roomId string, snapshot *docsync.RoomSnapshot) error {
	b, err := docsync.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(roomId), b)
	})
}

func (self *SnapshotStore) Close() error {
	return self.db.Close()
}
