package bus

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

// SnapshotStore persists authoritative document snapshots and saved plain
// text between bus restarts.
type SnapshotStore struct {
	db *bolt.DB
}

var (
	snapshotsBucket = []byte("snapshots")
	savesBucket = []byte("saves")
)

func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(snapshotsBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(savesBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SnapshotStore{
		db: db,
	}, nil
}

func (self *SnapshotStore) SetSnapshot(documentId string, state []byte) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(documentId), state)
	})
}

func (self *SnapshotStore) GetSnapshot(documentId string) ([]byte, bool, error) {
	var state []byte
	found := false
	err := self.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotsBucket).Get([]byte(documentId))
		if v != nil {
			state = make([]byte, len(v))
			copy(state, v)
			found = true
		}
		return nil
	})
	return state, found, err
}

func (self *SnapshotStore) SetSave(documentId string, content string) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(savesBucket).Put([]byte(documentId), []byte(content))
	})
}

func (self *SnapshotStore) GetSave(documentId string) (string, bool, error) {
	content := ""
	found := false
	err := self.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(savesBucket).Get([]byte(documentId))
		if v != nil {
			content = string(v)
			found = true
		}
		return nil
	})
	return content, found, err
}

func (self *SnapshotStore) Close() error {
	return self.db.Close()
}
