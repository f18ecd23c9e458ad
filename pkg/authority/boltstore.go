package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// BoltStore persists snapshots in an embedded bbolt file, for single-node
// deployments without PostgreSQL.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(ctx context.Context, documentID string) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(documentsBucket).Get([]byte(documentID))
		if data == nil {
			return nil
		}
		snap = &Snapshot{}
		return json.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *BoltStore) Save(ctx context.Context, documentID string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(documentID), data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
