// Package storage keeps paused executions in LevelDB so a run can be
// resumed later or from another process.
package storage

import (
	"bytes"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// PersistenceStore wraps LevelDB for raw key-value persistence.
type PersistenceStore struct {
	db *leveldb.DB
}

// NewPersistenceStore opens or creates a LevelDB database at the given path.
// If path is empty, uses in-memory storage.
func NewPersistenceStore(path string) (*PersistenceStore, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	return &PersistenceStore{db: db}, nil
}

// Get retrieves a value by key. Returns (nil, false, nil) if not found.
func (ps *PersistenceStore) Get(key []byte) ([]byte, bool, error) {
	data, err := ps.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get %q: %w", key, err)
	}
	return data, true, nil
}

func (ps *PersistenceStore) Put(key []byte, value []byte) error {
	return ps.db.Put(key, value, nil)
}

func (ps *PersistenceStore) Delete(key []byte) error {
	return ps.db.Delete(key, nil)
}

// Keys returns every key with the given prefix in key order.
func (ps *PersistenceStore) Keys(prefix []byte) ([][]byte, error) {
	iter := ps.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var keys [][]byte
	for iter.Next() {
		// the iterator reuses its buffers
		keys = append(keys, bytes.Clone(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("Keys %q: %w", prefix, err)
	}
	return keys, nil
}

func (ps *PersistenceStore) Close() error {
	return ps.db.Close()
}
