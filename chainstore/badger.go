package chainstore

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is the production BlockStore, grounded on the teacher's
// core/badgerstore.go: a plain badger.DB opened with logging disabled, one
// key per value, no buckets or column families.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a badger database rooted at dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

func (s *BadgerStore) Put(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStore) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *BadgerStore) WriteBatch(fn func(b Batch) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(badgerBatch{txn: txn})
	})
}

func (s *BadgerStore) Prune(keys [][]byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerBatch adapts a single badger.Txn to the Batch interface. Every
// Put/Delete issued against it lands in the same transaction, so
// WriteBatch's caller gets all-or-nothing semantics for free.
type badgerBatch struct {
	txn *badger.Txn
}

func (b badgerBatch) Put(key, value []byte) error {
	return b.txn.Set(key, value)
}

func (b badgerBatch) Delete(key []byte) error {
	return b.txn.Delete(key)
}
