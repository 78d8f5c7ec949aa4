package chainstore

import "sync"

// MemStore is an in-memory BlockStore used by the chaintree test suite so
// engine tests don't need an on-disk badger database. It offers the same
// atomic-batch semantics as BadgerStore, just guarded by a mutex instead of
// an MVCC transaction.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Get(key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemStore) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (s *MemStore) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	return nil
}

func (s *MemStore) WriteBatch(fn func(b Batch) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := &memBatch{base: s.data, puts: map[string][]byte{}, dels: map[string]struct{}{}}
	if err := fn(staged); err != nil {
		return err
	}
	for k := range staged.dels {
		delete(s.data, k)
	}
	for k, v := range staged.puts {
		s.data[k] = v
	}
	return nil
}

func (s *MemStore) Prune(keys [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, string(key))
	}
	return nil
}

func (s *MemStore) Close() error { return nil }

type memBatch struct {
	base map[string][]byte
	puts map[string][]byte
	dels map[string]struct{}
}

func (b *memBatch) Put(key, value []byte) error {
	k := string(key)
	delete(b.dels, k)
	b.puts[k] = append([]byte(nil), value...)
	return nil
}

func (b *memBatch) Delete(key []byte) error {
	k := string(key)
	delete(b.puts, k)
	b.dels[k] = struct{}{}
	return nil
}
