package engine

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

const defaultBTreeDegree = 64

var _ btree.Item = &memItem{}

type memItem struct {
	key   []byte
	value []byte
}

// Less returns true if the item key is less than the other.
func (m *memItem) Less(other btree.Item) bool {
	return bytes.Compare(m.key, other.(*memItem).key) < 0
}

// MemStore is a Store kept in an in-memory B-tree.
type MemStore struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

func NewMemStore() *MemStore {
	return &MemStore{tree: btree.New(defaultBTreeDegree)}
}

func (s *MemStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item := s.tree.Get(&memItem{key: key})
	if item == nil {
		return nil, nil
	}
	return append([]byte(nil), item.(*memItem).value...), nil
}

func (s *MemStore) Write(batch []Modify) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range batch {
		if m.Delete {
			s.tree.Delete(&memItem{key: m.Key})
			continue
		}
		s.tree.ReplaceOrInsert(&memItem{
			key:   append([]byte(nil), m.Key...),
			value: append([]byte(nil), m.Value...),
		})
	}
	return nil
}

func (s *MemStore) Scan(start, end []byte, limit int) ([]Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pairs []Pair
	s.tree.AscendGreaterOrEqual(&memItem{key: start}, func(i btree.Item) bool {
		item := i.(*memItem)
		if end != nil && bytes.Compare(item.key, end) >= 0 {
			return false
		}
		pairs = append(pairs, Pair{
			Key:   append([]byte(nil), item.key...),
			Value: append([]byte(nil), item.value...),
		})
		return limit <= 0 || len(pairs) < limit
	})
	return pairs, nil
}

// Len returns the number of stored keys.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

func (s *MemStore) Close() error {
	return nil
}
