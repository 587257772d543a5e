package engine

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// BadgerStore is a Store persisted in a badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens or creates the database under dir. Values are kept in dir/vlog.
func OpenBadgerStore(dir string, syncWrites bool) (*BadgerStore, error) {
	valueDir := filepath.Join(dir, "vlog")
	for _, d := range []string{dir, valueDir} {
		if err := os.MkdirAll(d, os.ModePerm); err != nil {
			return nil, errors.Trace(err)
		}
	}
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = valueDir
	opts.SyncWrites = syncWrites
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger store at %s", dir)
	}
	log.L().Info("badger store opened", zap.String("dir", dir), zap.Bool("sync-writes", syncWrites))
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, errors.Trace(err)
}

func (s *BadgerStore) Write(batch []Modify) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, m := range batch {
			var err error
			if m.Delete {
				err = txn.Delete(m.Key)
			} else {
				err = txn.Set(m.Key, m.Value)
			}
			if err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	})
	return errors.Trace(err)
}

func (s *BadgerStore) Scan(start, end []byte, limit int) ([]Pair, error) {
	var pairs []Pair
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(start); it.Valid(); it.Next() {
			item := it.Item()
			if end != nil && bytes.Compare(item.Key(), end) >= 0 {
				break
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return errors.WithStack(err)
			}
			pairs = append(pairs, Pair{Key: item.KeyCopy(nil), Value: val})
			if limit > 0 && len(pairs) >= limit {
				break
			}
		}
		return nil
	})
	return pairs, err
}

func (s *BadgerStore) Close() error {
	return errors.Trace(s.db.Close())
}
