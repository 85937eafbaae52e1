package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	docsBucket = []byte("docs")
	opsBucket  = []byte("ops")
	metaBucket = []byte("meta")

	metaKey = []byte("shard")
)

var _ HistoryStore = (*BoltStore)(nil)

// BoltStore implements HistoryStore on a bbolt file, one file per shard.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{docsBucket, opsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(id string) (value []byte, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(docsBucket).Get([]byte(id))
		if v == nil {
			return ErrKeyNotFound
		}
		// bolt memory is only valid inside the transaction
		value = append([]byte(nil), v...)
		return nil
	})
	return
}

func (s *BoltStore) Put(id string, source []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).Put([]byte(id), source)
	})
}

func (s *BoltStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).Delete([]byte(id))
	})
}

func (s *BoltStore) List() []string {
	var ids []string
	_ = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids
}

func (s *BoltStore) Stats() StoreStats {
	var st StoreStats
	_ = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).ForEach(func(_, v []byte) error {
			st.Keys++
			st.Bytes += len(v)
			return nil
		})
	})
	return st
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the file backing the store.
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// seqKey encodes a seq no so that bolt's byte ordering matches numeric order.
func seqKey(seqNo int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(seqNo))
	return k
}

// LoadHistory returns the saved shard meta and every retained operation.
// meta is nil when nothing has been saved yet.
func (s *BoltStore) LoadHistory() (meta []byte, ops map[int64][]byte, err error) {
	ops = make(map[int64][]byte)
	err = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(metaKey); v != nil {
			meta = append([]byte(nil), v...)
		}
		return tx.Bucket(opsBucket).ForEach(func(k, v []byte) error {
			ops[int64(binary.BigEndian.Uint64(k))] = append([]byte(nil), v...)
			return nil
		})
	})
	return
}

func (s *BoltStore) SaveMeta(meta []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(metaKey, meta)
	})
}

// PutOp records an operation and the meta it produced in one transaction.
func (s *BoltStore) PutOp(seqNo int64, op, meta []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(opsBucket).Put(seqKey(seqNo), op); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(metaKey, meta)
	})
}

// DropOps deletes every operation below seqNo.
func (s *BoltStore) DropOps(below int64, meta []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(opsBucket).Cursor()
		end := seqKey(below)
		for k, _ := c.First(); k != nil && bytes.Compare(k, end) < 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return tx.Bucket(metaBucket).Put(metaKey, meta)
	})
}
