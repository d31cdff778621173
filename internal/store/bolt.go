package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketState     = []byte("state")
	bucketAliases   = []byte("aliases")
	bucketBlocklist = []byte("blocklist")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketState, bucketAliases, bucketBlocklist} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveState replaces the persisted state snapshot in a single transaction,
// so a crash mid-flush never leaves a partially written snapshot.
func (s *BoltStore) SaveState(bags map[string]map[string]any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketState); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketState)
		if err != nil {
			return err
		}
		for id, bag := range bags {
			data, err := json.Marshal(bag)
			if err != nil {
				return fmt.Errorf("marshal state for %s: %w", id, err)
			}
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) LoadState() (map[string]map[string]any, error) {
	bags := make(map[string]map[string]any)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var bag map[string]any
			if err := json.Unmarshal(v, &bag); err != nil {
				return fmt.Errorf("unmarshal state for %s: %w", k, err)
			}
			bags[string(k)] = bag
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return bags, nil
}

func (s *BoltStore) DeleteState(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) SetAlias(id, alias string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAliases).Put([]byte(id), []byte(alias))
	})
}

func (s *BoltStore) Alias(id string) (string, error) {
	var alias string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAliases).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("alias %s: %w", id, ErrNotFound)
		}
		alias = string(data)
		return nil
	})
	return alias, err
}

func (s *BoltStore) Aliases() (map[string]string, error) {
	aliases := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAliases).ForEach(func(k, v []byte) error {
			aliases[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return aliases, nil
}

func (s *BoltStore) DeleteAlias(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAliases).Delete([]byte(id))
	})
}

func (s *BoltStore) AddBlock(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocklist).Put([]byte(id), []byte{})
	})
}

func (s *BoltStore) RemoveBlock(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocklist).Delete([]byte(id))
	})
}

func (s *BoltStore) Blocklist() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocklist).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *BoltStore) IsBlocked(id string) (bool, error) {
	var blocked bool
	err := s.db.View(func(tx *bolt.Tx) error {
		blocked = tx.Bucket(bucketBlocklist).Get([]byte(id)) != nil
		return nil
	})
	return blocked, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
