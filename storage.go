package main

import (
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
)

const bucketUsageCache = "usage_cache"

// CachedUsage is the persisted per-account usage-percent pair. It survives
// restarts so the selector has cross-account data before the first poll.
type CachedUsage struct {
	SessionPercent float64   `json:"session_percent"`
	WeeklyPercent  float64   `json:"weekly_percent"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// usageCacheStore persists cached usage percentages in bbolt.
type usageCacheStore struct {
	db *bbolt.DB
}

func newUsageCacheStore(path string) (*usageCacheStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists([]byte(bucketUsageCache))
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &usageCacheStore{db: db}, nil
}

func (s *usageCacheStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *usageCacheStore) put(accountID string, cu CachedUsage) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.putBatch(map[string]CachedUsage{accountID: cu})
}

// putBatch writes many accounts in one transaction. The consolidated view
// fans out fetches in parallel and merges all resulting writes through here
// so concurrent fetches can never interleave partial updates.
func (s *usageCacheStore) putBatch(updates map[string]CachedUsage) error {
	if s == nil || s.db == nil || len(updates) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsageCache))
		for id, cu := range updates {
			val, err := json.Marshal(&cu)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *usageCacheStore) get(accountID string) (*CachedUsage, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var out *CachedUsage
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(bucketUsageCache)).Get([]byte(accountID))
		if raw == nil {
			return nil
		}
		var cu CachedUsage
		if err := json.Unmarshal(raw, &cu); err != nil {
			return err
		}
		out = &cu
		return nil
	})
	return out, err
}

// clear drops the cached usage for an account, used right after swapping
// away from it so stale percentages never influence the next selection.
func (s *usageCacheStore) clear(accountID string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketUsageCache)).Delete([]byte(accountID))
	})
}

func (s *usageCacheStore) loadAll() (map[string]CachedUsage, error) {
	out := map[string]CachedUsage{}
	if s == nil || s.db == nil {
		return out, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketUsageCache)).ForEach(func(k, v []byte) error {
			var cu CachedUsage
			if err := json.Unmarshal(v, &cu); err != nil {
				return err
			}
			out[string(k)] = cu
			return nil
		})
	})
	return out, err
}
