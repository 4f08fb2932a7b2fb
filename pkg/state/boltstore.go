package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketState = []byte("state")

// envelope wraps every stored document with its write time so Age works
// without a second bucket.
type envelope struct {
	UpdatedAt time.Time       `json:"updated_at"`
	Doc       json.RawMessage `json:"doc"`
}

// DefaultTTL is how long a cached read may be served. Readers that cannot
// tolerate this staleness use ReadFresh.
const DefaultTTL = 100 * time.Millisecond

// lockTimeout bounds how long a write waits on the file lock before the
// call fails instead of blocking forever.
const lockTimeout = 10 * time.Second

type cacheEntry struct {
	env     envelope
	fetched time.Time
	present bool
}

// BoltStore implements Store using bbolt. A bbolt update transaction is
// atomic and crash-safe, so a torn write leaves the previous document
// readable.
type BoltStore struct {
	db  *bolt.DB
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time
}

// NewBoltStore opens (or creates) the shared-state database under dataDir.
// The directory defaults to VOLTERIA_STATE_DIR and is created if missing.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if dataDir == "" {
		dataDir = os.Getenv("VOLTERIA_STATE_DIR")
	}
	if dataDir == "" {
		dataDir = "/opt/volteria/data/state"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "state.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:    db,
		ttl:   DefaultTTL,
		cache: make(map[string]cacheEntry),
		now:   time.Now,
	}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Write replaces the document under key.
func (s *BoltStore) Write(key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	env := envelope{UpdatedAt: s.now().UTC(), Doc: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{env: env, fetched: s.now(), present: true}
	s.mu.Unlock()
	return nil
}

// Read unmarshals the document under key, serving from the TTL cache when
// the cached copy is fresh enough.
func (s *BoltStore) Read(key string, out any) (bool, error) {
	s.mu.Lock()
	entry, ok := s.cache[key]
	s.mu.Unlock()
	if ok && s.now().Sub(entry.fetched) <= s.ttl {
		if !entry.present {
			return false, nil
		}
		return true, json.Unmarshal(entry.env.Doc, out)
	}
	return s.ReadFresh(key, out)
}

// ReadFresh reads the document under key bypassing the cache.
func (s *BoltStore) ReadFresh(key string, out any) (bool, error) {
	env, present, err := s.load(key)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{env: env, fetched: s.now(), present: present}
	s.mu.Unlock()

	if !present {
		return false, nil
	}
	return true, json.Unmarshal(env.Doc, out)
}

// Update performs a top-level read-merge-write within one transaction. A
// nil patch value removes the key from the document, so consumed queue
// entries do not accumulate.
func (s *BoltStore) Update(key string, patch map[string]any) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		merged := make(map[string]any)

		if data := b.Get([]byte(key)); data != nil {
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return fmt.Errorf("corrupt document %s: %w", key, err)
			}
			if err := json.Unmarshal(env.Doc, &merged); err != nil {
				return fmt.Errorf("document %s is not a JSON object: %w", key, err)
			}
		}

		for k, v := range patch {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		data, err := json.Marshal(envelope{UpdatedAt: s.now().UTC(), Doc: raw})
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", key, err)
	}

	s.invalidate(key)
	return nil
}

// Delete removes the document under key.
func (s *BoltStore) Delete(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Delete([]byte(key))
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{fetched: s.now(), present: false}
	s.mu.Unlock()
	return nil
}

// ListKeys returns all present keys.
func (s *BoltStore) ListKeys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Age returns the time since the last write of key.
func (s *BoltStore) Age(key string) (time.Duration, bool) {
	env, present, err := s.load(key)
	if err != nil || !present {
		return 0, false
	}
	return s.now().UTC().Sub(env.UpdatedAt), true
}

func (s *BoltStore) load(key string) (envelope, bool, error) {
	var env envelope
	var present bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketState).Get([]byte(key))
		if data == nil {
			return nil
		}
		present = true
		// Copy: bbolt data is only valid inside the transaction.
		buf := make([]byte, len(data))
		copy(buf, data)
		return json.Unmarshal(buf, &env)
	})
	return env, present, err
}

func (s *BoltStore) invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}
