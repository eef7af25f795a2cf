package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/onexay/revcache/internal/types"
)

const (
	boltRevisionBucket  = "revisions"
	boltChangesetBucket = "changesets"
)

// boltStore keeps revision documents inside a BoltDB file.
type boltStore struct {
	db    *bolt.DB
	opts  Options
	clock func() time.Time
	once  sync.Once
}

// NewBoltStore opens (or creates) a BoltDB cache at the provided path.
func NewBoltStore(path string, opts Options) (Store, error) {
	if path == "" {
		return nil, errors.New("bolt path is required")
	}

	cleaned := filepath.Clean(path)
	if dir := filepath.Dir(cleaned); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := bolt.Open(cleaned, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{boltRevisionBucket, boltChangesetBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &boltStore{db: db, opts: opts, clock: time.Now}, nil
}

func (s *boltStore) Put(ctx context.Context, id string, rev types.Revision) error {
	if err := validatePut(id); err != nil {
		return err
	}

	payload, err := json.Marshal(s.opts.envelope(rev, s.clock()))
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		docs := tx.Bucket([]byte(boltRevisionBucket))
		index := tx.Bucket([]byte(boltChangesetBucket))
		if docs == nil || index == nil {
			return errors.New("bolt buckets missing")
		}
		if err := docs.Put([]byte(id), payload); err != nil {
			return err
		}
		return index.Put([]byte(indexEntry(id, rev)), []byte(id))
	})
	if err != nil {
		return &BackendError{Op: "put", Err: err}
	}
	return nil
}

func (s *boltStore) Search(ctx context.Context, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	now := s.clock()
	limit := q.size()
	result := []Document{}
	err := s.db.View(func(tx *bolt.Tx) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		docs := tx.Bucket([]byte(boltRevisionBucket))
		index := tx.Bucket([]byte(boltChangesetBucket))
		if docs == nil || index == nil {
			return errors.New("bolt buckets missing")
		}

		collect := func(id, raw []byte) {
			if raw == nil || len(result) >= limit {
				return
			}
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return
			}
			if env.expired(now) || !q.matches(env.Revision) {
				return
			}
			result = append(result, Document{ID: string(id), Revision: env.Revision})
		}

		prefix := []byte(q.indexPrefix())
		if len(prefix) == 0 {
			return docs.ForEach(func(k, v []byte) error {
				collect(k, v)
				return nil
			})
		}

		c := index.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			collect(v, docs.Get(v))
		}
		return nil
	})
	if err != nil {
		return nil, &BackendError{Op: "search", Err: err}
	}
	return result, nil
}

// Close shuts down the Bolt DB.
func (s *boltStore) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}
