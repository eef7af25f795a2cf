package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/onexay/revcache/internal/types"
)

const (
	revisionKeyPrefix = "revision"
	changesetIndexKey = "revisions:changeset"
)

type keydbStore struct {
	client *redis.Client
	opts   Options
}

// Config defines KeyDB connection settings.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
}

// NewKeyDBStore initializes a Store backed by KeyDB.
func NewKeyDBStore(cfg Config, opts Options) (Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	redisOpts := &redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	}

	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to keydb: %w", err)
	}

	return &keydbStore{client: client, opts: opts}, nil
}

func (s *keydbStore) Put(ctx context.Context, id string, rev types.Revision) error {
	if err := validatePut(id); err != nil {
		return err
	}

	payload, err := json.Marshal(rev)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, revisionKey(id), payload, s.opts.TTL)
	pipe.ZAdd(ctx, changesetIndexKey, redis.Z{Score: 0, Member: indexEntry(id, rev)})
	if _, err := pipe.Exec(ctx); err != nil {
		return &BackendError{Op: "put", Err: err}
	}
	return nil
}

func (s *keydbStore) Search(ctx context.Context, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	var (
		entries []string
		err     error
	)
	if prefix := q.indexPrefix(); prefix != "" {
		entries, err = s.client.ZRangeByLex(ctx, changesetIndexKey, &redis.ZRangeBy{
			Min: "[" + prefix,
			Max: "[" + prefix + "\xff",
		}).Result()
	} else {
		entries, err = s.client.ZRange(ctx, changesetIndexKey, 0, -1).Result()
	}
	if err != nil {
		return nil, &BackendError{Op: "search", Err: err}
	}
	if len(entries) == 0 {
		return []Document{}, nil
	}

	keys := make([]string, len(entries))
	for i, entry := range entries {
		keys[i] = revisionKey(docIDFromEntry(entry))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, &BackendError{Op: "search", Err: err}
	}

	limit := q.size()
	result := make([]Document, 0, min(len(entries), limit))
	var expired []any
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// document expired; its index entry is stale
			expired = append(expired, entries[i])
			continue
		}
		var rev types.Revision
		if err := json.Unmarshal([]byte(raw), &rev); err != nil {
			continue
		}
		if !q.matches(rev) || len(result) >= limit {
			continue
		}
		result = append(result, Document{ID: docIDFromEntry(entries[i]), Revision: rev})
	}
	if len(expired) > 0 {
		_ = s.client.ZRem(ctx, changesetIndexKey, expired...).Err()
	}
	return result, nil
}

func (s *keydbStore) Close() error {
	return s.client.Close()
}

func revisionKey(id string) string {
	return fmt.Sprintf("%s:%s", revisionKeyPrefix, id)
}
