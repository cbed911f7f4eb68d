package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupEntry records where a piece of content was first uploaded.
type DedupEntry struct {
	Digest string `json:"digest"`
	Key    string `json:"key"`
	URL    string `json:"url"`
}

// DedupStore maps content digests to stored locations. Implementations must
// be shared by every worker so that dedup holds cluster-wide.
type DedupStore interface {
	Get(ctx context.Context, digest string) (DedupEntry, bool, error)
	PutIfAbsent(ctx context.Context, digest string, entry DedupEntry) (bool, error)
}

// DedupCache is a DedupStore on Redis. Entries are written with SET NX so
// concurrent uploads of the same content agree on a single winner.
type DedupCache struct {
	redis     redis.UniversalClient
	namespace string
	ttl       time.Duration
}

// NewDedupCache scopes keys by namespace (the Redis key prefix plus the
// storage path prefix). A zero ttl keeps entries until Redis evicts them.
func NewDedupCache(client redis.UniversalClient, namespace string, ttl time.Duration) *DedupCache {
	return &DedupCache{redis: client, namespace: namespace, ttl: ttl}
}

func (c *DedupCache) key(digest string) string {
	return c.namespace + digest
}

func (c *DedupCache) Get(ctx context.Context, digest string) (DedupEntry, bool, error) {
	raw, err := c.redis.Get(ctx, c.key(digest)).Bytes()
	if errors.Is(err, redis.Nil) {
		return DedupEntry{}, false, nil
	}
	if err != nil {
		return DedupEntry{}, false, fmt.Errorf("dedup lookup failed: %w", err)
	}

	var entry DedupEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is as good as no entry.
		return DedupEntry{}, false, nil
	}
	return entry, true, nil
}

func (c *DedupCache) PutIfAbsent(ctx context.Context, digest string, entry DedupEntry) (bool, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	inserted, err := c.redis.SetNX(ctx, c.key(digest), payload, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup insert failed: %w", err)
	}
	return inserted, nil
}
