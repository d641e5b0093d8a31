// Package cachecoord caches list-query responses and invalidates them
// precisely via a reverse index from entity identity to affected cache
// keys, rather than relying on TTL alone.
package cachecoord

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fuzoj/internal/common/cache"
	pkgerrors "fuzoj/pkg/errors"
)

const (
	defaultTTL = 120 * time.Second
)

// EntityRef names one entity a cached response depends on, e.g.
// {Kind: "user", Field: "id", Value: "42"}.
type EntityRef struct {
	Kind  string
	Field string
	Value string
}

// Coordinator implements the list-query cache and its reverse index.
type Coordinator struct {
	cache  cache.Cache
	prefix string
	ttl    time.Duration
}

// New creates a Coordinator under the given key prefix.
func New(cacheClient cache.Cache, prefix string, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Coordinator{cache: cacheClient, prefix: prefix, ttl: ttl}
}

// QueryKey hashes the query kind, filter tuple, pagination, and viewer
// identity into a single cache key.
func (c *Coordinator) QueryKey(queryKind string, filters map[string]string, page, pageSize int, viewer string) string {
	payload, _ := json.Marshal(struct {
		Kind     string
		Filters  map[string]string
		Page     int
		PageSize int
		Viewer   string
	}{queryKind, filters, page, pageSize, viewer})
	return fmt.Sprintf("%s:%s", c.prefix, hash(payload))
}

// Get returns the cached body for key, or ("", false) on a miss.
func (c *Coordinator) Get(ctx context.Context, key string) (string, bool, error) {
	if c.cache == nil {
		return "", false, nil
	}
	val, err := c.cache.Get(ctx, key)
	if err != nil {
		return "", false, nil
	}
	if val == "" || val == cache.NullCacheValue {
		return "", false, nil
	}
	return val, true, nil
}

// Put stores body under key and registers a reverse-index entry for each
// entity the response depends on, so a later write to any of them can
// invalidate this entry precisely.
func (c *Coordinator) Put(ctx context.Context, key, body string, deps []EntityRef) error {
	if c.cache == nil {
		return pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("cache coordinator store is unavailable")
	}
	if err := c.cache.Set(ctx, key, body, c.ttl); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.CacheSetFailed, "cache list response failed")
	}
	for _, dep := range deps {
		reverseKey := fmt.Sprintf("%s:%s:%s", c.prefix, entityHash(dep), uuid.NewString())
		if err := c.cache.Set(ctx, reverseKey, key, c.ttl); err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.CacheSetFailed, "cache reverse index failed")
		}
		if err := c.trackDependency(ctx, dep, reverseKey); err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.CacheSetFailed, "cache reverse index tracking failed")
		}
	}
	return nil
}

// Invalidate deletes every cache key whose response depended on the given
// entity, along with the reverse-index entries that pointed to them.
func (c *Coordinator) Invalidate(ctx context.Context, ref EntityRef) error {
	if c.cache == nil {
		return nil
	}
	// The Cache interface has no native key-scan primitive, so the reverse
	// index entries for ref are tracked in a set keyed by entity hash.
	setKey := fmt.Sprintf("%s:idx:%s", c.prefix, entityHash(ref))
	members, err := c.cache.SMembers(ctx, setKey)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.CacheError, "read reverse index failed")
	}
	for _, reverseKey := range members {
		cacheKey, err := c.cache.Get(ctx, reverseKey)
		if err == nil && cacheKey != "" {
			_ = c.cache.Del(ctx, cacheKey)
		}
		_ = c.cache.Del(ctx, reverseKey)
	}
	_ = c.cache.Del(ctx, setKey)
	return nil
}

// trackDependency records that reverseKey (a reverse-index entry) belongs
// to ref's invalidation set, so Invalidate can find it without a SCAN.
func (c *Coordinator) trackDependency(ctx context.Context, ref EntityRef, reverseKey string) error {
	setKey := fmt.Sprintf("%s:idx:%s", c.prefix, entityHash(ref))
	if err := c.cache.SAdd(ctx, setKey, reverseKey); err != nil {
		return err
	}
	return c.cache.Expire(ctx, setKey, c.ttl)
}

func entityHash(ref EntityRef) string {
	return hash([]byte(fmt.Sprintf("%s:%s:%s", ref.Kind, ref.Field, ref.Value)))
}

func hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:24]
}
