package modelstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const defaultKeyPrefix = "traffic-model:"

// versionRecord is the value stored in memcached.
type versionRecord struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// memcacheClient is the subset of *memcache.Client the store uses.
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	Set(item *memcache.Item) error
	Ping() error
	Close() error
}

// MemcachedStore implements Store on memcached, shared by all replicas.
type MemcachedStore struct {
	client memcacheClient
	key    string
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). An empty keyPrefix uses
// "traffic-model:". timeout and maxIdleConns use client defaults if zero.
func NewMemcachedStore(addrs, keyPrefix string, timeout time.Duration, maxIdleConns int) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return newMemcachedStore(client, keyPrefix)
}

func newMemcachedStore(client memcacheClient, keyPrefix string) *MemcachedStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &MemcachedStore{client: client, key: keyPrefix + "version"}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Get implements Store.Get. A cache miss is ok=false with a nil error.
func (s *MemcachedStore) Get(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	item, err := s.client.Get(s.key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return "", false, nil
		}
		return "", false, err
	}
	var rec versionRecord
	if err := json.Unmarshal(item.Value, &rec); err != nil {
		return "", false, err
	}
	return rec.Version, rec.Version != "", nil
}

// Set implements Store.Set. The version never expires.
func (s *MemcachedStore) Set(ctx context.Context, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(versionRecord{Version: version, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.client.Set(&memcache.Item{Key: s.key, Value: raw})
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping() error {
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
