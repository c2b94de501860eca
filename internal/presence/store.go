// Package presence records the relay's open connections in Redis so that
// other tools can see who is connected to which relay instance.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all presence hashes.
	KeyPrefix = "presence:"

	// DefaultTTL bounds how long an entry survives a relay that died without
	// removing it.
	DefaultTTL = 10 * time.Minute
)

// Entry is a connection's presence record.
type Entry struct {
	ID          string `redis:"id"`
	Server      string `redis:"server"`       // relay instance name
	RemoteAddr  string `redis:"remote_addr"`  // client address
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store manages presence entries in Redis.
type Store struct {
	client     *redis.Client
	serverName string
	ttl        time.Duration
}

// Dial connects to Redis at addr and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore creates a Store writing entries tagged with serverName. A
// non-positive ttl selects DefaultTTL.
func NewStore(client *redis.Client, serverName string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, serverName: serverName, ttl: ttl}
}

// Add records an open connection.
func (s *Store) Add(ctx context.Context, id, remoteAddr string) error {
	key := KeyPrefix + id
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":           id,
		"server":       s.serverName,
		"remote_addr":  remoteAddr,
		"connected_at": now,
		"last_active":  now,
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: add %s: %w", id, err)
	}
	return nil
}

// Refresh marks the connection active and extends its TTL.
func (s *Store) Refresh(ctx context.Context, id string) error {
	key := KeyPrefix + id
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: refresh %s: %w", id, err)
	}
	return nil
}

// Get returns the entry for id, or nil if there is none.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	if err := s.client.HGetAll(ctx, KeyPrefix+id).Scan(&e); err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", id, err)
	}
	if e.ID == "" {
		return nil, nil
	}
	return &e, nil
}

// Remove deletes the entry for id.
func (s *Store) Remove(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, KeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("presence: remove %s: %w", id, err)
	}
	return nil
}

// RemoveServer deletes every entry written by this relay instance. It is
// used at startup and shutdown to drop entries of connections that no
// longer exist.
func (s *Store) RemoveServer(ctx context.Context) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		server, err := s.client.HGet(ctx, key, "server").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("presence: scan %s: %w", key, err)
		}
		if server != s.serverName {
			continue
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return removed, fmt.Errorf("presence: remove %s: %w", key, err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("presence: scan: %w", err)
	}
	return removed, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
