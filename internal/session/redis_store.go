package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
)

// KeyPrefix namespaces session keys in a shared Redis.
const KeyPrefix = "json_editor_session:"

// extendScript adds ARGV[1] milliseconds to a key's remaining lifetime in one
// round trip. Keys without an expiry are left alone.
var extendScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  return 0
end
redis.call('PEXPIRE', KEYS[1], ttl + tonumber(ARGV[1]))
return 1
`)

// RedisOptions configures a RedisStore. URL, when set, supplies the address
// and credentials; the remaining fields override what the URL carries.
// PingTimeout bounds the startup ping and falls back to DialTimeout, then 5s.
type RedisOptions struct {
	URL         string
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	ReadTimeout time.Duration
	PoolSize    int
	PingTimeout time.Duration
}

// RedisStore implements Backend using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store from a redis:// URL with
// default timeouts.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	return NewRedisStoreFromOptions(RedisOptions{URL: redisURL})
}

// NewRedisStoreFromOptions creates a store and pings it once.
func NewRedisStoreFromOptions(o RedisOptions) (*RedisStore, error) {
	opts := &redis.Options{Addr: o.Addr, Password: o.Password, DB: o.DB}
	if o.URL != "" {
		parsed, err := redis.ParseURL(o.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}
	if o.DialTimeout > 0 {
		opts.DialTimeout = o.DialTimeout
	}
	if o.ReadTimeout > 0 {
		opts.ReadTimeout = o.ReadTimeout
	}
	if o.PoolSize > 0 {
		opts.PoolSize = o.PoolSize
	}
	return connect(redis.NewClient(opts), pingTimeout(o))
}

func pingTimeout(o RedisOptions) time.Duration {
	switch {
	case o.PingTimeout > 0:
		return o.PingTimeout
	case o.DialTimeout > 0:
		return o.DialTimeout
	}
	return 5 * time.Second
}

func connect(client *redis.Client, pingTimeout time.Duration) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", errors.Join(ErrUnavailable, err))
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: KeyPrefix,
	}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Name() string { return "redis" }

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
}

// Store writes the session with an expiry
func (s *RedisStore) Store(ctx context.Context, id string, sess model.Session, ttl time.Duration) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(id), payload, ttl).Err(); err != nil {
		return unavailable("store session", err)
	}
	return nil
}

// Get loads a session; numbers in the document keep their original literals
func (s *RedisStore) Get(ctx context.Context, id string) (model.Session, error) {
	payload, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, unavailable("get session", err)
	}
	sess, err := decodeSession(payload)
	if err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

func decodeSession(payload []byte) (model.Session, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var sess model.Session
	if err := dec.Decode(&sess); err != nil {
		return model.Session{}, fmt.Errorf("decode session: %w", errors.Join(ErrCorrupted, err))
	}
	return sess, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return false, unavailable("delete session", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		return false, unavailable("check session", err)
	}
	return n > 0, nil
}

// TTL reports the remaining lifetime. Keys that are missing or carry no
// expiry are reported as not found.
func (s *RedisStore) TTL(ctx context.Context, id string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, s.key(id)).Result()
	if err != nil {
		return 0, unavailable("session ttl", err)
	}
	if ttl < 0 {
		return 0, ErrNotFound
	}
	return ttl, nil
}

func (s *RedisStore) ExtendTTL(ctx context.Context, id string, extra time.Duration) (bool, error) {
	ok, err := extendScript.Run(ctx, s.client, []string{s.key(id)}, extra.Milliseconds()).Int()
	if err != nil {
		return false, unavailable("extend session ttl", err)
	}
	return ok == 1, nil
}

// ListIDs scans for session keys instead of blocking the server with KEYS
func (s *RedisStore) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("list sessions", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// CleanupExpired removes session keys Redis would never expire on its own:
// keys that lost their TTL and payloads that no longer decode.
func (s *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	ids, err := s.ListIDs(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		key := s.key(id)
		ttl, err := s.client.PTTL(ctx, key).Result()
		if err != nil {
			return removed, unavailable("cleanup sessions", err)
		}
		stale := ttl == -1
		if !stale {
			payload, err := s.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return removed, unavailable("cleanup sessions", err)
			}
			if _, derr := decodeSession(payload); derr != nil {
				stale = true
			}
		}
		if !stale {
			continue
		}
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return removed, unavailable("cleanup sessions", err)
		}
		removed += int(n)
	}
	return removed, nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) BackendHealth {
	h := BackendHealth{Name: s.Name(), Kind: "redis", Status: StatusHealthy}
	if err := s.Ping(ctx); err != nil {
		h.Status = StatusUnhealthy
		h.Error = err.Error()
		return h
	}
	ids, err := s.ListIDs(ctx)
	if err != nil {
		h.Status = StatusDegraded
		h.Error = err.Error()
		return h
	}
	h.ActiveSessions = len(ids)
	return h
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
