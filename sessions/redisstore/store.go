// Package redisstore is a sessions.Store backed by Redis so that several
// server instances can share sessions.
//
// Each session's values live in a hash keyed "<prefix>session:<id>" (one
// JSON-encoded field per key). A sorted set "<prefix>expiry" maps session
// ids to their expiry deadline in unix milliseconds; it is the source of
// truth for existence and drives GC. Hashes also carry a Redis TTL slightly
// longer than the session TTL so abandoned data is reclaimed even if GC
// never runs.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-runtime-go/sessions"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

var _ sessions.Store = (*Store)(nil)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
	// TTL is the sliding session lifetime. ENV: SESSIONS_TTL
	TTL time.Duration `env:"SESSIONS_TTL,default=30m"`
}

// Store implements sessions.Store on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
	ownClient bool
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source used for expiry bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTTL overrides the configured TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithKeyPrefix overrides the configured key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New dials Redis per cfg and verifies connectivity.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := NewWithClient(cl, append([]Option{WithKeyPrefix(cfg.KeyPrefix), WithTTL(cfg.TTL)}, opts...)...)
	s.ownClient = true
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context, opts ...Option) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis store config: %w", err)
	}
	return New(ctx, cfg, opts...)
}

// NewWithClient wraps an existing client. Close does not close it.
func NewWithClient(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "mcp:sessions:",
		ttl:       sessions.DefaultTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.keyPrefix == "" {
		s.keyPrefix = "mcp:sessions:"
	}
	return s
}

// Close releases the Redis client if the store created it.
func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

func (s *Store) sessionKey(id string) string { return s.keyPrefix + "session:" + id }
func (s *Store) expiryKey() string           { return s.keyPrefix + "expiry" }

// hashGrace keeps the value hash around a little longer than the index entry
// so a commit racing an expiry never resurrects a half-deleted session.
const hashGrace = time.Minute

func (s *Store) Create(ctx context.Context) (sessions.Session, error) {
	id := uuid.NewString()
	deadline := s.now().Add(s.ttl).UnixMilli()
	if err := s.client.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(deadline), Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("redis create session: %w", err)
	}
	return sessions.NewHandle(id, nil, s.commit), nil
}

func (s *Store) CreateWithID(ctx context.Context, id string) (sessions.Session, error) {
	ok, err := s.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	fields, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load session: %w", err)
	}
	values := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		values[k] = json.RawMessage(v)
	}
	return sessions.NewHandle(id, values, s.commit), nil
}

func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	score, err := s.client.ZScore(ctx, s.expiryKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return int64(score) > s.now().UnixMilli(), nil
}

func (s *Store) GC(ctx context.Context) ([]string, error) {
	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	expired, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis gc scan: %w", err)
	}

	var reaped []string
	for _, id := range expired {
		// Only the instance whose ZREM wins reports the id, so concurrent GC
		// runs never reap the same session twice.
		n, err := s.client.ZRem(ctx, s.expiryKey(), id).Result()
		if err != nil {
			return reaped, fmt.Errorf("redis gc remove: %w", err)
		}
		if n == 0 {
			continue
		}
		if err := s.client.Del(ctx, s.sessionKey(id)).Err(); err != nil {
			return reaped, fmt.Errorf("redis gc delete: %w", err)
		}
		reaped = append(reaped, id)
	}
	return reaped, nil
}

func (s *Store) Destroy(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.expiryKey(), id)
		p.Del(ctx, s.sessionKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis destroy: %w", err)
	}
	return nil
}

// commitScript applies a change set only if the session is still live.
// KEYS[1] = expiry index, KEYS[2] = value hash
// ARGV[1] = id, ARGV[2] = now ms, ARGV[3] = new deadline ms, ARGV[4] = hash ttl ms,
// ARGV[5] = number of deleted fields, then deleted fields, then field/value pairs.
var commitScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[2]) then
  return 0
end
local ndel = tonumber(ARGV[5])
local i = 6
for _ = 1, ndel do
  redis.call('HDEL', KEYS[2], ARGV[i])
  i = i + 1
end
while i < #ARGV do
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
  i = i + 2
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
if redis.call('EXISTS', KEYS[2]) == 1 then
  redis.call('PEXPIRE', KEYS[2], ARGV[4])
end
return 1
`)

func (s *Store) commit(ctx context.Context, id string, set map[string]json.RawMessage, del []string) error {
	now := s.now()
	args := make([]any, 0, 5+len(del)+2*len(set))
	args = append(args,
		id,
		now.UnixMilli(),
		now.Add(s.ttl).UnixMilli(),
		(s.ttl + hashGrace).Milliseconds(),
		len(del),
	)
	for _, k := range del {
		args = append(args, k)
	}
	for k, v := range set {
		args = append(args, k, string(v))
	}

	n, err := commitScript.Run(ctx, s.client, []string{s.expiryKey(), s.sessionKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	if n == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}
