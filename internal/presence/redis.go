package presence

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/rfbrelay/internal/obs"
)

const keyPrefix = "rfbrelay:waiting:"

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long an entry outlives an instance that stopped
	// refreshing it.
	TTL        time.Duration
	InstanceID string
	// QueueSize bounds pending updates; updates beyond it are dropped.
	QueueSize int
}

type event struct {
	role, key string
	delta     int64
}

// RedisStore mirrors the local waiting index into Redis hashes named
// rfbrelay:waiting:<role>:<key>, one field per instance. Updates are
// applied by a single background writer so callers never wait on Redis.
type RedisStore struct {
	client     *redis.Client
	local      *MemoryStore
	instanceID string
	ttl        time.Duration

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.InstanceID == "" {
		opts.InstanceID = fmt.Sprintf("rfbrelay-%d", time.Now().UnixNano())
	}
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	s := &RedisStore{
		client:     rdb,
		local:      NewMemoryStore(),
		instanceID: opts.InstanceID,
		ttl:        opts.TTL,
		events:     make(chan event, opts.QueueSize),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// InstanceID is the hash field this instance writes.
func (s *RedisStore) InstanceID() string { return s.instanceID }

func (s *RedisStore) Announce(role, key string) {
	s.local.Announce(role, key)
	s.enqueue(event{role: role, key: key, delta: 1})
}

func (s *RedisStore) Withdraw(role, key string) {
	s.local.Withdraw(role, key)
	s.enqueue(event{role: role, key: key, delta: -1})
}

func (s *RedisStore) Snapshot() map[string]map[string]int { return s.local.Snapshot() }

func (s *RedisStore) Lookup(ctx context.Context, role, key string) (map[string]int64, error) {
	vals, err := s.client.HGetAll(ctx, redisKey(role, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lookup failed: %w", err)
	}
	out := make(map[string]int64, len(vals))
	for inst, v := range vals {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			out[inst] = n
		}
	}
	return out, nil
}

// Close stops the writer, removes this instance's fields and closes the client.
func (s *RedisStore) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pipe := s.client.Pipeline()
	for role, keys := range s.local.Snapshot() {
		for key := range keys {
			pipe.HDel(ctx, redisKey(role, key), s.instanceID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("presence.redis.cleanup", obs.Fields{"err": err.Error()})
	}
	return s.client.Close()
}

func (s *RedisStore) enqueue(ev event) {
	select {
	case s.events <- ev:
	default:
		obs.Error("presence.redis.dropped", obs.Fields{"role": ev.role, "key": ev.key, "delta": ev.delta})
	}
}

func (s *RedisStore) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.apply(ev)
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

func (s *RedisStore) apply(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	k := redisKey(ev.role, ev.key)
	if ev.delta > 0 {
		pipe := s.client.Pipeline()
		pipe.HIncrBy(ctx, k, s.instanceID, ev.delta)
		pipe.Expire(ctx, k, s.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			obs.Error("presence.redis.announce", obs.Fields{"err": err.Error(), "key": ev.key, "role": ev.role})
		}
		return
	}
	n, err := s.client.HIncrBy(ctx, k, s.instanceID, ev.delta).Result()
	if err != nil {
		obs.Error("presence.redis.withdraw", obs.Fields{"err": err.Error(), "key": ev.key, "role": ev.role})
		return
	}
	if n <= 0 {
		if err := s.client.HDel(ctx, k, s.instanceID).Err(); err != nil {
			obs.Error("presence.redis.withdraw", obs.Fields{"err": err.Error(), "key": ev.key, "role": ev.role})
		}
	}
}

// heartbeat extends the TTL of every key this instance still has waiters on.
func (s *RedisStore) heartbeat() {
	snap := s.local.Snapshot()
	if len(snap) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := s.client.Pipeline()
	for role, keys := range snap {
		for key := range keys {
			pipe.Expire(ctx, redisKey(role, key), s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("presence.redis.heartbeat", obs.Fields{"err": err.Error()})
	}
}

func redisKey(role, key string) string { return keyPrefix + role + ":" + key }
