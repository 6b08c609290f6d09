package presence

import (
	"time"

	"github.com/matst80/rfbrelay/internal/obs"
)

// New returns an in-memory store when addr is empty, a Redis store otherwise.
func New(addr, password string, db int, ttl time.Duration) (Store, error) {
	if addr == "" {
		obs.Info("presence.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryStore(), nil
	}
	obs.Info("presence.backend", obs.Fields{"type": "redis", "addr": addr})
	return NewRedisStore(RedisOptions{Addr: addr, Password: password, DB: db, TTL: ttl})
}
