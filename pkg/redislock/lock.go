package redislock

import (
	"context"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	lockPrefix       = "business:lock:"
	deviceLockPrefix = "device_lock:"
	acquirePollEvery = 300 * time.Millisecond
)

// ErrLockTimeout is returned when a lock cannot be acquired within the
// caller's budget.
var ErrLockTimeout = errors.New("redislock: get lock timeout")

// releaseScript deletes the key only while it still holds our token, in a
// single round trip. Splitting the GET and DEL would race against expiry.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Client wraps a redis connection with the lock protocol and keeps a local
// registry of held locks so a shutting-down process can release them.
type Client struct {
	rdb     redis.UniversalClient
	prefix  string
	mu      sync.Mutex
	holders map[string]int64 // full key -> token
}

// New builds a lock client on top of an existing redis connection. keyPrefix
// namespaces all lock keys; pass "" for the default.
func New(rdb redis.UniversalClient, keyPrefix string) *Client {
	if keyPrefix == "" {
		keyPrefix = lockPrefix
	}
	return &Client{
		rdb:     rdb,
		prefix:  keyPrefix,
		holders: make(map[string]int64),
	}
}

// newToken composes a fleet-unique lock token from the clock, the process
// identity and randomness.
func newToken() int64 {
	return time.Now().UnixMilli() + int64(os.Getpid()) + rand.Int63n(10000)
}

// Acquire obtains the lock named key, holding it for ttl. It polls until
// timeout elapses, then fails with ErrLockTimeout. The returned token is
// required to release.
func (c *Client) Acquire(ctx context.Context, key string, ttl, timeout time.Duration) (int64, error) {
	fullKey := c.prefix + key
	token := newToken()
	deadline := time.Now().Add(timeout)
	start := time.Now()
	attempts := 0

	for {
		ok, err := c.rdb.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return 0, errors.Wrapf(err, "redislock: acquire %s failed", fullKey)
		}
		attempts++
		if ok {
			c.mu.Lock()
			c.holders[fullKey] = token
			c.mu.Unlock()
			log.Debug().Str("key", fullKey).Int64("token", token).
				Int("attempts", attempts).Dur("elapsed", time.Since(start)).
				Msg("redislock: acquired")
			return token, nil
		}
		if timeout > 0 && !time.Now().Add(acquirePollEvery).Before(deadline) {
			log.Warn().Str("key", fullKey).Int("attempts", attempts).
				Dur("elapsed", time.Since(start)).Msg("redislock: acquire timed out")
			return 0, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return 0, errors.Wrap(ctx.Err(), "redislock: acquire canceled")
		case <-time.After(acquirePollEvery):
		}
	}
}

// Release deletes the lock only if it still holds token. Returns false when
// the key is gone, expired, or owned by another token; calling twice with the
// same token succeeds exactly once.
func (c *Client) Release(ctx context.Context, key string, token int64) (bool, error) {
	fullKey := c.prefix + key
	res, err := releaseScript.Run(ctx, c.rdb, []string{fullKey}, token).Int()
	if err != nil {
		return false, errors.Wrapf(err, "redislock: release %s failed", fullKey)
	}
	if res != 1 {
		log.Warn().Str("key", fullKey).Int64("token", token).
			Msg("redislock: release skipped, token mismatch or expired")
		return false, nil
	}
	c.mu.Lock()
	if held, ok := c.holders[fullKey]; ok && held == token {
		delete(c.holders, fullKey)
	}
	c.mu.Unlock()
	log.Debug().Str("key", fullKey).Int64("token", token).Msg("redislock: released")
	return true, nil
}

// AcquireDevice serializes execution attempts for one device across the
// whole worker fleet. A nil error with a zero token never happens; timeout
// surfaces as ErrLockTimeout.
func (c *Client) AcquireDevice(ctx context.Context, deviceID string, ttl, timeout time.Duration) (int64, error) {
	return c.Acquire(ctx, deviceLockPrefix+deviceID, ttl, timeout)
}

// ReleaseDevice releases a device lock held with token.
func (c *Client) ReleaseDevice(ctx context.Context, deviceID string, token int64) (bool, error) {
	return c.Release(ctx, deviceLockPrefix+deviceID, token)
}

// ReleaseAll best-effort releases every lock this process still holds.
// Called on shutdown so crashed-holder TTLs are the fallback, not the norm.
func (c *Client) ReleaseAll(ctx context.Context) {
	c.mu.Lock()
	held := c.holders
	c.holders = make(map[string]int64)
	c.mu.Unlock()
	if len(held) == 0 {
		return
	}
	log.Warn().Int("count", len(held)).Msg("redislock: releasing held locks on shutdown")
	for key, token := range held {
		if _, err := releaseScript.Run(ctx, c.rdb, []string{key}, token).Int(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("redislock: shutdown release failed")
		}
	}
}
