package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"actcredits/internal/model"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("balance not found in cache")

// releaseLeaseScript deletes the lease only if the caller still owns it.
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// fillBalanceScript writes the balances unless the key already holds a newer
// account version, either from a later fill or from an invalidation marker.
var fillBalanceScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "version")
if cur and tonumber(cur) > tonumber(ARGV[3]) then
	return 0
end
redis.call("HSET", KEYS[1], "subscription", ARGV[1], "recharge", ARGV[2], "version", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1`)

// invalidateBalanceScript replaces the cached balances with a marker holding
// only the committed version. Reads treat the marker as a miss.
var invalidateBalanceScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "version")
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "version", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1`)

// RedisCache keeps a read-through copy of account balances and hands out
// short leases used to keep scheduled jobs from overlapping across replicas.
// The database stays authoritative: entries are invalidated after every
// mutation and expire on their own after ttl. Each entry carries the account
// row version so a slow fill never replaces newer state.
type RedisCache struct {
	redisClient *redis.Client
	ttl         time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{redisClient: rdb, ttl: ttl}
}

func balanceKey(accountID string) string {
	return fmt.Sprintf("balance:%s", accountID)
}

func leaseKey(name string) string {
	return fmt.Sprintf("lease:%s", name)
}

func (c *RedisCache) GetBalances(ctx context.Context, accountID string) (model.Balances, error) {
	vals, err := c.redisClient.HGetAll(ctx, balanceKey(accountID)).Result()
	if err != nil {
		return model.Balances{}, fmt.Errorf("read cached balance: %w", err)
	}
	if _, ok := vals["subscription"]; !ok {
		return model.Balances{}, ErrCacheMiss
	}
	var b model.Balances
	for field, dst := range map[string]*int64{"subscription": &b.Subscription, "recharge": &b.Recharge} {
		n, err := strconv.ParseInt(vals[field], 10, 64)
		if err != nil {
			return model.Balances{}, ErrCacheMiss
		}
		*dst = n
	}
	b.Total = b.Subscription + b.Recharge
	return b, nil
}

// SetBalances caches b as the state at version. It is a no-op when the
// cache already knows a newer version.
func (c *RedisCache) SetBalances(ctx context.Context, accountID string, b model.Balances, version int64) error {
	err := fillBalanceScript.Run(ctx, c.redisClient, []string{balanceKey(accountID)},
		b.Subscription, b.Recharge, version, c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("cache balance: %w", err)
	}
	return nil
}

// Invalidate drops the cached balances after a commit that produced version.
func (c *RedisCache) Invalidate(ctx context.Context, accountID string, version int64) error {
	err := invalidateBalanceScript.Run(ctx, c.redisClient, []string{balanceKey(accountID)},
		version, c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("invalidate balance: %w", err)
	}
	return nil
}

// AcquireLease tries to take the named lease for ttl. The returned token
// must be passed to ReleaseLease.
func (c *RedisCache) AcquireLease(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.redisClient.SetNX(ctx, leaseKey(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (c *RedisCache) ReleaseLease(ctx context.Context, name, token string) error {
	if err := releaseLeaseScript.Run(ctx, c.redisClient, []string{leaseKey(name)}, token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// NopCache is used when Redis is not configured: every read misses and
// every lease is granted.
type NopCache struct{}

func (NopCache) GetBalances(context.Context, string) (model.Balances, error) {
	return model.Balances{}, ErrCacheMiss
}
func (NopCache) SetBalances(context.Context, string, model.Balances, int64) error { return nil }
func (NopCache) Invalidate(context.Context, string, int64) error                  { return nil }
func (NopCache) AcquireLease(context.Context, string, time.Duration) (string, bool, error) {
	return "nop", true, nil
}
func (NopCache) ReleaseLease(context.Context, string, string) error { return nil }
