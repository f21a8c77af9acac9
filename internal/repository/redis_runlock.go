package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"StockMaster/internal/domain/models"
	drepo "StockMaster/internal/domain/repository"

	"github.com/redis/go-redis/v9"
)

// RedisRunLocker guards each market against overlapping runs with a
// SET NX + TTL marker. The TTL covers the crash case; Release only deletes
// the marker when it still belongs to the releasing run.
type RedisRunLocker struct {
	rdb *redis.Client
}

func NewRedisRunLocker(rdb *redis.Client) *RedisRunLocker {
	return &RedisRunLocker{rdb: rdb}
}

func lockKey(market models.Market) string {
	return "stockmaster:runlock:" + string(market)
}

func (l *RedisRunLocker) Acquire(ctx context.Context, market models.Market, runID string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, lockKey(market), runID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire run lock %s: %w", market, err)
	}
	return ok, nil
}

// Release deletes the marker only if this run still owns it, so a run that
// outlived its TTL cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *RedisRunLocker) Release(ctx context.Context, market models.Market, runID string) error {
	err := releaseScript.Run(ctx, l.rdb, []string{lockKey(market)}, runID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release run lock %s: %w", market, err)
	}
	return nil
}

// NopRunLocker always grants the lock, for single-instance deployments that
// run without Redis.
type NopRunLocker struct{}

func (NopRunLocker) Acquire(context.Context, models.Market, string, time.Duration) (bool, error) {
	return true, nil
}

func (NopRunLocker) Release(context.Context, models.Market, string) error { return nil }

var (
	_ drepo.RunLocker = (*RedisRunLocker)(nil)
	_ drepo.RunLocker = NopRunLocker{}
)
