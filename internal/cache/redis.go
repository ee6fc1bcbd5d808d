// Package cache holds the Redis-backed wallet balance cache and the cross-process locker.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/inaiurai/settlement/internal/models"
)

// Connect pings addr and returns a client. Callers fall back to running without a cache on error.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 100,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Balances caches wallet projections under a short TTL. It satisfies ledger.BalanceCache.
// Each organization has a generation counter that InvalidateBalance advances; fills
// are written under WATCH on that counter.
type Balances struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewBalances(rdb redis.UniversalClient, ttl time.Duration) *Balances {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Balances{rdb: rdb, ttl: ttl}
}

func BalanceKey(orgID uuid.UUID) string {
	return "wallet:balance:" + orgID.String()
}

func GenerationKey(orgID uuid.UUID) string {
	return "wallet:balance-gen:" + orgID.String()
}

func (b *Balances) GetBalance(ctx context.Context, orgID uuid.UUID) (*models.WalletAccount, int64, bool, error) {
	vals, err := b.rdb.MGet(ctx, BalanceKey(orgID), GenerationKey(orgID)).Result()
	if err != nil {
		return nil, 0, false, err
	}
	var gen int64
	if raw, ok := vals[1].(string); ok {
		if gen, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, 0, false, fmt.Errorf("decode balance generation: %w", err)
		}
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, gen, false, nil
	}
	var w models.WalletAccount
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, 0, false, fmt.Errorf("decode cached balance: %w", err)
	}
	return &w, gen, true, nil
}

// SetBalance is a no-op when the generation moved past gen.
func (b *Balances) SetBalance(ctx context.Context, w *models.WalletAccount, gen int64) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return err
	}
	genKey := GenerationKey(w.OrganizationID)
	err = b.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, BalanceKey(w.OrganizationID), payload, b.ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

func (b *Balances) InvalidateBalance(ctx context.Context, orgID uuid.UUID) error {
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, GenerationKey(orgID))
		p.Del(ctx, BalanceKey(orgID))
		return nil
	})
	return err
}

// Locker obtains redislock locks, retrying until ctx expires.
type Locker struct {
	client *redislock.Client
	retry  time.Duration
}

func NewLocker(rdb redislock.RedisClient) *Locker {
	return &Locker{client: redislock.New(rdb), retry: 100 * time.Millisecond}
}

func (l *Locker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, "lock:"+key, ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: lock %s is held elsewhere", models.ErrTimeout, key)
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}, nil
}
