// Package lock holds the claim primitives used by the reminder sweep and the
// per-object mutex used by the reminder engine.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Claimer grants one sweeper the right to fire a reminder row. Release hands
// a row back before its claim expires.
type Claimer interface {
	Claim(ctx context.Context, reminderID int64, ttl time.Duration) (bool, error)
	Release(ctx context.Context, reminderID int64) error
}

// ReminderClaimStore is the conditional-update claim implemented by storage.
type ReminderClaimStore interface {
	ClaimReminder(ctx context.Context, id int64, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseReminder(ctx context.Context, id int64, owner string) error
}

// StoreClaimer claims rows in the shared database. Enough for a single host
// or several hosts on one database file.
type StoreClaimer struct {
	store ReminderClaimStore
	owner string
	now   func() time.Time
}

func NewStoreClaimer(store ReminderClaimStore, owner string) *StoreClaimer {
	return &StoreClaimer{store: store, owner: owner, now: time.Now}
}

func (c *StoreClaimer) Claim(ctx context.Context, reminderID int64, ttl time.Duration) (bool, error) {
	ok, err := c.store.ClaimReminder(ctx, reminderID, c.owner, c.now(), ttl)
	if err != nil {
		return false, fmt.Errorf("claim reminder %d: %w", reminderID, err)
	}
	return ok, nil
}

func (c *StoreClaimer) Release(ctx context.Context, reminderID int64) error {
	if err := c.store.ReleaseReminder(ctx, reminderID, c.owner); err != nil {
		return fmt.Errorf("release reminder %d: %w", reminderID, err)
	}
	return nil
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// RedisClaimer claims rows with SETNX so sweepers on different hosts never
// fire the same reminder.
type RedisClaimer struct {
	rdb   *redis.Client
	owner string
}

func NewRedisClaimer(config *RedisConfig, owner string) (*RedisClaimer, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisClaimer{rdb: rdb, owner: owner}, nil
}

func claimKey(reminderID int64) string {
	return fmt.Sprintf("calsched:reminder:%d", reminderID)
}

func (c *RedisClaimer) Claim(ctx context.Context, reminderID int64, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, claimKey(reminderID), c.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim reminder %d: %w", reminderID, err)
	}
	if ok {
		return true, nil
	}
	// Re-claiming our own row after a crash-free retry.
	holder, err := c.rdb.Get(ctx, claimKey(reminderID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read claim %d: %w", reminderID, err)
	}
	return holder == c.owner, nil
}

// Release drops our claim early; a claim held by someone else is left alone.
func (c *RedisClaimer) Release(ctx context.Context, reminderID int64) error {
	holder, err := c.rdb.Get(ctx, claimKey(reminderID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read claim %d: %w", reminderID, err)
	}
	if holder != c.owner {
		return nil
	}
	if err := c.rdb.Del(ctx, claimKey(reminderID)).Err(); err != nil {
		return fmt.Errorf("release claim %d: %w", reminderID, err)
	}
	return nil
}

func (c *RedisClaimer) Close() error {
	return c.rdb.Close()
}

// Keyed serializes work per key while different keys proceed in parallel.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *Keyed) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
