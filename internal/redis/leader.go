package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Leader is a lease held in a single Redis key. Only the instance whose id is
// stored in the key is leader; the lease lapses after ttl unless renewed.
type Leader struct {
	client *redis.Client
	key    string
	id     string
	ttl    time.Duration
}

// NewLeader creates a lease on name for the instance id.
func NewLeader(client *redis.Client, name, id string, ttl time.Duration) *Leader {
	return &Leader{client: client, key: keyPrefix + "leader:" + name, id: id, ttl: ttl}
}

// Acquire takes the lease if it is free or renews it if this instance
// already holds it. It reports whether this instance is leader.
func (l *Leader) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader SetNX %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.id, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renew %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Release gives the lease up if this instance holds it.
func (l *Leader) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.id).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("leader release %s: %w", l.key, err)
	}
	return nil
}

// ID returns the instance id this lease is held under.
func (l *Leader) ID() string { return l.id }
