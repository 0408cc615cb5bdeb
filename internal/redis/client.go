package redis

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key and pub/sub channel this module touches.
const keyPrefix = "taskqueue:"

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}
