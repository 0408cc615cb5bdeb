package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const registryTTL = time.Minute

func managerKey(id string) string { return keyPrefix + "manager:" + id }

// ManagerStatus is the heartbeat a running manager publishes about itself.
type ManagerStatus struct {
	ID        string    `json:"id" yaml:"id"`
	Hostname  string    `json:"hostname" yaml:"hostname"`
	Channels  []string  `json:"channels" yaml:"channels"`
	Limit     int       `json:"limit" yaml:"limit"`
	Running   int       `json:"running" yaml:"running"`
	Pending   int       `json:"pending" yaml:"pending"`
	TaskIDs   []int64   `json:"task_ids" yaml:"task_ids"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	SeenAt    time.Time `json:"seen_at" yaml:"seen_at"`
}

// ManagerRegistry records which managers are alive and how loaded they are.
// Entries expire on their own when a manager stops heartbeating.
type ManagerRegistry interface {
	Heartbeat(ctx context.Context, status ManagerStatus) error
	Get(ctx context.Context, id string) (*ManagerStatus, error)
	List(ctx context.Context) ([]ManagerStatus, error)
	Remove(ctx context.Context, id string) error
}

// ErrManagerNotFound is returned by Get for unknown or expired managers.
var ErrManagerNotFound = errors.New("manager not registered")

type managerRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewManagerRegistry creates a Redis-backed ManagerRegistry.
func NewManagerRegistry(client *redis.Client) ManagerRegistry {
	return &managerRegistry{client: client, ttl: registryTTL}
}

func (r *managerRegistry) Heartbeat(ctx context.Context, status ManagerStatus) error {
	if status.SeenAt.IsZero() {
		status.SeenAt = time.Now().UTC()
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal manager status: %w", err)
	}
	if err := r.client.Set(ctx, managerKey(status.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis heartbeat for %s: %w", status.ID, err)
	}
	return nil
}

func (r *managerRegistry) Get(ctx context.Context, id string) (*ManagerStatus, error) {
	data, err := r.client.Get(ctx, managerKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrManagerNotFound
		}
		return nil, fmt.Errorf("redis get manager %s: %w", id, err)
	}
	var st ManagerStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal manager status: %w", err)
	}
	return &st, nil
}

func (r *managerRegistry) List(ctx context.Context) ([]ManagerStatus, error) {
	var out []ManagerStatus
	iter := r.client.Scan(ctx, 0, managerKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %s: %w", iter.Val(), err)
		}
		var st ManagerStatus
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("unmarshal manager status: %w", err)
		}
		out = append(out, st)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan managers: %w", err)
	}
	return out, nil
}

func (r *managerRegistry) Remove(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, managerKey(id)).Err(); err != nil {
		return fmt.Errorf("redis remove manager %s: %w", id, err)
	}
	return nil
}
