package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/imageflow/internal/domain"
)

const defaultSnapshotTTL = 24 * time.Hour

func stateKey(taskID string) string    { return "job:state:" + taskID }
func snapshotKey(taskID string) string { return "job:snapshot:" + taskID }

// StateStore keeps the latest snapshot of every job in Redis, so jobs stay
// queryable after they fall out of the in-memory history.
type StateStore interface {
	SetSnapshot(ctx context.Context, snap domain.Snapshot) error
	GetSnapshot(ctx context.Context, taskID string) (*domain.Snapshot, error)
	GetStatus(ctx context.Context, taskID string) (domain.Status, error)
}

type stateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStateStore creates a Redis-backed StateStore. A zero ttl uses 24h.
func NewStateStore(client *redis.Client, ttl time.Duration) StateStore {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &stateStore{client: client, ttl: ttl}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

// SetSnapshot writes the snapshot and its bare status in one transaction.
func (s *stateStore) SetSnapshot(ctx context.Context, snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, stateKey(snap.ID), string(snap.Status), s.ttl)
	pipe.Set(ctx, snapshotKey(snap.ID), data, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set snapshot for %s: %w", snap.ID, err)
	}
	return nil
}

func (s *stateStore) GetSnapshot(ctx context.Context, taskID string) (*domain.Snapshot, error) {
	data, err := s.client.Get(ctx, snapshotKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get snapshot for %s: %w", taskID, err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *stateStore) GetStatus(ctx context.Context, taskID string) (domain.Status, error) {
	val, err := s.client.Get(ctx, stateKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.TaskNotFoundError{TaskID: taskID}
		}
		return "", fmt.Errorf("redis get status for %s: %w", taskID, err)
	}
	return domain.Status(val), nil
}
