package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const varPoolTTL = 24 * time.Hour

func varPoolKey(processInstanceID int) string {
	return "process:varpool:" + strconv.Itoa(processInstanceID)
}

// VarPoolStore holds task output variables at process scope, one hash
// field per task instance.
type VarPoolStore interface {
	Propagate(ctx context.Context, processInstanceID, taskInstanceID int, varPool string) error
	Get(ctx context.Context, processInstanceID int) (map[int]string, error)
}

type varPoolStore struct {
	client redis.Cmdable
}

// NewVarPoolStore creates a Redis-backed VarPoolStore.
func NewVarPoolStore(client redis.Cmdable) VarPoolStore {
	return &varPoolStore{client: client}
}

func (s *varPoolStore) Propagate(ctx context.Context, processInstanceID, taskInstanceID int, varPool string) error {
	key := varPoolKey(processInstanceID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, strconv.Itoa(taskInstanceID), varPool)
	pipe.Expire(ctx, key, varPoolTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis propagate var pool for process %d: %w", processInstanceID, err)
	}
	return nil
}

func (s *varPoolStore) Get(ctx context.Context, processInstanceID int) (map[int]string, error) {
	raw, err := s.client.HGetAll(ctx, varPoolKey(processInstanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get var pool for process %d: %w", processInstanceID, err)
	}
	out := make(map[int]string, len(raw))
	for field, v := range raw {
		id, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		out[id] = v
	}
	return out, nil
}
