package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/schemahub/internal/schema"
)

// RedisStore persists registry state in redis as JSON values. Unlike the
// composition cache, the store is the source of truth: every error is
// returned to the caller instead of degrading to a miss.
type RedisStore struct {
	client *redis.Client
	prefix string
	limit  int64
}

// NewRedisStore creates a store on the given client. All keys are
// namespaced under prefix.
func NewRedisStore(client *redis.Client, prefix string, historyLimit int) *RedisStore {
	if prefix == "" {
		prefix = "schemahub:"
	}
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		limit:  int64(historyLimit),
	}
}

func (s *RedisStore) stateKey(sel schema.TargetSelector) string {
	return s.prefix + "t:" + sel.String()
}

func (s *RedisStore) historyKey(sel schema.TargetSelector) string {
	return s.prefix + "h:" + sel.String()
}

func (s *RedisStore) baseKey(sel schema.TargetSelector) string {
	return s.prefix + "b:" + sel.String()
}

func (s *RedisStore) Latest(ctx context.Context, sel schema.TargetSelector) (*TargetState, error) {
	data, err := s.client.Get(ctx, s.stateKey(sel)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get target state: %w", err)
	}

	var state TargetState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode target state: %w", err)
	}
	return &state, nil
}

func (s *RedisStore) Insert(ctx context.Context, sel schema.TargetSelector, v Version) error {
	state, err := s.Latest(ctx, sel)
	if err != nil {
		return err
	}

	stateJSON, err := json.Marshal(applyVersion(state, v))
	if err != nil {
		return fmt.Errorf("encode target state: %w", err)
	}
	versionJSON, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode version: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.stateKey(sel), stateJSON, 0)
	pipe.LPush(ctx, s.historyKey(sel), versionJSON)
	pipe.LTrim(ctx, s.historyKey(sel), 0, s.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis insert version: %w", err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, sel schema.TargetSelector, limit int) ([]Version, error) {
	n := int64(limit)
	if n <= 0 || n > s.limit {
		n = s.limit
	}

	items, err := s.client.LRange(ctx, s.historyKey(sel), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get history: %w", err)
	}

	versions := make([]Version, 0, len(items))
	for _, item := range items {
		var v Version
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			return nil, fmt.Errorf("decode version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func (s *RedisStore) SetBaseSchema(ctx context.Context, sel schema.TargetSelector, base string) error {
	if base == "" {
		if err := s.client.Del(ctx, s.baseKey(sel)).Err(); err != nil {
			return fmt.Errorf("redis clear base schema: %w", err)
		}
		return nil
	}
	if err := s.client.Set(ctx, s.baseKey(sel), base, 0).Err(); err != nil {
		return fmt.Errorf("redis set base schema: %w", err)
	}
	return nil
}

func (s *RedisStore) BaseSchema(ctx context.Context, sel schema.TargetSelector) (string, error) {
	base, err := s.client.Get(ctx, s.baseKey(sel)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get base schema: %w", err)
	}
	return base, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
