package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisNamespace = "pipewatch"

	redisKeyStateFormat = "%s:state:%s"
	redisKeyCacheFormat = "%s:cache:%s"
	redisKeySources     = "%s:sources"
)

// RedisStore is a [Store] backed by Redis.
//
// Each state and validator is a JSON string value. The set <ns>:sources
// indexes every source with a persisted state so that ListStates does not
// need to scan the keyspace.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore wraps an existing client. An empty namespace defaults to
// "pipewatch".
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = defaultRedisNamespace
	}
	return &RedisStore{client: client, namespace: namespace}
}

// OpenRedisStore parses a redis:// URL, connects and verifies the connection.
func OpenRedisStore(ctx context.Context, url, namespace string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, namespace), nil
}

func (s *RedisStore) stateKey(source string) string {
	return fmt.Sprintf(redisKeyStateFormat, s.namespace, source)
}

func (s *RedisStore) cacheKey(source string) string {
	return fmt.Sprintf(redisKeyCacheFormat, s.namespace, source)
}

func (s *RedisStore) sourcesKey() string {
	return fmt.Sprintf(redisKeySources, s.namespace)
}

// GetState implements [StateStore].
func (s *RedisStore) GetState(ctx context.Context, source string) (SourceState, bool, error) {
	data, err := s.client.Get(ctx, s.stateKey(source)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SourceState{}, false, nil
	}
	if err != nil {
		return SourceState{}, false, fmt.Errorf("get state %s: %w", source, err)
	}
	st, err := unmarshalState(data)
	if err != nil {
		return SourceState{}, false, fmt.Errorf("decode state %s: %w", source, err)
	}
	return st, true, nil
}

// PutState implements [StateStore].
func (s *RedisStore) PutState(ctx context.Context, state SourceState) error {
	state.Runs = copyRuns(state.Runs)
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", state.Source, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.stateKey(state.Source), data, 0)
		pipe.SAdd(ctx, s.sourcesKey(), state.Source)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put state %s: %w", state.Source, err)
	}
	return nil
}

// ListStates implements [StateStore].
func (s *RedisStore) ListStates(ctx context.Context) ([]SourceState, error) {
	sources, err := s.client.SMembers(ctx, s.sourcesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	states := []SourceState{}
	if len(sources) == 0 {
		return states, nil
	}
	sort.Strings(sources)

	keys := make([]string, len(sources))
	for i, src := range sources {
		keys[i] = s.stateKey(src)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// indexed but value missing, e.g. expired out of band
			continue
		}
		st, err := unmarshalState([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode state %s: %w", sources[i], err)
		}
		states = append(states, st)
	}
	return states, nil
}

// GetCache implements [CacheStore].
func (s *RedisStore) GetCache(ctx context.Context, source string) (CacheMetadata, bool, error) {
	data, err := s.client.Get(ctx, s.cacheKey(source)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CacheMetadata{}, false, nil
	}
	if err != nil {
		return CacheMetadata{}, false, fmt.Errorf("get cache %s: %w", source, err)
	}
	var meta CacheMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return CacheMetadata{}, false, fmt.Errorf("decode cache %s: %w", source, err)
	}
	meta.CheckedAt = utc(meta.CheckedAt)
	return meta, true, nil
}

// PutCache implements [CacheStore].
func (s *RedisStore) PutCache(ctx context.Context, meta CacheMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode cache %s: %w", meta.Source, err)
	}
	if err := s.client.Set(ctx, s.cacheKey(meta.Source), data, 0).Err(); err != nil {
		return fmt.Errorf("put cache %s: %w", meta.Source, err)
	}
	return nil
}

// Ping implements [Store].
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func unmarshalState(data []byte) (SourceState, error) {
	var st SourceState
	if err := json.Unmarshal(data, &st); err != nil {
		return SourceState{}, err
	}
	st.Runs = copyRuns(st.Runs)
	st.LastUpdated = utc(st.LastUpdated)
	return st, nil
}
