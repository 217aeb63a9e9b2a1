package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wisemanIV/strand-cost-guard/internal/circuitbreaker"
)

// casScript implements CompareAndSet atomically: it stores value.version
// alongside value.data in a Redis hash and only overwrites it if the
// existing version matches (or the key is absent and expectedVersion is
// empty). This mirrors the teacher's pattern of wrapping every Redis
// operation through a CircuitBreaker before it reaches the network.
var casScript = redis.NewScript(`
local key = KEYS[1]
local newValue = ARGV[1]
local expected = ARGV[2]
local ttlSeconds = tonumber(ARGV[3])

local current = redis.call('HGET', key, 'version')
if expected == '' then
  if current then
    return {0, current}
  end
else
  if (not current) or (current ~= expected) then
    return {0, current or ''}
  end
end

local nextVersion
if current then
  nextVersion = tostring(tonumber(current) + 1)
else
  nextVersion = '1'
end

redis.call('HSET', key, 'value', newValue, 'version', nextVersion)
if ttlSeconds and ttlSeconds > 0 then
  redis.call('EXPIRE', key, ttlSeconds)
end
return {1, nextVersion}
`)

// Redis is a Store backed by go-redis/v9, with every call routed through
// a CircuitBreaker so a failing backend degrades predictably instead of
// hanging every caller.
type Redis struct {
	client *redis.Client
	cb     *circuitbreaker.CircuitBreaker
	logger *zap.Logger
}

// NewRedis creates a Redis-backed Store.
func NewRedis(client *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := circuitbreaker.DefaultConfig()
	return &Redis{
		client: client,
		cb:     circuitbreaker.NewCircuitBreaker("budget-store-redis", cfg, logger),
		logger: logger,
	}
}

func (r *Redis) Get(ctx context.Context, key string) (Entry, error) {
	var entry Entry
	err := r.cb.Execute(ctx, func() error {
		res, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(res) == 0 {
			return ErrNotFound
		}
		entry = Entry{Value: []byte(res["value"]), Version: res["version"]}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (r *Redis) CompareAndSet(ctx context.Context, key string, value []byte, expectedVersion string) (string, error) {
	var newVersion string
	err := r.cb.Execute(ctx, func() error {
		res, err := casScript.Run(ctx, r.client, []string{key}, string(value), expectedVersion, 0).Slice()
		if err != nil {
			return err
		}
		ok, _ := res[0].(int64)
		v, _ := res[1].(string)
		if ok == 0 {
			newVersion = v
			return ErrCASConflict
		}
		newVersion = v
		return nil
	})
	if err != nil {
		return "", err
	}
	return newVersion, nil
}

func (r *Redis) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.cb.Execute(ctx, func() error {
		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, key, "value", value, "version", strconv.FormatInt(time.Now().UnixNano(), 10))
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (r *Redis) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.cb.Execute(ctx, func() error {
		iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

var _ Store = (*Redis)(nil)
