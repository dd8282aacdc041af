// Package keyspace wraps a Redis connection with the typed operations
// the rest of the realtime core depends on: strings with TTL, hashes,
// sets, sorted sets, pipelines and pub/sub. It owns the go-redis
// client, the way the teacher's internal/redis package centralized
// it; ratelimit also imports go-redis, for the command types it queues
// on a RunPipeline batch.
package keyspace

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"sentinelchat/pkg/apperrors"
	"sentinelchat/pkg/logger"
)

// Client is the Keyspace Adapter (KA): typed methods over one
// *redis.Client. Raw returns that client itself, and Subscribe,
// Pipeline and RunPipeline hand out go-redis values directly.
type Client struct {
	rdb *redis.Client
	log *logger.Logger
}

type Options struct {
	Addr     string
	Password string
	DB       int
}

func New(opts Options, log *logger.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Client{rdb: rdb, log: log}
}

// NewFromRedis wraps an already-constructed redis client, used by
// tests that point a miniredis-backed client at this package.
func NewFromRedis(rdb *redis.Client, log *logger.Logger) *Client {
	return &Client{rdb: rdb, log: log}
}

func (c *Client) Raw() *redis.Client { return c.rdb }

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return apperrors.NotAvailable("keyspace ping failed", err)
	}
	return nil
}

func (c *Client) Close() error { return c.rdb.Close() }

// classify maps a go-redis error onto the apperrors kinds: a context
// deadline or cancellation becomes Timeout, any other failure
// (including an unreachable server) NotAvailable. Encoding failures
// never reach it; SetJSON and Publish report those as BadFrame.
// redis.Nil is not an error from the caller's point of view, it is
// handled by each typed method.
func classify(err error) *apperrors.Error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded || err == context.Canceled {
		return apperrors.Timeout("keyspace operation timed out", err)
	}
	return apperrors.NotAvailable("keyspace unreachable", err)
}

// --- strings ---

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err)
	}
	return v, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// --- JSON helpers ---
// GetJSON treats a parse failure the same as a missing key: higher
// layers only need to know "present with a usable value" or not.

func (c *Client) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	v, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if jerr := json.Unmarshal([]byte(v), out); jerr != nil {
		c.log.Logger.Sugar().Warnw("keyspace: dropping undecodable value", "key", key, "error", jerr)
		return false, nil
	}
	return true, nil
}

func (c *Client) SetJSON(ctx context.Context, key string, val interface{}, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return apperrors.BadFrame("encoding failure", err)
	}
	return c.Set(ctx, key, string(b), ttl)
}

// --- sets ---

func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.SAdd(ctx, key, args...).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.SRem(ctx, key, args...).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, classify(err)
	}
	return v, nil
}

func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (c *Client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

// SInter intersects multiple plain sets server-side.
func (c *Client) SInter(ctx context.Context, keys ...string) ([]string, error) {
	v, err := c.rdb.SInter(ctx, keys...).Result()
	if err != nil {
		return nil, classify(err)
	}
	return v, nil
}

// --- sorted sets ---

func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.ZRem(ctx, key, args...).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	if err := c.rdb.ZRemRangeByScore(ctx, key, min, max).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// ZRangeByScoreLimit runs ZRANGEBYSCORE key min max LIMIT 0 limit,
// the shape getRoomPresence and the background sweep both need.
func (c *Client) ZRangeByScoreLimit(ctx context.Context, key, min, max string, limit int64) ([]string, error) {
	v, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    min,
		Max:    max,
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, classify(err)
	}
	return v, nil
}

// --- pub/sub ---

func (c *Client) Publish(ctx context.Context, channel string, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return apperrors.BadFrame("encoding failure", err)
	}
	if err := c.rdb.Publish(ctx, channel, b).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Subscribe returns a raw *redis.PubSub; internal/bus wraps this in
// the single multiplexed subscriber connection the handler registry
// dispatches through.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// --- pipeline ---

// Pipeliner aliases redis.Pipeliner, the batch type RunPipeline's
// callback receives, so presence and typing can queue commands on an
// atomic batch without importing go-redis themselves.
type Pipeliner = redis.Pipeliner

func (c *Client) Pipeline() redis.Pipeliner {
	return c.rdb.Pipeline()
}

// RunPipeline executes fn against a fresh transactional pipeline and
// runs its commands atomically, in order, as one MULTI/EXEC block,
// classifying any transport error into the KA taxonomy.
func (c *Client) RunPipeline(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	pipe := c.rdb.TxPipeline()
	if err := fn(pipe); err != nil {
		return nil, err
	}
	cmds, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return cmds, classify(err)
	}
	return cmds, nil
}
