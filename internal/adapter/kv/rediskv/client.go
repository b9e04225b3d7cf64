// Package rediskv provides the typed KV Client (§4.A): a thin wrapper over
// redis/go-redis/v9 exposing exactly the operation set the session-worker
// core needs, plus the Lua-scripted compare-and-delete lease release that a
// plain get-then-delete cannot do safely against a concurrently expiring TTL.
//
// Two connections are maintained, matching §4.A: a command connection used
// for everything including publish, and a dedicated subscription connection
// used only to receive pub/sub messages. This mirrors the separation
// go-redis itself enforces (a *redis.Client in PubSub mode blocks its
// connection on Receive) and keeps command latency off the subscriber path.
package rediskv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rpacore/session-worker/internal/adapter/observability"
	"github.com/rpacore/session-worker/internal/domain"
)

// compareAndDeleteScript deletes key only if its current value equals the
// expected owner value. A naive GET-then-DEL races with TTL expiry: the key
// could expire and be re-acquired by a new owner between the GET and the
// DEL, and the old owner's DEL would then delete the new owner's lease.
// Adapted from the token-bucket rate limiter's Lua pattern.
const compareAndDeleteScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`

// compareAndExtendScript refreshes key's TTL only if its current value still
// equals the expected owner value, the same CAS shape as the delete script
// applied to lease renewal instead of release.
const compareAndExtendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`

// Client wraps the command and subscription connections plus the reusable
// CAS script.
type Client struct {
	cmd          *redis.Client
	sub          *redis.Client
	casDel       *redis.Script
	casExtend    *redis.Script
	leaseBreaker *observability.CircuitBreaker
}

// New constructs a Client against the given address/password/db, matching
// the Redis endpoint fields in config.Config. Lease operations (SetIfAbsent,
// CompareAndDelete, CompareAndExtend) are guarded by a circuit breaker that
// trips after 5 consecutive failures and stays open for 10s, so a Redis
// outage fails claim/release attempts fast instead of piling up retries
// against the session-critical path.
func New(addr, password string, db int) *Client {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	return &Client{
		cmd:          redis.NewClient(opts),
		sub:          redis.NewClient(opts),
		casDel:       redis.NewScript(compareAndDeleteScript),
		casExtend:    redis.NewScript(compareAndExtendScript),
		leaseBreaker: observability.NewCircuitBreaker("kv.lease", 5, 10*time.Second),
	}
}

// Close releases both connections.
func (c *Client) Close() error {
	err1 := c.cmd.Close()
	err2 := c.sub.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func wrapTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("op=%s: %w: %v", op, domain.ErrTransientKV, err)
}

// Get returns the string value for key, or domain.ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.cmd.Get(ctx, key).Result()
	if err != nil {
		return "", wrapTransient("kv.get", err)
	}
	return v, nil
}

// Put stores value at key with the given TTL (0 means no expiry).
func (c *Client) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.cmd.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapTransient("kv.put", err)
	}
	return nil
}

// SetIfAbsent stores value at key only if key does not already exist,
// returning whether the set happened. This backs the session lease acquire,
// guarded by leaseBreaker.
func (c *Client) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.leaseBreaker.Call(func() error {
		var innerErr error
		ok, innerErr = c.cmd.SetNX(ctx, key, value, ttl).Result()
		return innerErr
	})
	if err != nil {
		return false, wrapTransient("kv.setnx", err)
	}
	return ok, nil
}

// CompareAndDelete deletes key only if its value equals expected, atomically.
// Returns whether a delete happened.
func (c *Client) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	var deleted int64
	err := c.leaseBreaker.Call(func() error {
		res, innerErr := c.casDel.Run(ctx, c.cmd, []string{key}, expected).Result()
		if innerErr != nil {
			return innerErr
		}
		deleted, _ = res.(int64)
		return nil
	})
	if err != nil {
		return false, wrapTransient("kv.cas_delete", err)
	}
	return deleted == 1, nil
}

// CompareAndExtend refreshes key's TTL to ttl only if its current value
// equals expected, atomically. Returns whether the extension happened.
func (c *Client) CompareAndExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	var extended int64
	err := c.leaseBreaker.Call(func() error {
		res, innerErr := c.casExtend.Run(ctx, c.cmd, []string{key}, expected, ttl.Milliseconds()).Result()
		if innerErr != nil {
			return innerErr
		}
		extended, _ = res.(int64)
		return nil
	})
	if err != nil {
		return false, wrapTransient("kv.cas_extend", err)
	}
	return extended == 1, nil
}

// HashWrite writes multiple fields of a hash in one round-trip and refreshes
// the key's TTL.
func (c *Client) HashWrite(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	pipe := c.cmd.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapTransient("kv.hash_write", err)
	}
	return nil
}

// HashReadAll returns every field of a hash. Returns an empty, non-nil map
// (not domain.ErrNotFound) when the key does not exist, since hash absence
// is the normal "no state yet" case for a freshly-touched session.
func (c *Client) HashReadAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.cmd.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapTransient("kv.hash_read_all", err)
	}
	return m, nil
}

// HashDelete removes field from a hash. Removing an absent field is not an
// error.
func (c *Client) HashDelete(ctx context.Context, key, field string) error {
	if err := c.cmd.HDel(ctx, key, field).Err(); err != nil {
		return wrapTransient("kv.hash_delete", err)
	}
	return nil
}

// ListPushHead pushes value onto the head of a list and refreshes its TTL.
func (c *Client) ListPushHead(ctx context.Context, key, value string, ttl time.Duration) error {
	pipe := c.cmd.TxPipeline()
	pipe.LPush(ctx, key, value)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapTransient("kv.list_push_head", err)
	}
	return nil
}

// ListTrim trims a list to keep only indices [start, stop].
func (c *Client) ListTrim(ctx context.Context, key string, start, stop int64) error {
	if err := c.cmd.LTrim(ctx, key, start, stop).Err(); err != nil {
		return wrapTransient("kv.list_trim", err)
	}
	return nil
}

// ListLength returns the number of elements in a list.
func (c *Client) ListLength(ctx context.Context, key string) (int64, error) {
	n, err := c.cmd.LLen(ctx, key).Result()
	if err != nil {
		return 0, wrapTransient("kv.llen", err)
	}
	return n, nil
}

// ListRange returns list elements in [start, stop] (inclusive, -1 = last).
func (c *Client) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := c.cmd.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapTransient("kv.list_range", err)
	}
	return vals, nil
}

// SortedSetAdd adds member with score to a sorted set and refreshes its TTL.
func (c *Client) SortedSetAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	pipe := c.cmd.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapTransient("kv.zadd", err)
	}
	return nil
}

// SortedSetRangeByScore returns every member scored within [min, max],
// ascending. Used by History, which must return fully materialized results
// since recovery needs all of it up front.
func (c *Client) SortedSetRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	vals, err := c.cmd.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, wrapTransient("kv.zrangebyscore", err)
	}
	return vals, nil
}

// SortedSetCardinality returns the number of members in a sorted set.
func (c *Client) SortedSetCardinality(ctx context.Context, key string) (int64, error) {
	n, err := c.cmd.ZCard(ctx, key).Result()
	if err != nil {
		return 0, wrapTransient("kv.zcard", err)
	}
	return n, nil
}

// SortedSetRemove removes member from a sorted set. Removing an absent
// member is not an error.
func (c *Client) SortedSetRemove(ctx context.Context, key, member string) error {
	if err := c.cmd.ZRem(ctx, key, member).Err(); err != nil {
		return wrapTransient("kv.zrem", err)
	}
	return nil
}

// SortedSetPopReadyBefore returns up to limit members scored <= maxScore,
// ascending, removing them from the set atomically via a pipeline. Used by
// the queue service to promote delayed/backoff jobs once their ready time
// has passed.
func (c *Client) SortedSetPopReadyBefore(ctx context.Context, key string, maxScore float64, limit int64) ([]string, error) {
	members, err := c.cmd.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", maxScore),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, wrapTransient("kv.zrangebyscore_ready", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	pipe := c.cmd.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, key, m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrapTransient("kv.zrem_batch", err)
	}
	return members, nil
}

// ListPushTail appends value to the tail of a list and refreshes its TTL.
func (c *Client) ListPushTail(ctx context.Context, key, value string, ttl time.Duration) error {
	pipe := c.cmd.TxPipeline()
	pipe.RPush(ctx, key, value)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapTransient("kv.list_push_tail", err)
	}
	return nil
}

// ListPopHead pops and returns the head element of a list, or ("", false)
// if the list is empty.
func (c *Client) ListPopHead(ctx context.Context, key string) (string, bool, error) {
	v, err := c.cmd.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapTransient("kv.list_pop_head", err)
	}
	return v, true, nil
}

// Increment adds delta to the integer stored at key (creating it at 0 if
// absent) and refreshes its TTL, returning the new value.
func (c *Client) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := c.cmd.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrapTransient("kv.incrby", err)
	}
	return incr.Val(), nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.cmd.Exists(ctx, key).Result()
	if err != nil {
		return false, wrapTransient("kv.exists", err)
	}
	return n > 0, nil
}

// ScanKeys returns every key matching pattern via a cursor-based SCAN,
// bounded in batch size so a full scan never monopolizes the store.
// Callers must tolerate eventually-consistent results (keys expiring
// mid-scan), per §4.B ListActive.
func (c *Client) ScanKeys(ctx context.Context, pattern string, batchSize int64) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		keys, next, err := c.cmd.Scan(ctx, cursor, pattern, batchSize).Result()
		if err != nil {
			return nil, wrapTransient("kv.scan", err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// DeleteMany deletes all given keys in one round-trip. Missing keys are not
// an error.
func (c *Client) DeleteMany(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.cmd.Del(ctx, keys...).Err(); err != nil {
		return wrapTransient("kv.delete_many", err)
	}
	return nil
}

// Publish publishes message on channel using the command connection.
func (c *Client) Publish(ctx context.Context, channel, message string) error {
	if err := c.cmd.Publish(ctx, channel, message).Err(); err != nil {
		return wrapTransient("kv.publish", err)
	}
	return nil
}

// SubscriptionHandler is invoked for every message received on a subscribed
// channel or pattern.
type SubscriptionHandler func(channel, payload string)

// Subscribe listens on an exact channel using the dedicated subscription
// connection until ctx is canceled, re-installing the handler automatically
// if the underlying connection needs to reconnect (go-redis's PubSub already
// retries the network read loop internally; we additionally restart our own
// receive loop on any terminal error so the handler survives a reconnect).
func (c *Client) Subscribe(ctx context.Context, channel string, handler SubscriptionHandler) {
	c.runSubscription(ctx, func() *redis.PubSub { return c.sub.Subscribe(ctx, channel) }, handler)
}

// PSubscribe listens on a glob pattern (e.g. "session-control:*").
func (c *Client) PSubscribe(ctx context.Context, pattern string, handler SubscriptionHandler) {
	c.runSubscription(ctx, func() *redis.PubSub { return c.sub.PSubscribe(ctx, pattern) }, handler)
}

func (c *Client) runSubscription(ctx context.Context, open func() *redis.PubSub, handler SubscriptionHandler) {
	backoffDelay := 500 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}
		ps := open()
		ch := ps.Channel()
		for msg := range ch {
			handler(msg.Channel, msg.Payload)
		}
		_ = ps.Close()
		if ctx.Err() != nil {
			return
		}
		slog.Warn("kv subscription channel closed, reconnecting", slog.Duration("backoff", backoffDelay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffDelay):
		}
		if backoffDelay < 10*time.Second {
			backoffDelay *= 2
		}
	}
}

// Ping checks command-connection connectivity, used by the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.cmd.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=kv.ping: %w: %v", domain.ErrTransientKV, err)
	}
	return nil
}
