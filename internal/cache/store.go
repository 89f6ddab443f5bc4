// Package cache wraps the Redis-semantics store the engines share:
// strings, hashes, lists, sets, pub/sub, and transactional pipelines.
// Engines depend on the Store interface; RedisStore is the production
// implementation and MemoryStore backs the tests.
package cache

import (
	"context"
	"strings"
	"time"
)

// Well-known keys and channels.
const (
	ZoraTokensKey    = "zora:tokens"
	TBATokensKey     = "tba:tokens"
	NewTokensEvents  = "new-tokens:events"
	NewTokensList    = "new-tokens:list"
	NewTokensChannel = "new-tokens:updates"
)

func CommentListKey(token string) string {
	return "comments:" + strings.ToLower(token) + ":list"
}

func CommentChannel(token string) string {
	return "comments:" + strings.ToLower(token)
}

func EmojiKey(token string) string {
	return "emoji:" + strings.ToLower(token)
}

func EmojiChannel(token string) string {
	return "emojiUpdates:" + strings.ToLower(token)
}

func WatchlistKey(wallet string) string {
	return "watchlist:" + strings.ToLower(wallet)
}

// Store is the typed surface over the KV store. All operations honor
// their context; implementations apply their own op timeout on top.
type Store interface {
	// SetJSON marshals value under key; ttl <= 0 means no expiry.
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	// GetJSON unmarshals into dest; returns false on a miss.
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// HSet reports whether the field was newly created.
	HSet(ctx context.Context, key, field, value string) (bool, error)
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Publish(ctx context.Context, channel, message string) error
	// Subscribe invokes cb for every message on channel from a
	// dedicated subscriber connection. The returned function releases
	// the subscription.
	Subscribe(ctx context.Context, channel string, cb func(message string)) (func(), error)

	// TxPipeline queues operations and applies them atomically on Exec.
	TxPipeline() Pipe

	Ping(ctx context.Context) error
	Close() error
}

// Pipe is a transactional pipeline. Queue methods return result
// holders that are populated once Exec returns.
type Pipe interface {
	HGet(key, field string) *StringResult
	HSet(key, field, value string) *IntResult
	HGetAll(key string) *MapResult
	HIncrBy(key, field string, delta int64) *IntResult
	LPush(key string, values ...string) *IntResult
	LTrim(key string, start, stop int64)
	SAdd(key string, members ...string) *IntResult
	SRem(key string, members ...string) *IntResult
	Expire(key string, ttl time.Duration)
	Exec(ctx context.Context) error
}

// StringResult holds a queued read's value; ok is false on a miss.
type StringResult struct {
	value string
	ok    bool
}

func (r *StringResult) Val() (string, bool) { return r.value, r.ok }

func (r *StringResult) set(v string, ok bool) { r.value, r.ok = v, ok }

type IntResult struct {
	value int64
}

func (r *IntResult) Val() int64 { return r.value }

func (r *IntResult) set(v int64) { r.value = v }

type MapResult struct {
	value map[string]string
}

func (r *MapResult) Val() map[string]string { return r.value }

func (r *MapResult) set(v map[string]string) { r.value = v }
