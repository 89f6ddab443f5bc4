package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const opTimeout = 5 * time.Second

// RedisStore talks to Redis over two connections: cmd for commands and
// publishes, sub for subscriptions. The subscribe side cannot issue
// commands once it enters subscribe mode, so it is never shared.
type RedisStore struct {
	cmd *redis.Client
	sub *redis.Client
}

// NewRedisStore connects both clients from one URL and verifies the
// command connection.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	cmd := redis.NewClient(opts)
	if err := cmd.Ping(ctx).Err(); err != nil {
		cmd.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	subOpts, _ := redis.ParseURL(url)
	sub := redis.NewClient(subOpts)

	log.Println("[Cache] Connected to Redis (command + subscriber connections)")
	return &RedisStore{cmd: cmd, sub: sub}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.cmd.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	s.sub.Close()
	return s.cmd.Close()
}

func (s *RedisStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if ttl <= 0 {
		return s.cmd.Set(ctx, key, data, 0).Err()
	}
	return s.cmd.Set(ctx, key, data, ttl).Err()
}

func (s *RedisStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	data, err := s.cmd.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.cmd.Del(ctx, keys...).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	n, err := s.cmd.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.cmd.TTL(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.cmd.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	created, err := s.cmd.HSet(ctx, key, field, value).Result()
	return created > 0, err
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	v, err := s.cmd.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return v, err == nil, err
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.cmd.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.cmd.HIncrBy(ctx, key, field, delta).Result()
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.cmd.LPush(ctx, key, args...).Err()
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.cmd.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.cmd.LTrim(ctx, key, start, stop).Err()
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.cmd.LLen(ctx, key).Result()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.cmd.SAdd(ctx, key, args...).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.cmd.SRem(ctx, key, args...).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.cmd.SMembers(ctx, key).Result()
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.cmd.Publish(ctx, channel, message).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string, cb func(message string)) (func(), error) {
	pubsub := s.sub.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			cb(msg.Payload)
		}
	}()

	return func() {
		if err := pubsub.Close(); err != nil {
			log.Printf("[Cache] Error releasing subscription to %s: %v", channel, err)
		}
	}, nil
}

func (s *RedisStore) TxPipeline() Pipe {
	return &redisPipe{pipe: s.cmd.TxPipeline()}
}

// redisPipe queues commands on a MULTI/EXEC pipeline and copies their
// results into the holders after Exec.
type redisPipe struct {
	pipe    redis.Pipeliner
	collect []func()
}

func (p *redisPipe) HGet(key, field string) *StringResult {
	res := &StringResult{}
	cmd := p.pipe.HGet(context.Background(), key, field)
	p.collect = append(p.collect, func() {
		if cmd.Err() == nil {
			res.set(cmd.Val(), true)
		}
	})
	return res
}

func (p *redisPipe) HSet(key, field, value string) *IntResult {
	res := &IntResult{}
	cmd := p.pipe.HSet(context.Background(), key, field, value)
	p.collect = append(p.collect, func() { res.set(cmd.Val()) })
	return res
}

func (p *redisPipe) HGetAll(key string) *MapResult {
	res := &MapResult{}
	cmd := p.pipe.HGetAll(context.Background(), key)
	p.collect = append(p.collect, func() { res.set(cmd.Val()) })
	return res
}

func (p *redisPipe) HIncrBy(key, field string, delta int64) *IntResult {
	res := &IntResult{}
	cmd := p.pipe.HIncrBy(context.Background(), key, field, delta)
	p.collect = append(p.collect, func() { res.set(cmd.Val()) })
	return res
}

func (p *redisPipe) LPush(key string, values ...string) *IntResult {
	res := &IntResult{}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	cmd := p.pipe.LPush(context.Background(), key, args...)
	p.collect = append(p.collect, func() { res.set(cmd.Val()) })
	return res
}

func (p *redisPipe) LTrim(key string, start, stop int64) {
	p.pipe.LTrim(context.Background(), key, start, stop)
}

func (p *redisPipe) SAdd(key string, members ...string) *IntResult {
	res := &IntResult{}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	cmd := p.pipe.SAdd(context.Background(), key, args...)
	p.collect = append(p.collect, func() { res.set(cmd.Val()) })
	return res
}

func (p *redisPipe) SRem(key string, members ...string) *IntResult {
	res := &IntResult{}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	cmd := p.pipe.SRem(context.Background(), key, args...)
	p.collect = append(p.collect, func() { res.set(cmd.Val()) })
	return res
}

func (p *redisPipe) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(context.Background(), key, ttl)
}

func (p *redisPipe) Exec(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := p.pipe.Exec(ctx)
	// A miss inside the transaction (redis.Nil) is not a pipeline
	// failure; the result holder just stays empty.
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, fn := range p.collect {
		fn()
	}
	return nil
}
