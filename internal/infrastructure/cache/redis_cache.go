package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// setIfNewerScript 比较版本并写入哈希，返回 1 表示已写入
//
// KEYS[1] 缓存键；ARGV[1] 值；ARGV[2] 版本；ARGV[3] TTL 毫秒（0 不过期）
var setIfNewerScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'value', ARGV[1], 'version', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

/**
 * RedisOptions Redis 缓存配置
 */
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// Prefix 键前缀，多个实例共享同一个 Redis 时用于隔离
	Prefix string

	// TTL 条目存活时间（0 表示永不过期）
	TTL time.Duration
}

/**
 * RedisCache 基于 Redis 哈希的版本化缓存
 *
 * 每个键是一个 {value, version} 哈希；SetIfNewer 通过 Lua 脚本原子比较版本，
 * 多个进程并发写穿时仍然不会出现版本回退
 */
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	stats  Stats

	// owned 为 true 时 Close 会关闭客户端
	owned bool
}

/**
 * NewRedisCache 连接 Redis 并创建缓存
 *
 * Returns: *RedisCache - 缓存实例, error - 连接失败
 */
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		logger.Error("连接 Redis 失败",
			zap.String("addr", opts.Addr),
			zap.Error(err))
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	c := NewRedisCacheWithClient(client, opts.Prefix, opts.TTL)
	c.owned = true

	logger.Info("Redis 缓存已连接",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.String("prefix", opts.Prefix))
	return c, nil
}

// NewRedisCacheWithClient 使用已有客户端创建缓存，Close 不会关闭该客户端
func NewRedisCacheWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(k string) string {
	return c.prefix + k
}

// Get 读取 {value, version} 哈希
func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	vals, err := c.client.HMGet(ctx, c.key(key), "value", "version").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.stats.RecordMiss()
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("读取 Redis 缓存失败: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		c.stats.RecordMiss()
		return Entry{}, false, nil
	}

	value, err := parseRedisInt(vals[0])
	if err != nil {
		return Entry{}, false, fmt.Errorf("解析缓存值失败: %w", err)
	}
	version, err := parseRedisInt(vals[1])
	if err != nil {
		return Entry{}, false, fmt.Errorf("解析缓存版本失败: %w", err)
	}

	c.stats.RecordHit()
	return Entry{Value: value, Version: version}, true, nil
}

// SetIfNewer 通过 Lua 脚本原子比较版本后写入
func (c *RedisCache) SetIfNewer(ctx context.Context, key string, e Entry) (bool, error) {
	written, err := setIfNewerScript.Run(ctx, c.client,
		[]string{c.key(key)},
		e.Value, e.Version, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		logger.Warn("写入 Redis 缓存失败",
			zap.String("key", key),
			zap.Int64("version", e.Version),
			zap.Error(err))
		return false, fmt.Errorf("写入 Redis 缓存失败: %w", err)
	}

	if written == 1 {
		c.stats.RecordSet()
		return true, nil
	}
	c.stats.RecordStale()
	return false, nil
}

// Delete 删除缓存键
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("删除 Redis 缓存失败: %w", err)
	}
	c.stats.RecordDelete()
	return nil
}

func (c *RedisCache) Stats() Snapshot {
	return c.stats.Snapshot()
}

func (c *RedisCache) Close() error {
	if !c.owned {
		return nil
	}
	return c.client.Close()
}

func parseRedisInt(v any) (int64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseInt(x, 10, 64)
	case int64:
		return x, nil
	}
	return 0, fmt.Errorf("意外的类型 %T", v)
}
