/**
 * Package cache 提供带版本号的余额缓存
 *
 * 账本在事务提交后写穿 (balance, version)，读未命中时从物化余额表回填。
 * 所有实现都只接受版本号严格更大的写入，旧值不会覆盖新值。
 */

package cache

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrStopped 缓存已停止
var ErrStopped = errors.New("缓存已停止")

/**
 * Entry 缓存条目
 *
 * Version 与 ledger_balances.version 对应，每次余额变动递增
 */
type Entry struct {
	Value   int64
	Version int64
}

/**
 * Cache 版本化缓存接口
 *
 * 定义缓存的基本操作，支持不同实现（内存、Redis）
 */
type Cache interface {
	// Get 获取缓存值
	// Returns: Entry - 缓存条目, bool - 是否找到, error - 后端错误
	Get(ctx context.Context, key string) (Entry, bool, error)

	// SetIfNewer 仅当 e.Version 严格大于已缓存版本时写入
	// Returns: bool - 是否写入, error - 后端错误
	SetIfNewer(ctx context.Context, key string, e Entry) (bool, error)

	// Delete 删除缓存
	Delete(ctx context.Context, key string) error

	// Stats 统计信息快照
	Stats() Snapshot

	// Close 释放资源
	Close() error
}

/**
 * Stats 缓存统计计数器
 */
type Stats struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	stale     atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

/**
 * Snapshot 统计信息快照
 */
type Snapshot struct {
	// Hits 缓存命中次数
	Hits int64

	// Misses 缓存未命中次数
	Misses int64

	// Sets 成功写入次数
	Sets int64

	// Stale 因版本不新被拒绝的写入次数
	Stale int64

	// Deletes 删除次数
	Deletes int64

	// Evictions 淘汰次数（过期或容量）
	Evictions int64
}

func (s *Stats) RecordHit()      { s.hits.Add(1) }
func (s *Stats) RecordMiss()     { s.misses.Add(1) }
func (s *Stats) RecordSet()      { s.sets.Add(1) }
func (s *Stats) RecordStale()    { s.stale.Add(1) }
func (s *Stats) RecordDelete()   { s.deletes.Add(1) }
func (s *Stats) RecordEviction() { s.evictions.Add(1) }

// Snapshot 读取当前计数
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Sets:      s.sets.Load(),
		Stale:     s.stale.Load(),
		Deletes:   s.deletes.Load(),
		Evictions: s.evictions.Load(),
	}
}

/**
 * HitRate 计算缓存命中率
 * Returns: float64 - 命中率（0-1之间）
 */
func (s Snapshot) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
