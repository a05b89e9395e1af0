package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"go.uber.org/zap"
)

/**
 * cacheItem 缓存项
 */
type cacheItem struct {
	entry Entry

	// expiration 过期时间（零值表示永不过期）
	expiration time.Time

	// accessedAt 最后访问时间（UnixNano），用于 LRU 淘汰
	accessedAt atomic.Int64
}

func (item *cacheItem) isExpired(now time.Time) bool {
	if item.expiration.IsZero() {
		return false
	}
	return now.After(item.expiration)
}

/**
 * MemoryCache 进程内版本化缓存
 *
 * 特性：
 * - 读路径使用 sync.Map，无锁
 * - 写路径串行化，保证版本比较与写入原子
 * - TTL 与 LRU 容量淘汰
 * - 定期清理过期项
 */
type MemoryCache struct {
	items *sync.Map

	// writeMu 串行化 SetIfNewer、Delete 与淘汰
	writeMu sync.Mutex
	count   int

	maxSize         int
	ttl             time.Duration
	cleanupInterval time.Duration

	stats Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopped atomic.Bool
}

/**
 * NewMemoryCache 创建内存缓存
 *
 * Parameters:
 *   - maxSize: 最大缓存项数（0 表示无限制）
 *   - ttl: 条目存活时间（0 表示永不过期）
 *   - cleanupInterval: 清理间隔（0 表示不定期清理）
 *
 * Returns: *MemoryCache - 内存缓存实例
 */
func NewMemoryCache(maxSize int, ttl, cleanupInterval time.Duration) *MemoryCache {
	ctx, cancel := context.WithCancel(context.Background())

	c := &MemoryCache{
		items:           &sync.Map{},
		maxSize:         maxSize,
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		ctx:             ctx,
		cancel:          cancel,
	}

	if cleanupInterval > 0 {
		c.wg.Add(1)
		go c.cleanupLoop()
	}

	logger.Info("内存缓存已启动",
		zap.Int("max_size", maxSize),
		zap.Duration("ttl", ttl),
		zap.Duration("cleanup_interval", cleanupInterval))

	return c
}

// Get 获取缓存值，过期条目视为未命中并被删除
func (c *MemoryCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	if c.stopped.Load() {
		return Entry{}, false, ErrStopped
	}

	value, found := c.items.Load(key)
	if !found {
		c.stats.RecordMiss()
		return Entry{}, false, nil
	}

	item := value.(*cacheItem)
	now := time.Now()
	if item.isExpired(now) {
		c.removeIf(key, item)
		c.stats.RecordMiss()
		c.stats.RecordEviction()
		return Entry{}, false, nil
	}

	item.accessedAt.Store(now.UnixNano())
	c.stats.RecordHit()
	return item.entry, true, nil
}

/**
 * SetIfNewer 版本号严格更大时写入
 *
 * 已过期的旧条目不参与版本比较
 */
func (c *MemoryCache) SetIfNewer(ctx context.Context, key string, e Entry) (bool, error) {
	if c.stopped.Load() {
		return false, ErrStopped
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	now := time.Now()
	existing, found := c.items.Load(key)
	if found {
		item := existing.(*cacheItem)
		if !item.isExpired(now) && item.entry.Version >= e.Version {
			c.stats.RecordStale()
			logger.Debug("缓存写入被拒绝：版本不新",
				zap.String("key", key),
				zap.Int64("cached_version", item.entry.Version),
				zap.Int64("version", e.Version))
			return false, nil
		}
	} else if c.maxSize > 0 && c.count >= c.maxSize {
		c.evictLRU()
	}

	item := &cacheItem{entry: e}
	if c.ttl > 0 {
		item.expiration = now.Add(c.ttl)
	}
	item.accessedAt.Store(now.UnixNano())

	c.items.Store(key, item)
	if !found {
		c.count++
	}
	c.stats.RecordSet()
	return true, nil
}

// Delete 删除缓存
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	if c.stopped.Load() {
		return ErrStopped
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, loaded := c.items.LoadAndDelete(key); loaded {
		c.count--
	}
	c.stats.RecordDelete()
	return nil
}

// Count 当前缓存项数量
func (c *MemoryCache) Count() int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.count
}

// Stats 统计信息快照
func (c *MemoryCache) Stats() Snapshot {
	return c.stats.Snapshot()
}

// removeIf 只在 key 仍指向 item 时删除，避免误删并发写入的新条目
func (c *MemoryCache) removeIf(key string, item *cacheItem) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.items.CompareAndDelete(key, item) {
		c.count--
	}
}

/**
 * evictLRU 淘汰最久未访问的缓存项
 *
 * 必须在持有 writeMu 的情况下调用
 */
func (c *MemoryCache) evictLRU() {
	var (
		oldestKey  any
		oldestTime int64
		found      bool
	)

	c.items.Range(func(key, value any) bool {
		at := value.(*cacheItem).accessedAt.Load()
		if !found || at < oldestTime {
			oldestKey = key
			oldestTime = at
			found = true
		}
		return true
	})

	if found {
		c.items.Delete(oldestKey)
		c.count--
		c.stats.RecordEviction()
		logger.Debug("LRU 淘汰缓存项", zap.String("key", oldestKey.(string)))
	}
}

func (c *MemoryCache) cleanupLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.ctx.Done():
			return
		}
	}
}

// cleanup 清理过期缓存
func (c *MemoryCache) cleanup() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	now := time.Now()
	deleted := 0
	c.items.Range(func(key, value any) bool {
		if value.(*cacheItem).isExpired(now) {
			c.items.Delete(key)
			c.count--
			deleted++
			c.stats.RecordEviction()
		}
		return true
	})

	if deleted > 0 {
		logger.Debug("清理过期缓存",
			zap.Int("count", deleted),
			zap.Int("remaining", c.count))
	}
}

/**
 * Close 停止清理循环并清空缓存
 *
 * 重复调用是安全的
 */
func (c *MemoryCache) Close() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	c.cancel()
	c.wg.Wait()

	c.writeMu.Lock()
	c.items.Range(func(key, value any) bool {
		c.items.Delete(key)
		return true
	})
	c.count = 0
	c.writeMu.Unlock()

	stats := c.stats.Snapshot()
	logger.Info("内存缓存已停止",
		zap.Int64("hits", stats.Hits),
		zap.Float64("hit_rate", stats.HitRate()))
	return nil
}
