package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"go.uber.org/zap"
)

/**
 * BatchWriterConfig 批量写入器配置
 */
type BatchWriterConfig struct {
	// BatchSize 批量大小（达到此数量时自动刷新）
	BatchSize int

	// FlushInterval 刷新间隔（定时刷新）
	FlushInterval time.Duration

	// Buffer 缓冲区大小（channel 容量）
	Buffer int
}

/**
 * DefaultBatchWriterConfig 默认配置
 */
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     100,
		FlushInterval: time.Second,
		Buffer:        1000,
	}
}

/**
 * BatchWriterStats 批量写入器统计信息
 */
type BatchWriterStats struct {
	// Accepted 进入缓冲的条目数
	Accepted int64

	// Persisted 成功持久化的条目数
	Persisted int64

	// Dropped 通道满或已停止时丢弃的条目数
	Dropped int64

	// Failed 写库失败的批次数
	Failed int64
}

/**
 * BatchWriter 审计日志批量写入器
 *
 * 事务提交后通过 Record 投递审计条目，后台批量写库。
 * 审计写入不在一致性关键路径上：通道满时丢弃并记录告警，不阻塞业务。
 */
type BatchWriter struct {
	repo   ActivityRepository
	config BatchWriterConfig

	// 条目通道
	ch chan models.Activity

	// 批量缓冲区
	buffer []models.Activity

	accepted  atomic.Int64
	persisted atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64

	// mu 保护 buffer 与刷新
	mu sync.Mutex

	// stateMu 保护启动状态与通道关闭
	stateMu sync.RWMutex
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

/**
 * NewBatchWriter 创建批量写入器
 *
 * Parameters:
 *   - repo: 审计日志仓储
 *   - config: 配置（使用 DefaultBatchWriterConfig() 获取默认配置）
 *
 * Returns: *BatchWriter - 批量写入器实例
 */
func NewBatchWriter(repo ActivityRepository, config BatchWriterConfig) *BatchWriter {
	defaults := DefaultBatchWriterConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.Buffer <= 0 {
		config.Buffer = defaults.Buffer
	}

	return &BatchWriter{
		repo:   repo,
		config: config,
		ch:     make(chan models.Activity, config.Buffer),
		buffer: make([]models.Activity, 0, config.BatchSize),
	}
}

/**
 * Start 启动批量写入器
 *
 * 开始处理条目通道和定时刷新
 */
func (bw *BatchWriter) Start() {
	bw.stateMu.Lock()
	defer bw.stateMu.Unlock()

	if bw.started {
		logger.Warn("批量写入器已经启动", zap.Any("config", bw.config))
		return
	}
	if bw.ctx != nil {
		logger.Warn("批量写入器已停止，不能再次启动")
		return
	}

	bw.ctx, bw.cancel = context.WithCancel(context.Background())
	bw.started = true

	bw.wg.Add(2)
	go bw.process()
	go bw.flushLoop()

	logger.Info("批量写入器已启动",
		zap.Int("batch_size", bw.config.BatchSize),
		zap.Duration("flush_interval", bw.config.FlushInterval),
		zap.Int("buffer", bw.config.Buffer),
	)
}

/**
 * Stop 停止批量写入器
 *
 * 停止接收新条目，排空通道并刷新缓冲区
 */
func (bw *BatchWriter) Stop() {
	bw.stateMu.Lock()
	if !bw.started {
		bw.stateMu.Unlock()
		return
	}
	bw.started = false
	close(bw.ch)
	bw.stateMu.Unlock()

	logger.Info("正在停止批量写入器...")

	bw.cancel()
	bw.wg.Wait()

	bw.mu.Lock()
	bw.flush()
	bw.mu.Unlock()

	logger.Info("批量写入器已停止", zap.Any("stats", bw.Stats()))
}

/**
 * Record 投递单个审计条目
 *
 * 非阻塞方法，将条目放入通道
 *
 * Returns: bool - 是否成功投递（未启动或通道满时返回 false）
 */
func (bw *BatchWriter) Record(a models.Activity) bool {
	bw.stateMu.RLock()
	defer bw.stateMu.RUnlock()

	if !bw.started {
		bw.dropped.Add(1)
		return false
	}

	select {
	case bw.ch <- a:
		bw.accepted.Add(1)
		return true
	default:
		bw.dropped.Add(1)
		logger.Warn("审计通道已满，条目丢弃",
			zap.String("action", a.Action),
			zap.Stringer("subject", a.Subject),
		)
		return false
	}
}

/**
 * ForceFlush 强制刷新缓冲区
 *
 * 立即将缓冲区中的所有条目写入数据库
 */
func (bw *BatchWriter) ForceFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	bw.flush()
}

// process 从通道接收条目放入缓冲区，通道关闭后退出
func (bw *BatchWriter) process() {
	defer bw.wg.Done()

	for a := range bw.ch {
		bw.mu.Lock()
		bw.buffer = append(bw.buffer, a)
		if len(bw.buffer) >= bw.config.BatchSize {
			bw.flush()
		}
		bw.mu.Unlock()
	}
}

// flushLoop 定时刷新循环
func (bw *BatchWriter) flushLoop() {
	defer bw.wg.Done()

	ticker := time.NewTicker(bw.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bw.ctx.Done():
			return
		case <-ticker.C:
			bw.mu.Lock()
			bw.flush()
			bw.mu.Unlock()
		}
	}
}

/**
 * flush 刷新缓冲区到数据库
 *
 * 必须在持有 mu 的情况下调用；写库失败时保留缓冲区等待下次重试
 */
func (bw *BatchWriter) flush() {
	if len(bw.buffer) == 0 {
		return
	}

	startTime := time.Now()
	count := len(bw.buffer)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := bw.repo.SaveBatch(ctx, bw.buffer); err != nil {
		bw.failed.Add(1)
		logger.Error("批量写入审计日志失败",
			zap.Int("count", count),
			zap.Error(err),
		)
		return
	}

	bw.persisted.Add(int64(count))
	bw.buffer = bw.buffer[:0]

	logger.Debug("批量刷新完成",
		zap.Int("count", count),
		zap.Duration("duration", time.Since(startTime)),
	)
}

// GetBufferSize 当前缓冲区中的条目数
func (bw *BatchWriter) GetBufferSize() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// IsStarted 是否已启动
func (bw *BatchWriter) IsStarted() bool {
	bw.stateMu.RLock()
	defer bw.stateMu.RUnlock()
	return bw.started
}

// Stats 统计信息快照
func (bw *BatchWriter) Stats() BatchWriterStats {
	return BatchWriterStats{
		Accepted:  bw.accepted.Load(),
		Persisted: bw.persisted.Load(),
		Dropped:   bw.dropped.Load(),
		Failed:    bw.failed.Load(),
	}
}
