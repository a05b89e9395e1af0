package events

import (
	"sync"
	"time"
)

// Batcher 把逐条到达的元素攒成批次
//
// 达到 batchSize 或距上次刷新超过 timeout 时调用 flush。
// flush 在后台协程中串行执行，同一时刻只有一个批次在处理。
type Batcher[T any] struct {
	batchSize int
	timeout   time.Duration
	flushFn   func([]T)

	input chan T
	stop  chan struct{}
	done  chan struct{}

	mu        sync.Mutex
	buffer    []T
	isRunning bool
	dropped   int64
}

// NewBatcher 创建批处理器
//
// Parameters:
//   - batchSize: 批次大小
//   - timeout: 最长等待时间
//   - flush: 批次处理函数
//
// Returns: *Batcher[T] - 批处理器实例
func NewBatcher[T any](batchSize int, timeout time.Duration, flush func([]T)) *Batcher[T] {
	if batchSize <= 0 {
		batchSize = 1
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Batcher[T]{
		batchSize: batchSize,
		timeout:   timeout,
		flushFn:   flush,
		input:     make(chan T, batchSize*4),
		buffer:    make([]T, 0, batchSize),
	}
}

// Start 启动后台协程，重复调用无副作用
func (b *Batcher[T]) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isRunning {
		return
	}
	b.isRunning = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.loop(b.stop, b.done)
}

// Stop 停止并处理完已接收的元素
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	if !b.isRunning {
		b.mu.Unlock()
		return
	}
	b.isRunning = false
	stop, done := b.stop, b.done
	b.mu.Unlock()

	close(stop)
	<-done
}

// Add 非阻塞地加入一个元素；未启动或队列已满时返回 false
func (b *Batcher[T]) Add(item T) bool {
	b.mu.Lock()
	running := b.isRunning
	b.mu.Unlock()
	if !running {
		return false
	}

	select {
	case b.input <- item:
		return true
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		return false
	}
}

// Dropped 因队列已满被丢弃的元素数
func (b *Batcher[T]) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Pending 缓冲区中尚未刷新的元素数
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer) + len(b.input)
}

func (b *Batcher[T]) loop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.timeout)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			// 排空已入队的元素
			for {
				select {
				case item := <-b.input:
					b.push(item)
				default:
					b.flush()
					return
				}
			}

		case item := <-b.input:
			b.push(item)

		case <-ticker.C:
			b.flush()
		}
	}
}

func (b *Batcher[T]) push(item T) {
	b.mu.Lock()
	b.buffer = append(b.buffer, item)
	full := len(b.buffer) >= b.batchSize
	b.mu.Unlock()

	if full {
		b.flush()
	}
}

// flush 只在 loop 协程中调用
func (b *Batcher[T]) flush() {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	batch := make([]T, len(b.buffer))
	copy(batch, b.buffer)
	b.buffer = b.buffer[:0]
	b.mu.Unlock()

	b.flushFn(batch)
}

// IsRunning 是否已启动
func (b *Batcher[T]) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isRunning
}
