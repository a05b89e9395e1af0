/**
 * EventBus 是发布-订阅模式的核心实现，支持：
 * - 按事件类型订阅与通配符订阅
 * - 每个订阅者独立的异步投递协程
 * - 中间件链（恢复、日志）
 * - 优雅关闭
 */

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrBusStopped 总线已停止
var ErrBusStopped = errors.New("事件总线已停止")

/**
 * Publisher 事件发布者
 *
 * 领域服务只依赖这个接口；*EventBus 实现了它
 */
type Publisher interface {
	Publish(eventType string, event Event) error
}

/**
 * EventHandler 事件处理函数类型
 */
type EventHandler func(event Event) error

/**
 * EventFilter 事件过滤器函数类型
 *
 * 返回 true 表示事件应该被处理，false 表示跳过
 */
type EventFilter func(event Event) bool

/**
 * Middleware 中间件类型
 */
type Middleware func(EventHandler) EventHandler

/**
 * Subscriber 订阅者信息
 */
type Subscriber struct {
	ID      string
	Handler EventHandler
	Filter  EventFilter

	// Once 是否只触发一次
	Once bool

	// Chan 订阅者专用通道（用于异步交付）
	Chan chan Event

	// mu 保护 Chan 的发送和关闭
	mu     sync.RWMutex
	closed bool
}

// deliver 非阻塞地投递事件；通道已关闭或已满时返回 false
func (s *Subscriber) deliver(event Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.Chan <- event:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.Chan)
	}
}

/**
 * EventBus 事件总线
 */
type EventBus struct {
	// subscribers 订阅者映射：事件类型 -> 订阅者列表
	subscribers map[string][]*Subscriber
	mutex       sync.RWMutex

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once

	middleware []Middleware
	stopped    atomic.Bool

	// asyncEnabled 为 false 时 Publish 在调用方协程内同步执行处理函数
	asyncEnabled    bool
	asyncBufferSize int

	published atomic.Int64
	dropped   atomic.Int64
}

/**
 * NewEventBus 创建新的事件总线
 *
 * Parameters:
 *   - opts: 配置选项（可选）
 *
 * Returns:
 *   - *EventBus: 新创建的事件总线
 */
func NewEventBus(opts ...Option) *EventBus {
	bus := &EventBus{
		subscribers:     make(map[string][]*Subscriber),
		stopChan:        make(chan struct{}),
		middleware:      make([]Middleware, 0),
		asyncEnabled:    true,
		asyncBufferSize: 1000,
	}

	for _, opt := range opts {
		opt(bus)
	}

	return bus
}

/**
 * Option 配置选项类型
 */
type Option func(*EventBus)

// WithAsyncBufferSize 设置每个订阅者的缓冲区大小
func WithAsyncBufferSize(size int) Option {
	return func(bus *EventBus) {
		if size > 0 {
			bus.asyncBufferSize = size
		}
	}
}

// WithAsyncDisabled 禁用异步投递，主要用于测试
func WithAsyncDisabled() Option {
	return func(bus *EventBus) {
		bus.asyncEnabled = false
	}
}

/**
 * Subscribe 订阅事件
 *
 * Parameters:
 *   - eventType: 事件类型，使用 "*" 订阅所有事件
 *   - handler: 事件处理函数
 *
 * Returns:
 *   - string: 订阅者 ID，用于取消订阅
 */
func (bus *EventBus) Subscribe(eventType string, handler EventHandler) string {
	return bus.subscribe(eventType, handler, nil, false)
}

// SubscribeWithFilter 带过滤器订阅事件
func (bus *EventBus) SubscribeWithFilter(eventType string, handler EventHandler, filter EventFilter) string {
	return bus.subscribe(eventType, handler, filter, false)
}

// SubscribeOnce 订阅一次性事件，处理一次后自动取消订阅
func (bus *EventBus) SubscribeOnce(eventType string, handler EventHandler) string {
	return bus.subscribe(eventType, handler, nil, true)
}

func (bus *EventBus) subscribe(eventType string, handler EventHandler, filter EventFilter, once bool) string {
	subscriber := &Subscriber{
		ID:      "sub-" + uuid.NewString(),
		Handler: handler,
		Filter:  filter,
		Once:    once,
		Chan:    make(chan Event, bus.asyncBufferSize),
	}

	bus.mutex.Lock()
	defer bus.mutex.Unlock()

	bus.subscribers[eventType] = append(bus.subscribers[eventType], subscriber)

	logger.Debug("订阅事件",
		zap.String("event_type", eventType),
		zap.String("subscriber_id", subscriber.ID),
	)

	if bus.asyncEnabled {
		bus.wg.Add(1)
		go bus.processSubscriber(subscriber)
	}

	return subscriber.ID
}

/**
 * Unsubscribe 取消订阅
 *
 * Parameters:
 *   - subscriberID: 订阅者 ID
 */
func (bus *EventBus) Unsubscribe(subscriberID string) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()

	for eventType, subscribers := range bus.subscribers {
		for i, sub := range subscribers {
			if sub.ID != subscriberID {
				continue
			}
			bus.subscribers[eventType] = append(subscribers[:i:i], subscribers[i+1:]...)
			sub.close()

			logger.Debug("取消订阅",
				zap.String("event_type", eventType),
				zap.String("subscriber_id", subscriberID),
			)
			return
		}
	}

	logger.Debug("订阅者不存在，无法取消订阅", zap.String("subscriber_id", subscriberID))
}

/**
 * Publish 发布事件
 *
 * 异步模式下把事件放入每个匹配订阅者的通道后立即返回，
 * 通道已满的订阅者丢弃该事件并记录警告。
 *
 * Parameters:
 *   - eventType: 事件类型
 *   - event: 事件对象
 *
 * Returns:
 *   - error: 总线已停止时返回 ErrBusStopped
 */
func (bus *EventBus) Publish(eventType string, event Event) error {
	if bus.stopped.Load() {
		logger.Warn("事件总线已停止，无法发布事件",
			zap.String("event_type", eventType),
			zap.String("event_id", event.ID),
		)
		return ErrBusStopped
	}

	bus.mutex.RLock()
	subscribers := bus.getSubscribers(eventType)
	bus.mutex.RUnlock()

	delivered := 0
	for _, subscriber := range subscribers {
		if subscriber.Filter != nil && !subscriber.Filter(event) {
			continue
		}

		if !bus.asyncEnabled {
			bus.handle(subscriber, event)
			delivered++
			continue
		}

		if subscriber.deliver(event) {
			delivered++
			continue
		}
		bus.dropped.Add(1)
		logger.Warn("事件缓冲区满，丢弃事件",
			zap.String("subscriber_id", subscriber.ID),
			zap.String("event_type", eventType),
			zap.String("event_id", event.ID),
		)
	}
	bus.published.Add(1)

	logger.Debug("事件已发送",
		zap.String("event_type", eventType),
		zap.String("event_id", event.ID),
		zap.Int("subscriber_count", delivered),
	)
	return nil
}

/**
 * Use 添加中间件
 *
 * 中间件按添加顺序执行
 */
func (bus *EventBus) Use(middleware Middleware) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.middleware = append(bus.middleware, middleware)
}

// Stats 已发布与被丢弃的事件数
func (bus *EventBus) Stats() (published, dropped int64) {
	return bus.published.Load(), bus.dropped.Load()
}

/**
 * Stop 优雅停止事件总线
 *
 * 订阅者协程先处理完通道中已有的事件再退出
 *
 * Parameters:
 *   - timeout: 超时时间
 *
 * Returns:
 *   - error: 超时返回错误
 */
func (bus *EventBus) Stop(timeout time.Duration) error {
	bus.stopOnce.Do(func() {
		bus.stopped.Store(true)
		close(bus.stopChan)
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		bus.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待事件总线停止超时: %w", ctx.Err())
	}
}

// processSubscriber 在独立协程中消费订阅者通道
func (bus *EventBus) processSubscriber(subscriber *Subscriber) {
	defer bus.wg.Done()

	for {
		select {
		case event, ok := <-subscriber.Chan:
			if !ok {
				return
			}
			bus.handle(subscriber, event)
			if subscriber.Once {
				bus.Unsubscribe(subscriber.ID)
				return
			}

		case <-bus.stopChan:
			bus.drain(subscriber)
			return
		}
	}
}

// drain 停止时处理通道中剩余的事件
func (bus *EventBus) drain(subscriber *Subscriber) {
	for {
		select {
		case event, ok := <-subscriber.Chan:
			if !ok {
				return
			}
			bus.handle(subscriber, event)
		default:
			return
		}
	}
}

func (bus *EventBus) handle(subscriber *Subscriber, event Event) {
	bus.mutex.RLock()
	handler := bus.applyMiddleware(subscriber.Handler)
	bus.mutex.RUnlock()

	if err := handler(event); err != nil {
		logger.Error("事件处理错误",
			zap.String("subscriber_id", subscriber.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

// getSubscribers 获取事件类型的订阅者，包括通配符订阅者
func (bus *EventBus) getSubscribers(eventType string) []*Subscriber {
	subscribers := make([]*Subscriber, 0, len(bus.subscribers[eventType])+len(bus.subscribers["*"]))
	subscribers = append(subscribers, bus.subscribers[eventType]...)
	if eventType != "*" {
		subscribers = append(subscribers, bus.subscribers["*"]...)
	}
	return subscribers
}

// applyMiddleware 按洋葱模型包装处理函数
func (bus *EventBus) applyMiddleware(handler EventHandler) EventHandler {
	for i := len(bus.middleware) - 1; i >= 0; i-- {
		handler = bus.middleware[i](handler)
	}
	return handler
}

/**
 * RecoveryMiddleware 恢复中间件
 *
 * 把处理函数中的 panic 转为错误
 */
func RecoveryMiddleware() Middleware {
	return func(next EventHandler) EventHandler {
		return func(event Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("事件处理 panic: %v", r)
				}
			}()
			return next(event)
		}
	}
}

// LoggingMiddleware 每个事件处理前调用 log
func LoggingMiddleware(log func(event Event)) Middleware {
	return func(next EventHandler) EventHandler {
		return func(event Event) error {
			if log != nil {
				log(event)
			}
			return next(event)
		}
	}
}
