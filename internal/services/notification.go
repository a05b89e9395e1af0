package services

import (
	"context"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/metrics"
	"github.com/chenyang-zz/marketcore/pkg/events"
	"go.uber.org/zap"
)

const notifyTimeout = 5 * time.Second

/**
 * NotificationDispatcher 把总线上的领域事件转发给 Notifier
 *
 * 每个收件人单独投递一次；投递失败只记日志和指标
 */
type NotificationDispatcher struct {
	bus      *events.EventBus
	notifier Notifier
	sink     string
	metrics  *metrics.Metrics
	subID    string
}

/**
 * NewNotificationDispatcher 创建通知派发器
 *
 * Parameters:
 *   - bus: 事件总线
 *   - notifier: 通知出口
 *   - sink: 出口名称，用作指标标签
 *   - m: 指标，可为 nil
 */
func NewNotificationDispatcher(bus *events.EventBus, notifier Notifier, sink string, m *metrics.Metrics) *NotificationDispatcher {
	return &NotificationDispatcher{
		bus:      bus,
		notifier: notifier,
		sink:     sink,
		metrics:  m,
	}
}

// Start 订阅全部事件
func (d *NotificationDispatcher) Start() {
	if d.subID != "" {
		return
	}
	d.subID = d.bus.Subscribe("*", d.handle)
	logger.Info("通知派发器已启动", zap.String("sink", d.sink))
}

// Stop 取消订阅；已进入队列的事件仍由总线关闭时投递
func (d *NotificationDispatcher) Stop() {
	if d.subID == "" {
		return
	}
	d.bus.Unsubscribe(d.subID)
	d.subID = ""
}

func (d *NotificationDispatcher) handle(ev events.Event) error {
	if len(ev.Recipients) == 0 {
		return nil
	}

	msg := MessageFromEvent(ev)
	var lastErr error
	for _, userID := range ev.Recipients {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		err := d.notifier.Notify(ctx, userID, msg)
		cancel()

		if err != nil {
			lastErr = err
			d.metrics.IncNotification(d.sink, "failed")
			logger.Warn("发送通知失败",
				zap.String("sink", d.sink),
				zap.String("event_type", string(ev.Type)),
				zap.Int64("user_id", userID),
				zap.Error(err))
			continue
		}
		d.metrics.IncNotification(d.sink, "sent")
	}
	return lastErr
}

// MessageFromEvent 事件转换为用户消息
func MessageFromEvent(ev events.Event) models.Message {
	data := make(map[string]string, len(ev.Data)+2)
	for k, v := range ev.Data {
		data[k] = v
	}
	data["event_id"] = ev.ID
	data["subject"] = ev.Subject

	return models.Message{
		Kind:  string(ev.Type),
		Title: ev.Title,
		Body:  ev.Body,
		Data:  data,
	}
}

/**
 * LogNotifier 只写日志的通知出口
 *
 * 本地开发和没有配置消息中间件时使用
 */
type LogNotifier struct{}

// Notify 以 info 级别记录通知
func (LogNotifier) Notify(_ context.Context, userID int64, msg models.Message) error {
	logger.Info("通知",
		zap.Int64("user_id", userID),
		zap.String("kind", msg.Kind),
		zap.String("title", msg.Title),
		zap.Any("data", msg.Data))
	return nil
}
