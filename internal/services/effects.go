package services

import (
	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/metrics"
	"github.com/chenyang-zz/marketcore/pkg/events"
	"go.uber.org/zap"
)

/**
 * Hooks 提交后的副作用出口
 *
 * 三个字段都可以为空；只在事务提交成功后通过 tx.AfterCommit 调用
 */
type Hooks struct {
	Auditor Auditor
	Events  events.Publisher
	Metrics *metrics.Metrics
}

func (h Hooks) audit(actor models.Actor, action string, subject models.SubjectRef, props map[string]string) {
	if h.Auditor == nil {
		return
	}
	h.Auditor.Record(models.NewActivity(actor, action, subject, props))
}

func (h Hooks) publish(ev *events.Event) {
	if h.Events == nil || ev == nil {
		return
	}
	if err := h.Events.Publish(string(ev.Type), *ev); err != nil {
		logger.Warn("发布事件失败",
			zap.String("event_type", string(ev.Type)),
			zap.String("subject", ev.Subject),
			zap.Error(err))
	}
}
