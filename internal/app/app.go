/**
 * Package app 组装 marketcore 的全部组件
 *
 * App 层职责：
 * - 按配置创建存储、缓存、支付网关、消息出口
 * - 把领域模块与服务层连接起来，挂到 HTTP 接口上
 * - 管理后台任务（审计写入、通知派发、Kafka 消费）的启停顺序
 */

package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/chenyang-zz/marketcore/internal/api"
	"github.com/chenyang-zz/marketcore/internal/domain/dispute"
	"github.com/chenyang-zz/marketcore/internal/domain/ledger"
	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/domain/order"
	"github.com/chenyang-zz/marketcore/internal/domain/pricing"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/cache"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/config"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/gateway"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/messaging/amqp"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/messaging/kafka"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/metrics"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/storage"
	"github.com/chenyang-zz/marketcore/internal/services"
	"github.com/chenyang-zz/marketcore/pkg/events"
	"go.uber.org/zap"
)

/**
 * App 应用主结构体
 *
 * 持有所有组件的引用，通过 New 一次性装配
 */
type App struct {
	config *config.Config

	db      *sql.DB
	cache   cache.Cache
	metrics *metrics.Metrics

	// eventBus 事务提交后的领域事件
	eventBus *events.EventBus

	// auditor 审计日志批量写入
	auditor *storage.BatchWriter

	// dispatcher 把事件转成用户通知
	dispatcher *services.NotificationDispatcher

	// sink 通知出口，需要关闭的实现才会设置
	sink io.Closer

	// payments Kafka 支付结果消费者组，未配置 topic 时为 nil
	payments sarama.ConsumerGroup

	Store    *ledger.Store
	Checkout *services.CheckoutOrchestrator
	Orders   *services.OrderService
	Disputes *dispute.Engine

	server *api.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

/**
 * OpenDB 打开并迁移数据库
 *
 * CLI 的 migrate / reconcile / balance / catalog 子命令只需要数据库时使用
 */
func OpenDB(cfg *config.Config) (*sql.DB, error) {
	sc := cfg.Storage.SQLite
	db, err := storage.NewSQLiteDB(storage.SQLiteConfig{
		Path:            sc.Path,
		MaxOpenConns:    sc.MaxOpenConns,
		MaxIdleConns:    sc.MaxIdleConns,
		ConnMaxLifetime: config.Duration(sc.ConnMaxLifetime, time.Hour),
		BusyTimeout:     time.Duration(sc.BusyTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	if err := storage.RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库迁移失败: %w", err)
	}
	return db, nil
}

/**
 * NewCache 按配置创建余额缓存
 *
 * Returns: cache.Cache - memory 或 redis 实现, error - Redis 连接失败
 */
func NewCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	ttl := config.Duration(cfg.TTL, 5*time.Minute)
	switch cfg.Driver {
	case "redis":
		return cache.NewRedisCache(ctx, cache.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      ttl,
		})
	case "", "memory":
		return cache.NewMemoryCache(cfg.MaxSize, ttl, config.Duration(cfg.CleanupInterval, time.Minute)), nil
	}
	return nil, fmt.Errorf("未知的缓存实现: %q", cfg.Driver)
}

// newNotifier 按配置创建通知出口；返回的 io.Closer 可能为 nil
func newNotifier(cfg config.MessagingConfig) (services.Notifier, io.Closer, error) {
	switch cfg.NotificationDriver {
	case "amqp":
		n, err := amqp.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return nil, nil, err
		}
		return n, n, nil
	case "kafka":
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return nil, nil, err
		}
		n := kafka.NewNotifier(producer, cfg.Kafka.NotificationTopic, 100, 200*time.Millisecond)
		return n, n, nil
	case "", "log":
		return services.LogNotifier{}, nil, nil
	}
	return nil, nil, fmt.Errorf("未知的通知出口: %q", cfg.NotificationDriver)
}

/**
 * New 按配置装配应用
 *
 * 失败时已创建的资源会被释放
 *
 * Parameters:
 *   - ctx: 用于连接外部依赖的上下文
 *   - cfg: 已校验的配置
 *
 * Returns: *App - 应用实例, error - 错误信息
 */
func New(ctx context.Context, cfg *config.Config) (a *App, err error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret 不能为空")
	}

	a = &App{config: cfg, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	if a.db, err = OpenDB(cfg); err != nil {
		return nil, err
	}
	if a.cache, err = NewCache(ctx, cfg.Cache); err != nil {
		return nil, err
	}

	gatewayTimeout := config.Duration(cfg.Checkout.GatewayTimeout, 15*time.Second)
	gw, err := gateway.New(cfg.Payment, gatewayTimeout)
	if err != nil {
		return nil, err
	}

	notifier, sink, err := newNotifier(cfg.Messaging)
	if err != nil {
		return nil, err
	}
	a.sink = sink

	a.eventBus = events.NewEventBus()
	a.eventBus.Use(events.RecoveryMiddleware())
	a.dispatcher = services.NewNotificationDispatcher(a.eventBus, notifier, cfg.Messaging.NotificationDriver, a.metrics)

	a.auditor = storage.NewBatchWriter(storage.NewSQLiteActivityRepository(a.db), storage.BatchWriterConfig{
		BatchSize:     cfg.Activity.BatchSize,
		FlushInterval: config.Duration(cfg.Activity.FlushInterval, time.Second),
		Buffer:        cfg.Activity.Buffer,
	})

	policy := pricing.Policy{
		FeeBps:  cfg.Checkout.PlatformFeeBps,
		FeeFlat: cfg.Checkout.PlatformFeeFlat,
		TaxBps:  cfg.Checkout.TaxBps,
	}
	hooks := services.Hooks{Auditor: a.auditor, Events: a.eventBus, Metrics: a.metrics}
	catalog := storage.NewSQLiteCatalogRepository(a.db)
	machine := order.NewMachine(a.db, policy, a.metrics)

	a.Store = ledger.NewStore(a.db, a.cache, a.metrics)
	a.Disputes = dispute.NewEngine(a.db, machine, a.Store, dispute.Options{
		RefundPlatformFee: cfg.Checkout.RefundPlatformFee,
		Currency:          cfg.Checkout.Currency,
		Auditor:           a.auditor,
		Events:            a.eventBus,
		Metrics:           a.metrics,
	})
	a.Checkout = services.NewCheckoutOrchestrator(a.db, gw, catalog, machine, a.Store, a.Disputes, services.CheckoutOptions{
		Policy:            policy,
		Currency:          cfg.Checkout.Currency,
		PlatformUserID:    cfg.Checkout.PlatformUserID,
		GatewayTimeout:    gatewayTimeout,
		Provider:          gw.Name(),
		RefundPlatformFee: cfg.Checkout.RefundPlatformFee,
	}, hooks)
	a.Orders = services.NewOrderService(a.db, catalog, machine, a.Store, a.Disputes, a.Checkout, hooks)

	if kc := cfg.Messaging.Kafka; kc.PaymentTopic != "" {
		if a.payments, err = kafka.NewConsumerGroup(kc.Brokers, kc.GroupID); err != nil {
			return nil, err
		}
	}

	a.server = api.NewServer(api.Deps{
		Checkout: a.Checkout,
		Orders:   a.Orders,
		Disputes: a.Disputes,
		Metrics:  a.metrics,
	}, api.Options{
		JWTSecret:     cfg.Auth.JWTSecret,
		Issuer:        cfg.Auth.Issuer,
		WebhookSecret: cfg.Payment.WebhookSecret,
		ReadTimeout:   config.Duration(cfg.Server.ReadTimeout, 10*time.Second),
		WriteTimeout:  config.Duration(cfg.Server.WriteTimeout, 10*time.Second),
	})

	logger.Info("应用装配完成",
		zap.String("gateway", gw.Name()),
		zap.String("cache", cfg.Cache.Driver),
		zap.String("notifications", cfg.Messaging.NotificationDriver),
		zap.Bool("kafka_payments", a.payments != nil))
	return a, nil
}

/**
 * Run 启动后台任务并监听 HTTP，直到 ctx 结束或监听失败
 *
 * 返回前会调用 Shutdown
 */
func (a *App) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.auditor.Start()
	a.dispatcher.Start()

	if a.payments != nil {
		consumer := kafka.NewPaymentConsumer(func(ctx context.Context, conf models.PaymentConfirmation) error {
			_, err := a.Checkout.ConfirmPayment(ctx, conf)
			return err
		})
		topics := []string{a.config.Messaging.Kafka.PaymentTopic}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			kafka.Run(ctx, a.payments, topics, consumer)
		}()
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- a.server.Listen(a.config.Server.Addr)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-listenErr:
	}

	a.Shutdown()
	return err
}

/**
 * Shutdown 按依赖倒序停止组件
 *
 * 先停止接收请求和消息，再排空事件与审计缓冲，最后关闭连接；可重复调用
 */
func (a *App) Shutdown() {
	a.once.Do(func() {
		timeout := config.Duration(a.config.Server.ShutdownTimeout, 15*time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				logger.Warn("关闭 HTTP 服务失败", zap.Error(err))
			}
		}
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()

		if a.eventBus != nil {
			if err := a.eventBus.Stop(timeout); err != nil {
				logger.Warn("事件总线未能按时排空", zap.Error(err))
			}
		}
		if a.dispatcher != nil {
			a.dispatcher.Stop()
		}
		if a.auditor != nil {
			a.auditor.Stop()
		}
		a.release()
		logger.Info("应用已停止")
	})
}

// release 关闭外部连接
func (a *App) release() {
	if a.payments != nil {
		if err := a.payments.Close(); err != nil {
			logger.Warn("关闭 Kafka 消费者组失败", zap.Error(err))
		}
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			logger.Warn("关闭通知出口失败", zap.Error(err))
		}
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Warn("关闭数据库失败", zap.Error(err))
		}
	}
}

// Server HTTP 服务，测试时直接对其发请求
func (a *App) Server() *api.Server {
	return a.server
}
