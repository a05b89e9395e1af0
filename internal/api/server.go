/**
 * Package api 提供 marketcore 的 HTTP 接口
 *
 * 基于 fiber：Bearer 令牌鉴权、统一错误映射、/metrics 暴露 Prometheus 指标
 */
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/dispute"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/metrics"
	"github.com/chenyang-zz/marketcore/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps HTTP 层依赖的业务组件
type Deps struct {
	Checkout *services.CheckoutOrchestrator
	Orders   *services.OrderService
	Disputes *dispute.Engine
	Metrics  *metrics.Metrics
}

/**
 * Options HTTP 服务配置
 */
type Options struct {
	JWTSecret     string
	Issuer        string
	WebhookSecret string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

/**
 * Server HTTP 服务
 */
type Server struct {
	app      *fiber.App
	checkout *services.CheckoutOrchestrator
	orders   *services.OrderService
	disputes *dispute.Engine
	metrics  *metrics.Metrics
	opts     Options
}

/**
 * NewServer 创建 HTTP 服务并注册全部路由
 *
 * Parameters:
 *   - deps: 业务组件
 *   - opts: 服务配置
 *
 * Returns: *Server - 服务实例
 */
func NewServer(deps Deps, opts Options) *Server {
	s := &Server{
		checkout: deps.Checkout,
		orders:   deps.Orders,
		disputes: deps.Disputes,
		metrics:  deps.Metrics,
		opts:     opts,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "marketcore",
		ErrorHandler:          ErrorHandler,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		DisableStartupMessage: true,
	})
	s.app.Use(recover.New())
	s.app.Use(accessLog())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(
			promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	s.app.Post("/payments/webhook", VerifySignature(s.opts.WebhookSecret), s.paymentWebhook)

	auth := Auth(s.opts.JWTSecret, s.opts.Issuer)

	checkout := s.app.Group("/checkout", auth)
	checkout.Post("/from-cart", s.checkoutFromCart)
	checkout.Post("/direct", s.checkoutDirect)

	orders := s.app.Group("/orders", auth)
	orders.Get("/", s.listOrders)
	orders.Get("/:id", s.getOrder)
	orders.Post("/:id/update-status", s.updateStatus)
	orders.Post("/:id/refund", s.refund)
	orders.Get("/:id/edits", s.listEdits)
	orders.Post("/:id/edits", s.proposeEdit)
	orders.Post("/:id/edits/:editId/accept", s.decideEdit(true))
	orders.Post("/:id/edits/:editId/reject", s.decideEdit(false))
	orders.Post("/:id/disputes", s.openDispute)

	disputes := s.app.Group("/disputes", auth)
	disputes.Get("/:id", s.getDispute)
	disputes.Post("/:id/review", s.reviewDispute)
	disputes.Post("/:id/resolve", s.resolveDispute)
	disputes.Post("/:id/close", s.closeDispute)

	cart := s.app.Group("/cart", auth)
	cart.Get("/", s.getCart)
	cart.Post("/items", s.addCartItem)
	cart.Delete("/items/:id", s.removeCartItem)

	me := s.app.Group("/me", auth)
	me.Get("/balance", s.balance)
	me.Get("/transactions", s.transactions)
}

// App 底层 fiber 应用，测试中用 app.Test 发请求
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen 阻塞监听，直到 Shutdown
func (s *Server) Listen(addr string) error {
	logger.Info("HTTP 服务启动", zap.String("addr", addr))
	if err := s.app.Listen(addr); err != nil {
		return fmt.Errorf("HTTP 服务监听失败: %w", err)
	}
	return nil
}

// Shutdown 在 ctx 截止前等待进行中的请求完成
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("关闭 HTTP 服务失败: %w", err)
	}
	return nil
}
