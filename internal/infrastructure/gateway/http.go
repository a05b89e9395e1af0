package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"go.uber.org/zap"
)

/**
 * HTTPOptions HTTP 网关配置
 */
type HTTPOptions struct {
	BaseURL string
	APIKey  string

	// Timeout http.Client 的超时，ctx 的截止时间更早时以 ctx 为准
	Timeout time.Duration

	// Client 测试时注入，为空时按 Timeout 新建
	Client *http.Client
}

/**
 * HTTPGateway 通过 REST 接口扣款
 *
 * POST {base_url}/charges，引用号同时作为 Idempotency-Key，
 * 网关重试同一个引用号不会重复扣款
 */
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type chargeBody struct {
	Reference  string `json:"reference"`
	CustomerID int64  `json:"customer_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}

type chargeReply struct {
	Status        string `json:"status"`
	ProviderRef   string `json:"provider_ref"`
	FailureReason string `json:"failure_reason"`
}

// NewHTTPGateway 创建 HTTP 网关
func NewHTTPGateway(opts HTTPOptions) (*HTTPGateway, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("支付网关地址不能为空")
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		client:  client,
	}, nil
}

// Name 网关名
func (g *HTTPGateway) Name() string { return "http" }

/**
 * Charge 调用网关扣款
 *
 * 2xx 按 status 字段解析；402 视为拒绝；其余状态码与传输错误返回 error
 */
func (g *HTTPGateway) Charge(ctx context.Context, req models.ChargeRequest) (models.ChargeResult, error) {
	payload, err := json.Marshal(chargeBody{
		Reference:  req.Reference,
		CustomerID: req.CustomerID,
		Amount:     req.Amount,
		Currency:   req.Currency,
	})
	if err != nil {
		return models.ChargeResult{}, fmt.Errorf("编码扣款请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/charges", bytes.NewReader(payload))
	if err != nil {
		return models.ChargeResult{}, fmt.Errorf("创建扣款请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.Reference)
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		logger.Warn("调用支付网关失败",
			zap.String("reference", req.Reference),
			zap.Error(err))
		return models.ChargeResult{}, fmt.Errorf("调用支付网关失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.ChargeResult{}, fmt.Errorf("读取网关响应失败: %w", err)
	}

	var reply chargeReply
	if len(body) > 0 {
		if err := json.Unmarshal(body, &reply); err != nil && resp.StatusCode < 300 {
			return models.ChargeResult{}, fmt.Errorf("解析网关响应失败: %w", err)
		}
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		reason := reply.FailureReason
		if reason == "" {
			reason = "declined"
		}
		return models.ChargeResult{Outcome: models.ChargeDeclined, ProviderRef: reply.ProviderRef, FailureReason: reason}, nil
	case resp.StatusCode >= 300:
		logger.Warn("支付网关返回错误状态",
			zap.String("reference", req.Reference),
			zap.Int("status", resp.StatusCode))
		return models.ChargeResult{}, fmt.Errorf("支付网关返回 %d", resp.StatusCode)
	}

	outcome := models.ChargeOutcome(reply.Status)
	switch outcome {
	case models.ChargeSucceeded, models.ChargePending, models.ChargeDeclined:
	default:
		return models.ChargeResult{}, fmt.Errorf("支付网关返回未知状态 %q", reply.Status)
	}
	return models.ChargeResult{
		Outcome:       outcome,
		ProviderRef:   reply.ProviderRef,
		FailureReason: reply.FailureReason,
	}, nil
}
