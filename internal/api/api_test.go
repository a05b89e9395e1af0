package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/dispute"
	"github.com/chenyang-zz/marketcore/internal/domain/ledger"
	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/domain/order"
	"github.com/chenyang-zz/marketcore/internal/domain/pricing"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/gateway"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/metrics"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/storage"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/storage/storagetest"
	"github.com/chenyang-zz/marketcore/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret  = "test-secret"
	testIssuer  = "marketcore-test"
	hookSecret  = "hook-secret"
	customerID  = int64(10)
	vendorID    = int64(20)
	otherVendor = int64(30)
	adminID     = int64(99)
	serviceID   = int64(1)
)

type testServer struct {
	srv *Server
	gw  *gateway.Simulated
}

func setupServer(t *testing.T, gwOpts gateway.SimulatedOptions) *testServer {
	t.Helper()
	db := storagetest.NewDB(t)
	storagetest.SeedService(t, db, serviceID, vendorID, 900000)

	m := metrics.New()
	policy := pricing.Policy{FeeFlat: 100000}
	store := ledger.NewStore(db, nil, m)
	machine := order.NewMachine(db, policy, m)
	catalog := storage.NewSQLiteCatalogRepository(db)
	gw := gateway.NewSimulated(gwOpts)
	hooks := services.Hooks{Metrics: m}

	disputes := dispute.NewEngine(db, machine, store, dispute.Options{Currency: "NGN", Metrics: m})
	checkout := services.NewCheckoutOrchestrator(db, gw, catalog, machine, store, disputes, services.CheckoutOptions{
		Policy:         policy,
		Currency:       "NGN",
		PlatformUserID: 1,
		GatewayTimeout: time.Second,
	}, hooks)
	orders := services.NewOrderService(db, catalog, machine, store, disputes, checkout, hooks)

	srv := NewServer(
		Deps{Checkout: checkout, Orders: orders, Disputes: disputes, Metrics: m},
		Options{JWTSecret: testSecret, Issuer: testIssuer, WebhookSecret: hookSecret},
	)
	return &testServer{srv: srv, gw: gw}
}

func token(t *testing.T, userID int64, role models.Role) string {
	t.Helper()
	tok, err := IssueToken(testSecret, testIssuer, userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

// do 发送请求，返回状态码与响应体
func (s *testServer) do(t *testing.T, method, path, tok string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if tok != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+tok)
	}

	resp, err := s.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func directBody(qty int) fiber.Map {
	return fiber.Map{
		"service_id": serviceID,
		"quantity":   qty,
		"schedule":   fiber.Map{"scheduled_date": "2026-11-02", "start_time": "09:00", "end_time": "11:00"},
		"location":   fiber.Map{"address": "12 Awolowo Road", "city": "Ikoyi", "state": "Lagos"},
	}
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"校验失败", models.NewValidationError("x", "bad"), 400},
		{"支付被拒", &models.CheckoutError{Stage: "charge", Err: models.ErrPaymentDeclined}, 400},
		{"不存在", fmt.Errorf("订单: %w", models.ErrNotFound), 404},
		{"无权限", models.ErrForbidden, 403},
		{"服务下架", models.ErrServiceUnavailable, 403},
		{"非法流转", &models.TransitionError{Entity: "order", From: "pending", To: "completed"}, 409},
		{"并发修改", models.ErrConcurrentModification, 409},
		{"已有待处理改单", models.ErrPendingEditExists, 409},
		{"已有争议", models.ErrDisputeExists, 409},
		{"已裁决", models.ErrAlreadyResolved, 409},
		{"已冲正", models.ErrAlreadyReversed, 409},
		{"账本不变式", models.ErrLedgerInvariant, 500},
		{"网关超时", &models.CheckoutError{Stage: "charge", Err: models.ErrGatewayTimeout}, 500},
		{"未知错误", errors.New("boom"), 500},
		{"fiber 错误", fiber.NewError(401, "unauthorized"), 401},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestAuth(t *testing.T) {
	s := setupServer(t, gateway.SimulatedOptions{})

	expired, err := IssueToken(testSecret, testIssuer, customerID, models.RoleCustomer, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := IssueToken("other", testIssuer, customerID, models.RoleCustomer, time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := IssueToken(testSecret, "someone-else", customerID, models.RoleCustomer, time.Hour)
	require.NoError(t, err)
	systemRole, err := IssueToken(testSecret, testIssuer, 1, models.RoleSystem, time.Hour)
	require.NoError(t, err)
	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             string(models.RoleCustomer),
		RegisteredClaims: jwt.RegisteredClaims{Subject: "abc", Issuer: testIssuer},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name string
		tok  string
	}{
		{"缺少令牌", ""},
		{"过期", expired},
		{"密钥错误", wrongKey},
		{"签发者错误", wrongIssuer},
		{"系统角色不能从外部登录", systemRole},
		{"用户 ID 非数字", badSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := s.do(t, http.MethodGet, "/me/balance", tt.tok, nil)
			assert.Equal(t, fiber.StatusUnauthorized, status)
		})
	}

	t.Run("有效令牌", func(t *testing.T) {
		status, body := s.do(t, http.MethodGet, "/me/balance", token(t, customerID, models.RoleCustomer), nil)
		assert.Equal(t, fiber.StatusOK, status)
		snap := decode[models.BalanceSnapshot](t, body)
		assert.Equal(t, customerID, snap.UserID)
		assert.Zero(t, snap.Balance)
	})
}

func TestServer_Health(t *testing.T) {
	s := setupServer(t, gateway.SimulatedOptions{})

	status, _ := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, fiber.StatusOK, status)

	status, body := s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, string(body), "marketcore_")
}

func TestServer_OrderFlow(t *testing.T) {
	s := setupServer(t, gateway.SimulatedOptions{})
	customerTok := token(t, customerID, models.RoleCustomer)
	vendorTok := token(t, vendorID, models.RoleVendor)
	adminTok := token(t, adminID, models.RoleAdmin)

	status, body := s.do(t, http.MethodPost, "/checkout/direct", customerTok, directBody(1))
	require.Equal(t, fiber.StatusCreated, status, string(body))
	res := decode[services.CheckoutResult](t, body)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, int64(1000000), res.Total)
	id := res.Orders[0].ID
	orderPath := fmt.Sprintf("/orders/%d", id)

	t.Run("客户查看订单", func(t *testing.T) {
		status, body := s.do(t, http.MethodGet, orderPath, customerTok, nil)
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, models.OrderActive, decode[models.Order](t, body).Status)
	})

	t.Run("无关供应商不能查看", func(t *testing.T) {
		status, _ := s.do(t, http.MethodGet, orderPath, token(t, otherVendor, models.RoleVendor), nil)
		assert.Equal(t, fiber.StatusForbidden, status)
	})

	t.Run("订单不存在", func(t *testing.T) {
		status, _ := s.do(t, http.MethodGet, "/orders/9999", adminTok, nil)
		assert.Equal(t, fiber.StatusNotFound, status)
	})

	t.Run("非法 ID", func(t *testing.T) {
		status, body := s.do(t, http.MethodGet, "/orders/abc", adminTok, nil)
		assert.Equal(t, fiber.StatusBadRequest, status)
		assert.Equal(t, "id", decode[errorBody](t, body).Field)
	})

	t.Run("我的订单", func(t *testing.T) {
		status, body := s.do(t, http.MethodGet, "/orders", customerTok, nil)
		require.Equal(t, fiber.StatusOK, status)
		list := decode[struct {
			Orders []models.Order `json:"orders"`
		}](t, body)
		assert.Len(t, list.Orders, 1)
	})

	t.Run("客户不能完成订单", func(t *testing.T) {
		status, _ := s.do(t, http.MethodPost, orderPath+"/update-status", customerTok, fiber.Map{"status": "completed"})
		assert.Equal(t, fiber.StatusForbidden, status)
	})

	t.Run("发起争议并裁决", func(t *testing.T) {
		status, body := s.do(t, http.MethodPost, orderPath+"/disputes", customerTok, fiber.Map{
			"reason_code": "no_show",
			"description": "供应商没有上门",
		})
		require.Equal(t, fiber.StatusCreated, status, string(body))
		d := decode[models.Dispute](t, body)
		assert.Equal(t, models.DisputeOpen, d.Status)

		status, _ = s.do(t, http.MethodPost, orderPath+"/disputes", vendorTok, fiber.Map{
			"reason_code": "other",
			"description": "重复争议",
		})
		assert.Equal(t, fiber.StatusConflict, status)

		disputePath := fmt.Sprintf("/disputes/%d", d.ID)
		status, _ = s.do(t, http.MethodPost, disputePath+"/resolve", customerTok, fiber.Map{"resolution": "refund_customer"})
		assert.Equal(t, fiber.StatusForbidden, status)

		status, _ = s.do(t, http.MethodPost, disputePath+"/review", adminTok, nil)
		assert.Equal(t, fiber.StatusOK, status)

		status, body = s.do(t, http.MethodPost, disputePath+"/resolve", adminTok, fiber.Map{
			"resolution":       "refund_customer",
			"resolution_notes": "供应商未履约",
		})
		require.Equal(t, fiber.StatusOK, status, string(body))
		result := decode[dispute.Result](t, body)
		assert.Equal(t, models.DisputeResolved, result.Dispute.Status)
		assert.Equal(t, models.OrderCancelled, result.Order.Status)
		assert.Equal(t, models.PaymentRefunded, result.Order.PaymentStatus)

		status, _ = s.do(t, http.MethodPost, disputePath+"/resolve", adminTok, fiber.Map{"resolution": "release_vendor"})
		assert.Equal(t, fiber.StatusConflict, status)

		status, _ = s.do(t, http.MethodPost, disputePath+"/close", adminTok, nil)
		assert.Equal(t, fiber.StatusOK, status)
	})

	t.Run("余额与流水", func(t *testing.T) {
		status, body := s.do(t, http.MethodGet, "/me/balance", vendorTok, nil)
		require.Equal(t, fiber.StatusOK, status)
		assert.Zero(t, decode[models.BalanceSnapshot](t, body).Balance)

		status, body = s.do(t, http.MethodGet, "/me/transactions?limit=10", customerTok, nil)
		require.Equal(t, fiber.StatusOK, status)
		history := decode[struct {
			Transactions []models.Transaction `json:"transactions"`
		}](t, body)
		assert.NotEmpty(t, history.Transactions)
	})
}

func TestServer_Checkout(t *testing.T) {
	customerTok := token(t, customerID, models.RoleCustomer)

	t.Run("供应商不能下单", func(t *testing.T) {
		s := setupServer(t, gateway.SimulatedOptions{})
		status, _ := s.do(t, http.MethodPost, "/checkout/direct", token(t, vendorID, models.RoleVendor), directBody(1))
		assert.Equal(t, fiber.StatusForbidden, status)
	})

	t.Run("数量越界", func(t *testing.T) {
		s := setupServer(t, gateway.SimulatedOptions{})
		status, body := s.do(t, http.MethodPost, "/checkout/direct", customerTok, directBody(101))
		assert.Equal(t, fiber.StatusBadRequest, status)
		assert.Contains(t, decode[errorBody](t, body).Field, "quantity")
	})

	t.Run("支付被拒", func(t *testing.T) {
		s := setupServer(t, gateway.SimulatedOptions{DeclineAbove: 1})
		status, body := s.do(t, http.MethodPost, "/checkout/direct", customerTok, directBody(1))
		assert.Equal(t, fiber.StatusBadRequest, status)
		assert.Equal(t, "charge", decode[errorBody](t, body).Stage)
	})

	t.Run("请求体格式错误", func(t *testing.T) {
		s := setupServer(t, gateway.SimulatedOptions{})
		req := httptest.NewRequest(http.MethodPost, "/checkout/direct", bytes.NewBufferString("{"))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+customerTok)
		resp, err := s.srv.App().Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("购物车结账", func(t *testing.T) {
		s := setupServer(t, gateway.SimulatedOptions{})

		status, _ := s.do(t, http.MethodPost, "/cart/items", customerTok, fiber.Map{"service_id": serviceID, "quantity": 2})
		require.Equal(t, fiber.StatusCreated, status)

		status, body := s.do(t, http.MethodGet, "/cart", customerTok, nil)
		require.Equal(t, fiber.StatusOK, status)
		cart := decode[struct {
			Items []models.CartItem `json:"items"`
		}](t, body)
		require.Len(t, cart.Items, 1)

		b := directBody(1)
		status, body = s.do(t, http.MethodPost, "/checkout/from-cart", customerTok, fiber.Map{
			"schedule": b["schedule"],
			"location": b["location"],
		})
		require.Equal(t, fiber.StatusCreated, status, string(body))
		assert.Equal(t, int64(1900000), decode[services.CheckoutResult](t, body).Total)

		status, body = s.do(t, http.MethodGet, "/cart", customerTok, nil)
		require.Equal(t, fiber.StatusOK, status)
		assert.Empty(t, decode[struct {
			Items []models.CartItem `json:"items"`
		}](t, body).Items)
	})

	t.Run("删除购物车条目", func(t *testing.T) {
		s := setupServer(t, gateway.SimulatedOptions{})
		status, body := s.do(t, http.MethodPost, "/cart/items", customerTok, fiber.Map{"service_id": serviceID})
		require.Equal(t, fiber.StatusCreated, status)
		item := decode[models.CartItem](t, body)

		path := fmt.Sprintf("/cart/items/%d", item.ID)
		status, _ = s.do(t, http.MethodDelete, path, customerTok, nil)
		assert.Equal(t, fiber.StatusNoContent, status)

		status, _ = s.do(t, http.MethodDelete, path, customerTok, nil)
		assert.Equal(t, fiber.StatusNotFound, status)
	})
}

func TestServer_Edits(t *testing.T) {
	s := setupServer(t, gateway.SimulatedOptions{Pending: true})
	customerTok := token(t, customerID, models.RoleCustomer)
	vendorTok := token(t, vendorID, models.RoleVendor)

	status, body := s.do(t, http.MethodPost, "/checkout/direct", customerTok, directBody(1))
	require.Equal(t, fiber.StatusCreated, status, string(body))
	id := decode[services.CheckoutResult](t, body).Orders[0].ID
	editsPath := fmt.Sprintf("/orders/%d/edits", id)

	status, body = s.do(t, http.MethodPost, editsPath, vendorTok, fiber.Map{"unit_price": 1200000})
	require.Equal(t, fiber.StatusCreated, status, string(body))
	edit := decode[models.OrderEdit](t, body)

	status, _ = s.do(t, http.MethodPost, editsPath, vendorTok, fiber.Map{"unit_price": 1100000})
	assert.Equal(t, fiber.StatusConflict, status, "同一订单只能有一个待处理改单")

	status, _ = s.do(t, http.MethodPost, fmt.Sprintf("%s/%d/accept", editsPath, edit.ID), vendorTok, nil)
	assert.Equal(t, fiber.StatusForbidden, status, "供应商不能接受自己的改单")

	status, body = s.do(t, http.MethodPost, fmt.Sprintf("%s/%d/accept", editsPath, edit.ID), customerTok, nil)
	require.Equal(t, fiber.StatusOK, status, string(body))
	o := decode[models.Order](t, body)
	assert.Equal(t, models.OrderPending, o.Status)
	assert.Equal(t, int64(1300000), o.Total)

	status, body = s.do(t, http.MethodGet, editsPath, customerTok, nil)
	require.Equal(t, fiber.StatusOK, status)
	edits := decode[struct {
		Edits []models.OrderEdit `json:"edits"`
	}](t, body)
	require.Len(t, edits.Edits, 1)
	assert.Equal(t, models.EditAccepted, edits.Edits[0].Status)
}

func TestServer_PaymentWebhook(t *testing.T) {
	s := setupServer(t, gateway.SimulatedOptions{Pending: true})

	status, body := s.do(t, http.MethodPost, "/checkout/direct", token(t, customerID, models.RoleCustomer), directBody(1))
	require.Equal(t, fiber.StatusCreated, status, string(body))
	res := decode[services.CheckoutResult](t, body)
	require.Equal(t, models.PaymentRecordPending, res.Status)

	send := func(conf models.PaymentConfirmation, sign bool) (int, []byte) {
		raw, err := json.Marshal(conf)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(raw))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		if sign {
			req.Header.Set(signatureHeader, hex.EncodeToString(Sign(hookSecret, raw)))
		}
		resp, err := s.srv.App().Test(req, -1)
		require.NoError(t, err)
		defer resp.Body.Close()
		out, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, out
	}

	conf := models.PaymentConfirmation{Reference: res.Reference, ProviderRef: "psp-1", Amount: res.Total, Success: true}

	t.Run("未签名", func(t *testing.T) {
		status, _ := send(conf, false)
		assert.Equal(t, fiber.StatusUnauthorized, status)
	})

	t.Run("确认支付", func(t *testing.T) {
		status, body := send(conf, true)
		require.Equal(t, fiber.StatusOK, status, string(body))
		out := decode[services.ConfirmResult](t, body)
		assert.Equal(t, models.PaymentRecordConfirmed, out.Status)
		assert.False(t, out.Replayed)
	})

	t.Run("重复回调", func(t *testing.T) {
		status, body := send(conf, true)
		require.Equal(t, fiber.StatusOK, status)
		assert.True(t, decode[services.ConfirmResult](t, body).Replayed)
	})

	t.Run("引用号不存在", func(t *testing.T) {
		status, _ := send(models.PaymentConfirmation{Reference: "CHK-unknown", Amount: 1, Success: true}, true)
		assert.Equal(t, fiber.StatusNotFound, status)
	})

	t.Run("金额不一致", func(t *testing.T) {
		bad := conf
		bad.Amount = 1
		status, _ := send(bad, true)
		assert.Equal(t, fiber.StatusBadRequest, status)
	})
}
