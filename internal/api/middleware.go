package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	actorKey        = "actor"
	signatureHeader = "X-Signature"
)

/**
 * Claims 访问令牌声明
 *
 * sub 为用户 ID，role 为 customer / vendor / admin
 */
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

/**
 * Auth 校验 HS256 Bearer 令牌，并把操作者放入 c.Locals
 *
 * Parameters:
 *   - secret: HS256 密钥
 *   - issuer: 期望的签发者，为空时不校验
 */
func Auth(secret, issuer string) fiber.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "缺少访问令牌")
		}

		var claims Claims
		token, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			logger.Debug("访问令牌无效", zap.String("ip", c.IP()), zap.Error(err))
			return fiber.NewError(fiber.StatusUnauthorized, "访问令牌无效")
		}

		id, err := strconv.ParseInt(claims.Subject, 10, 64)
		role := models.Role(claims.Role)
		if err != nil || id <= 0 || !role.Valid() || role == models.RoleSystem {
			return fiber.NewError(fiber.StatusUnauthorized, "访问令牌声明无效")
		}

		c.Locals(actorKey, models.Actor{ID: id, Role: role, IPAddress: c.IP()})
		return c.Next()
	}
}

// actorFrom 取出 Auth 放入的操作者
func actorFrom(c *fiber.Ctx) models.Actor {
	actor, _ := c.Locals(actorKey).(models.Actor)
	return actor
}

/**
 * IssueToken 签发访问令牌
 *
 * 供 CLI 和测试使用；服务本身不做登录
 */
func IssueToken(secret, issuer string, userID int64, role models.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("签发令牌失败: %w", err)
	}
	return signed, nil
}

/**
 * VerifySignature 校验 webhook 请求体的 HMAC-SHA256 签名
 *
 * 签名放在 X-Signature 头中，十六进制编码；secret 为空时不校验
 */
func VerifySignature(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}
		given, err := hex.DecodeString(c.Get(signatureHeader))
		if err != nil || !hmac.Equal(given, Sign(secret, c.Body())) {
			logger.Warn("webhook 签名校验失败", zap.String("ip", c.IP()))
			return fiber.NewError(fiber.StatusUnauthorized, "签名无效")
		}
		return c.Next()
	}
}

// Sign 计算请求体签名
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// accessLog 请求日志
func accessLog() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = StatusFor(err)
		}
		logger.Info("http",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.IP()),
			zap.Int64("actor_id", actorFrom(c).ID))
		return err
	}
}
