// Package pricing 计算订单金额明细
package pricing

import (
	"math"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
)

const bpsDenominator = 10000

/**
 * Policy 定价策略
 *
 * 平台费 = 小计 × FeeBps / 10000 + FeeFlat，按订单收取；
 * 税 = (小计 − 折扣) × TaxBps / 10000。除法向下取整到 kobo。
 */
type Policy struct {
	FeeBps  int64
	FeeFlat int64
	TaxBps  int64
}

// Breakdown 计算一行订单的金额明细
func (p Policy) Breakdown(unitPrice int64, quantity int, discount int64) (models.Breakdown, error) {
	if unitPrice <= 0 {
		return models.Breakdown{}, models.NewValidationError("unit_price", "必须大于 0")
	}
	if quantity <= 0 {
		return models.Breakdown{}, models.NewValidationError("quantity", "必须大于 0")
	}
	if unitPrice > math.MaxInt64/int64(quantity)/bpsDenominator {
		return models.Breakdown{}, models.NewValidationError("unit_price", "金额过大")
	}

	subtotal := unitPrice * int64(quantity)
	if discount < 0 || discount > subtotal {
		return models.Breakdown{}, models.NewValidationError("discount", "必须在 0 与小计之间")
	}

	b := models.Breakdown{
		Subtotal:    subtotal,
		Discount:    discount,
		PlatformFee: subtotal*p.FeeBps/bpsDenominator + p.FeeFlat,
		Tax:         (subtotal - discount) * p.TaxBps / bpsDenominator,
	}
	b.Total = b.Subtotal - b.Discount + b.PlatformFee + b.Tax
	return b, b.Validate()
}

// Validate 策略参数非负
func (p Policy) Validate() error {
	if p.FeeBps < 0 || p.FeeFlat < 0 || p.TaxBps < 0 {
		return models.NewValidationError("pricing", "费率不能为负")
	}
	if p.FeeBps > bpsDenominator || p.TaxBps > bpsDenominator {
		return models.NewValidationError("pricing", "费率不能超过 10000 bps")
	}
	return nil
}
