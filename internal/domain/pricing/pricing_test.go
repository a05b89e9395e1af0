package pricing

import (
	"math"
	"testing"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Breakdown(t *testing.T) {
	tests := []struct {
		name     string
		policy   Policy
		price    int64
		qty      int
		discount int64
		want     models.Breakdown
	}{
		{"固定平台费", Policy{FeeFlat: 100000}, 900000, 1, 0,
			models.Breakdown{Subtotal: 900000, PlatformFee: 100000, Total: 1000000}},
		{"按比例平台费与税", Policy{FeeBps: 500, TaxBps: 750}, 200000, 3, 0,
			models.Breakdown{Subtotal: 600000, PlatformFee: 30000, Tax: 45000, Total: 675000}},
		{"折扣后计税", Policy{TaxBps: 1000}, 10000, 2, 5000,
			models.Breakdown{Subtotal: 20000, Discount: 5000, Tax: 1500, Total: 16500}},
		{"向下取整", Policy{FeeBps: 333}, 101, 1, 0,
			models.Breakdown{Subtotal: 101, PlatformFee: 3, Total: 104}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.policy.Breakdown(tt.price, tt.qty, tt.discount)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, got.Validate())
		})
	}
}

func TestPolicy_Breakdown_Invalid(t *testing.T) {
	p := Policy{FeeFlat: 100}

	for name, fn := range map[string]func() error{
		"单价为零": func() error { _, err := p.Breakdown(0, 1, 0); return err },
		"数量为零": func() error { _, err := p.Breakdown(100, 0, 0); return err },
		"折扣过大": func() error { _, err := p.Breakdown(100, 1, 101); return err },
		"金额溢出": func() error { _, err := p.Breakdown(math.MaxInt64/2, 3, 0); return err },
	} {
		t.Run(name, func(t *testing.T) {
			assert.True(t, models.IsValidation(fn()))
		})
	}
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, Policy{FeeBps: 250, FeeFlat: 100000, TaxBps: 750}.Validate())
	assert.Error(t, Policy{FeeBps: -1}.Validate())
	assert.Error(t, Policy{TaxBps: 10001}.Validate())
}
