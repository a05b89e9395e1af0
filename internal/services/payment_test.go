package services

import (
	"context"
	"testing"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func confirmation(ref string, amount int64, success bool) models.PaymentConfirmation {
	return models.PaymentConfirmation{Reference: ref, ProviderRef: "psp-" + ref, Amount: amount, Success: success}
}

func TestConfirmPayment_PendingSettles(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.gw.set(models.ChargePending)
	res := f.buy(t, repairService, 1)

	got, err := f.checkout.ConfirmPayment(ctx, confirmation(res.Reference, res.Total, true))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRecordConfirmed, got.Status)
	assert.False(t, got.Replayed)

	o := f.order(t, res.Orders[0].ID)
	assert.Equal(t, models.OrderActive, o.Status)
	assert.Equal(t, models.PaymentPaid, o.PaymentStatus)

	assert.Equal(t, int64(-1000000), f.balance(t, customerID))
	assert.Equal(t, int64(900000), f.balance(t, vendorID))
	assert.Equal(t, int64(100000), f.balance(t, platformID))
	assert.Len(t, f.eventsOf(events.EventTypeOrderPaid), 1)

	t.Run("重复回调幂等", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			again, err := f.checkout.ConfirmPayment(ctx, confirmation(res.Reference, res.Total, true))
			require.NoError(t, err)
			assert.True(t, again.Replayed)
			assert.Equal(t, models.PaymentRecordConfirmed, again.Status)
		}
		assert.Equal(t, int64(-1000000), f.balance(t, customerID))
		assert.Equal(t, int64(900000), f.balance(t, vendorID))
		assert.Len(t, f.eventsOf(events.EventTypeOrderPaid), 1)
		f.assertConsistent(t)
	})

	t.Run("确认后的失败回调被忽略", func(t *testing.T) {
		again, err := f.checkout.ConfirmPayment(ctx, confirmation(res.Reference, 0, false))
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, models.OrderActive, f.order(t, res.Orders[0].ID).Status)
	})
}

func TestConfirmPayment_SyncSuccessReplay(t *testing.T) {
	f := setup(t)
	res := f.buy(t, repairService, 1)

	got, err := f.checkout.ConfirmPayment(context.Background(), confirmation(res.Reference, res.Total, true))
	require.NoError(t, err)
	assert.True(t, got.Replayed)
	assert.Equal(t, models.PaymentRecordConfirmed, got.Status)
	assert.Equal(t, models.PaymentRecordConfirmed, f.payment(t, res.Reference).Status)

	assert.Equal(t, int64(-1000000), f.balance(t, customerID))
	f.assertConsistent(t)
}

func TestConfirmPayment_Failure(t *testing.T) {
	f := setup(t)
	f.gw.set(models.ChargePending)
	res := f.buy(t, repairService, 1)

	got, err := f.checkout.ConfirmPayment(context.Background(), confirmation(res.Reference, 0, false))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRecordFailed, got.Status)

	o := f.order(t, res.Orders[0].ID)
	assert.Equal(t, models.OrderCancelled, o.Status)
	assert.Equal(t, models.PaymentUnpaid, o.PaymentStatus)
	assert.Equal(t, int64(0), f.balance(t, customerID))

	failed := f.eventsOf(events.EventTypePaymentFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, []int64{customerID}, failed[0].Recipients)
}

func TestConfirmPayment_LateSuccess(t *testing.T) {
	f := setup(t)
	f.gw.set(models.ChargeDeclined)
	_, err := f.checkout.CheckoutDirect(context.Background(), customer,
		CheckoutItem{ServiceID: repairService, Quantity: 1}, schedule, location)
	require.Error(t, err)
	ref := f.gw.lastReference()

	got, err := f.checkout.ConfirmPayment(context.Background(), confirmation(ref, 1000000, true))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRecordLateSuccess, got.Status)

	assert.Equal(t, models.PaymentRecordLateSuccess, f.payment(t, ref).Status)
	assert.Equal(t, int64(0), f.orderCount(t))
	assert.Equal(t, int64(0), f.balance(t, customerID), "迟到的成功只记录，不记账")
	assert.Equal(t, 1, f.auditor.count("payment.late_success"))
}

func TestConfirmPayment_Rejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.gw.set(models.ChargePending)
	res := f.buy(t, repairService, 1)

	t.Run("金额不一致", func(t *testing.T) {
		_, err := f.checkout.ConfirmPayment(ctx, confirmation(res.Reference, res.Total-1, true))
		require.Error(t, err)
		assert.True(t, models.IsValidation(err))
		assert.Equal(t, models.PaymentRecordPending, f.payment(t, res.Reference).Status)
	})

	t.Run("引用号不存在", func(t *testing.T) {
		_, err := f.checkout.ConfirmPayment(ctx, confirmation("CHK-missing", 1, true))
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("引用号为空", func(t *testing.T) {
		_, err := f.checkout.ConfirmPayment(ctx, confirmation("", 1, true))
		assert.True(t, models.IsValidation(err))
	})
}

func TestRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("取消后退款保留平台费", func(t *testing.T) {
		f := setup(t)
		res := f.buy(t, repairService, 1)
		id := res.Orders[0].ID

		_, err := f.orders.UpdateStatus(ctx, vendor, id, models.OrderCancelled)
		require.NoError(t, err)

		o, err := f.checkout.Refund(ctx, vendor, id)
		require.NoError(t, err)
		assert.Equal(t, models.OrderRefunded, o.Status)
		assert.Equal(t, models.PaymentRefunded, o.PaymentStatus)

		assert.Equal(t, int64(0), f.balance(t, customerID))
		assert.Equal(t, int64(0), f.balance(t, vendorID))
		assert.Equal(t, int64(100000), f.balance(t, platformID))
		f.assertConsistent(t)

		_, err = f.checkout.Refund(ctx, vendor, id)
		assert.ErrorIs(t, err, models.ErrInvalidTransition, "不能重复退款")
	})

	t.Run("配置退还平台费", func(t *testing.T) {
		f := setupWith(t, func(o *CheckoutOptions) { o.RefundPlatformFee = true })
		res := f.buy(t, repairService, 1)
		id := res.Orders[0].ID

		_, err := f.orders.UpdateStatus(ctx, admin, id, models.OrderCancelled)
		require.NoError(t, err)
		_, err = f.orders.UpdateStatus(ctx, admin, id, models.OrderRefunded)
		require.NoError(t, err)

		assert.Equal(t, int64(0), f.balance(t, customerID))
		assert.Equal(t, int64(0), f.balance(t, vendorID))
		assert.Equal(t, int64(0), f.balance(t, platformID))
		f.assertConsistent(t)
	})

	t.Run("进行中的订单不能退款", func(t *testing.T) {
		f := setup(t)
		res := f.buy(t, repairService, 1)

		_, err := f.checkout.Refund(ctx, admin, res.Orders[0].ID)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
		assert.Equal(t, int64(-1000000), f.balance(t, customerID))
	})

	t.Run("争议未裁决不能退款", func(t *testing.T) {
		f := setup(t)
		res := f.buy(t, repairService, 1)
		id := res.Orders[0].ID

		_, err := f.disputes.Open(ctx, customer, id, models.ReasonNoShow, "vendor never arrived")
		require.NoError(t, err)

		_, err = f.checkout.Refund(ctx, admin, id)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("客户不能发起退款", func(t *testing.T) {
		f := setup(t)
		res := f.buy(t, repairService, 1)
		id := res.Orders[0].ID
		_, err := f.orders.UpdateStatus(ctx, customer, id, models.OrderCancelled)
		require.NoError(t, err)

		_, err = f.checkout.Refund(ctx, customer, id)
		assert.ErrorIs(t, err, models.ErrForbidden)
	})

	t.Run("未支付订单不能退款", func(t *testing.T) {
		f := setup(t)
		f.gw.set(models.ChargePending)
		res := f.buy(t, repairService, 1)
		id := res.Orders[0].ID
		_, err := f.orders.UpdateStatus(ctx, customer, id, models.OrderCancelled)
		require.NoError(t, err)

		_, err = f.checkout.Refund(ctx, admin, id)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})
}

// settleDispute 发起争议、裁决并关闭，订单仍停留在 disputed
func (f *fixture) settleDispute(t *testing.T, orderID int64, req models.ResolveRequest) {
	t.Helper()
	ctx := context.Background()
	d, err := f.disputes.Open(ctx, customer, orderID, models.ReasonOvercharged, "only half done")
	require.NoError(t, err)
	_, err = f.disputes.Resolve(ctx, admin, d.ID, req)
	require.NoError(t, err)
	_, err = f.disputes.Close(ctx, admin, d.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderDisputed, f.order(t, orderID).Status)
}

func TestDispute_ClosedOrderLeavesDisputed(t *testing.T) {
	ctx := context.Background()
	partial := models.ResolveRequest{Resolution: models.ResolutionPartial, PartialAmount: 300000}
	none := models.ResolveRequest{Resolution: models.ResolutionNone}

	t.Run("维持原状并关闭后可以完成订单", func(t *testing.T) {
		f := setup(t)
		id := f.buy(t, repairService, 1).Orders[0].ID
		f.settleDispute(t, id, none)

		o, err := f.orders.UpdateStatus(ctx, admin, id, models.OrderCompleted)
		require.NoError(t, err)
		assert.Equal(t, models.OrderCompleted, o.Status)

		// 完成后可以再次争议，新争议裁决前订单不能离开 disputed
		_, err = f.disputes.Open(ctx, customer, id, models.ReasonPoorQuality, "broke again")
		require.NoError(t, err)
		_, err = f.orders.UpdateStatus(ctx, admin, id, models.OrderCompleted)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("维持原状并关闭后可以取消并退款", func(t *testing.T) {
		f := setup(t)
		id := f.buy(t, repairService, 1).Orders[0].ID
		f.settleDispute(t, id, none)

		_, err := f.orders.UpdateStatus(ctx, admin, id, models.OrderCancelled)
		require.NoError(t, err)
		o, err := f.checkout.Refund(ctx, admin, id)
		require.NoError(t, err)
		assert.Equal(t, models.OrderRefunded, o.Status)
		assert.Equal(t, int64(0), f.balance(t, customerID))
		assert.Equal(t, int64(0), f.balance(t, vendorID))
		f.assertConsistent(t)
	})

	t.Run("部分退款并关闭后可以直接退款", func(t *testing.T) {
		f := setup(t)
		id := f.buy(t, repairService, 1).Orders[0].ID
		f.settleDispute(t, id, partial)

		o, err := f.checkout.Refund(ctx, admin, id)
		require.NoError(t, err)
		assert.Equal(t, models.OrderRefunded, o.Status)
		assert.Equal(t, models.PaymentRefunded, o.PaymentStatus)
	})
}

func TestRefund_AfterPartialRefund(t *testing.T) {
	ctx := context.Background()
	partial := models.ResolveRequest{Resolution: models.ResolutionPartial, PartialAmount: 300000}

	t.Run("取消后退还余款", func(t *testing.T) {
		f := setup(t)
		id := f.buy(t, repairService, 1).Orders[0].ID
		f.settleDispute(t, id, partial)
		assert.Equal(t, int64(-700000), f.balance(t, customerID))
		assert.Equal(t, int64(600000), f.balance(t, vendorID))

		_, err := f.orders.UpdateStatus(ctx, admin, id, models.OrderCancelled)
		require.NoError(t, err)
		o, err := f.checkout.Refund(ctx, admin, id)
		require.NoError(t, err)
		assert.Equal(t, models.OrderRefunded, o.Status)
		assert.Equal(t, models.PaymentRefunded, o.PaymentStatus)

		assert.Equal(t, int64(0), f.balance(t, customerID))
		assert.Equal(t, int64(0), f.balance(t, vendorID))
		assert.Equal(t, int64(100000), f.balance(t, platformID))
		f.assertConsistent(t)

		_, err = f.checkout.Refund(ctx, admin, id)
		assert.ErrorIs(t, err, models.ErrInvalidTransition, "不能重复退款")
	})

	t.Run("再次争议全额退款冲正之前的部分退款", func(t *testing.T) {
		f := setup(t)
		id := f.buy(t, repairService, 1).Orders[0].ID
		f.settleDispute(t, id, partial)
		_, err := f.orders.UpdateStatus(ctx, admin, id, models.OrderCompleted)
		require.NoError(t, err)

		d, err := f.disputes.Open(ctx, customer, id, models.ReasonPoorQuality, "broke again")
		require.NoError(t, err)
		res, err := f.disputes.Resolve(ctx, admin, d.ID, models.ResolveRequest{Resolution: models.ResolutionRefundCustomer})
		require.NoError(t, err)
		assert.Len(t, res.Ledger, 4, "order、earning 与两条 refund 分录")
		assert.Equal(t, models.OrderCancelled, res.Order.Status)
		assert.Equal(t, models.PaymentRefunded, res.Order.PaymentStatus)

		assert.Equal(t, int64(0), f.balance(t, customerID))
		assert.Equal(t, int64(0), f.balance(t, vendorID))
		assert.Equal(t, int64(100000), f.balance(t, platformID))
		f.assertConsistent(t)
	})

	t.Run("累计部分退款不能超过订单总额", func(t *testing.T) {
		f := setup(t)
		id := f.buy(t, repairService, 1).Orders[0].ID
		f.settleDispute(t, id, partial)
		_, err := f.orders.UpdateStatus(ctx, admin, id, models.OrderCompleted)
		require.NoError(t, err)

		d, err := f.disputes.Open(ctx, customer, id, models.ReasonPoorQuality, "broke again")
		require.NoError(t, err)
		_, err = f.disputes.Resolve(ctx, admin, d.ID, models.ResolveRequest{Resolution: models.ResolutionPartial, PartialAmount: 700001})
		assert.True(t, models.IsValidation(err))
		assert.Equal(t, int64(-700000), f.balance(t, customerID), "被拒绝的裁决不写分录")

		res, err := f.disputes.Resolve(ctx, admin, d.ID, models.ResolveRequest{Resolution: models.ResolutionPartial, PartialAmount: 700000})
		require.NoError(t, err)
		assert.Equal(t, models.PaymentPartiallyRefunded, res.Order.PaymentStatus)
		assert.Equal(t, int64(0), f.balance(t, customerID))
		assert.Equal(t, int64(-100000), f.balance(t, vendorID))
		f.assertConsistent(t)
	})
}
