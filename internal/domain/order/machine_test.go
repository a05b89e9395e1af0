package order

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/domain/pricing"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/storage"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = pricing.Policy{FeeFlat: 100000}

func setupMachine(t *testing.T) (*Machine, *sql.DB) {
	t.Helper()
	db := storagetest.NewDB(t)
	return NewMachine(db, testPolicy, nil), db
}

func newOrder(t *testing.T, db *sql.DB, status models.OrderStatus, payment models.PaymentStatus) *models.Order {
	t.Helper()
	b, err := testPolicy.Breakdown(900000, 1, 0)
	require.NoError(t, err)
	o := &models.Order{
		Reference:     models.NewOrderReference(),
		CheckoutRef:   "CHK-T",
		CustomerID:    10,
		VendorID:      20,
		ServiceID:     1,
		ServiceTitle:  "Deep cleaning",
		UnitPrice:     900000,
		Quantity:      1,
		Status:        status,
		PaymentStatus: payment,
		Breakdown:     b,
		Schedule:      models.Schedule{Date: "2026-11-02", StartTime: "09:00", EndTime: "11:00"},
		Location:      models.Location{Address: "5 Admiralty Way", City: "Lekki", State: "Lagos"},
	}
	require.NoError(t, storage.NewSQLiteOrderRepository(db).Create(context.Background(), nil, o))
	return o
}

func inTx(t *testing.T, db *sql.DB, fn func(tx *storage.Tx) error) error {
	t.Helper()
	return storage.RunInTx(context.Background(), db, fn)
}

func reload(t *testing.T, db *sql.DB, id int64) *models.Order {
	t.Helper()
	o, err := storage.NewSQLiteOrderRepository(db).GetByID(context.Background(), nil, id)
	require.NoError(t, err)
	return o
}

// TestCanTransition 完整的迁移合法性矩阵
func TestCanTransition(t *testing.T) {
	allowed := map[models.OrderStatus][]models.OrderStatus{
		models.OrderPending:   {models.OrderEdited, models.OrderActive, models.OrderCancelled},
		models.OrderEdited:    {models.OrderActive, models.OrderCancelled},
		models.OrderActive:    {models.OrderCompleted, models.OrderCancelled, models.OrderDisputed},
		models.OrderCompleted: {models.OrderDisputed},
		models.OrderDisputed:  {models.OrderCompleted, models.OrderCancelled, models.OrderRefunded},
		models.OrderCancelled: {models.OrderRefunded},
	}

	for _, from := range models.OrderStatuses {
		for _, to := range models.OrderStatuses {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	assert.Empty(t, Targets(models.OrderRefunded))
	assert.Len(t, Targets(models.OrderActive), 3)
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  models.OrderStatus
		payment models.PaymentStatus
		to      models.OrderStatus
		wantErr error
	}{
		{"合法迁移", models.OrderActive, models.PaymentPaid, models.OrderCompleted, nil},
		{"非法迁移", models.OrderRefunded, models.PaymentRefunded, models.OrderActive, models.ErrInvalidTransition},
		{"已支付的取消订单可以退款", models.OrderCancelled, models.PaymentPaid, models.OrderRefunded, nil},
		{"未支付的取消订单不能退款", models.OrderCancelled, models.PaymentUnpaid, models.OrderRefunded, models.ErrInvalidTransition},
		{"部分退款的取消订单可以退还余款", models.OrderCancelled, models.PaymentPartiallyRefunded, models.OrderRefunded, nil},
		{"已退款的取消订单不能再退", models.OrderCancelled, models.PaymentRefunded, models.OrderRefunded, models.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(&models.Order{Status: tt.status, PaymentStatus: tt.payment}, tt.to)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	t.Run("未知状态", func(t *testing.T) {
		err := Check(&models.Order{Status: models.OrderActive}, "shipped")
		assert.True(t, models.IsValidation(err))
	})
}

func TestMachine_Transition(t *testing.T) {
	m, db := setupMachine(t)
	ctx := context.Background()

	t.Run("写入状态与时间戳", func(t *testing.T) {
		o := newOrder(t, db, models.OrderActive, models.PaymentPaid)
		require.NoError(t, inTx(t, db, func(tx *storage.Tx) error {
			return m.Transition(ctx, tx, o, models.OrderCompleted)
		}))
		assert.Equal(t, models.OrderCompleted, o.Status)
		require.NotNil(t, o.CompletedAt)

		got := reload(t, db, o.ID)
		assert.Equal(t, models.OrderCompleted, got.Status)
		assert.NotNil(t, got.CompletedAt)
		assert.Nil(t, got.CancelledAt)
	})

	t.Run("非法迁移不改变状态", func(t *testing.T) {
		o := newOrder(t, db, models.OrderPending, models.PaymentUnpaid)
		err := inTx(t, db, func(tx *storage.Tx) error {
			return m.Transition(ctx, tx, o, models.OrderCompleted)
		})
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
		assert.Equal(t, models.OrderPending, reload(t, db, o.ID).Status)
	})

	t.Run("过期的订单快照", func(t *testing.T) {
		o := newOrder(t, db, models.OrderActive, models.PaymentPaid)
		stale := *o
		require.NoError(t, inTx(t, db, func(tx *storage.Tx) error {
			return m.Transition(ctx, tx, o, models.OrderCancelled)
		}))

		err := inTx(t, db, func(tx *storage.Tx) error {
			return m.Transition(ctx, tx, &stale, models.OrderCompleted)
		})
		assert.ErrorIs(t, err, models.ErrConcurrentModification)
		assert.Equal(t, models.OrderCancelled, reload(t, db, o.ID).Status)
	})

	t.Run("回滚时状态不变", func(t *testing.T) {
		o := newOrder(t, db, models.OrderActive, models.PaymentPaid)
		_ = inTx(t, db, func(tx *storage.Tx) error {
			require.NoError(t, m.Transition(ctx, tx, o, models.OrderDisputed))
			return assert.AnError
		})
		assert.Equal(t, models.OrderActive, reload(t, db, o.ID).Status)
	})
}

// TestMachine_Transition_Concurrent 两个并发迁移只有一个成功
func TestMachine_Transition_Concurrent(t *testing.T) {
	m, db := setupMachine(t)
	ctx := context.Background()
	o := newOrder(t, db, models.OrderActive, models.PaymentPaid)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, to := range []models.OrderStatus{models.OrderCompleted, models.OrderCancelled} {
		wg.Add(1)
		go func(i int, to models.OrderStatus) {
			defer wg.Done()
			snapshot := *o
			results[i] = inTx(t, db, func(tx *storage.Tx) error {
				return m.Transition(ctx, tx, &snapshot, to)
			})
		}(i, to)
	}
	wg.Wait()

	failures := 0
	for _, err := range results {
		if err != nil {
			assert.ErrorIs(t, err, models.ErrConcurrentModification)
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestMachine_SetPaymentStatus(t *testing.T) {
	m, db := setupMachine(t)
	ctx := context.Background()
	o := newOrder(t, db, models.OrderPending, models.PaymentUnpaid)

	require.NoError(t, inTx(t, db, func(tx *storage.Tx) error {
		return m.SetPaymentStatus(ctx, tx, o, models.PaymentPaid)
	}))
	assert.True(t, reload(t, db, o.ID).IsPaid())

	stale := *o
	stale.PaymentStatus = models.PaymentUnpaid
	err := inTx(t, db, func(tx *storage.Tx) error {
		return m.SetPaymentStatus(ctx, tx, &stale, models.PaymentPaid)
	})
	assert.ErrorIs(t, err, models.ErrConcurrentModification)
}

func TestMachine_ProposeEdit(t *testing.T) {
	m, db := setupMachine(t)
	ctx := context.Background()
	newSchedule := models.Schedule{Date: "2026-11-05", StartTime: "13:00", EndTime: "15:00"}

	t.Run("pending 订单进入 edited", func(t *testing.T) {
		o := newOrder(t, db, models.OrderPending, models.PaymentUnpaid)
		var edit *models.OrderEdit
		require.NoError(t, inTx(t, db, func(tx *storage.Tx) error {
			var err error
			edit, err = m.ProposeEdit(ctx, tx, o, o.VendorID, models.EditData{Schedule: &newSchedule})
			return err
		}))
		assert.Equal(t, models.EditPending, edit.Status)
		assert.False(t, edit.OrderWasPaid)
		require.NotNil(t, edit.OldData.Schedule)
		assert.Equal(t, "2026-11-02", edit.OldData.Schedule.Date)
		assert.Nil(t, edit.OldData.Location)
		assert.Equal(t, models.OrderEdited, reload(t, db, o.ID).Status)

		t.Run("已有 pending 改单", func(t *testing.T) {
			err := inTx(t, db, func(tx *storage.Tx) error {
				_, err := m.ProposeEdit(ctx, tx, o, o.VendorID, models.EditData{Schedule: &newSchedule})
				return err
			})
			assert.ErrorIs(t, err, models.ErrPendingEditExists)
		})
	})

	t.Run("已支付订单不能改价", func(t *testing.T) {
		o := newOrder(t, db, models.OrderPending, models.PaymentPaid)
		price := int64(1200000)
		err := inTx(t, db, func(tx *storage.Tx) error {
			_, err := m.ProposeEdit(ctx, tx, o, o.VendorID, models.EditData{UnitPrice: &price})
			return err
		})
		assert.True(t, models.IsValidation(err))
		assert.Equal(t, models.OrderPending, reload(t, db, o.ID).Status)
	})

	t.Run("active 订单不能改单", func(t *testing.T) {
		o := newOrder(t, db, models.OrderActive, models.PaymentPaid)
		err := inTx(t, db, func(tx *storage.Tx) error {
			_, err := m.ProposeEdit(ctx, tx, o, o.VendorID, models.EditData{Schedule: &newSchedule})
			return err
		})
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("空改单", func(t *testing.T) {
		o := newOrder(t, db, models.OrderPending, models.PaymentUnpaid)
		err := inTx(t, db, func(tx *storage.Tx) error {
			_, err := m.ProposeEdit(ctx, tx, o, o.VendorID, models.EditData{})
			return err
		})
		assert.True(t, models.IsValidation(err))
	})
}

func TestMachine_ApplyEdit(t *testing.T) {
	m, db := setupMachine(t)
	ctx := context.Background()

	propose := func(t *testing.T, o *models.Order, data models.EditData) *models.OrderEdit {
		t.Helper()
		var edit *models.OrderEdit
		require.NoError(t, inTx(t, db, func(tx *storage.Tx) error {
			var err error
			edit, err = m.ProposeEdit(ctx, tx, o, o.VendorID, data)
			return err
		}))
		return edit
	}

	t.Run("未支付订单改价后回到 pending", func(t *testing.T) {
		o := newOrder(t, db, models.OrderPending, models.PaymentUnpaid)
		price := int64(1200000)
		edit := propose(t, o, models.EditData{UnitPrice: &price})

		require.NoError(t, inTx(t, db, func(tx *storage.Tx) error {
			return m.ApplyEdit(ctx, tx, o, edit, o.CustomerID)
		}))
		assert.Equal(t, models.EditAccepted, edit.Status)

		got := reload(t, db, o.ID)
		assert.Equal(t, models.OrderPending, got.Status)
		assert.Equal(t, int64(1200000), got.UnitPrice)
		assert.Equal(t, int64(1200000), got.Subtotal)
		assert.Equal(t, int64(1300000), got.Total)
		assert.NoError(t, got.Breakdown.Validate())
	})

	t.Run("已支付订单改期后进入 active", func(t *testing.T) {
		o := newOrder(t, db, models.OrderPending, models.PaymentPaid)
		loc := models.Location{Address: "1 Broad St", City: "Lagos Island", State: "Lagos"}
		edit := propose(t, o, models.EditData{Location: &loc})
		assert.True(t, edit.OrderWasPaid)

		require.NoError(t, inTx(t, db, func(tx *storage.Tx) error {
			return m.ApplyEdit(ctx, tx, o, edit, o.CustomerID)
		}))
		got := reload(t, db, o.ID)
		assert.Equal(t, models.OrderActive, got.Status)
		assert.Equal(t, "Lagos Island", got.City)
		assert.Equal(t, int64(1000000), got.Total)
	})

	t.Run("改单期间完成支付", func(t *testing.T) {
		o := newOrder(t, db, models.OrderPending, models.PaymentUnpaid)
		sched := models.Schedule{Date: "2026-12-01", StartTime: "08:00", EndTime: "09:00"}
		edit := propose(t, o, models.EditData{Schedule: &sched})

		require.NoError(t, inTx(t, db, func(tx *storage.Tx) error {
			return m.SetPaymentStatus(ctx, tx, o, models.PaymentPaid)
		}))
		require.NoError(t, inTx(t, db, func(tx *storage.Tx) error {
			return m.ApplyEdit(ctx, tx, o, edit, o.CustomerID)
		}))
		assert.Equal(t, models.OrderActive, reload(t, db, o.ID).Status)
	})

	t.Run("改价期间完成支付时拒绝接受", func(t *testing.T) {
		o := newOrder(t, db, models.OrderPending, models.PaymentUnpaid)
		price := int64(500000)
		edit := propose(t, o, models.EditData{UnitPrice: &price})
		require.NoError(t, inTx(t, db, func(tx *storage.Tx) error {
			return m.SetPaymentStatus(ctx, tx, o, models.PaymentPaid)
		}))

		err := inTx(t, db, func(tx *storage.Tx) error {
			return m.ApplyEdit(ctx, tx, o, edit, o.CustomerID)
		})
		assert.True(t, models.IsValidation(err))
		assert.Equal(t, int64(1000000), reload(t, db, o.ID).Total)
	})

	t.Run("改单只能决定一次", func(t *testing.T) {
		o := newOrder(t, db, models.OrderPending, models.PaymentUnpaid)
		sched := models.Schedule{Date: "2026-12-02", StartTime: "08:00", EndTime: "09:00"}
		edit := propose(t, o, models.EditData{Schedule: &sched})
		require.NoError(t, inTx(t, db, func(tx *storage.Tx) error {
			return m.RejectEdit(ctx, tx, o, edit, o.CustomerID)
		}))

		err := inTx(t, db, func(tx *storage.Tx) error {
			return m.ApplyEdit(ctx, tx, o, edit, o.CustomerID)
		})
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("改单不属于订单", func(t *testing.T) {
		o := newOrder(t, db, models.OrderPending, models.PaymentUnpaid)
		other := newOrder(t, db, models.OrderPending, models.PaymentUnpaid)
		sched := models.Schedule{Date: "2026-12-03", StartTime: "08:00", EndTime: "09:00"}
		edit := propose(t, other, models.EditData{Schedule: &sched})

		err := inTx(t, db, func(tx *storage.Tx) error {
			return m.ApplyEdit(ctx, tx, o, edit, o.CustomerID)
		})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestMachine_RejectEdit(t *testing.T) {
	m, db := setupMachine(t)
	ctx := context.Background()
	o := newOrder(t, db, models.OrderPending, models.PaymentUnpaid)
	sched := models.Schedule{Date: "2026-11-09", StartTime: "10:00", EndTime: "12:00"}

	var edit *models.OrderEdit
	require.NoError(t, inTx(t, db, func(tx *storage.Tx) error {
		var err error
		edit, err = m.ProposeEdit(ctx, tx, o, o.VendorID, models.EditData{Schedule: &sched})
		return err
	}))

	require.NoError(t, inTx(t, db, func(tx *storage.Tx) error {
		return m.RejectEdit(ctx, tx, o, edit, o.CustomerID)
	}))
	assert.Equal(t, models.EditRejected, edit.Status)
	require.NotNil(t, edit.DecidedBy)
	assert.Equal(t, o.CustomerID, *edit.DecidedBy)

	got := reload(t, db, o.ID)
	assert.Equal(t, models.OrderEdited, got.Status, "拒绝不改变订单")
	assert.Equal(t, "2026-11-02", got.Schedule.Date)

	// 拒绝后可以再次提出
	require.NoError(t, inTx(t, db, func(tx *storage.Tx) error {
		_, err := m.ProposeEdit(ctx, tx, got, got.VendorID, models.EditData{Schedule: &sched})
		return err
	}))
}
