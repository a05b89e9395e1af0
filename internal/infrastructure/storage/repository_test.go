package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOrder(ref string) *models.Order {
	return &models.Order{
		Reference:     ref,
		CheckoutRef:   "CHK-TEST",
		CustomerID:    10,
		VendorID:      20,
		ServiceID:     30,
		ServiceTitle:  "Deep cleaning",
		UnitPrice:     900000,
		Quantity:      1,
		Status:        models.OrderPending,
		PaymentStatus: models.PaymentUnpaid,
		Breakdown:     models.Breakdown{Subtotal: 900000, PlatformFee: 100000, Total: 1000000},
		Schedule:      models.Schedule{Date: "2026-11-02", StartTime: "09:00", EndTime: "11:00"},
		Location:      models.Location{Address: "5 Admiralty Way", City: "Lekki", State: "Lagos"},
	}
}

func createOrder(t *testing.T, db *sql.DB, ref string) *models.Order {
	t.Helper()
	o := sampleOrder(ref)
	require.NoError(t, NewSQLiteOrderRepository(db).Create(context.Background(), nil, o))
	return o
}

// TestSQLiteOrderRepository_CreateAndGet 测试保存与查询订单
func TestSQLiteOrderRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteOrderRepository(db)
	ctx := context.Background()

	o := createOrder(t, db, "ORD-0000000001")
	assert.NotZero(t, o.ID)

	got, err := repo.GetByID(ctx, nil, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Reference, got.Reference)
	assert.Equal(t, int64(1000000), got.Total)
	assert.Equal(t, "2026-11-02", got.Schedule.Date)
	assert.Equal(t, "Lekki", got.City)
	assert.Nil(t, got.CompletedAt)

	byRef, err := repo.GetByReference(ctx, nil, "ORD-0000000001")
	require.NoError(t, err)
	assert.Equal(t, o.ID, byRef.ID)

	_, err = repo.GetByID(ctx, nil, 999)
	assert.ErrorIs(t, err, models.ErrNotFound)

	list, err := repo.ListByCheckout(ctx, nil, "CHK-TEST")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	mine, err := repo.ListByUser(ctx, 20, 10)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

// TestSQLiteOrderRepository_CompareAndSetStatus 测试条件更新
func TestSQLiteOrderRepository_CompareAndSetStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteOrderRepository(db)
	ctx := context.Background()
	o := createOrder(t, db, "ORD-0000000002")
	now := time.Now()

	t.Run("期望状态匹配", func(t *testing.T) {
		ok, err := repo.CompareAndSetStatus(ctx, nil, o.ID, models.OrderPending, models.OrderCancelled, now)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.GetByID(ctx, nil, o.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderCancelled, got.Status)
		require.NotNil(t, got.CancelledAt)
	})

	t.Run("期望状态不匹配", func(t *testing.T) {
		ok, err := repo.CompareAndSetStatus(ctx, nil, o.ID, models.OrderPending, models.OrderActive, now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("支付状态", func(t *testing.T) {
		ok, err := repo.CompareAndSetPaymentStatus(ctx, nil, o.ID, models.PaymentUnpaid, models.PaymentPaid, now)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = repo.CompareAndSetPaymentStatus(ctx, nil, o.ID, models.PaymentUnpaid, models.PaymentPaid, now)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// TestSQLiteEditRepository 测试改单保存、查询与决定
func TestSQLiteEditRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteEditRepository(db)
	ctx := context.Background()
	o := createOrder(t, db, "ORD-0000000003")

	sched := models.Schedule{Date: "2026-11-05", StartTime: "13:00", EndTime: "15:00"}
	edit := &models.OrderEdit{
		OrderID:    o.ID,
		ProposedBy: o.VendorID,
		NewData:    models.EditData{Schedule: &sched},
		OldData:    models.EditData{Schedule: &o.Schedule},
		Status:     models.EditPending,
	}
	require.NoError(t, repo.Create(ctx, nil, edit))

	pending, err := repo.FindPending(ctx, nil, o.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "2026-11-05", pending.NewData.Schedule.Date)
	assert.Equal(t, "2026-11-02", pending.OldData.Schedule.Date)

	// 第二条 pending 改单违反唯一索引
	dup := *edit
	dup.ID = 0
	assert.Error(t, repo.Create(ctx, nil, &dup))

	ok, err := repo.Decide(ctx, nil, edit.ID, models.EditRejected, o.CustomerID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Decide(ctx, nil, edit.ID, models.EditAccepted, o.CustomerID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "已决定的改单不能再次决定")

	got, err := repo.GetByID(ctx, nil, edit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EditRejected, got.Status)
	require.NotNil(t, got.DecidedBy)
	assert.Equal(t, o.CustomerID, *got.DecidedBy)

	none, err := repo.FindPending(ctx, nil, o.ID)
	require.NoError(t, err)
	assert.Nil(t, none)
}

// TestSQLiteDisputeRepository 测试争议状态与一次性裁决
func TestSQLiteDisputeRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteDisputeRepository(db)
	ctx := context.Background()
	o := createOrder(t, db, "ORD-0000000004")

	d := &models.Dispute{
		OrderID:      o.ID,
		RaisedBy:     o.CustomerID,
		RaisedByRole: models.RoleCustomer,
		ReasonCode:   models.ReasonNoShow,
		Status:       models.DisputeOpen,
	}
	require.NoError(t, repo.Create(ctx, nil, d))

	active, err := repo.FindActiveByOrder(ctx, nil, o.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, d.ID, active.ID)

	now := time.Now()
	admin := int64(1)
	d.Resolution = models.ResolutionRefundCustomer
	d.ResolutionNotes = "vendor no-show confirmed"
	d.ResolvedBy = &admin
	d.ResolvedAt = &now
	d.UpdatedAt = now

	ok, err := repo.Resolve(ctx, nil, d, models.DisputeOpen)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Resolve(ctx, nil, d, models.DisputeResolved)
	require.NoError(t, err)
	assert.False(t, ok, "裁决只能写入一次")

	ok, err = repo.CompareAndSetStatus(ctx, nil, d.ID, models.DisputeResolved, models.DisputeClosed, now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.GetByID(ctx, nil, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeClosed, got.Status)
	assert.Equal(t, models.ResolutionRefundCustomer, got.Resolution)
	assert.NotNil(t, got.ClosedAt)
	assert.NotNil(t, got.ResolvedAt)

	none, err := repo.FindActiveByOrder(ctx, nil, o.ID)
	require.NoError(t, err)
	assert.Nil(t, none)
}

// TestSQLiteLedgerRepository 测试分录幂等键查询、冲正标记与对账
func TestSQLiteLedgerRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteLedgerRepository(db)
	ctx := context.Background()

	posting := models.Posting{UserID: 10, Type: models.Debit, Category: models.CategoryOrder, Amount: 500, Reference: "ORD-X"}

	found, err := repo.FindByKey(ctx, nil, posting)
	require.NoError(t, err)
	assert.Nil(t, found)

	tx := &models.Transaction{
		UserID: 10, Type: models.Debit, Category: models.CategoryOrder, Amount: 500,
		BalanceAfter: -500, Status: models.TxCompleted, Reference: "ORD-X",
	}
	require.NoError(t, repo.Insert(ctx, nil, tx))

	found, err = repo.FindByKey(ctx, nil, posting)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, tx.ID, found.ID)
	assert.Zero(t, found.OrderID)

	sum, err := repo.SumCompleted(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(-500), sum)

	t.Run("物化余额缺失时对账报告差异", func(t *testing.T) {
		drifts, err := repo.FindDrift(ctx)
		require.NoError(t, err)
		require.Len(t, drifts, 1)
		assert.Equal(t, models.BalanceDrift{UserID: 10, Materialized: 0, Recomputed: -500}, drifts[0])
	})

	t.Run("写入物化余额后一致", func(t *testing.T) {
		require.NoError(t, repo.SaveBalance(ctx, nil, models.BalanceSnapshot{UserID: 10, Balance: -500, Version: 1, UpdatedAt: time.Now()}))
		drifts, err := repo.FindDrift(ctx)
		require.NoError(t, err)
		assert.Empty(t, drifts)

		snap, err := repo.LoadBalance(ctx, nil, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(-500), snap.Balance)
		assert.Equal(t, int64(1), snap.Version)
	})

	t.Run("标记冲正只生效一次", func(t *testing.T) {
		rev := &models.Transaction{
			UserID: 10, Type: models.Credit, Category: models.CategoryOrder, Amount: 500,
			Status: models.TxReversed, Reference: "ORD-X:reversal", ReversalOf: &tx.ID,
		}
		require.NoError(t, repo.Insert(ctx, nil, rev))

		ok, err := repo.MarkReversed(ctx, nil, tx.ID, rev.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = repo.MarkReversed(ctx, nil, tx.ID, rev.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := repo.GetByID(ctx, nil, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TxReversed, got.Status)
		require.NotNil(t, got.ReversedBy)
		assert.Equal(t, rev.ID, *got.ReversedBy)
	})

	t.Run("未知用户余额为零", func(t *testing.T) {
		snap, err := repo.LoadBalance(ctx, nil, 404)
		require.NoError(t, err)
		assert.Zero(t, snap.Balance)
		assert.Zero(t, snap.Version)
	})
}

// TestSQLitePaymentRepository 测试支付记录
func TestSQLitePaymentRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLitePaymentRepository(db)
	ctx := context.Background()

	p := &models.PaymentTransaction{
		Reference: "CHK-1", CustomerID: 10, Amount: 1000000, Currency: "NGN",
		Provider: "simulated", ProviderRef: "psk_1", Status: models.PaymentRecordSucceeded,
	}
	require.NoError(t, repo.Create(ctx, nil, p))

	require.NoError(t, repo.UpdateStatus(ctx, nil, "CHK-1", models.PaymentRecordConfirmed, "", ""))
	got, err := repo.GetByReference(ctx, nil, "CHK-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRecordConfirmed, got.Status)
	assert.Equal(t, "psk_1", got.ProviderRef, "空 providerRef 保留原值")

	list, err := repo.ListByStatus(ctx, models.PaymentRecordConfirmed, models.PaymentRecordOrphaned)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = repo.GetByReference(ctx, nil, "CHK-404")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// TestSQLiteCatalogRepository 测试服务导入与购物车
func TestSQLiteCatalogRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteCatalogRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.UpsertServices(ctx, []models.Service{
		{ID: 1, VendorID: 20, Title: "Plumbing", Price: 500000, Approved: true, Active: true},
		{ID: 2, VendorID: 21, Title: "Painting", Price: 700000, Approved: false, Active: true},
	}))

	svc, err := repo.GetService(ctx, 1)
	require.NoError(t, err)
	assert.True(t, svc.IsPurchasable())

	// 覆盖导入
	require.NoError(t, repo.UpsertServices(ctx, []models.Service{
		{ID: 1, VendorID: 20, Title: "Plumbing", Price: 550000, Approved: true, Active: false},
	}))
	svc, err = repo.GetService(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(550000), svc.Price)
	assert.False(t, svc.IsPurchasable())

	_, err = repo.GetService(ctx, 99)
	assert.ErrorIs(t, err, models.ErrNotFound)

	t.Run("购物车", func(t *testing.T) {
		item, err := repo.AddCartItem(ctx, 10, 1, 1)
		require.NoError(t, err)
		item, err = repo.AddCartItem(ctx, 10, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, item.Quantity)

		other, err := repo.AddCartItem(ctx, 10, 2, 1)
		require.NoError(t, err)

		items, err := repo.ListCart(ctx, nil, 10)
		require.NoError(t, err)
		assert.Len(t, items, 2)

		assert.ErrorIs(t, repo.RemoveCartItem(ctx, 11, other.ID), models.ErrNotFound)
		require.NoError(t, repo.RemoveCartItem(ctx, 10, other.ID))

		require.NoError(t, repo.ClearCart(ctx, nil, 10, []int64{item.ID}))
		items, err = repo.ListCart(ctx, nil, 10)
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}

// TestSQLiteActivityRepository 测试审计日志
func TestSQLiteActivityRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteActivityRepository(db)
	ctx := context.Background()

	subject := models.SubjectRef{Kind: models.SubjectDispute, ID: 3}
	old := activityFor(0, "dispute.opened")
	old.Subject = subject
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	fresh := activityFor(0, "dispute.resolved")
	fresh.Subject = subject
	bogus := activityFor(0, "bogus")
	bogus.Subject = models.SubjectRef{Kind: "user", ID: 1}

	require.NoError(t, repo.SaveBatch(ctx, []models.Activity{old, fresh, bogus}))

	list, err := repo.ListBySubject(ctx, subject, 0)
	require.NoError(t, err)
	require.Len(t, list, 2, "非法主体类型被跳过")
	assert.Equal(t, "dispute.opened", list[0].Action)
	assert.Equal(t, "10.0.0.1", list[0].IPAddress)
	assert.Equal(t, "dispute.opened", list[0].Properties["note"])

	n, err := repo.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
