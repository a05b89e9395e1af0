package services

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/dispute"
	"github.com/chenyang-zz/marketcore/internal/domain/ledger"
	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/domain/order"
	"github.com/chenyang-zz/marketcore/internal/domain/pricing"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/metrics"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/storage"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/storage/storagetest"
	"github.com/chenyang-zz/marketcore/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	customerID int64 = 10
	vendorID   int64 = 20
	vendor2ID  int64 = 30
	platformID int64 = 1
	adminID    int64 = 99

	repairService   int64 = 1
	cleaningService int64 = 2
	ownService      int64 = 3
)

var (
	customer = models.Actor{ID: customerID, Role: models.RoleCustomer}
	vendor   = models.Actor{ID: vendorID, Role: models.RoleVendor}
	vendor2  = models.Actor{ID: vendor2ID, Role: models.RoleVendor}
	admin    = models.Actor{ID: adminID, Role: models.RoleAdmin}

	schedule = models.Schedule{Date: "2026-11-02", StartTime: "09:00", EndTime: "11:00"}
	location = models.Location{Address: "12 Awolowo Road", City: "Ikoyi", State: "Lagos"}
)

/**
 * fakeGateway 可编排结果的支付网关
 *
 * block 为 true 时一直等到 ctx 结束，模拟网关无响应；
 * late 为 true 时等到 ctx 结束后仍返回 outcome，模拟结果恰好晚于截止时间
 */
type fakeGateway struct {
	mu       sync.Mutex
	outcome  models.ChargeOutcome
	block    bool
	late     bool
	requests []models.ChargeRequest
}

func (g *fakeGateway) Charge(ctx context.Context, req models.ChargeRequest) (models.ChargeResult, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	outcome, block, late := g.outcome, g.block, g.late
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return models.ChargeResult{}, ctx.Err()
	}
	if late {
		<-ctx.Done()
	}
	res := models.ChargeResult{Outcome: outcome, ProviderRef: "psp-" + req.Reference}
	if outcome == models.ChargeDeclined {
		res.FailureReason = "insufficient funds"
	}
	return res, nil
}

func (g *fakeGateway) set(outcome models.ChargeOutcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcome = outcome
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *fakeGateway) lastReference() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) == 0 {
		return ""
	}
	return g.requests[len(g.requests)-1].Reference
}

type recorder struct {
	mu   sync.Mutex
	list []models.Activity
}

func (r *recorder) Record(a models.Activity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, a)
	return true
}

func (r *recorder) count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.list {
		if a.Action == action {
			n++
		}
	}
	return n
}

type fixture struct {
	db       *sql.DB
	gw       *fakeGateway
	store    *ledger.Store
	checkout *CheckoutOrchestrator
	orders   *OrderService
	disputes *dispute.Engine
	auditor  *recorder
	bus      *events.EventBus

	mu       sync.Mutex
	received []events.Event
}

func setup(t *testing.T) *fixture {
	return setupWith(t, func(*CheckoutOptions) {})
}

// setupWith 在默认配置上修改结账选项
func setupWith(t *testing.T, mutate func(*CheckoutOptions)) *fixture {
	t.Helper()
	db := storagetest.NewDB(t)
	storagetest.SeedService(t, db, repairService, vendorID, 900000)
	storagetest.SeedService(t, db, cleaningService, vendor2ID, 450000)
	storagetest.SeedService(t, db, ownService, customerID, 100000)

	f := &fixture{
		db:      db,
		gw:      &fakeGateway{outcome: models.ChargeSucceeded},
		store:   ledger.NewStore(db, nil, nil),
		auditor: &recorder{},
		bus:     events.NewEventBus(events.WithAsyncDisabled()),
	}
	f.bus.Subscribe("*", func(e events.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.received = append(f.received, e)
		return nil
	})

	opts := CheckoutOptions{
		Policy:         pricing.Policy{FeeFlat: 100000},
		Currency:       "NGN",
		PlatformUserID: platformID,
		GatewayTimeout: time.Second,
	}
	mutate(&opts)

	m := metrics.New()
	hooks := Hooks{Auditor: f.auditor, Events: f.bus, Metrics: m}
	machine := order.NewMachine(db, opts.Policy, m)
	catalog := storage.NewSQLiteCatalogRepository(db)

	f.disputes = dispute.NewEngine(db, machine, f.store, dispute.Options{
		RefundPlatformFee: opts.RefundPlatformFee,
		Currency:          opts.Currency,
		Auditor:           f.auditor,
		Events:            f.bus,
		Metrics:           m,
	})
	f.checkout = NewCheckoutOrchestrator(db, f.gw, catalog, machine, f.store, f.disputes, opts, hooks)
	f.orders = NewOrderService(db, catalog, machine, f.store, f.disputes, f.checkout, hooks)
	return f
}

func (f *fixture) buy(t *testing.T, serviceID int64, qty int) *CheckoutResult {
	t.Helper()
	res, err := f.checkout.CheckoutDirect(context.Background(), customer,
		CheckoutItem{ServiceID: serviceID, Quantity: qty}, schedule, location)
	require.NoError(t, err)
	return res
}

func (f *fixture) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	snap, err := f.store.Balance(context.Background(), userID)
	require.NoError(t, err)
	return snap.Balance
}

func (f *fixture) order(t *testing.T, id int64) *models.Order {
	t.Helper()
	o, err := storage.NewSQLiteOrderRepository(f.db).GetByID(context.Background(), nil, id)
	require.NoError(t, err)
	return o
}

func (f *fixture) payment(t *testing.T, reference string) *models.PaymentTransaction {
	t.Helper()
	p, err := storage.NewSQLitePaymentRepository(f.db).GetByReference(context.Background(), nil, reference)
	require.NoError(t, err)
	return p
}

func (f *fixture) orderCount(t *testing.T) int64 {
	t.Helper()
	n, err := storage.NewSQLiteOrderRepository(f.db).Count(context.Background())
	require.NoError(t, err)
	return n
}

func (f *fixture) eventsOf(typ events.EventType) []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Event
	for _, e := range f.received {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) assertConsistent(t *testing.T) {
	t.Helper()
	drifts, err := f.store.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drifts)
}
