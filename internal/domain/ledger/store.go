/**
 * Package ledger 实现只追加的账本存储
 *
 * 每个用户的余额满足：balance = Σ completed 贷方 − Σ completed 借方。
 * 物化余额 ledger_balances 与分录在同一个数据库事务中更新，
 * SQLite 的 BEGIN IMMEDIATE 写锁串行化所有写入者，充当按用户加锁。
 */

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/cache"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/metrics"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// loadTimeout 合并后的余额查询的超时
const loadTimeout = 5 * time.Second

/**
 * Store 账本存储
 *
 * cache 和 metrics 都可以为 nil
 */
type Store struct {
	db      *sql.DB
	repo    *storage.SQLiteLedgerRepository
	cache   cache.Cache
	metrics *metrics.Metrics

	// group 合并同一用户的并发余额读取
	group singleflight.Group
}

/**
 * NewStore 创建账本存储
 *
 * Parameters:
 *   - db: 数据库连接
 *   - c: 余额缓存（nil 表示不缓存）
 *   - m: 指标（nil 表示不采集）
 *
 * Returns: *Store - 账本存储实例
 */
func NewStore(db *sql.DB, c cache.Cache, m *metrics.Metrics) *Store {
	return &Store{
		db:      db,
		repo:    storage.NewSQLiteLedgerRepository(db),
		cache:   c,
		metrics: m,
	}
}

/**
 * Commit 在独立事务中提交一批分录
 *
 * Returns: *models.PostingBatchResult - 提交结果, error - 错误信息
 */
func (s *Store) Commit(ctx context.Context, postings []models.Posting) (*models.PostingBatchResult, error) {
	var result *models.PostingBatchResult
	err := storage.RunInTx(ctx, s.db, func(tx *storage.Tx) error {
		var err error
		result, err = s.CommitTx(ctx, tx, postings)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

/**
 * CommitTx 在调用方事务中提交一批分录
 *
 * 幂等键 (user_id, category, order_id, reference) 已存在且方向、金额一致时视为重放，
 * 返回已落库的记录；不一致或同一批次内重复则违反账本不变式，整批中止。
 * 缓存写穿登记在 tx.AfterCommit 上，事务回滚时不会发生。
 *
 * Parameters:
 *   - ctx: 上下文
 *   - tx: 调用方事务
 *   - postings: 分录列表
 *
 * Returns: *models.PostingBatchResult - 提交结果, error - 错误信息
 */
func (s *Store) CommitTx(ctx context.Context, tx *storage.Tx, postings []models.Posting) (*models.PostingBatchResult, error) {
	if err := s.validate(postings); err != nil {
		return nil, err
	}

	result := &models.PostingBatchResult{
		Transactions: make([]models.Transaction, 0, len(postings)),
	}
	balances := make(map[int64]*models.BalanceSnapshot)
	var inserted []models.Transaction

	for _, p := range postings {
		existing, err := s.repo.FindByKey(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if !existing.Matches(p) {
				return nil, s.invariant("幂等键已存在但内容不一致", p,
					zap.Int64("existing_id", existing.ID),
					zap.String("existing_type", string(existing.Type)),
					zap.Int64("existing_amount", existing.Amount))
			}
			result.Transactions = append(result.Transactions, *existing)
			continue
		}

		snap, err := s.snapshot(ctx, tx, balances, p.UserID)
		if err != nil {
			return nil, err
		}
		snap.Balance += p.Signed()

		t := models.Transaction{
			UserID:       p.UserID,
			OrderID:      p.OrderID,
			Type:         p.Type,
			Category:     p.Category,
			Amount:       p.Amount,
			BalanceAfter: snap.Balance,
			Status:       models.TxCompleted,
			Reference:    p.Reference,
			Description:  p.Description,
		}
		if err := s.repo.Insert(ctx, tx, &t); err != nil {
			return nil, err
		}
		result.Transactions = append(result.Transactions, t)
		inserted = append(inserted, t)
	}

	touched, err := s.saveBalances(ctx, tx, balances)
	if err != nil {
		return nil, err
	}
	result.Balances = touched
	result.Replayed = len(inserted) == 0

	tx.AfterCommit(func() {
		s.writeThrough(touched)
		for _, t := range inserted {
			s.metrics.IncPosting(string(t.Category), string(t.Type))
		}
		if result.Replayed {
			s.metrics.IncReplay()
		}
	})

	logger.Debug("分录批次已写入",
		zap.Int("postings", len(postings)),
		zap.Int("inserted", len(inserted)),
		zap.Bool("replayed", result.Replayed))
	return result, nil
}

/**
 * Reverse 在独立事务中冲正一条分录
 *
 * Returns: *models.Transaction - 冲正分录, error - 错误信息
 */
func (s *Store) Reverse(ctx context.Context, id int64) (*models.Transaction, error) {
	var rev *models.Transaction
	err := storage.RunInTx(ctx, s.db, func(tx *storage.Tx) error {
		var err error
		rev, err = s.ReverseTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rev, nil
}

/**
 * ReverseTx 在调用方事务中冲正一条分录
 *
 * 插入方向相反、类别相同的分录（reference 加 ":reversal" 后缀，status=reversed），
 * 并把原分录条件更新为 reversed。两条记录都不再是 completed，
 * 余额公式因此恰好抵消原分录一次。
 *
 * Returns: *models.Transaction - 冲正分录, error - ErrAlreadyReversed / ErrLedgerInvariant 等
 */
func (s *Store) ReverseTx(ctx context.Context, tx *storage.Tx, id int64) (*models.Transaction, error) {
	original, err := s.repo.GetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	switch original.Status {
	case models.TxReversed:
		return nil, fmt.Errorf("分录 %d: %w", id, models.ErrAlreadyReversed)
	case models.TxCompleted:
	default:
		s.metrics.IncInvariantViolation()
		logger.Error("只能冲正已完成的分录",
			zap.Int64("transaction_id", id),
			zap.String("status", string(original.Status)))
		return nil, fmt.Errorf("分录 %d 状态为 %s: %w", id, original.Status, models.ErrLedgerInvariant)
	}

	balances := make(map[int64]*models.BalanceSnapshot)
	snap, err := s.snapshot(ctx, tx, balances, original.UserID)
	if err != nil {
		return nil, err
	}
	snap.Balance -= original.Signed()

	rev := &models.Transaction{
		UserID:       original.UserID,
		OrderID:      original.OrderID,
		Type:         original.Type.Opposite(),
		Category:     original.Category,
		Amount:       original.Amount,
		BalanceAfter: snap.Balance,
		Status:       models.TxReversed,
		Reference:    original.Reference + models.ReversalSuffix,
		ReversalOf:   &original.ID,
		Description:  "冲正 #" + strconv.FormatInt(original.ID, 10),
	}
	if err := s.repo.Insert(ctx, tx, rev); err != nil {
		return nil, err
	}

	ok, err := s.repo.MarkReversed(ctx, tx, original.ID, rev.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("分录 %d: %w", id, models.ErrAlreadyReversed)
	}

	touched, err := s.saveBalances(ctx, tx, balances)
	if err != nil {
		return nil, err
	}

	tx.AfterCommit(func() {
		s.writeThrough(touched)
		s.metrics.IncReversal()
	})

	logger.Info("分录已冲正",
		zap.Int64("transaction_id", original.ID),
		zap.Int64("reversal_id", rev.ID),
		zap.Int64("user_id", original.UserID),
		zap.Int64("balance_after", rev.BalanceAfter))
	return rev, nil
}

/**
 * ReverseOrderTx 冲正订单在指定类别下所有 completed 分录
 *
 * 没有可冲正的分录时返回空切片，由调用方决定是否视为错误
 */
func (s *Store) ReverseOrderTx(ctx context.Context, tx *storage.Tx, orderID int64, categories ...models.Category) ([]models.Transaction, error) {
	list, err := s.repo.ListByOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	wanted := make(map[models.Category]bool, len(categories))
	for _, c := range categories {
		wanted[c] = true
	}

	var reversals []models.Transaction
	for _, t := range list {
		if t.Status != models.TxCompleted || !wanted[t.Category] {
			continue
		}
		rev, err := s.ReverseTx(ctx, tx, t.ID)
		if err != nil {
			return nil, err
		}
		reversals = append(reversals, *rev)
	}
	return reversals, nil
}

/**
 * Balance 读取用户余额
 *
 * 先查缓存，未命中时从物化余额表读取并按版本回填；
 * 同一用户的并发未命中通过 singleflight 合并为一次查询；
 * 查询在独立的超时上下文中执行，某个调用方取消只影响它自己
 */
func (s *Store) Balance(ctx context.Context, userID int64) (models.BalanceSnapshot, error) {
	key := cacheKey(userID)

	if s.cache != nil {
		entry, found, err := s.cache.Get(ctx, key)
		if err != nil {
			logger.Warn("读取余额缓存失败，回退到数据库",
				zap.Int64("user_id", userID),
				zap.Error(err))
		} else if found {
			s.metrics.IncCacheLookup("hit")
			return models.BalanceSnapshot{UserID: userID, Balance: entry.Value, Version: entry.Version}, nil
		}
		s.metrics.IncCacheLookup("miss")
	}

	ch := s.group.DoChan(key, func() (any, error) {
		// 合并后的查询服务所有等待者，不跟随第一个调用方的取消
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		snap, err := s.repo.LoadBalance(loadCtx, nil, userID)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			if _, err := s.cache.SetIfNewer(loadCtx, key, cache.Entry{Value: snap.Balance, Version: snap.Version}); err != nil {
				logger.Warn("回填余额缓存失败",
					zap.Int64("user_id", userID),
					zap.Error(err))
			}
		}
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return models.BalanceSnapshot{}, fmt.Errorf("读取余额失败: %w", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return models.BalanceSnapshot{}, fmt.Errorf("读取余额失败: %w", r.Err)
		}
		return r.Val.(models.BalanceSnapshot), nil
	}
}

// RecomputeBalance 直接按分录重算余额，不经过物化表和缓存
func (s *Store) RecomputeBalance(ctx context.Context, userID int64) (int64, error) {
	return s.repo.SumCompleted(ctx, nil, userID)
}

/**
 * Reconcile 对账
 *
 * Returns: []models.BalanceDrift - 物化余额与重算结果不一致的用户, error - 错误信息
 */
func (s *Store) Reconcile(ctx context.Context) ([]models.BalanceDrift, error) {
	drifts, err := s.repo.FindDrift(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range drifts {
		logger.Warn("余额对账不一致",
			zap.Int64("user_id", d.UserID),
			zap.Int64("materialized", d.Materialized),
			zap.Int64("recomputed", d.Recomputed))
	}
	logger.Info("余额对账完成", zap.Int("drifts", len(drifts)))
	return drifts, nil
}

/**
 * Repair 用分录重算结果覆盖物化余额并递增版本
 *
 * 只用于运维修复（reconcile --repair），正常路径不会产生偏差
 */
func (s *Store) Repair(ctx context.Context, userID int64) (models.BalanceSnapshot, error) {
	var snap models.BalanceSnapshot
	err := storage.RunInTx(ctx, s.db, func(tx *storage.Tx) error {
		current, err := s.repo.LoadBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		sum, err := s.repo.SumCompleted(ctx, tx, userID)
		if err != nil {
			return err
		}
		snap = models.BalanceSnapshot{
			UserID:    userID,
			Balance:   sum,
			Version:   current.Version + 1,
			UpdatedAt: time.Now(),
		}
		if err := s.repo.SaveBalance(ctx, tx, snap); err != nil {
			return err
		}
		tx.AfterCommit(func() { s.writeThrough([]models.BalanceSnapshot{snap}) })
		return nil
	})
	if err != nil {
		return models.BalanceSnapshot{}, fmt.Errorf("修复余额失败: %w", err)
	}

	logger.Warn("物化余额已按分录修复",
		zap.Int64("user_id", userID),
		zap.Int64("balance", snap.Balance),
		zap.Int64("version", snap.Version))
	return snap, nil
}

// History 用户最近的分录，按 ID 倒序
func (s *Store) History(ctx context.Context, userID int64, limit int) ([]models.Transaction, error) {
	return s.repo.ListByUser(ctx, userID, limit)
}

// ForOrder 订单关联的全部分录（包括冲正）
func (s *Store) ForOrder(ctx context.Context, q storage.Querier, orderID int64) ([]models.Transaction, error) {
	return s.repo.ListByOrder(ctx, q, orderID)
}

// validate 校验整批分录，任何一条不合法都中止整批
func (s *Store) validate(postings []models.Posting) error {
	if len(postings) == 0 {
		s.metrics.IncInvariantViolation()
		logger.Error("空的分录批次")
		return fmt.Errorf("空的分录批次: %w", models.ErrLedgerInvariant)
	}

	seen := make(map[string]bool, len(postings))
	for _, p := range postings {
		if err := p.Validate(); err != nil {
			return s.invariant(err.Error(), p)
		}
		key := p.Key()
		if seen[key] {
			return s.invariant("同一批次内幂等键重复", p)
		}
		seen[key] = true
	}
	return nil
}

func (s *Store) invariant(reason string, p models.Posting, fields ...zap.Field) error {
	s.metrics.IncInvariantViolation()
	fields = append([]zap.Field{
		zap.String("reason", reason),
		zap.Int64("user_id", p.UserID),
		zap.String("category", string(p.Category)),
		zap.Int64("order_id", p.OrderID),
		zap.String("reference", p.Reference),
		zap.Int64("amount", p.Amount),
	}, fields...)
	logger.Error("违反账本不变式，批次中止", fields...)
	return fmt.Errorf("%s: %w", reason, models.ErrLedgerInvariant)
}

// snapshot 在事务内按需加载用户物化余额，同一事务内只读一次
func (s *Store) snapshot(ctx context.Context, tx *storage.Tx, balances map[int64]*models.BalanceSnapshot, userID int64) (*models.BalanceSnapshot, error) {
	if snap, ok := balances[userID]; ok {
		return snap, nil
	}
	snap, err := s.repo.LoadBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	balances[userID] = &snap
	return &snap, nil
}

// saveBalances 递增版本并写回每个被修改的用户余额，按 user_id 排序输出
func (s *Store) saveBalances(ctx context.Context, tx *storage.Tx, balances map[int64]*models.BalanceSnapshot) ([]models.BalanceSnapshot, error) {
	now := time.Now()
	out := make([]models.BalanceSnapshot, 0, len(balances))
	for _, snap := range balances {
		snap.Version++
		snap.UpdatedAt = now
		if err := s.repo.SaveBalance(ctx, tx, *snap); err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// writeThrough 事务提交后把新余额写入缓存；失败时删除键，让下次读取回源
func (s *Store) writeThrough(snaps []models.BalanceSnapshot) {
	if s.cache == nil || len(snaps) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, snap := range snaps {
		key := cacheKey(snap.UserID)
		_, err := s.cache.SetIfNewer(ctx, key, cache.Entry{Value: snap.Balance, Version: snap.Version})
		if err == nil {
			continue
		}
		logger.Warn("余额缓存写穿失败",
			zap.Int64("user_id", snap.UserID),
			zap.Int64("version", snap.Version),
			zap.Error(err))
		if delErr := s.cache.Delete(ctx, key); delErr != nil && !errors.Is(delErr, cache.ErrStopped) {
			logger.Error("删除余额缓存失败",
				zap.Int64("user_id", snap.UserID),
				zap.Error(delErr))
		}
	}
}

func cacheKey(userID int64) string {
	return "balance:" + strconv.FormatInt(userID, 10)
}
