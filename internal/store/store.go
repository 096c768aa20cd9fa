// Package store persists domain entities in Redis.
//
// Entities are JSON strings under "{kind}:{id}". Multi-key mutations go
// through Atomic, an optimistic WATCH/MULTI/EXEC loop; long-running
// sequences that span external calls are serialized with Lock.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
)

const (
	maxTxRetries   = 32
	lockTries      = 64
	lockRetryDelay = 50 * time.Millisecond
)

// ErrConflict is returned when an optimistic transaction keeps losing races.
var ErrConflict = errors.New("store: too many concurrent modifications")

// ErrLockTaken is returned when a row lock could not be acquired.
var ErrLockTaken = errors.New("store: lock held by another worker")

type Store struct {
	rdb        *redis.Client
	rs         *redsync.Redsync
	lockExpiry time.Duration
	log        *zap.Logger
}

func New(rdb *redis.Client, lockExpiry time.Duration, log *zap.Logger) *Store {
	if lockExpiry <= 0 {
		lockExpiry = 60 * time.Second
	}
	return &Store{
		rdb:        rdb,
		rs:         redsync.New(goredis.NewPool(rdb)),
		lockExpiry: lockExpiry,
		log:        log,
	}
}

// Redis exposes the underlying client for queue and index operations.
func (s *Store) Redis() *redis.Client { return s.rdb }

// ── keys ──────────────────────────────────────────────────────────────────────

func PlanKey(id string) string        { return "plan:" + id }
func CategoryKey(id string) string    { return "category:" + id }
func VoucherKey(id string) string     { return "voucher:" + id }
func TransactionKey(id string) string { return "txn:" + id }
func RedemptionKey(id string) string  { return "redemption:" + id }

// CategoryVouchersKey is the sorted set of a category's vouchers scored by expiry.
func CategoryVouchersKey(categoryID string) string { return "category:" + categoryID + ":vouchers" }

func ProviderTransactionsKey(providerID string) string {
	return "provider:" + providerID + ":transactions"
}

// AppliedKey marks a ref-keyed side effect as already applied.
func AppliedKey(scope, ref string) string { return "applied:" + scope + ":" + ref }

// Lock names for the per-row mutexes taken with Lock.
func VoucherLock(id string) string     { return "voucher:" + id }
func CategoryLock(id string) string    { return "category:" + id }
func TransactionLock(id string) string { return "txn:" + id }
func RedemptionLock(id string) string  { return "redemption:" + id }

const (
	ProcessingKey = "txn:processing"
	voucherSeqKey = "voucher:seq"
	lockKeyPrefix = "lock:"

	// RedemptionProcessingKey indexes redemptions awaiting a payout verdict.
	RedemptionProcessingKey = "redemption:processing"
)

// ── locks ─────────────────────────────────────────────────────────────────────

// Lock acquires the distributed mutex "lock:{name}", retrying until ctx is
// done or the try budget is spent. The returned func releases it.
func (s *Store) Lock(ctx context.Context, name string) (func(), error) {
	m := s.rs.NewMutex(lockKeyPrefix+name,
		redsync.WithExpiry(s.lockExpiry),
		redsync.WithTries(lockTries),
		redsync.WithRetryDelay(lockRetryDelay),
	)
	if err := m.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, fmt.Errorf("%s: %w", name, ErrLockTaken)
		}
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	return func() {
		if ok, err := m.UnlockContext(context.Background()); !ok || err != nil {
			s.log.Warn("release lock", zap.String("lock", name), zap.Bool("held", ok), zap.Error(err))
		}
	}, nil
}

// ── optimistic transactions ───────────────────────────────────────────────────

// Tx is the view of a single WATCH attempt. Reads go straight to Redis; writes
// are queued and flushed in one MULTI/EXEC when the callback returns nil.
type Tx struct {
	ctx context.Context
	rtx *redis.Tx
	ops []func(redis.Pipeliner)
}

// Atomic runs fn under WATCH on keys and commits its queued writes
// atomically. fn is re-run from scratch when a watched key changes.
func (s *Store) Atomic(ctx context.Context, keys []string, fn func(*Tx) error) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &Tx{ctx: ctx, rtx: rtx}
			if err := fn(tx); err != nil {
				return err
			}
			if len(tx.ops) == 0 {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				for _, op := range tx.ops {
					op(p)
				}
				return nil
			})
			return err
		}, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (t *Tx) queue(op func(redis.Pipeliner)) { t.ops = append(t.ops, op) }

// Exists reports whether key is present.
func (t *Tx) Exists(key string) (bool, error) {
	n, err := t.rtx.Exists(t.ctx, key).Result()
	return n > 0, err
}

// Applied reports whether the marker for (scope, ref) is set.
func (t *Tx) Applied(scope, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	return t.Exists(AppliedKey(scope, ref))
}

// MarkApplied queues the marker for (scope, ref).
func (t *Tx) MarkApplied(scope, ref string) {
	if ref == "" {
		return
	}
	key := AppliedKey(scope, ref)
	t.queue(func(p redis.Pipeliner) { p.Set(t.ctx, key, time.Now().Unix(), 0) })
}

// Get reads a raw string value; ok is false when key is absent.
func (t *Tx) Get(key string) (string, bool, error) {
	v, err := t.rtx.Get(t.ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set queues a raw string write.
func (t *Tx) Set(key, value string) {
	t.queue(func(p redis.Pipeliner) { p.Set(t.ctx, key, value, 0) })
}

// Del queues deletion of keys.
func (t *Tx) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	t.queue(func(p redis.Pipeliner) { p.Del(t.ctx, keys...) })
}

func (t *Tx) Plan(id string) (*domain.Plan, error) {
	var p domain.Plan
	return &p, getJSON(t.ctx, t.rtx, PlanKey(id), &p)
}

func (t *Tx) Category(id string) (*domain.Category, error) {
	var c domain.Category
	return &c, getJSON(t.ctx, t.rtx, CategoryKey(id), &c)
}

func (t *Tx) Voucher(id string) (*domain.Voucher, error) {
	var v domain.Voucher
	if err := getJSON(t.ctx, t.rtx, VoucherKey(id), &v); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, domain.ErrVoucherNotFound)
		}
		return nil, err
	}
	return &v, nil
}

func (t *Tx) Transaction(id string) (*domain.Transaction, error) {
	var txn domain.Transaction
	return &txn, getJSON(t.ctx, t.rtx, TransactionKey(id), &txn)
}

func (t *Tx) PutPlan(p *domain.Plan) error {
	return t.put(PlanKey(p.ID), p)
}

func (t *Tx) PutCategory(c *domain.Category) error {
	return t.put(CategoryKey(c.ID), c)
}

func (t *Tx) PutVoucher(v *domain.Voucher) error {
	return t.put(VoucherKey(v.ID), v)
}

func (t *Tx) PutTransaction(txn *domain.Transaction) error {
	b, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("encode txn %s: %w", txn.ID, err)
	}
	t.queue(func(p redis.Pipeliner) { writeTransaction(t.ctx, p, txn, b) })
	return nil
}

func (t *Tx) put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	t.queue(func(p redis.Pipeliner) { p.Set(t.ctx, key, b, 0) })
	return nil
}

// ── plain reads and writes ────────────────────────────────────────────────────

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON(ctx context.Context, r getter, key string, v any) error {
	b, err := r.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	var p domain.Plan
	if err := getJSON(ctx, s.rdb, PlanKey(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetCategory(ctx context.Context, id string) (*domain.Category, error) {
	var c domain.Category
	if err := getJSON(ctx, s.rdb, CategoryKey(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetVoucher(ctx context.Context, id string) (*domain.Voucher, error) {
	var v domain.Voucher
	if err := getJSON(ctx, s.rdb, VoucherKey(id), &v); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, domain.ErrVoucherNotFound)
		}
		return nil, err
	}
	return &v, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	var t domain.Transaction
	if err := getJSON(ctx, s.rdb, TransactionKey(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetRedemption(ctx context.Context, id string) (*domain.Redemption, error) {
	var r domain.Redemption
	if err := getJSON(ctx, s.rdb, RedemptionKey(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveRedemption writes r and keeps the PROCESSING redemption index in step.
func (s *Store) SaveRedemption(ctx context.Context, r *domain.Redemption) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode redemption %s: %w", r.ID, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, RedemptionKey(r.ID), b, 0)
		if r.Status == domain.RedemptionProcessing {
			p.SAdd(ctx, RedemptionProcessingKey, r.ID)
		} else {
			p.SRem(ctx, RedemptionProcessingKey, r.ID)
		}
		return nil
	})
	return err
}

// ProcessingRedemptions lists ids of redemptions whose payout is unresolved.
func (s *Store) ProcessingRedemptions(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, RedemptionProcessingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list processing redemptions: %w", err)
	}
	return ids, nil
}

// SaveTransaction writes t and keeps the provider and PROCESSING indexes in step.
func (s *Store) SaveTransaction(ctx context.Context, t *domain.Transaction) error {
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode txn %s: %w", t.ID, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		writeTransaction(ctx, p, t, b)
		return nil
	})
	return err
}

func writeTransaction(ctx context.Context, p redis.Pipeliner, t *domain.Transaction, b []byte) {
	p.Set(ctx, TransactionKey(t.ID), b, 0)
	if t.ProviderID != "" {
		p.SAdd(ctx, ProviderTransactionsKey(t.ProviderID), t.ID)
	}
	if t.Status == domain.TxnProcessing {
		p.SAdd(ctx, ProcessingKey, t.ID)
	} else {
		p.SRem(ctx, ProcessingKey, t.ID)
	}
}

// ProcessingTransactions lists ids of transactions awaiting reconciliation.
func (s *Store) ProcessingTransactions(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, ProcessingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list processing: %w", err)
	}
	return ids, nil
}

// ProviderTransactions lists ids of every transaction paid to providerID.
func (s *Store) ProviderTransactions(ctx context.Context, providerID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, ProviderTransactionsKey(providerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list provider %s: %w", providerID, err)
	}
	return ids, nil
}
