package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
)

// NextVoucherSeq returns a monotonically increasing insertion sequence.
func (s *Store) NextVoucherSeq(ctx context.Context) (int64, error) {
	seq, err := s.rdb.Incr(ctx, voucherSeqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("voucher seq: %w", err)
	}
	return seq, nil
}

// voucherMember orders equal-expiry vouchers by insertion sequence, since
// sorted-set ties are broken lexicographically by member.
func voucherMember(v *domain.Voucher) string {
	return fmt.Sprintf("%020d:%s", v.Seq, v.ID)
}

func memberVoucherID(member string) string {
	if i := strings.IndexByte(member, ':'); i >= 0 {
		return member[i+1:]
	}
	return member
}

// IndexVoucher queues the voucher into its category's expiry index.
func (t *Tx) IndexVoucher(v *domain.Voucher) {
	z := redis.Z{Score: float64(v.ExpiresAt.Unix()), Member: voucherMember(v)}
	key := CategoryVouchersKey(v.CategoryID)
	t.queue(func(p redis.Pipeliner) { p.ZAdd(t.ctx, key, z) })
}

// CategoryVoucherIDs returns a category's voucher ids, soonest expiry first
// and insertion order within the same expiry.
func (s *Store) CategoryVoucherIDs(ctx context.Context, categoryID string) ([]string, error) {
	members, err := s.rdb.ZRange(ctx, CategoryVouchersKey(categoryID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list vouchers of %s: %w", categoryID, err)
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = memberVoucherID(m)
	}
	return ids, nil
}

// CategoryVouchers loads every voucher of a category in index order.
func (s *Store) CategoryVouchers(ctx context.Context, categoryID string) ([]*domain.Voucher, error) {
	ids, err := s.CategoryVoucherIDs(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Voucher, 0, len(ids))
	for _, id := range ids {
		v, err := s.GetVoucher(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
