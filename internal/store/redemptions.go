package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mapableau-jonathan/mapableau-sub000/internal/domain"
)

// RedemptionQueueKey is the list of redemption ids awaiting payout.
const RedemptionQueueKey = "redemption:queue"

// ClaimKey records which redemption a transaction is being paid out by.
func ClaimKey(txnID string) string { return "redemption:claim:" + txnID }

func claimKeys(txnIDs []string) []string {
	keys := make([]string, len(txnIDs))
	for i, id := range txnIDs {
		keys[i] = ClaimKey(id)
	}
	return keys
}

// CreateRedemption claims r's transactions and stores r in one transaction.
// Transactions already claimed by another redemption are reported together
// in a *domain.DuplicateRedemptionClaimError and nothing is written.
func (s *Store) CreateRedemption(ctx context.Context, r *domain.Redemption) error {
	return s.Atomic(ctx, claimKeys(r.TransactionIDs), func(tx *Tx) error {
		var taken []string
		for _, id := range r.TransactionIDs {
			held, err := tx.Exists(ClaimKey(id))
			if err != nil {
				return err
			}
			if held {
				taken = append(taken, id)
			}
		}
		if len(taken) > 0 {
			return &domain.DuplicateRedemptionClaimError{TransactionIDs: taken}
		}
		for _, id := range r.TransactionIDs {
			tx.Set(ClaimKey(id), r.ID)
		}
		return tx.put(RedemptionKey(r.ID), r)
	})
}

// ReleaseClaims drops the claims redemptionID holds so the transactions can
// be redeemed again. Claims owned by other redemptions are left alone.
func (s *Store) ReleaseClaims(ctx context.Context, redemptionID string, txnIDs []string) error {
	return s.Atomic(ctx, claimKeys(txnIDs), func(tx *Tx) error {
		for _, id := range txnIDs {
			owner, ok, err := tx.Get(ClaimKey(id))
			if err != nil {
				return err
			}
			if ok && owner == redemptionID {
				tx.Del(ClaimKey(id))
			}
		}
		return nil
	})
}

// ClaimOwner returns the redemption holding txnID, or "" when unclaimed.
func (s *Store) ClaimOwner(ctx context.Context, txnID string) (string, error) {
	owner, err := s.rdb.Get(ctx, ClaimKey(txnID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}

func (s *Store) EnqueueRedemption(ctx context.Context, id string) error {
	if err := s.rdb.RPush(ctx, RedemptionQueueKey, id).Err(); err != nil {
		return fmt.Errorf("enqueue redemption %s: %w", id, err)
	}
	return nil
}

// PopRedemption blocks up to timeout for the next queued id. It returns ""
// with a nil error when the wait times out.
func (s *Store) PopRedemption(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := s.rdb.BLPop(ctx, timeout, RedemptionQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// res[0] is the key, res[1] the popped value.
	return res[1], nil
}
