package syncer

import (
	"context"

	"hunch-copytrader/models"
	"hunch-copytrader/storage"

	"github.com/shopspring/decimal"
)

// IdempotencyGuard is the at-most-once gate in front of the execution record store.
// A conflict on create is reported as storage.ErrCopyLogExists and must be
// handled exactly like FindExisting returning a record.
type IdempotencyGuard struct {
	store storage.ExecutionStore
}

// NewIdempotencyGuard wraps an execution record store
func NewIdempotencyGuard(store storage.ExecutionStore) *IdempotencyGuard {
	return &IdempotencyGuard{store: store}
}

// FindExisting returns the record for the pair in any status, or nil
func (g *IdempotencyGuard) FindExisting(ctx context.Context, leaderTradeID, followerID string) (*models.CopyLog, error) {
	return g.store.GetCopyLog(ctx, leaderTradeID, followerID)
}

// CreatePending writes the pending checkpoint before any external side effect.
// The store may lower the amount to the budget left after in-flight reservations.
func (g *IdempotencyGuard) CreatePending(ctx context.Context, leaderTradeID, followerID, leaderID string, amount decimal.Decimal) (*models.CopyLog, error) {
	return g.store.CreateCopyLog(ctx, models.CopyLog{
		LeaderTradeID: leaderTradeID,
		FollowerID:    followerID,
		LeaderID:      leaderID,
		CopyAmount:    amount,
		Status:        models.CopyLogPending,
	})
}

// RecordLimitExceeded writes a terminal skipped record so redeliveries see
// already_processed instead of re-evaluating the budget
func (g *IdempotencyGuard) RecordLimitExceeded(ctx context.Context, leaderTradeID, followerID, leaderID string) error {
	_, err := g.store.CreateCopyLog(ctx, models.CopyLog{
		LeaderTradeID: leaderTradeID,
		FollowerID:    followerID,
		LeaderID:      leaderID,
		CopyAmount:    decimal.Zero,
		Status:        models.CopyLogSkipped,
		SkipReason:    models.SkipLimitExceeded,
	})
	return err
}
