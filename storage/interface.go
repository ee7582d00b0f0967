package storage

import (
	"context"
	"errors"
	"time"

	"hunch-copytrader/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrCopyLogExists is returned when an execution record already exists for the pair
	ErrCopyLogExists = errors.New("copy log already exists")
	// ErrBudgetExhausted is returned when no authorized budget is left to reserve
	ErrBudgetExhausted = errors.New("copy budget exhausted")
	// ErrCopyLogNotPending is returned when a commit targets a record that is not pending
	ErrCopyLogNotPending = errors.New("copy log is not pending")
	// ErrAuthorizationNotFound is returned when a commit has no authorization row to charge
	ErrAuthorizationNotFound = errors.New("copy authorization not found")
)

// AuthorizationStore holds follower copy settings
type AuthorizationStore interface {
	// GetCopyAuthorization returns nil, nil when the follower has no settings for the leader
	GetCopyAuthorization(ctx context.Context, followerID, leaderID string) (*models.CopyAuthorization, error)
	UpsertCopyAuthorization(ctx context.Context, auth models.CopyAuthorization) error
}

// LedgerStore holds leader trades, follower trades and follower wallets
type LedgerStore interface {
	GetLeaderTrade(ctx context.Context, id string) (*models.LeaderTrade, error)
	GetFollowerWallet(ctx context.Context, userID string) (*models.FollowerWallet, error)
	ListFollowerTrades(ctx context.Context, userID string, limit int) ([]models.FollowerTrade, error)
}

// CopyCommit is everything written when a copy trade succeeds
type CopyCommit struct {
	LogID         uuid.UUID
	FollowerID    string
	LeaderID      string
	Amount        decimal.Decimal
	TransactionID string
	FollowerTrade models.FollowerTrade
}

// ExecutionStore is the idempotency ledger, one record per (leader trade, follower)
type ExecutionStore interface {
	GetCopyLog(ctx context.Context, leaderTradeID, followerID string) (*models.CopyLog, error)
	// CreateCopyLog inserts a pending or skipped record. Pending inserts re-check the
	// budget and may lower CopyAmount; the stored record is returned.
	CreateCopyLog(ctx context.Context, log models.CopyLog) (*models.CopyLog, error)
	MarkCopyLogFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	// CommitCopySuccess inserts the follower trade, marks the record success and
	// charges the authorization in a single transaction.
	CommitCopySuccess(ctx context.Context, commit CopyCommit) error
	ListCopyLogs(ctx context.Context, leaderTradeID string) ([]models.CopyLog, error)
	ListStalePendingCopyLogs(ctx context.Context, olderThan time.Duration) ([]models.CopyLog, error)
}

// CopyStore is everything the copy executor needs from persistence
type CopyStore interface {
	AuthorizationStore
	LedgerStore
	ExecutionStore
}

// AssetCache caches resolved market outcome assets
type AssetCache interface {
	GetCachedAsset(ctx context.Context, marketTicker string, side models.Side) (string, error)
	CacheAsset(ctx context.Context, marketTicker string, side models.Side, asset string) error
}

// Ensure both implementations satisfy the interfaces
var _ CopyStore = (*MockStore)(nil)
var _ CopyStore = (*PostgresStore)(nil)
var _ AssetCache = (*PostgresStore)(nil)
