package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the outcome side of a binary market
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// LeaderTrade is the trade being copied. Owned by the trade-placement flow.
type LeaderTrade struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	MarketTicker string          `json:"market_ticker"`
	EventTicker  string          `json:"event_ticker"`
	Side         Side            `json:"side"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CreatedAt    time.Time       `json:"created_at"`
}

// CopyAuthorization is a follower's copy settings for one leader.
// UsedAmount only ever grows and never passes MaxTotalAmount.
type CopyAuthorization struct {
	FollowerID        string          `json:"follower_id"`
	LeaderID          string          `json:"leader_id"`
	AmountPerTrade    decimal.Decimal `json:"amount_per_trade"`
	MaxTotalAmount    decimal.Decimal `json:"max_total_amount"`
	UsedAmount        decimal.Decimal `json:"used_amount"`
	Enabled           bool            `json:"enabled"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	DelegationGranted bool            `json:"delegation_granted"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Remaining is the budget left before MaxTotalAmount is reached
func (a CopyAuthorization) Remaining() decimal.Decimal {
	return a.MaxTotalAmount.Sub(a.UsedAmount)
}

// CopyLogStatus is the lifecycle state of an execution record
type CopyLogStatus string

const (
	CopyLogPending CopyLogStatus = "pending"
	CopyLogSuccess CopyLogStatus = "success"
	CopyLogFailed  CopyLogStatus = "failed"
	CopyLogSkipped CopyLogStatus = "skipped"
)

// IsTerminal reports whether no further transition is allowed
func (s CopyLogStatus) IsTerminal() bool {
	return s == CopyLogSuccess || s == CopyLogFailed || s == CopyLogSkipped
}

// SkipReason explains why a copy job finished without trading
type SkipReason string

const (
	SkipLeaderTradeNotFound SkipReason = "leader_trade_not_found"
	SkipNoCopySettings      SkipReason = "no_copy_settings"
	SkipDisabled            SkipReason = "disabled"
	SkipExpired             SkipReason = "expired"
	SkipNoDelegation        SkipReason = "no_delegation"
	SkipAlreadyProcessed    SkipReason = "already_processed"
	SkipLimitExceeded       SkipReason = "limit_exceeded"
	SkipFollowerNotFound    SkipReason = "follower_not_found"
)

// CopyLog is the execution record for one (leader trade, follower) pair.
// At most one exists per pair; it is never deleted.
type CopyLog struct {
	ID            uuid.UUID       `json:"id"`
	LeaderTradeID string          `json:"leader_trade_id"`
	FollowerID    string          `json:"follower_id"`
	LeaderID      string          `json:"leader_id"`
	CopyAmount    decimal.Decimal `json:"copy_amount"`
	Status        CopyLogStatus   `json:"status"`
	SkipReason    SkipReason      `json:"skip_reason,omitempty"`
	CopyTradeID   *uuid.UUID      `json:"copy_trade_id,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// FollowerTrade is the trade record created for a follower after a successful copy
type FollowerTrade struct {
	ID                uuid.UUID       `json:"id"`
	UserID            string          `json:"user_id"`
	MarketTicker      string          `json:"market_ticker"`
	EventTicker       string          `json:"event_ticker"`
	Side              Side            `json:"side"`
	Amount            decimal.Decimal `json:"amount"`
	TransactionID     string          `json:"transaction_id"`
	InAmount          string          `json:"in_amount,omitempty"`
	OutAmount         string          `json:"out_amount,omitempty"`
	CopiedFromTradeID string          `json:"copied_from_trade_id"`
	CreatedAt         time.Time       `json:"created_at"`
}

// FollowerWallet is the signing-capable account of a follower
type FollowerWallet struct {
	UserID        string `json:"user_id"`
	WalletAddress string `json:"wallet_address"`
}

// CopyJob is the payload delivered by the job dispatcher
type CopyJob struct {
	LeaderTradeID string `json:"leaderTradeId"`
	FollowerID    string `json:"followerId"`
}

// CopyResultStatus is the terminal status reported back to the dispatcher
type CopyResultStatus string

const (
	ResultSuccess CopyResultStatus = "success"
	ResultSkipped CopyResultStatus = "skipped"
)

// CopyResult is the terminal (2xx) response body for a copy job
type CopyResult struct {
	Status      CopyResultStatus `json:"status"`
	Reason      SkipReason       `json:"reason,omitempty"`
	CopyTradeID string           `json:"copyTradeId,omitempty"`
	CopyAmount  *decimal.Decimal `json:"copyAmount,omitempty"`
}

// Skipped builds a terminal skip result
func Skipped(reason SkipReason) CopyResult {
	return CopyResult{Status: ResultSkipped, Reason: reason}
}
