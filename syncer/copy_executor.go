package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hunch-copytrader/api"
	"hunch-copytrader/models"
	"hunch-copytrader/storage"
	"hunch-copytrader/wallet"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultSlippageBps is the fixed slippage tolerance for copied orders (1%)
const DefaultSlippageBps = 100

// commitTimeout bounds the success commit, which runs detached from the job context
const commitTimeout = 10 * time.Second

// ExecutorConfig holds the trading parameters of the copy executor
type ExecutorConfig struct {
	// StableAsset is the asset spent on every copied trade
	StableAsset    string
	StableDecimals int32
	SlippageBps    int

	// Async settlement polling
	PollInterval time.Duration
	PollAttempts int
}

// DefaultExecutorConfig returns USDC-denominated defaults
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		StableAsset:    "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		StableDecimals: 6,
		SlippageBps:    DefaultSlippageBps,
		PollInterval:   2 * time.Second,
		PollAttempts:   30,
	}
}

// CopyExecutor runs one copy job: gate, reserve, trade, commit.
// It holds no per-job state and is safe for concurrent use.
type CopyExecutor struct {
	store   storage.CopyStore
	guard   *IdempotencyGuard
	markets api.OutcomeResolver
	broker  api.Broker
	signer  wallet.TransactionSender
	config  ExecutorConfig
	logger  *logrus.Entry
	now     func() time.Time
}

// NewCopyExecutor creates a copy executor
func NewCopyExecutor(store storage.CopyStore, markets api.OutcomeResolver, broker api.Broker, signer wallet.TransactionSender, config ExecutorConfig, logger *logrus.Logger) *CopyExecutor {
	if config.SlippageBps <= 0 {
		config.SlippageBps = DefaultSlippageBps
	}
	if config.PollAttempts < 1 {
		config.PollAttempts = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CopyExecutor{
		store:   store,
		guard:   NewIdempotencyGuard(store),
		markets: markets,
		broker:  broker,
		signer:  signer,
		config:  config,
		logger:  logger.WithField("component", "copy_executor"),
		now:     time.Now,
	}
}

// Execute handles one copy job. A nil error means the result is terminal;
// a *RetryableError asks the dispatcher to redeliver.
func (e *CopyExecutor) Execute(ctx context.Context, job models.CopyJob) (result models.CopyResult, err error) {
	start := time.Now()
	log := e.logger.WithFields(logrus.Fields{
		"leader_trade_id": job.LeaderTradeID,
		"follower_id":     job.FollowerID,
	})
	defer func() {
		observeJob(result, err, time.Since(start))
		switch {
		case err != nil:
			log.WithError(err).Warn("Copy job failed")
		case result.Status == models.ResultSkipped:
			log.WithField("reason", result.Reason).Info("Copy job skipped")
		default:
			log.WithFields(logrus.Fields{
				"copy_trade_id": result.CopyTradeID,
				"copy_amount":   result.CopyAmount,
			}).Info("Copy job succeeded")
		}
	}()

	// Leader trade
	trade, err := e.store.GetLeaderTrade(ctx, job.LeaderTradeID)
	if err != nil {
		return result, retryable("load leader trade", err)
	}
	if trade == nil {
		return models.Skipped(models.SkipLeaderTradeNotFound), nil
	}
	leaderID := trade.UserID
	log = log.WithField("leader_id", leaderID)

	// Authorization gate
	auth, err := e.store.GetCopyAuthorization(ctx, job.FollowerID, leaderID)
	if err != nil {
		return result, retryable("load copy authorization", err)
	}
	if d := CanExecute(auth, e.now()); !d.Proceed {
		return models.Skipped(d.SkipReason), nil
	}

	// Idempotency
	existing, err := e.guard.FindExisting(ctx, job.LeaderTradeID, job.FollowerID)
	if err != nil {
		return result, retryable("find copy log", err)
	}
	if existing != nil {
		return models.Skipped(models.SkipAlreadyProcessed), nil
	}

	// Budget
	remaining := auth.Remaining()
	if remaining.LessThanOrEqual(decimal.Zero) {
		return e.skipLimitExceeded(ctx, job, leaderID)
	}
	copyAmount := decimal.Min(auth.AmountPerTrade, remaining)

	// Follower wallet. No record is written when the follower does not exist.
	followerWallet, err := e.store.GetFollowerWallet(ctx, job.FollowerID)
	if err != nil {
		return result, retryable("load follower wallet", err)
	}
	if followerWallet == nil {
		return models.Skipped(models.SkipFollowerNotFound), nil
	}

	// Durability checkpoint: nothing external happens before this record exists
	record, err := e.guard.CreatePending(ctx, job.LeaderTradeID, job.FollowerID, leaderID, copyAmount)
	switch {
	case errors.Is(err, storage.ErrCopyLogExists):
		return models.Skipped(models.SkipAlreadyProcessed), nil
	case errors.Is(err, storage.ErrBudgetExhausted):
		return e.skipLimitExceeded(ctx, job, leaderID)
	case errors.Is(err, storage.ErrAuthorizationNotFound):
		return models.Skipped(models.SkipNoCopySettings), nil
	case err != nil:
		return result, retryable("create pending copy log", err)
	}
	copyAmount = record.CopyAmount
	log = log.WithFields(logrus.Fields{
		"copy_log_id": record.ID,
		"copy_amount": copyAmount.String(),
	})

	order, txID, err := e.placeOrder(ctx, trade, followerWallet, copyAmount)
	if err != nil {
		e.markFailed(ctx, log, record.ID, err)
		return result, retryableAfterRecord("execute copy trade", err)
	}

	followerTrade := models.FollowerTrade{
		ID:                uuid.New(),
		UserID:            job.FollowerID,
		MarketTicker:      trade.MarketTicker,
		EventTicker:       trade.EventTicker,
		Side:              trade.Side,
		Amount:            copyAmount,
		TransactionID:     txID,
		InAmount:          order.InAmount,
		OutAmount:         order.OutAmount,
		CopiedFromTradeID: trade.ID,
	}
	// The trade is on chain; a caller hanging up must not abort the bookkeeping
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	err = e.store.CommitCopySuccess(commitCtx, storage.CopyCommit{
		LogID:         record.ID,
		FollowerID:    job.FollowerID,
		LeaderID:      leaderID,
		Amount:        copyAmount,
		TransactionID: txID,
		FollowerTrade: followerTrade,
	})
	if err != nil {
		// The trade is on chain but not booked; the record stays pending for an operator
		log.WithError(err).WithField("tx_id", txID).Error("Copy trade executed but bookkeeping commit failed")
		return result, retryableAfterRecord("commit copy success", err)
	}

	return models.CopyResult{
		Status:      models.ResultSuccess,
		CopyTradeID: followerTrade.ID.String(),
		CopyAmount:  &copyAmount,
	}, nil
}

// placeOrder resolves the outcome asset, gets a transaction from the broker,
// signs and broadcasts it, and waits for settlement
func (e *CopyExecutor) placeOrder(ctx context.Context, trade *models.LeaderTrade, w *models.FollowerWallet, amount decimal.Decimal) (*api.OrderResponse, string, error) {
	asset, err := e.markets.ResolveOutcomeAsset(ctx, trade.MarketTicker, trade.Side)
	if err != nil {
		return nil, "", fmt.Errorf("resolve outcome asset: %w", err)
	}

	units, err := api.ToSmallestUnits(amount, e.config.StableDecimals)
	if err != nil {
		return nil, "", err
	}
	if units <= 0 {
		return nil, "", fmt.Errorf("copy amount %s is below the smallest unit", amount)
	}

	order, err := e.broker.GetOrder(ctx, api.OrderRequest{
		WalletAddress: w.WalletAddress,
		InputAsset:    e.config.StableAsset,
		OutputAsset:   asset,
		Amount:        units,
		SlippageBps:   e.config.SlippageBps,
	})
	if err != nil {
		return nil, "", fmt.Errorf("get order: %w", err)
	}

	txID, err := e.signer.SignAndSend(ctx, wallet.SignRequest{
		OwnerID:             w.UserID,
		WalletAddress:       w.WalletAddress,
		Transaction:         order.Transaction,
		WaitForConfirmation: order.ExecutionMode == api.ExecutionSync,
	})
	if err != nil {
		return nil, "", fmt.Errorf("sign and send: %w", err)
	}

	if order.ExecutionMode == api.ExecutionAsync {
		if err := api.PollOrderStatus(ctx, e.broker, txID, e.config.PollAttempts, e.config.PollInterval); err != nil {
			return nil, "", fmt.Errorf("await order %s: %w", txID, err)
		}
	}
	return order, txID, nil
}

// markFailed is best effort and must run even if the job context is done
func (e *CopyExecutor) markFailed(ctx context.Context, log *logrus.Entry, id uuid.UUID, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.MarkCopyLogFailed(ctx, id, cause.Error()); err != nil {
		log.WithError(err).Error("Failed to mark copy log failed")
	}
}

func (e *CopyExecutor) skipLimitExceeded(ctx context.Context, job models.CopyJob, leaderID string) (models.CopyResult, error) {
	err := e.guard.RecordLimitExceeded(ctx, job.LeaderTradeID, job.FollowerID, leaderID)
	if errors.Is(err, storage.ErrCopyLogExists) {
		return models.Skipped(models.SkipAlreadyProcessed), nil
	}
	if err != nil {
		return models.CopyResult{}, retryable("record limit exceeded", err)
	}
	return models.Skipped(models.SkipLimitExceeded), nil
}
