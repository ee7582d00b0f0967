package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"hunch-copytrader/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const assetCacheTTL = 24 * time.Hour

// Options configures the Postgres pool and the optional Redis cache
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
	MinConns int32

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// PostgresStore wraps PostgreSQL persistence with Redis caching
type PostgresStore struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewPostgres creates a new PostgreSQL store with connection pooling and Redis cache
func NewPostgres(ctx context.Context, opts Options) (*PostgresStore, error) {
	sslMode := opts.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		opts.User, opts.Password, opts.Host, opts.Port, opts.Database, sslMode)

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60000"

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	store := &PostgresStore{pool: pool}

	// Redis is only a cache; run without it when no address is configured
	if opts.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         opts.RedisAddr,
			Password:     opts.RedisPassword,
			DB:           opts.RedisDB,
			PoolSize:     20,
			MinIdleConns: 2,
			MaxRetries:   3,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			pool.Close()
			return nil, fmt.Errorf("redis: ping: %w", err)
		}
		store.redis = rdb
	}

	return store, nil
}

// Close releases database connections
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// EnsureSchema applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}

// ============================================================================
// AUTHORIZATION
// ============================================================================

// GetCopyAuthorization returns the follower's settings for a leader, or nil if none exist
func (s *PostgresStore) GetCopyAuthorization(ctx context.Context, followerID, leaderID string) (*models.CopyAuthorization, error) {
	var auth models.CopyAuthorization
	var perTrade, maxTotal, used string
	err := s.pool.QueryRow(ctx, `
		SELECT follower_id, leader_id, amount_per_trade::text, max_total_amount::text,
			   used_amount::text, enabled, expires_at, delegation_granted, updated_at
		FROM copy_settings
		WHERE follower_id = $1 AND leader_id = $2
	`, followerID, leaderID).Scan(
		&auth.FollowerID, &auth.LeaderID, &perTrade, &maxTotal,
		&used, &auth.Enabled, &auth.ExpiresAt, &auth.DelegationGranted, &auth.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get copy authorization: %w", err)
	}

	if auth.AmountPerTrade, err = decimal.NewFromString(perTrade); err != nil {
		return nil, fmt.Errorf("parse amount_per_trade: %w", err)
	}
	if auth.MaxTotalAmount, err = decimal.NewFromString(maxTotal); err != nil {
		return nil, fmt.Errorf("parse max_total_amount: %w", err)
	}
	if auth.UsedAmount, err = decimal.NewFromString(used); err != nil {
		return nil, fmt.Errorf("parse used_amount: %w", err)
	}
	return &auth, nil
}

// UpsertCopyAuthorization sets the user-controlled fields. used_amount is never touched here.
func (s *PostgresStore) UpsertCopyAuthorization(ctx context.Context, auth models.CopyAuthorization) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO copy_settings (follower_id, leader_id, amount_per_trade, max_total_amount,
			enabled, expires_at, delegation_granted, updated_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, NOW())
		ON CONFLICT (follower_id, leader_id) DO UPDATE SET
			amount_per_trade = EXCLUDED.amount_per_trade,
			max_total_amount = EXCLUDED.max_total_amount,
			enabled = EXCLUDED.enabled,
			expires_at = EXCLUDED.expires_at,
			delegation_granted = EXCLUDED.delegation_granted,
			updated_at = NOW()
	`, auth.FollowerID, auth.LeaderID, auth.AmountPerTrade.String(), auth.MaxTotalAmount.String(),
		auth.Enabled, auth.ExpiresAt, auth.DelegationGranted)
	if err != nil {
		return fmt.Errorf("upsert copy authorization: %w", err)
	}
	return nil
}

// ============================================================================
// LEDGER
// ============================================================================

// GetLeaderTrade loads a trade by id, or nil if it does not exist
func (s *PostgresStore) GetLeaderTrade(ctx context.Context, id string) (*models.LeaderTrade, error) {
	var trade models.LeaderTrade
	var side, entryPrice string
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, market_ticker, event_ticker, side, entry_price::text, created_at
		FROM trades
		WHERE id = $1
	`, id).Scan(&trade.ID, &trade.UserID, &trade.MarketTicker, &trade.EventTicker, &side, &entryPrice, &trade.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get leader trade: %w", err)
	}
	trade.Side = models.Side(side)
	if trade.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
		return nil, fmt.Errorf("parse entry_price: %w", err)
	}
	return &trade, nil
}

// GetFollowerWallet returns the follower's wallet, or nil if none is registered
func (s *PostgresStore) GetFollowerWallet(ctx context.Context, userID string) (*models.FollowerWallet, error) {
	var wallet models.FollowerWallet
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, wallet_address FROM wallets WHERE user_id = $1
	`, userID).Scan(&wallet.UserID, &wallet.WalletAddress)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get follower wallet: %w", err)
	}
	return &wallet, nil
}

// ListFollowerTrades returns the copied trades of a user, newest first
func (s *PostgresStore) ListFollowerTrades(ctx context.Context, userID string, limit int) ([]models.FollowerTrade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, market_ticker, event_ticker, side, amount::text, transaction_id,
			   in_amount, out_amount, copied_from_trade_id, created_at
		FROM trades
		WHERE user_id = $1 AND copied_from_trade_id IS NOT NULL
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list follower trades: %w", err)
	}
	defer rows.Close()

	var trades []models.FollowerTrade
	for rows.Next() {
		var t models.FollowerTrade
		var id, side, amount string
		if err := rows.Scan(&id, &t.UserID, &t.MarketTicker, &t.EventTicker, &side, &amount,
			&t.TransactionID, &t.InAmount, &t.OutAmount, &t.CopiedFromTradeID, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse trade id %s: %w", id, err)
		}
		t.Side = models.Side(side)
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ============================================================================
// EXECUTION RECORDS
// ============================================================================

const copyLogColumns = `id, leader_trade_id, follower_id, leader_id, copy_amount::text, status,
	skip_reason, copy_trade_id, transaction_id, error, created_at, updated_at`

func scanCopyLog(row pgx.Row) (*models.CopyLog, error) {
	var l models.CopyLog
	var amount, status, reason string
	err := row.Scan(&l.ID, &l.LeaderTradeID, &l.FollowerID, &l.LeaderID, &amount, &status,
		&reason, &l.CopyTradeID, &l.TransactionID, &l.Error, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Status = models.CopyLogStatus(status)
	l.SkipReason = models.SkipReason(reason)
	if l.CopyAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse copy_amount: %w", err)
	}
	return &l, nil
}

// GetCopyLog returns the execution record for the pair, or nil if none exists
func (s *PostgresStore) GetCopyLog(ctx context.Context, leaderTradeID, followerID string) (*models.CopyLog, error) {
	l, err := scanCopyLog(s.pool.QueryRow(ctx, `
		SELECT `+copyLogColumns+`
		FROM copy_logs
		WHERE leader_trade_id = $1 AND follower_id = $2
	`, leaderTradeID, followerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get copy log: %w", err)
	}
	return l, nil
}

// CreateCopyLog inserts a new execution record. The (leader_trade_id, follower_id)
// unique constraint is the at-most-once guarantee; a collision returns ErrCopyLogExists.
func (s *PostgresStore) CreateCopyLog(ctx context.Context, log models.CopyLog) (*models.CopyLog, error) {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if log.Status == models.CopyLogPending {
		amount, err := reserveBudgetTx(ctx, tx, log)
		if err != nil {
			return nil, err
		}
		log.CopyAmount = amount
	}

	created, err := scanCopyLog(tx.QueryRow(ctx, `
		INSERT INTO copy_logs (id, leader_trade_id, follower_id, leader_id, copy_amount,
			status, skip_reason, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, NOW(), NOW())
		RETURNING `+copyLogColumns,
		log.ID, log.LeaderTradeID, log.FollowerID, log.LeaderID, log.CopyAmount.String(),
		string(log.Status), string(log.SkipReason), log.Error,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrCopyLogExists
		}
		return nil, fmt.Errorf("insert copy log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrCopyLogExists
		}
		return nil, fmt.Errorf("commit copy log: %w", err)
	}
	return created, nil
}

// reserveBudgetTx locks the authorization row and returns the amount that may be
// reserved, net of other pending records for the same follower and leader.
func reserveBudgetTx(ctx context.Context, tx pgx.Tx, log models.CopyLog) (decimal.Decimal, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM copy_logs WHERE leader_trade_id = $1 AND follower_id = $2)
	`, log.LeaderTradeID, log.FollowerID).Scan(&exists)
	if err != nil {
		return decimal.Zero, fmt.Errorf("check copy log: %w", err)
	}
	if exists {
		return decimal.Zero, ErrCopyLogExists
	}

	var maxTotal, used string
	err = tx.QueryRow(ctx, `
		SELECT max_total_amount::text, used_amount::text
		FROM copy_settings
		WHERE follower_id = $1 AND leader_id = $2
		FOR UPDATE
	`, log.FollowerID, log.LeaderID).Scan(&maxTotal, &used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrAuthorizationNotFound
		}
		return decimal.Zero, fmt.Errorf("lock copy settings: %w", err)
	}

	var reserved string
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(copy_amount), 0)::text
		FROM copy_logs
		WHERE follower_id = $1 AND leader_id = $2 AND status = 'pending'
	`, log.FollowerID, log.LeaderID).Scan(&reserved)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum pending copy logs: %w", err)
	}

	maxDec, err := decimal.NewFromString(maxTotal)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse max_total_amount: %w", err)
	}
	usedDec, err := decimal.NewFromString(used)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse used_amount: %w", err)
	}
	reservedDec, err := decimal.NewFromString(reserved)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse reserved amount: %w", err)
	}

	remaining := maxDec.Sub(usedDec).Sub(reservedDec)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrBudgetExhausted
	}
	return decimal.Min(log.CopyAmount, remaining), nil
}

// MarkCopyLogFailed records an execution failure. Best effort, outside any transaction.
func (s *PostgresStore) MarkCopyLogFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE copy_logs SET status = 'failed', error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark copy log failed: %w", err)
	}
	return nil
}

// CommitCopySuccess writes the follower trade, the success transition and the budget
// charge in one transaction.
func (s *PostgresStore) CommitCopySuccess(ctx context.Context, commit CopyCommit) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ft := commit.FollowerTrade
	_, err = tx.Exec(ctx, `
		INSERT INTO trades (id, user_id, market_ticker, event_ticker, side, amount, entry_price,
			transaction_id, in_amount, out_amount, copied_from_trade_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, 0, $7, $8, $9, $10, NOW())
	`, ft.ID.String(), ft.UserID, ft.MarketTicker, ft.EventTicker, string(ft.Side), ft.Amount.String(),
		ft.TransactionID, ft.InAmount, ft.OutAmount, ft.CopiedFromTradeID)
	if err != nil {
		return fmt.Errorf("insert follower trade: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE copy_logs
		SET status = 'success', copy_trade_id = $2, transaction_id = $3, error = '', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, commit.LogID, ft.ID, commit.TransactionID)
	if err != nil {
		return fmt.Errorf("mark copy log success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCopyLogNotPending
	}

	tag, err = tx.Exec(ctx, `
		UPDATE copy_settings
		SET used_amount = LEAST(used_amount + $3::numeric, max_total_amount), updated_at = NOW()
		WHERE follower_id = $1 AND leader_id = $2
	`, commit.FollowerID, commit.LeaderID, commit.Amount.String())
	if err != nil {
		return fmt.Errorf("increment used amount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAuthorizationNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit copy success: %w", err)
	}
	return nil
}

// ListCopyLogs returns every execution record for a leader trade
func (s *PostgresStore) ListCopyLogs(ctx context.Context, leaderTradeID string) ([]models.CopyLog, error) {
	return s.queryCopyLogs(ctx, `
		SELECT `+copyLogColumns+`
		FROM copy_logs
		WHERE leader_trade_id = $1
		ORDER BY created_at ASC
	`, leaderTradeID)
}

// ListStalePendingCopyLogs returns pending records older than the given age.
// These are never retried automatically; they need an operator.
func (s *PostgresStore) ListStalePendingCopyLogs(ctx context.Context, olderThan time.Duration) ([]models.CopyLog, error) {
	return s.queryCopyLogs(ctx, `
		SELECT `+copyLogColumns+`
		FROM copy_logs
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
	`, time.Now().Add(-olderThan))
}

func (s *PostgresStore) queryCopyLogs(ctx context.Context, query string, args ...interface{}) ([]models.CopyLog, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query copy logs: %w", err)
	}
	defer rows.Close()

	var logs []models.CopyLog
	for rows.Next() {
		l, err := scanCopyLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

// ============================================================================
// ASSET CACHE
// ============================================================================

func assetCacheKey(marketTicker string, side models.Side) string {
	return fmt.Sprintf("asset:%s:%s", strings.ToUpper(marketTicker), side)
}

// GetCachedAsset returns the cached outcome asset, or "" on a miss
func (s *PostgresStore) GetCachedAsset(ctx context.Context, marketTicker string, side models.Side) (string, error) {
	if s.redis == nil {
		return "", nil
	}
	val, err := s.redis.Get(ctx, assetCacheKey(marketTicker, side)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis GET asset: %w", err)
	}
	return val, nil
}

// CacheAsset stores the outcome asset with a 24h TTL
func (s *PostgresStore) CacheAsset(ctx context.Context, marketTicker string, side models.Side, asset string) error {
	if s.redis == nil {
		return nil
	}
	if err := s.redis.Set(ctx, assetCacheKey(marketTicker, side), asset, assetCacheTTL).Err(); err != nil {
		return fmt.Errorf("redis SET asset: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
