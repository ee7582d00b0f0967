package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"hunch-copytrader/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MockStore is an in-memory CopyStore for testing. It enforces the same
// uniqueness, budget reservation and atomic commit rules as PostgresStore.
type MockStore struct {
	mu sync.RWMutex

	// Storage maps
	Authorizations map[string]*models.CopyAuthorization // followerID:leaderID
	LeaderTrades   map[string]*models.LeaderTrade
	Wallets        map[string]*models.FollowerWallet
	FollowerTrades []models.FollowerTrade
	CopyLogs       map[string]*models.CopyLog // leaderTradeID:followerID
	Assets         map[string]string          // ticker:side

	// Call tracking for assertions
	Calls map[string]int

	// Error injection for testing error paths
	ErrorOnNext map[string]error
}

// NewMockStore creates a new mock store
func NewMockStore() *MockStore {
	return &MockStore{
		Authorizations: make(map[string]*models.CopyAuthorization),
		LeaderTrades:   make(map[string]*models.LeaderTrade),
		Wallets:        make(map[string]*models.FollowerWallet),
		CopyLogs:       make(map[string]*models.CopyLog),
		Assets:         make(map[string]string),
		Calls:          make(map[string]int),
		ErrorOnNext:    make(map[string]error),
	}
}

func pairKey(a, b string) string {
	return a + ":" + b
}

func (m *MockStore) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// CallCount returns how many times a method was invoked
func (m *MockStore) CallCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[name]
}

// ============================================================================
// Seeding helpers
// ============================================================================

func (m *MockStore) AddLeaderTrade(t models.LeaderTrade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LeaderTrades[t.ID] = &t
}

func (m *MockStore) AddWallet(w models.FollowerWallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Wallets[w.UserID] = &w
}

func (m *MockStore) AddAuthorization(a models.CopyAuthorization) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Authorizations[pairKey(a.FollowerID, a.LeaderID)] = &a
}

func (m *MockStore) AddCopyLog(l models.CopyLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	m.CopyLogs[pairKey(l.LeaderTradeID, l.FollowerID)] = &l
}

// Authorization returns a copy of the stored authorization, for assertions
func (m *MockStore) Authorization(followerID, leaderID string) *models.CopyAuthorization {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.Authorizations[pairKey(followerID, leaderID)]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// CopyLog returns a copy of the stored record, for assertions
func (m *MockStore) CopyLog(leaderTradeID, followerID string) *models.CopyLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.CopyLogs[pairKey(leaderTradeID, followerID)]
	if !ok {
		return nil
	}
	cp := *l
	return &cp
}

// FollowerTradeCount returns how many follower trades copy the given leader trade
func (m *MockStore) FollowerTradeCount(leaderTradeID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.FollowerTrades {
		if t.CopiedFromTradeID == leaderTradeID {
			n++
		}
	}
	return n
}

// ============================================================================
// AuthorizationStore
// ============================================================================

func (m *MockStore) GetCopyAuthorization(ctx context.Context, followerID, leaderID string) (*models.CopyAuthorization, error) {
	if err := m.trackCall("GetCopyAuthorization"); err != nil {
		return nil, err
	}
	return m.Authorization(followerID, leaderID), nil
}

func (m *MockStore) UpsertCopyAuthorization(ctx context.Context, auth models.CopyAuthorization) error {
	if err := m.trackCall("UpsertCopyAuthorization"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(auth.FollowerID, auth.LeaderID)
	if existing, ok := m.Authorizations[key]; ok {
		auth.UsedAmount = existing.UsedAmount
	} else {
		auth.UsedAmount = decimal.Zero
	}
	auth.UpdatedAt = time.Now()
	m.Authorizations[key] = &auth
	return nil
}

// ============================================================================
// LedgerStore
// ============================================================================

func (m *MockStore) GetLeaderTrade(ctx context.Context, id string) (*models.LeaderTrade, error) {
	if err := m.trackCall("GetLeaderTrade"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.LeaderTrades[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *MockStore) GetFollowerWallet(ctx context.Context, userID string) (*models.FollowerWallet, error) {
	if err := m.trackCall("GetFollowerWallet"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.Wallets[userID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (m *MockStore) ListFollowerTrades(ctx context.Context, userID string, limit int) ([]models.FollowerTrade, error) {
	if err := m.trackCall("ListFollowerTrades"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.FollowerTrade
	for i := len(m.FollowerTrades) - 1; i >= 0 && len(result) < limit; i-- {
		if m.FollowerTrades[i].UserID == userID {
			result = append(result, m.FollowerTrades[i])
		}
	}
	return result, nil
}

// ============================================================================
// ExecutionStore
// ============================================================================

func (m *MockStore) GetCopyLog(ctx context.Context, leaderTradeID, followerID string) (*models.CopyLog, error) {
	if err := m.trackCall("GetCopyLog"); err != nil {
		return nil, err
	}
	return m.CopyLog(leaderTradeID, followerID), nil
}

func (m *MockStore) CreateCopyLog(ctx context.Context, log models.CopyLog) (*models.CopyLog, error) {
	if err := m.trackCall("CreateCopyLog"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(log.LeaderTradeID, log.FollowerID)
	if _, exists := m.CopyLogs[key]; exists {
		return nil, ErrCopyLogExists
	}

	if log.Status == models.CopyLogPending {
		auth, ok := m.Authorizations[pairKey(log.FollowerID, log.LeaderID)]
		if !ok {
			return nil, ErrAuthorizationNotFound
		}
		reserved := decimal.Zero
		for _, l := range m.CopyLogs {
			if l.Status == models.CopyLogPending && l.FollowerID == log.FollowerID && l.LeaderID == log.LeaderID {
				reserved = reserved.Add(l.CopyAmount)
			}
		}
		remaining := auth.Remaining().Sub(reserved)
		if remaining.LessThanOrEqual(decimal.Zero) {
			return nil, ErrBudgetExhausted
		}
		log.CopyAmount = decimal.Min(log.CopyAmount, remaining)
	}

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	now := time.Now()
	log.CreatedAt = now
	log.UpdatedAt = now
	m.CopyLogs[key] = &log
	cp := log
	return &cp, nil
}

func (m *MockStore) findLogByID(id uuid.UUID) *models.CopyLog {
	for _, l := range m.CopyLogs {
		if l.ID == id {
			return l
		}
	}
	return nil
}

func (m *MockStore) MarkCopyLogFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	if err := m.trackCall("MarkCopyLogFailed"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.findLogByID(id); l != nil && l.Status == models.CopyLogPending {
		l.Status = models.CopyLogFailed
		l.Error = errMsg
		l.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MockStore) CommitCopySuccess(ctx context.Context, commit CopyCommit) error {
	if err := m.trackCall("CommitCopySuccess"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate everything first so nothing is applied on failure
	l := m.findLogByID(commit.LogID)
	if l == nil || l.Status != models.CopyLogPending {
		return ErrCopyLogNotPending
	}
	auth, ok := m.Authorizations[pairKey(commit.FollowerID, commit.LeaderID)]
	if !ok {
		return ErrAuthorizationNotFound
	}

	m.FollowerTrades = append(m.FollowerTrades, commit.FollowerTrade)

	tradeID := commit.FollowerTrade.ID
	l.Status = models.CopyLogSuccess
	l.CopyTradeID = &tradeID
	l.TransactionID = commit.TransactionID
	l.Error = ""
	l.UpdatedAt = time.Now()

	auth.UsedAmount = decimal.Min(auth.UsedAmount.Add(commit.Amount), auth.MaxTotalAmount)
	auth.UpdatedAt = time.Now()
	return nil
}

func (m *MockStore) ListCopyLogs(ctx context.Context, leaderTradeID string) ([]models.CopyLog, error) {
	if err := m.trackCall("ListCopyLogs"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var logs []models.CopyLog
	for _, l := range m.CopyLogs {
		if l.LeaderTradeID == leaderTradeID {
			logs = append(logs, *l)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].CreatedAt.Before(logs[j].CreatedAt) })
	return logs, nil
}

func (m *MockStore) ListStalePendingCopyLogs(ctx context.Context, olderThan time.Duration) ([]models.CopyLog, error) {
	if err := m.trackCall("ListStalePendingCopyLogs"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-olderThan)
	var logs []models.CopyLog
	for _, l := range m.CopyLogs {
		if l.Status == models.CopyLogPending && l.CreatedAt.Before(cutoff) {
			logs = append(logs, *l)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].CreatedAt.Before(logs[j].CreatedAt) })
	return logs, nil
}

// ============================================================================
// AssetCache
// ============================================================================

func (m *MockStore) GetCachedAsset(ctx context.Context, marketTicker string, side models.Side) (string, error) {
	if err := m.trackCall("GetCachedAsset"); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Assets[pairKey(marketTicker, string(side))], nil
}

func (m *MockStore) CacheAsset(ctx context.Context, marketTicker string, side models.Side, asset string) error {
	if err := m.trackCall("CacheAsset"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Assets[pairKey(marketTicker, string(side))] = asset
	return nil
}
