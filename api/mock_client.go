package api

import (
	"context"
	"fmt"
	"sync"

	"hunch-copytrader/models"
)

// Ensure the real clients and mocks implement the collaborator interfaces
var (
	_ Broker          = (*BrokerClient)(nil)
	_ Broker          = (*MockBroker)(nil)
	_ OutcomeResolver = (*MarketClient)(nil)
	_ OutcomeResolver = (*MockMarkets)(nil)
)

// MockBroker is a mock broker gateway for testing
type MockBroker struct {
	mu sync.RWMutex

	// Response data
	OrderResponse *OrderResponse
	// Statuses are returned in order by GetOrderStatus; the last one repeats
	Statuses []OrderState

	// Call tracking
	Calls         map[string]int
	OrderRequests []OrderRequest

	// Error injection
	ErrorOnNext map[string]error
}

// NewMockBroker creates a mock broker returning a sync order by default
func NewMockBroker() *MockBroker {
	return &MockBroker{
		OrderResponse: &OrderResponse{
			Transaction:   []byte{0x01},
			ExecutionMode: ExecutionSync,
			InAmount:      "0",
			OutAmount:     "0",
		},
		Statuses:    []OrderState{OrderClosed},
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockBroker) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// CallCount returns how many times a method was invoked
func (m *MockBroker) CallCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[name]
}

func (m *MockBroker) GetOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetOrder"); err != nil {
		return nil, err
	}
	m.OrderRequests = append(m.OrderRequests, req)
	if m.OrderResponse == nil {
		return nil, fmt.Errorf("get order: %w", ErrBrokerUnavailable)
	}
	resp := *m.OrderResponse
	resp.Transaction = append([]byte(nil), m.OrderResponse.Transaction...)
	return &resp, nil
}

func (m *MockBroker) GetOrderStatus(ctx context.Context, transactionID string) (*OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("GetOrderStatus"); err != nil {
		return nil, err
	}
	if len(m.Statuses) == 0 {
		return &OrderStatus{Status: OrderOpen}, nil
	}
	state := m.Statuses[0]
	if len(m.Statuses) > 1 {
		m.Statuses = m.Statuses[1:]
	}
	return &OrderStatus{Status: state}, nil
}

// MockMarkets is a mock outcome resolver for testing
type MockMarkets struct {
	mu sync.RWMutex

	// Assets keyed by ticker:side
	Assets map[string]string

	Calls       map[string]int
	ErrorOnNext map[string]error
}

// NewMockMarkets creates an empty mock resolver
func NewMockMarkets() *MockMarkets {
	return &MockMarkets{
		Assets:      make(map[string]string),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

// SetAsset registers the asset for a market side
func (m *MockMarkets) SetAsset(marketTicker string, side models.Side, asset string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Assets[marketTicker+":"+string(side)] = asset
}

// CallCount returns how many times a method was invoked
func (m *MockMarkets) CallCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[name]
}

func (m *MockMarkets) ResolveOutcomeAsset(ctx context.Context, marketTicker string, side models.Side) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["ResolveOutcomeAsset"]++
	if err, ok := m.ErrorOnNext["ResolveOutcomeAsset"]; ok {
		delete(m.ErrorOnNext, "ResolveOutcomeAsset")
		return "", err
	}
	asset, ok := m.Assets[marketTicker+":"+string(side)]
	if !ok {
		return "", fmt.Errorf("market %s: %w", marketTicker, ErrAssetNotFound)
	}
	return asset, nil
}
