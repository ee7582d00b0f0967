package wallet

import (
	"context"
	"fmt"
	"sync"
)

var (
	_ TransactionSender = (*Signer)(nil)
	_ TransactionSender = (*MockSigner)(nil)
	_ KeyStore          = (*StaticKeyStore)(nil)
	_ KeyStore          = (*SecretManagerKeyStore)(nil)
	_ ChainRPC          = (*RPCClient)(nil)
)

// MockSigner is a mock TransactionSender for testing
type MockSigner struct {
	mu sync.RWMutex

	Requests []SignRequest
	Calls    map[string]int

	// Error injection
	ErrorOnNext map[string]error
}

// NewMockSigner creates a mock signer that always succeeds
func NewMockSigner() *MockSigner {
	return &MockSigner{
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockSigner) SignAndSend(ctx context.Context, req SignRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["SignAndSend"]++
	m.Requests = append(m.Requests, req)
	if err, ok := m.ErrorOnNext["SignAndSend"]; ok {
		delete(m.ErrorOnNext, "SignAndSend")
		return "", err
	}
	return fmt.Sprintf("sig-%s-%d", req.OwnerID, len(m.Requests)), nil
}

// CallCount returns how many times a method was invoked
func (m *MockSigner) CallCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[name]
}
