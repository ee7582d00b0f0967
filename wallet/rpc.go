package wallet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/mr-tron/base58"
)

// ChainRPC is the subset of the chain JSON-RPC API used to broadcast transactions
type ChainRPC interface {
	LatestBlockhash(ctx context.Context) ([]byte, error)
	SendTransaction(ctx context.Context, raw []byte) (string, error)
	// GetSignatureStatus returns nil when the node does not know the signature yet
	GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)
}

// SignatureStatus is one entry of a getSignatureStatuses response
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction executed with an error
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Confirmed reports whether the transaction reached at least confirmed commitment
func (s *SignatureStatus) Confirmed() bool {
	return s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized"
}

// RPCClient implements ChainRPC over JSON-RPC 2.0
type RPCClient struct {
	client     *rpc.Client
	commitment string
}

// DialRPC connects to a chain RPC endpoint
func DialRPC(ctx context.Context, url, commitment string) (*RPCClient, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	if commitment == "" {
		commitment = "confirmed"
	}
	return &RPCClient{client: client, commitment: commitment}, nil
}

// Close closes the underlying connection
func (c *RPCClient) Close() {
	c.client.Close()
}

func (c *RPCClient) LatestBlockhash(ctx context.Context) ([]byte, error) {
	var result struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	err := c.client.CallContext(ctx, &result, "getLatestBlockhash", map[string]string{
		"commitment": c.commitment,
	})
	if err != nil {
		return nil, fmt.Errorf("getLatestBlockhash: %w", err)
	}
	hash, err := base58.Decode(result.Value.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("decode blockhash %q: %w", result.Value.Blockhash, err)
	}
	return hash, nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, raw []byte) (string, error) {
	var signature string
	err := c.client.CallContext(ctx, &signature, "sendTransaction",
		base64.StdEncoding.EncodeToString(raw),
		map[string]interface{}{
			"encoding":            "base64",
			"preflightCommitment": c.commitment,
		},
	)
	if err != nil {
		return "", fmt.Errorf("sendTransaction: %w", err)
	}
	return signature, nil
}

func (c *RPCClient) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	var result struct {
		Value []*SignatureStatus `json:"value"`
	}
	err := c.client.CallContext(ctx, &result, "getSignatureStatuses",
		[]string{signature},
		map[string]bool{"searchTransactionHistory": false},
	)
	if err != nil {
		return nil, fmt.Errorf("getSignatureStatuses: %w", err)
	}
	if len(result.Value) == 0 {
		return nil, nil
	}
	return result.Value[0], nil
}
