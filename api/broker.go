package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ExecutionMode is how the broker settles an order
type ExecutionMode string

const (
	ExecutionSync  ExecutionMode = "sync"
	ExecutionAsync ExecutionMode = "async"
)

// OrderState is the broker's view of an async order
type OrderState string

const (
	OrderOpen         OrderState = "open"
	OrderPendingClose OrderState = "pendingClose"
	OrderClosed       OrderState = "closed"
	OrderFailed       OrderState = "failed"
)

// OrderRequest asks the broker for a signable swap transaction
type OrderRequest struct {
	WalletAddress string
	InputAsset    string
	OutputAsset   string
	Amount        int64 // smallest units of InputAsset
	SlippageBps   int
}

// OrderResponse carries the unsigned transaction returned by the broker
type OrderResponse struct {
	Transaction   []byte
	ExecutionMode ExecutionMode
	InAmount      string
	OutAmount     string
}

// OrderStatus is the response from the order status endpoint
type OrderStatus struct {
	Status OrderState `json:"status"`
}

// Broker is the subset of the broker gateway the copy engine needs
type Broker interface {
	GetOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	GetOrderStatus(ctx context.Context, transactionID string) (*OrderStatus, error)
}

// BrokerClient talks to the trade broker's HTTP API
type BrokerClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// BrokerOption customizes a BrokerClient
type BrokerOption func(*BrokerClient)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) BrokerOption {
	return func(b *BrokerClient) { b.httpClient = c }
}

// WithRateLimit caps outgoing requests per second. Zero disables the limiter.
func WithRateLimit(perSecond float64, burst int) BrokerOption {
	return func(b *BrokerClient) {
		if perSecond <= 0 {
			b.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewBrokerClient creates a broker client
func NewBrokerClient(baseURL, apiKey string, opts ...BrokerOption) *BrokerClient {
	b := &BrokerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type orderResponseBody struct {
	Transaction   string `json:"transaction"`
	ExecutionMode string `json:"executionMode"`
	InAmount      string `json:"inAmount"`
	OutAmount     string `json:"outAmount"`
}

// GetOrder requests a signable transaction for the given swap
func (b *BrokerClient) GetOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("get order: %w: amount must be positive", ErrBadRequest)
	}

	values := url.Values{}
	values.Set("userPublicKey", req.WalletAddress)
	values.Set("inputMint", req.InputAsset)
	values.Set("outputMint", req.OutputAsset)
	values.Set("amount", strconv.FormatInt(req.Amount, 10))
	values.Set("slippageBps", strconv.Itoa(req.SlippageBps))

	var body orderResponseBody
	if err := b.get(ctx, "get order", "/order?"+values.Encode(), &body); err != nil {
		return nil, err
	}

	if body.Transaction == "" {
		return nil, fmt.Errorf("get order: empty transaction in response")
	}
	tx, err := base64.StdEncoding.DecodeString(body.Transaction)
	if err != nil {
		return nil, fmt.Errorf("get order: decode transaction: %w", err)
	}

	mode := ExecutionMode(body.ExecutionMode)
	if mode != ExecutionAsync {
		mode = ExecutionSync
	}

	return &OrderResponse{
		Transaction:   tx,
		ExecutionMode: mode,
		InAmount:      body.InAmount,
		OutAmount:     body.OutAmount,
	}, nil
}

// GetOrderStatus returns the settlement state of an async order
func (b *BrokerClient) GetOrderStatus(ctx context.Context, transactionID string) (*OrderStatus, error) {
	values := url.Values{}
	values.Set("signature", transactionID)

	var status OrderStatus
	if err := b.get(ctx, "get order status", "/order-status?"+values.Encode(), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (b *BrokerClient) get(ctx context.Context, op, path string, out interface{}) error {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limiter: %w", op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if b.apiKey != "" {
		req.Header.Set("x-api-key", b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrBrokerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

var maxUnits = decimal.NewFromInt(math.MaxInt64)

// ToSmallestUnits converts a currency amount to integer base units, truncating
// toward zero. Amounts that do not fit in an int64 are rejected.
func ToSmallestUnits(amount decimal.Decimal, decimals int32) (int64, error) {
	units := amount.Shift(decimals).Truncate(0)
	if units.GreaterThan(maxUnits) || units.LessThan(maxUnits.Neg()) {
		return 0, fmt.Errorf("%w: %s with %d decimals", ErrAmountOutOfRange, amount, decimals)
	}
	return units.IntPart(), nil
}
